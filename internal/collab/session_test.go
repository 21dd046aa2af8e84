package collab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTransitions(t *testing.T) {
	s := newSession("s1", "u1", newPeer(), time.Now())
	assert.Equal(t, StateConnected, s.State())
	assert.Empty(t, s.DocumentID())

	already, err := s.canJoin("doc")
	require.NoError(t, err)
	assert.False(t, already)
	require.NoError(t, s.markJoined("doc"))
	assert.Equal(t, "doc", s.DocumentID())

	already, err = s.canJoin("doc")
	require.NoError(t, err)
	assert.True(t, already)

	_, err = s.canJoin("other")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.ErrorIs(t, s.markJoined("other"), ErrInvalidTransition)

	docID, err := s.markDisconnected()
	require.NoError(t, err)
	assert.Equal(t, "doc", docID)
	assert.Equal(t, StateDisconnected, s.State())
	assert.Empty(t, s.DocumentID())

	_, err = s.markDisconnected()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.canJoin("doc")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSessionConnectedToDisconnected(t *testing.T) {
	s := newSession("s1", "u1", newPeer(), time.Now())
	docID, err := s.markDisconnected()
	require.NoError(t, err)
	assert.Empty(t, docID)
}

func TestSessionSendStopsAfterDisconnect(t *testing.T) {
	peer := newPeer()
	s := newSession("s1", "u1", peer, time.Now())
	assert.True(t, s.send([]byte(`{"type":"pong","timestamp":0}`)))
	_, _ = s.markDisconnected()
	assert.False(t, s.send([]byte(`{"type":"pong","timestamp":0}`)))
	assert.Len(t, peer.frames, 1)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "State(9)", State(9).String())
}
