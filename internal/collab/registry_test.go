package collab

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryJoinLeave(t *testing.T) {
	r := NewRegistry()

	room := r.Join("doc", "s2")
	again := r.Join("doc", "s2")
	require.Same(t, room, again)
	r.Join("doc", "s1")

	assert.Equal(t, []string{"s1", "s2"}, r.MembersOf("doc"))
	assert.Equal(t, 1, r.RoomCount())
	assert.False(t, r.IsEmpty("doc"))

	assert.False(t, r.Leave("doc", "s1"))
	assert.False(t, r.Leave("doc", "s1"), "second leave of the same session is a no-op")
	assert.True(t, r.Leave("doc", "s2"), "last leave empties the room")
	assert.False(t, r.Leave("doc", "s2"))

	assert.True(t, r.IsEmpty("doc"))
	assert.Nil(t, r.MembersOf("doc"))
	assert.Equal(t, 0, r.RoomCount())
}

func TestRegistryLeaveUnknown(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Leave("nope", "s1"))
	r.Join("doc", "s1")
	assert.False(t, r.Leave("doc", "stranger"))
	assert.Equal(t, []string{"s1"}, r.MembersOf("doc"))
}

func TestRegistryConcurrentChurnReportsEmptyOnce(t *testing.T) {
	r := NewRegistry()
	const sessions = 64

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		r.Join("doc", fmt.Sprintf("s%d", i))
	}

	emptied := make(chan struct{}, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.Leave("doc", fmt.Sprintf("s%d", i)) {
				emptied <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(emptied)

	count := 0
	for range emptied {
		count++
	}
	assert.Equal(t, 1, count)
	assert.True(t, r.IsEmpty("doc"))
}
