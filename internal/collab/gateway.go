package collab

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"flowsync/internal/flowchart"
	"flowsync/internal/observability"
	"flowsync/internal/util"
)

// Gateway drives sessions through their lifecycle and turns client frames
// into broadcaster and autosave calls. It is transport agnostic; see
// internal/ws for the WebSocket binding.
type Gateway struct {
	registry *Registry
	cache    *Broadcaster
	autosave *Autosave
	logger   *zap.Logger
	metrics  *observability.Collector
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewGateway(registry *Registry, cache *Broadcaster, autosave *Autosave, logger *zap.Logger, metrics *observability.Collector) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry: registry,
		cache:    cache,
		autosave: autosave,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		sessions: map[string]*Session{},
	}
}

// Connect registers a new session and greets it.
func (g *Gateway) Connect(peer Peer, userID string) *Session {
	session := newSession(util.NewID("ses"), userID, peer, g.now().UTC())
	g.mu.Lock()
	g.sessions[session.ID] = session
	g.mu.Unlock()
	g.metrics.SessionOpened()

	g.reply(session, TypeConnected, ConnectedPayload{SessionID: session.ID, UserID: userID})
	g.logger.Debug("session connected", zap.String("sessionId", session.ID), zap.String("userId", userID))
	return session
}

func (g *Gateway) Session(sessionID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[sessionID]
	return s, ok
}

// Join puts the session in the document's room and sends it the current
// snapshot. On failure the session stays Connected, no room is left behind,
// and the client receives an error frame.
func (g *Gateway) Join(ctx context.Context, sessionID, docID string) (flowchart.Document, error) {
	session, ok := g.Session(sessionID)
	if !ok {
		return flowchart.Document{}, ErrUnknownSession
	}
	docID = strings.TrimSpace(docID)
	if docID == "" {
		err := errors.New("documentId is required")
		g.reply(session, TypeError, ErrorPayload{Reason: flowchart.ReasonInvalidPayload, Message: err.Error()})
		return flowchart.Document{}, err
	}

	already, err := session.canJoin(docID)
	if err != nil {
		g.reply(session, TypeError, ErrorPayload{Reason: joinReason(err), Message: err.Error()})
		return flowchart.Document{}, err
	}

	var doc flowchart.Document
	if already {
		snapshot, _, ok := g.cache.Snapshot(docID)
		if !ok {
			err = errNotCached
		}
		doc = snapshot
		if err == nil {
			g.reply(session, TypeSnapshot, SnapshotPayload{Document: doc})
		}
	} else {
		doc, err = g.cache.Join(ctx, docID, sessionID, func(snapshot flowchart.Document) error {
			if err := session.markJoined(docID); err != nil {
				return err
			}
			g.reply(session, TypeSnapshot, SnapshotPayload{Document: snapshot})
			return nil
		})
	}
	if err != nil {
		g.reply(session, TypeError, ErrorPayload{Reason: joinReason(err), Message: err.Error()})
		return flowchart.Document{}, err
	}
	if session.State() == StateDisconnected {
		// Disconnect ran between markJoined and the room join and found nothing to leave
		g.leaveRoom(docID, sessionID)
		return flowchart.Document{}, ErrInvalidTransition
	}
	g.metrics.SetRooms(g.registry.RoomCount())

	g.logger.Debug("session joined",
		zap.String("sessionId", sessionID),
		zap.String("documentId", docID),
		zap.Int64("version", doc.Version))
	return doc, nil
}

// Message handles one raw client frame.
func (g *Gateway) Message(ctx context.Context, sessionID string, raw []byte) {
	session, ok := g.Session(sessionID)
	if !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.reject(session, RejectedPayload{Reason: flowchart.ReasonInvalidPayload, Message: "malformed envelope"})
		return
	}

	switch env.Type {
	case TypeJoin:
		var req JoinRequest
		if err := decodeData(env.Data, &req); err != nil {
			g.reject(session, RejectedPayload{Reason: flowchart.ReasonInvalidPayload, Message: err.Error()})
			return
		}
		_, _ = g.Join(ctx, sessionID, req.DocumentID)
	case TypeMessage:
		g.handleChange(session, env.Data)
	case TypeSave:
		g.handleSave(ctx, session)
	case TypePing:
		g.reply(session, TypePong, struct{}{})
	default:
		g.reject(session, RejectedPayload{Reason: flowchart.ReasonInvalidPayload, Message: "unknown message type " + env.Type})
	}
}

func (g *Gateway) handleChange(session *Session, data json.RawMessage) {
	var req ChangeRequest
	if err := decodeData(data, &req); err != nil {
		g.reject(session, RejectedPayload{Reason: flowchart.ReasonInvalidPayload, Message: err.Error()})
		return
	}
	if req.BaseVersion == nil {
		g.reject(session, RejectedPayload{Reason: flowchart.ReasonInvalidPayload, Message: "baseVersion is required", OpID: req.Op.ID})
		return
	}
	docID := session.DocumentID()
	if docID == "" {
		g.reject(session, RejectedPayload{Reason: flowchart.ReasonNotJoined, OpID: req.Op.ID})
		return
	}

	delta, err := g.cache.Submit(flowchart.ChangeEvent{
		DocumentID:      docID,
		SenderSessionID: session.ID,
		BaseVersion:     *req.BaseVersion,
		Op:              req.Op,
		Timestamp:       g.now(),
	}, func(accepted flowchart.Delta) {
		g.reply(session, TypeAck, AckPayload{DocumentID: docID, OpID: req.Op.ID, Version: accepted.Version})
	})
	if errors.Is(err, ErrNotJoined) {
		g.reject(session, RejectedPayload{Reason: flowchart.ReasonNotJoined, OpID: req.Op.ID})
		return
	}
	if err != nil {
		reason := flowchart.Reason(err)
		g.metrics.Change(metricLabel(reason))
		version := delta.Version
		g.reject(session, RejectedPayload{Reason: reason, Message: err.Error(), OpID: req.Op.ID, Version: &version})
		return
	}
	g.metrics.Change("accepted")
}

func (g *Gateway) handleSave(ctx context.Context, session *Session) {
	docID := session.DocumentID()
	if docID == "" {
		g.reject(session, RejectedPayload{Reason: flowchart.ReasonNotJoined})
		return
	}
	version, err := g.autosave.FlushNow(ctx, docID)
	if err != nil {
		g.logger.Warn("explicit save failed", zap.String("documentId", docID), zap.Error(err))
		g.reply(session, TypeError, ErrorPayload{Reason: flowchart.Reason(err), Message: "save failed"})
		return
	}
	g.reply(session, TypeSaved, SavedPayload{DocumentID: docID, Version: version})
}

// Disconnect ends the session. Leaving the room is unconditional; the last
// session out triggers the final flush without waiting for it.
func (g *Gateway) Disconnect(sessionID string) {
	g.mu.Lock()
	session, ok := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	g.mu.Unlock()
	if !ok {
		return
	}

	docID, err := session.markDisconnected()
	if err != nil {
		return
	}
	g.metrics.SessionClosed()
	if docID != "" {
		g.leaveRoom(docID, sessionID)
	}
	g.logger.Debug("session disconnected", zap.String("sessionId", sessionID), zap.String("documentId", docID))
}

// Fanout implements Fanout. The frame is encoded once; a session whose queue
// is full is dropped rather than allowed to stall the room.
func (g *Gateway) Fanout(recipients []string, delta flowchart.Delta) {
	payload, err := encodeEnvelope(TypeMessage, delta, g.now())
	if err != nil {
		g.logger.Error("encode delta", zap.Error(err))
		return
	}
	for _, id := range recipients {
		session, ok := g.Session(id)
		if !ok {
			continue
		}
		if session.send(payload) {
			continue
		}
		if session.State() == StateDisconnected {
			continue
		}
		g.metrics.DroppedDelivery()
		g.logger.Warn("dropping slow session",
			zap.String("sessionId", id),
			zap.String("documentId", delta.DocumentID),
			zap.Int64("version", delta.Version))
		session.peer.Close()
	}
}

// CloseAll disconnects every session and closes its transport. Rooms are
// left before returning, so no change can be accepted afterwards.
func (g *Gateway) CloseAll() {
	g.mu.RLock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	for _, id := range ids {
		session, ok := g.Session(id)
		if !ok {
			continue
		}
		g.Disconnect(id)
		session.peer.Close()
	}
	if len(ids) > 0 {
		g.logger.Info("closed sessions", zap.Int("count", len(ids)))
	}
}

func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Gateway) leaveRoom(docID, sessionID string) {
	if g.registry.Leave(docID, sessionID) {
		g.autosave.FinalFlush(docID)
	}
	g.metrics.SetRooms(g.registry.RoomCount())
}

func (g *Gateway) reject(session *Session, payload RejectedPayload) {
	g.reply(session, TypeRejected, payload)
}

func (g *Gateway) reply(session *Session, kind string, data any) {
	payload, err := encodeEnvelope(kind, data, g.now())
	if err != nil {
		g.logger.Error("encode reply", zap.String("type", kind), zap.Error(err))
		return
	}
	if !session.send(payload) && session.State() != StateDisconnected {
		g.metrics.DroppedDelivery()
		session.peer.Close()
	}
}

func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New("malformed data")
	}
	return nil
}

// metricLabel turns a wire reason such as StaleVersion into stale_version.
func metricLabel(reason string) string {
	var b strings.Builder
	for idx, r := range reason {
		if unicode.IsUpper(r) {
			if idx > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func joinReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyJoined):
		return flowchart.ReasonAlreadyJoined
	case errors.Is(err, ErrInvalidTransition):
		return flowchart.ReasonInternal
	default:
		return flowchart.Reason(err)
	}
}
