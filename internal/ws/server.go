// Package ws binds the collab gateway to gorilla/websocket connections.
package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowsync/internal/auth"
	"flowsync/internal/collab"
)

type ServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	MaxMessageSize  int64
	CheckOrigin     func(r *http.Request) bool
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
		MaxMessageSize:  512 * 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

type Server struct {
	gateway  *collab.Gateway
	upgrader websocket.Upgrader
	cfg      ServerConfig
	logger   *zap.Logger
}

func NewServer(gateway *collab.Gateway, cfg ServerConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultServerConfig()
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.CheckOrigin == nil {
		cfg.CheckOrigin = defaults.CheckOrigin
	}
	return &Server{
		gateway: gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg:    cfg,
		logger: logger,
	}
}

// ServeHTTP upgrades the request and runs the session until the socket
// closes. An optional documentId query parameter joins on connect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("remoteAddr", r.RemoteAddr))
		return
	}

	c := newClient(conn, s.cfg.SendBuffer, s.logger)
	session := s.gateway.Connect(c, userID)
	logger := s.logger.With(zap.String("sessionId", session.ID), zap.String("userId", userID))
	c.logger = logger
	logger.Info("websocket connected", zap.String("remoteAddr", r.RemoteAddr))

	// the request context is cancelled once the handler returns
	ctx := context.WithoutCancel(r.Context())
	go c.writePump()

	if docID := r.URL.Query().Get("documentId"); docID != "" {
		_, _ = s.gateway.Join(ctx, session.ID, docID)
	}

	c.readPump(s.cfg.MaxMessageSize, func(msg []byte) {
		s.gateway.Message(ctx, session.ID, msg)
	})

	s.gateway.Disconnect(session.ID)
	logger.Info("websocket disconnected")
}
