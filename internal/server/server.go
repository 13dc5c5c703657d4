package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// AgentServer serves the local agent API on the loopback interface
type AgentServer struct {
	httpServer *http.Server
	listener   net.Listener
	logger     *zap.Logger
}

// NewAgentServer binds localhost:port. Port 0 picks a free port.
func NewAgentServer(port int, handler http.Handler, logger *zap.Logger) (*AgentServer, error) {
	addr := fmt.Sprintf("localhost:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &AgentServer{
		httpServer: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr is the bound address
func (s *AgentServer) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in a background goroutine
func (s *AgentServer) Start() {
	go func() {
		s.logger.Info("Starting agent API server", zap.String("address", s.Addr()))
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Agent API server error", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx expires
func (s *AgentServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down agent API server: %w", err)
	}
	s.logger.Info("Agent API server stopped")
	return nil
}
