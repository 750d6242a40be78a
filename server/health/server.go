// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/broker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	InstanceID      string
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config Config
	broker *broker.Broker
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		broker: b,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status: "healthy",
	})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK while the broker accepts new streams.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	var details string
	switch {
	case s.broker == nil:
		details = "broker not initialized"
	case s.broker.Closed():
		details = "broker shutting down"
	}
	if details != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: details,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: "ready",
	})
}

// StatusResponse reports session and stream management counters.
type StatusResponse struct {
	InstanceID         string `json:"instance_id"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
	Connections        int64  `json:"connections"`
	Sessions           int    `json:"sessions"`
	DetachedSessions   int    `json:"detached_sessions"`
	SessionsBound      uint64 `json:"sessions_bound"`
	SessionsResumed    uint64 `json:"sessions_resumed"`
	ResumeFailures     uint64 `json:"resume_failures"`
	SessionsDetached   uint64 `json:"sessions_detached"`
	SessionsTerminated uint64 `json:"sessions_terminated"`
	StanzasReceived    uint64 `json:"stanzas_received"`
	OfflineFlushed     uint64 `json:"offline_flushed"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
	AuthErrors         uint64 `json:"auth_errors"`
	RateLimited        uint64 `json:"rate_limited"`
}

// handleStatus returns the broker's session counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}

	st := s.broker.Stats()
	table := s.broker.Table()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(StatusResponse{
		InstanceID:         s.config.InstanceID,
		UptimeSeconds:      int64(st.GetUptime().Seconds()),
		Connections:        st.GetCurrentConnections(),
		Sessions:           table.Count(),
		DetachedSessions:   table.DetachedCount(),
		SessionsBound:      st.GetSessionsBound(),
		SessionsResumed:    st.GetSessionsResumed(),
		ResumeFailures:     st.GetResumeFailures(),
		SessionsDetached:   st.GetSessionsDetached(),
		SessionsTerminated: st.GetSessionsTerminated(),
		StanzasReceived:    st.GetStanzasReceived(),
		OfflineFlushed:     st.GetOfflineFlushed(),
		ProtocolErrors:     st.GetProtocolErrors(),
		AuthErrors:         st.GetAuthErrors(),
		RateLimited:        st.GetRateLimited(),
	})
}
