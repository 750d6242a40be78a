// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves client-to-server XMPP streams over plain TCP and
// direct TLS.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/broker"
	xmpptls "github.com/absmach/fluxxmpp/pkg/tls"
	"github.com/absmach/fluxxmpp/session"
)

// ErrShutdownTimeout is returned when open streams outlive the shutdown timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// IPRateLimiter throttles new connections per remote address.
type IPRateLimiter interface {
	Allow(addr net.Addr) bool
}

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration

	// ReadTimeout bounds the TLS handshake. Stream reads are bounded by the
	// broker.
	ReadTimeout time.Duration

	WriteTimeout   time.Duration
	TCPKeepAlive   time.Duration
	MaxConnections int
	BufferSize     int
	DisableNoDelay bool

	// Transport labels connections handed to the service, "tcp" or "tls".
	Transport string

	// RateLimiter is optional.
	RateLimiter IPRateLimiter
}

// Server accepts c2s connections and hands each one to the XMPP service.
type Server struct {
	config  Config
	service broker.Service
	slots   chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

// New creates a TCP server that feeds accepted streams to svc.
func New(cfg Config, svc broker.Service) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 60 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 8192
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
		if cfg.TLSConfig != nil {
			cfg.Transport = "tls"
		}
	}

	s := &Server{
		config:  cfg,
		service: svc,
	}
	if cfg.MaxConnections > 0 {
		s.slots = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// Listen accepts connections until ctx is cancelled, then drains open
// streams for at most ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.config.Logger.Info("c2s listener started",
		slog.String("address", listener.Addr().String()),
		slog.String("transport", s.config.Transport),
		slog.String("security", xmpptls.SecurityStatus(s.config.TLSConfig)))

	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.accept(ctx, streamCtx, listener)
	}()

	<-ctx.Done()
	return s.shutdown(listener, acceptDone, cancelStreams)
}

func (s *Server) accept(ctx, streamCtx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
			continue
		}

		if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(conn.RemoteAddr()) {
			s.config.Logger.Warn("connection rate limited",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		if !s.acquire() {
			s.config.Logger.Warn("connection limit reached, rejecting connection",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := s.tune(tcpConn); err != nil {
				s.config.Logger.Error("failed to configure TCP connection",
					slog.String("error", err.Error()))
				s.release()
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go s.serve(streamCtx, conn)
	}
}

func (s *Server) acquire() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.slots != nil {
		<-s.slots
	}
}

// serve runs one stream to completion.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.release()
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	if s.config.TLSConfig != nil {
		tlsConn := tls.Server(conn, s.config.TLSConfig)
		if err := s.handshake(tlsConn); err != nil {
			s.config.Logger.Warn("TLS handshake failed",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}
		conn = tlsConn
	}

	s.service.HandleConnection(ctx, session.NewConnection(conn, s.config.WriteTimeout), s.config.Transport)

	s.config.Logger.Debug("connection closed", slog.String("remote", remote))
}

// handshake completes TLS up front so certificate failures are reported
// here rather than as a stream read error.
func (s *Server) handshake(conn *tls.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
		return err
	}
	cert, err := xmpptls.ClientCert(conn)
	if err != nil {
		return err
	}
	if cert.Subject.CommonName != "" {
		s.config.Logger.Debug("client certificate presented",
			slog.String("remote", conn.RemoteAddr().String()),
			slog.String("subject", cert.Subject.CommonName))
	}
	return conn.SetDeadline(time.Time{})
}

func (s *Server) shutdown(listener net.Listener, acceptDone <-chan struct{}, cancelStreams context.CancelFunc) error {
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("c2s listener stopped", slog.String("address", s.config.Address))
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, cancelling open streams")
		cancelStreams()
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ErrShutdownTimeout
	}
}

// tune applies keepalive, Nagle and buffer settings to an accepted socket.
func (s *Server) tune(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}
	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}
	if s.config.BufferSize > 0 {
		conn.SetReadBuffer(s.config.BufferSize)
		conn.SetWriteBuffer(s.config.BufferSize)
	}
	return nil
}

// Addr returns the listener's address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
