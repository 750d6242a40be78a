// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/broker"
	"github.com/absmach/fluxxmpp/session"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
	"github.com/gorilla/websocket"
)

// Subprotocol is the WebSocket subprotocol registered for XMPP.
const Subprotocol = "xmpp"

var errBinaryFrame = errors.New("binary frames are not allowed")

// IPRateLimiter throttles new connections per remote address.
type IPRateLimiter interface {
	Allow(addr net.Addr) bool
}

type Config struct {
	Address         string
	Path            string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration

	// AllowedOrigins restricts browser origins; empty allows any.
	AllowedOrigins []string

	// MaxMessageSize bounds a single frame, and so a single stanza.
	MaxMessageSize int64

	Transport   string
	RateLimiter IPRateLimiter
}

type Server struct {
	config   Config
	handler  broker.Service
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
}

func New(cfg Config, h broker.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/xmpp-websocket"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = "ws"
		if cfg.TLSConfig != nil {
			cfg.Transport = "wss"
		}
	}

	s := &Server{
		config:  cfg,
		handler: h,
		logger:  logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{Subprotocol},
			CheckOrigin:  originChecker(cfg.AllowedOrigins),
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   mux,
		TLSConfig: cfg.TLSConfig,
	}

	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path),
		slog.Bool("tls", s.config.TLSConfig != nil))

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.TLSConfig != nil {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	remote := &wsAddr{addr: r.RemoteAddr}
	if s.config.RateLimiter != nil && !s.config.RateLimiter.Allow(remote) {
		s.logger.Warn("websocket_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	if ws.Subprotocol() != Subprotocol {
		s.logger.Debug("websocket_missing_subprotocol", slog.String("remote_addr", r.RemoteAddr))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "xmpp subprotocol required"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}
	if s.config.MaxMessageSize > 0 {
		ws.SetReadLimit(s.config.MaxMessageSize)
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	conn := newWSConnection(ws, remote, s.config.WriteTimeout)
	s.handler.HandleConnection(r.Context(), conn, s.config.Transport)
}

var _ session.Conn = (*wsConnection)(nil)

// wsConnection carries one XMPP stream, one top-level element per text
// frame, with the framing elements of RFC 7395 in place of stream tags.
type wsConnection struct {
	ws           *websocket.Conn
	remoteAddr   net.Addr
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSConnection(ws *websocket.Conn, remoteAddr net.Addr, writeTimeout time.Duration) *wsConnection {
	return &wsConnection{
		ws:           ws,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
	}
}

func (c *wsConnection) ReadElement() (*stanza.Element, error) {
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, errBinaryFrame
	}

	el, err := stanza.Parse(string(data))
	if err != nil {
		return nil, err
	}
	if el.Name.Space != stanza.NSFraming {
		return el, nil
	}

	switch el.Name.Local {
	case "open":
		// Presented as a stream header so the handler treats both
		// transports alike.
		header := stanza.New(stanza.NSStream, "stream")
		for _, name := range []string{"to", "from", "version", "id"} {
			if v := el.Attr(name); v != "" {
				header.SetAttr(name, v)
			}
		}
		return header, nil
	case "close":
		return nil, session.ErrStreamClosed
	default:
		return el, nil
	}
}

func (c *wsConnection) OpenStream(from, id string) error {
	open := stanza.New(stanza.NSFraming, "open").SetAttr("version", "1.0")
	if from != "" {
		open.SetAttr("from", from)
	}
	if id != "" {
		open.SetAttr("id", id)
	}
	return c.WriteRaw(open.String())
}

// Restart is a no-op: every frame is parsed on its own.
func (c *wsConnection) Restart() {}

func (c *wsConnection) WriteRaw(text string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConnection) CloseStream() error {
	return c.WriteRaw(stanza.New(stanza.NSFraming, "close").String())
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConnection) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func (c *wsConnection) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SupportsDetach is false: sessions over WebSocket are not resumable.
func (c *wsConnection) SupportsDetach() bool {
	return false
}

// wsAddr implements net.Addr for WebSocket connections.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
