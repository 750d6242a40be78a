// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/auth"
	"github.com/absmach/fluxxmpp/xmpp/jid"
	"github.com/absmach/fluxxmpp/xmpp/sm"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

var (
	// ErrReleased is returned when delivering to a session that has been
	// closed for good.
	ErrReleased = errors.New("session released")

	errNoConnection = errors.New("session has no connection")
)

var _ sm.Session = (*Session)(nil)

// Options configures a new session.
type Options struct {
	SM     sm.Config
	Table  *Table
	Logger *slog.Logger
}

// Session is a logical c2s session. It outlives its physical connection
// while detached and is bound to a new one on resumption.
type Session struct {
	mu sync.RWMutex

	conn     Conn
	streamID string
	address  jid.JID
	token    *auth.Token
	bound    bool
	detached bool
	released bool

	createdAt time.Time

	// deliverMu keeps enqueue and write order identical across concurrent
	// deliveries.
	deliverMu sync.Mutex

	table  *Table
	sm     *sm.Manager
	logger *slog.Logger
}

// New creates a session for a freshly opened stream on conn.
func New(conn Conn, streamID string, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		conn:      conn,
		streamID:  streamID,
		createdAt: time.Now(),
		table:     opts.Table,
		logger:    opts.Logger,
	}

	var locator sm.Locator = noLocator{}
	if opts.Table != nil {
		locator = opts.Table
	}
	if opts.SM.Logger == nil {
		opts.SM.Logger = opts.Logger
	}
	s.sm = sm.New(s, opts.SM, locator)
	return s
}

// Address returns the bound full JID, or the zero JID before binding.
func (s *Session) Address() jid.JID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

// StreamID returns the id of the stream the session was opened on.
func (s *Session) StreamID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streamID
}

// SetStreamID replaces the stream id after a stream restart.
func (s *Session) SetStreamID(id string) {
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()
}

// Auth returns the SASL result, or nil before authentication.
func (s *Session) Auth() *auth.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Authenticate attaches the SASL result to the session.
func (s *Session) Authenticate(tok *auth.Token) {
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
}

// Bind completes resource binding. The caller registers the session in the
// routing table afterwards.
func (s *Session) Bind(addr jid.JID) {
	s.mu.Lock()
	s.address = addr
	s.bound = true
	s.mu.Unlock()
}

// IsBound reports whether resource binding has completed.
func (s *Session) IsBound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bound
}

// ResumptionEligible reports whether the stream may be resumed later.
func (s *Session) ResumptionEligible() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.conn.SupportsDetach() && s.token != nil && !s.token.Anonymous
}

// IsDetached reports whether the session has lost its connection and awaits
// resumption.
func (s *Session) IsDetached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detached
}

// IsReleased reports whether the session has been closed for good.
func (s *Session) IsReleased() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Conn returns the live connection, or nil while detached.
func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// StreamManager returns the session's acknowledgement tracker.
func (s *Session) StreamManager() *sm.Manager {
	return s.sm
}

// Detach marks the session detached and hands back its connection, which
// the caller closes.
func (s *Session) Detach() io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.detached = true
	if conn == nil {
		return nil
	}
	return conn
}

// Reattach moves the connection of shell, a fresh stream of the same
// account, onto this session and returns the connection it replaces.
func (s *Session) Reattach(shell sm.Session) (io.Closer, error) {
	other, ok := shell.(*Session)
	if !ok {
		return nil, errors.New("cannot reattach foreign session")
	}
	conn := other.takeConn()
	if conn == nil {
		return nil, errNoConnection
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.conn
	s.conn = conn
	s.detached = false
	if old == nil {
		return nil, nil
	}
	return old, nil
}

func (s *Session) takeConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	return conn
}

// Release closes the session for good and removes it from the routing
// table.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.conn = nil
	s.mu.Unlock()

	if s.table != nil {
		s.table.Remove(s)
	}
}

// DeliverRawText writes text to the live connection, closing it on a
// write error. It does nothing while detached.
func (s *Session) DeliverRawText(text string) {
	conn := s.Conn()
	if conn == nil {
		return
	}
	if err := conn.WriteRaw(text); err != nil {
		s.logger.Debug("write failed, closing connection",
			slog.String("address", s.Address().String()),
			slog.String("error", err.Error()))
		conn.Close()
	}
}

// Deliver sends a routed stanza to the peer, tracking it for
// acknowledgement when stream management is enabled.
func (s *Session) Deliver(st *stanza.Element) error {
	if s.IsReleased() {
		return ErrReleased
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	deferred, err := s.sm.OnOutboundStanza(st)
	if err != nil && !errors.Is(err, sm.ErrCapacityExceeded) {
		return err
	}
	if deferred {
		return nil
	}
	s.DeliverRawText(st.String())
	return nil
}

// ConnectionClosed reports the loss of conn to stream management. Losses
// of connections the session no longer owns are ignored.
func (s *Session) ConnectionClosed(conn Conn, graceful bool, router sm.Router) sm.DisconnectOutcome {
	current := func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.conn == conn && !s.released
	}
	return s.sm.OnDisconnect(router, graceful, current)
}

// CloseWithError sends a stream error and closes the live connection. The
// session will not be detached afterwards.
func (s *Session) CloseWithError(condition, text string) {
	s.sm.FormalClose()

	conn := s.Conn()
	if conn == nil {
		return
	}
	conn.WriteRaw(stanza.StreamError(condition, text))
	conn.CloseStream()
	conn.Close()
}

type noLocator struct{}

func (noLocator) FindSession(jid.JID) (sm.Session, bool) { return nil, false }
