// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/auth"
	"github.com/absmach/fluxxmpp/xmpp/jid"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

const testDomain = "example.com"

// wire stands in for a physical connection and records what was written.
type wire struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (w *wire) write(s string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, s)
}

func (w *wire) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}

func (w *wire) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *wire) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *wire) count(prefix string) int {
	n := 0
	for _, l := range w.written() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

// fakeSession implements Session.
type fakeSession struct {
	mu       sync.Mutex
	addr     jid.JID
	streamID string
	token    *auth.Token
	bound    bool
	eligible bool
	detached bool
	released bool
	wire     *wire
	sm       *Manager
}

func (s *fakeSession) Address() jid.JID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *fakeSession) StreamID() string  { return s.streamID }
func (s *fakeSession) Auth() *auth.Token { return s.token }

func (s *fakeSession) IsBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *fakeSession) ResumptionEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eligible && s.token != nil && !s.token.Anonymous
}

func (s *fakeSession) IsDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *fakeSession) Detach() io.Closer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	w := s.wire
	s.wire = nil
	if w == nil {
		return nil
	}
	return w
}

func (s *fakeSession) Reattach(shell Session) (io.Closer, error) {
	other, ok := shell.(*fakeSession)
	if !ok {
		return nil, errors.New("unknown session type")
	}
	other.mu.Lock()
	w := other.wire
	other.wire = nil
	other.mu.Unlock()
	if w == nil {
		return nil, errors.New("no connection to reattach")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.wire
	s.wire = w
	s.detached = false
	if old == nil {
		return nil, nil
	}
	return old, nil
}

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.wire = nil
}

func (s *fakeSession) DeliverRawText(text string) {
	s.mu.Lock()
	w := s.wire
	s.mu.Unlock()
	if w != nil {
		w.write(text)
	}
}

func (s *fakeSession) StreamManager() *Manager { return s.sm }

func (s *fakeSession) isCurrent(w *wire) func() bool {
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.wire == w
	}
}

// fakeLocator implements Locator over a fixed map.
type fakeLocator struct {
	mu       sync.Mutex
	sessions map[jid.JID]Session
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{sessions: make(map[jid.JID]Session)}
}

func (l *fakeLocator) add(s *fakeSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.Address()] = s
}

func (l *fakeLocator) FindSession(addr jid.JID) (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[addr]
	return s, ok
}

// fakeRouter records routed stanzas.
type fakeRouter struct {
	mu     sync.Mutex
	routed []*stanza.Element
}

func (r *fakeRouter) Route(st *stanza.Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, st)
}

func (r *fakeRouter) all() []*stanza.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*stanza.Element(nil), r.routed...)
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	cfg     Config
	locator *fakeLocator
	clock   *clock
}

func newTestEnv() *testEnv {
	cfg := DefaultConfig(testDomain)
	cfg.Location = "xmpp.example.com:5222"
	cfg.DetachTimeout = 5 * time.Minute
	return &testEnv{
		cfg:     cfg,
		locator: newFakeLocator(),
		clock:   &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
}

// boundSession returns an eligible, authenticated, bound session with its
// own wire, registered with the locator.
func (e *testEnv) boundSession(user, resource, streamID string) *fakeSession {
	s := &fakeSession{
		addr:     jid.New(user, testDomain, resource),
		streamID: streamID,
		token:    &auth.Token{Username: user},
		bound:    true,
		eligible: true,
		wire:     &wire{},
	}
	s.sm = e.manager(s)
	e.locator.add(s)
	return s
}

// shellSession returns an authenticated stream that has not bound yet.
func (e *testEnv) shellSession(user, streamID string) *fakeSession {
	s := &fakeSession{
		addr:     jid.New("", testDomain, ""),
		streamID: streamID,
		token:    &auth.Token{Username: user},
		eligible: true,
		wire:     &wire{},
	}
	s.sm = e.manager(s)
	return s
}

func (e *testEnv) manager(s *fakeSession) *Manager {
	m := New(s, e.cfg, e.locator)
	m.async = func(fn func()) { fn() }
	m.now = e.clock.Now
	return m
}

func message(to, body string) *stanza.Element {
	return stanza.New(stanza.NSClient, "message").
		SetAttr("to", to).
		AddChild(stanza.New(stanza.NSClient, "body").SetText(body))
}

func presence(to string) *stanza.Element {
	return stanza.New(stanza.NSClient, "presence").SetAttr("to", to)
}

func mustParse(s string) *stanza.Element {
	el, err := stanza.Parse(s)
	if err != nil {
		panic(err)
	}
	return el
}
