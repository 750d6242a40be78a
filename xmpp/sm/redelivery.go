// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

// DisconnectOutcome describes what happened to a session whose connection
// went away.
type DisconnectOutcome int

const (
	// Stale means the connection had already been replaced by a resume.
	Stale DisconnectOutcome = iota
	// Detached means the session survives and awaits resumption.
	Detached
	// Closed means the session is gone; unacknowledged messages were
	// handed to the router.
	Closed
)

func (o DisconnectOutcome) String() string {
	switch o {
	case Stale:
		return "stale"
	case Detached:
		return "detached"
	default:
		return "closed"
	}
}

// OnDisconnect reacts to the loss of the owner's connection. current is
// evaluated under the manager lock and must report whether the lost
// connection is still the owner's live one.
//
// An ungraceful loss on a resumable session detaches it and keeps all
// state. Anything else closes the session: queued messages are stamped with
// a delay annotation and routed, other stanzas are dropped, and management
// is disabled for good.
func (m *Manager) OnDisconnect(router Router, graceful bool, current func() bool) DisconnectOutcome {
	m.mu.Lock()
	if !current() {
		m.mu.Unlock()
		return Stale
	}

	if !graceful && m.resume && m.namespace != "" && !m.formalClose {
		m.detachedAt = m.now()
		conn := m.owner.Detach()
		pending := m.queue.len()
		m.mu.Unlock()

		closeConn(conn)
		m.metrics.RecordDetached()
		m.logger.Info("session detached",
			slog.String("address", m.owner.Address().String()),
			slog.Int("pending", pending))
		return Detached
	}

	entries := m.closeLocked()
	m.mu.Unlock()

	m.owner.Release()
	m.redeliver(router, entries)
	return Closed
}

// FormalClose marks the session as formally closed. It will never be
// detached or resumed afterwards.
func (m *Manager) FormalClose() {
	m.mu.Lock()
	m.formalClose = true
	m.resume = false
	m.mu.Unlock()
}

// ShouldTerminate is the termination policy for detached sessions. It
// reports whether the owner has been detached for at least maxInactivity;
// a non-positive maxInactivity terminates immediately. Attached sessions are
// never terminated.
func (m *Manager) ShouldTerminate(maxInactivity time.Duration) bool {
	if !m.owner.IsDetached() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.namespace == "" || !m.resume {
		return true
	}
	if maxInactivity <= 0 {
		return true
	}
	return m.now().Sub(m.detachedAt) >= maxInactivity
}

// DetachedSince returns when the owner was detached, or the zero time.
func (m *Manager) DetachedSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachedAt
}

// Terminate evicts a detached session, redelivering its queue. It returns
// false if the session was resumed in the meantime.
func (m *Manager) Terminate(router Router) bool {
	m.mu.Lock()
	if !m.owner.IsDetached() {
		m.mu.Unlock()
		return false
	}
	entries := m.closeLocked()
	m.mu.Unlock()

	m.owner.Release()
	m.redeliver(router, entries)
	return true
}

func (m *Manager) closeLocked() []Entry {
	entries := m.queue.snapshot()
	m.queue.clear()
	m.disableLocked()
	m.negotiated = true
	m.formalClose = true
	m.replaying = false
	return entries
}

func (m *Manager) redeliver(router Router, entries []Entry) {
	if len(entries) == 0 {
		return
	}

	routed, dropped := 0, 0
	for _, e := range entries {
		if !stanza.IsMessage(e.Stanza) {
			dropped++
			continue
		}
		st := e.Stanza.Copy()
		stanza.AddDelay(st, e.Enqueued, m.cfg.Domain)
		router.Route(st)
		routed++
	}

	m.metrics.RecordRedelivery(routed, dropped)
	m.logger.Debug("redelivered unacknowledged stanzas",
		slog.String("address", m.owner.Address().String()),
		slog.Int("routed", routed),
		slog.Int("dropped", dropped))
}
