// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"io"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

// Resume hands the connection of this manager's owner, a fresh stream that
// has authenticated but not bound, over to the detached session identified
// by previd. On success the resumed session is returned and this manager's
// owner should be discarded. A rejection leaves every session untouched.
func (m *Manager) Resume(namespace, previd string, h uint32) (Session, error) {
	if !m.cfg.Active {
		return nil, reject(CondFeatureNotImplemented, "stream management is not active")
	}
	if !SupportedNamespace(namespace) {
		return nil, reject(CondUnexpectedRequest, "unsupported namespace")
	}
	if !m.owner.ResumptionEligible() {
		return nil, reject(CondUnexpectedRequest, "resumption not allowed on this stream")
	}
	if m.owner.IsBound() {
		return nil, reject(CondUnexpectedRequest, "stream is already bound")
	}
	tok := m.owner.Auth()
	if tok == nil {
		return nil, reject(CondUnexpectedRequest, "stream is not authenticated")
	}

	resource, streamID, err := DecodeToken(previd)
	if err != nil {
		return nil, reject(CondUnexpectedRequest, "malformed previd")
	}

	addr := tok.Address(m.cfg.Domain, resource)
	target, ok := m.locator.FindSession(addr)
	if !ok || target == m.owner {
		return nil, reject(CondItemNotFound, "no session to resume at "+addr.String())
	}
	if target.StreamID() != streamID {
		return nil, reject(CondItemNotFound, "stream id mismatch for "+addr.String())
	}

	tm := target.StreamManager()
	backlog, processed, displaced, err := tm.takeOver(m.owner, namespace, h)
	if err != nil {
		return nil, err
	}
	closeConn(displaced)
	tm.replay(previd, processed, backlog)
	return target, nil
}

// takeOver re-validates the target under its lock, moves the shell's
// connection onto it, prunes acknowledged entries and snapshots the rest.
// The connection the target held, if any, is returned for the caller to
// close once the lock is released.
func (m *Manager) takeOver(shell Session, namespace string, h uint32) ([]Entry, uint32, io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.resume || m.namespace == "" {
		return nil, 0, nil, reject(CondUnexpectedRequest, "session is not resumable")
	}
	if m.namespace != namespace {
		return nil, 0, nil, reject(CondUnexpectedRequest, "namespace mismatch")
	}
	if !m.validAckLocked(h) {
		return nil, 0, nil, reject(CondUnexpectedRequest, "acknowledged stanzas that were never sent")
	}

	displaced, err := m.owner.Reattach(shell)
	if err != nil {
		return nil, 0, nil, reject(CondUnexpectedRequest, err.Error())
	}
	m.detachedAt = time.Time{}

	// h was validated above, so the ack cannot fail.
	_, _, _ = m.ackLocked(h)
	m.replaying = true

	return m.queue.snapshot(), m.serverProcessed, displaced, nil
}

func closeConn(c io.Closer) {
	if c != nil {
		c.Close()
	}
}

// replay writes the resumed reply and the backlog over the new connection,
// then any stanzas queued meanwhile, and finally requests an ack.
func (m *Manager) replay(previd string, processed uint32, backlog []Entry) {
	m.mu.Lock()
	namespace := m.namespace
	m.mu.Unlock()

	m.owner.DeliverRawText(resumedElement(namespace, previd, processed).String())

	for _, e := range backlog {
		st := e.Stanza
		if stanza.IsMessage(st) && !stanza.HasDelay(st) {
			st = st.Copy()
			stanza.AddDelay(st, e.Enqueued, m.cfg.Domain)
		}
		m.owner.DeliverRawText(st.String())
	}

	written := len(backlog)
	for {
		m.mu.Lock()
		if m.namespace == "" || m.queue.len() <= written {
			m.replaying = false
			namespace = m.namespace
			m.mu.Unlock()
			break
		}
		batch := m.queue.from(written)
		m.mu.Unlock()

		for _, e := range batch {
			m.owner.DeliverRawText(e.Stanza.String())
		}
		written += len(batch)
	}

	if namespace != "" {
		m.sendRequest(namespace)
	}
}
