// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

// Manager tracks acknowledgements for one logical session.
type Manager struct {
	owner   Session
	locator Locator
	cfg     Config
	logger  *slog.Logger
	metrics Metrics

	// async runs fire-and-forget work such as ack requests.
	async func(func())
	now   func() time.Time

	mu sync.Mutex
	// namespace is empty while disabled.
	namespace  string
	resume     bool
	negotiated bool
	// formalClose forbids any future detachment.
	formalClose bool
	// replaying defers writes of new stanzas while a resume replays the
	// queue, keeping wire order equal to sequence order.
	replaying bool

	serverProcessed uint32
	lastAcked       uint32
	lastAssigned    uint32
	queue           ackQueue
	detachedAt      time.Time
}

// New creates a disabled manager for owner. locator is used to find the
// session targeted by a resume request.
func New(owner Session, cfg Config, locator Locator) *Manager {
	if cfg.MaxUnacked <= 0 {
		cfg.MaxUnacked = DefaultMaxUnacked
	}
	if cfg.MaxUnacked > maxQueueLimit {
		cfg.MaxUnacked = maxQueueLimit
	}
	if cfg.RequestFrequency <= 0 {
		cfg.RequestFrequency = DefaultRequestFrequency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Manager{
		owner:   owner,
		locator: locator,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		async:   func(fn func()) { go fn() },
		now:     time.Now,
	}
}

// Enabled is the successful outcome of Enable.
type Enabled struct {
	Namespace string
	Resume    bool
	ID        string
	Location  string
	// Max is the advertised maximum resumption delay in seconds.
	Max int
}

// Enable turns acknowledgement tracking on. It succeeds at most once per
// manager; later attempts are rejected without changing state.
func (m *Manager) Enable(namespace string, resume bool) (*Enabled, error) {
	if !m.cfg.Active {
		return nil, ErrFeatureInactive
	}
	if !SupportedNamespace(namespace) {
		return nil, ErrUnsupportedNamespace
	}
	if !m.owner.IsBound() {
		return nil, ErrNotBound
	}
	allowed := resume && m.owner.ResumptionEligible()
	resource := m.owner.Address().Resource
	streamID := m.owner.StreamID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.namespace != "" {
		return nil, ErrAlreadyEnabled
	}
	if m.negotiated {
		return nil, ErrClosed
	}

	m.negotiated = true
	m.namespace = namespace
	m.resume = allowed
	m.serverProcessed = 0
	m.lastAcked = 0
	m.lastAssigned = 0
	m.queue.clear()

	res := &Enabled{Namespace: namespace, Resume: allowed}
	if allowed {
		res.ID = EncodeToken(resource, streamID)
		if m.cfg.LocationEnabled && namespace != NSv2 {
			res.Location = m.cfg.Location
		}
		if m.cfg.MaxInactivityEnabled && m.cfg.DetachTimeout > 0 {
			res.Max = int(m.cfg.DetachTimeout / time.Second)
		}
	}
	return res, nil
}

// OnOutboundStanza records a stanza about to be sent to the peer. When
// deferred is true the caller must not write the stanza itself; a resume in
// progress will send it after the replayed backlog.
func (m *Manager) OnOutboundStanza(st *stanza.Element) (deferred bool, err error) {
	m.mu.Lock()
	if m.namespace == "" {
		m.mu.Unlock()
		return false, nil
	}

	m.lastAssigned++
	m.queue.push(Entry{Seq: m.lastAssigned, Stanza: st.Copy(), Enqueued: m.now()})

	if m.queue.len() > m.cfg.MaxUnacked {
		m.queue.clear()
		m.disableLocked()
		m.replaying = false
		m.mu.Unlock()

		m.metrics.RecordOverflow()
		m.logger.Warn("unacknowledged queue overflow, stream management disabled",
			slog.String("address", m.owner.Address().String()),
			slog.Int("max", m.cfg.MaxUnacked))
		return false, ErrCapacityExceeded
	}

	request := m.queue.len()%m.cfg.RequestFrequency == 0
	namespace := m.namespace
	deferred = m.replaying
	m.mu.Unlock()

	if request {
		m.async(func() { m.sendRequest(namespace) })
	}
	return deferred, nil
}

// OnInboundStanza counts a stanza received from the peer.
func (m *Manager) OnInboundStanza() {
	m.mu.Lock()
	if m.namespace != "" {
		m.serverProcessed++
	}
	m.mu.Unlock()
}

// OnAck applies an acknowledgement from the peer. An h outside the range
// of sent sequence numbers is a ProtocolViolation and leaves state as is.
// A small h arriving while the queue still ends near 2^32-1 is taken as a
// counter wrap and purges those trailing entries.
func (m *Manager) OnAck(h uint32) error {
	m.mu.Lock()
	if m.namespace == "" {
		m.mu.Unlock()
		return ErrNotEnabled
	}
	evicted, purged, err := m.ackLocked(h)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if purged > 0 {
		m.logger.Info("purged unacknowledged stanzas after sequence rollover",
			slog.String("address", m.owner.Address().String()),
			slog.Int("purged", purged))
	}
	m.logger.Debug("ack received", slog.Uint64("h", uint64(h)), slog.Int("evicted", evicted))
	return nil
}

// OnAckRequest answers the peer's request with the number of stanzas
// handled so far. It stays silent while the session is detached.
func (m *Manager) OnAckRequest() error {
	m.mu.Lock()
	if m.namespace == "" {
		m.mu.Unlock()
		return ErrNotEnabled
	}
	namespace, h := m.namespace, m.serverProcessed
	m.mu.Unlock()

	if m.owner.IsDetached() {
		return nil
	}
	m.owner.DeliverRawText(ackElement(namespace, h).String())
	return nil
}

// validAckLocked reports whether h acknowledges something we sent: either
// it lies in [lastAcked, upper] modulo 2^32, where upper is the newest
// queued sequence number or lastAcked itself when nothing is queued, or it
// is a post-wrap value while the queue still ends in the previous epoch.
func (m *Manager) validAckLocked(h uint32) bool {
	return m.inRangeLocked(h) || m.rolloverLocked(h)
}

func (m *Manager) inRangeLocked(h uint32) bool {
	upper := m.lastAcked
	if last, ok := m.queue.last(); ok {
		upper = last.Seq
	}
	return h-m.lastAcked <= upper-m.lastAcked
}

// rolloverLocked reports whether h sits within MaxUnacked of zero while the
// newest queued entry sits within MaxUnacked of 2^32-1.
func (m *Manager) rolloverLocked(h uint32) bool {
	limit := m.cfg.MaxUnacked
	if limit <= 0 || uint64(h) >= uint64(limit) {
		return false
	}
	last, ok := m.queue.last()
	return ok && uint64(last.Seq) > math.MaxUint32-uint64(limit)
}

func (m *Manager) ackLocked(h uint32) (evicted, purged int, err error) {
	inRange := m.inRangeLocked(h)
	if !inRange && !m.rolloverLocked(h) {
		return 0, 0, &ProtocolViolation{
			Condition: CondUndefined,
			Text: fmt.Sprintf("You acknowledged stanzas that we didn't send. Your Ack h: %d, our last stanza: %d",
				h, m.lastAssigned),
		}
	}
	base := m.lastAcked
	m.lastAcked = h
	if inRange {
		evicted = m.queue.evictUpTo(base, h)
	}
	purged = m.queue.purgeRollover(h, m.cfg.MaxUnacked)
	return evicted, purged, nil
}

func (m *Manager) disableLocked() {
	m.namespace = ""
	m.resume = false
}

func (m *Manager) sendRequest(namespace string) {
	if m.owner.IsDetached() {
		return
	}
	m.owner.DeliverRawText(requestElement(namespace).String())
}

// IsEnabled reports whether acknowledgement tracking is active.
func (m *Manager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namespace != ""
}

// Namespace returns the negotiated namespace, or "" while disabled.
func (m *Manager) Namespace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.namespace
}

// ResumeAllowed reports whether the session may be resumed.
func (m *Manager) ResumeAllowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resume
}

// ServerProcessed returns the count of stanzas handled from the peer.
func (m *Manager) ServerProcessed() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverProcessed
}

// LastAcked returns the last sequence number the peer acknowledged.
func (m *Manager) LastAcked() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAcked
}

// LastAssigned returns the last sequence number handed out.
func (m *Manager) LastAssigned() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAssigned
}

// Pending returns the number of unacknowledged stanzas.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}

// Unacknowledged returns a copy of the queue.
func (m *Manager) Unacknowledged() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.snapshot()
}
