// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles c2s connection attempts per IP, inbound
// stanzas per session and stream resumption attempts per account.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultCleanupInterval = 5 * time.Minute

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Stanza     StanzaConfig     `yaml:"stanza"`
	Resume     ResumeConfig     `yaml:"resume"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // sweep interval for idle IP and account entries
}

// StanzaConfig holds per-session inbound stanza rate limiting settings.
type StanzaConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// ResumeConfig holds per-account resumption attempt rate limiting settings.
type ResumeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns limits suited to a small public server. Limiting
// stays off until Enabled is set.
func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0,
			Burst:           20,
			CleanupInterval: defaultCleanupInterval,
		},
		Stanza: StanzaConfig{
			Enabled: true,
			Rate:    100,
			Burst:   50,
		},
		Resume: ResumeConfig{
			Enabled: true,
			Rate:    1,
			Burst:   5,
		},
	}
}

// limiterSet keeps one token bucket per key.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterSet(r float64, burst int) *limiterSet {
	return &limiterSet{
		limit:   rate.Limit(r),
		burst:   burst,
		entries: make(map[string]*entry),
	}
}

func (s *limiterSet) allow(key string, now time.Time) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

func (s *limiterSet) remove(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// sweep drops entries idle since before cutoff.
func (s *limiterSet) sweep(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, key)
		}
	}
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Manager coordinates the connection, stanza and resume limiters. A nil
// Manager allows everything.
type Manager struct {
	conns   *limiterSet
	stanzas *limiterSet
	resumes *limiterSet

	interval time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the limiters enabled in cfg and starts sweeping idle
// per-IP and per-account entries.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		interval: cfg.Connection.CleanupInterval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if m.interval <= 0 {
		m.interval = defaultCleanupInterval
	}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.conns = newLimiterSet(cfg.Connection.Rate, cfg.Connection.Burst)
	}
	if cfg.Stanza.Enabled {
		m.stanzas = newLimiterSet(cfg.Stanza.Rate, cfg.Stanza.Burst)
	}
	if cfg.Resume.Enabled {
		m.resumes = newLimiterSet(cfg.Resume.Rate, cfg.Resume.Burst)
	}

	if m.conns != nil || m.resumes != nil {
		m.wg.Add(1)
		go m.sweepLoop()
	}
	return m
}

// AllowConnection reports whether a new connection from addr may proceed.
// Addresses without an IP are always allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m == nil || m.conns == nil {
		return true
	}
	ip := hostOf(addr)
	if ip == "" {
		return true
	}
	return m.conns.allow(ip, m.now())
}

// Allow lets the Manager serve as the listeners' connection limiter.
func (m *Manager) Allow(addr net.Addr) bool {
	return m.AllowConnection(addr)
}

// AllowStanza reports whether another inbound stanza from the session
// bound to key may be processed.
func (m *Manager) AllowStanza(key string) bool {
	if m == nil || m.stanzas == nil {
		return true
	}
	return m.stanzas.allow(key, m.now())
}

// AllowResume reports whether another resumption attempt for the account
// key may be processed.
func (m *Manager) AllowResume(key string) bool {
	if m == nil || m.resumes == nil {
		return true
	}
	return m.resumes.allow(key, m.now())
}

// OnClientDisconnect drops the stanza limiter of a closed session. Resume
// limiters are kept until swept so reconnect storms stay throttled.
func (m *Manager) OnClientDisconnect(key string) {
	if m == nil || m.stanzas == nil {
		return
	}
	m.stanzas.remove(key)
}

// Stop ends the sweeper. It is safe to call more than once.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep() {
	cutoff := m.now().Add(-2 * m.interval)
	if m.conns != nil {
		m.conns.sweep(cutoff)
	}
	if m.resumes != nil {
		m.resumes.sweep(cutoff)
	}
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
