// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker counters exposed by the health server.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	disconnections     atomic.Uint64

	// Stanza stats
	stanzasReceived atomic.Uint64
	offlineFlushed  atomic.Uint64

	// Session stats
	sessionsBound      atomic.Uint64
	sessionsResumed    atomic.Uint64
	resumeFailures     atomic.Uint64
	sessionsDetached   atomic.Uint64
	sessionsTerminated atomic.Uint64

	// Error stats
	protocolErrors atomic.Uint64
	authErrors     atomic.Uint64
	rateLimited    atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() int64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

// Stanza tracking.
func (s *Stats) IncrementStanzasReceived() {
	s.stanzasReceived.Add(1)
}

func (s *Stats) AddOfflineFlushed(n int) {
	s.offlineFlushed.Add(uint64(n))
}

func (s *Stats) GetStanzasReceived() uint64 {
	return s.stanzasReceived.Load()
}

func (s *Stats) GetOfflineFlushed() uint64 {
	return s.offlineFlushed.Load()
}

// Session tracking.
func (s *Stats) IncrementSessionsBound() {
	s.sessionsBound.Add(1)
}

func (s *Stats) IncrementSessionsResumed() {
	s.sessionsResumed.Add(1)
}

func (s *Stats) IncrementResumeFailures() {
	s.resumeFailures.Add(1)
}

func (s *Stats) IncrementSessionsDetached() {
	s.sessionsDetached.Add(1)
}

func (s *Stats) IncrementSessionsTerminated() {
	s.sessionsTerminated.Add(1)
}

func (s *Stats) GetSessionsBound() uint64 {
	return s.sessionsBound.Load()
}

func (s *Stats) GetSessionsResumed() uint64 {
	return s.sessionsResumed.Load()
}

func (s *Stats) GetResumeFailures() uint64 {
	return s.resumeFailures.Load()
}

func (s *Stats) GetSessionsDetached() uint64 {
	return s.sessionsDetached.Load()
}

func (s *Stats) GetSessionsTerminated() uint64 {
	return s.sessionsTerminated.Load()
}

// Error tracking.
func (s *Stats) IncrementProtocolErrors() {
	s.protocolErrors.Add(1)
}

func (s *Stats) IncrementAuthErrors() {
	s.authErrors.Add(1)
}

func (s *Stats) IncrementRateLimited() {
	s.rateLimited.Add(1)
}

func (s *Stats) GetProtocolErrors() uint64 {
	return s.protocolErrors.Load()
}

func (s *Stats) GetAuthErrors() uint64 {
	return s.authErrors.Load()
}

func (s *Stats) GetRateLimited() uint64 {
	return s.rateLimited.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
