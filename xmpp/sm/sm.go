// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sm implements XEP-0198 stream management for c2s sessions:
// stanza acknowledgement with a bounded unacknowledged queue, session
// resumption and redelivery of unacknowledged stanzas on close.
//
// Every logical session owns exactly one Manager. All counter and queue
// mutation is serialized by the manager's lock; socket writes happen after
// the lock is released.
package sm

import (
	"io"
	"log/slog"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/auth"
	"github.com/absmach/fluxxmpp/xmpp/jid"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

// Supported protocol namespaces.
const (
	NSv2 = "urn:xmpp:sm:2"
	NSv3 = "urn:xmpp:sm:3"
)

// Default limits.
const (
	DefaultMaxUnacked       = 10000
	DefaultRequestFrequency = 5

	// maxQueueLimit keeps the queue far from half the sequence space so
	// modular comparisons stay unambiguous.
	maxQueueLimit = 1 << 30
)

// SupportedNamespace reports whether ns is a stream management namespace
// this server speaks.
func SupportedNamespace(ns string) bool {
	return ns == NSv2 || ns == NSv3
}

// Session is the logical session a Manager belongs to.
type Session interface {
	Address() jid.JID
	StreamID() string
	Auth() *auth.Token
	IsBound() bool

	// ResumptionEligible reports whether this stream may use resumption:
	// authenticated, not anonymous, and over a transport that can detach.
	ResumptionEligible() bool

	IsDetached() bool

	// Detach marks the session detached and returns the connection it held,
	// or nil. The caller closes it.
	Detach() io.Closer

	// Reattach moves the physical connection of shell onto this session and
	// returns the connection it displaces, or nil. On error the session is
	// left as it was.
	Reattach(shell Session) (io.Closer, error)

	// Release is called once the session is closed for good. It must stop
	// the session from receiving routed stanzas.
	Release()

	// DeliverRawText writes text to the live connection. It is a no-op
	// while detached.
	DeliverRawText(text string)

	StreamManager() *Manager
}

// Router delivers a stanza on a best-effort basis.
type Router interface {
	Route(st *stanza.Element)
}

// Locator finds sessions hosted by this process.
type Locator interface {
	FindSession(addr jid.JID) (Session, bool)
}

// Metrics receives stream management events.
type Metrics interface {
	RecordEnabled(resume bool)
	RecordResumed()
	RecordResumeFailed(condition string)
	RecordOverflow()
	RecordProtocolViolation()
	RecordDetached()
	RecordRedelivery(routed, dropped int)
}

// Config holds stream management settings.
type Config struct {
	// Active is the global kill switch.
	Active bool

	MaxUnacked       int
	RequestFrequency int

	// LocationEnabled advertises Location in enabled replies (v3 only).
	LocationEnabled bool
	Location        string

	// MaxInactivityEnabled advertises DetachTimeout as the max attribute.
	MaxInactivityEnabled bool
	DetachTimeout        time.Duration

	// Domain is the server address used to rebuild session addresses and
	// to attribute delay annotations.
	Domain string

	Logger  *slog.Logger
	Metrics Metrics
}

// DefaultConfig returns the default settings for domain.
func DefaultConfig(domain string) Config {
	return Config{
		Active:               true,
		MaxUnacked:           DefaultMaxUnacked,
		RequestFrequency:     DefaultRequestFrequency,
		LocationEnabled:      true,
		MaxInactivityEnabled: true,
		DetachTimeout:        10 * time.Minute,
		Domain:               domain,
	}
}

type nopMetrics struct{}

func (nopMetrics) RecordEnabled(bool)        {}
func (nopMetrics) RecordResumed()            {}
func (nopMetrics) RecordResumeFailed(string) {}
func (nopMetrics) RecordOverflow()           {}
func (nopMetrics) RecordProtocolViolation()  {}
func (nopMetrics) RecordDetached()           {}
func (nopMetrics) RecordRedelivery(int, int) {}
