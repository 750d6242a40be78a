// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the session lifecycle events published to
// webhooks.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeSessionBound    = "session.bound"
	TypeSessionResumed  = "session.resumed"
	TypeSessionDetached = "session.detached"
	TypeSessionClosed   = "session.closed"
	TypeMessageOffline  = "message.offline"
)

// Close reasons carried by SessionClosed.
const (
	ReasonGraceful = "graceful"
	ReasonError    = "error"
	ReasonConflict = "conflict"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "session.bound")
	Type() string

	// Address returns the full or bare JID the event concerns.
	Address() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(serverID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	ServerID  string `json:"server_id"`
	Data      any    `json:"data"`
}

func wrap(e Event, serverID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ServerID:  serverID,
		Data:      e,
	}
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

// SessionBound is emitted when a stream binds a resource.
type SessionBound struct {
	JID        string `json:"jid"`
	StreamID   string `json:"stream_id"`
	Transport  string `json:"transport"`
	Anonymous  bool   `json:"anonymous"`
	RemoteAddr string `json:"remote_addr"`
}

func (e SessionBound) Type() string    { return TypeSessionBound }
func (e SessionBound) Address() string { return e.JID }
func (e SessionBound) Wrap(serverID string) *Envelope {
	return wrap(e, serverID)
}

// SessionResumed is emitted when a detached session is taken over by a new
// connection.
type SessionResumed struct {
	JID        string `json:"jid"`
	StreamID   string `json:"stream_id"`
	Replayed   int    `json:"replayed"`
	RemoteAddr string `json:"remote_addr"`
}

func (e SessionResumed) Type() string    { return TypeSessionResumed }
func (e SessionResumed) Address() string { return e.JID }
func (e SessionResumed) Wrap(serverID string) *Envelope {
	return wrap(e, serverID)
}

// SessionDetached is emitted when a resumable session loses its connection.
type SessionDetached struct {
	JID     string `json:"jid"`
	Pending int    `json:"pending"`
}

func (e SessionDetached) Type() string    { return TypeSessionDetached }
func (e SessionDetached) Address() string { return e.JID }
func (e SessionDetached) Wrap(serverID string) *Envelope {
	return wrap(e, serverID)
}

// SessionClosed is emitted when a session ends for good.
type SessionClosed struct {
	JID    string `json:"jid"`
	Reason string `json:"reason"`
}

func (e SessionClosed) Type() string    { return TypeSessionClosed }
func (e SessionClosed) Address() string { return e.JID }
func (e SessionClosed) Wrap(serverID string) *Envelope {
	return wrap(e, serverID)
}

// MessageOffline is emitted when a message is queued for an unavailable user.
type MessageOffline struct {
	To          string `json:"to"`
	From        string `json:"from"`
	PayloadSize int    `json:"payload_size"`
}

func (e MessageOffline) Type() string    { return TypeMessageOffline }
func (e MessageOffline) Address() string { return e.To }
func (e MessageOffline) Wrap(serverID string) *Envelope {
	return wrap(e, serverID)
}
