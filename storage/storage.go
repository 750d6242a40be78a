// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines persistence for messages addressed to users with
// no available session.
package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrQuotaExceeded = errors.New("offline quota exceeded")
	ErrClosed        = errors.New("store closed")
)

// Message is a message stored for later delivery.
type Message struct {
	ID string `json:"id"`

	// To is the bare address of the recipient.
	To   string `json:"to"`
	From string `json:"from"`

	// Stamp is when the server first accepted the message.
	Stamp time.Time `json:"stamp"`

	// Payload is the serialized stanza.
	Payload []byte `json:"payload"`
}

// Copy returns a deep copy of m.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// OfflineStore keeps messages per recipient in arrival order.
type OfflineStore interface {
	// Store appends msg to the recipient's queue. It returns
	// ErrQuotaExceeded when the queue is full.
	Store(msg *Message) error

	// Drain removes and returns up to limit queued messages for a bare
	// address, oldest first. A non-positive limit drains everything.
	Drain(to string, limit int) ([]*Message, error)

	// Count returns the number of queued messages for a bare address.
	Count(to string) (int, error)

	// Close releases the store's resources.
	Close() error
}
