// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/fluxxmpp/storage"
)

var _ storage.OfflineStore = (*Store)(nil)

// Store is an in-memory offline store.
type Store struct {
	mu         sync.RWMutex
	queues     map[string][]*storage.Message
	maxPerUser int
	closed     bool
}

// New creates a new in-memory store. A non-positive maxPerUser disables
// the per-recipient quota.
func New(maxPerUser int) *Store {
	return &Store{
		queues:     make(map[string][]*storage.Message),
		maxPerUser: maxPerUser,
	}
}

// Store appends a message to its recipient's queue.
func (s *Store) Store(msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	q := s.queues[msg.To]
	if s.maxPerUser > 0 && len(q) >= s.maxPerUser {
		return storage.ErrQuotaExceeded
	}
	s.queues[msg.To] = append(q, msg.Copy())
	return nil
}

// Drain removes and returns queued messages, oldest first.
func (s *Store) Drain(to string, limit int) ([]*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	q := s.queues[to]
	n := len(q)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*storage.Message, n)
	copy(out, q[:n])

	if n == len(q) {
		delete(s.queues, to)
	} else {
		s.queues[to] = append([]*storage.Message(nil), q[n:]...)
	}
	return out, nil
}

// Count returns the queue length for a recipient.
func (s *Store) Count(to string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	return len(s.queues[to]), nil
}

// Close drops all queued messages.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queues = nil
	return nil
}
