// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxxmpp/xmpp/jid"
	"github.com/absmach/fluxxmpp/xmpp/sm"
)

var _ sm.Locator = (*Table)(nil)

const numShards = 64

type tableShard struct {
	mu sync.RWMutex
	// bare JID -> resource -> session
	sessions map[string]map[string]*Session
}

// Table is the local routing table of bound sessions. Sessions are sharded
// by bare JID so all resources of one account share a shard and concurrent
// operations on different accounts don't block each other.
type Table struct {
	shards [numShards]tableShard
	count  atomic.Int64
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].sessions = make(map[string]map[string]*Session)
	}
	return t
}

func (t *Table) shard(bare string) *tableShard {
	h := fnv.New32a()
	h.Write([]byte(bare))
	return &t.shards[h.Sum32()%numShards]
}

// Add registers a bound session under its full address. It returns the
// session previously registered there, if any.
func (t *Table) Add(s *Session) *Session {
	addr := s.Address()
	bare := addr.Bare().String()
	sh := t.shard(bare)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	resources, ok := sh.sessions[bare]
	if !ok {
		resources = make(map[string]*Session)
		sh.sessions[bare] = resources
	}
	prev := resources[addr.Resource]
	resources[addr.Resource] = s
	if prev == nil {
		t.count.Add(1)
	}
	if prev == s {
		return nil
	}
	return prev
}

// Remove unregisters s. A different session registered under the same
// address is left in place.
func (t *Table) Remove(s *Session) bool {
	addr := s.Address()
	bare := addr.Bare().String()
	sh := t.shard(bare)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	resources := sh.sessions[bare]
	if resources[addr.Resource] != s {
		return false
	}
	delete(resources, addr.Resource)
	if len(resources) == 0 {
		delete(sh.sessions, bare)
	}
	t.count.Add(-1)
	return true
}

// Get returns the session bound to a full address.
func (t *Table) Get(addr jid.JID) *Session {
	bare := addr.Bare().String()
	sh := t.shard(bare)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[bare][addr.Resource]
}

// Resources returns every session bound to the bare address of addr.
func (t *Table) Resources(addr jid.JID) []*Session {
	bare := addr.Bare().String()
	sh := t.shard(bare)

	sh.mu.RLock()
	defer sh.mu.RUnlock()

	resources := sh.sessions[bare]
	out := make([]*Session, 0, len(resources))
	for _, s := range resources {
		out = append(out, s)
	}
	return out
}

// FindSession looks up a session for resumption.
func (t *Table) FindSession(addr jid.JID) (sm.Session, bool) {
	s := t.Get(addr)
	if s == nil {
		return nil, false
	}
	return s, true
}

// ForEach iterates over all sessions. The iteration order is not
// guaranteed and fn must not modify the table.
func (t *Table) ForEach(fn func(*Session)) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, resources := range sh.sessions {
			for _, s := range resources {
				fn(s)
			}
		}
		sh.mu.RUnlock()
	}
}

// Detached collects the sessions currently waiting for resumption.
func (t *Table) Detached() []*Session {
	var out []*Session
	t.ForEach(func(s *Session) {
		if s.IsDetached() {
			out = append(out, s)
		}
	})
	return out
}

// Count returns the number of registered sessions.
func (t *Table) Count() int {
	return int(t.count.Load())
}

// DetachedCount returns the number of detached sessions.
func (t *Table) DetachedCount() int {
	count := 0
	t.ForEach(func(s *Session) {
		if s.IsDetached() {
			count++
		}
	})
	return count
}
