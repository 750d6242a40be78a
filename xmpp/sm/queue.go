// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"math"
	"time"

	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

// Entry is an outbound stanza awaiting acknowledgement.
type Entry struct {
	Seq      uint32
	Stanza   *stanza.Element
	Enqueued time.Time
}

// ackQueue holds entries in ascending sequence order, modulo 2^32.
// It is not safe for concurrent use; the owning Manager serializes access.
type ackQueue struct {
	entries []Entry
}

func (q *ackQueue) push(e Entry) {
	q.entries = append(q.entries, e)
}

func (q *ackQueue) len() int {
	return len(q.entries)
}

func (q *ackQueue) last() (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[len(q.entries)-1], true
}

func (q *ackQueue) snapshot() []Entry {
	return q.from(0)
}

// from copies the entries starting at index i.
func (q *ackQueue) from(i int) []Entry {
	if i >= len(q.entries) {
		return nil
	}
	out := make([]Entry, len(q.entries)-i)
	copy(out, q.entries[i:])
	return out
}

func (q *ackQueue) clear() {
	clear(q.entries)
	q.entries = q.entries[:0]
}

// evictUpTo removes the prefix of entries acknowledged by h. Sequence
// numbers are compared as distances from base, the previous ack value, so
// a counter that wrapped past zero still orders correctly.
func (q *ackQueue) evictUpTo(base, h uint32) int {
	limit := h - base
	n := 0
	for n < len(q.entries) && q.entries[n].Seq-base <= limit {
		n++
	}
	q.drop(n)
	return n
}

// purgeRollover drops trailing entries numbered within limit of 2^32-1
// when h sits within limit of zero. Such entries belong to the epoch before
// the counter wrapped and can no longer be acknowledged.
func (q *ackQueue) purgeRollover(h uint32, limit int) int {
	if limit <= 0 || uint64(h) >= uint64(limit) {
		return 0
	}
	threshold := math.MaxUint32 - uint32(limit)
	n := 0
	for len(q.entries) > 0 && q.entries[len(q.entries)-1].Seq > threshold {
		q.entries[len(q.entries)-1] = Entry{}
		q.entries = q.entries[:len(q.entries)-1]
		n++
	}
	return n
}

func (q *ackQueue) drop(n int) {
	if n == 0 {
		return
	}
	rest := copy(q.entries, q.entries[n:])
	clear(q.entries[rest:])
	q.entries = q.entries[:rest]
}
