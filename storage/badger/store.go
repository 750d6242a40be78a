// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxxmpp/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/s2"
)

var _ storage.OfflineStore = (*Store)(nil)

const (
	offlinePrefix = "offline/"
	sequenceKey   = "meta/offline-seq"

	// Payloads at or above this size are stored s2-compressed.
	compressThreshold = 256

	defaultGCInterval = 5 * time.Minute
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// InMemory keeps all data in memory; Dir is ignored.
	InMemory bool

	// MaxPerUser caps queued messages per recipient. Zero disables the cap.
	MaxPerUser int

	GCInterval time.Duration
}

// Store is the BadgerDB-backed offline store.
//
// Key format: offline/{bare}/{seq}, where seq is a zero padded, store-wide
// monotonic sequence so a prefix scan yields arrival order.
type Store struct {
	db         *badger.DB
	seq        *badger.Sequence
	maxPerUser int

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// record is the persisted form of a message.
type record struct {
	ID         string    `json:"id"`
	To         string    `json:"to"`
	From       string    `json:"from"`
	Stamp      time.Time `json:"stamp"`
	Payload    []byte    `json:"payload"`
	Compressed bool      `json:"compressed,omitempty"`
}

// New opens a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Disable encryption to avoid "Invalid datakey id" errors on restart
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open offline sequence: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s := &Store{
		db:         db,
		seq:        seq,
		maxPerUser: cfg.MaxPerUser,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}

	// In-memory mode has no value log to collect.
	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC(interval)
	}

	return s, nil
}

func queuePrefix(to string) []byte {
	return []byte(offlinePrefix + to + "/")
}

// Store appends a message to its recipient's queue.
func (s *Store) Store(msg *storage.Message) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	rec := record{
		ID:      msg.ID,
		To:      msg.To,
		From:    msg.From,
		Stamp:   msg.Stamp,
		Payload: msg.Payload,
	}
	if len(rec.Payload) >= compressThreshold {
		rec.Payload = s2.Encode(nil, msg.Payload)
		rec.Compressed = true
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := fmt.Sprintf("%s%s/%020d", offlinePrefix, msg.To, n)

	return s.db.Update(func(txn *badger.Txn) error {
		if s.maxPerUser > 0 {
			count, err := countPrefix(txn, queuePrefix(msg.To))
			if err != nil {
				return err
			}
			if count >= s.maxPerUser {
				return storage.ErrQuotaExceeded
			}
		}
		return txn.Set([]byte(key), data)
	})
}

// Drain removes and returns queued messages, oldest first.
func (s *Store) Drain(to string, limit int) ([]*storage.Message, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	var messages []*storage.Message
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix(to)
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(keys) >= limit {
				break
			}
			item := it.Item()
			err := item.Value(func(val []byte) error {
				msg, err := decode(val)
				if err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				it.Close()
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Count returns the queue length for a recipient.
func (s *Store) Count(to string) (int, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	var count int
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = countPrefix(txn, queuePrefix(to))
		return err
	})
	return count, err
}

func countPrefix(txn *badger.Txn, prefix []byte) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false // We only need keys
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count, nil
}

func decode(val []byte) (*storage.Message, error) {
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	payload := rec.Payload
	if rec.Compressed {
		var err error
		payload, err = s2.Decode(nil, rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}
	return &storage.Message{
		ID:      rec.ID,
		To:      rec.To,
		From:    rec.From,
		Stamp:   rec.Stamp,
		Payload: payload,
	}, nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Signal GC goroutine to stop
	close(s.gcStopCh)
	<-s.gcDone

	seqErr := s.seq.Release()
	return errors.Join(seqErr, s.db.Close())
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim if 50%+ of a file is garbage. ErrNoRewrite just means
			// there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// Skip a final GC; collecting during close can corrupt the vlog.
			return
		}
	}
}
