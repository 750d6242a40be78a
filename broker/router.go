// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/fluxxmpp/broker/events"
	"github.com/absmach/fluxxmpp/broker/webhook"
	"github.com/absmach/fluxxmpp/session"
	"github.com/absmach/fluxxmpp/storage"
	"github.com/absmach/fluxxmpp/xmpp/jid"
	"github.com/absmach/fluxxmpp/xmpp/sm"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

var _ sm.Router = (*Router)(nil)

// RouterConfig configures a Router.
type RouterConfig struct {
	Domain string

	// Offline writes are guarded by a circuit breaker so a failing store
	// does not stall every routing goroutine.
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration

	Logger   *slog.Logger
	Metrics  Metrics
	Notifier webhook.Notifier
}

// Router delivers stanzas to local sessions, falling back to offline
// storage for messages to unavailable users. Delivery is best effort.
type Router struct {
	domain   string
	table    *session.Table
	offline  storage.OfflineStore
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	metrics  Metrics
	notifier webhook.Notifier
	now      func() time.Time
}

// NewRouter creates a router over the given routing table. offline may be
// nil, in which case messages to unavailable users are bounced.
func NewRouter(cfg RouterConfig, table *session.Table, offline storage.OfflineStore) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.BreakerFailureThreshold <= 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}

	logger := cfg.Logger
	threshold := uint32(cfg.BreakerFailureThreshold)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "offline-store",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Full queues are a per-user condition, not a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, storage.ErrQuotaExceeded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("offline store circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Router{
		domain:   cfg.Domain,
		table:    table,
		offline:  offline,
		breaker:  breaker,
		logger:   logger,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		now:      time.Now,
	}
}

// Route delivers st according to its to address.
func (r *Router) Route(st *stanza.Element) {
	to, err := jid.Parse(st.Attr("to"))
	if err != nil || to.IsZero() {
		r.logger.Debug("dropping stanza with invalid recipient",
			slog.String("to", st.Attr("to")))
		return
	}

	if to.Domain != r.domain {
		r.bounce(st, "cancel", "remote-server-not-found")
		return
	}
	if to.Local == "" {
		// Server-addressed stanzas are answered by the connection handler.
		return
	}

	kind := stanza.KindOf(st)
	if to.IsFull() {
		if s := r.table.Get(to); s != nil {
			if err := s.Deliver(st); err == nil {
				r.metrics.RecordStanzaSent(kind.String())
				return
			}
		}
		switch kind {
		case stanza.KindMessage:
			// Fall back to the bare address.
		case stanza.KindIQ:
			r.bounce(st, "cancel", "service-unavailable")
			return
		default:
			return
		}
	}

	switch kind {
	case stanza.KindMessage:
		if r.deliverAll(to, st) == 0 {
			r.storeOffline(to.Bare(), st)
		}
	case stanza.KindPresence:
		r.deliverAll(to, st)
	case stanza.KindIQ:
		r.bounce(st, "cancel", "service-unavailable")
	}
}

// deliverAll delivers st to every resource of to's bare address and returns
// the number of sessions that accepted it.
func (r *Router) deliverAll(to jid.JID, st *stanza.Element) int {
	delivered := 0
	for _, s := range r.table.Resources(to) {
		if err := s.Deliver(st); err != nil {
			continue
		}
		delivered++
		r.metrics.RecordStanzaSent(stanza.KindOf(st).String())
	}
	return delivered
}

func (r *Router) storeOffline(to jid.JID, st *stanza.Element) {
	switch st.Attr("type") {
	case "error", "groupchat", "headline":
		return
	}
	if r.offline == nil {
		r.bounce(st, "cancel", "service-unavailable")
		return
	}

	stored := st.Copy()
	stanza.AddDelay(stored, r.now(), r.domain)
	msg := &storage.Message{
		ID:      uuid.NewString(),
		To:      to.String(),
		From:    st.Attr("from"),
		Stamp:   r.now().UTC(),
		Payload: []byte(stored.String()),
	}

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.offline.Store(msg)
	})
	switch {
	case err == nil:
		r.logger.Debug("message stored offline", slog.String("to", msg.To))
		if r.notifier != nil {
			r.notifier.Notify(context.Background(), events.MessageOffline{
				To:          msg.To,
				From:        msg.From,
				PayloadSize: len(msg.Payload),
			})
		}
	case errors.Is(err, storage.ErrQuotaExceeded):
		r.bounce(st, "wait", "resource-constraint")
	default:
		r.metrics.RecordError("offline_store")
		r.logger.Warn("failed to store offline message",
			slog.String("to", msg.To),
			slog.String("error", err.Error()))
	}
}

// FlushOffline delivers up to limit stored messages to a freshly bound
// session. It returns the number delivered.
func (r *Router) FlushOffline(s *session.Session, limit int) int {
	if r.offline == nil {
		return 0
	}

	bare := s.Address().Bare().String()
	msgs, err := r.offline.Drain(bare, limit)
	if err != nil {
		r.logger.Warn("failed to drain offline messages",
			slog.String("to", bare),
			slog.String("error", err.Error()))
		return 0
	}

	delivered := 0
	for _, m := range msgs {
		st, err := stanza.Parse(string(m.Payload))
		if err != nil {
			r.logger.Warn("dropping corrupt offline message",
				slog.String("id", m.ID),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.Deliver(st); err != nil {
			// The session went away while flushing; keep the rest.
			r.Route(st)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		r.logger.Debug("offline messages delivered",
			slog.String("address", s.Address().String()),
			slog.Int("count", delivered))
	}
	return delivered
}

// bounce routes an error reply for st back to its sender. Error stanzas are
// never bounced.
func (r *Router) bounce(st *stanza.Element, errType, condition string) {
	if st.Attr("type") == "error" || st.Attr("from") == "" {
		return
	}
	if stanza.KindOf(st) == stanza.KindPresence {
		return
	}
	reply := stanza.ErrorReply(st, errType, condition)

	from, err := jid.Parse(reply.Attr("to"))
	if err != nil || from.Domain != r.domain || from.Local == "" {
		return
	}
	if s := r.table.Get(from); s != nil {
		s.Deliver(reply)
	}
}
