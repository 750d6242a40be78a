// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker serves c2s XMPP streams: stream negotiation, SASL,
// resource binding, stream management and stanza routing between local
// sessions.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxxmpp/broker/events"
	"github.com/absmach/fluxxmpp/broker/webhook"
	"github.com/absmach/fluxxmpp/ratelimit"
	"github.com/absmach/fluxxmpp/server/otel"
	"github.com/absmach/fluxxmpp/session"
	"github.com/absmach/fluxxmpp/storage"
	"github.com/absmach/fluxxmpp/xmpp/auth"
	"github.com/absmach/fluxxmpp/xmpp/sm"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
	"go.opentelemetry.io/otel/trace"
)

var _ Service = (*Broker)(nil)

// Config holds broker settings.
type Config struct {
	Domain string

	// SM is handed to every session's stream manager. Its DetachTimeout is
	// the inactivity limit applied by the reaper.
	SM sm.Config

	ReapInterval      time.Duration
	OfflineFlushLimit int

	// ReadTimeout closes streams idle for longer. Zero disables it.
	ReadTimeout time.Duration

	Logger *slog.Logger
}

// Broker owns the routing table and serves c2s streams.
type Broker struct {
	cfg      Config
	table    *session.Table
	router   *Router
	auth     *auth.Authenticator
	limiter  *ratelimit.Manager // nil if rate limiting disabled
	notifier webhook.Notifier   // nil if webhooks disabled
	metrics  Metrics
	tracer   trace.Tracer // nil if tracing disabled
	stats    *Stats
	logger   *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates a broker and starts the detached session reaper. offline,
// notifier, metrics, tracer and limiter are optional.
func New(cfg Config, authn *auth.Authenticator, offline storage.OfflineStore, notifier webhook.Notifier, metrics *otel.Metrics, tracer trace.Tracer, limiter *ratelimit.Manager) *Broker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	cfg.SM.Domain = cfg.Domain
	if cfg.SM.Logger == nil {
		cfg.SM.Logger = cfg.Logger
	}

	var m Metrics = nopMetrics{}
	if metrics != nil {
		m = metrics
		cfg.SM.Metrics = metrics
	}

	b := &Broker{
		cfg:      cfg,
		table:    session.NewTable(),
		auth:     authn,
		limiter:  limiter,
		notifier: notifier,
		metrics:  m,
		tracer:   tracer,
		stats:    NewStats(),
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
	}
	b.router = NewRouter(RouterConfig{
		Domain:   cfg.Domain,
		Logger:   cfg.Logger,
		Metrics:  m,
		Notifier: notifier,
	}, b.table, offline)

	b.wg.Add(1)
	go b.reapLoop()

	return b
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Table returns the routing table.
func (b *Broker) Table() *session.Table {
	return b.table
}

// Closed reports whether Close has been called.
func (b *Broker) Closed() bool {
	return b.closed.Load()
}

// Router returns the stanza router.
func (b *Broker) Router() *Router {
	return b.router
}

// HandleConnection serves a c2s stream on conn.
func (b *Broker) HandleConnection(ctx context.Context, conn session.Conn, transport string) {
	if b.closed.Load() {
		conn.WriteRaw(stanza.StreamError("system-shutdown", ErrShuttingDown.Error()))
		conn.Close()
		return
	}

	b.metrics.RecordConnection(transport)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s := &stream{
		b:         b,
		ctx:       ctx,
		conn:      conn,
		transport: transport,
		logger:    b.logger.With(slog.String("remote", remoteAddr(conn))),
	}
	reason := s.run()
	b.metrics.RecordDisconnection(reason)
}

// replace evicts the session that used to own a just-bound address.
func (b *Broker) replace(old *session.Session) {
	addr := old.Address().String()
	b.logger.Info("resource conflict, replacing session", slog.String("address", addr))

	if old.IsDetached() {
		if old.StreamManager().Terminate(b.router) {
			b.sessionEnded(old, events.ReasonConflict)
		}
		return
	}
	// The old stream's reader observes the close and releases it.
	old.CloseWithError("conflict", "Replaced by new connection")
}

// sessionEnded accounts for a bound session that was released.
func (b *Broker) sessionEnded(s *session.Session, reason string) {
	addr := s.Address().String()
	b.metrics.RecordSessionReleased()
	if b.limiter != nil {
		b.limiter.OnClientDisconnect(addr)
	}
	b.notify(events.SessionClosed{JID: addr, Reason: reason})
}

func (b *Broker) notify(ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(context.Background(), ev); err != nil {
		b.logger.Warn("failed to queue webhook event",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}

// Close stops the reaper and ends every session. Live streams receive a
// system-shutdown stream error; detached sessions are terminated so their
// unacknowledged messages reach offline storage.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
		b.wg.Wait()

		var all []*session.Session
		b.table.ForEach(func(s *session.Session) {
			all = append(all, s)
		})

		for _, s := range all {
			if s.IsDetached() {
				if s.StreamManager().Terminate(b.router) {
					b.stats.IncrementSessionsTerminated()
					b.sessionEnded(s, events.ReasonShutdown)
				}
				continue
			}
			s.CloseWithError("system-shutdown", "")
		}

		b.logger.Info("broker closed", slog.Int("sessions", len(all)))
	})
	return nil
}

func remoteAddr(conn session.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
