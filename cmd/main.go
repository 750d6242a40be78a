// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxxmpp/broker"
	"github.com/absmach/fluxxmpp/broker/middleware"
	"github.com/absmach/fluxxmpp/broker/webhook"
	"github.com/absmach/fluxxmpp/config"
	xmpptls "github.com/absmach/fluxxmpp/pkg/tls"
	"github.com/absmach/fluxxmpp/ratelimit"
	"github.com/absmach/fluxxmpp/server/health"
	"github.com/absmach/fluxxmpp/server/otel"
	"github.com/absmach/fluxxmpp/server/tcp"
	"github.com/absmach/fluxxmpp/server/websocket"
	"github.com/absmach/fluxxmpp/xmpp/auth"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	id := instanceID()
	slog.Info("Starting XMPP server",
		"domain", cfg.XMPP.Domain,
		"instance_id", id,
		"version", cfg.Server.OtelServiceVersion,
		"stream_management", cfg.StreamManagement.Enabled,
		"log_level", cfg.Log.Level)

	store, err := openStore(cfg.Storage)
	if err != nil {
		slog.Error("Failed to open offline storage", "type", cfg.Storage.Type, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("Offline storage ready", "type", cfg.Storage.Type, "max_per_user", cfg.Storage.MaxOfflinePerUser)

	var notifier webhook.Notifier
	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, id, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		defer wh.Close()
		notifier = wh
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	}

	var (
		otelShutdown func(context.Context) error
		metrics      *otel.Metrics
		tracer       trace.Tracer
	)
	if cfg.Server.MetricsEnabled {
		otelShutdown, err = otel.InitProvider(cfg, id)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		if cfg.Server.OtelMetricsEnabled {
			if metrics, err = otel.NewMetrics(); err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
		}
		if cfg.Server.OtelTracesEnabled {
			tracer = oteltrace.Tracer("fluxxmpp")
		}
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"metrics", cfg.Server.OtelMetricsEnabled,
			"traces", cfg.Server.OtelTracesEnabled,
			"sample_rate", cfg.Server.OtelTraceSampleRate)
	}

	var limiter *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewManager(rateLimitConfig(cfg.RateLimit))
		defer limiter.Stop()
		slog.Info("Rate limiting enabled",
			slog.Bool("connection", cfg.RateLimit.Connection.Enabled),
			slog.Bool("stanza", cfg.RateLimit.Stanza.Enabled),
			slog.Bool("resume", cfg.RateLimit.Resume.Enabled))
	}

	b := broker.New(broker.Config{
		Domain:            cfg.XMPP.Domain,
		SM:                smConfig(cfg.StreamManagement),
		ReapInterval:      cfg.XMPP.ReapInterval,
		OfflineFlushLimit: cfg.XMPP.OfflineFlushLimit,
		ReadTimeout:       cfg.Server.TCP.Plain.ReadTimeout,
		Logger:            logger,
	}, auth.NewAuthenticator(cfg.XMPP.Users, cfg.XMPP.AllowAnonymous), store, notifier, metrics, tracer, limiter)

	var svc broker.Service = b
	svc = middleware.NewMetrics(svc, b.Stats())
	svc = middleware.NewLogging(svc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 8)
	run := func(name string, listen func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listen(ctx); err != nil {
				slog.Error("Listener failed", "listener", name, "error", err)
				serverErr <- err
			}
		}()
	}

	tcpSlots := map[string]config.TCPListenerConfig{
		"tcp-plain": cfg.Server.TCP.Plain,
		"tcp-tls":   cfg.Server.TCP.TLS,
	}
	for name, slot := range tcpSlots {
		if strings.TrimSpace(slot.Addr) == "" {
			continue
		}
		tlsCfg, err := xmpptls.LoadTLSConfig(&slot.TLS)
		if err != nil {
			slog.Error("Failed to build TLS configuration", "listener", name, "error", err)
			os.Exit(1)
		}
		tcpCfg := tcp.Config{
			Address:         slot.Addr,
			TLSConfig:       tlsCfg,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  slot.MaxConnections,
			ReadTimeout:     slot.ReadTimeout,
			WriteTimeout:    slot.WriteTimeout,
			Logger:          logger,
		}
		if limiter != nil {
			tcpCfg.RateLimiter = limiter
		}
		run(name, tcp.New(tcpCfg, svc).Listen)
	}

	wsSlots := map[string]config.WSListenerConfig{
		"ws-plain": cfg.Server.WebSocket.Plain,
		"ws-tls":   cfg.Server.WebSocket.TLS,
	}
	for name, slot := range wsSlots {
		if strings.TrimSpace(slot.Addr) == "" {
			continue
		}
		tlsCfg, err := xmpptls.LoadTLSConfig(&slot.TLS)
		if err != nil {
			slog.Error("Failed to build TLS configuration", "listener", name, "error", err)
			os.Exit(1)
		}
		wsCfg := websocket.Config{
			Address:         slot.Addr,
			Path:            slot.Path,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSConfig:       tlsCfg,
			AllowedOrigins:  slot.AllowedOrigins,
			MaxMessageSize:  int64(cfg.XMPP.MaxStanzaSize),
		}
		if limiter != nil {
			wsCfg.RateLimiter = limiter
		}
		slog.Info("Starting WebSocket listener", "listener", name, "address", slot.Addr, "path", slot.Path,
			"security", xmpptls.SecurityStatus(tlsCfg))
		run(name, websocket.New(wsCfg, svc, logger).Listen)
	}

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			InstanceID:      id,
		}, b, logger)
		run("health", hs.Listen)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-serverErr:
	}

	// Live streams get system-shutdown and detached sessions are flushed
	// to offline storage before the listeners drain.
	if err := svc.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	cancel()
	wg.Wait()

	if otelShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	slog.Info("XMPP server stopped")
}
