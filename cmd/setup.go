// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/fluxxmpp/config"
	"github.com/absmach/fluxxmpp/ratelimit"
	"github.com/absmach/fluxxmpp/storage"
	"github.com/absmach/fluxxmpp/storage/badger"
	"github.com/absmach/fluxxmpp/storage/memory"
	"github.com/absmach/fluxxmpp/xmpp/sm"
	"github.com/google/uuid"
)

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// instanceID names this process in webhooks, telemetry and /status.
func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

func openStore(cfg config.StorageConfig) (storage.OfflineStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.MaxOfflinePerUser), nil
	case "badger":
		return badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			MaxPerUser: cfg.MaxOfflinePerUser,
			GCInterval: 5 * time.Minute,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func smConfig(cfg config.StreamManagementConfig) sm.Config {
	return sm.Config{
		Active:               cfg.Enabled,
		MaxUnacked:           cfg.MaxUnacked,
		RequestFrequency:     cfg.RequestFrequency,
		LocationEnabled:      cfg.LocationEnabled,
		Location:             cfg.Location,
		MaxInactivityEnabled: cfg.MaxInactivityEnabled,
		DetachTimeout:        cfg.DetachTimeout,
	}
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Enabled: cfg.Enabled,
		Connection: ratelimit.ConnectionConfig{
			Enabled:         cfg.Connection.Enabled,
			Rate:            cfg.Connection.Rate,
			Burst:           cfg.Connection.Burst,
			CleanupInterval: cfg.Connection.CleanupInterval,
		},
		Stanza: ratelimit.StanzaConfig{
			Enabled: cfg.Stanza.Enabled,
			Rate:    cfg.Stanza.Rate,
			Burst:   cfg.Stanza.Burst,
		},
		Resume: ratelimit.ResumeConfig{
			Enabled: cfg.Resume.Enabled,
			Rate:    cfg.Resume.Rate,
			Burst:   cfg.Resume.Burst,
		},
	}
}
