// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware wraps a broker.Service with cross-cutting concerns.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fluxxmpp/broker"
	"github.com/absmach/fluxxmpp/session"
)

var _ broker.Service = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   broker.Service
}

// NewLogging creates logging middleware that wraps a broker service.
func NewLogging(svc broker.Service, logger *slog.Logger) broker.Service {
	return &loggingMiddleware{logger, svc}
}

// HandleConnection logs the lifetime of a stream.
func (lm *loggingMiddleware) HandleConnection(ctx context.Context, conn session.Conn, transport string) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	lm.logger.Debug("stream_opened",
		slog.String("remote_addr", remote),
		slog.String("transport", transport))

	defer func(begin time.Time) {
		lm.logger.Debug("stream_closed",
			slog.String("remote_addr", remote),
			slog.String("transport", transport),
			slog.String("duration", time.Since(begin).String()))
	}(time.Now())

	lm.next.HandleConnection(ctx, conn, transport)
}

// Close logs broker shutdown.
func (lm *loggingMiddleware) Close() (err error) {
	defer func(begin time.Time) {
		lm.logger.Info("broker_close",
			slog.String("duration", time.Since(begin).String()),
			slog.Any("error", err))
	}(time.Now())
	return lm.next.Close()
}
