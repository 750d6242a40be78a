// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"

	"github.com/absmach/fluxxmpp/broker"
	"github.com/absmach/fluxxmpp/session"
)

var _ broker.Service = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	stats *broker.Stats
	svc   broker.Service
}

// NewMetrics creates metrics middleware that wraps a broker service.
func NewMetrics(svc broker.Service, stats *broker.Stats) broker.Service {
	return &metricsMiddleware{stats, svc}
}

// HandleConnection wraps the call with connection metrics.
func (mm *metricsMiddleware) HandleConnection(ctx context.Context, conn session.Conn, transport string) {
	mm.stats.IncrementConnections()
	defer mm.stats.DecrementConnections()

	mm.svc.HandleConnection(ctx, conn, transport)
}

func (mm *metricsMiddleware) Close() error {
	return mm.svc.Close()
}
