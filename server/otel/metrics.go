// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"github.com/absmach/fluxxmpp/xmpp/sm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ sm.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the XMPP server.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	stanzasReceived     metric.Int64Counter
	stanzasSent         metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// Stream management counters
	smEnabled           metric.Int64Counter
	smResumed           metric.Int64Counter
	smResumeFailed      metric.Int64Counter
	smOverflows         metric.Int64Counter
	smViolations        metric.Int64Counter
	smDetached          metric.Int64Counter
	smRedelivered       metric.Int64Counter
	smRedeliveryDropped metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter
	sessionsActive     metric.Int64UpDownCounter

	// Histograms
	stanzaSize     metric.Int64Histogram
	resumeDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("xmpp-server"),
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "xmpp.connections.total", "Total number of c2s connections"},
		{&m.disconnectionsTotal, "xmpp.disconnections.total", "Total number of c2s disconnections"},
		{&m.stanzasReceived, "xmpp.stanzas.received.total", "Total stanzas received from clients"},
		{&m.stanzasSent, "xmpp.stanzas.sent.total", "Total stanzas routed to local sessions"},
		{&m.errorsTotal, "xmpp.errors.total", "Total errors by type"},
		{&m.smEnabled, "xmpp.sm.enabled.total", "Stream management enable requests granted"},
		{&m.smResumed, "xmpp.sm.resumed.total", "Sessions resumed"},
		{&m.smResumeFailed, "xmpp.sm.resume_failed.total", "Resumption requests rejected by condition"},
		{&m.smOverflows, "xmpp.sm.overflows.total", "Unacknowledged queue overflows"},
		{&m.smViolations, "xmpp.sm.violations.total", "Stream management protocol violations"},
		{&m.smDetached, "xmpp.sm.detached.total", "Sessions detached after connection loss"},
		{&m.smRedelivered, "xmpp.sm.redelivered.total", "Unacknowledged messages rerouted on close"},
		{&m.smRedeliveryDropped, "xmpp.sm.redelivery_dropped.total", "Unacknowledged non-message stanzas dropped on close"},
	}

	var err error
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	// Initialize up/down counters (gauges)
	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"xmpp.connections.current",
		metric.WithDescription("Current number of active c2s connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"xmpp.sessions.active",
		metric.WithDescription("Number of bound sessions, detached ones included"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	// Initialize histograms
	m.stanzaSize, err = m.meter.Int64Histogram(
		"xmpp.stanza.size.bytes",
		metric.WithDescription("Inbound stanza size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stanzaSize histogram: %w", err)
	}

	m.resumeDuration, err = m.meter.Float64Histogram(
		"xmpp.sm.resume.duration.ms",
		metric.WithDescription("Resumption handling duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resumeDuration histogram: %w", err)
	}

	return m, nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(transport string) {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
	))
	m.connectionsCurrent.Add(ctx, 1)
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

// RecordStanzaReceived records a stanza received from a client.
func (m *Metrics) RecordStanzaReceived(kind string, sizeBytes int64) {
	ctx := context.Background()
	m.stanzasReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
	m.stanzaSize.Record(ctx, sizeBytes)
}

// RecordStanzaSent records a stanza delivered to a local session.
func (m *Metrics) RecordStanzaSent(kind string) {
	m.stanzasSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordSessionBound records a newly bound session.
func (m *Metrics) RecordSessionBound() {
	m.sessionsActive.Add(context.Background(), 1)
}

// RecordSessionReleased records a session closed for good.
func (m *Metrics) RecordSessionReleased() {
	m.sessionsActive.Add(context.Background(), -1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}

// RecordResumeDuration records how long a resumption request took.
func (m *Metrics) RecordResumeDuration(durationMs float64) {
	m.resumeDuration.Record(context.Background(), durationMs)
}

func (m *Metrics) RecordEnabled(resume bool) {
	m.smEnabled.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("resume", resume),
	))
}

func (m *Metrics) RecordResumed() {
	m.smResumed.Add(context.Background(), 1)
}

func (m *Metrics) RecordResumeFailed(condition string) {
	m.smResumeFailed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("condition", condition),
	))
}

func (m *Metrics) RecordOverflow() {
	m.smOverflows.Add(context.Background(), 1)
}

func (m *Metrics) RecordProtocolViolation() {
	m.smViolations.Add(context.Background(), 1)
}

func (m *Metrics) RecordDetached() {
	m.smDetached.Add(context.Background(), 1)
}

func (m *Metrics) RecordRedelivery(routed, dropped int) {
	ctx := context.Background()
	if routed > 0 {
		m.smRedelivered.Add(ctx, int64(routed))
	}
	if dropped > 0 {
		m.smRedeliveryDropped.Add(ctx, int64(dropped))
	}
}
