// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"

	"github.com/absmach/fluxxmpp/session"
)

// ErrShuttingDown is reported to streams opened after Close.
var ErrShuttingDown = errors.New("server is shutting down")

// Service is the c2s entry point transport servers hand connections to.
type Service interface {
	// HandleConnection serves one stream until it ends. It returns when the
	// connection is closed or ctx is cancelled.
	HandleConnection(ctx context.Context, conn session.Conn, transport string)

	Close() error
}

// Metrics receives broker-level measurements.
type Metrics interface {
	RecordConnection(transport string)
	RecordDisconnection(reason string)
	RecordStanzaReceived(kind string, sizeBytes int64)
	RecordStanzaSent(kind string)
	RecordSessionBound()
	RecordSessionReleased()
	RecordError(errorType string)
	RecordResumeDuration(durationMs float64)
}

type nopMetrics struct{}

func (nopMetrics) RecordConnection(string)           {}
func (nopMetrics) RecordDisconnection(string)        {}
func (nopMetrics) RecordStanzaReceived(string, int64) {}
func (nopMetrics) RecordStanzaSent(string)           {}
func (nopMetrics) RecordSessionBound()               {}
func (nopMetrics) RecordSessionReleased()            {}
func (nopMetrics) RecordError(string)                {}
func (nopMetrics) RecordResumeDuration(float64)      {}
