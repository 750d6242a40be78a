// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook publishes session lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fluxxmpp/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event without blocking.
	Notify(ctx context.Context, event events.Event) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send delivers a webhook payload to url.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
