// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxxmpp/broker/events"
	"github.com/absmach/fluxxmpp/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSender implements Sender for testing.
type mockSender struct {
	mu          sync.Mutex
	sendCount   atomic.Int32
	sendFunc    func(ctx context.Context) error
	lastURL     string
	lastPayload []byte
}

func newMockSender() *mockSender {
	return &mockSender{sendFunc: func(context.Context) error { return nil }}
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.sendCount.Add(1)
	m.mu.Lock()
	m.lastURL = url
	m.lastPayload = payload
	fn := m.sendFunc
	m.mu.Unlock()
	return fn(ctx)
}

func (m *mockSender) count() int {
	return int(m.sendCount.Load())
}

func (m *mockSender) payload() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPayload
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     1,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     time.Minute,
			},
		},
		Endpoints: endpoints,
	}
}

func bound(addr string) events.SessionBound {
	return events.SessionBound{JID: addr, StreamID: "s1", Transport: "tcp", RemoteAddr: "127.0.0.1:4000"}
}

func TestNewNotifier(t *testing.T) {
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://example.com/hook"}), "xmpp-1", newMockSender(), testLogger())
	require.NoError(t, err)
	defer n.Close()

	assert.Len(t, n.endpoints, 1)
	assert.Contains(t, n.breakers, "audit")
}

func TestNewNotifier_NilSender(t *testing.T) {
	_, err := NewNotifier(testConfig(), "xmpp-1", nil, nil)
	assert.Error(t, err)
}

func TestNotifier_Notify(t *testing.T) {
	sender := newMockSender()
	n, err := NewNotifier(testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://example.com/hook"}), "xmpp-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), bound("alice@example.com/phone")))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	var env struct {
		EventType string         `json:"event_type"`
		EventID   string         `json:"event_id"`
		ServerID  string         `json:"server_id"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sender.payload(), &env))
	assert.Equal(t, events.TypeSessionBound, env.EventType)
	assert.Equal(t, "xmpp-1", env.ServerID)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "alice@example.com/phone", env.Data["jid"])
}

func TestNotifier_Filters(t *testing.T) {
	sender := newMockSender()
	cfg := testConfig(config.WebhookEndpoint{
		Name:      "alice-only",
		URL:       "http://example.com/hook",
		Events:    []string{events.TypeSessionBound, events.TypeSessionClosed},
		Addresses: []string{"alice@example.com"},
	})
	n, err := NewNotifier(cfg, "xmpp-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, bound("alice@example.com/phone")))
	require.NoError(t, n.Notify(ctx, bound("bob@example.com/phone")))
	require.NoError(t, n.Notify(ctx, events.SessionDetached{JID: "alice@example.com/phone", Pending: 2}))
	require.NoError(t, n.Notify(ctx, events.SessionClosed{JID: "alice@example.com/phone", Reason: events.ReasonGraceful}))

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sender.count())
}

func TestNotifier_Retry(t *testing.T) {
	sender := newMockSender()
	var calls atomic.Int32
	sender.sendFunc = func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("unavailable")
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://example.com/hook"})
	cfg.Defaults.Retry.MaxAttempts = 3
	n, err := NewNotifier(cfg, "xmpp-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), bound("alice@example.com/phone")))
	require.Eventually(t, func() bool { return sender.count() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestNotifier_CircuitBreakerOpens(t *testing.T) {
	sender := newMockSender()
	sender.sendFunc = func(context.Context) error { return errors.New("down") }

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://example.com/hook"})
	cfg.Workers = 1
	cfg.Defaults.CircuitBreaker.FailureThreshold = 2
	n, err := NewNotifier(cfg, "xmpp-1", sender, testLogger())
	require.NoError(t, err)
	defer n.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), bound("alice@example.com/phone")))
	}
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, sender.count(), "open breaker must short-circuit sends")
}

func TestNotifier_QueueOverflow_DropOldest(t *testing.T) {
	sender := newMockSender()
	release := make(chan struct{})
	sender.sendFunc = func(ctx context.Context) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	cfg := testConfig(config.WebhookEndpoint{Name: "audit", URL: "http://example.com/hook"})
	cfg.Workers = 1
	cfg.QueueSize = 2
	n, err := NewNotifier(cfg, "xmpp-1", sender, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, bound("alice@example.com/a")))
	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)

	for _, r := range []string{"b", "c", "d"} {
		require.NoError(t, n.Notify(ctx, bound("alice@example.com/"+r)))
	}
	assert.Len(t, n.eventQueue, 2)
	first := <-n.eventQueue
	assert.Equal(t, "alice@example.com/c", first.event.Address())

	close(release)
	n.Close()
}

func TestAddressMatches(t *testing.T) {
	tests := []struct {
		filter  string
		address string
		want    bool
	}{
		{"*", "alice@example.com/phone", true},
		{"example.com", "alice@example.com/phone", true},
		{"example.org", "alice@example.com/phone", false},
		{"alice@example.com", "alice@example.com/phone", true},
		{"alice@example.com", "alice@example.com", true},
		{"alice@example.com", "bob@example.com/phone", false},
		{"alice@example.com/phone", "alice@example.com/phone", true},
		{"alice@example.com/phone", "alice@example.com/laptop", false},
		{"alice@example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.address, func(t *testing.T) {
			assert.Equal(t, tt.want, addressMatches(tt.filter, tt.address))
		})
	}
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{InitialInterval: time.Second, MaxInterval: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, 2*time.Second, retryDelay(1, cfg))
	assert.Equal(t, 4*time.Second, retryDelay(2, cfg))
	assert.Equal(t, 5*time.Second, retryDelay(3, cfg))
}

func TestNotifier_GracefulShutdown(t *testing.T) {
	n, err := NewNotifier(testConfig(), "xmpp-1", newMockSender(), testLogger())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		n.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
}
