// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/fluxxmpp/config"
	"github.com/absmach/fluxxmpp/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "session", "alice@example.com/phone")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "alice@example.com/phone", rec["session"])

	buf.Reset()
	newLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf).Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestOpenStore(t *testing.T) {
	mem, err := openStore(config.StorageConfig{Type: "memory", MaxOfflinePerUser: 1})
	require.NoError(t, err)
	defer mem.Close()

	msg := &storage.Message{To: "bob@example.com", From: "alice@example.com/phone", Payload: []byte("<message/>")}
	require.NoError(t, mem.Store(msg))
	assert.ErrorIs(t, mem.Store(msg.Copy()), storage.ErrQuotaExceeded)

	disk, err := openStore(config.StorageConfig{Type: "badger", BadgerDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, disk.Close())

	_, err = openStore(config.StorageConfig{Type: "etcd"})
	assert.ErrorContains(t, err, `unknown storage type "etcd"`)
}

func TestConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.StreamManagement.Enabled = false
	cfg.StreamManagement.DetachTimeout = 42 * time.Second
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.Resume.Burst = 7

	smc := smConfig(cfg.StreamManagement)
	assert.False(t, smc.Active)
	assert.Equal(t, 42*time.Second, smc.DetachTimeout)
	assert.Equal(t, cfg.StreamManagement.MaxUnacked, smc.MaxUnacked)
	assert.Equal(t, cfg.StreamManagement.Location, smc.Location)

	rl := rateLimitConfig(cfg.RateLimit)
	assert.True(t, rl.Enabled)
	assert.Equal(t, 7, rl.Resume.Burst)
	assert.Equal(t, cfg.RateLimit.Connection.CleanupInterval, rl.Connection.CleanupInterval)
}

func TestInstanceID(t *testing.T) {
	assert.NotEmpty(t, instanceID())
}
