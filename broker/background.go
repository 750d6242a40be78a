// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxxmpp/broker/events"
)

// reapLoop periodically evicts detached sessions that were not resumed in
// time.
func (b *Broker) reapLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.reapDetached()
		case <-b.stopCh:
			return
		}
	}
}

// reapDetached terminates every detached session whose stream manager
// reports it as expired, redelivering its unacknowledged messages. It
// returns the number of sessions terminated.
func (b *Broker) reapDetached() int {
	terminated := 0
	for _, s := range b.table.Detached() {
		mgr := s.StreamManager()
		if !mgr.ShouldTerminate(b.cfg.SM.DetachTimeout) {
			continue
		}
		// Terminate loses to a concurrent resume.
		if !mgr.Terminate(b.router) {
			continue
		}

		terminated++
		b.stats.IncrementSessionsTerminated()
		b.sessionEnded(s, events.ReasonTimeout)
		b.logger.Info("detached session terminated",
			slog.String("address", s.Address().String()),
			slog.Time("detached_since", mgr.DetachedSince()))
	}
	return terminated
}
