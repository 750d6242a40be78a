// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/absmach/fluxxmpp/xmpp/stanza"
)

// Element renders the enabled reply.
func (e *Enabled) Element() *stanza.Element {
	el := stanza.New(e.Namespace, "enabled")
	if !e.Resume {
		return el
	}
	el.SetAttr("resume", "true").SetAttr("id", e.ID)
	if e.Location != "" {
		el.SetAttr("location", e.Location)
	}
	if e.Max > 0 {
		el.SetAttr("max", strconv.Itoa(e.Max))
	}
	return el
}

func requestElement(namespace string) *stanza.Element {
	return stanza.New(namespace, "r")
}

func ackElement(namespace string, h uint32) *stanza.Element {
	return stanza.New(namespace, "a").SetAttr("h", strconv.FormatUint(uint64(h), 10))
}

func resumedElement(namespace, previd string, h uint32) *stanza.Element {
	return stanza.New(namespace, "resumed").
		SetAttr("previd", previd).
		SetAttr("h", strconv.FormatUint(uint64(h), 10))
}

func failedElement(namespace, condition string) *stanza.Element {
	return stanza.New(namespace, "failed").AddChild(stanza.New(stanza.NSStanzas, condition))
}

// FailedElement renders a failed reply; exposed for callers that reject a
// request before it reaches the manager.
func FailedElement(namespace, condition string) *stanza.Element {
	return failedElement(namespace, condition)
}

func parseH(s string) (uint32, error) {
	h, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, ErrMalformed
	}
	return uint32(h), nil
}

func parseBool(s string) bool {
	return s == "true" || s == "1"
}

// Handle dispatches a stream management element read from the owner's
// connection and writes the reply. It returns the resumed session when el
// is a successful resume request, and a *ProtocolViolation when the caller
// must close the connection. Every other failure is answered here.
func (m *Manager) Handle(el *stanza.Element) (Session, error) {
	ns := el.Name.Space
	if !SupportedNamespace(ns) {
		m.malformed(NSv3)
		return nil, nil
	}

	switch el.Name.Local {
	case "enable":
		res, err := m.Enable(ns, parseBool(el.Attr("resume")))
		if err != nil {
			m.logger.Debug("stream management enable rejected",
				slog.String("address", m.owner.Address().String()),
				slog.String("error", err.Error()))
			m.fail(ns, err)
			return nil, nil
		}
		m.metrics.RecordEnabled(res.Resume)
		m.owner.DeliverRawText(res.Element().String())
		m.logger.Debug("stream management enabled",
			slog.String("address", m.owner.Address().String()),
			slog.String("namespace", ns),
			slog.Bool("resume", res.Resume))

	case "resume":
		h, err := parseH(el.Attr("h"))
		if err != nil {
			m.malformed(ns)
			return nil, nil
		}
		target, err := m.Resume(ns, el.Attr("previd"), h)
		if err != nil {
			m.metrics.RecordResumeFailed(ConditionOf(err))
			m.logger.Info("stream resumption failed", slog.String("error", err.Error()))
			m.fail(ns, err)
			return nil, nil
		}
		m.metrics.RecordResumed()
		m.logger.Info("stream resumed",
			slog.String("address", target.Address().String()),
			slog.Uint64("h", uint64(h)))
		return target, nil

	case "r":
		if err := m.OnAckRequest(); err != nil {
			m.fail(ns, err)
		}

	case "a":
		h, err := parseH(el.Attr("h"))
		if err != nil {
			m.malformed(ns)
			return nil, nil
		}
		if err := m.OnAck(h); err != nil {
			var pv *ProtocolViolation
			if errors.As(err, &pv) {
				m.metrics.RecordProtocolViolation()
				m.logger.Warn("invalid acknowledgement",
					slog.String("address", m.owner.Address().String()),
					slog.String("error", err.Error()))
				return nil, err
			}
			m.fail(ns, err)
		}

	default:
		m.malformed(ns)
	}
	return nil, nil
}

// malformed answers an element that cannot be processed. While enabled it
// also disables management for the rest of the connection; entries still
// queued are kept for redelivery on close.
func (m *Manager) malformed(namespace string) {
	m.mu.Lock()
	enabled := m.namespace != ""
	if enabled {
		m.disableLocked()
	}
	m.mu.Unlock()

	if enabled {
		m.logger.Warn("malformed stream management element, disabling",
			slog.String("address", m.owner.Address().String()))
	}
	m.fail(namespace, ErrMalformed)
}

func (m *Manager) fail(namespace string, err error) {
	m.owner.DeliverRawText(failedElement(namespace, ConditionOf(err)).String())
}
