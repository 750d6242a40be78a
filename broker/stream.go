// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/absmach/fluxxmpp/broker/events"
	"github.com/absmach/fluxxmpp/session"
	"github.com/absmach/fluxxmpp/xmpp/auth"
	"github.com/absmach/fluxxmpp/xmpp/jid"
	"github.com/absmach/fluxxmpp/xmpp/sm"
	"github.com/absmach/fluxxmpp/xmpp/stanza"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const smNamespacePrefix = "urn:xmpp:sm:"

// stream is the state of one c2s connection. All fields are owned by the
// goroutine running HandleConnection.
type stream struct {
	b         *Broker
	ctx       context.Context
	conn      session.Conn
	transport string
	logger    *slog.Logger

	// sess is the logical session currently fed by this connection. A
	// successful resume replaces it with the resumed session.
	sess          *session.Session
	opened        bool
	authenticated bool
	available     bool
}

// run reads elements until the stream ends and returns the close reason.
func (s *stream) run() string {
	for {
		if s.b.cfg.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.b.cfg.ReadTimeout))
		}

		el, err := s.conn.ReadElement()
		if err != nil {
			if errors.Is(err, session.ErrStreamClosed) {
				if s.sess != nil {
					s.sess.StreamManager().FormalClose()
				}
				s.conn.CloseStream()
				s.finish(true)
				return events.ReasonGraceful
			}
			s.logger.Debug("stream read failed", slog.String("error", err.Error()))
			s.finish(false)
			return events.ReasonError
		}

		if !s.handle(el) {
			s.finish(false)
			return events.ReasonError
		}
	}
}

// handle dispatches one top-level element. It returns false once the
// stream has been terminated.
func (s *stream) handle(el *stanza.Element) bool {
	switch {
	case el.Is(stanza.NSStream, "stream"):
		return s.open(el)
	case !s.opened:
		return s.fail("not-well-formed", "stream not open")
	case el.Name.Space == stanza.NSSASL:
		return s.handleSASL(el)
	case strings.HasPrefix(el.Name.Space, smNamespacePrefix):
		return s.handleSM(el)
	case stanza.KindOf(el) != stanza.KindUnknown:
		return s.handleStanza(el)
	default:
		return s.fail("unsupported-stanza-type", "")
	}
}

// open answers a stream header, sent initially and again after SASL.
func (s *stream) open(header *stanza.Element) bool {
	domain := s.b.cfg.Domain
	id := uuid.NewString()

	if s.sess == nil {
		s.sess = session.New(s.conn, id, session.Options{
			SM:     s.b.cfg.SM,
			Table:  s.b.table,
			Logger: s.b.logger,
		})
	} else {
		if s.sess.IsBound() {
			return s.fail("policy-violation", "stream restart after bind")
		}
		s.sess.SetStreamID(id)
	}

	if err := s.conn.OpenStream(domain, id); err != nil {
		return false
	}
	s.opened = true

	if to := header.Attr("to"); to != "" && !strings.EqualFold(to, domain) {
		return s.fail("host-unknown", "")
	}

	if !s.authenticated {
		mechs := stanza.New(stanza.NSSASL, "mechanisms")
		for _, m := range s.b.auth.Mechanisms() {
			mechs.AddChild(stanza.New(stanza.NSSASL, "mechanism").SetText(m))
		}
		return s.write(stanza.Features(mechs))
	}

	features := []*stanza.Element{
		stanza.New(stanza.NSBind, "bind"),
		stanza.New(stanza.NSSession, "session").AddChild(stanza.New(stanza.NSSession, "optional")),
	}
	if s.b.cfg.SM.Active {
		features = append(features, stanza.New(sm.NSv2, "sm"), stanza.New(sm.NSv3, "sm"))
	}
	return s.write(stanza.Features(features...))
}

func (s *stream) handleSASL(el *stanza.Element) bool {
	switch el.Name.Local {
	case "auth":
	case "abort":
		return s.saslFailure("aborted")
	default:
		return s.saslFailure("malformed-request")
	}
	if s.authenticated {
		return s.fail("policy-violation", "already authenticated")
	}

	payload, err := decodeSASL(el.Text)
	if err != nil {
		return s.saslFailure("incorrect-encoding")
	}

	tok, err := s.b.auth.Authenticate(el.Attr("mechanism"), payload)
	if err != nil {
		s.b.stats.IncrementAuthErrors()
		s.logger.Info("authentication failed",
			slog.String("mechanism", el.Attr("mechanism")),
			slog.String("error", err.Error()))
		switch {
		case errors.Is(err, auth.ErrMechanismUnsupported):
			return s.saslFailure("invalid-mechanism")
		case errors.Is(err, auth.ErrMalformedRequest):
			return s.saslFailure("malformed-request")
		default:
			return s.saslFailure("not-authorized")
		}
	}

	s.sess.Authenticate(tok)
	s.authenticated = true
	if !s.write(stanza.New(stanza.NSSASL, "success").String()) {
		return false
	}
	// The client opens a fresh stream on the same connection.
	s.conn.Restart()
	s.logger.Debug("authenticated",
		slog.String("user", tok.Username),
		slog.Bool("anonymous", tok.Anonymous))
	return true
}

// decodeSASL decodes an initial response; "=" stands for an empty one.
func decodeSASL(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" || text == "=" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(text)
}

func (s *stream) saslFailure(condition string) bool {
	failure := stanza.New(stanza.NSSASL, "failure").AddChild(stanza.New(stanza.NSSASL, condition))
	return s.write(failure.String())
}

func (s *stream) handleSM(el *stanza.Element) bool {
	if el.Name.Local == "resume" {
		return s.handleResume(el)
	}

	if _, err := s.sess.StreamManager().Handle(el); err != nil {
		return s.violation(err)
	}
	return true
}

func (s *stream) handleResume(el *stanza.Element) bool {
	if s.b.limiter != nil && !s.b.limiter.AllowResume(s.resumeKey()) {
		s.b.stats.IncrementRateLimited()
		s.b.stats.IncrementResumeFailures()
		s.b.metrics.RecordError("resume_rate_limited")
		ns := el.Name.Space
		if !sm.SupportedNamespace(ns) {
			ns = sm.NSv3
		}
		return s.write(sm.FailedElement(ns, sm.CondPolicyViolation).String())
	}

	start := time.Now()
	var span trace.Span
	if s.b.tracer != nil {
		_, span = s.b.tracer.Start(s.ctx, "xmpp.sm.resume",
			trace.WithAttributes(
				attribute.String("xmpp.sm.namespace", el.Name.Space),
				attribute.String("xmpp.transport", s.transport),
			))
		defer span.End()
	}

	target, err := s.sess.StreamManager().Handle(el)
	s.b.metrics.RecordResumeDuration(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		return s.violation(err)
	}
	if target == nil {
		s.b.stats.IncrementResumeFailures()
		if span != nil {
			span.SetStatus(codes.Error, "resumption rejected")
		}
		return true
	}

	resumed, ok := target.(*session.Session)
	if !ok {
		return s.fail("internal-server-error", "")
	}
	s.sess = resumed
	s.authenticated = true
	s.available = true

	addr := resumed.Address().String()
	s.b.stats.IncrementSessionsResumed()
	if span != nil {
		span.SetAttributes(attribute.String("xmpp.jid", addr))
	}
	s.b.notify(events.SessionResumed{
		JID:        addr,
		StreamID:   resumed.StreamID(),
		Replayed:   resumed.StreamManager().Pending(),
		RemoteAddr: remoteAddr(s.conn),
	})
	return true
}

// resumeKey throttles resumption per account, or per remote IP when the
// stream has no account.
func (s *stream) resumeKey() string {
	if tok := s.sess.Auth(); tok != nil && !tok.Anonymous {
		return tok.Username
	}
	if addr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return remoteAddr(s.conn)
}

// violation terminates the stream after a fatal stream management error.
func (s *stream) violation(err error) bool {
	s.b.stats.IncrementProtocolErrors()
	s.b.metrics.RecordError("sm_violation")

	var pv *sm.ProtocolViolation
	if errors.As(err, &pv) {
		return s.fail(pv.Condition, pv.Text)
	}
	return s.fail(sm.CondUndefined, err.Error())
}

func (s *stream) handleStanza(el *stanza.Element) bool {
	kind := stanza.KindOf(el)
	if kind == stanza.KindIQ && el.HasChild(stanza.NSBind, "bind") && !s.sess.IsBound() {
		return s.handleBind(el)
	}
	if !s.sess.IsBound() {
		return s.fail("not-authorized", "")
	}

	s.sess.StreamManager().OnInboundStanza()
	s.b.stats.IncrementStanzasReceived()
	s.b.metrics.RecordStanzaReceived(kind.String(), int64(len(el.String())))

	addr := s.sess.Address()
	if s.b.limiter != nil && !s.b.limiter.AllowStanza(addr.String()) {
		s.b.stats.IncrementRateLimited()
		s.b.metrics.RecordError("stanza_rate_limited")
		if el.Attr("type") != "error" && kind != stanza.KindPresence {
			s.sess.Deliver(stanza.ErrorReply(el, "wait", "policy-violation"))
		}
		return true
	}

	el.SetAttr("from", addr.String())
	to := el.Attr("to")
	if to == "" || strings.EqualFold(to, s.b.cfg.Domain) {
		s.handleLocal(el, kind)
		return true
	}
	if kind == stanza.KindIQ && to == addr.Bare().String() {
		s.handleLocal(el, kind)
		return true
	}

	s.b.router.Route(el)
	return true
}

func (s *stream) handleBind(iq *stanza.Element) bool {
	if !s.authenticated {
		return s.fail("not-authorized", "")
	}
	if iq.Attr("type") != "set" {
		return s.write(stanza.ErrorReply(iq, "modify", "bad-request").String())
	}

	tok := s.sess.Auth()
	resource := ""
	if r := iq.Child(stanza.NSBind, "bind").Child(stanza.NSBind, "resource"); r != nil {
		resource = strings.TrimSpace(r.Text)
	}
	if resource == "" || tok.Anonymous {
		resource = uuid.NewString()
	}
	addr := tok.Address(s.b.cfg.Domain, resource)
	if _, err := jid.Parse(addr.String()); err != nil {
		return s.write(stanza.ErrorReply(iq, "modify", "bad-request").String())
	}

	s.sess.Bind(addr)
	if old := s.b.table.Add(s.sess); old != nil {
		s.b.replace(old)
	}

	reply := stanza.IQResult(iq).AddChild(
		stanza.New(stanza.NSBind, "bind").AddChild(
			stanza.New(stanza.NSBind, "jid").SetText(addr.String())))
	s.sess.DeliverRawText(reply.String())

	s.b.stats.IncrementSessionsBound()
	s.b.metrics.RecordSessionBound()
	s.b.notify(events.SessionBound{
		JID:        addr.String(),
		StreamID:   s.sess.StreamID(),
		Transport:  s.transport,
		Anonymous:  tok.Anonymous,
		RemoteAddr: remoteAddr(s.conn),
	})
	s.logger.Info("session bound", slog.String("address", addr.String()))
	return true
}

// handleLocal answers stanzas addressed to the server or to the sender's
// own account.
func (s *stream) handleLocal(el *stanza.Element, kind stanza.Kind) {
	switch kind {
	case stanza.KindIQ:
		switch el.Attr("type") {
		case "get", "set":
		default:
			return
		}
		if el.HasChild(stanza.NSPing, "ping") || el.HasChild(stanza.NSSession, "session") {
			s.sess.Deliver(stanza.IQResult(el))
			return
		}
		s.sess.Deliver(stanza.ErrorReply(el, "cancel", "service-unavailable"))

	case stanza.KindPresence:
		// Initial available presence releases stored offline messages.
		if el.Attr("type") == "" && !s.available {
			s.available = true
			if n := s.b.router.FlushOffline(s.sess, s.b.cfg.OfflineFlushLimit); n > 0 {
				s.b.stats.AddOfflineFlushed(n)
			}
		}
	}
}

// fail sends a stream error and closes the connection. It always returns
// false.
func (s *stream) fail(condition, text string) bool {
	s.logger.Debug("closing stream with error",
		slog.String("condition", condition),
		slog.String("text", text))

	if s.sess != nil && s.sess.Conn() == s.conn {
		s.sess.CloseWithError(condition, text)
		return false
	}
	if !s.opened {
		s.conn.OpenStream(s.b.cfg.Domain, uuid.NewString())
	}
	s.conn.WriteRaw(stanza.StreamError(condition, text))
	s.conn.CloseStream()
	s.conn.Close()
	return false
}

func (s *stream) write(text string) bool {
	if err := s.conn.WriteRaw(text); err != nil {
		s.logger.Debug("write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// finish reports the connection loss to the current session and accounts
// for the outcome.
func (s *stream) finish(graceful bool) {
	defer s.conn.Close()
	if s.sess == nil {
		return
	}

	bound := s.sess.IsBound()
	addr := s.sess.Address().String()
	pending := s.sess.StreamManager().Pending()

	outcome := s.sess.ConnectionClosed(s.conn, graceful, s.b.router)
	switch outcome {
	case sm.Detached:
		s.b.stats.IncrementSessionsDetached()
		s.b.notify(events.SessionDetached{JID: addr, Pending: pending})
	case sm.Closed:
		if bound {
			reason := events.ReasonError
			if graceful {
				reason = events.ReasonGraceful
			}
			s.b.sessionEnded(s.sess, reason)
		}
	}

	s.logger.Debug("stream ended",
		slog.String("address", addr),
		slog.Bool("graceful", graceful),
		slog.String("outcome", outcome.String()))
}
