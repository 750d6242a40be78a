// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stanza

import (
	"strings"
	"time"
)

// Kind is the top-level shape of a stanza.
type Kind int

const (
	KindUnknown Kind = iota
	KindMessage
	KindPresence
	KindIQ
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindPresence:
		return "presence"
	case KindIQ:
		return "iq"
	default:
		return "unknown"
	}
}

// KindOf classifies an element. Only elements in the client namespace (or
// with no namespace, as produced by Parse on a bare fragment) are stanzas.
func KindOf(e *Element) Kind {
	if e == nil || (e.Name.Space != NSClient && e.Name.Space != "") {
		return KindUnknown
	}
	switch e.Name.Local {
	case "message":
		return KindMessage
	case "presence":
		return KindPresence
	case "iq":
		return KindIQ
	default:
		return KindUnknown
	}
}

// IsMessage reports whether e is a message stanza.
func IsMessage(e *Element) bool {
	return KindOf(e) == KindMessage
}

// DelayStampFormat is the XEP-0082 timestamp layout used in delay annotations.
const DelayStampFormat = "2006-01-02T15:04:05.000Z"

// HasDelay reports whether the stanza already carries a delay annotation.
func HasDelay(e *Element) bool {
	return e.HasChild(NSDelay, "delay")
}

// AddDelay appends a delay annotation stamped with at and attributed to
// from, unless one is already present. It reports whether it added one.
func AddDelay(e *Element, at time.Time, from string) bool {
	if HasDelay(e) {
		return false
	}
	d := New(NSDelay, "delay").SetAttr("stamp", at.UTC().Format(DelayStampFormat))
	if from != "" {
		d.SetAttr("from", from)
	}
	e.AddChild(d)
	return true
}

// ErrorReply turns a copy of st into a stanza error reply of the given type
// and defined condition, swapping the addresses.
func ErrorReply(st *Element, errType, condition string) *Element {
	r := &Element{Name: st.Name}
	for _, a := range st.Attrs {
		if a.Name.Space == "" && (a.Name.Local == "to" || a.Name.Local == "from" || a.Name.Local == "type") {
			continue
		}
		r.Attrs = append(r.Attrs, a)
	}
	if from := st.Attr("from"); from != "" {
		r.SetAttr("to", from)
	}
	if to := st.Attr("to"); to != "" {
		r.SetAttr("from", to)
	}
	r.SetAttr("type", "error")
	r.AddChild(New(st.Name.Space, "error").
		SetAttr("type", errType).
		AddChild(New(NSStanzas, condition)))
	return r
}

// IQResult builds an empty result for the request iq.
func IQResult(iq *Element) *Element {
	r := New(iq.Name.Space, "iq").SetAttr("type", "result")
	if id := iq.Attr("id"); id != "" {
		r.SetAttr("id", id)
	}
	if from := iq.Attr("from"); from != "" {
		r.SetAttr("to", from)
	}
	if to := iq.Attr("to"); to != "" {
		r.SetAttr("from", to)
	}
	return r
}

// StreamError renders a stream-level error. The stream prefix is declared
// inline so the element is valid both inside a TCP stream and as a
// standalone WebSocket frame.
func StreamError(condition, text string) string {
	var b strings.Builder
	b.WriteString("<stream:error xmlns:stream='")
	b.WriteString(NSStream)
	b.WriteString("'>")
	b.WriteString(New(NSStreams, condition).String())
	if text != "" {
		b.WriteString(New(NSStreams, "text").SetText(text).String())
	}
	b.WriteString("</stream:error>")
	return b.String()
}

// Features renders a stream features element around the given children.
func Features(children ...*Element) string {
	var b strings.Builder
	b.WriteString("<stream:features xmlns:stream='")
	b.WriteString(NSStream)
	b.WriteString("'>")
	for _, c := range children {
		b.WriteString(c.String())
	}
	b.WriteString("</stream:features>")
	return b.String()
}
