// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package jid implements XMPP addresses of the form local@domain/resource.
package jid

import (
	"errors"
	"strings"
)

// ErrInvalid is returned when an address cannot be parsed.
var ErrInvalid = errors.New("invalid jid")

// JID is an XMPP address. The zero value is an empty address.
type JID struct {
	Local    string
	Domain   string
	Resource string
}

// New returns an address built from its parts.
func New(local, domain, resource string) JID {
	return JID{Local: local, Domain: strings.ToLower(domain), Resource: resource}
}

// Parse parses the textual form of an address.
func Parse(s string) (JID, error) {
	if s == "" {
		return JID{}, ErrInvalid
	}

	var j JID
	rest := s
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		j.Resource = rest[i+1:]
		rest = rest[:i]
		if j.Resource == "" {
			return JID{}, ErrInvalid
		}
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		j.Local = rest[:i]
		rest = rest[i+1:]
		if j.Local == "" {
			return JID{}, ErrInvalid
		}
	}
	if rest == "" || strings.ContainsAny(rest, "@/") {
		return JID{}, ErrInvalid
	}
	j.Domain = strings.ToLower(rest)

	return j, nil
}

// Bare returns the address without its resource.
func (j JID) Bare() JID {
	return JID{Local: j.Local, Domain: j.Domain}
}

// WithResource returns a copy of j with the given resource.
func (j JID) WithResource(resource string) JID {
	j.Resource = resource
	return j
}

// IsFull reports whether the address carries a resource.
func (j JID) IsFull() bool {
	return j.Resource != ""
}

// IsZero reports whether the address is empty.
func (j JID) IsZero() bool {
	return j.Domain == ""
}

// Equal reports whether two addresses are identical.
func (j JID) Equal(o JID) bool {
	return j == o
}

func (j JID) String() string {
	if j.Domain == "" {
		return ""
	}
	var b strings.Builder
	if j.Local != "" {
		b.WriteString(j.Local)
		b.WriteByte('@')
	}
	b.WriteString(j.Domain)
	if j.Resource != "" {
		b.WriteByte('/')
		b.WriteString(j.Resource)
	}
	return b.String()
}
