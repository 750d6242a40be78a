// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth authenticates c2s streams with SASL PLAIN and ANONYMOUS.
package auth

import (
	"bytes"
	"crypto/subtle"
	"errors"

	"github.com/absmach/fluxxmpp/xmpp/jid"
)

// Supported SASL mechanisms.
const (
	MechanismPlain     = "PLAIN"
	MechanismAnonymous = "ANONYMOUS"
)

var (
	ErrMechanismUnsupported = errors.New("sasl mechanism not supported")
	ErrMalformedRequest     = errors.New("malformed sasl request")
	ErrNotAuthorized        = errors.New("not authorized")
)

// Token is the authentication context attached to a stream once SASL
// succeeds.
type Token struct {
	Username  string
	Anonymous bool
}

// Address reconstructs the full address a resource of this token binds to.
// Anonymous users have no account, so the resource doubles as the local
// part.
func (t *Token) Address(domain, resource string) jid.JID {
	if t.Anonymous {
		return jid.New(resource, domain, resource)
	}
	return jid.New(t.Username, domain, resource)
}

// Authenticator checks credentials against a static user table.
type Authenticator struct {
	users          map[string]string
	allowAnonymous bool
}

// NewAuthenticator creates an authenticator for the given username to
// password table.
func NewAuthenticator(users map[string]string, allowAnonymous bool) *Authenticator {
	u := make(map[string]string, len(users))
	for k, v := range users {
		u[k] = v
	}
	return &Authenticator{users: u, allowAnonymous: allowAnonymous}
}

// Mechanisms lists the mechanisms offered in stream features.
func (a *Authenticator) Mechanisms() []string {
	mechs := []string{MechanismPlain}
	if a.allowAnonymous {
		mechs = append(mechs, MechanismAnonymous)
	}
	return mechs
}

// Authenticate runs a single-step SASL exchange. payload is the decoded
// initial response.
func (a *Authenticator) Authenticate(mechanism string, payload []byte) (*Token, error) {
	switch mechanism {
	case MechanismPlain:
		return a.plain(payload)
	case MechanismAnonymous:
		if !a.allowAnonymous {
			return nil, ErrMechanismUnsupported
		}
		return &Token{Anonymous: true}, nil
	default:
		return nil, ErrMechanismUnsupported
	}
}

// plain handles RFC 4616 messages: [authzid] NUL authcid NUL passwd.
func (a *Authenticator) plain(payload []byte) (*Token, error) {
	parts := bytes.Split(payload, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return nil, ErrMalformedRequest
	}
	authzid, user, pass := string(parts[0]), string(parts[1]), parts[2]
	if authzid != "" && authzid != user {
		if j, err := jid.Parse(authzid); err != nil || j.Local != user {
			return nil, ErrNotAuthorized
		}
	}

	want, ok := a.users[user]
	if !ok || subtle.ConstantTimeCompare([]byte(want), pass) != 1 {
		return nil, ErrNotAuthorized
	}
	return &Token{Username: user}, nil
}
