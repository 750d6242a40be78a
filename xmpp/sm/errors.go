// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sm

import (
	"errors"
	"fmt"
)

// Defined conditions used in failed replies and stream errors.
const (
	CondUnexpectedRequest     = "unexpected-request"
	CondItemNotFound          = "item-not-found"
	CondFeatureNotImplemented = "feature-not-implemented"
	CondPolicyViolation       = "policy-violation"
	CondUndefined             = "undefined-condition"
)

var (
	ErrFeatureInactive      = errors.New("stream management is not active")
	ErrUnsupportedNamespace = errors.New("unsupported stream management namespace")
	ErrNotBound             = errors.New("session is not bound")
	ErrAlreadyEnabled       = errors.New("stream management already enabled")
	ErrClosed               = errors.New("stream management permanently disabled on this stream")
	ErrNotEnabled           = errors.New("stream management not enabled")
	ErrCapacityExceeded     = errors.New("unacknowledged stanza queue capacity exceeded")
	ErrInvalidToken         = errors.New("invalid resumption token")
	ErrMalformed            = errors.New("malformed stream management element")
)

// ProtocolViolation is fatal for the connection it occurred on. The caller
// closes the connection with a stream error carrying Condition and Text.
type ProtocolViolation struct {
	Condition string
	Text      string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: %s: %s", e.Condition, e.Text)
}

// ResumptionRejected is answered with a failed element on the requesting
// connection. No existing session is modified.
type ResumptionRejected struct {
	Condition string
	Reason    string
}

func (e *ResumptionRejected) Error() string {
	return fmt.Sprintf("resumption rejected: %s: %s", e.Condition, e.Reason)
}

func reject(condition, reason string) *ResumptionRejected {
	return &ResumptionRejected{Condition: condition, Reason: reason}
}

// ConditionOf maps an error returned by a Manager operation to the defined
// condition carried in the failed reply.
func ConditionOf(err error) string {
	var rr *ResumptionRejected
	if errors.As(err, &rr) {
		return rr.Condition
	}
	var pv *ProtocolViolation
	if errors.As(err, &pv) {
		return pv.Condition
	}
	if errors.Is(err, ErrFeatureInactive) {
		return CondFeatureNotImplemented
	}
	return CondUnexpectedRequest
}
