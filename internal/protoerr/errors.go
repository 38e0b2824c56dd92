// SPDX-FileCopyrightText: (C) 2025 Red Hat Inc.
// SPDX-License-Identifier: Apache 2.0

// Package protoerr defines the typed error kinds shared across the
// handshake, session, OTA, and pub/sub layers, so callers can distinguish
// failure classes with errors.As regardless of which layer produced them.
package protoerr

import "fmt"

// Kind enumerates the distinct failure classes named in the protocol
// design. Each is surfaced to callers wrapped in an *Error.
type Kind string

const (
	KindHandshakeTimeout       Kind = "handshake_timeout"
	KindHandshakeDecrypt       Kind = "handshake_decrypt"
	KindHandshakeNonceMismatch Kind = "handshake_nonce_mismatch"
	KindHandshakeUnknownDevice Kind = "handshake_unknown_device"
	KindSessionCounterMismatch Kind = "session_counter_mismatch"
	KindSessionFrameOversize   Kind = "session_frame_oversize"
	KindSessionIO              Kind = "session_io"
	KindOtaClaimDenied         Kind = "ota_claim_denied"
	KindOtaBeginTimeout        Kind = "ota_begin_timeout"
	KindOtaAborted             Kind = "ota_aborted"
	KindOtaChunkReceivedFail   Kind = "ota_chunk_received_fail"
	KindOtaMissedChunkFlood    Kind = "ota_missed_chunk_flood"
	KindOtaTimeout             Kind = "ota_timeout"
	KindPubSubResponseTimeout  Kind = "pubsub_response_timeout"
)

// Error is the concrete error type for every Kind above. Stage carries the
// operation name in progress (e.g. "read-core-id", "send-loop") and Reason
// is set for KindOtaAborted to carry the device-reported abort reason byte.
type Error struct {
	Kind   Kind
	Stage  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s: %s (reason=%s)", e.Kind, e.Stage, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Stage)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, &Error{Kind: KindHandshakeTimeout}) works without requiring
// Stage/Err to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind and stage, wrapping err.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Aborted constructs the KindOtaAborted error carrying the device's reason.
func Aborted(stage, reason string) *Error {
	return &Error{Kind: KindOtaAborted, Stage: stage, Reason: reason}
}
