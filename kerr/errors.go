// Package kerr centralizes the sentinel errors shared across KScope's core
// packages (wire, crypto, transport, device, session). Keeping one taxonomy
// here lets the data plane and the supervisor distinguish "drop and count"
// conditions from "fatal, tear down" conditions with errors.Is, without each
// package inventing its own near-duplicate error value.
package kerr

import "errors"

var (
	// ErrMalformedFrame covers truncated buffers, bad versions, unknown
	// kinds, and payloads shorter than their kind requires.
	ErrMalformedFrame = errors.New("kscope: malformed frame")

	// ErrAuthFailed covers AEAD tag verification failures, both during
	// the handshake and in steady-state transport decryption.
	ErrAuthFailed = errors.New("kscope: authentication failed")

	// ErrReplayOld marks a nonce at or below the trailing edge of the
	// replay window.
	ErrReplayOld = errors.New("kscope: nonce too old")

	// ErrReplayDuplicate marks a nonce inside the window whose bit is
	// already set.
	ErrReplayDuplicate = errors.New("kscope: nonce already seen")

	// ErrInvalidState covers handshake engine operations invoked outside
	// the phase that permits them.
	ErrInvalidState = errors.New("kscope: invalid handshake state")

	// ErrDeviceClosed is returned by the virtual L3 adapter once torn
	// down.
	ErrDeviceClosed = errors.New("kscope: device closed")

	// ErrSocketClosed is returned by transport I/O once the UDP socket
	// has been closed.
	ErrSocketClosed = errors.New("kscope: socket closed")

	// ErrHandshakeTimeout marks a single handshake attempt exceeding its
	// deadline; the supervisor retries up to its attempt policy, then
	// treats the session as failed.
	ErrHandshakeTimeout = errors.New("kscope: handshake attempt timed out")

	// ErrConfigInvalid marks a startup-time configuration problem.
	ErrConfigInvalid = errors.New("kscope: invalid configuration")

	// ErrNonceExhausted marks the send counter reaching 2^64-1; the spec
	// requires this be detected rather than allowed to wrap.
	ErrNonceExhausted = errors.New("kscope: send nonce space exhausted")
)
