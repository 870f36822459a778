// Package transport implements the secure transport (C4): post-handshake
// AEAD frame encryption and decryption, the monotone send nonce, and the
// receive-side replay window.
package transport

import (
	"fmt"

	"github.com/kscope-vpn/kscope/crypto"
)

// maxNonce is the counter value at which Encrypt refuses with
// ErrNonceExhausted, so the last nonce ever used is maxNonce-1; the spec
// requires detecting exhaustion rather than allowing the 64-bit counter
// to wrap.
const maxNonce = ^uint64(0)

// SendHalf owns the send key and the monotone send nonce. Per §5's
// concurrency model, it is held exclusively by the egress direction so no
// mutual exclusion is needed between egress and ingress.
type SendHalf struct {
	aead  *crypto.AEAD
	nonce uint64
}

// Encrypt implements §4.4.2: it assigns the current send nonce, advances
// it, and seals plaintext with empty associated data.
func (s *SendHalf) Encrypt(plaintext []byte) (nonce uint64, ciphertext []byte, err error) {
	if s.nonce == maxNonce {
		return 0, nil, errNonceExhausted
	}
	n := s.nonce
	s.nonce++
	ciphertext = s.aead.Seal(n, nil, plaintext)
	return n, ciphertext, nil
}

// ReceiveHalf owns the receive key, the highest accepted nonce, and the
// replay window. Held exclusively by the ingress direction.
type ReceiveHalf struct {
	aead   *crypto.AEAD
	window replayWindow
}

// Decrypt implements §4.4.3. The replay window is consulted before the
// AEAD call and updated only after authentication succeeds, so a forged
// packet can never advance the window or mask a genuine later duplicate.
func (r *ReceiveHalf) Decrypt(nonce uint64, ciphertext []byte) ([]byte, error) {
	if err := r.window.accept(nonce); err != nil {
		return nil, err
	}
	plaintext, err := r.aead.Open(nonce, nil, ciphertext)
	if err != nil {
		return nil, errAuthFailed
	}
	r.window.advance(nonce)
	return plaintext, nil
}

// Session is the transport session: exactly one exists per completed
// handshake, created here. It has no teardown method: its keys live in the
// two AEAD ciphers and are not explicitly zeroed when it is discarded.
type Session struct {
	Send    *SendHalf
	Receive *ReceiveHalf
}

// NewSession builds a transport session from a completed handshake's
// derived keys. The caller (the session supervisor) owns discarding the
// crypto.TransportSession afterward; this constructor does not retain it.
func NewSession(ts *crypto.TransportSession) (*Session, error) {
	sendAEAD, err := crypto.NewAEAD(ts.SendKey)
	if err != nil {
		return nil, fmt.Errorf("transport: construct send cipher: %w", err)
	}
	recvAEAD, err := crypto.NewAEAD(ts.ReceiveKey)
	if err != nil {
		return nil, fmt.Errorf("transport: construct receive cipher: %w", err)
	}
	return &Session{
		Send:    &SendHalf{aead: sendAEAD},
		Receive: &ReceiveHalf{aead: recvAEAD},
	}, nil
}
