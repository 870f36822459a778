package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kscope-vpn/kscope/kerr"
)

func mustKeypair(t *testing.T) Keypair {
	t.Helper()
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

// TestHandshakeAgreement exercises property 5: both sides reach Complete
// and derive matching, opposite-direction keys (S1's happy path).
func TestHandshakeAgreement(t *testing.T) {
	serverStatic := mustKeypair(t)
	clientStatic := mustKeypair(t)
	var psk [KeySize]byte
	copy(psk[:], bytes.Repeat([]byte{0x00}, KeySize))

	initiator, err := NewInitiator(clientStatic, serverStatic.Public, psk)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responder, err := NewResponder(serverStatic, psk)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	msg1, err := initiator.NextOutbound()
	if err != nil {
		t.Fatalf("initiator message 1: %v", err)
	}
	if len(msg1) != message1Len {
		t.Fatalf("message 1 length = %d, want %d", len(msg1), message1Len)
	}

	if err := responder.ProcessInbound(msg1); err != nil {
		t.Fatalf("responder process message 1: %v", err)
	}

	msg2, err := responder.NextOutbound()
	if err != nil {
		t.Fatalf("responder message 2: %v", err)
	}
	if len(msg2) != message2Len {
		t.Fatalf("message 2 length = %d, want %d", len(msg2), message2Len)
	}
	if !responder.IsComplete() {
		t.Fatalf("responder should be complete after sending message 2")
	}

	if err := initiator.ProcessInbound(msg2); err != nil {
		t.Fatalf("initiator process message 2: %v", err)
	}
	if !initiator.IsComplete() {
		t.Fatalf("initiator should be complete after message 2")
	}

	initiatorSession, err := initiator.IntoTransport()
	if err != nil {
		t.Fatalf("initiator into transport: %v", err)
	}
	responderSession, err := responder.IntoTransport()
	if err != nil {
		t.Fatalf("responder into transport: %v", err)
	}

	if initiatorSession.SendKey != responderSession.ReceiveKey {
		t.Fatalf("initiator send key != responder receive key")
	}
	if initiatorSession.ReceiveKey != responderSession.SendKey {
		t.Fatalf("initiator receive key != responder send key")
	}
	if initiatorSession.SendKey == initiatorSession.ReceiveKey {
		t.Fatalf("send and receive keys must differ")
	}
}

// TestHandshakePSKMismatch exercises property 6 and scenario S6 from the
// initiator's side: with mismatched PSKs the initiator rejects message 2
// with ErrAuthFailed and ends Failed. The responder does not detect the
// mismatch: it has no later message to verify and reaches Complete as soon
// as it sends message 2, so this test does not check the responder.
func TestHandshakePSKMismatch(t *testing.T) {
	serverStatic := mustKeypair(t)
	clientStatic := mustKeypair(t)
	var pskA, pskB [KeySize]byte
	for i := range pskA {
		pskA[i] = 0x00
		pskB[i] = 0x01
	}

	initiator, err := NewInitiator(clientStatic, serverStatic.Public, pskA)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responder, err := NewResponder(serverStatic, pskB)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	msg1, err := initiator.NextOutbound()
	if err != nil {
		t.Fatalf("initiator message 1: %v", err)
	}
	if err := responder.ProcessInbound(msg1); err != nil {
		t.Fatalf("responder should accept message 1 regardless of psk: %v", err)
	}

	msg2, err := responder.NextOutbound()
	if err != nil {
		t.Fatalf("responder message 2: %v", err)
	}

	err = initiator.ProcessInbound(msg2)
	if !errors.Is(err, kerr.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed from psk mismatch, got %v", err)
	}
	if !initiator.IsFailed() {
		t.Fatalf("initiator should be Failed after psk mismatch")
	}
}

// TestHandshakeStaticMismatch covers the other half of property 6: an
// initiator that has the wrong idea of the responder's static public key
// never reaches agreement (the "es" DH term diverges immediately).
func TestHandshakeStaticMismatch(t *testing.T) {
	serverStatic := mustKeypair(t)
	wrongStatic := mustKeypair(t)
	clientStatic := mustKeypair(t)
	var psk [KeySize]byte

	initiator, err := NewInitiator(clientStatic, wrongStatic.Public, psk)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responder, err := NewResponder(serverStatic, psk)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	msg1, err := initiator.NextOutbound()
	if err != nil {
		t.Fatalf("initiator message 1: %v", err)
	}
	err = responder.ProcessInbound(msg1)
	if !errors.Is(err, kerr.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed from static key mismatch, got %v", err)
	}
	if !responder.IsFailed() {
		t.Fatalf("responder should be Failed")
	}
}

// TestHandshakeTamperedByte covers the "rewritten handshake byte" half of
// property 6.
func TestHandshakeTamperedByte(t *testing.T) {
	serverStatic := mustKeypair(t)
	clientStatic := mustKeypair(t)
	var psk [KeySize]byte

	initiator, err := NewInitiator(clientStatic, serverStatic.Public, psk)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	responder, err := NewResponder(serverStatic, psk)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}

	msg1, err := initiator.NextOutbound()
	if err != nil {
		t.Fatalf("initiator message 1: %v", err)
	}
	msg1[40] ^= 0xFF

	err = responder.ProcessInbound(msg1)
	if err == nil {
		t.Fatalf("expected error processing tampered message 1")
	}
	if !responder.IsFailed() {
		t.Fatalf("responder should be Failed after tampered message")
	}
}

func TestEngineInvalidState(t *testing.T) {
	serverStatic := mustKeypair(t)
	clientStatic := mustKeypair(t)
	var psk [KeySize]byte

	initiator, err := NewInitiator(clientStatic, serverStatic.Public, psk)
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}

	// Initiator has nothing pending before sending message 1 a second
	// time would be attempted; calling ProcessInbound here is invalid
	// since the initiator is still in Init, not AwaitingReply.
	if err := initiator.ProcessInbound(make([]byte, message2Len)); !errors.Is(err, kerr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	if _, err := initiator.IntoTransport(); !errors.Is(err, kerr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before completion, got %v", err)
	}
}
