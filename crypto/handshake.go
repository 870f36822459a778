package crypto

import (
	"fmt"

	"github.com/kscope-vpn/kscope/kerr"
)

// Role distinguishes the two ends of a handshake; IK is asymmetric, so the
// two sides run different message sequences.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Phase is the handshake engine's current state. Every operation is valid
// in exactly one phase per role; anything else is ErrInvalidState.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseAwaitingReply
	PhaseAwaitingFinish
	PhaseComplete
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseAwaitingReply:
		return "AwaitingReply"
	case PhaseAwaitingFinish:
		return "AwaitingFinish"
	case PhaseComplete:
		return "Complete"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// message1Len is e(32) || encrypted_s(32+16) || encrypted_empty_payload(16).
const message1Len = 32 + 32 + 16 + 16

// message2Len is e(32) || encrypted_empty_payload(16).
const message2Len = 32 + 16

// Engine drives the Noise IKpsk2 handshake implemented in this file: one
// DH pass mixing a static keypair, an
// ephemeral keypair, and a preshared key into a chaining key, yielding two
// directional AEAD keys on completion. It is a one-shot object: once
// Failed or consumed by IntoTransport, it must be discarded.
type Engine struct {
	role  Role
	phase Phase

	chainKey [KeySize]byte
	hash     [KeySize]byte

	localStatic    Keypair
	localEphemeral Keypair

	remoteStatic    [KeySize]byte
	remoteEphemeral [KeySize]byte

	psk [KeySize]byte

	// symmetricKey/symmetricNonce track the transient cipher state used
	// by EncryptAndHash/DecryptAndHash during the handshake itself, as
	// distinct from the two transport keys extracted at the end.
	symmetricKey   [KeySize]byte
	symmetricNonce uint64
	hasKey         bool
}

// NewInitiator begins a handshake as the side that already knows its
// peer's static public key (the IK pattern's defining asymmetry).
func NewInitiator(localStatic Keypair, remoteStaticPublic, psk [KeySize]byte) (*Engine, error) {
	ephemeral, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate handshake ephemeral: %w", err)
	}
	e := &Engine{
		role:           RoleInitiator,
		phase:          PhaseInit,
		chainKey:       initialChainKey,
		hash:           initialHash,
		localStatic:    localStatic,
		localEphemeral: ephemeral,
		remoteStatic:   remoteStaticPublic,
		psk:            psk,
	}
	e.mixHash(remoteStaticPublic[:])
	return e, nil
}

// NewResponder begins a handshake as the side that learns its peer's
// static public key from the first inbound message.
func NewResponder(localStatic Keypair, psk [KeySize]byte) (*Engine, error) {
	e := &Engine{
		role:        RoleResponder,
		phase:       PhaseInit,
		chainKey:    initialChainKey,
		hash:        initialHash,
		localStatic: localStatic,
		psk:         psk,
	}
	pub := localStatic.Public
	e.mixHash(pub[:])
	return e, nil
}

// IsComplete reports whether the handshake has finished and session keys
// may be extracted.
func (e *Engine) IsComplete() bool { return e.phase == PhaseComplete }

// IsFailed reports whether the engine hit a fatal protocol error and must
// be discarded.
func (e *Engine) IsFailed() bool { return e.phase == PhaseFailed }

// RemoteStatic returns the peer's static public key once it is known: an
// initiator knows it from construction, a responder only after consuming
// message 1. Callers that pin a single expected peer (KScope's
// single-peer model) should compare this against their configured key
// once ok is true, since PSK possession alone does not bind the
// handshake to any particular static key.
func (e *Engine) RemoteStatic() (pub [KeySize]byte, ok bool) {
	switch e.role {
	case RoleInitiator:
		return e.remoteStatic, true
	case RoleResponder:
		if e.phase == PhaseAwaitingFinish || e.phase == PhaseComplete {
			return e.remoteStatic, true
		}
	}
	return pub, false
}

// NextOutbound returns the next protocol message this engine must send, or
// nil if nothing is pending in the current phase. Returns ErrInvalidState
// once the engine has failed.
func (e *Engine) NextOutbound() ([]byte, error) {
	if e.phase == PhaseFailed {
		return nil, kerr.ErrInvalidState
	}
	switch {
	case e.role == RoleInitiator && e.phase == PhaseInit:
		msg, err := e.buildMessage1()
		if err != nil {
			e.fail()
			return nil, err
		}
		e.phase = PhaseAwaitingReply
		return msg, nil
	case e.role == RoleResponder && e.phase == PhaseAwaitingFinish:
		msg, err := e.buildMessage2()
		if err != nil {
			e.fail()
			return nil, err
		}
		e.phase = PhaseComplete
		return msg, nil
	default:
		return nil, nil
	}
}

// ProcessInbound consumes one protocol message appropriate to the current
// phase. AuthFailed and MalformedFrame failures move the engine to Failed;
// InvalidState leaves the engine's phase untouched (the caller passed the
// wrong kind of message at the wrong time, not a cryptographic failure).
func (e *Engine) ProcessInbound(msg []byte) error {
	switch {
	case e.role == RoleResponder && e.phase == PhaseInit:
		if err := e.consumeMessage1(msg); err != nil {
			e.fail()
			return err
		}
		e.phase = PhaseAwaitingFinish
		return nil
	case e.role == RoleInitiator && e.phase == PhaseAwaitingReply:
		if err := e.consumeMessage2(msg); err != nil {
			e.fail()
			return err
		}
		e.phase = PhaseComplete
		return nil
	default:
		return kerr.ErrInvalidState
	}
}

// fail transitions to Failed and zeroes every secret the engine holds.
// The engine must not be used again after this call.
func (e *Engine) fail() {
	e.phase = PhaseFailed
	zero(e.chainKey[:])
	zero(e.localEphemeral.Private[:])
	zero(e.symmetricKey[:])
	zero(e.psk[:])
}

// TransportSession is the product of a completed handshake: two
// directional AEAD keys, with the remaining lifecycle (nonces, replay
// window) owned by the transport package.
type TransportSession struct {
	SendKey    [KeySize]byte
	ReceiveKey [KeySize]byte
}

// IntoTransport consumes a Complete engine and derives the two transport
// keys from the final chaining key via HKDF with k=2. It is only valid
// once IsComplete() is true, and it zeroes the engine's chaining key and
// ephemeral secret afterward so the handshake state cannot be reused or
// inspected.
func (e *Engine) IntoTransport() (*TransportSession, error) {
	if e.phase != PhaseComplete {
		return nil, kerr.ErrInvalidState
	}
	k1, k2 := kdf2(e.chainKey[:], nil)

	session := &TransportSession{}
	if e.role == RoleInitiator {
		session.SendKey, session.ReceiveKey = k1, k2
	} else {
		session.SendKey, session.ReceiveKey = k2, k1
	}

	zero(e.chainKey[:])
	zero(e.localEphemeral.Private[:])
	zero(e.symmetricKey[:])
	zero(e.psk[:])
	e.phase = PhaseFailed // dead end: engine cannot be driven further
	return session, nil
}

// --- Noise symmetric-state helpers ---

func (e *Engine) mixHash(data []byte) {
	mixHash(&e.hash, data)
}

func (e *Engine) mixKey(inputKeyMaterial []byte) {
	e.chainKey = kdf1(e.chainKey[:], inputKeyMaterial)
	e.hasKey = true
	e.symmetricNonce = 0
}

func (e *Engine) mixKeyAndHash(inputKeyMaterial []byte) {
	ck, th, tk := kdf3(e.chainKey[:], inputKeyMaterial)
	e.chainKey = ck
	e.mixHash(th[:])
	e.symmetricKey = tk
	e.hasKey = true
	e.symmetricNonce = 0
}

// encryptAndHash encrypts plaintext (if a key is established) and mixes
// the ciphertext into the transcript hash, exactly as Noise's
// EncryptAndHash does inside a handshake message.
func (e *Engine) encryptAndHash(plaintext []byte) ([]byte, error) {
	if !e.hasKey {
		e.mixHash(plaintext)
		return plaintext, nil
	}
	aead, err := NewAEAD(e.symmetricKey)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(e.symmetricNonce, e.hash[:], plaintext)
	e.symmetricNonce++
	e.mixHash(ciphertext)
	return ciphertext, nil
}

func (e *Engine) decryptAndHash(ciphertext []byte) ([]byte, error) {
	if !e.hasKey {
		e.mixHash(ciphertext)
		return ciphertext, nil
	}
	aead, err := NewAEAD(e.symmetricKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(e.symmetricNonce, e.hash[:], ciphertext)
	if err != nil {
		return nil, kerr.ErrAuthFailed
	}
	e.symmetricNonce++
	e.mixHash(ciphertext)
	return plaintext, nil
}

func mixHash(h *[KeySize]byte, data []byte) {
	mixed := hashTranscript(h[:], data)
	*h = mixed
}

// hashTranscript computes BLAKE2s-256(h || data), the Noise MixHash
// operation.
func hashTranscript(h, data []byte) [KeySize]byte {
	buf := make([]byte, 0, len(h)+len(data))
	buf = append(buf, h...)
	buf = append(buf, data...)
	return blake2sSum(buf)
}

// --- message construction / consumption ---

// buildMessage1 implements the initiator's `e, es, s, ss` tokens plus a
// trailing empty payload, matching the 96-byte wire size the spec's S1
// scenario names.
func (e *Engine) buildMessage1() ([]byte, error) {
	ephemeral, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate message-1 ephemeral: %w", err)
	}
	e.localEphemeral = ephemeral
	e.mixHash(ephemeral.Public[:])

	es, err := DH(ephemeral.Private, e.remoteStatic)
	if err != nil {
		return nil, err
	}
	e.mixKey(es[:])

	encryptedStatic, err := e.encryptAndHash(e.localStatic.Public[:])
	if err != nil {
		return nil, err
	}

	ss, err := DH(e.localStatic.Private, e.remoteStatic)
	if err != nil {
		return nil, err
	}
	e.mixKey(ss[:])

	payload, err := e.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, message1Len)
	out = append(out, ephemeral.Public[:]...)
	out = append(out, encryptedStatic...)
	out = append(out, payload...)
	return out, nil
}

// consumeMessage1 implements the responder's side of `e, es, s, ss`,
// learning the initiator's static public key from the encrypted field.
func (e *Engine) consumeMessage1(msg []byte) error {
	if len(msg) != message1Len {
		return fmt.Errorf("%w: handshake message 1 length %d", kerr.ErrMalformedFrame, len(msg))
	}
	var remoteEphemeral [KeySize]byte
	copy(remoteEphemeral[:], msg[:KeySize])
	e.remoteEphemeral = remoteEphemeral
	e.mixHash(remoteEphemeral[:])

	es, err := DH(e.localStatic.Private, remoteEphemeral)
	if err != nil {
		return err
	}
	e.mixKey(es[:])

	encryptedStatic := msg[KeySize : KeySize+KeySize+16]
	staticBytes, err := e.decryptAndHash(encryptedStatic)
	if err != nil {
		return err
	}
	copy(e.remoteStatic[:], staticBytes)

	ss, err := DH(e.localStatic.Private, e.remoteStatic)
	if err != nil {
		return err
	}
	e.mixKey(ss[:])

	payload := msg[KeySize+KeySize+16:]
	if _, err := e.decryptAndHash(payload); err != nil {
		return err
	}
	return nil
}

// buildMessage2 implements the responder's `e, ee, se, psk` tokens plus a
// trailing empty payload.
func (e *Engine) buildMessage2() ([]byte, error) {
	ephemeral, err := GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate message-2 ephemeral: %w", err)
	}
	e.localEphemeral = ephemeral
	e.mixHash(ephemeral.Public[:])

	ee, err := DH(ephemeral.Private, e.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	e.mixKey(ee[:])

	// se = DH(s_initiator, e_responder); the responder holds e_r's
	// private half and the initiator's static public half.
	se, err := DH(e.localEphemeral.Private, e.remoteStatic)
	if err != nil {
		return nil, err
	}
	e.mixKey(se[:])

	e.mixKeyAndHash(e.psk[:])

	payload, err := e.encryptAndHash(nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, message2Len)
	out = append(out, ephemeral.Public[:]...)
	out = append(out, payload...)
	return out, nil
}

// consumeMessage2 implements the initiator's side of `e, ee, se, psk`.
// Authentication here depends entirely on both sides' psk matching: a
// mismatch produces a divergent chaining key and the final AEAD tag over
// the empty payload fails to verify.
func (e *Engine) consumeMessage2(msg []byte) error {
	if len(msg) != message2Len {
		return fmt.Errorf("%w: handshake message 2 length %d", kerr.ErrMalformedFrame, len(msg))
	}
	var remoteEphemeral [KeySize]byte
	copy(remoteEphemeral[:], msg[:KeySize])
	e.remoteEphemeral = remoteEphemeral
	e.mixHash(remoteEphemeral[:])

	ee, err := DH(e.localEphemeral.Private, remoteEphemeral)
	if err != nil {
		return err
	}
	e.mixKey(ee[:])

	// se = DH(s_initiator, e_responder); the initiator holds s_i's
	// private half and the responder's ephemeral public half (just
	// received).
	se, err := DH(e.localStatic.Private, remoteEphemeral)
	if err != nil {
		return err
	}
	e.mixKey(se[:])

	e.mixKeyAndHash(e.psk[:])

	payload := msg[KeySize:]
	if _, err := e.decryptAndHash(payload); err != nil {
		return err
	}
	return nil
}
