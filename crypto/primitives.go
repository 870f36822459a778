// Package crypto provides the cryptographic primitives (C2) and the
// Noise-pattern handshake engine (C3) built on top of them. Primitives are
// kept in one file and the handshake state machine in another, the way the
// teacher repo's crypto package groups DH/AEAD/hash helpers alongside its
// handshake implementation.
package crypto

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/kscope-vpn/kscope/kerr"
)

// KeySize is the width, in bytes, of every key, secret, and hash value this
// package works with: static/ephemeral DH keys, AEAD keys, the chaining
// key, and the transcript hash.
const KeySize = 32

// ProtocolName is hashed verbatim to seed the Noise transcript, committing
// this implementation to one concrete instantiation of IKpsk2.
const ProtocolName = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"

// initialChainKey and initialHash seed every handshake. Per the Noise
// rules, when the protocol name is longer than the hash output it is
// hashed rather than zero-padded, and with an empty prologue the initial
// hash equals the initial chaining key.
var (
	initialChainKey [KeySize]byte
	initialHash     [KeySize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(ProtocolName))
	initialHash = initialChainKey
}

// Keypair is a Curve25519 static or ephemeral DH keypair.
type Keypair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeypair produces a fresh Curve25519 keypair from the OS CSPRNG.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return Keypair{}, fmt.Errorf("crypto: generate private key: %w", err)
	}
	clampScalar(&kp.Private)
	pub, err := PublicKey(kp.Private)
	if err != nil {
		return Keypair{}, err
	}
	kp.Public = pub
	return kp, nil
}

// clampScalar applies the Curve25519 clamping rules required of any scalar
// used as a private key.
func clampScalar(s *[KeySize]byte) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}

// PublicKey derives the public point for a clamped private scalar.
func PublicKey(private [KeySize]byte) ([KeySize]byte, error) {
	var pub [KeySize]byte
	out, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("crypto: derive public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

// DH computes the Curve25519 shared secret between a local private scalar
// and a remote public point.
func DH(private, remotePublic [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	out, err := curve25519.X25519(private[:], remotePublic[:])
	if err != nil {
		return shared, fmt.Errorf("crypto: diffie-hellman: %w", err)
	}
	copy(shared[:], out)
	return shared, nil
}

// NewAEAD constructs the fixed ChaCha20-Poly1305 AEAD for a 32-byte key.
func NewAEAD(key [KeySize]byte) (*AEAD, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: construct AEAD: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

// AEAD wraps the standard ChaCha20-Poly1305 construction with the
// spec's nonce layout: 32 zero bits followed by a 64-bit big-endian
// counter. The counter is supplied by the caller (C4's send/receive
// nonce), never derived internally, so C4 keeps full control of
// monotonicity and replay bookkeeping.
type AEAD struct {
	aead cipher.AEAD
}

// Overhead is the fixed 16-byte authentication tag length.
func (c *AEAD) Overhead() int { return c.aead.Overhead() }

// Seal encrypts plaintext under counter with the given associated data
// and returns ciphertext||tag. C4's steady-state transport calls this with
// empty associated data, per the spec; the handshake engine calls it with
// the running transcript hash, per the Noise EncryptAndHash operation.
func (c *AEAD) Seal(counter uint64, associatedData, plaintext []byte) []byte {
	nonce := counterNonce(counter)
	return c.aead.Seal(nil, nonce[:], plaintext, associatedData)
}

// Open authenticates and decrypts ciphertext (which must include the
// trailing tag) sealed under counter with the given associated data.
// Returns kerr.ErrAuthFailed if the tag does not verify.
func (c *AEAD) Open(counter uint64, associatedData, ciphertext []byte) ([]byte, error) {
	nonce := counterNonce(counter)
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, associatedData)
	if err != nil {
		return nil, kerr.ErrAuthFailed
	}
	return plaintext, nil
}

func counterNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	for i := 0; i < 8; i++ {
		nonce[chacha20poly1305.NonceSize-1-i] = byte(counter >> (8 * i))
	}
	return nonce
}

// hmacBlake2s computes an HMAC over BLAKE2s-256, used by the KDF chain
// below exactly as WireGuard's own noise implementation uses it.
func hmacBlake2s(sum *[KeySize]byte, key, input []byte) {
	mac := hmac.New(func() hash.Hash {
		h, _ := blake2s.New256(nil)
		return h
	}, key)
	mac.Write(input)
	mac.Sum(sum[:0])
}

// kdf1 produces one 32-byte output from a chaining key and input keying
// material: HMAC(HMAC(key, input), 0x1).
func kdf1(key, input []byte) (t0 [KeySize]byte) {
	var prk [KeySize]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(&t0, prk[:], []byte{0x1})
	zero(prk[:])
	return t0
}

// kdf2 produces two chained 32-byte outputs, as kdf1 but continuing the
// HMAC chain: HMAC(prk, t0||0x2).
func kdf2(key, input []byte) (t0, t1 [KeySize]byte) {
	var prk [KeySize]byte
	var buf [KeySize + 1]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(&t0, prk[:], []byte{0x1})
	copy(buf[:KeySize], t0[:])
	buf[KeySize] = 0x2
	hmacBlake2s(&t1, prk[:], buf[:])
	zero(prk[:])
	return t0, t1
}

// kdf3 extends kdf2 with a third chained output, used for the psk mixing
// step (MixKeyAndHash) where Noise needs ck, a hash addend, and a key.
func kdf3(key, input []byte) (t0, t1, t2 [KeySize]byte) {
	var prk [KeySize]byte
	var buf [KeySize + 1]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(&t0, prk[:], []byte{0x1})
	copy(buf[:KeySize], t0[:])
	buf[KeySize] = 0x2
	hmacBlake2s(&t1, prk[:], buf[:])
	copy(buf[:KeySize], t1[:])
	buf[KeySize] = 0x3
	hmacBlake2s(&t2, prk[:], buf[:])
	zero(prk[:])
	return t0, t1, t2
}

// blake2sSum computes the unkeyed BLAKE2s-256 digest of data, used for
// MixHash (distinct from the keyed HMAC-BLAKE2s construction the KDF chain
// uses).
func blake2sSum(data []byte) [KeySize]byte {
	return blake2s.Sum256(data)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
