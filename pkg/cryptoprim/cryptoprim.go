// Package cryptoprim provides the primitive cryptographic operations the
// rest of the agent is built from: Diffie-Hellman over X25519/X448,
// signing over Ed25519/Ed448, AEAD via AES-256-GCM, HKDF-SHA256 key
// derivation, and fixed-size padding.
package cryptoprim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/dh/x448"
	"github.com/cloudflare/circl/sign/ed448"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the width of an X25519 scalar/point, a root/chain/message
	// key, and an AES-256 key.
	KeySize = 32
	// X448KeySize is the width of an X448 scalar/point.
	X448KeySize = x448.Size
)

// Curve selects the DH/signature curve family used for a connection. The
// wire protocol is version-gated on this choice (spec §4.2 version range).
type Curve int

const (
	CurveX25519Ed25519 Curve = iota
	CurveX448Ed448
)

// GenerateX25519KeyPair returns a fresh X25519 scalar/point pair.
func GenerateX25519KeyPair() (priv, pub [KeySize]byte, err error) {
	if _, err = io.ReadFull(cryptorand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// X25519 computes the shared secret for priv and the peer's pub.
func X25519(priv, pub [KeySize]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// GenerateX448KeyPair returns a fresh X448 scalar/point pair.
func GenerateX448KeyPair() (priv, pub [X448KeySize]byte, err error) {
	if _, err = io.ReadFull(cryptorand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	x448.KeyGen(&pub, &priv)
	return priv, pub, nil
}

// X448 computes the shared secret for priv and the peer's pub.
func X448(priv, pub [X448KeySize]byte) ([]byte, error) {
	var shared [X448KeySize]byte
	if !x448.Shared(&shared, &priv, &pub) {
		return nil, errors.New("cryptoprim: x448 shared secret is low order")
	}
	return shared[:], nil
}

// GenerateEd25519KeyPair returns a fresh Ed25519 signing key pair.
func GenerateEd25519KeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// GenerateEd448KeyPair returns a fresh Ed448 signing key pair.
func GenerateEd448KeyPair() (ed448.PrivateKey, ed448.PublicKey, error) {
	pub, priv, err := ed448.GenerateKey(cryptorand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// Sign produces a detached signature over msg under the given curve family.
func Sign(curve Curve, priv []byte, msg []byte) ([]byte, error) {
	switch curve {
	case CurveX25519Ed25519:
		return ed25519.Sign(ed25519.PrivateKey(priv), msg), nil
	case CurveX448Ed448:
		return ed448.Sign(ed448.PrivateKey(priv), msg, ""), nil
	default:
		return nil, fmt.Errorf("cryptoprim: unknown curve %d", curve)
	}
}

// Verify checks a detached signature under the given curve family.
func Verify(curve Curve, pub []byte, msg, sig []byte) bool {
	switch curve {
	case CurveX25519Ed25519:
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
	case CurveX448Ed448:
		return ed448.Verify(ed448.PublicKey(pub), msg, sig, "")
	default:
		return false
	}
}

// HKDF derives outLen bytes from ikm, salt, and info using HKDF-SHA256.
func HKDF(ikm, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SealGCM encrypts plaintext with AES-256-GCM, prepending a random nonce,
// the same envelope shape as the teacher's AESEncryptGCM.
func SealGCM(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// OpenGCM decrypts a buffer produced by SealGCM.
func OpenGCM(key, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("cryptoprim: ciphertext too short")
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, additionalData)
}

// SealGCMNonce encrypts plaintext with AES-256-GCM under an explicit,
// caller-managed nonce, without prepending it to the output. It is used
// for single-use message keys (one key, one message) where a fixed
// all-zero nonce is safe and avoids carrying a redundant per-message
// nonce on the wire.
func SealGCMNonce(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("cryptoprim: nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenGCMNonce decrypts a buffer produced by SealGCMNonce.
func OpenGCMNonce(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("cryptoprim: nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// ConstantTimeEqual reports whether a and b are equal, in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(cryptorand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
