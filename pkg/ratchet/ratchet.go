// Package ratchet implements the agent's double-ratchet message
// encryption (spec §4.4): X3DH-derived session setup, sender/receiver
// chains, header encryption, a bounded skipped-message-key store, and an
// optional hybrid post-quantum KEM mixed into root-key derivation.
//
// Grounded on the teacher's pkg/protocol/ratchet.go (KDF_RK/KDF_CK
// naming, DH ratchet step, skipped-key map) and pkg/protocol/x3dh.go
// (session setup), extended with header encryption and the hybrid KEM
// the teacher's design does not have.
package ratchet

import (
	"encoding/binary"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
	"github.com/simplex-agent/smpagent/pkg/cryptoprim"
)

const (
	rootKeyInfo   = "SMP Agent Double Ratchet Root"
	headerKeyInfo = "SMP Agent Double Ratchet Header Keys"

	// MaxSkip is the default bound on skipped-message keys retained in
	// total across all chains (spec §4.8: "the ratchet skip limit is 2^16 by default").
	MaxSkip = 1 << 16

	headerLen = cryptoprim.KeySize + 4 + 4 // DH public key + PN + N
)

// Header accompanies every ratchet-encrypted message: the sender's
// current DH public key, the length of its previous sending chain, and
// the message's index within the current chain.
type Header struct {
	DHPublic [cryptoprim.KeySize]byte
	PN       uint32
	N        uint32
}

// Encode serializes a Header to its fixed-width wire form.
func (h *Header) Encode() []byte {
	buf := make([]byte, headerLen)
	copy(buf[0:cryptoprim.KeySize], h.DHPublic[:])
	binary.BigEndian.PutUint32(buf[cryptoprim.KeySize:cryptoprim.KeySize+4], h.PN)
	binary.BigEndian.PutUint32(buf[cryptoprim.KeySize+4:], h.N)
	return buf
}

// DecodeHeader parses a Header from its fixed-width wire form.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < headerLen {
		return nil, agenterr.Ratchet(agenterr.RatchetHeader, 0)
	}
	h := &Header{}
	copy(h.DHPublic[:], buf[0:cryptoprim.KeySize])
	h.PN = binary.BigEndian.Uint32(buf[cryptoprim.KeySize : cryptoprim.KeySize+4])
	h.N = binary.BigEndian.Uint32(buf[cryptoprim.KeySize+4:])
	return h, nil
}

// SkippedKeyStore persists message keys for out-of-order messages,
// bounded by MaxSkip (spec §9: "a flat map with a bounded size", spec
// §3: "exceeding it is a protocol error"). Grounded on the Store
// abstraction in ericlagergren-dr/dr.go (Save/Load/Delete by key).
type SkippedKeyStore interface {
	Save(headerKey [cryptoprim.KeySize]byte, n uint32, mk [cryptoprim.KeySize]byte) error
	Load(headerKey [cryptoprim.KeySize]byte, n uint32) ([cryptoprim.KeySize]byte, bool)
	Delete(headerKey [cryptoprim.KeySize]byte, n uint32)
	Len() int
}

type skippedKey struct {
	headerKey [cryptoprim.KeySize]byte
	n         uint32
}

// memorySkippedKeyStore is the default in-memory SkippedKeyStore,
// bounded by maxSkip; Ratchet state persistence (including this table) is
// the caller's responsibility via the store, per spec §9 ("ratchet state
// must be saved after every successful encrypt/decrypt").
type memorySkippedKeyStore struct {
	maxSkip int
	keys    map[skippedKey][cryptoprim.KeySize]byte
}

// NewMemorySkippedKeyStore creates an in-memory skipped-key store bounded
// by maxSkip entries.
func NewMemorySkippedKeyStore(maxSkip int) SkippedKeyStore {
	return &memorySkippedKeyStore{maxSkip: maxSkip, keys: make(map[skippedKey][cryptoprim.KeySize]byte)}
}

func (s *memorySkippedKeyStore) Save(hk [cryptoprim.KeySize]byte, n uint32, mk [cryptoprim.KeySize]byte) error {
	if len(s.keys) >= s.maxSkip {
		return agenterr.Ratchet(agenterr.RatchetTooSkip, len(s.keys)+1)
	}
	s.keys[skippedKey{hk, n}] = mk
	return nil
}

func (s *memorySkippedKeyStore) Load(hk [cryptoprim.KeySize]byte, n uint32) ([cryptoprim.KeySize]byte, bool) {
	mk, ok := s.keys[skippedKey{hk, n}]
	return mk, ok
}

func (s *memorySkippedKeyStore) Delete(hk [cryptoprim.KeySize]byte, n uint32) {
	delete(s.keys, skippedKey{hk, n})
}

func (s *memorySkippedKeyStore) Len() int { return len(s.keys) }

// State is one connection's double-ratchet session.
type State struct {
	RootKey [cryptoprim.KeySize]byte

	SendChainKey [cryptoprim.KeySize]byte
	SendN        uint32
	RecvChainKey [cryptoprim.KeySize]byte
	RecvN        uint32
	PN           uint32

	DHSendPriv, DHSendPub [cryptoprim.KeySize]byte
	DHRecvPub             [cryptoprim.KeySize]byte
	haveRecvPub           bool

	SendHeaderKey, NextSendHeaderKey [cryptoprim.KeySize]byte
	RecvHeaderKey, NextRecvHeaderKey [cryptoprim.KeySize]byte

	KEM KEMState

	Skipped SkippedKeyStore
}

// deriveHeaderKeys splits HKDF(sharedSecret) into the four header keys
// both parties need, swapped between initiator and responder so the
// initiator's SendHeaderKey equals the responder's RecvHeaderKey (and
// likewise for the Next pair). This generalizes the teacher's symmetric
// two-DH chain-key setup to header keys, since the teacher's design has
// no header encryption to ground this on directly.
func deriveHeaderKeys(sharedSecret []byte, initiator bool) (send, nextSend, recv, nextRecv [cryptoprim.KeySize]byte, err error) {
	out, err := cryptoprim.HKDF(sharedSecret, nil, []byte(headerKeyInfo), 4*cryptoprim.KeySize)
	if err != nil {
		return send, nextSend, recv, nextRecv, err
	}
	var a, b, c, d [cryptoprim.KeySize]byte
	copy(a[:], out[0*cryptoprim.KeySize:1*cryptoprim.KeySize])
	copy(b[:], out[1*cryptoprim.KeySize:2*cryptoprim.KeySize])
	copy(c[:], out[2*cryptoprim.KeySize:3*cryptoprim.KeySize])
	copy(d[:], out[3*cryptoprim.KeySize:4*cryptoprim.KeySize])
	if initiator {
		return a, b, c, d, nil
	}
	return c, d, a, b, nil
}

// NewInitiator sets up the ratchet for the party that performed
// X3DHInitiator: it owns the first DH ratchet key pair and the peer's
// signed-prekey public key as the initial receive target.
func NewInitiator(sharedSecret []byte, dhSendPriv, dhSendPub, peerDHPublic [cryptoprim.KeySize]byte, skipped SkippedKeyStore) (*State, error) {
	s := &State{
		DHSendPriv:  dhSendPriv,
		DHSendPub:   dhSendPub,
		DHRecvPub:   peerDHPublic,
		haveRecvPub: true,
		Skipped:     skipped,
	}
	copy(s.RootKey[:], sharedSecret[:cryptoprim.KeySize])

	var err error
	s.SendHeaderKey, s.NextSendHeaderKey, s.RecvHeaderKey, s.NextRecvHeaderKey, err = deriveHeaderKeys(sharedSecret, true)
	if err != nil {
		return nil, err
	}

	dh, err := cryptoprim.X25519(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return nil, err
	}
	rk, ck, err := kdfRK(s.RootKey, dh)
	if err != nil {
		return nil, err
	}
	s.RootKey, s.SendChainKey = rk, ck
	return s, nil
}

// NewResponder sets up the ratchet for the party that performed
// X3DHResponder. Its sending chain key is not derived until it learns the
// peer's DH public key from the peer's first message (mirrors the
// teacher's NewRatchetStateReceiver).
func NewResponder(sharedSecret []byte, dhPriv, dhPub [cryptoprim.KeySize]byte, skipped SkippedKeyStore) (*State, error) {
	s := &State{DHSendPriv: dhPriv, DHSendPub: dhPub, Skipped: skipped}
	copy(s.RootKey[:], sharedSecret[:cryptoprim.KeySize])

	var err error
	s.SendHeaderKey, s.NextSendHeaderKey, s.RecvHeaderKey, s.NextRecvHeaderKey, err = deriveHeaderKeys(sharedSecret, false)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func kdfRK(rootKey, dhOutput [cryptoprim.KeySize]byte) (newRoot, chain [cryptoprim.KeySize]byte, err error) {
	out, err := cryptoprim.HKDF(dhOutput[:], rootKey[:], []byte(rootKeyInfo), 2*cryptoprim.KeySize)
	if err != nil {
		return newRoot, chain, err
	}
	copy(newRoot[:], out[:cryptoprim.KeySize])
	copy(chain[:], out[cryptoprim.KeySize:])
	return newRoot, chain, nil
}

func kdfCK(chainKey [cryptoprim.KeySize]byte) (newChain, msgKey [cryptoprim.KeySize]byte) {
	mk := cryptoprim.SHA256(append(append([]byte{}, chainKey[:]...), 0x01))
	ck := cryptoprim.SHA256(append(append([]byte{}, chainKey[:]...), 0x02))
	return ck, mk
}

var zeroNonce [12]byte

// Encrypt produces a fixed-size ciphertext: a one-byte length prefix for
// the encrypted header, the encrypted header, then the AEAD-sealed,
// padded message body. The total size is exactly
// 1 + len(encHeader) + 16 + padLen bytes (spec §8 padding invariant),
// since encHeader has a constant length and the message body is sealed
// under a single-use key with a fixed nonce (safe: each message key is
// used exactly once).
func (s *State) Encrypt(plaintext []byte, padLen int) ([]byte, error) {
	newCK, mk := kdfCK(s.SendChainKey)
	s.SendChainKey = newCK

	header := &Header{DHPublic: s.DHSendPub, PN: s.PN, N: s.SendN}
	s.SendN++

	encHeader, err := cryptoprim.SealGCM(s.SendHeaderKey[:], header.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if len(encHeader) > 0xFF {
		return nil, agenterr.Internal("ratchet: encrypted header exceeds 255 bytes")
	}

	padded, err := cryptoprim.PadToLen(plaintext, padLen)
	if err != nil {
		return nil, err
	}
	ciphertext, err := cryptoprim.SealGCMNonce(mk[:], zeroNonce[:], padded, encHeader)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(encHeader)+len(ciphertext))
	out = append(out, byte(len(encHeader)))
	out = append(out, encHeader...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt reverses Encrypt. It tries the current receive header key then
// the next (spec §4.4); on success it performs skipped-key bookkeeping,
// a DH ratchet step on the first message received or when the header
// carries a new sender DH public key, and returns the original unpadded
// plaintext.
func (s *State) Decrypt(buf []byte) ([]byte, error) {
	if len(buf) < 1 {
		return nil, agenterr.Ratchet(agenterr.RatchetHeader, 0)
	}
	hdrLen := int(buf[0])
	if 1+hdrLen > len(buf) {
		return nil, agenterr.Ratchet(agenterr.RatchetHeader, 0)
	}
	encHeader := buf[1 : 1+hdrLen]
	ciphertext := buf[1+hdrLen:]

	headerBytes, usedNext, err := s.tryDecryptHeader(encHeader)
	if err != nil {
		return nil, agenterr.Ratchet(agenterr.RatchetHeader, 0)
	}
	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}

	// Skipped keys are saved under whichever header key decrypted the
	// header at the time (s.RecvHeaderKey before a ratchet, s.NextRecvHeaderKey
	// when a ratchet was pending), so lookup/eviction must use the same key.
	skippedHeaderKey := s.RecvHeaderKey
	if usedNext {
		skippedHeaderKey = s.NextRecvHeaderKey
	}

	if mk, ok := s.Skipped.Load(skippedHeaderKey, header.N); ok {
		s.Skipped.Delete(skippedHeaderKey, header.N)
		padded, err := cryptoprim.OpenGCMNonce(mk[:], zeroNonce[:], ciphertext, encHeader)
		if err != nil {
			return nil, agenterr.Ratchet(agenterr.RatchetHeader, 0)
		}
		return cryptoprim.UnpadFromLen(padded)
	}

	// A DH ratchet is due whenever there is no established receive chain
	// yet (the responder's very first decrypt) or the sender has moved to
	// a new DH key pair, not merely when the header-key trial used "next".
	if !s.haveRecvPub || header.DHPublic != s.DHRecvPub {
		if err := s.skipMessageKeys(s.RecvHeaderKey, s.RecvN, header.PN); err != nil {
			return nil, err
		}
		if err := s.dhRatchet(header.DHPublic); err != nil {
			return nil, err
		}
	}
	if header.N > s.RecvN {
		if err := s.skipMessageKeys(s.RecvHeaderKey, s.RecvN, header.N); err != nil {
			return nil, err
		}
	}

	newCK, mk := kdfCK(s.RecvChainKey)
	s.RecvChainKey = newCK
	s.RecvN = header.N + 1

	padded, err := cryptoprim.OpenGCMNonce(mk[:], zeroNonce[:], ciphertext, encHeader)
	if err != nil {
		return nil, agenterr.Ratchet(agenterr.RatchetHeader, 0)
	}
	return cryptoprim.UnpadFromLen(padded)
}

// tryDecryptHeader tries the current receive header key first (valid from
// session setup, independent of whether a DH public key has been learned
// yet), then the next one (the key a DH ratchet step will rotate in).
func (s *State) tryDecryptHeader(encHeader []byte) (plain []byte, usedNext bool, err error) {
	if plain, err := cryptoprim.OpenGCM(s.RecvHeaderKey[:], encHeader, nil); err == nil {
		return plain, false, nil
	}
	plain, err = cryptoprim.OpenGCM(s.NextRecvHeaderKey[:], encHeader, nil)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

func (s *State) skipMessageKeys(headerKey [cryptoprim.KeySize]byte, from, to uint32) error {
	if to < from {
		return nil
	}
	if int(to-from) > MaxSkip-s.Skipped.Len() {
		return agenterr.Ratchet(agenterr.RatchetTooSkip, int(to-from))
	}
	chainKey := s.RecvChainKey
	for n := from; n < to; n++ {
		newCK, mk := kdfCK(chainKey)
		chainKey = newCK
		if err := s.Skipped.Save(headerKey, n, mk); err != nil {
			return err
		}
	}
	s.RecvChainKey = chainKey
	return nil
}

// dhRatchet performs a full DH ratchet step on receipt of a new remote DH
// public key: it rotates header keys, advances the root chain for
// receiving, generates a fresh local DH key pair, and advances the root
// chain again for sending.
func (s *State) dhRatchet(remoteDHPublic [cryptoprim.KeySize]byte) error {
	s.PN = s.SendN
	s.SendN = 0
	s.RecvN = 0
	s.DHRecvPub = remoteDHPublic
	s.haveRecvPub = true

	s.RecvHeaderKey = s.NextRecvHeaderKey

	dh, err := cryptoprim.X25519(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return err
	}
	rk, ck, err := kdfRK(s.RootKey, dh)
	if err != nil {
		return err
	}
	s.RootKey, s.RecvChainKey = rk, ck

	newPriv, newPub, err := cryptoprim.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	s.DHSendPriv, s.DHSendPub = newPriv, newPub
	s.SendHeaderKey = s.NextSendHeaderKey

	dh2, err := cryptoprim.X25519(s.DHSendPriv, s.DHRecvPub)
	if err != nil {
		return err
	}
	rk2, ck2, err := kdfRK(s.RootKey, dh2)
	if err != nil {
		return err
	}
	s.RootKey, s.SendChainKey = rk2, ck2

	// Next header keys rotate forward on every DH step; derived from the
	// new root key so both header-key pairs stay in lockstep with the
	// chain keys they protect.
	nh, err := cryptoprim.HKDF(s.RootKey[:], nil, []byte(headerKeyInfo+" next"), 2*cryptoprim.KeySize)
	if err != nil {
		return err
	}
	copy(s.NextSendHeaderKey[:], nh[:cryptoprim.KeySize])
	copy(s.NextRecvHeaderKey[:], nh[cryptoprim.KeySize:])
	return nil
}

// MixKEMSecret folds a hybrid-KEM shared secret into the root key
// (spec §4.4: "both mix it into the root-key derivation"). Call once,
// immediately after the handshake message carrying the KEM
// ciphertext/acceptance has been processed, before any ratchet steps.
func (s *State) MixKEMSecret(kemShared [32]byte, accepted bool) error {
	state := KEMProposed
	if accepted {
		state = KEMAccepted
	}
	if err := kemTransition(s.KEM, state); err != nil {
		return err
	}
	s.KEM = state
	rk, err := cryptoprim.HKDF(append(append([]byte{}, s.RootKey[:]...), kemShared[:]...), nil, []byte(rootKeyInfo+" kem"), cryptoprim.KeySize)
	if err != nil {
		return err
	}
	copy(s.RootKey[:], rk)
	return nil
}
