package ratchet

import (
	"crypto/rand"

	"github.com/companyzero/sntrup4591761"
	"github.com/simplex-agent/smpagent/pkg/agenterr"
)

// KEMState tracks the three legal states of the optional hybrid
// post-quantum key-encapsulation handshake (spec §4.4): no proposal was
// made, the initiator proposed a public key, or the responder accepted
// the proposal and generated a ciphertext.
type KEMState int

const (
	KEMNone KEMState = iota
	KEMProposed
	KEMAccepted
)

// KEMKeyPair holds an SNTRUP761 (nearest available ecosystem equivalent,
// see DESIGN.md) key pair used for one handshake's hybrid KEM proposal.
type KEMKeyPair struct {
	Public  *sntrup4591761.PublicKey
	Private *sntrup4591761.PrivateKey
}

// GenerateKEMKeyPair creates a fresh proposal key pair.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pub, priv, err := sntrup4591761.KeyGen(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KEMKeyPair{Public: pub, Private: priv}, nil
}

// KEMAccept is run by the responder when the initiator's handshake reply
// parameters included a KEM proposal: it encapsulates a fresh shared
// secret against the proposed public key.
func KEMAccept(proposed *sntrup4591761.PublicKey) (ciphertext *sntrup4591761.Ciphertext, sharedSecret *[32]byte, err error) {
	return sntrup4591761.Encapsulate(rand.Reader, proposed)
}

// KEMOpen is run by the initiator to recover the shared secret from the
// responder's ciphertext.
func KEMOpen(ciphertext *sntrup4591761.Ciphertext, priv *sntrup4591761.PrivateKey) *[32]byte {
	secret, _ := sntrup4591761.Decapsulate(ciphertext, priv)
	return secret
}

// kemTransition validates a KEM state transition per spec §4.4: illegal
// transitions (accept without proposal; propose-in-reply twice) return
// Ratchet(KemState).
func kemTransition(current, next KEMState) error {
	switch {
	case current == KEMNone && next == KEMAccepted:
		return agenterr.Ratchet(agenterr.RatchetKemState, 0)
	case current == KEMProposed && next == KEMProposed:
		return agenterr.Ratchet(agenterr.RatchetKemState, 0)
	default:
		return nil
	}
}
