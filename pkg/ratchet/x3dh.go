package ratchet

import (
	"encoding/binary"
	"fmt"

	"github.com/simplex-agent/smpagent/pkg/cryptoprim"
)

// x3dhInfo is the HKDF info string domain-separating the agent's X3DH
// derivation from any other HKDF use in the codebase.
const x3dhInfo = "SMP Agent X3DH Key Agreement"

// IdentityKeyPair is a long-term identity: an Ed25519 signing key plus its
// paired X25519 DH key, generated together the way the teacher's
// GenerateIdentityKeyPair does.
type IdentityKeyPair struct {
	SignPub, SignPriv []byte
	DHPub, DHPriv     [cryptoprim.KeySize]byte
}

// GenerateIdentityKeyPair creates a fresh long-term identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	signPriv, signPub, err := cryptoprim.GenerateEd25519KeyPair()
	if err != nil {
		return nil, err
	}
	dhPriv, dhPub, err := cryptoprim.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{SignPub: signPub, SignPriv: signPriv, DHPub: dhPub, DHPriv: dhPriv}, nil
}

// SignedPreKey is the public half of a medium-term prekey, signed by its
// owner's identity key.
type SignedPreKey struct {
	KeyID     uint32
	PublicKey [cryptoprim.KeySize]byte
	Signature []byte
	Timestamp int64
}

// SignedPreKeyPrivate additionally holds the private scalar.
type SignedPreKeyPrivate struct {
	SignedPreKey
	PrivateKey [cryptoprim.KeySize]byte
}

// GenerateSignedPreKey creates a fresh signed prekey bound to identity,
// timestamped with nowUnixMilli (caller supplies time so the package
// stays free of the Date.now-style nondeterminism the agent avoids
// elsewhere).
func GenerateSignedPreKey(keyID uint32, identity *IdentityKeyPair, nowUnixMilli int64) (*SignedPreKeyPrivate, error) {
	priv, pub, err := cryptoprim.GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sigData := signedPreKeySigData(keyID, pub, nowUnixMilli)
	sig, err := cryptoprim.Sign(cryptoprim.CurveX25519Ed25519, identity.SignPriv, sigData)
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyPrivate{
		SignedPreKey: SignedPreKey{KeyID: keyID, PublicKey: pub, Signature: sig, Timestamp: nowUnixMilli},
		PrivateKey:   priv,
	}, nil
}

func signedPreKeySigData(keyID uint32, pub [cryptoprim.KeySize]byte, ts int64) []byte {
	buf := make([]byte, 4+cryptoprim.KeySize+8)
	binary.BigEndian.PutUint32(buf[0:4], keyID)
	copy(buf[4:4+cryptoprim.KeySize], pub[:])
	binary.BigEndian.PutUint64(buf[4+cryptoprim.KeySize:], uint64(ts))
	return buf
}

// VerifySignedPreKey checks spk's signature under the owner's identity
// signing key.
func VerifySignedPreKey(identitySignPub []byte, spk *SignedPreKey) bool {
	sigData := signedPreKeySigData(spk.KeyID, spk.PublicKey, spk.Timestamp)
	return cryptoprim.Verify(cryptoprim.CurveX25519Ed25519, identitySignPub, sigData, spk.Signature)
}

// OneTimePreKey is a single-use prekey for additional forward secrecy.
type OneTimePreKey struct {
	KeyID     uint32
	PublicKey [cryptoprim.KeySize]byte
}

// OneTimePreKeyPrivate additionally holds the private scalar.
type OneTimePreKeyPrivate struct {
	OneTimePreKey
	PrivateKey [cryptoprim.KeySize]byte
}

// GenerateOneTimePreKeys creates count one-time prekeys starting at startID.
func GenerateOneTimePreKeys(startID uint32, count int) ([]*OneTimePreKeyPrivate, error) {
	out := make([]*OneTimePreKeyPrivate, count)
	for i := 0; i < count; i++ {
		priv, pub, err := cryptoprim.GenerateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		out[i] = &OneTimePreKeyPrivate{
			OneTimePreKey: OneTimePreKey{KeyID: startID + uint32(i), PublicKey: pub},
			PrivateKey:    priv,
		}
	}
	return out, nil
}

// KeyBundle is the public material a peer publishes for others to
// initiate a connection against: identity key, one signed prekey, and a
// pool of one-time prekeys, plus an optional hybrid-KEM proposal (spec
// §4.4 "Hybrid KEM, optional, version-gated").
type KeyBundle struct {
	IdentityKey    [cryptoprim.KeySize]byte
	SignedPreKey   SignedPreKey
	OneTimePreKeys []OneTimePreKey
	KEMPublicKey   []byte // non-nil iff this bundle proposes a hybrid KEM
}

// InitialMessage is the X3DH message a connection initiator sends to
// establish a session; pkg/agent sends it as the body of the
// confirmation envelope.
type InitialMessage struct {
	IdentityKey         [cryptoprim.KeySize]byte
	EphemeralKey        [cryptoprim.KeySize]byte
	UsedSignedPreKeyID  uint32
	UsedOneTimePreKeyID uint32 // 0 means no OPK was used
	KEMCiphertext       []byte // non-nil iff the initiator accepted a KEM proposal
}

// X3DHInitiator performs X3DH as the connection-initiating party. It
// returns the derived shared secret, the ephemeral key pair it generated
// (needed to seed the ratchet's first DH step), and the InitialMessage to
// send the peer.
// The caller is expected to have verified peer.SignedPreKey against the
// peer's published signing key (via VerifySignedPreKey) before calling
// this; bundles in this codebase carry the X3DH identity key as the DH
// key only, so no signing key is threaded through here.
func X3DHInitiator(identity *IdentityKeyPair, peer *KeyBundle) (sharedSecret []byte, ephPriv, ephPub [cryptoprim.KeySize]byte, initMsg *InitialMessage, err error) {
	ephPriv, ephPub, err = cryptoprim.GenerateX25519KeyPair()
	if err != nil {
		return nil, ephPriv, ephPub, nil, err
	}

	dh1, err := cryptoprim.X25519(identity.DHPriv, peer.SignedPreKey.PublicKey)
	if err != nil {
		return nil, ephPriv, ephPub, nil, err
	}
	dh2, err := cryptoprim.X25519(ephPriv, peer.IdentityKey)
	if err != nil {
		return nil, ephPriv, ephPub, nil, err
	}
	dh3, err := cryptoprim.X25519(ephPriv, peer.SignedPreKey.PublicKey)
	if err != nil {
		return nil, ephPriv, ephPub, nil, err
	}

	concat := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	var usedOPKID uint32
	if len(peer.OneTimePreKeys) > 0 {
		opk := peer.OneTimePreKeys[0]
		dh4, err := cryptoprim.X25519(ephPriv, opk.PublicKey)
		if err != nil {
			return nil, ephPriv, ephPub, nil, err
		}
		concat = append(concat, dh4...)
		usedOPKID = opk.KeyID
	}

	secret, err := cryptoprim.HKDF(concat, make([]byte, 32), []byte(x3dhInfo), 32)
	if err != nil {
		return nil, ephPriv, ephPub, nil, err
	}

	return secret, ephPriv, ephPub, &InitialMessage{
		IdentityKey:         identity.DHPub,
		EphemeralKey:        ephPub,
		UsedSignedPreKeyID:  peer.SignedPreKey.KeyID,
		UsedOneTimePreKeyID: usedOPKID,
	}, nil
}

// X3DHResponder performs X3DH as the responder, given its own identity,
// the signed prekey used, the pool of one-time prekeys (consumed on use),
// and the initiator's InitialMessage.
func X3DHResponder(identity *IdentityKeyPair, spk *SignedPreKeyPrivate, opks map[uint32]*OneTimePreKeyPrivate, initMsg *InitialMessage) ([]byte, error) {
	var usedOPK *OneTimePreKeyPrivate
	if initMsg.UsedOneTimePreKeyID != 0 {
		var ok bool
		usedOPK, ok = opks[initMsg.UsedOneTimePreKeyID]
		if !ok {
			return nil, fmt.Errorf("ratchet: one-time prekey %d not found", initMsg.UsedOneTimePreKeyID)
		}
	}

	dh1, err := cryptoprim.X25519(spk.PrivateKey, initMsg.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := cryptoprim.X25519(identity.DHPriv, initMsg.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := cryptoprim.X25519(spk.PrivateKey, initMsg.EphemeralKey)
	if err != nil {
		return nil, err
	}

	concat := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if usedOPK != nil {
		dh4, err := cryptoprim.X25519(usedOPK.PrivateKey, initMsg.EphemeralKey)
		if err != nil {
			return nil, err
		}
		concat = append(concat, dh4...)
		delete(opks, initMsg.UsedOneTimePreKeyID)
	}

	return cryptoprim.HKDF(concat, make([]byte, 32), []byte(x3dhInfo), 32)
}
