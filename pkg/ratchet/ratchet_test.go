package ratchet

import (
	"bytes"
	"testing"

	"github.com/simplex-agent/smpagent/pkg/cryptoprim"
)

func newPairedStates(t *testing.T) (initiator, responder *State) {
	t.Helper()
	identityA, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	identityB, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := GenerateSignedPreKey(1, identityB, 1000)
	if err != nil {
		t.Fatal(err)
	}
	opks, err := GenerateOneTimePreKeys(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	bundle := &KeyBundle{
		IdentityKey:    identityB.DHPub,
		SignedPreKey:   spk.SignedPreKey,
		OneTimePreKeys: []OneTimePreKey{opks[0].OneTimePreKey},
	}

	secretA, ephPriv, ephPub, initMsg, err := X3DHInitiator(identityA, bundle)
	if err != nil {
		t.Fatal(err)
	}

	opkMap := map[uint32]*OneTimePreKeyPrivate{opks[0].KeyID: opks[0]}
	secretB, err := X3DHResponder(identityB, spk, opkMap, initMsg)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(secretA, secretB) {
		t.Fatal("x3dh shared secrets diverge")
	}

	initiator, err = NewInitiator(secretA, ephPriv, ephPub, spk.PublicKey, NewMemorySkippedKeyStore(MaxSkip))
	if err != nil {
		t.Fatal(err)
	}
	responder, err = NewResponder(secretB, spk.PrivateKey, spk.PublicKey, NewMemorySkippedKeyStore(MaxSkip))
	if err != nil {
		t.Fatal(err)
	}
	return initiator, responder
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	a, b := newPairedStates(t)

	msg := []byte("hello from the initiator")
	ct, err := a.Encrypt(msg, 256)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := b.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("got %q, want %q", pt, msg)
	}
}

func TestEncryptExactOutputSize(t *testing.T) {
	a, _ := newPairedStates(t)

	msg := []byte("fixed size check")
	padLen := 300
	ct, err := a.Encrypt(msg, padLen)
	if err != nil {
		t.Fatal(err)
	}

	encHeaderLen := headerLen + 12 + 16    // SealGCM: constant-size header + nonce + tag
	want := 1 + encHeaderLen + padLen + 16 // prefix byte + encHeader + (padded body + GCM tag)
	if len(ct) != want {
		t.Fatalf("ciphertext length = %d, want %d", len(ct), want)
	}
}

func TestRoundTripBothDirections(t *testing.T) {
	a, b := newPairedStates(t)

	ct1, err := a.Encrypt([]byte("first"), 64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct1); err != nil {
		t.Fatal(err)
	}

	ct2, err := b.Encrypt([]byte("reply"), 64)
	if err != nil {
		t.Fatal(err)
	}
	pt2, err := a.Decrypt(ct2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt2, []byte("reply")) {
		t.Fatalf("got %q, want %q", pt2, "reply")
	}
}

func TestOutOfOrderThenDuplicateRejected(t *testing.T) {
	a, b := newPairedStates(t)

	ct1, err := a.Encrypt([]byte("one"), 64)
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := a.Encrypt([]byte("two"), 64)
	if err != nil {
		t.Fatal(err)
	}
	ct3, err := a.Encrypt([]byte("three"), 64)
	if err != nil {
		t.Fatal(err)
	}

	// Deliver out of order: 3, then 1, then 2 (spec §8 scenario: skipped
	// keys recovered, then delivered messages are not decryptable twice).
	pt3, err := b.Decrypt(ct3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt3, []byte("three")) {
		t.Fatalf("got %q, want three", pt3)
	}

	pt1, err := b.Decrypt(ct1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt1, []byte("one")) {
		t.Fatalf("got %q, want one", pt1)
	}

	pt2, err := b.Decrypt(ct2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt2, []byte("two")) {
		t.Fatalf("got %q, want two", pt2)
	}

	if _, err := b.Decrypt(ct1); err == nil {
		t.Fatal("expected duplicate message 1 to be rejected")
	}
}

func TestDHRatchetStepOnReply(t *testing.T) {
	a, b := newPairedStates(t)

	// Establish A->B so B learns A's DH public key and can ratchet.
	ct, err := a.Encrypt([]byte("hello"), 32)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(ct); err != nil {
		t.Fatal(err)
	}

	beforeSendPub := b.DHSendPub
	reply, err := b.Encrypt([]byte("hi back"), 32)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := a.Decrypt(reply)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, []byte("hi back")) {
		t.Fatalf("got %q, want %q", pt, "hi back")
	}
	if beforeSendPub != b.DHSendPub {
		t.Fatal("responder's send key should not change until it ratchets again")
	}
	if a.DHRecvPub != b.DHSendPub {
		t.Fatal("initiator should have ratcheted to responder's DH public key")
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{PN: 7, N: 42}
	var pub [cryptoprim.KeySize]byte
	copy(pub[:], []byte("0123456789012345678901234567890"))
	h.DHPublic = pub

	decoded, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.PN != h.PN || decoded.N != h.N || decoded.DHPublic != h.DHPublic {
		t.Fatalf("got %+v, want %+v", decoded, h)
	}
}

func TestKemIllegalTransitionRejected(t *testing.T) {
	if err := kemTransition(KEMNone, KEMAccepted); err == nil {
		t.Fatal("expected error accepting KEM with no prior proposal")
	}
	if err := kemTransition(KEMProposed, KEMProposed); err == nil {
		t.Fatal("expected error re-proposing after a proposal is already pending")
	}
	if err := kemTransition(KEMNone, KEMProposed); err != nil {
		t.Fatalf("unexpected error for legal transition: %v", err)
	}
}

func TestSkippedKeyStoreBound(t *testing.T) {
	store := NewMemorySkippedKeyStore(2)
	var hk [cryptoprim.KeySize]byte
	if err := store.Save(hk, 0, hk); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(hk, 1, hk); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(hk, 2, hk); err == nil {
		t.Fatal("expected bound to be enforced")
	}
}
