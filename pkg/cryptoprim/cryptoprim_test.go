package cryptoprim

import (
	"bytes"
	"testing"
)

func TestX25519Agreement(t *testing.T) {
	aPriv, aPub, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	aSecret, err := X25519(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	bSecret, err := X25519(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(aSecret, bSecret) {
		t.Fatal("shared secrets diverge")
	}
}

func TestX448Agreement(t *testing.T) {
	aPriv, aPub, err := GenerateX448KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bPriv, bPub, err := GenerateX448KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	aSecret, err := X448(aPriv, bPub)
	if err != nil {
		t.Fatal(err)
	}
	bSecret, err := X448(bPriv, aPub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(aSecret, bSecret) {
		t.Fatal("shared secrets diverge")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	priv, pub, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello")
	sig, err := Sign(CurveX25519Ed25519, priv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(CurveX25519Ed25519, pub, msg, sig) {
		t.Fatal("signature did not verify")
	}
	if Verify(CurveX25519Ed25519, pub, []byte("tampered"), sig) {
		t.Fatal("signature verified against tampered message")
	}
}

func TestEd448SignVerify(t *testing.T) {
	priv, pub, err := GenerateEd448KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("hello")
	sig, err := Sign(CurveX448Ed448, priv, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(CurveX448Ed448, pub, msg, sig) {
		t.Fatal("signature did not verify")
	}
}

func TestGCMRoundTrip(t *testing.T) {
	key, err := Random(KeySize)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("the quick brown fox")
	aad := []byte("aad")

	ct, err := SealGCM(key, plaintext, aad)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := OpenGCM(key, ct, aad)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("got %q, want %q", pt, plaintext)
	}

	if _, err := OpenGCM(key, ct, []byte("wrong-aad")); err == nil {
		t.Fatal("expected failure with wrong AAD")
	}
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("ikm")
	salt := []byte("salt")
	info := []byte("info")

	a, err := HKDF(ikm, salt, info, 64)
	if err != nil {
		t.Fatal(err)
	}
	b, err := HKDF(ikm, salt, info, 64)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("HKDF output not deterministic for identical inputs")
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	msg := []byte("short message")
	padded, err := PadToLen(msg, 256)
	if err != nil {
		t.Fatal(err)
	}
	if len(padded) != 256 {
		t.Fatalf("padded length = %d, want 256", len(padded))
	}
	unpadded, err := UnpadFromLen(padded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unpadded, msg) {
		t.Fatalf("got %q, want %q", unpadded, msg)
	}
}

func TestPadToLenTooSmall(t *testing.T) {
	if _, err := PadToLen(make([]byte, 100), 50); err == nil {
		t.Fatal("expected error when target shorter than message")
	}
}
