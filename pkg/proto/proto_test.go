package proto

import (
	"bytes"
	"testing"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
)

func TestTransmissionRoundTrip(t *testing.T) {
	tr := &Transmission{
		Authenticator: []byte("sig"),
		SessionId:     []byte("session-1"),
		CorrId:        NewCorrId(),
		EntityId:      EntityId("entity-1"),
		CommandBytes:  []byte("command payload"),
	}
	encoded, err := tr.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeTransmission(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded.Authenticator, tr.Authenticator) ||
		!bytes.Equal(decoded.SessionId, tr.SessionId) ||
		decoded.CorrId != tr.CorrId ||
		!bytes.Equal(decoded.EntityId, tr.EntityId) ||
		!bytes.Equal(decoded.CommandBytes, tr.CommandBytes) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, tr)
	}
}

func TestCheckCredentialsNewNoAuth(t *testing.T) {
	err := CheckCredentials(TagNEW, false, false, false)
	if err == nil || err.Reason != string(agenterr.CmdNoAuth) {
		t.Fatalf("err = %v, want CmdNoAuth", err)
	}
}

func TestCheckCredentialsNewWithEntityId(t *testing.T) {
	err := CheckCredentials(TagNEW, true, true, false)
	if err == nil || err.Reason != string(agenterr.CmdHasAuth) {
		t.Fatalf("err = %v, want CmdHasAuth", err)
	}
}

func TestCheckCredentialsSendNoEntity(t *testing.T) {
	err := CheckCredentials(TagSEND, true, false, true)
	if err == nil || err.Reason != string(agenterr.CmdNoEntity) {
		t.Fatalf("err = %v, want CmdNoEntity", err)
	}
}

func TestCheckCredentialsSendBeforeKeyNoAuthOK(t *testing.T) {
	if err := CheckCredentials(TagSEND, false, true, false); err != nil {
		t.Fatalf("err = %v, want nil (SEND before KEY allows no auth)", err)
	}
}

func TestCheckCredentialsSendAfterKeyRequiresAuth(t *testing.T) {
	err := CheckCredentials(TagSEND, false, true, true)
	if err == nil || err.Reason != string(agenterr.CmdNoAuth) {
		t.Fatalf("err = %v, want CmdNoAuth", err)
	}
}

func TestCheckCredentialsPingHasAuth(t *testing.T) {
	err := CheckCredentials(TagPING, true, false, false)
	if err == nil || err.Reason != string(agenterr.CmdHasAuth) {
		t.Fatalf("err = %v, want CmdHasAuth", err)
	}
}

func TestCmdKeyRoundTrip(t *testing.T) {
	c := &Cmd{Tag: TagKEY, KeyBody: []byte("public-key-bytes")}
	decoded, err := DecodeCmd(c.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Tag != TagKEY || !bytes.Equal(decoded.KeyBody, c.KeyBody) {
		t.Fatalf("got %+v, want %+v", decoded, c)
	}
}

func TestCmdAckRoundTrip(t *testing.T) {
	c := &Cmd{Tag: TagACK, AckId: 42}
	decoded, err := DecodeCmd(c.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Tag != TagACK || decoded.AckId != 42 {
		t.Fatalf("got %+v, want %+v", decoded, c)
	}
}

func TestMsgRoundTrip(t *testing.T) {
	m := &Msg{MsgId: 7, ServerTs: 1234567890, Flags: 0x1, Body: []byte("ciphertext")}
	decoded, err := DecodeMsg(m.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.MsgId != m.MsgId || decoded.ServerTs != m.ServerTs || decoded.Flags != m.Flags || !bytes.Equal(decoded.Body, m.Body) {
		t.Fatalf("got %+v, want %+v", decoded, m)
	}
}

func TestNegotiateOverlap(t *testing.T) {
	v, ok := Negotiate(WelcomeVersions{Min: 1, Max: 4}, WelcomeVersions{Min: 2, Max: 6})
	if !ok || v != 4 {
		t.Fatalf("v = %d, ok = %v, want 4, true", v, ok)
	}
}

func TestNegotiateNoOverlap(t *testing.T) {
	_, ok := Negotiate(WelcomeVersions{Min: 1, Max: 2}, WelcomeVersions{Min: 5, Max: 6})
	if ok {
		t.Fatal("expected no overlap")
	}
}

func TestCorrIdUnique(t *testing.T) {
	a := NewCorrId()
	b := NewCorrId()
	if a == b {
		t.Fatal("expected distinct correlation ids")
	}
}
