package queue

import (
	"testing"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
)

func TestRecipientLifecycleHappyPath(t *testing.T) {
	q := &Queue{Direction: DirectionRcv, Status: StatusNew}

	steps := []struct {
		name string
		run  func() error
		want Status
	}{
		{"confirmation", q.ReceiveConfirmation, StatusConfirmed},
		{"key secured", q.SecureKeySent, StatusSecured},
		{"hello", q.ReceiveHello, StatusActive},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("%s: unexpected error %v", step.name, err)
		}
		if q.Status != step.want {
			t.Fatalf("%s: status = %s, want %s", step.name, q.Status, step.want)
		}
	}
}

func TestSenderLifecycleHappyPath(t *testing.T) {
	q := &Queue{Direction: DirectionSnd, Status: StatusNew}

	if err := q.SendConfirmation(); err != nil {
		t.Fatal(err)
	}
	if q.Status != StatusConfirmed {
		t.Fatalf("status = %s, want confirmed", q.Status)
	}
	if err := q.SendHelloAck(); err != nil {
		t.Fatal(err)
	}
	if q.Status != StatusActive {
		t.Fatalf("status = %s, want active", q.Status)
	}
}

func TestDuplicateHelloOnActiveProhibited(t *testing.T) {
	q := &Queue{Direction: DirectionRcv, Status: StatusActive}
	err := q.ReceiveHello()
	ae, ok := agenterr.As(err)
	if !ok || ae.Reason != string(agenterr.CmdProhibited) {
		t.Fatalf("err = %v, want Cmd(Prohibited)", err)
	}
}

func TestUnexpectedCommandAtStateProhibited(t *testing.T) {
	q := &Queue{Direction: DirectionRcv, Status: StatusNew}
	// HELLO cannot arrive before the queue is even Secured.
	err := q.ReceiveHello()
	ae, ok := agenterr.As(err)
	if !ok || ae.Reason != string(agenterr.CmdProhibited) {
		t.Fatalf("err = %v, want Cmd(Prohibited)", err)
	}
}

func TestReplyOnNonRcvConnectionProhibited(t *testing.T) {
	c := &Connection{Type: ConnTypeSnd, Snd: &Queue{Direction: DirectionSnd}}
	err := c.ReceiveReply(&Queue{Direction: DirectionSnd})
	ae, ok := agenterr.As(err)
	if !ok || ae.Reason != string(agenterr.CmdProhibited) {
		t.Fatalf("err = %v, want Cmd(Prohibited)", err)
	}
}

func TestReceiveReplyUpgradesToDuplex(t *testing.T) {
	c := &Connection{Type: ConnTypeRcv, Rcv: &Queue{Direction: DirectionRcv}}
	snd := &Queue{Direction: DirectionSnd}
	if err := c.ReceiveReply(snd); err != nil {
		t.Fatal(err)
	}
	if c.Type != ConnTypeDuplex {
		t.Fatalf("type = %v, want duplex", c.Type)
	}
	if c.Snd != snd {
		t.Fatal("expected the connection to record the new send queue")
	}
}

func TestRegistryPutGetDelete(t *testing.T) {
	r := NewRegistry()
	conn := &Connection{Type: ConnTypeRcv, Rcv: &Queue{Direction: DirectionRcv}}
	r.Put("conn-1", conn)

	got, ok := r.Get("conn-1")
	if !ok || got != conn {
		t.Fatal("expected to retrieve the registered connection")
	}

	r.Delete("conn-1")
	if _, ok := r.Get("conn-1"); ok {
		t.Fatal("expected connection to be gone after delete")
	}
}

func TestDisableFromActive(t *testing.T) {
	q := &Queue{Direction: DirectionRcv, Status: StatusActive}
	if err := q.Disable(); err != nil {
		t.Fatal(err)
	}
	if q.Status != StatusDisabled {
		t.Fatalf("status = %s, want disabled", q.Status)
	}
}

func TestHandleUnexpectedReportsProhibited(t *testing.T) {
	q := &Queue{Direction: DirectionRcv, Status: StatusNew}
	err := HandleUnexpected(q, "HELLO")
	ae, ok := agenterr.As(err)
	if !ok || ae.Reason != string(agenterr.CmdProhibited) {
		t.Fatalf("err = %v, want Cmd(Prohibited)", err)
	}
}
