package sqlitestore

import (
	"path/filepath"
	"testing"

	"github.com/simplex-agent/smpagent/pkg/queue"
	"github.com/simplex-agent/smpagent/pkg/store"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetRcvConn(t *testing.T) {
	s := openTemp(t)
	q := &queue.Queue{Server: "smp1.example.org", QueueId: []byte{1, 2, 3}, Direction: queue.DirectionRcv, Status: queue.StatusNew}
	if err := s.CreateRcvConn("conn-1", q); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConn("conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != queue.ConnTypeRcv || got.Rcv == nil || got.Rcv.Status != queue.StatusNew {
		t.Fatalf("GetConn = %+v", got)
	}

	byServer, err := s.GetRcvConn("smp1.example.org", []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if byServer.ConnId != "conn-1" {
		t.Fatalf("GetRcvConn.ConnId = %q", byServer.ConnId)
	}
}

func TestUpgradeSndToDuplex(t *testing.T) {
	s := openTemp(t)
	snd := &queue.Queue{Server: "smp1.example.org", QueueId: []byte{9}, Direction: queue.DirectionSnd, Status: queue.StatusNew}
	if err := s.CreateSndConn("conn-1", snd); err != nil {
		t.Fatal(err)
	}

	rcv := &queue.Queue{Server: "smp1.example.org", QueueId: []byte{5}, Direction: queue.DirectionRcv, Status: queue.StatusNew}
	if err := s.UpgradeSndToDuplex("conn-1", rcv); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConn("conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != queue.ConnTypeDuplex || got.Rcv == nil || got.Snd == nil {
		t.Fatalf("GetConn after upgrade = %+v", got)
	}
}

func TestUpdateSndIdsChainsAcrossCalls(t *testing.T) {
	s := openTemp(t)
	q := &queue.Queue{Server: "smp1.example.org", QueueId: []byte{1}, Direction: queue.DirectionSnd, Status: queue.StatusNew}
	if err := s.CreateSndConn("conn-1", q); err != nil {
		t.Fatal(err)
	}

	_, sndId1, prev1, err := s.UpdateSndIds("conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if sndId1 != 1 || prev1 != nil {
		t.Fatalf("first call = sndId %d prev %v", sndId1, prev1)
	}
	if err := s.CreateSndMsg("conn-1", store.SndMsg{InternalSndId: sndId1, PreviousHash: []byte("h1")}); err != nil {
		t.Fatal(err)
	}

	_, sndId2, prev2, err := s.UpdateSndIds("conn-1")
	if err != nil {
		t.Fatal(err)
	}
	if sndId2 != 2 || string(prev2) != "h1" {
		t.Fatalf("second call = sndId %d prev %q", sndId2, prev2)
	}
}

func TestDeleteConnRemovesRow(t *testing.T) {
	s := openTemp(t)
	q := &queue.Queue{Server: "smp1.example.org", QueueId: []byte{1}, Direction: queue.DirectionRcv, Status: queue.StatusNew}
	if err := s.CreateRcvConn("conn-1", q); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteConn("conn-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetConn("conn-1"); err == nil {
		t.Fatal("expected GetConn to fail after delete")
	}
}

func TestInvitationRoundTrip(t *testing.T) {
	s := openTemp(t)
	if err := s.CreateInvitation("inv-1", store.Invitation{Status: store.InvitationPending, ConnIds: []string{"conn-1"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddInvitationConn("inv-1", "conn-2"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInvitationStatus("inv-1", store.InvitationAccepted); err != nil {
		t.Fatal(err)
	}

	inv, err := s.GetInvitation("inv-1")
	if err != nil {
		t.Fatal(err)
	}
	if inv.Status != store.InvitationAccepted || len(inv.ConnIds) != 2 {
		t.Fatalf("GetInvitation = %+v", inv)
	}
}
