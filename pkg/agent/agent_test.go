package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/simplex-agent/smpagent/pkg/config"
	"github.com/simplex-agent/smpagent/pkg/event"
	"github.com/simplex-agent/smpagent/pkg/ratchet"
	"github.com/simplex-agent/smpagent/pkg/store"
)

// fakeRelay is an in-process Relay that keeps just enough state to make
// create/join/send/suspend/delete observable in tests, without any real
// network or cryptographic verification on the "server" side.
type fakeRelay struct {
	mu        sync.Mutex
	nextId    byte
	sent      [][]byte
	deleted   []string
	suspended []string
}

func (f *fakeRelay) NewQueue(ctx context.Context, server config.Server, recipientKey []byte) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextId++
	rcv := []byte{f.nextId}
	f.nextId++
	snd := []byte{f.nextId}
	return rcv, snd, nil
}

func (f *fakeRelay) Subscribe(ctx context.Context, server config.Server, rcvId []byte) error {
	return nil
}

func (f *fakeRelay) SecureQueue(ctx context.Context, server config.Server, rcvId, senderKey []byte) error {
	return nil
}

func (f *fakeRelay) Send(ctx context.Context, server config.Server, sndId []byte, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	return nil
}

func (f *fakeRelay) Suspend(ctx context.Context, server config.Server, rcvId []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended = append(f.suspended, string(rcvId))
	return nil
}

func (f *fakeRelay) Delete(ctx context.Context, server config.Server, rcvId []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, string(rcvId))
	return nil
}

func testConfig() config.Config {
	return config.Config{SMPServers: []config.Server{{Host: "smp1.example.org", Port: "5223", KeyHash: "abc"}}}
}

func newTestAgent(t *testing.T) (*Agent, *fakeRelay) {
	t.Helper()
	relay := &fakeRelay{}
	a := New(store.NewMemory(), relay, event.SinkFunc(func(event.Event) {}), testConfig(), nil)
	return a, relay
}

func TestCreatePersistsAndSubscribesRcvQueue(t *testing.T) {
	a, _ := newTestAgent(t)
	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bundle, _, err := PublishBundle(identity)
	if err != nil {
		t.Fatal(err)
	}

	res, err := a.Create(context.Background(), *bundle)
	if err != nil {
		t.Fatal(err)
	}
	if res.ConnId == "" {
		t.Fatal("expected non-empty conn id")
	}

	conn, err := a.Store.GetConn(res.ConnId)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Rcv == nil {
		t.Fatal("expected a persisted receive queue")
	}
	if _, ok := a.Reg.Get(res.ConnId); !ok {
		t.Fatal("expected the connection to be registered in-process")
	}
}

func TestJoinSendsConfirmationAndTransitionsToConfirmed(t *testing.T) {
	a, relay := newTestAgent(t)
	responderIdentity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bundle, _, err := PublishBundle(responderIdentity)
	if err != nil {
		t.Fatal(err)
	}
	uri := QueueURI{Server: testConfig().SMPServers[0], SndId: []byte{42}, Bundle: *bundle}

	initiatorIdentity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	connId, err := a.Join(context.Background(), initiatorIdentity, uri, false)
	if err != nil {
		t.Fatal(err)
	}

	if len(relay.sent) != 1 {
		t.Fatalf("expected one confirmation envelope sent, got %d", len(relay.sent))
	}
	conn, err := a.Store.GetConn(connId)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Snd.Status != "confirmed" {
		t.Fatalf("expected send queue status confirmed, got %s", conn.Snd.Status)
	}
	if _, ok := a.getRatchet(connId); !ok {
		t.Fatal("expected a ratchet session to be attached to the connection")
	}
}

func TestSendIssuesOneRelaySendPerMessage(t *testing.T) {
	a, relay := newTestAgent(t)
	responderIdentity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bundle, _, err := PublishBundle(responderIdentity)
	if err != nil {
		t.Fatal(err)
	}
	uri := QueueURI{Server: testConfig().SMPServers[0], SndId: []byte{7}, Bundle: *bundle}
	initiatorIdentity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	connId, err := a.Join(context.Background(), initiatorIdentity, uri, false)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Send(context.Background(), connId, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(context.Background(), connId, []byte("again")); err != nil {
		t.Fatal(err)
	}
	if len(relay.sent) != 3 { // 1 confirmation + 2 sends
		t.Fatalf("expected 3 relay sends, got %d", len(relay.sent))
	}
}

func TestSuspendDisablesQueueAndDeleteRemovesConn(t *testing.T) {
	a, relay := newTestAgent(t)
	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bundle, _, err := PublishBundle(identity)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.Create(context.Background(), *bundle)
	if err != nil {
		t.Fatal(err)
	}

	// OFF is only defined for an Active receive queue.
	if err := a.Store.SetRcvQueueStatus(res.ConnId, "active"); err != nil {
		t.Fatal(err)
	}
	if err := a.Suspend(context.Background(), res.ConnId); err != nil {
		t.Fatal(err)
	}
	conn, err := a.Store.GetConn(res.ConnId)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Rcv.Status != "disabled" {
		t.Fatalf("expected receive queue disabled, got %s", conn.Rcv.Status)
	}

	if err := a.Delete(context.Background(), res.ConnId); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Store.GetConn(res.ConnId); err == nil {
		t.Fatal("expected GetConn to fail after delete")
	}
	if _, ok := a.Reg.Get(res.ConnId); ok {
		t.Fatal("expected the registry entry to be removed")
	}
	if len(relay.deleted) != 1 {
		t.Fatalf("expected one DEL issued, got %d", len(relay.deleted))
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	a, _ := newTestAgent(t)
	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bundle, _, err := PublishBundle(identity)
	if err != nil {
		t.Fatal(err)
	}
	res, err := a.Create(context.Background(), *bundle)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Subscribe(context.Background(), res.ConnId); err != nil {
		t.Fatal(err)
	}
	if err := a.Subscribe(context.Background(), res.ConnId); err != nil {
		t.Fatal(err)
	}
}

func TestMultiConnLockOrderingIsDeadlockFree(t *testing.T) {
	a, _ := newTestAgent(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []string{"conn-b", "conn-a"}
			if i%2 == 0 {
				ids = []string{"conn-a", "conn-b"}
			}
			_ = a.withConnLocks(ids, func() error { return nil })
		}(i)
	}
	wg.Wait()
}
