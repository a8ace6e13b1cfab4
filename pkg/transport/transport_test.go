package transport

import (
	"context"
	"crypto/sha256"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/simplex-agent/smpagent/pkg/wire"
)

func TestVerifyKeyHashMatch(t *testing.T) {
	cert := []byte("a fake leaf certificate")
	want := sha256.Sum256(cert)
	if err := verifyKeyHash([][]byte{cert}, want); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyKeyHashMismatch(t *testing.T) {
	cert := []byte("a fake leaf certificate")
	var want [32]byte
	if err := verifyKeyHash([][]byte{cert}, want); err == nil {
		t.Fatal("expected mismatch error")
	}
}

func TestVerifyKeyHashNoCert(t *testing.T) {
	if err := verifyKeyHash(nil, [32]byte{}); err == nil {
		t.Fatal("expected error for no certificate")
	}
}

func TestReadWriteBlockOverPipe(t *testing.T) {
	// Conn.Write/Read go through tlsConn directly, so this test exercises
	// the wire-level block codec the same way Conn does, over a raw pipe.
	blockSize := 256
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	transmission := []byte("a transmission payload")
	go func() {
		block, err := wire.EncodeBlock(transmission, blockSize)
		if err != nil {
			t.Error(err)
			return
		}
		if _, err := client.Write(block); err != nil {
			t.Error(err)
		}
	}()

	buf := make([]byte, blockSize)
	if _, err := readFull(server, buf); err != nil {
		t.Fatal(err)
	}
	got, err := wire.DecodeBlock(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(transmission) {
		t.Fatalf("got %q, want %q", got, transmission)
	}
}

func TestReconnectRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context) (*Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("dial failed")
		}
		return &Conn{blockSize: DefaultBlockSize}, nil
	}

	policy := ReconnectPolicy{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	conn, err := Reconnect(context.Background(), policy, nil, dial)
	if err != nil {
		t.Fatal(err)
	}
	if conn == nil {
		t.Fatal("expected a connection")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestReconnectRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dial := func(ctx context.Context) (*Conn, error) {
		return nil, errors.New("always fails")
	}
	policy := ReconnectPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}

	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	if _, err := Reconnect(ctx, policy, nil, dial); err == nil {
		t.Fatal("expected context cancellation error")
	}
}
