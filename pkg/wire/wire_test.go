package wire

import (
	"bytes"
	"testing"
)

func TestSmallLargeStringRoundTrip(t *testing.T) {
	w := NewWriter(64)
	if err := w.PutSmallString([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.PutLargeString([]byte("a longer field value")); err != nil {
		t.Fatal(err)
	}
	w.PutUint32(0xDEADBEEF)
	w.PutTail([]byte("tail"))

	r := NewReader(w.Bytes())
	small, err := r.GetSmallString()
	if err != nil || !bytes.Equal(small, []byte("hello")) {
		t.Fatalf("small string = %q, err = %v", small, err)
	}
	large, err := r.GetLargeString()
	if err != nil || !bytes.Equal(large, []byte("a longer field value")) {
		t.Fatalf("large string = %q, err = %v", large, err)
	}
	n, err := r.GetUint32()
	if err != nil || n != 0xDEADBEEF {
		t.Fatalf("uint32 = %x, err = %v", n, err)
	}
	if tail := r.GetTail(); !bytes.Equal(tail, []byte("tail")) {
		t.Fatalf("tail = %q", tail)
	}
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader([]byte{0x01})
	if _, err := r.GetUint32(); err != ErrTruncated {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestBlockRoundTrip(t *testing.T) {
	transmission := []byte("a transmission payload")
	block, err := EncodeBlock(transmission, 64)
	if err != nil {
		t.Fatal(err)
	}
	if len(block) != 64 {
		t.Fatalf("block length = %d, want 64", len(block))
	}
	decoded, err := DecodeBlock(block)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, transmission) {
		t.Fatalf("got %q, want %q", decoded, transmission)
	}
}

func TestEncodeBlockTooLarge(t *testing.T) {
	if _, err := EncodeBlock(make([]byte, 100), 64); err != ErrLargeMsg {
		t.Fatalf("err = %v, want ErrLargeMsg", err)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	transmissions := [][]byte{
		[]byte("one"),
		[]byte("two"),
		[]byte("three"),
	}
	block, err := EncodeBatch(transmissions, 1024)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeBatch(block)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(transmissions) {
		t.Fatalf("got %d transmissions, want %d", len(decoded), len(transmissions))
	}
	for i, want := range transmissions {
		if !bytes.Equal(decoded[i], want) {
			t.Fatalf("transmission %d = %q, want %q", i, decoded[i], want)
		}
	}
}

func TestBatchCountLimit(t *testing.T) {
	transmissions := make([][]byte, MaxBatchCount+1)
	for i := range transmissions {
		transmissions[i] = []byte("x")
	}
	if _, err := EncodeBatch(transmissions, 65536); err != ErrBatchCount {
		t.Fatalf("err = %v, want ErrBatchCount", err)
	}
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xFF, 0x10, 0x20}
	encoded := EncodeBase64(data)
	decoded, err := DecodeBase64(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatalf("got %x, want %x", decoded, data)
	}
}
