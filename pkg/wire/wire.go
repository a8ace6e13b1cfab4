// Package wire implements the SMP wire codec (spec §4.1): length-prefixed
// fields, small/large byte-string framing, and transmission batching with
// block-size padding. It mirrors the teacher's protocol.Header style of
// hand-rolled big-endian encode/decode over explicit byte offsets.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors returned while decoding a wire value.
var (
	ErrTruncated  = errors.New("wire: buffer truncated")
	ErrLargeMsg   = errors.New("wire: transmission exceeds block size")
	ErrBadBlock   = errors.New("wire: unparseable transmission block")
	ErrBatchCount = errors.New("wire: batch count exceeds maximum")
)

// MaxBatchCount is the largest number of transmissions a single batch may
// carry (spec §4.1).
const MaxBatchCount = 255

// Writer accumulates length-prefixed fields into a byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity hinted by sizeHint.
func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutUint16 appends a big-endian 16-bit field.
func (w *Writer) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint32 appends a big-endian 32-bit field.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutUint64 appends a big-endian 64-bit field.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutSmallString writes a byte string with a one-byte length prefix. The
// caller is responsible for keeping len(s) <= 255.
func (w *Writer) PutSmallString(s []byte) error {
	if len(s) > 0xFF {
		return fmt.Errorf("wire: small string too long (%d bytes)", len(s))
	}
	w.PutUint8(uint8(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// PutLargeString writes a byte string with a two-byte length prefix (the
// "Large" form, spec §4.1).
func (w *Writer) PutLargeString(s []byte) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("wire: large string too long (%d bytes)", len(s))
	}
	w.PutUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// PutTail appends an arbitrary unframed tail; it must be the last field
// written, since there is no length prefix to bound it.
func (w *Writer) PutTail(s []byte) {
	w.buf = append(w.buf, s...)
}

// Reader consumes length-prefixed fields from a byte buffer.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential field reads.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unconsumed.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return ErrTruncated
	}
	return nil
}

// GetUint8 reads a single byte.
func (r *Reader) GetUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// GetUint16 reads a big-endian 16-bit field.
func (r *Reader) GetUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

// GetUint32 reads a big-endian 32-bit field.
func (r *Reader) GetUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

// GetUint64 reads a big-endian 64-bit field.
func (r *Reader) GetUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// GetSmallString reads a one-byte-length-prefixed byte string.
func (r *Reader) GetSmallString() ([]byte, error) {
	n, err := r.GetUint8()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	s := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return s, nil
}

// GetLargeString reads a two-byte-length-prefixed byte string.
func (r *Reader) GetLargeString() ([]byte, error) {
	n, err := r.GetUint16()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	s := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return s, nil
}

// GetTail returns every remaining byte.
func (r *Reader) GetTail() []byte {
	s := r.buf[r.pos:]
	r.pos = len(r.buf)
	return s
}

// EncodeBlock pads a single transmission to exactly blockSize bytes: a
// two-byte length prefix, the transmission bytes, zero filler. Oversize
// transmissions fail with ErrLargeMsg (spec §4.1).
func EncodeBlock(transmission []byte, blockSize int) ([]byte, error) {
	if len(transmission)+2 > blockSize {
		return nil, ErrLargeMsg
	}
	block := make([]byte, blockSize)
	binary.BigEndian.PutUint16(block[0:2], uint16(len(transmission)))
	copy(block[2:], transmission)
	return block, nil
}

// DecodeBlock extracts the transmission bytes from a padded block.
func DecodeBlock(block []byte) ([]byte, error) {
	if len(block) < 2 {
		return nil, ErrBadBlock
	}
	n := int(binary.BigEndian.Uint16(block[0:2]))
	if 2+n > len(block) {
		return nil, ErrBadBlock
	}
	return block[2 : 2+n], nil
}

// EncodeBatch frames up to MaxBatchCount transmissions as a one-byte count
// followed by each transmission length-prefixed with two bytes, the whole
// thing padded to blockSize. The framed batch (count byte included) may
// use at most maxBatchBytes = blockSize-3 bytes per spec §4.1.
func EncodeBatch(transmissions [][]byte, blockSize int) ([]byte, error) {
	if len(transmissions) > MaxBatchCount {
		return nil, ErrBatchCount
	}
	body := make([]byte, 0, blockSize)
	body = append(body, byte(len(transmissions)))
	for _, t := range transmissions {
		if len(t) > 0xFFFF {
			return nil, ErrLargeMsg
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(t)))
		body = append(body, lenBuf[:]...)
		body = append(body, t...)
	}
	if maxBatchBytes := blockSize - 3; len(body) > maxBatchBytes {
		return nil, ErrLargeMsg
	}
	block := make([]byte, blockSize)
	copy(block, body)
	return block, nil
}

// DecodeBatch extracts the transmissions framed by EncodeBatch.
func DecodeBatch(block []byte) ([][]byte, error) {
	if len(block) < 1 {
		return nil, ErrBadBlock
	}
	count := int(block[0])
	if count > MaxBatchCount {
		return nil, ErrBatchCount
	}
	pos := 1
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if pos+2 > len(block) {
			return nil, ErrBadBlock
		}
		n := int(binary.BigEndian.Uint16(block[pos : pos+2]))
		pos += 2
		if pos+n > len(block) {
			return nil, ErrBadBlock
		}
		out = append(out, block[pos:pos+n])
		pos += n
	}
	return out, nil
}

// base64Encoding is the URL-safe, unpadded encoding used by EncodeBase64
// and DecodeBase64.
var base64Encoding = base64.RawURLEncoding

// EncodeBase64 encodes b as URL-safe unpadded base64.
func EncodeBase64(b []byte) string { return base64Encoding.EncodeToString(b) }

// DecodeBase64 decodes a URL-safe unpadded base64 string.
func DecodeBase64(s string) ([]byte, error) { return base64Encoding.DecodeString(s) }
