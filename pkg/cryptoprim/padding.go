package cryptoprim

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidPadding is returned when a padded buffer cannot be unpadded:
// either it is shorter than the length prefix claims, or the declared
// length exceeds the buffer.
var ErrInvalidPadding = errors.New("cryptoprim: invalid padding")

// PadToLen pads msg to exactly targetLen bytes: a 2-byte big-endian length
// prefix holding len(msg), the message itself, then random filler. It
// mirrors the teacher's addFixedSizePadding (random filler, not zero
// filler, so padded output is indistinguishable from ciphertext) but pads
// to a caller-chosen target instead of the nearest fixed cell size, since
// the ratchet picks the target from the connection's configured pad_len.
func PadToLen(msg []byte, targetLen int) ([]byte, error) {
	if targetLen < 2+len(msg) {
		return nil, errors.New("cryptoprim: target length too small for message")
	}
	out := make([]byte, targetLen)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(msg)))
	copy(out[2:], msg)
	filler, err := Random(targetLen - 2 - len(msg))
	if err != nil {
		return nil, err
	}
	copy(out[2+len(msg):], filler)
	return out, nil
}

// UnpadFromLen reverses PadToLen.
func UnpadFromLen(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, ErrInvalidPadding
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if 2+n > len(padded) {
		return nil, ErrInvalidPadding
	}
	return padded[2 : 2+n], nil
}
