package btctx

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrTruncated occurs when a structure runs past the end of its input.
var ErrTruncated = errors.New("unexpected end of transaction data")

// ReadVarInt decodes the variable-length integer at b[pos:] and returns its
// value and the number of bytes consumed.
func ReadVarInt(b []byte, pos int) (uint64, int, error) {
	if pos < 0 || pos >= len(b) {
		return 0, 0, errors.Wrapf(ErrTruncated, "varint at %d", pos)
	}

	var size int
	switch prefix := b[pos]; prefix {
	case 0xfd:
		size = 2
	case 0xfe:
		size = 4
	case 0xff:
		size = 8
	default:
		return uint64(prefix), 1, nil
	}

	if len(b)-pos-1 < size {
		return 0, 0, errors.Wrapf(ErrTruncated, "%d-byte varint at %d", size, pos)
	}

	v := b[pos+1 : pos+1+size]
	switch size {
	case 2:
		return uint64(binary.LittleEndian.Uint16(v)), 3, nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(v)), 5, nil
	default:
		return binary.LittleEndian.Uint64(v), 9, nil
	}
}

// VarIntLen returns the minimal encoded size of v.
func VarIntLen(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= math.MaxUint16:
		return 3
	case v <= math.MaxUint32:
		return 5
	default:
		return 9
	}
}

// AppendVarInt appends the minimal encoding of v to dst.
func AppendVarInt(dst []byte, v uint64) []byte {
	switch VarIntLen(v) {
	case 1:
		return append(dst, byte(v))
	case 3:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(v))
		return append(append(dst, 0xfd), b[:]...)
	case 5:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		return append(append(dst, 0xfe), b[:]...)
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(append(dst, 0xff), b[:]...)
	}
}

// EncodeVarInt returns the minimal encoding of v.
func EncodeVarInt(v uint64) []byte {
	return AppendVarInt(make([]byte, 0, VarIntLen(v)), v)
}
