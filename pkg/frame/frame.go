// Package frame implements the binary fragment protocol spoken between mesh
// senders and the gateway.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// FragmentBudget is the maximum chunk payload, leaving room for the mesh
	// link's own packet header.
	FragmentBudget = 180

	// MaxTxSize is the largest transaction the gateway will reassemble.
	MaxTxSize = 2048

	// AppPort is the mesh application port reserved for binary frames.
	AppPort = 256

	// TextPort is the mesh text-message port carrying textual chunks.
	TextPort = 1
)

var (
	// ErrDecode is the root of all frame decoding errors.
	ErrDecode = errors.New("frame decode error")

	// ErrShortFrame occurs when a frame is shorter than its fixed header.
	ErrShortFrame = fmt.Errorf("%w: short frame", ErrDecode)

	// ErrUnknownType occurs when the leading tag byte is not a known Type.
	ErrUnknownType = fmt.Errorf("%w: unknown frame type", ErrDecode)

	// ErrOversizedChunk occurs when a chunk carries more than FragmentBudget bytes.
	ErrOversizedChunk = fmt.Errorf("%w: chunk payload exceeds fragment budget", ErrDecode)

	// ErrEmptyChunk occurs when a chunk carries no payload.
	ErrEmptyChunk = fmt.Errorf("%w: empty chunk payload", ErrDecode)
)

// Type defines the leading tag byte of every frame.
type Type byte

const (
	// TypeStart announces a new transaction and its total size.
	TypeStart Type = 0x01
	// TypeChunk carries one fragment of a transaction.
	TypeChunk Type = 0x02
	// TypeEnd requests assembly and broadcast.
	TypeEnd Type = 0x03
	// TypeAck acknowledges a broadcast transaction.
	TypeAck Type = 0x04
	// TypeError reports a failure back to the originator.
	TypeError Type = 0x05
)

func (t Type) String() string {
	switch t {
	case TypeStart:
		return "Start"
	case TypeChunk:
		return "Chunk"
	case TypeEnd:
		return "End"
	case TypeAck:
		return "Ack"
	case TypeError:
		return "Error"
	}

	return fmt.Sprintf("Unknown(%d)", byte(t))
}

// ErrorCode is carried by Error frames.
type ErrorCode byte

const (
	// CodeTooLarge means the declared size exceeds MaxTxSize.
	CodeTooLarge ErrorCode = 0x01
	// CodeTimeout means reassembly did not finish in time.
	CodeTimeout ErrorCode = 0x02
	// CodeIncomplete means End arrived before all fragments.
	CodeIncomplete ErrorCode = 0x03
	// CodeInvalidHex means a textual payload was not hexadecimal.
	CodeInvalidHex ErrorCode = 0x04
	// CodeBroadcastFailure means the backend rejected or never answered.
	CodeBroadcastFailure ErrorCode = 0x05
	// CodeChecksumMismatch means the End checksum did not match the assembled bytes.
	CodeChecksumMismatch ErrorCode = 0x06
	// CodeMalformed means the assembled payload is not a plausible transaction.
	CodeMalformed ErrorCode = 0x07
)

func (c ErrorCode) String() string {
	switch c {
	case CodeTooLarge:
		return "too-large"
	case CodeTimeout:
		return "timeout"
	case CodeIncomplete:
		return "incomplete"
	case CodeInvalidHex:
		return "invalid-hex"
	case CodeBroadcastFailure:
		return "broadcast"
	case CodeChecksumMismatch:
		return "checksum"
	case CodeMalformed:
		return "malformed"
	}

	return fmt.Sprintf("code(%d)", byte(c))
}

// Message is a decoded frame.
type Message interface {
	Type() Type
	TxID() uint8
	Bytes() []byte
}

// Start announces a transaction of TotalSize bytes.
type Start struct {
	ID        uint8
	TotalSize uint16
}

// Chunk carries the fragment at Index.
type Chunk struct {
	ID      uint8
	Index   uint8
	Payload []byte
}

// End closes a transaction. Checksum is only meaningful if HasChecksum is set.
type End struct {
	ID          uint8
	Checksum    uint32
	HasChecksum bool
}

// Ack acknowledges a broadcast transaction.
type Ack struct {
	ID uint8
}

// Error reports a failure for a transaction.
type Error struct {
	ID   uint8
	Code ErrorCode
}

// Type implements Message.
func (m *Start) Type() Type { return TypeStart }

// Type implements Message.
func (m *Chunk) Type() Type { return TypeChunk }

// Type implements Message.
func (m *End) Type() Type { return TypeEnd }

// Type implements Message.
func (m *Ack) Type() Type { return TypeAck }

// Type implements Message.
func (m *Error) Type() Type { return TypeError }

// TxID implements Message.
func (m *Start) TxID() uint8 { return m.ID }

// TxID implements Message.
func (m *Chunk) TxID() uint8 { return m.ID }

// TxID implements Message.
func (m *End) TxID() uint8 { return m.ID }

// TxID implements Message.
func (m *Ack) TxID() uint8 { return m.ID }

// TxID implements Message.
func (m *Error) TxID() uint8 { return m.ID }

// Bytes encodes Start as tag + id + little-endian size.
func (m *Start) Bytes() []byte {
	b := []byte{byte(TypeStart), m.ID, 0, 0}
	binary.LittleEndian.PutUint16(b[2:], m.TotalSize)
	return b
}

// Bytes encodes Chunk as tag + id + index + payload.
func (m *Chunk) Bytes() []byte {
	return append([]byte{byte(TypeChunk), m.ID, m.Index}, m.Payload...)
}

// Bytes encodes End, appending the checksum when present.
func (m *End) Bytes() []byte {
	b := []byte{byte(TypeEnd), m.ID}
	if !m.HasChecksum {
		return b
	}
	b = append(b, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(b[2:], m.Checksum)
	return b
}

// Bytes encodes Ack.
func (m *Ack) Bytes() []byte {
	return []byte{byte(TypeAck), m.ID}
}

// Bytes encodes Error.
func (m *Error) Bytes() []byte {
	return []byte{byte(TypeError), m.ID, byte(m.Code)}
}

func (m *Start) String() string {
	return fmt.Sprintf("Start(id=%d, size=%d)", m.ID, m.TotalSize)
}

func (m *Chunk) String() string {
	return fmt.Sprintf("Chunk(id=%d, index=%d, len=%d)", m.ID, m.Index, len(m.Payload))
}

func (m *End) String() string {
	return fmt.Sprintf("End(id=%d)", m.ID)
}

func (m *Ack) String() string {
	return fmt.Sprintf("Ack(id=%d)", m.ID)
}

func (m *Error) String() string {
	return fmt.Sprintf("Error(id=%d, code=%s)", m.ID, m.Code)
}

// Encode returns the wire form of m.
func Encode(m Message) []byte {
	return m.Bytes()
}

// headerSize returns the fixed header length for a frame type.
func headerSize(t Type) (int, bool) {
	switch t {
	case TypeStart:
		return 4, true
	case TypeChunk:
		return 3, true
	case TypeEnd, TypeAck:
		return 2, true
	case TypeError:
		return 3, true
	}
	return 0, false
}

// Decode parses a single frame. The returned Chunk payload is a copy and
// does not alias b.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, errors.Wrap(ErrShortFrame, "empty frame")
	}

	t := Type(b[0])
	size, ok := headerSize(t)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "tag 0x%02x", b[0])
	}
	if len(b) < size {
		return nil, errors.Wrapf(ErrShortFrame, "%s frame has %d bytes, need %d", t, len(b), size)
	}

	switch t {
	case TypeStart:
		return &Start{ID: b[1], TotalSize: binary.LittleEndian.Uint16(b[2:4])}, nil

	case TypeChunk:
		payload := b[3:]
		if len(payload) == 0 {
			return nil, ErrEmptyChunk
		}
		if len(payload) > FragmentBudget {
			return nil, errors.Wrapf(ErrOversizedChunk, "%d > %d", len(payload), FragmentBudget)
		}
		return &Chunk{ID: b[1], Index: b[2], Payload: append([]byte(nil), payload...)}, nil

	case TypeEnd:
		m := &End{ID: b[1]}
		if len(b) >= 6 {
			m.Checksum = binary.LittleEndian.Uint32(b[2:6])
			m.HasChecksum = true
		}
		return m, nil

	case TypeAck:
		return &Ack{ID: b[1]}, nil

	default:
		return &Error{ID: b[1], Code: ErrorCode(b[2])}, nil
	}
}

// Checksum is the byte sum of data modulo 2^32 carried by End frames.
func Checksum(data []byte) uint32 {
	var sum uint32
	for _, c := range data {
		sum += uint32(c)
	}
	return sum
}
