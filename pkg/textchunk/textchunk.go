// Package textchunk parses and emits the human-readable fragment format used
// on mesh links that only carry printable text.
//
// The canonical line is
//
//	BTX:<index>/<total>:<hex>
//
// with 1-based indices. Older senders emit BTX:<total>:<index>:<hex>; both are
// accepted, only the canonical form is produced.
package textchunk

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Prefix marks a line as a transaction chunk.
const Prefix = "BTX:"

// TextChunkSize is the number of hex characters per emitted line.
const TextChunkSize = 190

const (
	ackTag = "ACK"
	errTag = "ERR"
)

var (
	// ErrNotApplicable means the line is not a chunk line at all.
	ErrNotApplicable = errors.New("not a chunk line")

	// ErrMalformed means the line has the prefix but an unparsable header.
	ErrMalformed = errors.New("malformed chunk line")

	// ErrInvalidHex means the chunk payload is not hexadecimal.
	ErrInvalidHex = errors.New("chunk payload is not valid hex")
)

// Chunk is one parsed text fragment. Total is zero for raw lines that carry
// no position information.
type Chunk struct {
	Index      uint32 `json:"index"`
	Total      uint32 `json:"total"`
	HexPayload string `json:"data"`
}

// Raw reports whether the chunk came without index and total.
func (c Chunk) Raw() bool {
	return c.Total == 0
}

// String returns the canonical line for c.
func (c Chunk) String() string {
	return fmt.Sprintf("%s%d/%d:%s", Prefix, c.Index, c.Total, c.HexPayload)
}

// Parse recognizes a prefixed chunk line in either header ordering.
func Parse(line string) (Chunk, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, Prefix) {
		return Chunk{}, ErrNotApplicable
	}
	body := line[len(Prefix):]

	var (
		index, total uint32
		payload      string
		err          error
	)

	head := strings.SplitN(body, ":", 2)
	if len(head) != 2 {
		return Chunk{}, errors.Wrap(ErrMalformed, "missing payload separator")
	}

	if strings.Contains(head[0], "/") {
		pos := strings.SplitN(head[0], "/", 2)
		if index, err = parseUint(pos[0]); err != nil {
			return Chunk{}, err
		}
		if total, err = parseUint(pos[1]); err != nil {
			return Chunk{}, err
		}
		payload = head[1]
	} else {
		rest := strings.SplitN(head[1], ":", 2)
		if len(rest) != 2 {
			return Chunk{}, errors.Wrap(ErrMalformed, "expected <index>/<total> or <total>:<index>")
		}
		if total, err = parseUint(head[0]); err != nil {
			return Chunk{}, err
		}
		if index, err = parseUint(rest[0]); err != nil {
			return Chunk{}, err
		}
		payload = rest[1]
	}

	if total == 0 || index == 0 || index > total {
		return Chunk{}, errors.Wrapf(ErrMalformed, "chunk %d/%d out of range", index, total)
	}
	if err := checkHex(payload); err != nil {
		return Chunk{}, err
	}

	return Chunk{Index: index, Total: total, HexPayload: strings.ToLower(payload)}, nil
}

// ParseRaw accepts a bare hex line as a position-less chunk.
func ParseRaw(line string) (Chunk, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, Prefix) {
		return Chunk{}, ErrNotApplicable
	}
	if err := checkHex(line); err != nil {
		return Chunk{}, ErrNotApplicable
	}
	return Chunk{HexPayload: strings.ToLower(line)}, nil
}

// Split cuts a transaction hex string into canonical lines of at most size
// payload characters. size is rounded down to an even number.
func Split(txHex string, size int) []string {
	if size <= 1 {
		size = TextChunkSize
	}
	size -= size % 2

	total := (len(txHex) + size - 1) / size
	lines := make([]string, 0, total)
	for i := 0; i < total; i++ {
		lo, hi := i*size, (i+1)*size
		if hi > len(txHex) {
			hi = len(txHex)
		}
		lines = append(lines, Chunk{Index: uint32(i + 1), Total: uint32(total), HexPayload: txHex[lo:hi]}.String())
	}
	return lines
}

// Ack is the feedback line sent to a text originator after a broadcast.
func Ack(txid string) string {
	return Prefix + ackTag + ":" + txid
}

// Nack is the feedback line sent to a text originator on failure.
func Nack(reason string) string {
	return Prefix + errTag + ":" + reason
}

func parseUint(s string) (uint32, error) {
	if s == "" {
		return 0, errors.Wrap(ErrMalformed, "empty number")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Wrapf(ErrMalformed, "%q is not a decimal integer", s)
		}
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "%q: %v", s, err)
	}
	return uint32(v), nil
}

func checkHex(s string) error {
	if s == "" {
		return errors.Wrap(ErrInvalidHex, "empty payload")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return errors.Wrap(ErrInvalidHex, err.Error())
	}
	return nil
}
