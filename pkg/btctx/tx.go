// Package btctx inspects serialized Bitcoin transactions: varints, segwit
// stripping, transaction ids and a cheap plausibility check.
package btctx

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/cipher"
)

const (
	// MinTxSize is the smallest byte length LooksComplete accepts.
	MinTxSize = 60

	// MaxLockTime is the largest locktime LooksComplete accepts.
	MaxLockTime = 0x7fffffff

	versionSize  = 4
	lockTimeSize = 4
	outPointSize = 36
	sequenceSize = 4
	amountSize   = 8
)

var (
	// ErrNotWitness occurs when StripWitness is given a legacy transaction.
	ErrNotWitness = errors.New("transaction is not witness encoded")

	// ErrTrailingData occurs when bytes remain between the witness data and
	// the locktime.
	ErrTrailingData = errors.New("unexpected data after witness stacks")
)

// IsWitness reports whether tx carries the segwit marker and flag right after
// its version field.
func IsWitness(tx []byte) bool {
	return len(tx) > versionSize+1 && tx[versionSize] == 0x00 && tx[versionSize+1] == 0x01
}

// StripWitness rebuilds the legacy serialization of a witness transaction.
func StripWitness(tx []byte) ([]byte, error) {
	if !IsWitness(tx) {
		return nil, ErrNotWitness
	}

	r := &reader{b: tx, pos: versionSize + 2}

	nIn, err := r.varint()
	if err != nil {
		return nil, errors.Wrap(err, "input count")
	}
	inStart := r.pos
	for i := uint64(0); i < nIn; i++ {
		if err := r.skip(outPointSize); err != nil {
			return nil, errors.Wrapf(err, "input %d outpoint", i)
		}
		if err := r.skipVarBytes(); err != nil {
			return nil, errors.Wrapf(err, "input %d script", i)
		}
		if err := r.skip(sequenceSize); err != nil {
			return nil, errors.Wrapf(err, "input %d sequence", i)
		}
	}
	inputs := tx[inStart:r.pos]

	nOut, err := r.varint()
	if err != nil {
		return nil, errors.Wrap(err, "output count")
	}
	outStart := r.pos
	for i := uint64(0); i < nOut; i++ {
		if err := r.skip(amountSize); err != nil {
			return nil, errors.Wrapf(err, "output %d amount", i)
		}
		if err := r.skipVarBytes(); err != nil {
			return nil, errors.Wrapf(err, "output %d script", i)
		}
	}
	outputs := tx[outStart:r.pos]

	for i := uint64(0); i < nIn; i++ {
		items, err := r.varint()
		if err != nil {
			return nil, errors.Wrapf(err, "witness %d item count", i)
		}
		for j := uint64(0); j < items; j++ {
			if err := r.skipVarBytes(); err != nil {
				return nil, errors.Wrapf(err, "witness %d item %d", i, j)
			}
		}
	}

	switch rest := len(tx) - r.pos; {
	case rest < lockTimeSize:
		return nil, errors.Wrap(ErrTruncated, "locktime")
	case rest > lockTimeSize:
		return nil, errors.Wrapf(ErrTrailingData, "%d bytes", rest-lockTimeSize)
	}

	legacy := make([]byte, 0, len(tx))
	legacy = append(legacy, tx[:versionSize]...)
	legacy = AppendVarInt(legacy, nIn)
	legacy = append(legacy, inputs...)
	legacy = AppendVarInt(legacy, nOut)
	legacy = append(legacy, outputs...)
	legacy = append(legacy, tx[len(tx)-lockTimeSize:]...)

	return legacy, nil
}

// TxID returns the display-order transaction id of tx. Witness transactions
// are hashed over their legacy serialization.
func TxID(tx []byte) (string, error) {
	data := tx
	if IsWitness(tx) {
		var err error
		if data, err = StripWitness(tx); err != nil {
			return "", err
		}
	}

	first := cipher.SumSHA256(data)
	sum := cipher.SumSHA256(first[:])
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}

	return hex.EncodeToString(sum[:]), nil
}

// TxIDFromHex decodes txHex and returns its transaction id.
func TxIDFromHex(txHex string) (string, error) {
	tx, err := hex.DecodeString(strings.TrimSpace(txHex))
	if err != nil {
		return "", errors.Wrap(err, "invalid transaction hex")
	}
	return TxID(tx)
}

// LooksComplete is a structural heuristic for text-path payloads which carry
// no length signal. It can be fooled both ways and never replaces a parser.
func LooksComplete(txHex string) bool {
	tx, err := hex.DecodeString(txHex)
	if err != nil || len(tx) < MinTxSize {
		return false
	}

	version := binary.LittleEndian.Uint32(tx[:versionSize])
	if version != 1 && version != 2 {
		return false
	}

	return binary.LittleEndian.Uint32(tx[len(tx)-lockTimeSize:]) <= MaxLockTime
}

type reader struct {
	b   []byte
	pos int
}

func (r *reader) varint() (uint64, error) {
	v, n, err := ReadVarInt(r.b, r.pos)
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

func (r *reader) skip(n uint64) error {
	if uint64(len(r.b)-r.pos) < n {
		return ErrTruncated
	}
	r.pos += int(n)
	return nil
}

func (r *reader) skipVarBytes() error {
	n, err := r.varint()
	if err != nil {
		return err
	}
	return r.skip(n)
}
