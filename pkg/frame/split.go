package frame

import (
	"math"

	"github.com/pkg/errors"
)

// ErrTooManyFragments occurs when a payload needs more than 256 chunks.
var ErrTooManyFragments = errors.New("payload needs more than 256 fragments")

// FragmentCount returns ceil(size / budget).
func FragmentCount(size, budget int) int {
	if budget <= 0 {
		return 0
	}
	return (size + budget - 1) / budget
}

// Split turns tx into the Start, Chunk* and End frames a sender transmits
// for transaction id. The End frame carries the byte-sum checksum.
func Split(id uint8, tx []byte, budget int) ([]Message, error) {
	if budget <= 0 || budget > FragmentBudget {
		budget = FragmentBudget
	}
	if len(tx) == 0 {
		return nil, errors.New("empty payload")
	}
	if len(tx) > math.MaxUint16 {
		return nil, errors.Errorf("payload of %d bytes does not fit a Start frame", len(tx))
	}

	n := FragmentCount(len(tx), budget)
	if n > math.MaxUint8+1 {
		return nil, ErrTooManyFragments
	}

	msgs := make([]Message, 0, n+2)
	msgs = append(msgs, &Start{ID: id, TotalSize: uint16(len(tx))})
	for i := 0; i < n; i++ {
		lo, hi := i*budget, (i+1)*budget
		if hi > len(tx) {
			hi = len(tx)
		}
		msgs = append(msgs, &Chunk{ID: id, Index: uint8(i), Payload: append([]byte(nil), tx[lo:hi]...)})
	}
	msgs = append(msgs, &End{ID: id, Checksum: Checksum(tx), HasChecksum: true})

	return msgs, nil
}
