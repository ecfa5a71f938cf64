package broadcast

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var journalBucket = []byte("broadcasts")

// Record is one journal entry describing a submission attempt.
type Record struct {
	ID        uuid.UUID `json:"id"`
	TxID      string    `json:"txid,omitempty"`
	Backend   string    `json:"backend"`
	Origin    string    `json:"origin"`
	Duplicate bool      `json:"duplicate,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// NewRecord builds a record for the outcome of a submission.
func NewRecord(origin, backend string, res *Result, err error) *Record {
	r := &Record{
		ID:      uuid.New(),
		Backend: backend,
		Origin:  origin,
		Time:    time.Now().UTC(),
	}
	if res != nil {
		r.TxID = res.TxID
		r.Duplicate = res.Duplicate
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Journal keeps a history of submissions.
type Journal interface {
	// Record appends r.
	Record(r *Record) error

	// Recent returns up to n records, newest first. n <= 0 returns all.
	Recent(n int) ([]*Record, error)

	Close() error
}

type memJournal struct {
	mu      sync.Mutex
	records []*Record
}

// InMemoryJournal returns a Journal that lives only as long as the process.
func InMemoryJournal() Journal {
	return &memJournal{}
}

func (j *memJournal) Record(r *Record) error {
	j.mu.Lock()
	j.records = append(j.records, r)
	j.mu.Unlock()
	return nil
}

func (j *memJournal) Recent(n int) ([]*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 || n > len(j.records) {
		n = len(j.records)
	}
	out := make([]*Record, 0, n)
	for i := len(j.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, j.records[i])
	}
	return out, nil
}

func (j *memJournal) Close() error {
	return nil
}

type boltDBJournal struct {
	db *bbolt.DB
}

// BoltDBJournal opens or creates a journal stored in a bbolt file at path.
func BoltDBJournal(path string) (Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(journalBucket); err != nil {
			return fmt.Errorf("failed to create bucket: %s", err)
		}

		return nil
	})
	if err != nil {
		db.Close() // nolint: errcheck
		return nil, err
	}

	return &boltDBJournal{db: db}, nil
}

func (j *boltDBJournal) Record(r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		return b.Put(sequenceKey(seq), raw)
	})
}

func (j *boltDBJournal) Recent(n int) ([]*Record, error) {
	var out []*Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(out) >= n {
				break
			}

			r := new(Record)
			if err := json.Unmarshal(v, r); err != nil {
				return fmt.Errorf("record %d: %s", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, r)
		}

		return nil
	})

	return out, err
}

func (j *boltDBJournal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

func sequenceKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
