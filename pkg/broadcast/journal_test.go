package broadcast

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func JournalSuite(t *testing.T, j Journal) {
	t.Helper()

	recs, err := j.Recent(0)
	require.NoError(t, err)
	assert.Empty(t, recs)

	first := NewRecord("!a1", "mempool", &Result{TxID: "aa", Backend: "mempool"}, nil)
	second := NewRecord("!b2", "node", nil, errors.New("node: http 401: unauthorized"))
	third := NewRecord("api", "blockstream", &Result{TxID: "cc", Backend: "blockstream", Duplicate: true}, nil)

	for _, r := range []*Record{first, second, third} {
		require.NoError(t, j.Record(r))
	}

	recs, err = j.Recent(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, third.ID, recs[0].ID)
	assert.True(t, recs[0].Duplicate)
	assert.Equal(t, second.ID, recs[1].ID)
	assert.Equal(t, "node: http 401: unauthorized", recs[1].Error)
	assert.Empty(t, recs[1].TxID)

	recs, err = j.Recent(-1)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "aa", recs[2].TxID)
	assert.Equal(t, "!a1", recs[2].Origin)
	assert.True(t, first.Time.Equal(recs[2].Time))
}

func TestInMemoryJournal(t *testing.T) {
	j := InMemoryJournal()
	JournalSuite(t, j)
	require.NoError(t, j.Close())
}

func TestBoltDBJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := BoltDBJournal(path)
	require.NoError(t, err)
	JournalSuite(t, j)
	require.NoError(t, j.Close())

	j, err = BoltDBJournal(path)
	require.NoError(t, err)
	defer j.Close() // nolint: errcheck

	recs, err := j.Recent(0)
	require.NoError(t, err)
	assert.Len(t, recs, 3, "records survive reopening")
}
