package reassembly

import (
	"bytes"
	"log"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/btxmesh/pkg/frame"
	"github.com/skycoin/btxmesh/pkg/textchunk"
)

const genesisTxHex = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func newTestManager(t *testing.T) (*Manager, time.Time) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	m := New(Config{})
	m.now = func() time.Time { return base }
	t.Cleanup(func() { m.Close() }) // nolint: errcheck
	return m, base
}

func payload(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

func TestBinaryAssembly(t *testing.T) {
	m, _ := newTestManager(t)
	tx := payload(300, 3)

	require.NoError(t, m.Start("!a1", 7, 300))
	require.NoError(t, m.Chunk("!a1", 7, 0, tx[:180]))
	require.NoError(t, m.Chunk("!a1", 7, 1, tx[180:]))
	assert.Equal(t, 1, m.Len())

	sum := frame.Checksum(tx)
	got, err := m.End("!a1", 7, &sum)
	require.NoError(t, err)
	assert.Equal(t, tx, got)
	assert.Equal(t, 0, m.Len())
}

func TestAssemblyIsOrderIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	tx := payload(400, 9)

	for _, order := range [][]uint8{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}} {
		require.NoError(t, m.Start("!a1", 1, len(tx)))
		for _, i := range order {
			lo, hi := int(i)*180, int(i+1)*180
			if hi > len(tx) {
				hi = len(tx)
			}
			require.NoError(t, m.Chunk("!a1", 1, i, tx[lo:hi]))
		}
		got, err := m.End("!a1", 1, nil)
		require.NoError(t, err)
		assert.Equal(t, tx, got, "order %v", order)
	}
}

func TestDuplicateFragmentOverwrites(t *testing.T) {
	m, _ := newTestManager(t)
	tx := payload(200, 1)

	require.NoError(t, m.Start("!a1", 2, 200))
	require.NoError(t, m.Chunk("!a1", 2, 0, bytes.Repeat([]byte{0xee}, 180)))
	require.NoError(t, m.Chunk("!a1", 2, 1, tx[180:]))
	require.NoError(t, m.Chunk("!a1", 2, 0, tx[:180]))
	require.NoError(t, m.Chunk("!a1", 2, 0, tx[:180]))

	got, err := m.End("!a1", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, tx, got)
}

func TestAssemblyTruncatesPadding(t *testing.T) {
	m, _ := newTestManager(t)
	tx := payload(190, 5)

	require.NoError(t, m.Start("!a1", 3, 190))
	require.NoError(t, m.Chunk("!a1", 3, 0, tx[:180]))
	require.NoError(t, m.Chunk("!a1", 3, 1, append(append([]byte{}, tx[180:]...), 0, 0, 0)))

	got, err := m.End("!a1", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, tx, got)
}

func TestStartErrors(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.Start("!a1", 1, frame.MaxTxSize+1)
	assert.True(t, errors.Is(err, ErrTooLarge))
	assert.Equal(t, ErrEmpty, m.Start("!a1", 2, 0))
	assert.Equal(t, 0, m.Len())

	require.NoError(t, m.Start("!a1", 3, frame.MaxTxSize))
	assert.Equal(t, 1, m.Len())
}

func TestRestartReplacesState(t *testing.T) {
	m, _ := newTestManager(t)

	require.NoError(t, m.Start("!a1", 4, 10))
	require.NoError(t, m.Chunk("!a1", 4, 0, payload(10, 0)))
	require.NoError(t, m.Start("!a1", 4, 20))
	assert.Equal(t, 1, m.Len())

	_, err := m.End("!a1", 4, nil)
	assert.True(t, errors.Is(err, ErrIncomplete))
}

func TestRejectedStartKeepsState(t *testing.T) {
	m, _ := newTestManager(t)

	tx := payload(300, 1)
	require.NoError(t, m.Start("!a1", 3, len(tx)))
	require.NoError(t, m.Chunk("!a1", 3, 0, tx[:frame.FragmentBudget]))

	err := m.Start("!a1", 3, frame.MaxTxSize+1)
	assert.True(t, errors.Is(err, ErrTooLarge))
	assert.Equal(t, ErrEmpty, m.Start("!a1", 3, 0))
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Chunk("!a1", 3, 1, tx[frame.FragmentBudget:]))
	got, err := m.End("!a1", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, tx, got)
}

func TestChunkErrors(t *testing.T) {
	m, _ := newTestManager(t)

	assert.Equal(t, ErrUnknownTransaction, m.Chunk("!a1", 1, 0, []byte{1}))

	require.NoError(t, m.Start("!a1", 1, 300))
	err := m.Chunk("!a1", 1, 2, []byte{1})
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))

	assert.Equal(t, ErrUnknownTransaction, m.Chunk("!b2", 1, 0, []byte{1}), "keys are per originator")
}

func TestEndErrors(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.End("!a1", 1, nil)
	assert.Equal(t, ErrUnknownTransaction, err)

	require.NoError(t, m.Start("!a1", 1, 300))
	require.NoError(t, m.Chunk("!a1", 1, 0, payload(180, 0)))
	_, err = m.End("!a1", 1, nil)
	assert.True(t, errors.Is(err, ErrIncomplete))
	assert.Equal(t, 0, m.Len())

	require.NoError(t, m.Start("!a1", 1, 300))
	require.NoError(t, m.Chunk("!a1", 1, 0, payload(180, 0)))
	require.NoError(t, m.Chunk("!a1", 1, 1, payload(100, 0)))
	_, err = m.End("!a1", 1, nil)
	assert.True(t, errors.Is(err, ErrIncomplete), "short last fragment")

	tx := payload(100, 0)
	require.NoError(t, m.Start("!a1", 1, 100))
	require.NoError(t, m.Chunk("!a1", 1, 0, tx))
	bad := frame.Checksum(tx) + 1
	_, err = m.End("!a1", 1, &bad)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
	assert.Equal(t, 0, m.Len())
}

func TestSweepExpiresExactlyOnce(t *testing.T) {
	m, base := newTestManager(t)

	require.NoError(t, m.Start("!a1", 1, 100))
	require.NoError(t, m.Start("!b2", 9, 100))
	_, _, err := m.Text("!c3", textchunk.Chunk{Index: 1, Total: 2, HexPayload: "0100"})
	require.NoError(t, err)

	assert.Empty(t, m.Sweep(base.Add(DefaultTimeout-time.Second)))
	assert.Equal(t, 3, m.Len())

	expired := m.Sweep(base.Add(DefaultTimeout))
	assert.Equal(t, []Expired{
		{Origin: "!a1", ID: 1},
		{Origin: "!b2", ID: 9},
		{Origin: "!c3", Text: true},
	}, expired)
	assert.Equal(t, 0, m.Len())

	assert.Empty(t, m.Sweep(base.Add(2*DefaultTimeout)))
}

func TestTextIndexed(t *testing.T) {
	half := len(genesisTxHex) / 2
	first := textchunk.Chunk{Index: 1, Total: 2, HexPayload: genesisTxHex[:half]}
	second := textchunk.Chunk{Index: 2, Total: 2, HexPayload: genesisTxHex[half:]}

	for _, order := range [][]textchunk.Chunk{{first, second}, {second, first}} {
		m, _ := newTestManager(t)

		txHex, done, err := m.Text("!a1", order[0])
		require.NoError(t, err)
		assert.False(t, done)
		assert.Empty(t, txHex)
		assert.Equal(t, 1, m.Len())

		txHex, done, err = m.Text("!a1", order[1])
		require.NoError(t, err)
		assert.True(t, done)
		assert.Equal(t, genesisTxHex, txHex)
		assert.Equal(t, 0, m.Len())
	}
}

func TestTextRaw(t *testing.T) {
	m, _ := newTestManager(t)

	// Cut points where the prefix does not pass the plausibility check.
	pieces := []string{genesisTxHex[:100], genesisTxHex[100:246], genesisTxHex[246:]}

	for _, p := range pieces[:2] {
		_, done, err := m.Text("!a1", textchunk.Chunk{HexPayload: p})
		require.NoError(t, err)
		assert.False(t, done)
	}

	txHex, done, err := m.Text("!a1", textchunk.Chunk{HexPayload: pieces[2]})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, genesisTxHex, txHex)
}

func TestTextTotalChangeRestarts(t *testing.T) {
	m, _ := newTestManager(t)
	half := len(genesisTxHex) / 2

	_, _, err := m.Text("!a1", textchunk.Chunk{Index: 1, Total: 3, HexPayload: "aa"})
	require.NoError(t, err)

	_, _, err = m.Text("!a1", textchunk.Chunk{Index: 1, Total: 2, HexPayload: genesisTxHex[:half]})
	require.NoError(t, err)

	txHex, done, err := m.Text("!a1", textchunk.Chunk{Index: 2, Total: 2, HexPayload: genesisTxHex[half:]})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, genesisTxHex, txHex)
}

func TestTextErrors(t *testing.T) {
	m, _ := newTestManager(t)

	zeros := string(bytes.Repeat([]byte("00"), 40))
	_, _, err := m.Text("!a1", textchunk.Chunk{Index: 1, Total: 2, HexPayload: zeros})
	require.NoError(t, err)
	_, done, err := m.Text("!a1", textchunk.Chunk{Index: 2, Total: 2, HexPayload: zeros})
	assert.False(t, done)
	assert.Equal(t, ErrImplausible, err)
	assert.Equal(t, 0, m.Len())

	big := string(bytes.Repeat([]byte("00"), frame.MaxTxSize+1))
	_, _, err = m.Text("!a1", textchunk.Chunk{Index: 1, Total: 2, HexPayload: big})
	assert.True(t, errors.Is(err, ErrTooLarge))
	assert.Equal(t, 0, m.Len())
}

func TestPending(t *testing.T) {
	m, base := newTestManager(t)

	require.NoError(t, m.Start("!a1", 5, 300))
	require.NoError(t, m.Chunk("!a1", 5, 1, payload(120, 0)))

	m.now = func() time.Time { return base.Add(time.Second) }
	_, _, err := m.Text("!b2", textchunk.Chunk{Index: 1, Total: 3, HexPayload: "abcd"})
	require.NoError(t, err)

	assert.Equal(t, []PendingInfo{
		{Origin: "!a1", ID: 5, Total: 300, Expected: 2, Received: 1, Created: base},
		{Origin: "!b2", Text: true, Total: 2, Expected: 3, Received: 1, Created: base.Add(time.Second)},
	}, m.Pending())
}

func TestClose(t *testing.T) {
	m := New(Config{})
	require.NoError(t, m.Start("!a1", 1, 10))
	require.NoError(t, m.Close())

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, ErrClosed, m.Start("!a1", 1, 10))
	assert.Equal(t, ErrClosed, m.Close())
}
