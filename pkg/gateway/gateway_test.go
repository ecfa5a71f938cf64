package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io/ioutil"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/btxmesh/internal/testhelpers"
	"github.com/skycoin/btxmesh/pkg/broadcast"
	"github.com/skycoin/btxmesh/pkg/btctx"
	"github.com/skycoin/btxmesh/pkg/frame"
	"github.com/skycoin/btxmesh/pkg/meshlink"
	"github.com/skycoin/btxmesh/pkg/reassembly"
	"github.com/skycoin/btxmesh/pkg/textchunk"
)

const (
	genesisTxHex = "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff4d04ffff001d0104455468652054696d65732030332f4a616e2f32303039204368616e63656c6c6f72206f6e206272696e6b206f66207365636f6e64206261696c6f757420666f722062616e6b73ffffffff0100f2052a01000000434104678afdb0fe5548271967f1a67130b7105cd6a828e03909a67962e0ea1f61deb649f6bc3f4cef38c4f35504e51ec112de5c384df7ba0b8d578a4c702b6bf11d5fac00000000"
	genesisTxID  = "4a5e1e4baab89f3a32518a88c31bc87f618f76673e2cc77ab2127b7afdeda33b"
)

var testLogging bool

func TestMain(m *testing.M) {
	loggingLevel, ok := os.LookupEnv("TEST_LOGGING_LEVEL")
	if ok {
		lvl, err := logging.LevelFromString(loggingLevel)
		if err != nil {
			log.Fatal(err)
		}
		logging.SetLevel(lvl)
		testLogging = true
	} else {
		logging.Disable()
	}

	os.Exit(m.Run())
}

func testMasterLogger() *logging.MasterLogger {
	ml := logging.NewMasterLogger()
	if !testLogging {
		ml.Out = ioutil.Discard
	}
	return ml
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	calls   []string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeBroadcaster) Submit(_ context.Context, txHex string, backend *broadcast.Backend, _ broadcast.Network, _ bool) (*broadcast.Result, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	f.calls = append(f.calls, txHex)
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	txid, err := btctx.TxIDFromHex(txHex)
	if err != nil {
		return nil, broadcast.ErrInvalidHex
	}
	return &broadcast.Result{TxID: txid, Backend: backend.Name}, nil
}

func (f *fakeBroadcaster) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type testEnv struct {
	g      *Gateway
	node   *meshlink.PipeEnd
	bc     *fakeBroadcaster
	cancel context.CancelFunc
	served <-chan error
}

func waitServing(t *testing.T, g *Gateway) {
	testhelpers.Eventually(t, func() bool {
		g.serveMu.Lock()
		defer g.serveMu.Unlock()
		return g.serving
	}, "gateway did not start serving")
}

func newTestEnv(t *testing.T, bc *fakeBroadcaster, modify func(*Config)) *testEnv {
	conf := DefaultConfig()
	if modify != nil {
		modify(conf)
	}
	if bc == nil {
		bc = &fakeBroadcaster{}
	}

	gwEnd, node := meshlink.Pipe("!gw", "!node")
	g, err := New(conf, gwEnd, bc, nil, testMasterLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		g:      g,
		node:   node,
		bc:     bc,
		cancel: cancel,
		served: testhelpers.Go(func() error { return g.Serve(ctx) }),
	}
	waitServing(t, g)

	t.Cleanup(func() {
		env.cancel()
		assert.NoError(t, testhelpers.WithinTimeout(env.served))
		assert.NoError(t, g.Close())
		node.Close() // nolint: errcheck
	})
	return env
}

func (e *testEnv) sendFrames(t *testing.T, msgs ...frame.Message) {
	for _, m := range msgs {
		require.NoError(t, e.node.Send(context.Background(), "!gw", frame.AppPort, frame.Encode(m)))
	}
}

func (e *testEnv) sendLines(t *testing.T, lines ...string) {
	for _, l := range lines {
		require.NoError(t, e.node.Send(context.Background(), "!gw", frame.TextPort, []byte(l)))
	}
}

func (e *testEnv) recv(t *testing.T) meshlink.Packet {
	select {
	case p, ok := <-e.node.Packets():
		require.True(t, ok)
		return p
	case <-time.After(testhelpers.Timeout):
		t.Fatal("no reply from gateway")
		return meshlink.Packet{}
	}
}

func (e *testEnv) recvFrame(t *testing.T) frame.Message {
	p := e.recv(t)
	require.Equal(t, uint32(frame.AppPort), p.Port)
	msg, err := frame.Decode(p.Payload)
	require.NoError(t, err)
	return msg
}

func (e *testEnv) recvLine(t *testing.T) string {
	p := e.recv(t)
	require.Equal(t, uint32(frame.TextPort), p.Port)
	return string(p.Payload)
}

func genesisFrames(t *testing.T, id uint8) []frame.Message {
	tx, err := hex.DecodeString(genesisTxHex)
	require.NoError(t, err)
	msgs, err := frame.Split(id, tx, frame.FragmentBudget)
	require.NoError(t, err)
	return msgs
}

func TestGatewayBinaryTransaction(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	env.sendFrames(t, genesisFrames(t, 7)...)

	assert.Equal(t, &frame.Ack{ID: 7}, env.recvFrame(t))
	assert.Equal(t, []string{genesisTxHex}, env.bc.Calls())

	c := env.g.Counters()
	assert.Equal(t, uint64(4), c.Packets)
	assert.Equal(t, uint64(1), c.Received)
	assert.Equal(t, uint64(1), c.Dispatched)
	assert.Equal(t, 0, c.Pending)

	records, err := env.g.Broadcasts(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, genesisTxID, records[0].TxID)
	assert.Equal(t, "!node", records[0].Origin)
	assert.Equal(t, "mempool", records[0].Backend)
}

func TestGatewayOutOfOrderFragments(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	msgs := genesisFrames(t, 9)
	require.Len(t, msgs, 4)
	env.sendFrames(t, msgs[0], msgs[2], msgs[1], msgs[3])

	assert.Equal(t, &frame.Ack{ID: 9}, env.recvFrame(t))
}

func TestGatewayTextTransaction(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	lines := textchunk.Split(genesisTxHex, textchunk.TextChunkSize)
	require.Len(t, lines, 3)
	env.sendLines(t, lines[2], lines[0], lines[1])

	assert.Equal(t, textchunk.Ack(genesisTxID), env.recvLine(t))
	assert.Equal(t, []string{genesisTxHex}, env.bc.Calls())
}

func TestGatewayRawText(t *testing.T) {
	env := newTestEnv(t, nil, func(c *Config) { c.Text.AcceptRaw = true })

	env.sendLines(t, genesisTxHex[:100], genesisTxHex[100:246], genesisTxHex[246:])

	assert.Equal(t, textchunk.Ack(genesisTxID), env.recvLine(t))
}

func TestGatewayTextErrors(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	env.sendLines(t, "hello mesh", "BTX:1/2:zz")
	assert.Equal(t, textchunk.Nack(frame.CodeInvalidHex.String()), env.recvLine(t))

	testhelpers.Eventually(t, func() bool {
		c := env.g.Counters()
		return c.Packets == 2 && c.Dropped == 1
	})
	assert.Empty(t, env.bc.Calls())
}

func TestGatewayBroadcastFailure(t *testing.T) {
	env := newTestEnv(t, &fakeBroadcaster{err: errors.New("backend unreachable")}, nil)

	env.sendFrames(t, genesisFrames(t, 3)...)
	assert.Equal(t, &frame.Error{ID: 3, Code: frame.CodeBroadcastFailure}, env.recvFrame(t))

	env.sendLines(t, textchunk.Split(genesisTxHex, textchunk.TextChunkSize)...)
	assert.Equal(t, textchunk.Nack("broadcast"), env.recvLine(t))

	c := env.g.Counters()
	assert.Equal(t, uint64(2), c.Received)
	assert.Equal(t, uint64(2), c.Failed)
	assert.Equal(t, uint64(0), c.Dispatched)

	records, err := env.g.Broadcasts(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "backend unreachable", records[0].Error)
}

func TestGatewayReassemblyErrors(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.sendFrames(t, &frame.Start{ID: 1, TotalSize: frame.MaxTxSize + 1})
		assert.Equal(t, &frame.Error{ID: 1, Code: frame.CodeTooLarge}, env.recvFrame(t))
		assert.Equal(t, uint64(1), env.g.Counters().Rejected)
	})

	t.Run("incomplete", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		msgs := genesisFrames(t, 2)
		env.sendFrames(t, msgs[0], msgs[1], msgs[3])
		assert.Equal(t, &frame.Error{ID: 2, Code: frame.CodeIncomplete}, env.recvFrame(t))
	})

	t.Run("checksum mismatch", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		msgs := genesisFrames(t, 4)
		end := msgs[3].(*frame.End)
		env.sendFrames(t, msgs[0], msgs[1], msgs[2], &frame.End{ID: 4, Checksum: end.Checksum + 1, HasChecksum: true})
		assert.Equal(t, &frame.Error{ID: 4, Code: frame.CodeChecksumMismatch}, env.recvFrame(t))
	})

	t.Run("implausible text transaction", func(t *testing.T) {
		env := newTestEnv(t, nil, nil)
		env.sendLines(t, "BTX:1/2:"+strings.Repeat("ff", 40), "BTX:2/2:"+strings.Repeat("ff", 40))
		assert.Equal(t, textchunk.Nack(frame.CodeMalformed.String()), env.recvLine(t))
		assert.Empty(t, env.bc.Calls())
	})
}

func TestGatewayArbitraryBinaryPayload(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tx := bytes.Repeat([]byte{0xab}, 300)
	env.sendFrames(t,
		&frame.Start{ID: 7, TotalSize: 300},
		&frame.Chunk{ID: 7, Index: 0, Payload: tx[:180]},
		&frame.Chunk{ID: 7, Index: 1, Payload: tx[180:]},
		&frame.End{ID: 7},
	)

	assert.Equal(t, &frame.Ack{ID: 7}, env.recvFrame(t))
	assert.Equal(t, []string{strings.Repeat("ab", 300)}, env.bc.Calls())
	assert.Empty(t, env.g.Pending())
}

func TestGatewayIgnoresUnexpectedPackets(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	require.NoError(t, env.node.Send(context.Background(), "!gw", 99, []byte{1, 2, 3}))
	require.NoError(t, env.node.Send(context.Background(), "!gw", frame.AppPort, []byte{0x7f}))
	env.sendFrames(t, &frame.Ack{ID: 1}, &frame.Chunk{ID: 8, Index: 0, Payload: []byte{1}})

	testhelpers.Eventually(t, func() bool {
		c := env.g.Counters()
		return c.Packets == 4 && c.Dropped == 3
	})
	assert.Equal(t, 0, env.g.Counters().Pending)
}

func TestGatewaySweep(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	msgs := genesisFrames(t, 6)
	env.sendFrames(t, msgs[0], msgs[1])
	env.sendLines(t, textchunk.Split(genesisTxHex, textchunk.TextChunkSize)[0])

	testhelpers.Eventually(t, func() bool { return len(env.g.Pending()) == 2 })

	env.g.sweep(time.Now().Add(reassembly.DefaultTimeout + time.Second))

	replies := map[uint32]meshlink.Packet{}
	for i := 0; i < 2; i++ {
		p := env.recv(t)
		replies[p.Port] = p
	}
	msg, err := frame.Decode(replies[frame.AppPort].Payload)
	require.NoError(t, err)
	assert.Equal(t, &frame.Error{ID: 6, Code: frame.CodeTimeout}, msg)
	assert.Equal(t, textchunk.Nack("timeout"), string(replies[frame.TextPort].Payload))

	assert.Equal(t, uint64(2), env.g.Counters().Expired)
	assert.Empty(t, env.g.Pending())

	env.g.sweep(time.Now().Add(time.Hour))
	assert.Equal(t, uint64(2), env.g.Counters().Expired)
}

func TestGatewayQueueFull(t *testing.T) {
	bc := &fakeBroadcaster{entered: make(chan struct{}, 8), release: make(chan struct{})}
	env := newTestEnv(t, bc, func(c *Config) {
		c.Broadcast.Workers = 1
		c.Broadcast.QueueSize = 1
	})

	env.sendFrames(t, genesisFrames(t, 1)...)
	select {
	case <-bc.entered:
	case <-time.After(testhelpers.Timeout):
		t.Fatal("broadcast not started")
	}

	env.sendFrames(t, genesisFrames(t, 2)...)
	env.sendFrames(t, genesisFrames(t, 3)...)

	assert.Equal(t, &frame.Error{ID: 3, Code: frame.CodeBroadcastFailure}, env.recvFrame(t))

	close(bc.release)
	assert.Equal(t, &frame.Ack{ID: 1}, env.recvFrame(t))
	assert.Equal(t, &frame.Ack{ID: 2}, env.recvFrame(t))
	assert.Equal(t, uint64(1), env.g.Counters().Failed)
}

func TestGatewayDrainsOnShutdown(t *testing.T) {
	bc := &fakeBroadcaster{entered: make(chan struct{}, 8), release: make(chan struct{})}
	env := newTestEnv(t, bc, nil)

	env.sendFrames(t, genesisFrames(t, 1)...)
	<-bc.entered

	env.cancel()
	select {
	case <-env.served:
		t.Fatal("Serve returned before the broadcast finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(bc.release)
	assert.Equal(t, &frame.Ack{ID: 1}, env.recvFrame(t))
	assert.Len(t, bc.Calls(), 1)
}

func TestGatewaySubmit(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	res, err := env.g.Submit(context.Background(), "  "+genesisTxHex+"\n")
	require.NoError(t, err)
	assert.Equal(t, genesisTxID, res.TxID)
	assert.Equal(t, uint64(1), env.g.Counters().Received)

	_, err = env.g.Submit(context.Background(), string(bytes.Repeat([]byte("00"), frame.MaxTxSize+1)))
	assert.True(t, errors.Is(err, reassembly.ErrTooLarge))
	assert.Len(t, env.bc.Calls(), 1)
}

func TestGatewaySummary(t *testing.T) {
	env := newTestEnv(t, nil, func(c *Config) { c.Node = "!cafe" })

	s := env.g.Summary()
	assert.Equal(t, "!cafe", s.Node)
	assert.Equal(t, "mempool", s.Backend)
	assert.Equal(t, "mainnet", s.Network)
	assert.True(t, s.MeshConnected)
	assert.False(t, s.PrivacyVerified)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, ErrAlreadyServing, env.g.Serve(ctx))
}

func TestGatewayMeshDisconnect(t *testing.T) {
	conf := DefaultConfig()
	gwEnd, node := meshlink.Pipe("!gw", "!node")
	g, err := New(conf, gwEnd, &fakeBroadcaster{}, nil, testMasterLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := testhelpers.Go(func() error { return g.Serve(ctx) })

	require.NoError(t, gwEnd.Close())
	testhelpers.Eventually(t, func() bool { return !g.Summary().MeshConnected })

	cancel()
	require.NoError(t, testhelpers.WithinTimeout(served))
	require.NoError(t, g.Close())
	require.NoError(t, node.Close())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	conf := DefaultConfig()
	conf.Mesh.TextPort = conf.Mesh.DataPort
	_, err := New(conf, nil, &fakeBroadcaster{}, nil, nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), nil, nil, nil, nil)
	assert.Error(t, err)
}
