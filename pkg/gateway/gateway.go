// Package gateway implements the internet-connected node that collects
// fragmented transactions from the mesh and broadcasts them.
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/btxmesh/internal/metrics"
	"github.com/skycoin/btxmesh/pkg/broadcast"
	"github.com/skycoin/btxmesh/pkg/btctx"
	"github.com/skycoin/btxmesh/pkg/frame"
	"github.com/skycoin/btxmesh/pkg/meshlink"
	"github.com/skycoin/btxmesh/pkg/reassembly"
	"github.com/skycoin/btxmesh/pkg/textchunk"
)

// Version is the gateway version reported in summaries.
const Version = "0.1.0"

const (
	sendTimeout     = 5 * time.Second
	apiOriginPrefix = "api:"
)

var (
	// ErrQueueFull is returned when a bounded queue cannot take more work.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned after the gateway stopped serving.
	ErrClosed = errors.New("gateway closed")

	// ErrAlreadyServing is returned when Serve is called twice.
	ErrAlreadyServing = errors.New("gateway already serving")
)

// Broadcaster submits complete transactions to the Bitcoin network.
type Broadcaster interface {
	Submit(ctx context.Context, txHex string, backend *broadcast.Backend, network broadcast.Network, private bool) (*broadcast.Result, error)
}

type privacyReporter interface {
	PrivacyVerified() bool
}

// Summary describes the gateway state.
type Summary struct {
	Node            string `json:"node"`
	Version         string `json:"version"`
	Backend         string `json:"backend"`
	Network         string `json:"network"`
	Private         bool   `json:"private"`
	PrivacyVerified bool   `json:"privacy_verified"`
	MeshConnected   bool   `json:"mesh_connected"`
	Uptime          string `json:"uptime"`
	Counters
}

type job struct {
	origin string
	source meshlink.Source
	id     uint8
	text   bool
	txHex  string
}

// Gateway reassembles transactions arriving over a mesh link and hands
// them to a Broadcaster.
type Gateway struct {
	Logger *logging.Logger

	conf    *Config
	link    meshlink.Link
	bc      Broadcaster
	journal broadcast.Journal
	backend *broadcast.Backend
	network broadcast.Network
	rm      *reassembly.Manager

	stats    Stats
	registry *prometheus.Registry
	recorder metrics.Recorder

	inbound chan meshlink.Packet

	jobsMu     sync.RWMutex
	jobs       chan *job
	jobsClosed bool
	workers    sync.WaitGroup

	serveMu    sync.Mutex
	serving    bool
	linkClosed chan struct{}
	started    time.Time
}

// New constructs a Gateway. link may be nil for a gateway that only serves
// the HTTP and RPC surfaces.
func New(conf *Config, link meshlink.Link, bc Broadcaster, journal broadcast.Journal, masterLogger *logging.MasterLogger) (*Gateway, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if bc == nil {
		return nil, errors.New("nil broadcaster")
	}
	backend, err := conf.Backend()
	if err != nil {
		return nil, err
	}
	if journal == nil {
		journal = broadcast.InMemoryJournal()
	}
	if masterLogger == nil {
		masterLogger = logging.NewMasterLogger()
	}

	rm := reassembly.New(conf.ReassemblyConfig())
	rm.Logger = masterLogger.PackageLogger("reassembly")

	g := &Gateway{
		Logger:     masterLogger.PackageLogger("gateway"),
		conf:       conf,
		link:       link,
		bc:         bc,
		journal:    journal,
		backend:    backend,
		network:    conf.Network(),
		rm:         rm,
		registry:   prometheus.NewRegistry(),
		inbound:    make(chan meshlink.Packet, conf.Mesh.QueueSize),
		jobs:       make(chan *job, conf.Broadcast.QueueSize),
		linkClosed: make(chan struct{}),
		started:    time.Now(),
	}

	if err := g.stats.register(g.registry, rm.Len); err != nil {
		return nil, err
	}
	g.registry.MustRegister(collectors.NewGoCollector())
	g.recorder = metrics.NewPrometheus(g.registry, "btxmesh_gateway_http")

	if link == nil {
		close(g.linkClosed)
	}
	return g, nil
}

// Serve runs the gateway until ctx is done. Queued broadcasts are drained
// before it returns.
func (g *Gateway) Serve(ctx context.Context) error {
	g.serveMu.Lock()
	if g.serving {
		g.serveMu.Unlock()
		return ErrAlreadyServing
	}
	g.serving = true
	g.serveMu.Unlock()

	for i := 0; i < g.conf.Broadcast.Workers; i++ {
		g.workers.Add(1)
		go g.worker()
	}

	var loops sync.WaitGroup
	if g.link != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			g.pump(ctx)
		}()
	}
	loops.Add(2)
	go func() {
		defer loops.Done()
		g.receive(ctx)
	}()
	go func() {
		defer loops.Done()
		g.sweepLoop(ctx)
	}()

	g.Logger.Infof("Serving mesh ports %d (frames) and %d (text)", g.conf.Mesh.DataPort, g.conf.Mesh.TextPort)
	<-ctx.Done()

	loops.Wait()
	g.closeJobs()
	g.workers.Wait()
	g.Logger.Info("Gateway stopped")
	return nil
}

func (g *Gateway) pump(ctx context.Context) {
	packets := g.link.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-packets:
			if !ok {
				g.Logger.Warn("Mesh link closed")
				close(g.linkClosed)
				return
			}
			p.Source = meshlink.SourceMesh
			select {
			case g.inbound <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (g *Gateway) receive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-g.inbound:
			g.handlePacket(p)
		}
	}
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(g.conf.Reassembly.SweepInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sweep(now)
		}
	}
}

func (g *Gateway) sweep(now time.Time) {
	for _, e := range g.rm.Sweep(now) {
		g.stats.expired.Inc()
		g.Logger.Warnf("Transaction %d from %s timed out", e.ID, e.Origin)
		g.replyError(e.Origin, sourceOf(e.Origin), e.ID, e.Text, frame.CodeTimeout)
	}
}

// Inject queues a packet as if it had arrived from the mesh.
func (g *Gateway) Inject(p meshlink.Packet) error {
	select {
	case g.inbound <- p:
		return nil
	default:
		g.stats.dropped.Inc()
		return ErrQueueFull
	}
}

func (g *Gateway) handlePacket(p meshlink.Packet) {
	g.stats.packets.Inc()

	switch p.Port {
	case g.conf.Mesh.DataPort:
		g.handleFrame(p)
	case g.conf.Mesh.TextPort:
		g.handleText(p)
	default:
		g.Logger.Debugf("Ignoring %s", p)
	}
}

func (g *Gateway) handleFrame(p meshlink.Packet) {
	msg, err := frame.Decode(p.Payload)
	if err != nil {
		g.stats.dropped.Inc()
		g.Logger.Warnf("Dropping frame from %s: %s", p.From, err)
		return
	}
	g.Logger.Debugf("Frame from %s: %s", p.From, msg)

	switch m := msg.(type) {
	case *frame.Start:
		if err := g.rm.Start(p.From, m.ID, int(m.TotalSize)); err != nil {
			g.reassemblyFailed(p, m.ID, false, err)
		}

	case *frame.Chunk:
		if err := g.rm.Chunk(p.From, m.ID, m.Index, m.Payload); err != nil {
			g.stats.dropped.Inc()
			g.Logger.Debugf("Dropping chunk %d of %d from %s: %s", m.Index, m.ID, p.From, err)
		}

	case *frame.End:
		var sum *uint32
		if m.HasChecksum {
			c := m.Checksum
			sum = &c
		}
		data, err := g.rm.End(p.From, m.ID, sum)
		if err != nil {
			g.reassemblyFailed(p, m.ID, false, err)
			return
		}
		g.complete(p.From, p.Source, m.ID, false, hex.EncodeToString(data))

	default:
		g.stats.dropped.Inc()
		g.Logger.Debugf("Ignoring %s from %s", msg.Type(), p.From)
	}
}

func (g *Gateway) handleText(p meshlink.Packet) {
	line := string(p.Payload)

	c, err := textchunk.Parse(line)
	if errors.Is(err, textchunk.ErrNotApplicable) && g.conf.Text.AcceptRaw {
		c, err = textchunk.ParseRaw(line)
	}
	switch {
	case errors.Is(err, textchunk.ErrNotApplicable):
		g.Logger.Debugf("Ignoring text from %s", p.From)
		return
	case errors.Is(err, textchunk.ErrInvalidHex):
		g.stats.dropped.Inc()
		g.Logger.Warnf("Invalid hex in chunk from %s", p.From)
		g.replyError(p.From, p.Source, 0, true, frame.CodeInvalidHex)
		return
	case err != nil:
		g.stats.dropped.Inc()
		g.Logger.Warnf("Dropping text from %s: %s", p.From, err)
		return
	}

	txHex, done, err := g.rm.Text(p.From, c)
	if err != nil {
		g.reassemblyFailed(p, 0, true, err)
		return
	}
	if done {
		g.complete(p.From, p.Source, 0, true, txHex)
	}
}

func (g *Gateway) reassemblyFailed(p meshlink.Packet, id uint8, text bool, err error) {
	var code frame.ErrorCode
	switch {
	case errors.Is(err, reassembly.ErrTooLarge):
		code = frame.CodeTooLarge
	case errors.Is(err, reassembly.ErrIncomplete):
		code = frame.CodeIncomplete
	case errors.Is(err, reassembly.ErrChecksumMismatch):
		code = frame.CodeChecksumMismatch
	case errors.Is(err, reassembly.ErrImplausible):
		code = frame.CodeMalformed
	default:
		g.stats.dropped.Inc()
		g.Logger.Debugf("Dropping packet from %s: %s", p.From, err)
		return
	}

	g.stats.rejected.Inc()
	g.Logger.Warnf("Rejected transaction %d from %s: %s", id, p.From, err)
	g.replyError(p.From, p.Source, id, text, code)
}

func (g *Gateway) complete(origin string, src meshlink.Source, id uint8, text bool, txHex string) {
	g.stats.received.Inc()

	// Binary transfers carry their own length; only text needs the heuristic.
	if len(txHex)/2 > g.conf.Reassembly.MaxTxSize || (text && !btctx.LooksComplete(txHex)) {
		g.stats.rejected.Inc()
		g.Logger.Warnf("Transaction %d from %s is not a plausible transaction", id, origin)
		g.replyError(origin, src, id, text, frame.CodeMalformed)
		return
	}

	g.Logger.Infof("Transaction %d from %s complete (%d bytes)", id, origin, len(txHex)/2)
	if err := g.enqueue(&job{origin: origin, source: src, id: id, text: text, txHex: txHex}); err != nil {
		g.stats.failed.Inc()
		g.Logger.Errorf("Cannot dispatch transaction %d from %s: %s", id, origin, err)
		g.replyError(origin, src, id, text, frame.CodeBroadcastFailure)
	}
}

func (g *Gateway) enqueue(j *job) error {
	g.jobsMu.RLock()
	defer g.jobsMu.RUnlock()

	if g.jobsClosed {
		return ErrClosed
	}
	select {
	case g.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (g *Gateway) closeJobs() {
	g.jobsMu.Lock()
	defer g.jobsMu.Unlock()

	if !g.jobsClosed {
		g.jobsClosed = true
		close(g.jobs)
	}
}

func (g *Gateway) worker() {
	defer g.workers.Done()

	for j := range g.jobs {
		res, err := g.broadcast(context.Background(), j.origin, j.txHex)
		if err != nil {
			g.replyError(j.origin, j.source, j.id, j.text, frame.CodeBroadcastFailure)
			continue
		}
		g.replyAck(j.origin, j.source, j.id, j.text, res.TxID)
	}
}

func (g *Gateway) broadcast(ctx context.Context, origin, txHex string) (*broadcast.Result, error) {
	res, err := g.bc.Submit(ctx, txHex, g.backend, g.network, g.conf.Broadcast.Private)

	if jErr := g.journal.Record(broadcast.NewRecord(origin, g.backend.Name, res, err)); jErr != nil {
		g.Logger.Warnf("Failed to journal broadcast: %s", jErr)
	}

	if err != nil {
		g.stats.failed.Inc()
		g.Logger.Errorf("Broadcast via %s failed: %s", g.backend.Name, err)
		return nil, err
	}

	g.stats.dispatched.Inc()
	if res.Duplicate {
		g.stats.duplicates.Inc()
		g.Logger.Infof("Transaction %s already known to %s", res.TxID, res.Backend)
	} else {
		g.Logger.Infof("Broadcast %s via %s", res.TxID, res.Backend)
	}
	return res, nil
}

// Submit broadcasts a complete transaction synchronously, bypassing the
// mesh and the dispatch queue.
func (g *Gateway) Submit(ctx context.Context, txHex string) (*broadcast.Result, error) {
	txHex = strings.TrimSpace(txHex)
	g.stats.received.Inc()

	if len(txHex)/2 > g.conf.Reassembly.MaxTxSize {
		g.stats.rejected.Inc()
		return nil, reassembly.ErrTooLarge
	}
	return g.broadcast(ctx, apiOriginPrefix+"submit", txHex)
}

func (g *Gateway) replyAck(origin string, src meshlink.Source, id uint8, text bool, txid string) {
	if text {
		g.send(origin, src, g.conf.Mesh.TextPort, []byte(textchunk.Ack(txid)))
		return
	}
	g.send(origin, src, g.conf.Mesh.DataPort, frame.Encode(&frame.Ack{ID: id}))
}

func (g *Gateway) replyError(origin string, src meshlink.Source, id uint8, text bool, code frame.ErrorCode) {
	if text {
		g.send(origin, src, g.conf.Mesh.TextPort, []byte(textchunk.Nack(code.String())))
		return
	}
	g.send(origin, src, g.conf.Mesh.DataPort, frame.Encode(&frame.Error{ID: id, Code: code}))
}

func (g *Gateway) send(to string, src meshlink.Source, port uint32, payload []byte) {
	if g.link == nil || src != meshlink.SourceMesh {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := g.link.Send(ctx, to, port, payload); err != nil {
		g.Logger.Warnf("Failed to reply to %s: %s", to, err)
	}
}

func sourceOf(origin string) meshlink.Source {
	if strings.HasPrefix(origin, apiOriginPrefix) {
		return meshlink.SourceAPI
	}
	return meshlink.SourceMesh
}

// Counters returns the current counters.
func (g *Gateway) Counters() Counters {
	return g.stats.snapshot(g.rm.Len())
}

// Summary returns the gateway state.
func (g *Gateway) Summary() *Summary {
	s := &Summary{
		Node:          g.conf.Node,
		Version:       Version,
		Backend:       g.backend.Name,
		Network:       string(g.network),
		Private:       g.conf.Broadcast.Private,
		MeshConnected: g.meshConnected(),
		Uptime:        time.Since(g.started).Truncate(time.Second).String(),
		Counters:      g.Counters(),
	}
	if pr, ok := g.bc.(privacyReporter); ok {
		s.PrivacyVerified = pr.PrivacyVerified()
	}
	return s
}

func (g *Gateway) meshConnected() bool {
	select {
	case <-g.linkClosed:
		return false
	default:
		return true
	}
}

// Pending lists transactions being reassembled.
func (g *Gateway) Pending() []reassembly.PendingInfo {
	return g.rm.Pending()
}

// Broadcasts returns up to n journal records, newest first.
func (g *Gateway) Broadcasts(n int) ([]*broadcast.Record, error) {
	return g.journal.Recent(n)
}

// Registry returns the registry holding the gateway metrics.
func (g *Gateway) Registry() *prometheus.Registry {
	return g.registry
}

// Close releases the link, the journal and pending state. It must be
// called after Serve returned.
func (g *Gateway) Close() error {
	var err error
	if g.link != nil {
		if lErr := g.link.Close(); lErr != nil && lErr != meshlink.ErrClosed {
			err = lErr
		}
	}
	if jErr := g.journal.Close(); jErr != nil && err == nil {
		err = jErr
	}
	if rErr := g.rm.Close(); rErr != nil && rErr != reassembly.ErrClosed && err == nil {
		err = rErr
	}
	return err
}
