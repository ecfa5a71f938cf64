// Package reassembly turns fragments received from mesh originators back
// into whole transactions.
package reassembly

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/btxmesh/pkg/btctx"
	"github.com/skycoin/btxmesh/pkg/frame"
	"github.com/skycoin/btxmesh/pkg/textchunk"
)

// DefaultTimeout is how long a transaction may stay incomplete.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTooLarge is returned when a declared or accumulated size exceeds MaxTxSize.
	ErrTooLarge = errors.New("transaction too large")

	// ErrEmpty is returned for a Start declaring zero bytes.
	ErrEmpty = errors.New("transaction declares no bytes")

	// ErrUnknownTransaction is returned for fragments without a matching Start.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrIndexOutOfRange is returned for a fragment index beyond the expected count.
	ErrIndexOutOfRange = errors.New("fragment index out of range")

	// ErrIncomplete is returned when End arrives before every fragment.
	ErrIncomplete = errors.New("incomplete assembly")

	// ErrChecksumMismatch is returned when the End checksum disagrees with the data.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrImplausible is returned when every text fragment arrived but the
	// result does not look like a transaction.
	ErrImplausible = errors.New("assembled text does not look like a transaction")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("reassembly manager closed")
)

// Config configures a Manager.
type Config struct {
	FragmentBudget int
	MaxTxSize      int
	Timeout        time.Duration
}

// DefaultConfig returns the wire protocol defaults.
func DefaultConfig() Config {
	return Config{
		FragmentBudget: frame.FragmentBudget,
		MaxTxSize:      frame.MaxTxSize,
		Timeout:        DefaultTimeout,
	}
}

// Expired describes a pending transaction removed by Sweep.
type Expired struct {
	Origin string
	ID     uint8
	Text   bool
}

// PendingInfo is a read-only view of a pending transaction.
type PendingInfo struct {
	Origin   string    `json:"origin"`
	ID       uint8     `json:"id"`
	Text     bool      `json:"text"`
	Total    int       `json:"total"`
	Expected int       `json:"expected"`
	Received int       `json:"received"`
	Created  time.Time `json:"created"`
}

type key struct {
	origin string
	id     uint8
}

type pending struct {
	key       key
	total     int
	expected  int
	fragments map[uint8][]byte
	created   time.Time
}

type textBuffer struct {
	total   uint32
	parts   map[uint32]string
	raw     []string
	size    int
	created time.Time
}

// Manager owns the table of pending transactions. All methods are safe for
// concurrent use.
type Manager struct {
	Logger *logging.Logger

	conf Config
	now  func() time.Time

	mu      sync.Mutex
	pending map[key]*pending
	texts   map[string]*textBuffer
	closed  bool
}

// New creates a Manager. Zero config fields take their defaults.
func New(conf Config) *Manager {
	def := DefaultConfig()
	if conf.FragmentBudget <= 0 {
		conf.FragmentBudget = def.FragmentBudget
	}
	if conf.MaxTxSize <= 0 {
		conf.MaxTxSize = def.MaxTxSize
	}
	if conf.Timeout <= 0 {
		conf.Timeout = def.Timeout
	}

	return &Manager{
		Logger:  logging.MustGetLogger("reassembly"),
		conf:    conf,
		now:     time.Now,
		pending: make(map[key]*pending),
		texts:   make(map[string]*textBuffer),
	}
}

// Start opens a transaction of total bytes. An existing transaction with the
// same originator and id is replaced. A rejected Start leaves it untouched.
func (m *Manager) Start(origin string, id uint8, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if total > m.conf.MaxTxSize {
		return errors.Wrapf(ErrTooLarge, "%d > %d bytes", total, m.conf.MaxTxSize)
	}
	if total <= 0 {
		return ErrEmpty
	}

	k := key{origin, id}
	if _, ok := m.pending[k]; ok {
		m.Logger.Debugf("Restarting transaction %d from %s", id, origin)
	}
	m.pending[k] = &pending{
		key:       k,
		total:     total,
		expected:  frame.FragmentCount(total, m.conf.FragmentBudget),
		fragments: make(map[uint8][]byte),
		created:   m.now(),
	}
	return nil
}

// Chunk stores a fragment. A repeated index overwrites the previous fragment.
func (m *Manager) Chunk(origin string, id, index uint8, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	p, ok := m.pending[key{origin, id}]
	if !ok {
		m.Logger.Debugf("Chunk %d for unknown transaction %d from %s", index, id, origin)
		return ErrUnknownTransaction
	}
	if int(index) >= p.expected {
		return errors.Wrapf(ErrIndexOutOfRange, "index %d, expected %d fragments", index, p.expected)
	}

	p.fragments[index] = append([]byte(nil), data...)
	return nil
}

// End completes a transaction. The state is removed whatever the outcome.
// A non-nil checksum is compared against the byte sum of the result.
func (m *Manager) End(origin string, id uint8, checksum *uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	k := key{origin, id}
	p, ok := m.pending[k]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	delete(m.pending, k)

	data, err := p.assemble()
	if err != nil {
		return nil, err
	}

	if checksum != nil {
		if sum := frame.Checksum(data); sum != *checksum {
			return nil, errors.Wrapf(ErrChecksumMismatch, "got %08x, want %08x", sum, *checksum)
		}
	}

	return data, nil
}

func (p *pending) assemble() ([]byte, error) {
	data := make([]byte, 0, p.total)
	for i := 0; i < p.expected; i++ {
		frag, ok := p.fragments[uint8(i)]
		if !ok {
			return nil, errors.Wrapf(ErrIncomplete, "fragment %d of %d missing", i, p.expected)
		}
		data = append(data, frag...)
	}

	if len(data) < p.total {
		return nil, errors.Wrapf(ErrIncomplete, "%d of %d bytes", len(data), p.total)
	}
	return data[:p.total], nil
}

// Text adds a text-path chunk for origin. It returns the assembled hex once
// the buffer looks like a complete transaction.
func (m *Manager) Text(origin string, c textchunk.Chunk) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", false, ErrClosed
	}

	b, ok := m.texts[origin]
	if ok && b.total != c.Total {
		m.Logger.Debugf("Restarting text buffer of %s: total %d -> %d", origin, b.total, c.Total)
		ok = false
	}
	if !ok {
		b = &textBuffer{
			total:   c.Total,
			parts:   make(map[uint32]string),
			created: m.now(),
		}
		m.texts[origin] = b
	}

	if c.Raw() {
		b.raw = append(b.raw, c.HexPayload)
		b.size += len(c.HexPayload)
	} else {
		b.size += len(c.HexPayload) - len(b.parts[c.Index])
		b.parts[c.Index] = c.HexPayload
	}

	if b.size/2 > m.conf.MaxTxSize {
		delete(m.texts, origin)
		return "", false, errors.Wrapf(ErrTooLarge, "%d bytes buffered", b.size/2)
	}

	if !c.Raw() && uint32(len(b.parts)) < b.total {
		return "", false, nil
	}

	txHex := b.join()
	if btctx.LooksComplete(txHex) {
		delete(m.texts, origin)
		return txHex, true, nil
	}

	if !c.Raw() {
		delete(m.texts, origin)
		return "", false, ErrImplausible
	}
	return "", false, nil
}

func (b *textBuffer) join() string {
	if b.total == 0 {
		return strings.Join(b.raw, "")
	}

	var sb strings.Builder
	sb.Grow(b.size)
	for i := uint32(1); i <= b.total; i++ {
		sb.WriteString(b.parts[i])
	}
	return sb.String()
}

// Sweep removes every transaction older than the timeout and reports each
// exactly once.
func (m *Manager) Sweep(now time.Time) []Expired {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Expired
	for k, p := range m.pending {
		if now.Sub(p.created) >= m.conf.Timeout {
			delete(m.pending, k)
			out = append(out, Expired{Origin: k.origin, ID: k.id})
		}
	}
	for origin, b := range m.texts {
		if now.Sub(b.created) >= m.conf.Timeout {
			delete(m.texts, origin)
			out = append(out, Expired{Origin: origin, Text: true})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin != out[j].Origin {
			return out[i].Origin < out[j].Origin
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of pending transactions of both paths.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) + len(m.texts)
}

// Pending lists pending transactions, oldest first.
func (m *Manager) Pending() []PendingInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingInfo, 0, len(m.pending)+len(m.texts))
	for k, p := range m.pending {
		out = append(out, PendingInfo{
			Origin:   k.origin,
			ID:       k.id,
			Total:    p.total,
			Expected: p.expected,
			Received: len(p.fragments),
			Created:  p.created,
		})
	}
	for origin, b := range m.texts {
		received := len(b.parts)
		if b.total == 0 {
			received = len(b.raw)
		}
		out = append(out, PendingInfo{
			Origin:   origin,
			Text:     true,
			Total:    b.size / 2,
			Expected: int(b.total),
			Received: received,
			Created:  b.created,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Close drops all pending state. Later calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.pending = make(map[key]*pending)
	m.texts = make(map[string]*textBuffer)
	return nil
}
