package meshlink

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("meshlink")

// ErrEnvelopeTooLarge is returned for envelopes that do not fit the 2-byte
// length prefix.
var ErrEnvelopeTooLarge = errors.New("envelope exceeds 65535 bytes")

// envelope is the wire form exchanged with the radio companion process.
type envelope struct {
	From    string `cbor:"1,keyasint,omitempty"`
	To      string `cbor:"2,keyasint,omitempty"`
	Port    uint32 `cbor:"3,keyasint"`
	Payload []byte `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// WriteEnvelope writes p as a length-prefixed CBOR envelope.
func WriteEnvelope(w io.Writer, p Packet) error {
	data, err := encMode.Marshal(&envelope{From: p.From, To: p.To, Port: p.Port, Payload: p.Payload})
	if err != nil {
		return err
	}
	if len(data) > math.MaxUint16 {
		return ErrEnvelopeTooLarge
	}

	buf := make([]byte, 2, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	_, err = w.Write(append(buf, data...))
	return err
}

// ReadEnvelope reads one length-prefixed CBOR envelope.
func ReadEnvelope(r io.Reader) (Packet, error) {
	size := make([]byte, 2)
	if _, err := io.ReadFull(r, size); err != nil {
		return Packet{}, err
	}

	data := make([]byte, binary.BigEndian.Uint16(size))
	if _, err := io.ReadFull(r, data); err != nil {
		return Packet{}, err
	}

	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Packet{}, errors.Wrap(err, "decode envelope")
	}
	return Packet{From: env.From, To: env.To, Port: env.Port, Payload: env.Payload}, nil
}

// Bridge is a Link to a radio companion process over a stream connection.
type Bridge struct {
	conn net.Conn
	in   chan Packet

	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

// NewBridge wraps conn and starts reading envelopes from it.
func NewBridge(conn net.Conn, queueSize int) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bridge{
		conn: conn,
		in:   make(chan Packet, queueSize),
		done: make(chan struct{}),
	}
	go b.readLoop()
	return b
}

// DialBridge connects to the companion listening on addr.
func DialBridge(ctx context.Context, addr string, queueSize int) (*Bridge, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial bridge %s", addr)
	}
	return NewBridge(conn, queueSize), nil
}

func (b *Bridge) readLoop() {
	defer close(b.in)

	for {
		p, err := ReadEnvelope(b.conn)
		if err != nil {
			select {
			case <-b.done:
			default:
				if err == io.EOF || strings.Contains(err.Error(), "closed") {
					log.Info("Bridge connection closed by peer")
				} else {
					log.WithError(err).Warn("Bridge read failed")
				}
			}
			return
		}

		select {
		case b.in <- p:
		case <-b.done:
			return
		}
	}
}

// Packets implements Link.
func (b *Bridge) Packets() <-chan Packet {
	return b.in
}

// Send implements Link.
func (b *Bridge) Send(ctx context.Context, to string, port uint32, payload []byte) error {
	select {
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := b.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}

	return WriteEnvelope(b.conn, Packet{To: to, Port: port, Payload: payload})
}

// Close implements Link.
func (b *Bridge) Close() error {
	if b == nil {
		return nil
	}

	err := ErrClosed
	b.once.Do(func() {
		close(b.done)
		err = b.conn.Close()
	})
	return err
}
