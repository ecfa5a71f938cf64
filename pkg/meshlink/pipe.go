package meshlink

import (
	"context"
	"sync"
)

// DefaultQueueSize is the receive buffer of in-memory and bridged links.
const DefaultQueueSize = 64

// PipeEnd is one side of an in-memory link pair.
type PipeEnd struct {
	addr string
	peer *PipeEnd

	in   chan Packet
	done chan struct{}
	once sync.Once
	mu   sync.RWMutex
}

// Pipe returns two connected link ends addressed as a and b.
func Pipe(a, b string) (*PipeEnd, *PipeEnd) {
	ea := &PipeEnd{addr: a, in: make(chan Packet, DefaultQueueSize), done: make(chan struct{})}
	eb := &PipeEnd{addr: b, in: make(chan Packet, DefaultQueueSize), done: make(chan struct{})}
	ea.peer, eb.peer = eb, ea
	return ea, eb
}

// Addr returns the address of this end.
func (e *PipeEnd) Addr() string {
	return e.addr
}

// Packets implements Link.
func (e *PipeEnd) Packets() <-chan Packet {
	return e.in
}

// Send implements Link. The to address is recorded but the packet always
// reaches the peer end.
func (e *PipeEnd) Send(ctx context.Context, to string, port uint32, payload []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	p := Packet{
		From:    e.addr,
		To:      to,
		Port:    port,
		Payload: append([]byte(nil), payload...),
	}
	return e.peer.deliver(ctx, p)
}

func (e *PipeEnd) deliver(ctx context.Context, p Packet) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	select {
	case e.in <- p:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Link.
func (e *PipeEnd) Close() error {
	err := ErrClosed
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		close(e.in)
		e.mu.Unlock()
		err = nil
	})
	return err
}
