// Package meshlink abstracts the mesh radio as a packet channel.
package meshlink

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is returned when sending on a closed link.
var ErrClosed = errors.New("mesh link closed")

// Source tells where a packet entered the gateway.
type Source byte

const (
	// SourceMesh packets arrived over the radio and may be answered.
	SourceMesh Source = iota
	// SourceAPI packets were injected by the HTTP API and get no mesh reply.
	SourceAPI
)

func (s Source) String() string {
	switch s {
	case SourceMesh:
		return "mesh"
	case SourceAPI:
		return "api"
	}

	return fmt.Sprintf("Unknown(%d)", s)
}

// Packet is one datagram received from, or sent to, the mesh.
type Packet struct {
	From    string
	To      string
	Port    uint32
	Payload []byte
	Source  Source
}

func (p Packet) String() string {
	return fmt.Sprintf("Packet(%s -> %s, port=%d, %d bytes, %s)", p.From, p.To, p.Port, len(p.Payload), p.Source)
}

// Link is a byte-in/byte-out mesh channel.
type Link interface {
	// Packets returns the receive channel. It is closed when the link dies.
	Packets() <-chan Packet

	// Send delivers payload to the node addressed by to on port.
	Send(ctx context.Context, to string, port uint32, payload []byte) error

	Close() error
}
