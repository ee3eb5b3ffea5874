// Package transport defines the peer transport handle consumed by the
// transfer engine and the mesh connection manager. Implementations
// provide ordered, reliable, message-oriented channels to remote peers;
// everything above this interface is transport agnostic.
package transport

import (
	"context"
	"errors"
	"io"
)

var ErrConnClosed = errors.New("transport: connection closed")

// ErrBackpressure reports that the remote peer's receive buffer is full.
// The send did not happen; callers may retry after yielding.
var ErrBackpressure = errors.New("transport: peer receive buffer full")

type Transport interface {
	// ID returns the local peer id.
	ID() string
	// Connect dials a remote peer. The returned Conn is open once Connect
	// returns; the context bounds the dial.
	Connect(ctx context.Context, peerID string) (Conn, error)
	// Accept yields inbound connections. The channel closes when the
	// transport shuts down.
	Accept() <-chan Conn
	Close() error
}

// Conn is one open, bidirectional, ordered, reliable message channel to
// exactly one remote peer. Recv closes on remote close or error.
type Conn interface {
	PeerID() string
	Send(data []byte) error
	Recv() <-chan []byte
	Close() error
}

// Signaler relays SDP offers, answers and ICE candidates between peers
// during connection setup. Supplied by the session directory client.
type Signaler interface {
	SendSignal(ctx context.Context, peerID string, signal []byte) error
	RecvSignal() <-chan Signal
	io.Closer
}

type Signal struct {
	PeerID  string
	Payload []byte
}
