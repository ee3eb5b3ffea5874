// Package memory implements an in-process peer transport. Peers attach to
// a shared Hub by id and connect to each other without any networking,
// which makes multi-peer behavior testable in a single process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/peerwave/peerwave/internal/transport"
)

const recvBuffer = 256

// Hub wires memory transports together by peer id.
type Hub struct {
	mu         sync.Mutex
	transports map[string]*memTransport
}

func NewHub() *Hub {
	return &Hub{transports: make(map[string]*memTransport)}
}

// NewTransport attaches a new peer to the hub.
func (h *Hub) NewTransport(peerID string) transport.Transport {
	t := &memTransport{
		id:       peerID,
		hub:      h,
		incoming: make(chan transport.Conn, 16),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.transports[peerID] = t
	h.mu.Unlock()

	return t
}

func (h *Hub) lookup(peerID string) (*memTransport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.transports[peerID]
	return t, ok
}

func (h *Hub) detach(peerID string) {
	h.mu.Lock()
	delete(h.transports, peerID)
	h.mu.Unlock()
}

type memTransport struct {
	id        string
	hub       *Hub
	incoming  chan transport.Conn
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	conns []*memConn
}

func (t *memTransport) ID() string {
	return t.id
}

func (t *memTransport) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remote, ok := t.hub.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("memory: no transport for peer %s", peerID)
	}

	local, far := newConnPair(t.id, peerID)

	t.track(local)
	remote.track(far)

	select {
	case remote.incoming <- far:
	case <-remote.done:
		return nil, fmt.Errorf("memory: peer %s is shut down", peerID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return local, nil
}

func (t *memTransport) Accept() <-chan transport.Conn {
	return t.incoming
}

func (t *memTransport) track(c *memConn) {
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.hub.detach(t.id)

		t.mu.Lock()
		conns := t.conns
		t.conns = nil
		t.mu.Unlock()

		for _, c := range conns {
			_ = c.Close()
		}
		close(t.incoming)
	})
	return nil
}

// memConn is one side of an in-process connection pair. Send delivers
// into the remote side's receive channel, preserving order. A full
// receive buffer drops the message, mirroring data channel behavior.
type memConn struct {
	localID  string
	remoteID string
	peer     *memConn

	mu     sync.Mutex
	recv   chan []byte
	closed bool
}

func newConnPair(dialerID, accepterID string) (*memConn, *memConn) {
	a := &memConn{
		localID:  dialerID,
		remoteID: accepterID,
		recv:     make(chan []byte, recvBuffer),
	}
	b := &memConn{
		localID:  accepterID,
		remoteID: dialerID,
		recv:     make(chan []byte, recvBuffer),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *memConn) PeerID() string {
	return c.remoteID
}

func (c *memConn) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	p := c.peer
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return transport.ErrConnClosed
	}

	select {
	case p.recv <- buf:
		return nil
	default:
		return fmt.Errorf("memory: send to %s: %w", c.remoteID, transport.ErrBackpressure)
	}
}

func (c *memConn) Recv() <-chan []byte {
	return c.recv
}

func (c *memConn) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *memConn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.recv)
}
