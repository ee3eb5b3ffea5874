// Package webrtc implements the peer transport handle over WebRTC data
// channels, with SDP and ICE exchanged through a Signaler.
package webrtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/transport"
)

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type webrtcTransport struct {
	id          string
	config      webrtc.Configuration
	signaler    transport.Signaler
	log         *logrus.Logger
	connections map[string]*connection
	incoming    chan transport.Conn
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex
}

// New creates a WebRTC transport identified by the local peer id. It
// consumes the signaler's receive channel until closed.
func New(id string, signaler transport.Signaler, stunServers []string, log *logrus.Logger) transport.Transport {
	if len(stunServers) == 0 {
		stunServers = defaultSTUNServers
	}

	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, server := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	t := &webrtcTransport{
		id: id,
		config: webrtc.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: webrtc.ICETransportPolicyAll,
		},
		signaler:    signaler,
		log:         log,
		connections: make(map[string]*connection),
		incoming:    make(chan transport.Conn, 16),
		done:        make(chan struct{}),
	}

	go t.readSignals()

	return t
}

func (t *webrtcTransport) ID() string {
	return t.id
}

func (t *webrtcTransport) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	pc, err := webrtc.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConnection(peerID, pc, t.signaler, t.log, true)
	conn.onClose = func() { t.dropConnection(peerID) }

	t.mu.Lock()
	t.connections[peerID] = conn
	t.mu.Unlock()

	if err := conn.createDataChannel(); err != nil {
		t.dropConnection(peerID)
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.dropConnection(peerID)
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	if err := pc.SetLocalDescription(offer); err != nil {
		t.dropConnection(peerID)
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	if err := conn.sendSignal(ctx, signalOffer, offer.SDP, nil); err != nil {
		t.dropConnection(peerID)
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	select {
	case <-conn.opened:
		return conn, nil
	case <-ctx.Done():
		t.dropConnection(peerID)
		_ = conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", peerID, ctx.Err())
	}
}

func (t *webrtcTransport) Accept() <-chan transport.Conn {
	return t.incoming
}

func (t *webrtcTransport) readSignals() {
	for {
		select {
		case <-t.done:
			return
		case signal, ok := <-t.signaler.RecvSignal():
			if !ok {
				return
			}
			if err := t.handleSignal(signal); err != nil {
				t.log.Warnf("Failed to handle signal from %s: %v", signal.PeerID, err)
			}
		}
	}
}

// offerWins reports whether a locally pending offer outranks a crossed
// offer from the given peer. Exactly one side of a glare wins; the
// winner matches the lower-id dialer the connection manager keeps.
func offerWins(localID, remoteID string) bool {
	return localID < remoteID
}

func (t *webrtcTransport) handleSignal(signal transport.Signal) error {
	t.mu.RLock()
	conn, exists := t.connections[signal.PeerID]
	t.mu.RUnlock()

	// Offer glare: both peers dialed each other at once and the offers
	// crossed. The winning side drops the remote offer and waits for an
	// answer; the losing side rolls back its own offer and answers.
	if exists && conn.isInitiator && !conn.isOpen() && isOffer(signal.Payload) {
		if offerWins(t.id, signal.PeerID) {
			t.log.Debugf("Ignoring crossed offer from %s", signal.PeerID)
			return nil
		}
		if err := conn.adoptResponder(); err != nil {
			return err
		}
	}

	if !exists {
		pc, err := webrtc.NewPeerConnection(t.config)
		if err != nil {
			return fmt.Errorf("failed to create peer connection: %w", err)
		}

		conn = newConnection(signal.PeerID, pc, t.signaler, t.log, false)
		conn.onClose = func() { t.dropConnection(signal.PeerID) }
		conn.onOpen = func() {
			select {
			case t.incoming <- conn:
			case <-t.done:
			}
		}

		t.mu.Lock()
		t.connections[signal.PeerID] = conn
		t.mu.Unlock()
	}

	return conn.handleSignal(signal.Payload)
}

func (t *webrtcTransport) dropConnection(peerID string) {
	t.mu.Lock()
	delete(t.connections, peerID)
	t.mu.Unlock()
}

func (t *webrtcTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)

		t.mu.Lock()
		conns := make([]*connection, 0, len(t.connections))
		for _, conn := range t.connections {
			conns = append(conns, conn)
		}
		t.connections = make(map[string]*connection)
		t.mu.Unlock()

		for _, conn := range conns {
			_ = conn.Close()
		}
		close(t.incoming)
	})
	return nil
}
