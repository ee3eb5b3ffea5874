package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/transport"
)

const (
	signalOffer  = "offer"
	signalAnswer = "answer"
	signalICE    = "ice"
)

// signalPayload is the JSON shape relayed through the Signaler.
type signalPayload struct {
	Kind      string                   `json:"kind"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type connection struct {
	peerID      string
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	signaler    transport.Signaler
	log         *logrus.Logger
	recvChan    chan []byte
	opened      chan struct{}
	isInitiator bool
	onOpen      func()
	onClose     func()

	// ICE candidates that arrived before the remote description.
	pendingCandidates []webrtc.ICECandidateInit

	openOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newConnection(peerID string, pc *webrtc.PeerConnection, signaler transport.Signaler, log *logrus.Logger, isInitiator bool) *connection {
	conn := &connection{
		peerID:      peerID,
		pc:          pc,
		signaler:    signaler,
		log:         log,
		recvChan:    make(chan []byte, 256),
		opened:      make(chan struct{}),
		isInitiator: isInitiator,
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			conn.markClosed()
		}
	})

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		if err := conn.sendSignal(context.Background(), signalICE, "", &init); err != nil {
			log.Warnf("Failed to send ICE candidate to %s: %v", peerID, err)
		}
	})

	if !isInitiator {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			conn.setupDataChannel(dc)
		})
	}

	return conn
}

func (c *connection) createDataChannel() error {
	ordered := true
	dc, err := c.pc.CreateDataChannel("data", &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	c.setupDataChannel(dc)
	return nil
}

func (c *connection) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.openOnce.Do(func() {
			close(c.opened)
			if c.onOpen != nil {
				c.onOpen()
			}
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(msg.Data)
	})

	dc.OnClose(func() {
		c.markClosed()
	})
}

// isOffer reports whether a raw signal payload carries an SDP offer.
func isOffer(raw []byte) bool {
	var payload signalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	return payload.Kind == signalOffer
}

func (c *connection) isOpen() bool {
	select {
	case <-c.opened:
		return true
	default:
		return false
	}
}

// adoptResponder rolls back a pending local offer so a crossed remote
// offer can be answered instead. Only called from the signal goroutine,
// before the channel opens. The data channel created for the local dial
// stays attached and opens once the association establishes, so the
// pending Connect still completes on this connection.
func (c *connection) adoptResponder() error {
	rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if err := c.pc.SetLocalDescription(rollback); err != nil {
		return fmt.Errorf("failed to roll back local offer: %w", err)
	}
	c.isInitiator = false
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.setupDataChannel(dc)
	})
	return nil
}

func (c *connection) sendSignal(ctx context.Context, kind, sdp string, candidate *webrtc.ICECandidateInit) error {
	payload, err := json.Marshal(signalPayload{Kind: kind, SDP: sdp, Candidate: candidate})
	if err != nil {
		return err
	}
	return c.signaler.SendSignal(ctx, c.peerID, payload)
}

func (c *connection) handleSignal(raw []byte) error {
	var payload signalPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to parse signal: %w", err)
	}

	switch payload.Kind {
	case signalOffer:
		return c.handleOffer(payload.SDP)
	case signalAnswer:
		return c.handleAnswer(payload.SDP)
	case signalICE:
		return c.handleCandidate(payload.Candidate)
	default:
		return fmt.Errorf("unknown signal kind %q", payload.Kind)
	}
}

func (c *connection) handleOffer(sdp string) error {
	if c.isInitiator {
		return fmt.Errorf("unexpected offer from %s", c.peerID)
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	c.flushPendingCandidates()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := c.sendSignal(context.Background(), signalAnswer, answer.SDP, nil); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	return nil
}

func (c *connection) handleAnswer(sdp string) error {
	if !c.isInitiator {
		return fmt.Errorf("unexpected answer from %s", c.peerID)
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	c.flushPendingCandidates()
	return nil
}

func (c *connection) handleCandidate(candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		return fmt.Errorf("missing ICE candidate payload")
	}

	c.mu.Lock()
	if c.pc.RemoteDescription() == nil {
		c.pendingCandidates = append(c.pendingCandidates, *candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.pc.AddICECandidate(*candidate)
}

func (c *connection) flushPendingCandidates() {
	c.mu.Lock()
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.log.Warnf("Failed to add ICE candidate for %s: %v", c.peerID, err)
		}
	}
}

// deliver hands an inbound message to the receive channel. Data channel
// callbacks and the close path run on different pion goroutines, so the
// closed flag and the channel close are serialized under mu.
func (c *connection) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.recvChan <- data:
	default:
		c.log.Warnf("Dropping message from %s: receive buffer full", c.peerID)
	}
}

func (c *connection) markClosed() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.recvChan)
		c.mu.Unlock()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *connection) PeerID() string {
	return c.peerID
}

func (c *connection) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return transport.ErrConnClosed
	}
	return dc.Send(data)
}

func (c *connection) Recv() <-chan []byte {
	return c.recvChan
}

func (c *connection) Close() error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	err := c.pc.Close()
	c.markClosed()
	return err
}
