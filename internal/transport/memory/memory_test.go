package memory

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peerwave/peerwave/internal/transport"
)

func TestConnectAndAccept(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport("peer-a")
	b := hub.NewTransport("peer-b")
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := a.Connect(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if conn.PeerID() != "peer-b" {
		t.Errorf("expected remote peer-b, got %s", conn.PeerID())
	}

	select {
	case accepted := <-b.Accept():
		if accepted.PeerID() != "peer-a" {
			t.Errorf("expected remote peer-a, got %s", accepted.PeerID())
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for accepted connection")
	}
}

func TestSendPreservesOrder(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport("peer-a")
	b := hub.NewTransport("peer-b")
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := a.Connect(ctx, "peer-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	accepted := <-b.Accept()

	sent := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, msg := range sent {
		if err := conn.Send(msg); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	for i, want := range sent {
		select {
		case got := <-accepted.Recv():
			if !bytes.Equal(got, want) {
				t.Errorf("message %d: expected %q, got %q", i, want, got)
			}
		case <-ctx.Done():
			t.Fatal("timeout waiting for message")
		}
	}
}

func TestSendReportsBackpressure(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport("peer-a")
	b := hub.NewTransport("peer-b")
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	conn, err := a.Connect(context.Background(), "peer-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-b.Accept()

	// Fill the peer's receive buffer without draining it. The failure
	// past capacity must be the retryable sentinel, not a hard error.
	var sendErr error
	for i := 0; i <= recvBuffer; i++ {
		if sendErr = conn.Send([]byte("x")); sendErr != nil {
			break
		}
	}
	if !errors.Is(sendErr, transport.ErrBackpressure) {
		t.Fatalf("expected backpressure error, got %v", sendErr)
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport("peer-a")
	defer func() { _ = a.Close() }()

	if _, err := a.Connect(context.Background(), "nobody"); err == nil {
		t.Fatal("expected error connecting to unknown peer")
	}
}

func TestCloseUnblocksReceiver(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport("peer-a")
	b := hub.NewTransport("peer-b")
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	conn, err := a.Connect(context.Background(), "peer-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	accepted := <-b.Accept()

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-accepted.Recv():
		if ok {
			t.Error("expected closed receive channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if err := accepted.Send([]byte("late")); err == nil {
		t.Error("expected send on closed connection to fail")
	}
}

func TestTransportCloseDropsConnections(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport("peer-a")
	b := hub.NewTransport("peer-b")
	defer func() { _ = b.Close() }()

	conn, err := a.Connect(context.Background(), "peer-b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-b.Accept()

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := conn.Send([]byte("x")); err == nil {
		t.Error("expected send after transport close to fail")
	}

	if _, err := b.Connect(context.Background(), "peer-a"); err == nil {
		t.Error("expected connect to detached peer to fail")
	}
}
