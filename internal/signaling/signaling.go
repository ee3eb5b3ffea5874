// Package signaling talks to the session directory service: short-lived
// slugs, rosters, heartbeats and signal relay for connection setup. The
// mesh layer consumes the Directory interface only and never sees HTTP.
package signaling

import (
	"context"
	"errors"

	"github.com/peerwave/peerwave/internal/protocol"
)

var (
	ErrNotFound    = errors.New("signaling: session not found")
	ErrSessionFull = errors.New("signaling: session is full")
	ErrBadPassword = errors.New("signaling: bad password")
)

// Session identifies a directory-registered session.
type Session struct {
	SessionID  string `json:"sessionId"`
	Slug       string `json:"slug"`
	HostPeerID string `json:"hostPeerId"`
}

// Roster is the directory's view of a session's membership.
type Roster struct {
	Session
	MaxParticipants int                        `json:"maxParticipants"`
	Participants    []protocol.ParticipantInfo `json:"participants"`
}

type CreateSessionRequest struct {
	HostPeerID      string                 `json:"hostPeerId"`
	Character       protocol.CharacterInfo `json:"character"`
	MaxParticipants int                    `json:"maxParticipants"`
	Password        string                 `json:"password,omitempty"`
}

type JoinSessionRequest struct {
	PeerID    string                 `json:"peerId"`
	Character protocol.CharacterInfo `json:"character"`
	Password  string                 `json:"password,omitempty"`
}

// Directory is the narrow surface the core calls at session start,
// heartbeat and teardown. It never carries chat payloads or file bytes.
type Directory interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)
	GetSession(ctx context.Context, slug string) (Roster, error)
	JoinSession(ctx context.Context, slug string, req JoinSessionRequest) (Session, error)
	Heartbeat(ctx context.Context, slug string) error
	DestroySession(ctx context.Context, slug, hostPeerID string) error
}
