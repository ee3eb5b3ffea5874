// Package mesh maintains a full mesh of peer connections for one chat
// session: every ready participant holds a direct link to every other.
// The Manager owns the transport handle and is the only writer of the
// session Store; the UI collaborator reads the Store and listens on
// Events for terminal conditions.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/generate"
	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/session"
	"github.com/peerwave/peerwave/internal/signaling"
	"github.com/peerwave/peerwave/internal/transport"
)

const (
	defaultConnectTimeout    = 15 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
)

var ErrNoSession = errors.New("mesh: no active session")

type EventKind string

const (
	EventPeerJoined EventKind = "peer_joined"
	EventPeerLeft   EventKind = "peer_left"
	// EventHostLost is fatal for guests; the session cannot continue.
	EventHostLost EventKind = "host_lost"
)

type Event struct {
	Kind          EventKind
	PeerID        string
	CharacterName string
}

type Config struct {
	Transport transport.Transport
	Directory signaling.Directory
	Store     *session.Store
	// Generator sources auto-reply text. Optional.
	Generator         generate.Generator
	Logger            *logrus.Logger
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
}

type Manager struct {
	transport         transport.Transport
	directory         signaling.Directory
	store             *session.Store
	generator         generate.Generator
	log               *logrus.Logger
	codec             *protocol.Codec
	connectTimeout    time.Duration
	heartbeatInterval time.Duration

	events chan Event

	mu        sync.Mutex
	dialing   map[string]struct{}
	autoReply bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("mesh: transport is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("mesh: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &Manager{
		transport:         cfg.Transport,
		directory:         cfg.Directory,
		store:             cfg.Store,
		generator:         cfg.Generator,
		log:               cfg.Logger,
		codec:             protocol.NewCodec(),
		connectTimeout:    cfg.ConnectTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		events:            make(chan Event, 32),
		dialing:           make(map[string]struct{}),
	}, nil
}

// Events reports joins, leaves and fatal session conditions. The channel
// is never closed; sends drop when nobody is listening.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Host registers a new session with the directory and starts accepting
// mesh connections.
func (m *Manager) Host(ctx context.Context, character protocol.CharacterInfo, maxParticipants int, password string) (session.Info, error) {
	if m.directory == nil {
		return session.Info{}, errors.New("mesh: directory is required to host")
	}

	created, err := m.directory.CreateSession(ctx, signaling.CreateSessionRequest{
		HostPeerID:      m.transport.ID(),
		Character:       character,
		MaxParticipants: maxParticipants,
		Password:        password,
	})
	if err != nil {
		return session.Info{}, fmt.Errorf("failed to create session: %w", err)
	}

	info := session.Info{
		SessionID:   created.SessionID,
		Slug:        created.Slug,
		HostPeerID:  m.transport.ID(),
		MyPeerID:    m.transport.ID(),
		IsHost:      true,
		MyCharacter: character,
		StartedAt:   time.Now(),
	}
	m.store.StartSession(info)
	m.start(info)

	m.log.Infof("hosting session %s as %s", info.Slug, character.Name)
	return info, nil
}

// Join registers with the directory and dials the host; the rest of the
// mesh is reached through roster sync.
func (m *Manager) Join(ctx context.Context, slug string, character protocol.CharacterInfo, password string) (session.Info, error) {
	if m.directory == nil {
		return session.Info{}, errors.New("mesh: directory is required to join")
	}

	joined, err := m.directory.JoinSession(ctx, slug, signaling.JoinSessionRequest{
		PeerID:    m.transport.ID(),
		Character: character,
		Password:  password,
	})
	if err != nil {
		return session.Info{}, fmt.Errorf("failed to join session: %w", err)
	}

	info := session.Info{
		SessionID:   joined.SessionID,
		Slug:        joined.Slug,
		HostPeerID:  joined.HostPeerID,
		MyPeerID:    m.transport.ID(),
		IsHost:      false,
		MyCharacter: character,
		StartedAt:   time.Now(),
	}
	m.store.StartSession(info)
	m.start(info)

	m.store.UpsertParticipant(info.HostPeerID, session.StatusConnecting)
	m.ensureConnected(info.HostPeerID)

	m.log.Infof("joined session %s as %s", info.Slug, character.Name)
	return info, nil
}

func (m *Manager) start(info session.Info) {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.acceptLoop()

	if info.IsHost && m.directory != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			signaling.RunHeartbeat(m.ctx, m.directory, info.Slug, m.heartbeatInterval, m.log)
		}()
	}
}

// Leave announces departure, tears down every connection and clears the
// session state. Hosts also deregister the slug.
func (m *Manager) Leave(ctx context.Context) error {
	info, active := m.store.Info()
	if !active {
		return nil
	}

	m.broadcast(&protocol.PeerLeft{
		PeerID:        info.MyPeerID,
		CharacterName: info.MyCharacter.Name,
	})

	if info.IsHost && m.directory != nil {
		if err := m.directory.DestroySession(ctx, info.Slug, info.MyPeerID); err != nil {
			m.log.Warnf("failed to destroy session %s: %v", info.Slug, err)
		}
	}

	if m.cancel != nil {
		m.cancel()
	}
	for _, conn := range m.store.Connections() {
		_ = conn.Close()
	}
	m.wg.Wait()
	m.store.Clear()

	m.log.Infof("left session %s", info.Slug)
	return nil
}

// --- user actions ---

// SendChat appends a chat message locally and broadcasts it.
func (m *Manager) SendChat(content string, isHuman bool) (*protocol.ChatMessage, error) {
	info, active := m.store.Info()
	if !active {
		return nil, ErrNoSession
	}

	msg := &protocol.ChatMessage{
		ID:            uuid.NewString(),
		SenderID:      info.MyPeerID,
		CharacterName: info.MyCharacter.Name,
		Content:       content,
		IsHuman:       isHuman,
		Timestamp:     time.Now().UnixMilli(),
	}
	m.store.AppendItem(msg)
	m.broadcast(msg)
	return msg, nil
}

// SetThinking toggles the local thinking indicator everywhere.
func (m *Manager) SetThinking(thinking bool) {
	info, active := m.store.Info()
	if !active {
		return
	}
	m.store.SetThinking(info.MyPeerID, thinking)
	m.broadcast(&protocol.Thinking{PeerID: info.MyPeerID, IsThinking: thinking})
}

// SetAutoReply toggles the local auto-reply flag everywhere.
func (m *Manager) SetAutoReply(enabled bool) {
	info, active := m.store.Info()
	if !active {
		return
	}

	m.mu.Lock()
	m.autoReply = enabled
	m.mu.Unlock()

	m.store.SetAutoReply(info.MyPeerID, enabled)
	m.broadcast(&protocol.PeerState{PeerID: info.MyPeerID, AutoReplyEnabled: enabled})
}

// --- connection lifecycle ---

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case conn, open := <-m.transport.Accept():
			if !open {
				return
			}
			m.log.Debugf("accepted mesh connection from %s", conn.PeerID())
			if m.registerConn(conn, false) {
				m.sendTo(conn, m.characterSync())
			}
		}
	}
}

// ensureConnected dials a peer unless a connection is open or a dial is
// already in flight.
func (m *Manager) ensureConnected(peerID string) {
	if peerID == m.transport.ID() {
		return
	}
	if _, connected := m.store.Connection(peerID); connected {
		return
	}

	m.mu.Lock()
	if _, inFlight := m.dialing[peerID]; inFlight {
		m.mu.Unlock()
		return
	}
	m.dialing[peerID] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dialing, peerID)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(m.ctx, m.connectTimeout)
		defer cancel()

		conn, err := m.transport.Connect(ctx, peerID)
		if err != nil {
			m.log.Warnf("failed to connect to %s: %v", peerID, err)
			m.teardownPeer(peerID, "")
			return
		}

		if !m.registerConn(conn, true) {
			return
		}
		m.sendTo(conn, m.characterSync())
		m.sendTo(conn, &protocol.RequestSync{PeerID: m.transport.ID()})
	}()
}

// registerConn adopts a connection and starts its dispatch loop. It
// reports false when the connection lost a glare tie-break and was
// dropped.
func (m *Manager) registerConn(conn transport.Conn, outbound bool) bool {
	// Two peers can dial each other simultaneously. Keep the link dialed
	// by the lower peer id so both ends settle on the same one. The store
	// resolves the conflict atomically so racing registrations cannot
	// both survive.
	keepNew := outbound == (m.transport.ID() < conn.PeerID())
	if loser := m.store.AddConnection(conn, keepNew); loser != nil {
		_ = loser.Close()
		if loser == conn {
			return false
		}
	}
	m.store.UpsertParticipant(conn.PeerID(), session.StatusPending)

	m.wg.Add(1)
	go m.dispatch(conn)
	return true
}

// dispatch drains one connection. Exit of the receive loop is the
// disconnect signal for that peer.
func (m *Manager) dispatch(conn transport.Conn) {
	defer m.wg.Done()
	peerID := conn.PeerID()

	for frame := range conn.Recv() {
		msg, _, err := m.codec.DecodeFrame(frame)
		if err != nil {
			m.log.Warnf("dropping malformed frame from %s: %v", peerID, err)
			continue
		}
		if msg == nil {
			m.log.Warnf("dropping unexpected binary frame from %s", peerID)
			continue
		}
		m.handleMessage(conn, msg)
	}

	// A replaced connection closing must not tear down its peer.
	if current, exists := m.store.Connection(peerID); exists && current != conn {
		return
	}
	m.teardownPeer(peerID, "")
}

// teardownPeer runs the shared disconnect path: close the link, mark the
// participant disconnected, announce the departure once.
func (m *Manager) teardownPeer(peerID, announcedName string) {
	if conn, exists := m.store.Connection(peerID); exists {
		_ = conn.Close()
	}

	name, changed := m.store.MarkDisconnected(peerID)
	if !changed {
		return
	}
	if announcedName != "" {
		name = announcedName
	}
	if name != "" {
		m.appendSystemEvent(protocol.EventLeft, name)
	}
	m.emit(Event{Kind: EventPeerLeft, PeerID: peerID, CharacterName: name})

	if info, active := m.store.Info(); active && !info.IsHost && peerID == info.HostPeerID {
		m.emit(Event{Kind: EventHostLost, PeerID: peerID, CharacterName: name})
	}
}

// --- message handling ---

func (m *Manager) handleMessage(conn transport.Conn, msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.CharacterSync:
		m.handleCharacterSync(conn, msg)
	case *protocol.ChatMessage:
		if m.store.AppendItem(msg) {
			m.maybeAutoReply(msg)
		}
	case *protocol.SystemMessage:
		m.store.AppendItem(msg)
	case *protocol.Thinking:
		m.store.SetThinking(msg.PeerID, msg.IsThinking)
	case *protocol.PeerState:
		m.store.SetAutoReply(msg.PeerID, msg.AutoReplyEnabled)
	case *protocol.ParticipantList:
		m.handleRoster(msg.Participants)
	case *protocol.SessionInfo:
		m.handleRoster(msg.Participants)
		for _, item := range msg.History {
			if item.Chat != nil {
				m.store.AppendItem(item.Chat)
			}
			if item.System != nil {
				m.store.AppendItem(item.System)
			}
		}
	case *protocol.RequestSync:
		m.handleRequestSync(conn)
	case *protocol.PeerLeft:
		m.teardownPeer(msg.PeerID, msg.CharacterName)
	default:
		m.log.Warnf("dropping unexpected %s message from %s", msg.Type(), conn.PeerID())
	}
}

func (m *Manager) handleCharacterSync(conn transport.Conn, msg *protocol.CharacterSync) {
	first := m.store.SetCharacter(conn.PeerID(), msg.Character)
	if !first {
		return
	}

	m.appendSystemEvent(protocol.EventJoined, msg.Character.Name)
	m.emit(Event{Kind: EventPeerJoined, PeerID: conn.PeerID(), CharacterName: msg.Character.Name})

	if info, active := m.store.Info(); active && info.IsHost {
		m.broadcast(&protocol.ParticipantList{Participants: m.rosterEntries()})
	}
}

// handleRoster adds advertised peers and dials anyone not yet connected.
// This is how the mesh becomes fully connected without a central relay.
func (m *Manager) handleRoster(entries []protocol.ParticipantInfo) {
	info, active := m.store.Info()
	if !active {
		return
	}

	for _, entry := range entries {
		if entry.PeerID == info.MyPeerID {
			continue
		}
		// Record the character secondhand without consuming the join
		// announcement; that stays tied to the peer's own sync.
		m.store.AddRosterParticipant(entry.PeerID, entry.Character, entry.AutoReplyEnabled)
		m.ensureConnected(entry.PeerID)
	}
}

func (m *Manager) handleRequestSync(conn transport.Conn) {
	m.sendTo(conn, m.characterSync())

	info, active := m.store.Info()
	if !active || !info.IsHost {
		return
	}

	snapshot := &protocol.SessionInfo{
		Session: protocol.SessionDescriptor{
			SessionID:  info.SessionID,
			Slug:       info.Slug,
			HostPeerID: info.HostPeerID,
		},
		Participants: m.rosterEntries(),
	}
	for _, item := range m.store.History() {
		switch item := item.(type) {
		case *protocol.ChatMessage:
			snapshot.History = append(snapshot.History, protocol.HistoryItem{Chat: item})
		case *protocol.SystemMessage:
			snapshot.History = append(snapshot.History, protocol.HistoryItem{System: item})
		}
	}
	m.sendTo(conn, snapshot)
}

// maybeAutoReply generates a reply to a remote human message when the
// local participant has auto-reply enabled.
func (m *Manager) maybeAutoReply(msg *protocol.ChatMessage) {
	m.mu.Lock()
	enabled := m.autoReply
	m.mu.Unlock()
	if !enabled || m.generator == nil || !msg.IsHuman {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.SetThinking(true)
		defer m.SetThinking(false)

		var history []generate.Turn
		for _, item := range m.store.History() {
			if chat, ok := item.(*protocol.ChatMessage); ok {
				history = append(history, generate.Turn{
					Speaker: chat.CharacterName,
					Content: chat.Content,
				})
			}
		}

		reply, err := m.generator.Generate(m.ctx, msg.Content, history)
		if err != nil {
			m.log.Warnf("auto-reply generation failed: %v", err)
			return
		}
		if _, err := m.SendChat(reply, false); err != nil {
			m.log.Warnf("failed to send auto-reply: %v", err)
		}
	}()
}

// --- sending ---

// broadcast serializes a message once and pushes it to every open
// connection.
func (m *Manager) broadcast(msg protocol.Message) {
	frame, err := m.codec.EncodeFrame(msg)
	if err != nil {
		m.log.Errorf("failed to encode %s broadcast: %v", msg.Type(), err)
		return
	}
	for _, conn := range m.store.Connections() {
		if err := conn.Send(frame); err != nil {
			m.log.Warnf("failed to send %s to %s: %v", msg.Type(), conn.PeerID(), err)
		}
	}
}

func (m *Manager) sendTo(conn transport.Conn, msg protocol.Message) {
	frame, err := m.codec.EncodeFrame(msg)
	if err != nil {
		m.log.Errorf("failed to encode %s message: %v", msg.Type(), err)
		return
	}
	if err := conn.Send(frame); err != nil {
		m.log.Warnf("failed to send %s to %s: %v", msg.Type(), conn.PeerID(), err)
	}
}

// SendToPeer addresses one peer and is a no-op when that connection is
// not open.
func (m *Manager) SendToPeer(peerID string, msg protocol.Message) {
	conn, exists := m.store.Connection(peerID)
	if !exists {
		return
	}
	m.sendTo(conn, msg)
}

// --- helpers ---

func (m *Manager) characterSync() *protocol.CharacterSync {
	info, _ := m.store.Info()
	// Only name and avatar cross the wire, never full sheet data.
	return &protocol.CharacterSync{
		PeerID:    info.MyPeerID,
		Character: info.MyCharacter,
	}
}

// rosterEntries lists every participant with a known character, self
// included, for roster-sync messages.
func (m *Manager) rosterEntries() []protocol.ParticipantInfo {
	info, active := m.store.Info()
	if !active {
		return nil
	}

	m.mu.Lock()
	selfAutoReply := m.autoReply
	m.mu.Unlock()

	entries := []protocol.ParticipantInfo{{
		PeerID:           info.MyPeerID,
		Character:        info.MyCharacter,
		AutoReplyEnabled: selfAutoReply,
	}}
	for _, p := range m.store.Participants() {
		if p.Character == nil || p.Status == session.StatusDisconnected {
			continue
		}
		entries = append(entries, protocol.ParticipantInfo{
			PeerID:           p.PeerID,
			Character:        *p.Character,
			AutoReplyEnabled: p.AutoReplyEnabled,
		})
	}
	return entries
}

func (m *Manager) appendSystemEvent(event, characterName string) {
	m.store.AppendItem(&protocol.SystemMessage{
		ID:            uuid.NewString(),
		Event:         event,
		CharacterName: characterName,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}
