// Package session holds the single authoritative in-memory state for one
// active mesh session: participant roster, open connections, chat
// history, offline buffer and the thinking set. All mutation goes through
// the Store so the rest of the system can treat it as the one source of
// truth. Methods are safe for concurrent use; every mutation is atomic
// with respect to the Store's lock.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/transport"
)

// DefaultBufferCap bounds the offline buffer; past it the oldest items
// are dropped. The canonical history is unbounded for the session's life.
const DefaultBufferCap = 64

type ParticipantStatus string

const (
	// StatusConnecting means the transport link is not open yet.
	StatusConnecting ParticipantStatus = "connecting"
	// StatusPending means the link is open but no character arrived yet.
	StatusPending ParticipantStatus = "pending"
	// StatusReady means character info has been exchanged.
	StatusReady ParticipantStatus = "ready"
	// StatusDisconnected participants are retained for chat attribution
	// but excluded from broadcasts.
	StatusDisconnected ParticipantStatus = "disconnected"
)

// ChatItem is one chat history entry: a chat message or a system event.
// ID is the dedup key; display order is a function of the timestamp, not
// insertion order, because receipt order differs per peer in a mesh.
type ChatItem interface {
	ItemID() string
	ItemTime() int64
}

type Participant struct {
	PeerID           string
	Status           ParticipantStatus
	Character        *protocol.CharacterInfo
	AutoReplyEnabled bool

	// announced tracks whether the peer's own character sync arrived, as
	// opposed to a character learned secondhand from a roster broadcast.
	// The join announcement keys off this, not off Character being set.
	announced bool
}

// Info identifies the active session. Created once at session start and
// never mutated afterwards.
type Info struct {
	SessionID   string
	Slug        string
	HostPeerID  string
	MyPeerID    string
	IsHost      bool
	MyCharacter protocol.CharacterInfo
	StartedAt   time.Time
}

type Store struct {
	log *logrus.Logger

	mu           sync.Mutex
	info         *Info
	participants map[string]*Participant
	conns        map[string]transport.Conn
	history      []ChatItem
	historyIDs   map[string]struct{}
	thinking     map[string]struct{}
	buffer       []ChatItem
	bufferCap    int
	attached     bool
}

func NewStore(bufferCap int, log *logrus.Logger) *Store {
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	if log == nil {
		log = logrus.New()
	}

	return &Store{
		log:          log,
		participants: make(map[string]*Participant),
		conns:        make(map[string]transport.Conn),
		historyIDs:   make(map[string]struct{}),
		thinking:     make(map[string]struct{}),
		bufferCap:    bufferCap,
	}
}

// StartSession installs the session info. Any previous state is cleared.
func (s *Store) StartSession(info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	s.info = &info
}

// Info returns the active session info, if any.
func (s *Store) Info() (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.info == nil {
		return Info{}, false
	}
	return *s.info, true
}

// Clear wipes all session state. Connections are not closed here; that
// is the connection manager's job.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Store) reset() {
	s.info = nil
	s.participants = make(map[string]*Participant)
	s.conns = make(map[string]transport.Conn)
	s.history = nil
	s.historyIDs = make(map[string]struct{})
	s.thinking = make(map[string]struct{})
	s.buffer = nil
}

// --- participants ---

// UpsertParticipant ensures a participant record exists and moves it to
// the given status, unless it is already further along. A disconnected
// participant re-enters the mesh through this call.
func (s *Store) UpsertParticipant(peerID string, status ParticipantStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.participants[peerID]
	if !exists {
		s.participants[peerID] = &Participant{PeerID: peerID, Status: status}
		return
	}

	// Never regress ready to pending on a duplicate link event.
	if p.Status == StatusReady && (status == StatusPending || status == StatusConnecting) {
		return
	}
	p.Status = status
}

// SetCharacter records a peer's character and marks it ready. Returns
// true the first time a character arrives for that peer, so the caller
// can announce the join exactly once.
func (s *Store) SetCharacter(peerID string, character protocol.CharacterInfo) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.participants[peerID]
	if !exists {
		p = &Participant{PeerID: peerID}
		s.participants[peerID] = p
	}

	first := !p.announced
	p.announced = true
	c := character
	p.Character = &c
	p.Status = StatusReady
	return first
}

// AddRosterParticipant records a peer learned from a roster broadcast.
// The character is kept so chat from that peer can be attributed right
// away, but the peer is not considered announced; its own character
// sync still reports first=true so the join lands in history once.
func (s *Store) AddRosterParticipant(peerID string, character protocol.CharacterInfo, autoReply bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.participants[peerID]
	if !exists {
		p = &Participant{PeerID: peerID}
		s.participants[peerID] = p
	}

	if p.Character == nil {
		c := character
		p.Character = &c
	}
	p.AutoReplyEnabled = autoReply
	if p.Status != StatusReady && p.Status != StatusDisconnected {
		p.Status = StatusPending
	}
}

func (s *Store) SetAutoReply(peerID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.participants[peerID]; exists {
		p.AutoReplyEnabled = enabled
	}
}

// MarkDisconnected flips a participant to disconnected, removes its
// connection and thinking state, and reports the character name that was
// known for it (empty if none).
func (s *Store) MarkDisconnected(peerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, peerID)
	delete(s.thinking, peerID)

	p, exists := s.participants[peerID]
	if !exists || p.Status == StatusDisconnected {
		return "", false
	}
	p.Status = StatusDisconnected

	name := ""
	if p.Character != nil {
		name = p.Character.Name
	}
	return name, true
}

// Participant returns a copy of one participant record.
func (s *Store) Participant(peerID string) (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.participants[peerID]
	if !exists {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns copies of all participant records, disconnected
// ones included.
func (s *Store) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// --- connections ---

// AddConnection installs a connection, resolving a conflict with an
// already-registered connection to the same peer in one atomic step.
// When keepNew is true the new connection displaces the old one and the
// displaced connection is returned for the caller to close. When
// keepNew is false and a conflict exists, the new connection is
// rejected and returned instead. Returns nil when there is no conflict.
func (s *Store) AddConnection(conn transport.Conn, keepNew bool) transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.conns[conn.PeerID()]
	if exists && old != conn {
		if !keepNew {
			return conn
		}
		s.conns[conn.PeerID()] = conn
		return old
	}
	s.conns[conn.PeerID()] = conn
	return nil
}

func (s *Store) Connection(peerID string) (transport.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, exists := s.conns[peerID]
	return conn, exists
}

// Connections returns every currently open connection.
func (s *Store) Connections() []transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]transport.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		out = append(out, conn)
	}
	return out
}

// --- history ---

// AppendItem adds a chat item unless its id is already known. While the
// rendering collaborator is detached, new items also land in the bounded
// offline buffer. Returns true when the item was new.
func (s *Store) AppendItem(item ChatItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := item.ItemID()
	if _, seen := s.historyIDs[id]; seen {
		return false
	}
	s.historyIDs[id] = struct{}{}
	s.history = append(s.history, item)

	if !s.attached {
		s.buffer = append(s.buffer, item)
		if len(s.buffer) > s.bufferCap {
			s.log.Debugf("offline buffer full, dropping %d oldest item(s)", len(s.buffer)-s.bufferCap)
			s.buffer = s.buffer[len(s.buffer)-s.bufferCap:]
		}
	}
	return true
}

// History returns the chat log ordered by item timestamp.
func (s *Store) History() []ChatItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ChatItem, len(s.history))
	copy(out, s.history)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ItemTime() < out[j].ItemTime() })
	return out
}

// --- thinking set ---

func (s *Store) SetThinking(peerID string, thinking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if thinking {
		s.thinking[peerID] = struct{}{}
	} else {
		delete(s.thinking, peerID)
	}
}

func (s *Store) Thinking() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.thinking))
	for peerID := range s.thinking {
		out = append(out, peerID)
	}
	sort.Strings(out)
	return out
}

// --- offline buffer ---

// Attach marks the rendering collaborator present and hands it the
// buffered items it missed. The buffer is cleared; the canonical history
// is untouched.
func (s *Store) Attach() []ChatItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached = true
	missed := s.buffer
	s.buffer = nil
	return missed
}

// Detach resumes buffering of incoming items.
func (s *Store) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = false
}
