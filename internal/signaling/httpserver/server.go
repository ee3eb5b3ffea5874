// Package httpserver is a reference session directory: slug allocation,
// roster tracking with TTL expiry, and a signal relay for connection
// setup. It stores metadata only; file contents and chat payloads never
// pass through it.
package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/peerwave/peerwave/internal/protocol"
	"github.com/peerwave/peerwave/internal/signaling"
)

const (
	// DefaultTTL expires sessions whose host stopped heartbeating.
	DefaultTTL = 5 * time.Minute

	maxSignalQueue = 128
	maxPollWait    = 30 * time.Second
)

var slugAdjectives = []string{
	"amber", "blue", "calm", "dusty", "eager", "fuzzy", "green",
	"humble", "ivory", "jolly", "keen", "lucky", "misty", "noble",
	"olive", "proud", "quiet", "rusty", "swift", "teal", "vivid",
}

var slugNouns = []string{
	"badger", "crane", "dolphin", "falcon", "fox", "heron", "lynx",
	"marten", "otter", "owl", "panda", "raven", "seal", "stork",
	"tiger", "walrus", "wren",
}

type sessionRecord struct {
	signaling.Session
	Password        string
	MaxParticipants int
	Participants    []participantRecord
	LastSeen        time.Time
}

type participantRecord struct {
	PeerID string
	Name   string
	Avatar string
}

// Server holds the directory state and serves the HTTP JSON API the
// signaling.Client speaks.
type Server struct {
	log *logrus.Logger
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionRecord
	queues   map[string]chan signalRecord
}

type signalRecord struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Payload []byte `json:"payload"`
}

func NewServer(ttl time.Duration, log *logrus.Logger) *Server {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logrus.New()
	}

	return &Server{
		log:      log,
		ttl:      ttl,
		sessions: make(map[string]*sessionRecord),
		queues:   make(map[string]chan signalRecord),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", s.handleCreate)
	mux.HandleFunc("GET /v1/sessions/{slug}", s.handleGet)
	mux.HandleFunc("POST /v1/sessions/{slug}/join", s.handleJoin)
	mux.HandleFunc("POST /v1/sessions/{slug}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("DELETE /v1/sessions/{slug}", s.handleDestroy)
	mux.HandleFunc("POST /v1/signals", s.handleSendSignal)
	mux.HandleFunc("GET /v1/signals", s.handlePollSignals)
	return mux
}

// RunSweeper expires stale sessions until stop is closed.
func (s *Server) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(s.ttl / 4)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	for slug, rec := range s.sessions {
		if rec.LastSeen.Before(cutoff) {
			s.log.Infof("expiring stale session %s", slug)
			delete(s.sessions, slug)
		}
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req signaling.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.HostPeerID == "" || req.Character.Name == "" {
		writeError(w, http.StatusBadRequest, "host peer id and character name are required")
		return
	}
	if req.MaxParticipants <= 0 {
		req.MaxParticipants = 8
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &sessionRecord{
		Session: signaling.Session{
			SessionID:  uuid.NewString(),
			Slug:       s.newSlugLocked(),
			HostPeerID: req.HostPeerID,
		},
		Password:        req.Password,
		MaxParticipants: req.MaxParticipants,
		Participants: []participantRecord{{
			PeerID: req.HostPeerID,
			Name:   req.Character.Name,
			Avatar: req.Character.Avatar,
		}},
		LastSeen: time.Now(),
	}
	s.sessions[rec.Slug] = rec

	s.log.Infof("created session %s hosted by %s", rec.Slug, rec.HostPeerID)
	writeJSON(w, http.StatusCreated, rec.Session)
}

// newSlugLocked picks an unused adjective-noun slug, falling back to a
// uuid suffix once collisions get likely.
func (s *Server) newSlugLocked() string {
	for attempt := 0; attempt < 16; attempt++ {
		slug := fmt.Sprintf("%s-%s",
			slugAdjectives[rand.Intn(len(slugAdjectives))],
			slugNouns[rand.Intn(len(slugNouns))])
		if _, taken := s.sessions[slug]; !taken {
			return slug
		}
	}
	return uuid.NewString()[:8]
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.sessions[r.PathValue("slug")]
	if !exists {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, rosterOf(rec))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req signaling.JoinSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.PeerID == "" || req.Character.Name == "" {
		writeError(w, http.StatusBadRequest, "peer id and character name are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.sessions[r.PathValue("slug")]
	if !exists {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if subtle.ConstantTimeCompare([]byte(rec.Password), []byte(req.Password)) != 1 {
		writeError(w, http.StatusForbidden, "bad password")
		return
	}

	joined := false
	for i, p := range rec.Participants {
		if p.PeerID == req.PeerID {
			rec.Participants[i].Name = req.Character.Name
			rec.Participants[i].Avatar = req.Character.Avatar
			joined = true
			break
		}
	}
	if !joined {
		if len(rec.Participants) >= rec.MaxParticipants {
			writeError(w, http.StatusConflict, "session is full")
			return
		}
		rec.Participants = append(rec.Participants, participantRecord{
			PeerID: req.PeerID,
			Name:   req.Character.Name,
			Avatar: req.Character.Avatar,
		})
	}
	rec.LastSeen = time.Now()

	writeJSON(w, http.StatusOK, rec.Session)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.sessions[r.PathValue("slug")]
	if !exists {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	rec.LastSeen = time.Now()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slug := r.PathValue("slug")
	rec, exists := s.sessions[slug]
	if !exists {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if rec.HostPeerID != r.URL.Query().Get("host") {
		writeError(w, http.StatusForbidden, "only the host can destroy a session")
		return
	}
	delete(s.sessions, slug)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendSignal(w http.ResponseWriter, r *http.Request) {
	var sig signalRecord
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if sig.From == "" || sig.To == "" {
		writeError(w, http.StatusBadRequest, "from and to peer ids are required")
		return
	}

	queue := s.queueFor(sig.To)
	select {
	case queue <- sig:
		w.WriteHeader(http.StatusAccepted)
	default:
		writeError(w, http.StatusConflict, "signal queue full")
	}
}

func (s *Server) handlePollSignals(w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "peer query parameter is required")
		return
	}

	wait := 20 * time.Second
	if d, err := time.ParseDuration(r.URL.Query().Get("wait")); err == nil && d > 0 && d < maxPollWait {
		wait = d
	}

	queue := s.queueFor(peerID)
	signals := []signalRecord{}

	select {
	case sig := <-queue:
		signals = append(signals, sig)
	case <-time.After(wait):
	case <-r.Context().Done():
		return
	}

	// Drain whatever else is already queued.
	for len(signals) > 0 {
		select {
		case sig := <-queue:
			signals = append(signals, sig)
			continue
		default:
		}
		break
	}

	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) queueFor(peerID string) chan signalRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, exists := s.queues[peerID]
	if !exists {
		queue = make(chan signalRecord, maxSignalQueue)
		s.queues[peerID] = queue
	}
	return queue
}

func rosterOf(rec *sessionRecord) signaling.Roster {
	roster := signaling.Roster{
		Session:         rec.Session,
		MaxParticipants: rec.MaxParticipants,
	}
	for _, p := range rec.Participants {
		roster.Participants = append(roster.Participants, participantInfo(p))
	}
	return roster
}

func participantInfo(p participantRecord) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		PeerID:    p.PeerID,
		Character: protocol.CharacterInfo{Name: p.Name, Avatar: p.Avatar},
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
