package protocol

import "errors"

// Message is a wire message exchanged over a peer data channel.
type Message interface {
	Type() MessageType
	Validate() error
}

// CharacterInfo is the display identity shared with other participants.
// Only the name and avatar ever cross the wire, never full character data.
type CharacterInfo struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ParticipantInfo describes one roster entry in a roster-sync message.
type ParticipantInfo struct {
	PeerID           string        `json:"peerId"`
	Character        CharacterInfo `json:"character"`
	AutoReplyEnabled bool          `json:"autoReplyEnabled"`
}

// SessionDescriptor identifies one mesh session.
type SessionDescriptor struct {
	SessionID  string `json:"sessionId"`
	Slug       string `json:"slug"`
	HostPeerID string `json:"hostPeerId"`
}

// HistoryItem carries exactly one chat or system message inside a
// SessionInfo replay.
type HistoryItem struct {
	Chat   *ChatMessage   `json:"chat,omitempty"`
	System *SystemMessage `json:"system,omitempty"`
}

func (h HistoryItem) Validate() error {
	if (h.Chat == nil) == (h.System == nil) {
		return errors.New("history item must carry exactly one of chat or system")
	}
	if h.Chat != nil {
		return h.Chat.Validate()
	}
	return h.System.Validate()
}

// --- transfer messages ---

// InfoRequest asks the uploader for file metadata. Sent by a downloader
// as its first message on a fresh connection.
type InfoRequest struct{}

func (InfoRequest) Type() MessageType { return MsgInfoRequest }
func (InfoRequest) Validate() error   { return nil }

// Challenge carries a fresh random value the downloader must answer to
// when the transfer is password protected. Retry is set when a previous
// response was rejected.
type Challenge struct {
	Value string `json:"value"`
	Retry bool   `json:"retry,omitempty"`
}

func (Challenge) Type() MessageType { return MsgChallenge }
func (c Challenge) Validate() error {
	if c.Value == "" {
		return errors.New("challenge value is required")
	}
	return nil
}

// ChallengeResponse proves knowledge of the transfer password.
type ChallengeResponse struct {
	Value string `json:"value"`
}

func (ChallengeResponse) Type() MessageType { return MsgChallengeResponse }
func (r ChallengeResponse) Validate() error {
	if r.Value == "" {
		return errors.New("challenge response value is required")
	}
	return nil
}

// FileMeta announces the file being offered.
type FileMeta struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

func (FileMeta) Type() MessageType { return MsgFileMeta }
func (m FileMeta) Validate() error {
	if m.Name == "" {
		return errors.New("file name is required")
	}
	if m.Size < 0 {
		return errors.New("file size must be non-negative")
	}
	return nil
}

// Start requests streaming from the given resume offset.
type Start struct {
	Offset int64 `json:"offset"`
}

func (Start) Type() MessageType { return MsgStart }
func (s Start) Validate() error {
	if s.Offset < 0 {
		return errors.New("start offset must be non-negative")
	}
	return nil
}

// Pause asks the uploader to stop scheduling further chunks.
type Pause struct{}

func (Pause) Type() MessageType { return MsgPause }
func (Pause) Validate() error   { return nil }

// Chunk commits the binary payload sent immediately before it. The
// downloader must never treat chunk bytes as received until this record
// arrives.
type Chunk struct {
	Offset int64 `json:"offset"`
	Final  bool  `json:"final,omitempty"`
}

func (Chunk) Type() MessageType { return MsgChunk }
func (c Chunk) Validate() error {
	if c.Offset < 0 {
		return errors.New("chunk offset must be non-negative")
	}
	return nil
}

// Ack reports downloader progress. Advisory only, not a flow control gate.
type Ack struct {
	BytesReceived int64 `json:"bytesReceived"`
}

func (Ack) Type() MessageType { return MsgAck }
func (a Ack) Validate() error {
	if a.BytesReceived < 0 {
		return errors.New("ack bytes must be non-negative")
	}
	return nil
}

// Done signals that the downloader assembled the complete file.
type Done struct{}

func (Done) Type() MessageType { return MsgDone }
func (Done) Validate() error   { return nil }

// TransferError aborts the transfer on the sending side's initiative.
type TransferError struct {
	Reason string `json:"reason"`
}

func (TransferError) Type() MessageType { return MsgTransferError }
func (TransferError) Validate() error   { return nil }

// --- mesh messages ---

// CharacterSync announces the sender's display identity. Sent once a mesh
// link opens; receipt moves the sender's participant to ready.
type CharacterSync struct {
	PeerID    string        `json:"peerId"`
	Character CharacterInfo `json:"character"`
}

func (CharacterSync) Type() MessageType { return MsgCharacterSync }
func (c CharacterSync) Validate() error {
	if c.PeerID == "" {
		return errors.New("character sync peer id is required")
	}
	if c.Character.Name == "" {
		return errors.New("character name is required")
	}
	return nil
}

// ChatMessage is one chat history entry. ID is the dedup key; Timestamp
// (unix milliseconds) drives display order.
type ChatMessage struct {
	ID            string `json:"id"`
	SenderID      string `json:"senderId"`
	CharacterName string `json:"characterName"`
	Content       string `json:"content"`
	IsHuman       bool   `json:"isHuman"`
	Timestamp     int64  `json:"timestamp"`
}

func (ChatMessage) Type() MessageType { return MsgChatMessage }
func (m ChatMessage) Validate() error {
	if m.ID == "" {
		return errors.New("chat message id is required")
	}
	if m.SenderID == "" {
		return errors.New("chat message sender is required")
	}
	return nil
}

// ItemID and ItemTime implement session.ChatItem.
func (m ChatMessage) ItemID() string  { return m.ID }
func (m ChatMessage) ItemTime() int64 { return m.Timestamp }

// SystemMessage records a join/leave event in chat history.
type SystemMessage struct {
	ID            string `json:"id"`
	Event         string `json:"event"`
	CharacterName string `json:"characterName"`
	Timestamp     int64  `json:"timestamp"`
}

func (SystemMessage) Type() MessageType { return MsgSystemMessage }
func (m SystemMessage) Validate() error {
	if m.ID == "" {
		return errors.New("system message id is required")
	}
	if m.Event != EventJoined && m.Event != EventLeft {
		return errors.New("system message event must be joined or left")
	}
	return nil
}

func (m SystemMessage) ItemID() string  { return m.ID }
func (m SystemMessage) ItemTime() int64 { return m.Timestamp }

// Thinking toggles the sender's membership in the thinking set.
// Transient, never buffered for replay.
type Thinking struct {
	PeerID     string `json:"peerId"`
	IsThinking bool   `json:"isThinking"`
}

func (Thinking) Type() MessageType { return MsgThinking }
func (t Thinking) Validate() error {
	if t.PeerID == "" {
		return errors.New("thinking peer id is required")
	}
	return nil
}

// PeerState updates a single participant flag.
type PeerState struct {
	PeerID           string `json:"peerId"`
	AutoReplyEnabled bool   `json:"autoReplyEnabled"`
}

func (PeerState) Type() MessageType { return MsgPeerState }
func (s PeerState) Validate() error {
	if s.PeerID == "" {
		return errors.New("peer state peer id is required")
	}
	return nil
}

// ParticipantList is the host's roster broadcast. Receivers dial every
// listed peer they are not yet connected to.
type ParticipantList struct {
	Participants []ParticipantInfo `json:"participants"`
}

func (ParticipantList) Type() MessageType { return MsgParticipantList }
func (l ParticipantList) Validate() error {
	for _, p := range l.Participants {
		if p.PeerID == "" {
			return errors.New("participant list entry missing peer id")
		}
	}
	return nil
}

// SessionInfo is the host's full snapshot for a newly joined peer:
// roster plus chat history, replayed through the dedup path.
type SessionInfo struct {
	Session      SessionDescriptor `json:"session"`
	Participants []ParticipantInfo `json:"participants"`
	History      []HistoryItem     `json:"history"`
}

func (SessionInfo) Type() MessageType { return MsgSessionInfo }
func (s SessionInfo) Validate() error {
	if s.Session.SessionID == "" {
		return errors.New("session info session id is required")
	}
	for _, p := range s.Participants {
		if p.PeerID == "" {
			return errors.New("session info participant missing peer id")
		}
	}
	for _, item := range s.History {
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RequestSync asks the receiver for its CharacterSync and, when the
// receiver is host, a SessionInfo snapshot.
type RequestSync struct {
	PeerID string `json:"peerId"`
}

func (RequestSync) Type() MessageType { return MsgRequestSync }
func (r RequestSync) Validate() error {
	if r.PeerID == "" {
		return errors.New("request sync peer id is required")
	}
	return nil
}

// PeerLeft announces an orderly departure.
type PeerLeft struct {
	PeerID        string `json:"peerId"`
	CharacterName string `json:"characterName,omitempty"`
}

func (PeerLeft) Type() MessageType { return MsgPeerLeft }
func (p PeerLeft) Validate() error {
	if p.PeerID == "" {
		return errors.New("peer left peer id is required")
	}
	return nil
}
