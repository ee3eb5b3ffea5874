package protocol

type MessageType string

const (
	MsgInfoRequest       MessageType = "info_request"
	MsgChallenge         MessageType = "challenge"
	MsgChallengeResponse MessageType = "challenge_response"
	MsgFileMeta          MessageType = "file_meta"
	MsgStart             MessageType = "start"
	MsgPause             MessageType = "pause"
	MsgChunk             MessageType = "chunk"
	MsgAck               MessageType = "ack"
	MsgDone              MessageType = "done"
	MsgTransferError     MessageType = "transfer_error"

	MsgCharacterSync   MessageType = "character_sync"
	MsgChatMessage     MessageType = "chat_message"
	MsgSystemMessage   MessageType = "system_message"
	MsgThinking        MessageType = "thinking"
	MsgPeerState       MessageType = "peer_state"
	MsgParticipantList MessageType = "participant_list"
	MsgSessionInfo     MessageType = "session_info"
	MsgRequestSync     MessageType = "request_sync"
	MsgPeerLeft        MessageType = "peer_left"
)

// SystemMessage events.
const (
	EventJoined = "joined"
	EventLeft   = "left"
)

// Frame discriminators. Every payload sent over a data channel starts with
// one of these bytes: control frames carry a JSON envelope, binary frames
// carry raw file chunk bytes.
const (
	FrameControl byte = 0x00
	FrameBinary  byte = 0x01
)
