// Package protocol defines the closed set of wire messages exchanged over
// peer data channels and the codec that frames them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyFrame      = errors.New("protocol: empty frame")
	ErrUnknownFrame    = errors.New("protocol: unknown frame discriminator")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrMalformedFrame  = errors.New("protocol: malformed frame")
	ErrNotControlFrame = errors.New("protocol: frame does not carry a control message")
)

type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Codec encodes messages into control frames and decodes incoming frames.
// Malformed or unknown frames decode to an error so dispatchers can drop
// and log them without partial processing.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// EncodeFrame wraps a message into a control frame.
func (c *Codec) EncodeFrame(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("protocol: invalid %s message: %w", msg.Type(), err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", msg.Type(), err)
	}

	env, err := json.Marshal(envelope{Type: msg.Type(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}

	frame := make([]byte, 0, len(env)+1)
	frame = append(frame, FrameControl)
	frame = append(frame, env...)
	return frame, nil
}

// BinaryFrame wraps raw chunk bytes into a binary frame.
func BinaryFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, FrameBinary)
	frame = append(frame, payload...)
	return frame
}

// DecodeFrame splits an incoming frame into either a control message or a
// binary payload. Exactly one of the two return values is set on success.
func (c *Codec) DecodeFrame(frame []byte) (Message, []byte, error) {
	if len(frame) == 0 {
		return nil, nil, ErrEmptyFrame
	}

	switch frame[0] {
	case FrameBinary:
		return nil, frame[1:], nil
	case FrameControl:
		msg, err := c.DecodeMessage(frame[1:])
		if err != nil {
			return nil, nil, err
		}
		return msg, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frame[0])
	}
}

// DecodeMessage parses and validates a control envelope.
func (c *Codec) DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	msg, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}

	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, env.Type, err)
		}
	}

	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
	}

	return msg, nil
}

func newMessage(t MessageType) (Message, error) {
	switch t {
	case MsgInfoRequest:
		return &InfoRequest{}, nil
	case MsgChallenge:
		return &Challenge{}, nil
	case MsgChallengeResponse:
		return &ChallengeResponse{}, nil
	case MsgFileMeta:
		return &FileMeta{}, nil
	case MsgStart:
		return &Start{}, nil
	case MsgPause:
		return &Pause{}, nil
	case MsgChunk:
		return &Chunk{}, nil
	case MsgAck:
		return &Ack{}, nil
	case MsgDone:
		return &Done{}, nil
	case MsgTransferError:
		return &TransferError{}, nil
	case MsgCharacterSync:
		return &CharacterSync{}, nil
	case MsgChatMessage:
		return &ChatMessage{}, nil
	case MsgSystemMessage:
		return &SystemMessage{}, nil
	case MsgThinking:
		return &Thinking{}, nil
	case MsgPeerState:
		return &PeerState{}, nil
	case MsgParticipantList:
		return &ParticipantList{}, nil
	case MsgSessionInfo:
		return &SessionInfo{}, nil
	case MsgRequestSync:
		return &RequestSync{}, nil
	case MsgPeerLeft:
		return &PeerLeft{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}
