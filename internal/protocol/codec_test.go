package protocol

import (
	"bytes"
	"testing"
)

func TestCodecChatMessageRoundTrip(t *testing.T) {
	codec := NewCodec()

	msg := &ChatMessage{
		ID:            "msg-1",
		SenderID:      "peer-a",
		CharacterName: "Aria",
		Content:       "hello everyone",
		IsHuman:       true,
		Timestamp:     1700000000000,
	}

	frame, err := codec.EncodeFrame(msg)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, payload, err := codec.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if payload != nil {
		t.Fatal("expected control frame, got binary payload")
	}

	decodedMsg, ok := decoded.(*ChatMessage)
	if !ok {
		t.Fatalf("expected *ChatMessage, got %T", decoded)
	}
	if decodedMsg.ID != msg.ID || decodedMsg.Content != msg.Content {
		t.Errorf("round trip mismatch: %+v", decodedMsg)
	}
	if decodedMsg.Timestamp != msg.Timestamp {
		t.Errorf("expected timestamp %d, got %d", msg.Timestamp, decodedMsg.Timestamp)
	}
}

func TestCodecBinaryFrame(t *testing.T) {
	codec := NewCodec()
	chunkData := []byte("some raw chunk bytes")

	frame := BinaryFrame(chunkData)

	msg, payload, err := codec.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	if msg != nil {
		t.Fatalf("expected binary frame, got message %T", msg)
	}
	if !bytes.Equal(payload, chunkData) {
		t.Errorf("payload mismatch: %q", payload)
	}
}

func TestCodecChallengeRoundTrip(t *testing.T) {
	codec := NewCodec()

	frame, err := codec.EncodeFrame(&Challenge{Value: "abc123", Retry: true})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, _, err := codec.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	challenge, ok := decoded.(*Challenge)
	if !ok {
		t.Fatalf("expected *Challenge, got %T", decoded)
	}
	if challenge.Value != "abc123" {
		t.Errorf("expected challenge abc123, got %s", challenge.Value)
	}
	if !challenge.Retry {
		t.Error("expected retry flag to survive the round trip")
	}
}

func TestCodecEmptyMessages(t *testing.T) {
	codec := NewCodec()

	for _, msg := range []Message{&InfoRequest{}, &Pause{}, &Done{}} {
		frame, err := codec.EncodeFrame(msg)
		if err != nil {
			t.Fatalf("EncodeFrame %s failed: %v", msg.Type(), err)
		}

		decoded, _, err := codec.DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame %s failed: %v", msg.Type(), err)
		}
		if decoded.Type() != msg.Type() {
			t.Errorf("expected type %s, got %s", msg.Type(), decoded.Type())
		}
	}
}

func TestCodecSessionInfoRoundTrip(t *testing.T) {
	codec := NewCodec()

	msg := &SessionInfo{
		Session: SessionDescriptor{
			SessionID:  "sess-1",
			Slug:       "brave-otter",
			HostPeerID: "peer-a",
		},
		Participants: []ParticipantInfo{
			{PeerID: "peer-a", Character: CharacterInfo{Name: "Aria"}},
			{PeerID: "peer-b", Character: CharacterInfo{Name: "Brom"}, AutoReplyEnabled: true},
		},
		History: []HistoryItem{
			{Chat: &ChatMessage{ID: "m1", SenderID: "peer-a", Content: "hi", Timestamp: 10}},
			{System: &SystemMessage{ID: "s1", Event: EventJoined, CharacterName: "Brom", Timestamp: 20}},
		},
	}

	frame, err := codec.EncodeFrame(msg)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}

	decoded, _, err := codec.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	info, ok := decoded.(*SessionInfo)
	if !ok {
		t.Fatalf("expected *SessionInfo, got %T", decoded)
	}
	if len(info.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(info.Participants))
	}
	if len(info.History) != 2 {
		t.Fatalf("expected 2 history items, got %d", len(info.History))
	}
	if info.History[0].Chat == nil || info.History[0].Chat.ID != "m1" {
		t.Errorf("expected first history item chat m1, got %+v", info.History[0])
	}
	if info.History[1].System == nil || info.History[1].System.Event != EventJoined {
		t.Errorf("expected second history item joined event, got %+v", info.History[1])
	}
}

func TestCodecRejectsUnknownType(t *testing.T) {
	codec := NewCodec()

	frame := append([]byte{FrameControl}, []byte(`{"type":"nonsense","data":{}}`)...)
	if _, _, err := codec.DecodeFrame(frame); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestCodecRejectsMalformedFrames(t *testing.T) {
	codec := NewCodec()

	cases := map[string][]byte{
		"empty":             {},
		"bad discriminator": {0x7F, 'x'},
		"invalid json":      append([]byte{FrameControl}, []byte("{not json")...),
		"missing required":  append([]byte{FrameControl}, []byte(`{"type":"chat_message","data":{"content":"x"}}`)...),
		"invalid event":     append([]byte{FrameControl}, []byte(`{"type":"system_message","data":{"id":"s1","event":"exploded"}}`)...),
		"negative offset":   append([]byte{FrameControl}, []byte(`{"type":"chunk","data":{"offset":-4}}`)...),
		"empty challenge":   append([]byte{FrameControl}, []byte(`{"type":"challenge","data":{"value":""}}`)...),
		"ambiguous history": append([]byte{FrameControl}, []byte(`{"type":"session_info","data":{"session":{"sessionId":"s"},"history":[{}]}}`)...),
	}

	for name, frame := range cases {
		if _, _, err := codec.DecodeFrame(frame); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}
