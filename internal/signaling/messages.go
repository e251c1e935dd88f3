package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type messageType string

const (
	// Client -> server.
	messageTypeFindMatch messageType = "find-match"
	messageTypeJoinRoom  messageType = "join-room"
	messageTypeSignal    messageType = "signal"
	messageTypeSkip      messageType = "skip"

	// Server -> client.
	messageTypeWelcome  messageType = "welcome"
	messageTypeMatched  messageType = "matched"
	messageTypePeerLeft messageType = "peer-left"
	messageTypeError    messageType = "error"
)

// clientMessage is the envelope for everything a client may send.
type clientMessage struct {
	Type messageType `json:"type"`

	// Tags filters matchmaking by shared interest (find-match, skip).
	Tags []string `json:"tags,omitempty"`

	// RoomID names an invite room (find-match to create, join-room to join).
	RoomID string `json:"roomId,omitempty"`

	// PeerID addresses a handshake payload (signal).
	PeerID string `json:"peerId,omitempty"`

	// Signal is the opaque handshake payload, forwarded verbatim.
	Signal json.RawMessage `json:"signal,omitempty"`
}

// serverMessage is the envelope for everything the server sends.
type serverMessage struct {
	Type messageType `json:"type"`

	// ID is the server-assigned client id (welcome).
	ID string `json:"id,omitempty"`

	// PeerID names the counterpart (matched, peer-left, signal).
	PeerID string `json:"peerId,omitempty"`

	Signal json.RawMessage `json:"signal,omitempty"`

	// Message is a human-readable failure description (error).
	Message string `json:"message,omitempty"`
}

// parseClientMessage decodes and validates one inbound message. Decoding
// is strict: unknown fields and trailing data are rejected so client bugs
// surface as errors instead of silently dropped fields.
func parseClientMessage(data []byte) (clientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg clientMessage
	if err := dec.Decode(&msg); err != nil {
		return clientMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return clientMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return clientMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m clientMessage) validate() error {
	switch m.Type {
	case messageTypeFindMatch:
		if m.PeerID != "" || m.Signal != nil {
			return fmt.Errorf("find-match message has unexpected fields")
		}
	case messageTypeSkip:
		if m.RoomID != "" || m.PeerID != "" || m.Signal != nil {
			return fmt.Errorf("skip message has unexpected fields")
		}
	case messageTypeJoinRoom:
		if m.RoomID == "" {
			return fmt.Errorf("join-room message missing roomId")
		}
		if m.Tags != nil || m.PeerID != "" || m.Signal != nil {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case messageTypeSignal:
		if m.PeerID == "" {
			return fmt.Errorf("signal message missing peerId")
		}
		if m.Signal == nil {
			return fmt.Errorf("signal message missing signal")
		}
		if m.Tags != nil || m.RoomID != "" {
			return fmt.Errorf("signal message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// signalKind extracts a free-form discriminator from an opaque handshake
// payload, for logging only. Correctness never branches on it.
func signalKind(raw json.RawMessage) string {
	var probe struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	if probe.Type != "" {
		return probe.Type
	}
	return probe.Kind
}
