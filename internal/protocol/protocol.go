// Package protocol models the signaling wire surface exchanged with browser
// clients: tagged JSON envelopes carrying room, chat, and WebRTC handshake
// payloads.
//
// Offer/answer/candidate payloads are opaque to the relay; they are ferried
// between peers unchanged and never interpreted server-side.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Kind tags an envelope with the event it carries.
type Kind string

// Client -> server kinds.
const (
	KindJoinRoom         Kind = "join-room"
	KindSendMessage      Kind = "send-message"
	KindSendOffer        Kind = "send-offer"
	KindSendAnswer       Kind = "send-answer"
	KindSendICECandidate Kind = "send-ice-candidate"
	KindLeaveRoom        Kind = "leave-room"
)

// Server -> client kinds.
const (
	KindRoomUsers           Kind = "room-users"
	KindUserJoined          Kind = "user-joined"
	KindReceiveMessage      Kind = "receive-message"
	KindReceiveOffer        Kind = "receive-offer"
	KindReceiveAnswer       Kind = "receive-answer"
	KindReceiveICECandidate Kind = "receive-ice-candidate"
	KindUserLeft            Kind = "user-left"
)

// Envelope is the outer JSON frame: {"event": "...", "data": ...}.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Member is a connection's participation record within a room as exposed on
// the wire (room-users and user-joined payloads).
type Member struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
}

// Inbound payloads. Field names match the browser client's JSON.

type JoinRoom struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
}

type SendMessage struct {
	RoomID     string `json:"roomId"`
	Message    string `json:"message"`
	SenderName string `json:"senderName"`
}

type SendOffer struct {
	RoomID       string          `json:"roomId"`
	Offer        json.RawMessage `json:"offer"`
	TargetUserID string          `json:"targetUserId"`
}

type SendAnswer struct {
	Answer       json.RawMessage `json:"answer"`
	TargetUserID string          `json:"targetUserId"`
}

type SendICECandidate struct {
	RoomID       string          `json:"roomId"`
	Candidate    json.RawMessage `json:"candidate"`
	TargetUserID string          `json:"targetUserId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// Outbound payloads.

type ReceiveMessage struct {
	Message    string    `json:"message"`
	SenderName string    `json:"senderName"`
	Timestamp  time.Time `json:"timestamp"`
}

type ReceiveOffer struct {
	Offer    json.RawMessage `json:"offer"`
	SenderID string          `json:"senderId"`
	RoomID   string          `json:"roomId"`
}

type ReceiveAnswer struct {
	Answer   json.RawMessage `json:"answer"`
	SenderID string          `json:"senderId"`
}

type ReceiveICECandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	SenderID  string          `json:"senderId"`
}

// ClientMessage is a parsed and validated inbound envelope. Exactly one of
// the payload fields is non-nil, selected by Kind.
type ClientMessage struct {
	Kind Kind

	Join      *JoinRoom
	Chat      *SendMessage
	Offer     *SendOffer
	Answer    *SendAnswer
	Candidate *SendICECandidate
	Leave     *LeaveRoom
}

// ParseClientMessage decodes an inbound frame and validates that all fields
// required by its kind are present. A failure means the frame must be
// discarded without mutating any relay state; it is never fatal to the
// connection.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}

	msg := ClientMessage{Kind: env.Event}
	switch env.Event {
	case KindJoinRoom:
		var p JoinRoom
		if err := decodePayload(env, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.RoomID == "" {
			return ClientMessage{}, missingField(env.Event, "roomId")
		}
		if p.UserName == "" {
			return ClientMessage{}, missingField(env.Event, "userName")
		}
		msg.Join = &p
	case KindSendMessage:
		var p SendMessage
		if err := decodePayload(env, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.RoomID == "" {
			return ClientMessage{}, missingField(env.Event, "roomId")
		}
		if p.SenderName == "" {
			return ClientMessage{}, missingField(env.Event, "senderName")
		}
		msg.Chat = &p
	case KindSendOffer:
		var p SendOffer
		if err := decodePayload(env, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.RoomID == "" {
			return ClientMessage{}, missingField(env.Event, "roomId")
		}
		if p.TargetUserID == "" {
			return ClientMessage{}, missingField(env.Event, "targetUserId")
		}
		if !presentRaw(p.Offer) {
			return ClientMessage{}, missingField(env.Event, "offer")
		}
		msg.Offer = &p
	case KindSendAnswer:
		var p SendAnswer
		if err := decodePayload(env, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.TargetUserID == "" {
			return ClientMessage{}, missingField(env.Event, "targetUserId")
		}
		if !presentRaw(p.Answer) {
			return ClientMessage{}, missingField(env.Event, "answer")
		}
		msg.Answer = &p
	case KindSendICECandidate:
		var p SendICECandidate
		if err := decodePayload(env, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.RoomID == "" {
			return ClientMessage{}, missingField(env.Event, "roomId")
		}
		if p.TargetUserID == "" {
			return ClientMessage{}, missingField(env.Event, "targetUserId")
		}
		if !presentRaw(p.Candidate) {
			return ClientMessage{}, missingField(env.Event, "candidate")
		}
		msg.Candidate = &p
	case KindLeaveRoom:
		var p LeaveRoom
		if err := decodePayload(env, &p); err != nil {
			return ClientMessage{}, err
		}
		if p.RoomID == "" {
			return ClientMessage{}, missingField(env.Event, "roomId")
		}
		msg.Leave = &p
	default:
		return ClientMessage{}, fmt.Errorf("unsupported event %q", env.Event)
	}

	return msg, nil
}

// MarshalServerEnvelope builds the outbound frame for a server -> client
// event. The payload is marshaled once so broadcasts can share bytes.
func MarshalServerEnvelope(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Event: kind, Data: data})
}

// decodePayload decodes the kind-specific payload. Unlike the envelope,
// payloads are decoded permissively: clients may attach extra fields (a
// locally stamped timestamp on chat, for example) and these are discarded,
// not treated as malformed.
func decodePayload(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", env.Event, err)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func missingField(kind Kind, field string) error {
	return fmt.Errorf("%s payload missing %s", kind, field)
}

func presentRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
