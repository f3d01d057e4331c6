package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vcall/signaling-relay/internal/metrics"
	"github.com/vcall/signaling-relay/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSender) Send(frame []byte) bool {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	return true
}

func (s *fakeSender) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(s.frames))
	for _, frame := range s.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatalf("decode frame %s: %v", frame, err)
		}
		out = append(out, env)
	}
	return out
}

func (s *fakeSender) lastEnvelope(t *testing.T) protocol.Envelope {
	t.Helper()
	envs := s.envelopes(t)
	if len(envs) == 0 {
		t.Fatalf("no frames delivered")
	}
	return envs[len(envs)-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestRouter() *Router {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(logger, metrics.New())
	r.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return r
}

func frame(t *testing.T, kind protocol.Kind, data string) []byte {
	t.Helper()
	return []byte(fmt.Sprintf(`{"event":%q,"data":%s}`, kind, data))
}

func join(t *testing.T, r *Router, connID, roomID, userName string) {
	t.Helper()
	raw := frame(t, protocol.KindJoinRoom,
		fmt.Sprintf(`{"roomId":%q,"userName":%q}`, roomID, userName))
	if err := r.HandleFrame(connID, raw); err != nil {
		t.Fatalf("join %s: %v", connID, err)
	}
}

func TestRouter_JoinNotifiesJoinerAndRoom(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)

	join(t, r, "cA", "r1", "A")

	env := a.lastEnvelope(t)
	if env.Event != protocol.KindRoomUsers {
		t.Fatalf("A got %q, want room-users", env.Event)
	}
	var users []protocol.Member
	if err := json.Unmarshal(env.Data, &users); err != nil {
		t.Fatalf("decode room-users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("first joiner saw occupants: %#v", users)
	}

	join(t, r, "cB", "r1", "B")

	env = b.lastEnvelope(t)
	if env.Event != protocol.KindRoomUsers {
		t.Fatalf("B got %q, want room-users", env.Event)
	}
	if err := json.Unmarshal(env.Data, &users); err != nil {
		t.Fatalf("decode room-users: %v", err)
	}
	if len(users) != 1 || users[0].ID != "cA" || users[0].UserName != "A" {
		t.Fatalf("B's room-users=%#v, want just A", users)
	}

	env = a.lastEnvelope(t)
	if env.Event != protocol.KindUserJoined {
		t.Fatalf("A got %q, want user-joined", env.Event)
	}
	var joined protocol.Member
	if err := json.Unmarshal(env.Data, &joined); err != nil {
		t.Fatalf("decode user-joined: %v", err)
	}
	if joined.ID != "cB" || joined.UserName != "B" {
		t.Fatalf("user-joined=%#v", joined)
	}

	// The joiner never receives its own user-joined.
	for _, env := range b.envelopes(t) {
		if env.Event == protocol.KindUserJoined {
			t.Fatalf("joiner received its own user-joined")
		}
	}
}

func TestRouter_ChatBroadcastIncludesSender(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)
	join(t, r, "cA", "r1", "A")
	join(t, r, "cB", "r1", "B")

	raw := frame(t, protocol.KindSendMessage, `{"roomId":"r1","message":"hi","senderName":"A"}`)
	if err := r.HandleFrame("cA", raw); err != nil {
		t.Fatalf("send-message: %v", err)
	}

	for name, s := range map[string]*fakeSender{"A": a, "B": b} {
		env := s.lastEnvelope(t)
		if env.Event != protocol.KindReceiveMessage {
			t.Fatalf("%s got %q, want receive-message", name, env.Event)
		}
		var msg protocol.ReceiveMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatalf("decode receive-message: %v", err)
		}
		if msg.Message != "hi" || msg.SenderName != "A" {
			t.Fatalf("%s message=%#v", name, msg)
		}
		if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
			t.Fatalf("%s timestamp=%v, want server stamp", name, msg.Timestamp)
		}
	}
}

func TestRouter_ChatTimestampsNonDecreasing(t *testing.T) {
	r := newTestRouter()
	a := &fakeSender{}
	r.HandleConnect("cA", a)
	join(t, r, "cA", "r1", "A")

	times := []time.Time{
		time.Unix(2000, 0),
		time.Unix(1000, 0), // clock stepped backwards
		time.Unix(3000, 0),
	}
	i := 0
	r.now = func() time.Time { t := times[i]; i++; return t }

	for n := 0; n < len(times); n++ {
		raw := frame(t, protocol.KindSendMessage, `{"roomId":"r1","message":"m","senderName":"A"}`)
		if err := r.HandleFrame("cA", raw); err != nil {
			t.Fatalf("send-message: %v", err)
		}
	}

	var prev time.Time
	for _, env := range a.envelopes(t) {
		if env.Event != protocol.KindReceiveMessage {
			continue
		}
		var msg protocol.ReceiveMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Timestamp.Before(prev) {
			t.Fatalf("timestamp went backwards: %v < %v", msg.Timestamp, prev)
		}
		prev = msg.Timestamp
	}
}

func TestRouter_OfferIsUnicastToTargetOnly(t *testing.T) {
	r := newTestRouter()
	a, b, c := &fakeSender{}, &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)
	r.HandleConnect("cC", c)
	join(t, r, "cA", "r1", "A")
	join(t, r, "cB", "r1", "B")
	join(t, r, "cC", "r1", "C")

	before := c.count()
	raw := frame(t, protocol.KindSendOffer,
		`{"roomId":"r1","offer":{"type":"offer","sdp":"v=0"},"targetUserId":"cB"}`)
	if err := r.HandleFrame("cA", raw); err != nil {
		t.Fatalf("send-offer: %v", err)
	}

	env := b.lastEnvelope(t)
	if env.Event != protocol.KindReceiveOffer {
		t.Fatalf("B got %q, want receive-offer", env.Event)
	}
	var offer protocol.ReceiveOffer
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		t.Fatalf("decode receive-offer: %v", err)
	}
	if offer.SenderID != "cA" || offer.RoomID != "r1" {
		t.Fatalf("receive-offer=%#v", offer)
	}
	if string(offer.Offer) != `{"type":"offer","sdp":"v=0"}` {
		t.Fatalf("offer payload rewritten: %s", offer.Offer)
	}

	if c.count() != before {
		t.Fatalf("third member received a point-to-point offer")
	}
}

func TestRouter_OfferTargetingIgnoresRooms(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)
	join(t, r, "cA", "r1", "A")
	join(t, r, "cB", "r2", "B")

	raw := frame(t, protocol.KindSendOffer,
		`{"roomId":"r1","offer":{},"targetUserId":"cB"}`)
	if err := r.HandleFrame("cA", raw); err != nil {
		t.Fatalf("send-offer: %v", err)
	}

	if env := b.lastEnvelope(t); env.Event != protocol.KindReceiveOffer {
		t.Fatalf("cross-room offer not delivered, got %q", env.Event)
	}
}

func TestRouter_AnswerAndCandidateCarrySenderID(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)

	raw := frame(t, protocol.KindSendAnswer, `{"answer":{"type":"answer"},"targetUserId":"cA"}`)
	if err := r.HandleFrame("cB", raw); err != nil {
		t.Fatalf("send-answer: %v", err)
	}
	var answer protocol.ReceiveAnswer
	env := a.lastEnvelope(t)
	if env.Event != protocol.KindReceiveAnswer {
		t.Fatalf("A got %q, want receive-answer", env.Event)
	}
	if err := json.Unmarshal(env.Data, &answer); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if answer.SenderID != "cB" {
		t.Fatalf("senderId=%q, want cB", answer.SenderID)
	}

	raw = frame(t, protocol.KindSendICECandidate,
		`{"roomId":"r1","candidate":{"candidate":"candidate:1"},"targetUserId":"cB"}`)
	if err := r.HandleFrame("cA", raw); err != nil {
		t.Fatalf("send-ice-candidate: %v", err)
	}
	env = b.lastEnvelope(t)
	if env.Event != protocol.KindReceiveICECandidate {
		t.Fatalf("B got %q, want receive-ice-candidate", env.Event)
	}
	var cand protocol.ReceiveICECandidate
	if err := json.Unmarshal(env.Data, &cand); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cand.SenderID != "cA" {
		t.Fatalf("senderId=%q, want cA", cand.SenderID)
	}
}

func TestRouter_LeaveNotifiesRemainingMembers(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)
	join(t, r, "cA", "r1", "A")
	join(t, r, "cB", "r1", "B")

	raw := frame(t, protocol.KindLeaveRoom, `{"roomId":"r1"}`)
	if err := r.HandleFrame("cB", raw); err != nil {
		t.Fatalf("leave-room: %v", err)
	}

	env := a.lastEnvelope(t)
	if env.Event != protocol.KindUserLeft {
		t.Fatalf("A got %q, want user-left", env.Event)
	}
	var id string
	if err := json.Unmarshal(env.Data, &id); err != nil {
		t.Fatalf("decode user-left: %v", err)
	}
	if id != "cB" {
		t.Fatalf("user-left id=%q, want cB", id)
	}

	// Last leave deletes the room without a broadcast.
	before := b.count()
	raw = frame(t, protocol.KindLeaveRoom, `{"roomId":"r1"}`)
	if err := r.HandleFrame("cA", raw); err != nil {
		t.Fatalf("final leave-room: %v", err)
	}
	if len(r.Rooms()) != 0 {
		t.Fatalf("room survived the last leave: %#v", r.Rooms())
	}
	if b.count() != before {
		t.Fatalf("departed member received post-leave traffic")
	}
}

func TestRouter_DisconnectBroadcastsUserLeftAndCleansUp(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)
	join(t, r, "cA", "r1", "A")
	join(t, r, "cB", "r1", "B")

	r.HandleDisconnect("cB")

	env := a.lastEnvelope(t)
	if env.Event != protocol.KindUserLeft {
		t.Fatalf("A got %q, want user-left", env.Event)
	}
	var id string
	if err := json.Unmarshal(env.Data, &id); err != nil {
		t.Fatalf("decode user-left: %v", err)
	}
	if id != "cB" {
		t.Fatalf("user-left id=%q, want cB", id)
	}

	rooms := r.Rooms()
	if len(rooms) != 1 || rooms[0].Members != 1 {
		t.Fatalf("rooms=%#v, want r1 with one member", rooms)
	}
	if r.Connections() != 1 {
		t.Fatalf("connections=%d, want 1", r.Connections())
	}

	// Disconnecting the last member deletes the room silently.
	r.HandleDisconnect("cA")
	if len(r.Rooms()) != 0 {
		t.Fatalf("rooms=%#v, want none", r.Rooms())
	}
}

func TestRouter_JoinSwitchesRooms(t *testing.T) {
	r := newTestRouter()
	a, b := &fakeSender{}, &fakeSender{}
	r.HandleConnect("cA", a)
	r.HandleConnect("cB", b)
	join(t, r, "cA", "r1", "A")
	join(t, r, "cB", "r1", "B")

	// A switches to r2: r1 must see user-left before A appears in r2.
	join(t, r, "cA", "r2", "A")

	env := b.lastEnvelope(t)
	if env.Event != protocol.KindUserLeft {
		t.Fatalf("B got %q, want user-left for the switching member", env.Event)
	}

	rooms := map[string]int{}
	for _, info := range r.Rooms() {
		rooms[info.RoomID] = info.Members
	}
	if rooms["r1"] != 1 || rooms["r2"] != 1 {
		t.Fatalf("rooms=%#v", rooms)
	}
}

func TestRouter_MalformedFrameLeavesStateUntouched(t *testing.T) {
	r := newTestRouter()
	a := &fakeSender{}
	r.HandleConnect("cA", a)
	join(t, r, "cA", "r1", "A")

	err := r.HandleFrame("cA", []byte(`{"event":"join-room","data":{"roomId":""}}`))
	if err == nil {
		t.Fatalf("expected malformed frame error")
	}

	if got := r.Metrics().Get(metrics.EnvelopeMalformed); got != 1 {
		t.Fatalf("envelope_malformed=%d, want 1", got)
	}
	rooms := r.Rooms()
	if len(rooms) != 1 || rooms[0].RoomID != "r1" || rooms[0].Members != 1 {
		t.Fatalf("state mutated by malformed frame: %#v", rooms)
	}
}

func TestRouter_SendToDisconnectedTargetIsSilentlyDropped(t *testing.T) {
	r := newTestRouter()
	a := &fakeSender{}
	r.HandleConnect("cA", a)

	raw := frame(t, protocol.KindSendOffer, `{"roomId":"r1","offer":{},"targetUserId":"ghost"}`)
	if err := r.HandleFrame("cA", raw); err != nil {
		t.Fatalf("offer to unknown target must not error: %v", err)
	}
	if got := r.Metrics().Get(metrics.SendDropped); got != 1 {
		t.Fatalf("send_dropped=%d, want 1", got)
	}
}

func TestRouter_LeaveRacingDisconnectIsNoop(t *testing.T) {
	r := newTestRouter()
	a := &fakeSender{}
	r.HandleConnect("cA", a)
	join(t, r, "cA", "r1", "A")
	r.HandleDisconnect("cA")

	raw := frame(t, protocol.KindLeaveRoom, `{"roomId":"r1"}`)
	if err := r.HandleFrame("cA", raw); err != nil {
		t.Fatalf("leave after disconnect: %v", err)
	}
}
