package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/vcall/signaling-relay/internal/metrics"
	"github.com/vcall/signaling-relay/internal/protocol"
)

// Router interprets inbound envelopes and dispatches them against the room
// table and connection registry, producing unicast and broadcast deliveries.
//
// It also implements the connection lifecycle: transports report connects and
// disconnects here, and disconnect cleanup reuses the same removal path as an
// explicit leave.
type Router struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	rooms   *RoomTable
	conns   *Registry

	// now is the chat timestamp source; overridable in tests.
	now func() time.Time

	// mu serializes envelope handling so a membership mutation and the
	// broadcasts it produces are never interleaved with another envelope's.
	mu sync.Mutex
}

func NewRouter(logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		log:     logger,
		metrics: m,
		rooms:   NewRoomTable(),
		conns:   NewRegistry(),
		now:     time.Now,
	}
}

func (r *Router) Metrics() *metrics.Metrics { return r.metrics }

// Rooms exposes the occupancy snapshot for the read-only /rooms endpoint.
func (r *Router) Rooms() []RoomInfo { return r.rooms.Snapshot() }

// Connections returns the number of registered connections.
func (r *Router) Connections() int { return r.conns.Len() }

// HandleConnect registers a new transport. No room action is taken until the
// connection joins.
func (r *Router) HandleConnect(connID string, s Sender) {
	r.conns.Register(connID, s)
	r.metrics.Inc(metrics.ConnectionOpened)
	r.log.Info("connection opened", "conn_id", connID)
}

// HandleDisconnect removes the connection from any room it belongs to,
// notifies remaining members, and deregisters the transport. Transport-level
// failures and explicit closes both land here.
func (r *Router) HandleDisconnect(connID string) {
	r.mu.Lock()
	removals := r.rooms.RemoveConnection(connID)
	for _, rm := range removals {
		if rm.RoomEmptied {
			r.metrics.Inc(metrics.RoomDeleted)
			r.log.Info("room deleted", "room_id", rm.RoomID)
			continue
		}
		r.broadcastLocked(rm.RoomID, "", protocol.KindUserLeft, connID)
	}
	r.mu.Unlock()

	r.conns.Deregister(connID)
	r.metrics.Inc(metrics.ConnectionClosed)
	for _, rm := range removals {
		r.log.Info("user disconnected from room",
			"room_id", rm.RoomID, "conn_id", connID, "user_name", rm.UserName)
	}
	r.log.Info("connection closed", "conn_id", connID)
}

// HandleFrame parses and dispatches one inbound frame from connID.
//
// A malformed frame is counted and reported via the returned error without
// mutating any state; the caller keeps the connection alive.
func (r *Router) HandleFrame(connID string, data []byte) error {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		r.metrics.Inc(metrics.EnvelopeMalformed)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Kind {
	case protocol.KindJoinRoom:
		r.handleJoinLocked(connID, msg.Join)
	case protocol.KindSendMessage:
		r.handleChatLocked(msg.Chat)
	case protocol.KindSendOffer:
		r.unicastLocked(msg.Offer.TargetUserID, protocol.KindReceiveOffer, protocol.ReceiveOffer{
			Offer:    msg.Offer.Offer,
			SenderID: connID,
			RoomID:   msg.Offer.RoomID,
		})
	case protocol.KindSendAnswer:
		r.unicastLocked(msg.Answer.TargetUserID, protocol.KindReceiveAnswer, protocol.ReceiveAnswer{
			Answer:   msg.Answer.Answer,
			SenderID: connID,
		})
	case protocol.KindSendICECandidate:
		r.unicastLocked(msg.Candidate.TargetUserID, protocol.KindReceiveICECandidate, protocol.ReceiveICECandidate{
			Candidate: msg.Candidate.Candidate,
			SenderID:  connID,
		})
	case protocol.KindLeaveRoom:
		r.handleLeaveLocked(connID, msg.Leave.RoomID)
	}
	return nil
}

// handleJoinLocked switches the connection into the requested room. A
// connection belongs to at most one room, so any prior membership is removed
// first, with the usual user-left notification to the room left behind.
func (r *Router) handleJoinLocked(connID string, p *protocol.JoinRoom) {
	for _, rm := range r.rooms.RemoveConnection(connID) {
		if rm.RoomEmptied {
			r.metrics.Inc(metrics.RoomDeleted)
			r.log.Info("room deleted", "room_id", rm.RoomID)
			continue
		}
		r.broadcastLocked(rm.RoomID, "", protocol.KindUserLeft, connID)
	}

	prior := r.rooms.Join(p.RoomID, connID, p.UserName)
	if len(prior) == 0 {
		r.metrics.Inc(metrics.RoomCreated)
	}

	occupants := make([]protocol.Member, 0, len(prior))
	for _, m := range prior {
		occupants = append(occupants, protocol.Member{ID: m.ConnID, UserName: m.UserName})
	}
	r.sendLocked(connID, protocol.KindRoomUsers, occupants)

	r.broadcastLocked(p.RoomID, connID, protocol.KindUserJoined, protocol.Member{
		ID:       connID,
		UserName: p.UserName,
	})

	r.log.Info("user joined room",
		"room_id", p.RoomID, "conn_id", connID, "user_name", p.UserName,
		"members", len(prior)+1)
}

// handleChatLocked re-stamps the message with the server clock and delivers
// it to every current member of the room, sender included.
func (r *Router) handleChatLocked(p *protocol.SendMessage) {
	stamp := r.rooms.StampChat(p.RoomID, r.now())
	targets := r.rooms.Targets(p.RoomID, "")
	if len(targets) == 0 {
		return
	}

	frame, err := protocol.MarshalServerEnvelope(protocol.KindReceiveMessage, protocol.ReceiveMessage{
		Message:    p.Message,
		SenderName: p.SenderName,
		Timestamp:  stamp,
	})
	if err != nil {
		r.log.Error("encode chat broadcast", "err", err)
		return
	}
	for _, id := range targets {
		r.deliverLocked(id, frame)
	}
	r.metrics.Inc(metrics.ChatMessage)
}

func (r *Router) handleLeaveLocked(connID, roomID string) {
	userName, wasLast, ok := r.rooms.Leave(roomID, connID)
	if !ok {
		// Leave may race with a disconnect that already cleaned up.
		return
	}
	if wasLast {
		r.metrics.Inc(metrics.RoomDeleted)
		r.log.Info("room deleted", "room_id", roomID)
	} else {
		r.broadcastLocked(roomID, "", protocol.KindUserLeft, connID)
	}
	r.log.Info("user left room", "room_id", roomID, "conn_id", connID, "user_name", userName)
}

// unicastLocked delivers one envelope to exactly one target connection.
// Targeting is by connection id only; room membership is not cross-checked.
func (r *Router) unicastLocked(targetID string, kind protocol.Kind, payload any) {
	r.sendLocked(targetID, kind, payload)
}

func (r *Router) broadcastLocked(roomID, exclude string, kind protocol.Kind, payload any) {
	targets := r.rooms.Targets(roomID, exclude)
	if len(targets) == 0 {
		return
	}
	frame, err := protocol.MarshalServerEnvelope(kind, payload)
	if err != nil {
		r.log.Error("encode broadcast", "kind", kind, "err", err)
		return
	}
	for _, id := range targets {
		r.deliverLocked(id, frame)
	}
}

func (r *Router) sendLocked(connID string, kind protocol.Kind, payload any) {
	frame, err := protocol.MarshalServerEnvelope(kind, payload)
	if err != nil {
		r.log.Error("encode envelope", "kind", kind, "err", err)
		return
	}
	r.deliverLocked(connID, frame)
}

// deliverLocked hands a frame to the registry. A miss means the target
// disconnected first; the frame is silently dropped and counted.
func (r *Router) deliverLocked(connID string, frame []byte) {
	if !r.conns.Send(connID, frame) {
		r.metrics.Inc(metrics.SendDropped)
		r.log.Debug("dropped frame for unreachable connection", "conn_id", connID)
	}
}
