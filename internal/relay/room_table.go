package relay

import (
	"sync"
	"time"
)

// Member is a connection's participation record within a room.
type Member struct {
	ConnID   string
	UserName string
}

// Removal describes one room a connection was removed from during disconnect
// cleanup.
type Removal struct {
	RoomID      string
	UserName    string
	RoomEmptied bool
}

// RoomInfo is a read-only occupancy snapshot entry.
type RoomInfo struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}

type roomState struct {
	// Insertion order is join order; room-users snapshots preserve it.
	members []Member

	// lastChatStamp makes server-assigned chat timestamps monotonically
	// non-decreasing per room even if the wall clock steps backwards.
	lastChatStamp time.Time
}

// RoomTable is the authoritative membership state.
//
// Rooms exist iff they have at least one member: created lazily on first join,
// deleted as soon as the last member leaves. Operations on unknown rooms or
// connections are no-ops, never errors; a disconnect may race with a leave
// that was already processed.
type RoomTable struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

func NewRoomTable() *RoomTable {
	return &RoomTable{rooms: make(map[string]*roomState)}
}

// Join appends the connection to the room, creating the room if absent, and
// returns a snapshot of the members that were present before the join. The
// caller sends the snapshot to the joiner as the room-users notification.
//
// Callers must remove the connection from any prior room first; a connection
// id belongs to at most one room at a time.
func (t *RoomTable) Join(roomID, connID, userName string) []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		room = &roomState{}
		t.rooms[roomID] = room
	}

	prior := make([]Member, len(room.members))
	copy(prior, room.members)

	room.members = append(room.members, Member{ConnID: connID, UserName: userName})
	return prior
}

// Leave removes the connection from the room. ok is false when the room or
// member was not found. wasLast reports that the room was deleted because it
// became empty.
func (t *RoomTable) Leave(roomID, connID string) (userName string, wasLast, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, found := t.rooms[roomID]
	if !found {
		return "", false, false
	}

	idx := -1
	for i, m := range room.members {
		if m.ConnID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", false, false
	}

	userName = room.members[idx].UserName
	room.members = append(room.members[:idx], room.members[idx+1:]...)

	if len(room.members) == 0 {
		delete(t.rooms, roomID)
		return userName, true, true
	}
	return userName, false, true
}

// RemoveConnection removes the connection from every room it appears in and
// returns one Removal per affected room.
//
// Normal flow keeps a connection in at most one room, so this full scan is a
// defensive fallback: after an abrupt disconnect no room may retain a stale
// member, even if per-connection bookkeeping was lost.
func (t *RoomTable) RemoveConnection(connID string) []Removal {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removals []Removal
	for roomID, room := range t.rooms {
		idx := -1
		for i, m := range room.members {
			if m.ConnID == connID {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		userName := room.members[idx].UserName
		room.members = append(room.members[:idx], room.members[idx+1:]...)

		emptied := len(room.members) == 0
		if emptied {
			delete(t.rooms, roomID)
		}
		removals = append(removals, Removal{
			RoomID:      roomID,
			UserName:    userName,
			RoomEmptied: emptied,
		})
	}
	return removals
}

// Targets resolves the broadcast set for a room, optionally excluding one
// connection (the sender). Unknown rooms yield an empty set.
func (t *RoomTable) Targets(roomID, exclude string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(room.members))
	for _, m := range room.members {
		if exclude != "" && m.ConnID == exclude {
			continue
		}
		ids = append(ids, m.ConnID)
	}
	return ids
}

// StampChat assigns the server-side timestamp for a chat message to the room,
// clamped so per-room timestamps never decrease.
func (t *RoomTable) StampChat(roomID string, now time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[roomID]
	if !ok {
		return now
	}
	if now.Before(room.lastChatStamp) {
		now = room.lastChatStamp
	}
	room.lastChatStamp = now
	return now
}

// Snapshot returns the current room occupancy, for the read-only /rooms
// endpoint.
func (t *RoomTable) Snapshot() []RoomInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]RoomInfo, 0, len(t.rooms))
	for roomID, room := range t.rooms {
		infos = append(infos, RoomInfo{RoomID: roomID, Members: len(room.members)})
	}
	return infos
}

// Len returns the number of live rooms.
func (t *RoomTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}
