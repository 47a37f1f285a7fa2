package xmpp

import (
	"sync"

	"github.com/atlasfall/breakwater/pkg/stanza"
)

// Occupant is one account inside a chat room, under a chosen nick.
type Occupant struct {
	AccountID string
	Nick      string
	session   *Session
}

// Room is a multi-user chat room. Rooms are created on first join and
// deliberately survive emptying out: party and global chat rooms are
// rejoined constantly and recreating them would drop nothing but still
// churn the map.
type Room struct {
	Name      string
	occupants map[string]*Occupant // keyed by account ID
}

// RoomRegistry tracks every chat room and who is in it.
type RoomRegistry struct {
	mu     sync.RWMutex
	domain string
	rooms  map[string]*Room
}

func NewRoomRegistry(domain string) *RoomRegistry {
	return &RoomRegistry{
		domain: "muc." + domain,
		rooms:  make(map[string]*Room),
	}
}

// Domain returns the MUC service domain ("muc." + server domain).
func (r *RoomRegistry) Domain() string {
	return r.domain
}

// Join adds an account to a room, creating the room on first contact.
// Re-joining updates the nick and session but adds no second occupant.
func (r *RoomRegistry) Join(roomName, nick string, sess *Session) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomName]
	if !ok {
		room = &Room{Name: roomName, occupants: make(map[string]*Occupant)}
		r.rooms[roomName] = room
	}
	room.occupants[sess.AccountID()] = &Occupant{
		AccountID: sess.AccountID(),
		Nick:      nick,
		session:   sess,
	}
	return room
}

// Leave removes an account from a room. Unknown rooms and non-members are
// ignored.
func (r *RoomRegistry) Leave(roomName, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomName]; ok {
		delete(room.occupants, accountID)
	}
}

// LeaveAll removes an account from every room. Called on session close.
func (r *RoomRegistry) LeaveAll(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		delete(room.occupants, accountID)
	}
}

// Occupants snapshots a room's members. Nil for an unknown room.
func (r *RoomRegistry) Occupants(roomName string) []*Occupant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomName]
	if !ok {
		return nil
	}
	out := make([]*Occupant, 0, len(room.occupants))
	for _, occ := range room.occupants {
		out = append(out, occ)
	}
	return out
}

// Member reports whether the account is currently in the room.
func (r *RoomRegistry) Member(roomName, accountID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomName]
	if !ok {
		return false
	}
	_, in := room.occupants[accountID]
	return in
}

// RoomCount returns how many rooms exist, empty ones included.
func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast sends a groupchat stanza to every occupant. The sender
// receives their own message back, which is how clients confirm delivery.
func (r *RoomRegistry) Broadcast(roomName, fromNick string, body *stanza.Element) {
	for _, occ := range r.Occupants(roomName) {
		msg := stanza.New("message",
			"from", r.roomJID(roomName)+"/"+fromNick,
			"to", occ.session.JID(),
			"type", "groupchat",
		)
		for _, child := range body.Children {
			msg.Add(child)
		}
		if body.Text != "" {
			msg.Text = body.Text
		}
		if err := occ.session.Send(msg); err != nil {
			debugLog.Printf("groupchat to %s in %s failed: %v", occ.AccountID, roomName, err)
		}
	}
}

func (r *RoomRegistry) roomJID(roomName string) string {
	return roomName + "@" + r.domain
}
