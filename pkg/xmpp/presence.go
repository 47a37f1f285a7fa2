package xmpp

import (
	"github.com/atlasfall/breakwater/pkg/stanza"
)

// handlePresence routes a presence stanza: addressed to the MUC service it
// is a room join/leave, otherwise it is the client's own status update.
func (s *Server) handlePresence(sess *Session, el *stanza.Element) error {
	if sess.State() != StateEstablished {
		s.streamError(sess, "not-authorized")
		return &streamEndError{"presence in state " + sess.State().String()}
	}

	if to := el.Attr("to"); to != "" && s.isMUCAddress(to) {
		return s.handleRoomPresence(sess, el, to)
	}
	return s.handleOwnPresence(sess, el)
}

// handleOwnPresence caches the status blob and fans it out to accepted
// friends who are online.
func (s *Server) handleOwnPresence(sess *Session, el *stanza.Element) error {
	sess.setLastPresence(el)

	for _, friendID := range s.friendIDs(sess.AccountID()) {
		friendSess := s.sessions.Get(friendID)
		if friendSess == nil {
			continue
		}
		s.forwardPresence(sess, friendSess, el)
	}
	return nil
}

// sendPresenceSnapshot pushes the cached status of every online friend to a
// freshly established session, so the client has a full picture before it
// sends anything itself.
func (s *Server) sendPresenceSnapshot(sess *Session) {
	for _, friendID := range s.friendIDs(sess.AccountID()) {
		friendSess := s.sessions.Get(friendID)
		if friendSess == nil {
			continue
		}
		if cached := friendSess.LastPresence(); cached != nil {
			s.forwardPresence(friendSess, sess, cached)
		}
	}
}

// forwardPresence re-addresses a presence stanza from one session to
// another, preserving the status payload.
func (s *Server) forwardPresence(from, to *Session, el *stanza.Element) {
	out := stanza.New("presence",
		"from", from.JID(),
		"to", to.JID(),
	)
	if t := el.Attr("type"); t != "" {
		out.SetAttr("type", t)
	}
	out.Text = el.Text
	for _, child := range el.Children {
		out.Add(child)
	}
	if err := to.Send(out); err != nil {
		debugLog.Printf("presence to %s: %v", to.AccountID(), err)
	}
}

// broadcastOffline tells the account's online friends the session is gone.
// Runs during teardown, after the registry entry is removed.
func (s *Server) broadcastOffline(sess *Session) {
	offline := stanza.New("presence", "type", "unavailable")
	for _, friendID := range s.friendIDs(sess.AccountID()) {
		friendSess := s.sessions.Get(friendID)
		if friendSess == nil {
			continue
		}
		s.forwardPresence(sess, friendSess, offline)
	}
}

func (s *Server) friendIDs(accountID string) []string {
	if s.friends == nil {
		return nil
	}
	ids, err := s.friends.AcceptedFriendIDs(accountID)
	if err != nil {
		errorLog.Printf("friend lookup for %s: %v", accountID, err)
		return nil
	}
	return ids
}

// handleRoomPresence joins or leaves a chat room. The occupant JID carries
// the nick: "room@muc.domain/nick".
func (s *Server) handleRoomPresence(sess *Session, el *stanza.Element, to string) error {
	roomName := stanza.AccountID(to)
	nick := stanza.Resource(to)
	if nick == "" {
		nick = sess.AccountID()
	}

	if el.Attr("type") == "unavailable" {
		s.rooms.Leave(roomName, sess.AccountID())
		// The remaining occupants see the departure.
		for _, occ := range s.rooms.Occupants(roomName) {
			s.sendRoomPresence(occ.session, roomName, nick, true)
		}
		return s.sendRoomPresence(sess, roomName, nick, true)
	}

	others := s.rooms.Occupants(roomName)
	s.rooms.Join(roomName, nick, sess)
	if err := s.sendRoomPresence(sess, roomName, nick, false); err != nil {
		return err
	}
	// Existing occupants learn about the newcomer, and the newcomer gets
	// the presence of everyone already in the room.
	for _, occ := range others {
		if occ.AccountID == sess.AccountID() {
			continue
		}
		s.sendRoomPresence(occ.session, roomName, nick, false)
		s.sendRoomPresence(sess, roomName, occ.Nick, false)
	}
	return nil
}

// sendRoomPresence delivers one occupant's room presence the way MUC
// services do, with the occupant's room JID as the sender.
func (s *Server) sendRoomPresence(to *Session, roomName, nick string, leaving bool) error {
	p := stanza.New("presence",
		"from", roomName+"@"+s.rooms.Domain()+"/"+nick,
		"to", to.JID(),
	)
	if leaving {
		p.SetAttr("type", "unavailable")
	}
	x := stanza.New("x", "xmlns", "http://jabber.org/protocol/muc#user")
	x.Add(stanza.New("item", "affiliation", "member", "role", "participant"))
	p.Add(x)
	return to.Send(p)
}
