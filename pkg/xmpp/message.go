package xmpp

import (
	"github.com/atlasfall/breakwater/pkg/stanza"
)

// handleMessage routes chat traffic: groupchat to the room's occupants,
// everything else to the addressed account's session.
func (s *Server) handleMessage(sess *Session, el *stanza.Element) error {
	if sess.State() != StateEstablished {
		s.streamError(sess, "not-authorized")
		return &streamEndError{"message in state " + sess.State().String()}
	}

	to := el.Attr("to")
	if to == "" {
		return nil
	}

	if el.Attr("type") == "groupchat" || s.isMUCAddress(to) {
		return s.handleGroupchat(sess, el, to)
	}
	s.routeToAccount(sess, el, stanza.AccountID(to))
	return nil
}

func (s *Server) handleGroupchat(sess *Session, el *stanza.Element, to string) error {
	roomName := stanza.AccountID(to)
	accountID := sess.AccountID()

	// Only occupants may speak; silently dropping matches how clients
	// handle rooms they raced out of.
	if !s.rooms.Member(roomName, accountID) {
		debugLog.Printf("%s sent groupchat to %s without membership", accountID, roomName)
		return nil
	}

	nick := accountID
	for _, occ := range s.rooms.Occupants(roomName) {
		if occ.AccountID == accountID {
			nick = occ.Nick
			break
		}
	}
	s.rooms.Broadcast(roomName, nick, el)
	return nil
}

// routeToAccount delivers a direct message to the target's established
// session. Offline targets are dropped; there is no offline message store.
func (s *Server) routeToAccount(sess *Session, el *stanza.Element, accountID string) {
	target := s.sessions.Get(accountID)
	if target == nil {
		debugLog.Printf("message from %s to offline account %s dropped", sess.AccountID(), accountID)
		return
	}

	out := stanza.New("message",
		"from", sess.JID(),
		"to", target.JID(),
	)
	if t := el.Attr("type"); t != "" {
		out.SetAttr("type", t)
	}
	if id := el.Attr("id"); id != "" {
		out.SetAttr("id", id)
	}
	out.Text = el.Text
	for _, child := range el.Children {
		out.Add(child)
	}
	if err := target.Send(out); err != nil {
		debugLog.Printf("message to %s: %v", accountID, err)
	}
}
