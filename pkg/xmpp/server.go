// Package xmpp implements the stateful presence and chat protocol: a
// simplified XMPP dialect spoken over length-prefixed TCP frames or
// WebSocket text messages. Connections walk a fixed handshake (SASL PLAIN,
// resource bind, session establishment) before they become routable.
package xmpp

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atlasfall/breakwater/pkg/party"
	"github.com/atlasfall/breakwater/pkg/stanza"
)

// TokenVerifier checks a client access token and returns the account it
// was issued to.
type TokenVerifier interface {
	Verify(token string) (accountID string, err error)
}

// FriendSource answers who an account's accepted friends are. Presence
// fan-out is scoped to this set.
type FriendSource interface {
	AcceptedFriendIDs(accountID string) ([]string, error)
}

// Options configures a Server.
type Options struct {
	// Domain is the XMPP service domain clients address stanzas to.
	Domain   string
	Verifier TokenVerifier
	Friends  FriendSource
	// Parties, when set, is told to drop memberships when a session closes.
	Parties *party.Registry
	// TLS, when set, makes the starttls upgrade mandatory on the raw TCP
	// transport before credentials are accepted.
	TLS *tls.Config
}

// Server owns the listener, the session registry, and the chat rooms.
type Server struct {
	domain   string
	verifier TokenVerifier
	friends  FriendSource
	parties  *party.Registry
	tls      *tls.Config

	sessions *Registry
	rooms    *RoomRegistry
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	stopping bool
	wg       sync.WaitGroup
}

func NewServer(opts Options) *Server {
	if opts.Domain == "" {
		opts.Domain = "breakwater.local"
	}
	return &Server{
		domain:   opts.Domain,
		verifier: opts.Verifier,
		friends:  opts.Friends,
		parties:  opts.Parties,
		tls:      opts.TLS,
		sessions: NewRegistry(),
		rooms:    NewRoomRegistry(opts.Domain),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Domain() string       { return s.domain }
func (s *Server) Sessions() *Registry  { return s.sessions }
func (s *Server) Rooms() *RoomRegistry { return s.rooms }

// Start begins accepting TCP connections on addr.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address ("" before Start).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every live session, then waits for the
// connection goroutines to drain.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopping = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, sess := range s.sessions.All() {
		sess.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if !stopping {
				errorLog.Printf("accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveTransport(newTCPTransport(conn))
		}()
	}
}

// HandleWebSocket upgrades an HTTP request and runs the same session loop
// the TCP path uses, one stanza per text message.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveTransport(newWSTransport(conn))
	}()
}

func (s *Server) serveTransport(t transport) {
	sess := newSession(t)
	debugLog.Printf("connection from %s", t.RemoteAddr())

	for {
		raw, err := t.ReadStanza()
		if err != nil {
			break
		}
		el, err := stanza.Parse(raw)
		if err != nil {
			debugLog.Printf("%s: unparseable stanza: %v", t.RemoteAddr(), err)
			s.streamError(sess, "not-well-formed")
			break
		}
		if err := s.handleStanza(sess, el); err != nil {
			debugLog.Printf("%s: %v", t.RemoteAddr(), err)
			break
		}
	}

	s.teardown(sess)
	t.Close()
}

// handleStanza dispatches one stanza according to the session state. A
// non-nil error ends the connection.
func (s *Server) handleStanza(sess *Session, el *stanza.Element) error {
	switch el.Name {
	case "stream:stream":
		return s.handleStreamOpen(sess)
	case "starttls":
		return s.handleStartTLS(sess)
	case "auth":
		return s.handleAuth(sess, el)
	case "iq":
		return s.handleIQ(sess, el)
	case "presence":
		return s.handlePresence(sess, el)
	case "message":
		return s.handleMessage(sess, el)
	case "close", "stream:close":
		return errClientClosed
	default:
		// Unknown stanzas are dropped, not fatal: clients send optional
		// extensions we do not implement.
		debugLog.Printf("ignoring stanza %q in state %s", el.Name, sess.State())
		return nil
	}
}

var errClientClosed = &streamEndError{"client closed stream"}

type streamEndError struct{ msg string }

func (e *streamEndError) Error() string { return e.msg }

func (s *Server) handleStreamOpen(sess *Session) error {
	header := stanza.New("stream:stream",
		"from", s.domain,
		"id", uuid.NewString(),
		"version", "1.0",
		"xmlns:stream", stanza.StreamNamespace,
	)
	if err := sess.SendRaw(header.RenderOpen()); err != nil {
		return err
	}

	features := stanza.New("stream:features")
	switch {
	case sess.State() == StateConnected && s.needsTLS(sess):
		startTLS := stanza.New("starttls", "xmlns", "urn:ietf:params:xml:ns:xmpp-tls")
		startTLS.Add(stanza.New("required"))
		features.Add(startTLS)
	case sess.State() == StateConnected:
		mechs := stanza.New("mechanisms", "xmlns", "urn:ietf:params:xml:ns:xmpp-sasl")
		mech := stanza.New("mechanism")
		mech.Text = "PLAIN"
		mechs.Add(mech)
		features.Add(mechs)
	default:
		features.Add(stanza.New("bind", "xmlns", "urn:ietf:params:xml:ns:xmpp-bind"))
		features.Add(stanza.New("session", "xmlns", "urn:ietf:params:xml:ns:xmpp-session"))
	}
	return sess.Send(features)
}

// needsTLS reports whether this connection must upgrade before it may
// authenticate.
func (s *Server) needsTLS(sess *Session) bool {
	return s.tls != nil && !sess.transport.Secure()
}

func (s *Server) handleStartTLS(sess *Session) error {
	if sess.State() != StateConnected {
		s.streamError(sess, "policy-violation")
		return &streamEndError{"starttls in state " + sess.State().String()}
	}
	if s.tls == nil {
		sess.Send(stanza.New("failure", "xmlns", "urn:ietf:params:xml:ns:xmpp-tls"))
		return &streamEndError{"starttls without server tls config"}
	}
	if err := sess.Send(stanza.New("proceed", "xmlns", "urn:ietf:params:xml:ns:xmpp-tls")); err != nil {
		return err
	}
	// The proceed stanza is the last clear-text write; the handshake runs on
	// this goroutine, and the client re-opens its stream once it completes.
	if err := sess.transport.StartTLS(s.tls); err != nil {
		return &streamEndError{"tls handshake: " + err.Error()}
	}
	debugLog.Printf("%s upgraded to tls", sess.transport.RemoteAddr())
	return nil
}

func (s *Server) handleAuth(sess *Session, el *stanza.Element) error {
	if sess.State() != StateConnected {
		s.streamError(sess, "policy-violation")
		return &streamEndError{"auth in state " + sess.State().String()}
	}
	if s.needsTLS(sess) {
		s.streamError(sess, "policy-violation")
		return &streamEndError{"auth refused before tls upgrade"}
	}
	if mech := el.Attr("mechanism"); mech != "PLAIN" {
		return s.authFailure(sess, "invalid-mechanism")
	}

	creds, err := stanza.DecodePlain(el.Text)
	if err != nil {
		return s.authFailure(sess, "malformed-request")
	}
	if s.verifier == nil {
		return s.authFailure(sess, "temporary-auth-failure")
	}
	accountID, err := s.verifier.Verify(creds.Token)
	if err != nil || accountID != creds.AccountID {
		return s.authFailure(sess, "not-authorized")
	}

	sess.mu.Lock()
	sess.accountID = accountID
	sess.state = StateAuthenticated
	sess.mu.Unlock()

	debugLog.Printf("%s authenticated as %s", sess.transport.RemoteAddr(), accountID)
	return sess.Send(stanza.New("success", "xmlns", "urn:ietf:params:xml:ns:xmpp-sasl"))
}

func (s *Server) authFailure(sess *Session, condition string) error {
	failure := stanza.New("failure", "xmlns", "urn:ietf:params:xml:ns:xmpp-sasl")
	failure.Add(stanza.New(condition))
	sess.Send(failure)
	return &streamEndError{"auth failed: " + condition}
}

func (s *Server) handleIQ(sess *Session, el *stanza.Element) error {
	id := el.Attr("id")
	switch {
	case el.Child("bind") != nil:
		return s.handleBind(sess, el, id)
	case el.Child("session") != nil:
		return s.handleSessionEstablish(sess, id)
	case el.Child("ping") != nil:
		return sess.Send(stanza.New("iq", "type", "result", "id", id, "from", s.domain))
	default:
		if el.Attr("type") == "get" || el.Attr("type") == "set" {
			return sess.Send(s.iqError(id, "feature-not-implemented"))
		}
		return nil
	}
}

func (s *Server) handleBind(sess *Session, el *stanza.Element, id string) error {
	if sess.State() != StateAuthenticated {
		return sess.Send(s.iqError(id, "not-authorized"))
	}
	resource := el.Child("bind").ChildText("resource")
	if resource == "" {
		resource = uuid.NewString()
	}

	sess.mu.Lock()
	sess.resource = resource
	sess.jid = stanza.MakeJID(sess.accountID, s.domain, resource)
	sess.state = StateBound
	jid := sess.jid
	sess.mu.Unlock()

	result := stanza.New("iq", "type", "result", "id", id)
	bind := stanza.New("bind", "xmlns", "urn:ietf:params:xml:ns:xmpp-bind")
	jidEl := stanza.New("jid")
	jidEl.Text = jid
	bind.Add(jidEl)
	result.Add(bind)
	return sess.Send(result)
}

func (s *Server) handleSessionEstablish(sess *Session, id string) error {
	if sess.State() != StateBound {
		return sess.Send(s.iqError(id, "not-authorized"))
	}

	// The registry is the routability boundary: insertion happens here and
	// nowhere else, so a half-negotiated connection can never be a target.
	if err := s.sessions.Register(sess); err != nil {
		s.streamError(sess, "conflict")
		return &streamEndError{"duplicate session for " + sess.AccountID()}
	}
	sess.setState(StateEstablished)

	debugLog.Printf("session established for %s", sess.JID())
	if err := sess.Send(stanza.New("iq", "type", "result", "id", id)); err != nil {
		return err
	}
	// The client learns its online friends' cached status right away, even
	// if it never sends a presence of its own.
	s.sendPresenceSnapshot(sess)
	return nil
}

func (s *Server) iqError(id, condition string) *stanza.Element {
	iq := stanza.New("iq", "type", "error", "id", id)
	errEl := stanza.New("error")
	errEl.Add(stanza.New(condition, "xmlns", "urn:ietf:params:xml:ns:xmpp-stanzas"))
	iq.Add(errEl)
	return iq
}

func (s *Server) streamError(sess *Session, condition string) {
	errEl := stanza.New("stream:error")
	errEl.Add(stanza.New(condition, "xmlns", "urn:ietf:params:xml:ns:xmpp-streams"))
	sess.Send(errEl)
	sess.SendRaw(stanza.StreamClose)
}

// teardown runs once per connection when its loop exits. Only established
// sessions have observable state to clean up.
func (s *Server) teardown(sess *Session) {
	if sess.State() != StateEstablished {
		return
	}
	accountID := sess.AccountID()

	// Unregister before broadcasting so the offline presence cannot race a
	// lookup that would route to the dying connection.
	s.sessions.Unregister(sess)
	s.broadcastOffline(sess)
	s.rooms.LeaveAll(accountID)
	if s.parties != nil {
		s.parties.LeaveAll(accountID)
	}
	debugLog.Printf("session closed for %s", sess.JID())
}

// NotifyAccount delivers a JSON payload as a message stanza to the
// account's live session. Offline accounts are silently skipped. This is
// the bridge the profile engine and party registry push through.
func (s *Server) NotifyAccount(accountID string, payload map[string]any) {
	sess := s.sessions.Get(accountID)
	if sess == nil {
		return
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		errorLog.Printf("notify %s: marshal: %v", accountID, err)
		return
	}
	msg := stanza.New("message",
		"from", s.domain,
		"to", sess.JID(),
		"xmlns", "jabber:client",
	)
	msg.Text = string(blob)
	if err := sess.Send(msg); err != nil {
		debugLog.Printf("notify %s: %v", accountID, err)
	}
}

// isMUCAddress reports whether a to/from JID targets the chat service.
func (s *Server) isMUCAddress(jid string) bool {
	return stanza.Domain(jid) == s.rooms.Domain()
}
