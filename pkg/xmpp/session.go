package xmpp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/atlasfall/breakwater/pkg/stanza"
)

// State tracks where a connection sits in the handshake. Transitions only
// move forward; a violation tears the stream down.
type State int

const (
	// StateConnected: transport is up, nothing negotiated.
	StateConnected State = iota
	// StateAuthenticated: SASL PLAIN succeeded.
	StateAuthenticated
	// StateBound: the client bound a resource and has a full JID.
	StateBound
	// StateEstablished: session opened; the connection is routable.
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateBound:
		return "bound"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrSessionExists is returned when an account tries to establish a second
// concurrent session.
var ErrSessionExists = errors.New("account already has an established session")

// transport abstracts the two ways stanzas arrive: length-prefixed frames
// over TCP, or one stanza per text message over WebSocket.
type transport interface {
	ReadStanza() (string, error)
	WriteStanza(s string) error
	Close() error
	RemoteAddr() string
	// Secure reports whether credentials may travel over this transport.
	Secure() bool
	// StartTLS upgrades the transport in place. Only the raw TCP transport
	// supports it; WebSocket connections terminate TLS at the HTTP layer.
	StartTLS(cfg *tls.Config) error
}

type tcpTransport struct {
	conn    net.Conn
	secure  bool
	writeMu sync.Mutex
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn}
}

func (t *tcpTransport) ReadStanza() (string, error) {
	return stanza.ReadFrame(t.conn)
}

func (t *tcpTransport) WriteStanza(s string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return stanza.WriteFrame(t.conn, s)
}

func (t *tcpTransport) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Secure() bool {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.secure
}

// StartTLS wraps the connection in a server-side TLS layer. The caller is
// the connection's read goroutine, so only writers need excluding while the
// conn is swapped.
func (t *tcpTransport) StartTLS(cfg *tls.Config) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	tlsConn := tls.Server(t.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	t.conn = tlsConn
	t.secure = true
	return nil
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadStanza() (string, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

func (t *wsTransport) WriteStanza(s string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// Secure is always true for WebSocket: when TLS is in play it is terminated
// by the HTTP server (or a fronting proxy) before the upgrade.
func (t *wsTransport) Secure() bool { return true }

func (t *wsTransport) StartTLS(*tls.Config) error {
	return errors.New("starttls not supported on websocket transport")
}

// Session is one live client connection and its negotiated identity.
type Session struct {
	transport transport

	mu           sync.Mutex
	state        State
	accountID    string
	resource     string
	jid          string
	lastPresence *stanza.Element
}

func newSession(t transport) *Session {
	return &Session{transport: t, state: StateConnected}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

func (s *Session) JID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jid
}

// LastPresence returns the most recent presence stanza the client sent, or
// nil before the first one.
func (s *Session) LastPresence() *stanza.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPresence
}

func (s *Session) setLastPresence(el *stanza.Element) {
	s.mu.Lock()
	s.lastPresence = el
	s.mu.Unlock()
}

// Send serializes and writes one stanza. Safe for concurrent use.
func (s *Session) Send(el *stanza.Element) error {
	return s.transport.WriteStanza(el.Render())
}

func (s *Session) SendRaw(raw string) error {
	return s.transport.WriteStanza(raw)
}

func (s *Session) Close() error {
	return s.transport.Close()
}

// Registry maps account IDs to their single established session. A session
// is inserted only once fully established, so lookups never see a
// half-negotiated connection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register inserts the session for its account. A second established
// session for the same account is refused; the first connection wins.
func (r *Registry) Register(sess *Session) error {
	accountID := sess.AccountID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[accountID]; ok {
		return ErrSessionExists
	}
	r.sessions[accountID] = sess
	return nil
}

// Unregister removes the session, but only if it is still the registered
// one. A stale connection racing its replacement must not evict it.
func (r *Registry) Unregister(sess *Session) {
	accountID := sess.AccountID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[accountID] == sess {
		delete(r.sessions, accountID)
	}
}

// Get returns the established session for an account, or nil.
func (r *Registry) Get(accountID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[accountID]
}

// All snapshots the current sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of established sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
