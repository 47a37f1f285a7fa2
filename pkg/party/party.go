// Package party keeps the in-memory registry of active parties and party
// pings. Parties never touch the database: they live exactly as long as
// their members' sessions do.
package party

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPartyNotFound  = errors.New("party not found")
	ErrMemberNotFound = errors.New("party member not found")
	ErrPingNotFound   = errors.New("ping not found")
)

// PingTTL is how long a party ping stays joinable.
const PingTTL = time.Hour

const (
	RoleCaptain = "CAPTAIN"
	RoleMember  = "MEMBER"
)

// Notifier pushes a real-time payload to an account's live session.
type Notifier interface {
	NotifyAccount(accountID string, payload map[string]any)
}

// Member is one account inside a party.
type Member struct {
	AccountID string         `json:"account_id"`
	Role      string         `json:"role"`
	JoinedAt  string         `json:"joined_at"`
	UpdatedAt string         `json:"updated_at"`
	Meta      map[string]any `json:"meta"`
	Revision  int64          `json:"revision"`
}

// Party is a mutable lobby document. Config and Meta are free-form bags the
// game client owns; the server only merges patches and fans out updates.
type Party struct {
	ID        string         `json:"id"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
	Config    map[string]any `json:"config"`
	Meta      map[string]any `json:"meta"`
	Members   []*Member      `json:"members"`
	Revision  int64          `json:"revision"`
}

func (p *Party) member(accountID string) *Member {
	for _, m := range p.Members {
		if m.AccountID == accountID {
			return m
		}
	}
	return nil
}

// Captain returns the current captain, or nil for a captainless party.
func (p *Party) Captain() *Member {
	for _, m := range p.Members {
		if m.Role == RoleCaptain {
			return m
		}
	}
	return nil
}

// Ping is a lightweight party invitation: "come join whatever party I am
// in". A newer ping from the same sender replaces the older one.
type Ping struct {
	SentBy    string         `json:"sent_by"`
	SentTo    string         `json:"sent_to"`
	SentAt    string         `json:"sent_at"`
	ExpiresAt string         `json:"expires_at"`
	Meta      map[string]any `json:"meta"`

	expires time.Time
}

// Registry holds every live party and pending ping.
type Registry struct {
	mu       sync.RWMutex
	parties  map[string]*Party
	pings    map[string]map[string]*Ping // receiver -> sender -> ping
	notifier Notifier
	now      func() time.Time
}

// NewRegistry builds an empty registry. notifier may be nil (tests).
func NewRegistry(notifier Notifier) *Registry {
	return &Registry{
		parties:  make(map[string]*Party),
		pings:    make(map[string]map[string]*Ping),
		notifier: notifier,
		now:      time.Now,
	}
}

// SetNotifier installs the push target after construction. The registry
// and the presence server reference each other, so one side has to be
// wired late.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) notify(accountID string, payload map[string]any) {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n != nil {
		n.NotifyAccount(accountID, payload)
	}
}

// recipients snapshots member IDs under the registry lock so fan-out can
// run after unlock without racing membership changes.
func recipients(p *Party, except string) []string {
	out := make([]string, 0, len(p.Members))
	for _, m := range p.Members {
		if m.AccountID != except {
			out = append(out, m.AccountID)
		}
	}
	return out
}

func (r *Registry) notifyAll(ids []string, payload map[string]any) {
	for _, id := range ids {
		r.notify(id, payload)
	}
}

func (r *Registry) stamp() string {
	return r.now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// Create starts a new party with the creator as captain.
func (r *Registry) Create(accountID string, config, memberMeta map[string]any) *Party {
	if config == nil {
		config = make(map[string]any)
	}
	if memberMeta == nil {
		memberMeta = make(map[string]any)
	}
	now := r.stamp()
	p := &Party{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Config:    config,
		Meta:      make(map[string]any),
		Members: []*Member{{
			AccountID: accountID,
			Role:      RoleCaptain,
			JoinedAt:  now,
			UpdatedAt: now,
			Meta:      memberMeta,
		}},
	}

	r.mu.Lock()
	r.parties[p.ID] = p
	r.mu.Unlock()
	return p
}

// Count returns the number of live parties.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.parties)
}

// Get returns a party by ID.
func (r *Registry) Get(partyID string) (*Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parties[partyID]
	if !ok {
		return nil, ErrPartyNotFound
	}
	return p, nil
}

// ForMember returns the party containing the account. An account can sit in
// several parties transiently during a switch; the newest wins.
func (r *Registry) ForMember(accountID string) (*Party, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var newest *Party
	for _, p := range r.parties {
		if p.member(accountID) == nil {
			continue
		}
		if newest == nil || p.CreatedAt > newest.CreatedAt {
			newest = p
		}
	}
	if newest == nil {
		return nil, ErrPartyNotFound
	}
	return newest, nil
}

// Patch applies a party-level update: config keys merged, meta deletions
// applied before meta updates, revision taken from the caller. Every other
// member gets a PARTY_UPDATED push.
func (r *Registry) Patch(partyID, updatedBy string, config, metaUpdate map[string]any, metaDelete []string, revision int64) (*Party, error) {
	r.mu.Lock()
	p, ok := r.parties[partyID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrPartyNotFound
	}

	for k, v := range config {
		p.Config[k] = v
	}
	for _, k := range metaDelete {
		delete(p.Meta, k)
	}
	for k, v := range metaUpdate {
		p.Meta[k] = v
	}
	p.Revision = revision
	p.UpdatedAt = r.stamp()

	payload := map[string]any{
		"type":       "PARTY_UPDATED",
		"party_id":   p.ID,
		"revision":   p.Revision,
		"updated_by": updatedBy,
		"sent":       p.UpdatedAt,
	}
	targets := recipients(p, updatedBy)
	r.mu.Unlock()

	r.notifyAll(targets, payload)
	return p, nil
}

// PatchMember updates one member's meta bag with the same
// delete-then-update, revision-overwrite semantics as Patch, and fans out
// MEMBER_STATE_UPDATED to the rest of the party.
func (r *Registry) PatchMember(partyID, accountID string, metaUpdate map[string]any, metaDelete []string, revision int64) (*Party, error) {
	r.mu.Lock()
	p, ok := r.parties[partyID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrPartyNotFound
	}
	m := p.member(accountID)
	if m == nil {
		r.mu.Unlock()
		return nil, ErrMemberNotFound
	}

	for _, k := range metaDelete {
		delete(m.Meta, k)
	}
	for k, v := range metaUpdate {
		m.Meta[k] = v
	}
	m.Revision = revision
	m.UpdatedAt = r.stamp()
	p.UpdatedAt = m.UpdatedAt

	payload := map[string]any{
		"type":       "MEMBER_STATE_UPDATED",
		"party_id":   p.ID,
		"account_id": accountID,
		"revision":   m.Revision,
		"sent":       m.UpdatedAt,
	}
	targets := recipients(p, accountID)
	r.mu.Unlock()

	r.notifyAll(targets, payload)
	return p, nil
}

// Join adds an account to a party. Joining a party you are already in is a
// no-op. Every member, the joiner included, gets MEMBER_JOINED.
func (r *Registry) Join(partyID, accountID string, meta map[string]any) (*Party, error) {
	if meta == nil {
		meta = make(map[string]any)
	}

	r.mu.Lock()
	p, ok := r.parties[partyID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrPartyNotFound
	}
	if p.member(accountID) != nil {
		r.mu.Unlock()
		return p, nil
	}

	now := r.stamp()
	role := RoleMember
	if p.Captain() == nil {
		role = RoleCaptain
	}
	p.Members = append(p.Members, &Member{
		AccountID: accountID,
		Role:      role,
		JoinedAt:  now,
		UpdatedAt: now,
		Meta:      meta,
	})
	p.UpdatedAt = now

	payload := map[string]any{
		"type":       "MEMBER_JOINED",
		"party_id":   p.ID,
		"account_id": accountID,
		"sent":       now,
	}
	targets := recipients(p, "")
	r.mu.Unlock()

	r.notifyAll(targets, payload)
	return p, nil
}

// Leave removes an account from a party. The captaincy passes to the
// longest-standing remaining member; an emptied party is dropped from the
// registry.
func (r *Registry) Leave(partyID, accountID string) error {
	r.mu.Lock()
	p, ok := r.parties[partyID]
	if !ok {
		r.mu.Unlock()
		return ErrPartyNotFound
	}
	m := p.member(accountID)
	if m == nil {
		r.mu.Unlock()
		return ErrMemberNotFound
	}

	wasCaptain := m.Role == RoleCaptain
	kept := p.Members[:0]
	for _, other := range p.Members {
		if other.AccountID != accountID {
			kept = append(kept, other)
		}
	}
	p.Members = kept

	if len(p.Members) == 0 {
		delete(r.parties, p.ID)
		r.mu.Unlock()
		return nil
	}
	if wasCaptain {
		p.Members[0].Role = RoleCaptain
	}
	now := r.stamp()
	p.UpdatedAt = now

	payload := map[string]any{
		"type":       "MEMBER_LEFT",
		"party_id":   p.ID,
		"account_id": accountID,
		"sent":       now,
	}
	targets := recipients(p, accountID)
	r.mu.Unlock()

	r.notifyAll(targets, payload)
	return nil
}

// LeaveAll removes the account from every party it sits in. Called when a
// session closes.
func (r *Registry) LeaveAll(accountID string) {
	r.mu.RLock()
	var ids []string
	for id, p := range r.parties {
		if p.member(accountID) != nil {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		_ = r.Leave(id, accountID)
	}
}

// SendPing records a ping from sender to receiver, replacing any earlier
// ping between the pair, and pushes PING to the receiver.
func (r *Registry) SendPing(senderID, receiverID string, meta map[string]any) *Ping {
	if meta == nil {
		meta = make(map[string]any)
	}
	now := r.now()
	ping := &Ping{
		SentBy:    senderID,
		SentTo:    receiverID,
		SentAt:    now.UTC().Format("2006-01-02T15:04:05.000Z"),
		ExpiresAt: now.Add(PingTTL).UTC().Format("2006-01-02T15:04:05.000Z"),
		Meta:      meta,
		expires:   now.Add(PingTTL),
	}

	r.mu.Lock()
	if r.pings[receiverID] == nil {
		r.pings[receiverID] = make(map[string]*Ping)
	}
	r.pings[receiverID][senderID] = ping
	r.mu.Unlock()

	r.notify(receiverID, map[string]any{
		"type":       "PING",
		"pinger_id":  senderID,
		"expires_at": ping.ExpiresAt,
		"sent":       ping.SentAt,
	})
	return ping
}

// Ping returns the live ping from sender to receiver, pruning it when
// expired.
func (r *Registry) Ping(receiverID, senderID string) (*Ping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ping := r.pings[receiverID][senderID]
	if ping == nil {
		return nil, ErrPingNotFound
	}
	if r.now().After(ping.expires) {
		delete(r.pings[receiverID], senderID)
		return nil, ErrPingNotFound
	}
	return ping, nil
}

// PingsFor returns every live ping addressed to the account.
func (r *Registry) PingsFor(receiverID string) []*Ping {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Ping
	for senderID, ping := range r.pings[receiverID] {
		if r.now().After(ping.expires) {
			delete(r.pings[receiverID], senderID)
			continue
		}
		out = append(out, ping)
	}
	return out
}

// JoinFromPing consumes a ping and joins the receiver into the sender's
// current party.
func (r *Registry) JoinFromPing(receiverID, senderID string, meta map[string]any) (*Party, error) {
	if _, err := r.Ping(receiverID, senderID); err != nil {
		return nil, err
	}
	p, err := r.ForMember(senderID)
	if err != nil {
		return nil, err
	}
	joined, err := r.Join(p.ID, receiverID, meta)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	delete(r.pings[receiverID], senderID)
	r.mu.Unlock()
	return joined, nil
}
