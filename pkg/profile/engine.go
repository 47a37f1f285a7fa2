package profile

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrProfileNotFound indicates the store has no document for the key.
var ErrProfileNotFound = errors.New("profile not found")

// Store is the persistence collaborator: keyed load/save of profile
// documents. Save takes the revision the caller read before mutating and
// must reject the write when that revision is stale.
type Store interface {
	Load(accountID string, t Type) (*Profile, error)
	Save(p *Profile, baseRevision int64) error
}

// FriendChecker answers whether two accounts are accepted friends. Used by
// gifting.
type FriendChecker interface {
	AreAcceptedFriends(accountID, friendID string) (bool, error)
}

// ReceiptRecorder persists gift audit rows.
type ReceiptRecorder interface {
	RecordGiftReceipt(senderID, receiverID, offerID string, price int) error
}

// Notifier pushes a real-time payload to an account's live session, if any.
// Implementations must treat an offline recipient as a silent no-op.
type Notifier interface {
	NotifyAccount(accountID string, payload map[string]any)
}

// Envelope is the response to a profile operation: the new revision plus
// the ordered change list the client applies to its cached copy.
type Envelope struct {
	ProfileRevision            int64       `json:"profileRevision"`
	ProfileID                  Type        `json:"profileId"`
	ProfileChangesBaseRevision int64       `json:"profileChangesBaseRevision"`
	ProfileChanges             []Change    `json:"profileChanges"`
	ProfileCommandRevision     int64       `json:"profileCommandRevision"`
	ServerTime                 string      `json:"serverTime"`
	MultiUpdate                []*Envelope `json:"multiUpdate,omitempty"`
	ResponseVersion            int         `json:"responseVersion"`
}

// Request carries one profile operation from the HTTP layer.
type Request struct {
	AccountID   string
	ProfileType Type
	Operation   string
	// ClientRevision is the rvn the client believes is current (-1 when not
	// supplied). A mismatch triggers a full-profile resync.
	ClientRevision int64
	Body           json.RawMessage
}

// Handler mutates the working copy in the context and emits changes.
type Handler func(c *OpContext) error

// Options configures an Engine. Store is required; everything else is
// optional (operations needing an absent collaborator fail with Internal).
type Options struct {
	Store    Store
	Catalog  Catalog
	Friends  FriendChecker
	Receipts ReceiptRecorder
	Notifier Notifier
	// Virtual lists profile types that may be synthesized when absent from
	// the store. Defaults to athena and common_core.
	Virtual []Type
	Now     func() time.Time
}

// Engine owns the load → mutate → re-version → persist cycle. All mutation
// of one account's profiles is serialized behind a per-account lock.
type Engine struct {
	store    Store
	catalog  Catalog
	friends  FriendChecker
	receipts ReceiptRecorder
	notifier Notifier
	virtual  map[Type]bool
	now      func() time.Time
	ops      map[string]Handler

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewEngine builds an engine with the standard operation set registered.
func NewEngine(opts Options) *Engine {
	if opts.Store == nil {
		panic("profile.NewEngine: Store is required")
	}
	virtual := opts.Virtual
	if virtual == nil {
		virtual = []Type{TypeAthena, TypeCommonCore}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		store:    opts.Store,
		catalog:  opts.Catalog,
		friends:  opts.Friends,
		receipts: opts.Receipts,
		notifier: opts.Notifier,
		virtual:  make(map[Type]bool, len(virtual)),
		now:      now,
		ops:      make(map[string]Handler),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, t := range virtual {
		e.virtual[t] = true
	}
	registerOperations(e)
	return e
}

// Register adds (or replaces) a named operation handler.
func (e *Engine) Register(name string, h Handler) {
	e.ops[name] = h
}

func (e *Engine) accountLock(accountID string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[accountID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[accountID] = mu
	}
	return mu
}

// load fetches a profile, synthesizing virtual types when absent.
// base is the revision to hand Save (-1 for a fresh synthesized document).
func (e *Engine) load(accountID string, t Type) (p *Profile, base int64, existed bool, err error) {
	p, err = e.store.Load(accountID, t)
	if err == nil {
		return p, p.Rvn, true, nil
	}
	if errors.Is(err, ErrProfileNotFound) {
		if e.virtual[t] {
			return New(accountID, t, e.now()), -1, false, nil
		}
		return nil, 0, false, NotFound("profile %s not found for account %s", t, accountID)
	}
	return nil, 0, false, Internal("profile load: %v", err)
}

// Apply runs one operation against a profile and returns the diff envelope.
//
// Unknown operations return an unchanged-profile envelope rather than an
// error: clients routinely issue actions the backend has no handler for,
// and failing them would wedge the client's command queue.
func (e *Engine) Apply(req Request) (*Envelope, error) {
	if !req.ProfileType.valid() {
		return nil, InvalidRequest("unknown profileId %q", req.ProfileType)
	}

	lock := e.accountLock(req.AccountID)
	lock.Lock()

	env, after, err := e.applyLocked(req)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	// Post-commit actions (gift delivery to other accounts, notifications)
	// run outside the account lock: they may take other accounts' locks.
	for _, fn := range after {
		fn(e)
	}

	return env, nil
}

func (e *Engine) applyLocked(req Request) (*Envelope, []func(*Engine), error) {
	loaded, base, existed, err := e.load(req.AccountID, req.ProfileType)
	if err != nil {
		return nil, nil, err
	}

	c := &OpContext{
		engine:    e,
		AccountID: req.AccountID,
		Profile:   loaded.Clone(),
		Body:      req.Body,
		Now:       e.now(),
	}

	if handler, ok := e.ops[req.Operation]; ok {
		if err := invoke(handler, c); err != nil {
			return nil, nil, err
		}
	}

	// Persist the primary profile only when something changed; no-op
	// operations must leave rvn and updatedAt untouched.
	if len(c.changes) > 0 {
		c.Profile.Rvn++
		c.Profile.CommandRevision++
		c.Profile.Updated = FormatTime(c.Now)
		if err := e.store.Save(c.Profile, base); err != nil {
			return nil, nil, Internal("profile save: %v", err)
		}
	} else if !existed {
		// First sight of a virtual profile: persist the synthesized document
		// so subsequent reads observe a stable revision.
		if err := e.store.Save(c.Profile, -1); err != nil {
			return nil, nil, Internal("profile save: %v", err)
		}
	}

	var multi []*Envelope
	for _, t := range c.secondaryOrder {
		sec := c.secondary[t]
		if len(sec.changes) == 0 {
			continue
		}
		sec.profile.Rvn++
		sec.profile.CommandRevision++
		sec.profile.Updated = FormatTime(c.Now)
		if err := e.store.Save(sec.profile, sec.base); err != nil {
			return nil, nil, Internal("profile save (%s): %v", t, err)
		}
		multi = append(multi, e.buildEnvelope(sec.profile, sec.changes, -1, sec.base))
	}

	env := e.buildEnvelope(c.Profile, c.changes, req.ClientRevision, base)
	env.MultiUpdate = multi
	return env, c.after, nil
}

// buildEnvelope assembles the response. The client revision is checked
// against the revision the server held before this operation; a mismatch
// means the client's cached copy is stale, so the handler's diff is
// replaced with a single full-profile update.
func (e *Engine) buildEnvelope(p *Profile, changes []Change, clientRevision, base int64) *Envelope {
	if changes == nil {
		changes = []Change{}
	}
	if clientRevision >= 0 && clientRevision != base {
		changes = []Change{FullProfileUpdate(p)}
	}
	return &Envelope{
		ProfileRevision:            p.Rvn,
		ProfileID:                  p.ProfileID,
		ProfileChangesBaseRevision: p.Rvn - 1,
		ProfileChanges:             changes,
		ProfileCommandRevision:     p.CommandRevision,
		ServerTime:                 FormatTime(e.now()),
		ResponseVersion:            1,
	}
}

// MutateProfile applies an ad-hoc mutation outside the named-operation
// path. Used for deliveries into other accounts' profiles (gifts) and by
// backend jobs (quest grants).
func (e *Engine) MutateProfile(accountID string, t Type, fn func(p *Profile) ([]Change, error)) error {
	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	loaded, base, existed, err := e.load(accountID, t)
	if err != nil {
		return err
	}
	work := loaded.Clone()

	changes, err := fn(work)
	if err != nil {
		return err
	}

	if len(changes) > 0 {
		work.Rvn++
		work.CommandRevision++
		work.Updated = FormatTime(e.now())
		return e.store.Save(work, base)
	}
	if !existed {
		return e.store.Save(work, -1)
	}
	return nil
}

// invoke runs a handler, converting panics into Internal errors so one
// broken operation can't take the request goroutine down.
func invoke(h Handler, c *OpContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("operation panic: %v", r)
			err = Internal("operation panic: %v", r)
		}
	}()
	return h(c)
}

func (t Type) valid() bool {
	for _, known := range allTypes {
		if t == known {
			return true
		}
	}
	return false
}

// OpContext is the working state handed to an operation handler: the
// mutable primary profile, the raw request body, and change accumulators.
type OpContext struct {
	engine    *Engine
	AccountID string
	Profile   *Profile
	Body      json.RawMessage
	Now       time.Time

	changes        []Change
	secondary      map[Type]*secondaryState
	secondaryOrder []Type
	after          []func(*Engine)
}

type secondaryState struct {
	profile *Profile
	base    int64
	changes []Change
}

// Decode unmarshals the request body, mapping failure to InvalidRequest.
func (c *OpContext) Decode(v any) error {
	if len(c.Body) == 0 {
		return InvalidRequest("missing request body")
	}
	if err := json.Unmarshal(c.Body, v); err != nil {
		return InvalidRequest("malformed request body: %v", err)
	}
	return nil
}

// Emit appends a change against the primary profile.
func (c *OpContext) Emit(ch Change) {
	c.changes = append(c.changes, ch)
}

// Secondary returns a working copy of another profile type for the same
// account, loading (or synthesizing) it on first use. The account lock is
// already held, so this cannot race with other operations on the account.
func (c *OpContext) Secondary(t Type) (*Profile, error) {
	if t == c.Profile.ProfileID {
		return c.Profile, nil
	}
	if c.secondary == nil {
		c.secondary = make(map[Type]*secondaryState)
	}
	if sec, ok := c.secondary[t]; ok {
		return sec.profile, nil
	}
	loaded, base, _, err := c.engine.load(c.AccountID, t)
	if err != nil {
		return nil, err
	}
	sec := &secondaryState{profile: loaded.Clone(), base: base}
	c.secondary[t] = sec
	c.secondaryOrder = append(c.secondaryOrder, t)
	return sec.profile, nil
}

// EmitSecondary appends a change against a previously-opened secondary
// profile. Emitting against the primary type falls through to Emit.
func (c *OpContext) EmitSecondary(t Type, ch Change) {
	if t == c.Profile.ProfileID {
		c.Emit(ch)
		return
	}
	sec := c.secondary[t]
	if sec == nil {
		panic("EmitSecondary before Secondary")
	}
	sec.changes = append(sec.changes, ch)
}

// After schedules a function to run once the operation has committed and
// the account lock is released.
func (c *OpContext) After(fn func(*Engine)) {
	c.after = append(c.after, fn)
}
