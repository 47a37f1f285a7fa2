package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlasfall/breakwater/pkg/database"
	"github.com/atlasfall/breakwater/pkg/party"
	"github.com/atlasfall/breakwater/pkg/profile"
)

// apiError is the wire form every failed request returns.
type apiError struct {
	ErrorCode          string `json:"errorCode"`
	ErrorMessage       string `json:"errorMessage"`
	NumericErrorCode   int    `json:"numericErrorCode"`
	OriginatingService string `json:"originatingService"`
	Intent             string `json:"intent"`
	CreatedAt          string `json:"createdAt"`
}

func (s *Server) apiHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /account/api/register", s.instrument("register", s.handleRegister))
	mux.HandleFunc("POST /account/api/oauth/token", s.instrument("oauth_token", s.handleOAuthToken))
	mux.HandleFunc("GET /account/api/public/account/{accountId}", s.instrument("account_get", s.withAuth(s.handleGetAccount)))
	mux.HandleFunc("POST /friends/api/public/friends/{accountId}/{friendId}", s.instrument("friend_add", s.withAuth(s.handleAddFriend)))

	mux.HandleFunc("POST /profile/{accountId}/client/{action}", s.instrument("profile_op", s.withAuth(s.handleProfileAction)))

	mux.HandleFunc("GET /shop/storefront", s.instrument("shop_storefront", s.handleStorefront))
	mux.HandleFunc("POST /matchmaking/ticket", s.instrument("matchmaking_ticket", s.withAuth(s.handleMatchmakingTicket)))

	mux.HandleFunc("POST /party/api/v1/parties", s.instrument("party_create", s.withAuth(s.handlePartyCreate)))
	mux.HandleFunc("GET /party/api/v1/parties/{partyId}", s.instrument("party_get", s.withAuth(s.handlePartyGet)))
	mux.HandleFunc("PATCH /party/api/v1/parties/{partyId}", s.instrument("party_patch", s.withAuth(s.handlePartyPatch)))
	mux.HandleFunc("POST /party/api/v1/parties/{partyId}/members/{accountId}/join", s.instrument("party_join", s.withAuth(s.handlePartyJoin)))
	mux.HandleFunc("PATCH /party/api/v1/parties/{partyId}/members/{accountId}/meta", s.instrument("party_member_patch", s.withAuth(s.handlePartyMemberPatch)))
	mux.HandleFunc("DELETE /party/api/v1/parties/{partyId}/members/{accountId}", s.instrument("party_leave", s.withAuth(s.handlePartyLeave)))
	mux.HandleFunc("GET /party/api/v1/user/{accountId}", s.instrument("party_user", s.withAuth(s.handlePartyUser)))
	mux.HandleFunc("POST /party/api/v1/user/{accountId}/pings/{pingerId}", s.instrument("ping_send", s.withAuth(s.handlePingSend)))
	mux.HandleFunc("POST /party/api/v1/user/{accountId}/pings/{pingerId}/join", s.instrument("ping_join", s.withAuth(s.handlePingJoin)))

	mux.HandleFunc("GET /xmpp", s.presence.HandleWebSocket)

	return mux
}

// statusRecorder captures the written status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(route, strconv.Itoa(rec.status))
	}
}

// withAuth validates the bearer token and stashes the caller's account ID
// in the request header for handlers to read.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "errors.com.breakwater.auth.missing_token", "missing bearer token")
			return
		}
		accountID, err := s.tokens.Verify(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "errors.com.breakwater.auth.invalid_token", "invalid or expired token")
			return
		}
		r.Header.Set("X-Breakwater-Account", accountID)
		next(w, r)
	}
}

func callerID(r *http.Request) string {
	return r.Header.Get("X-Breakwater-Account")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		errorLog.Printf("writing response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, apiError{
		ErrorCode:          code,
		ErrorMessage:       message,
		NumericErrorCode:   status,
		OriginatingService: "breakwater",
		Intent:             "prod",
		CreatedAt:          time.Now().UTC().Format(time.RFC3339),
	})
}

// writeProfileError maps an engine error onto the envelope.
func (s *Server) writeProfileError(w http.ResponseWriter, err error) {
	var opErr *profile.Error
	if !errors.As(err, &opErr) {
		s.writeError(w, http.StatusInternalServerError, "errors.com.breakwater.profile.internal", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch opErr.Code {
	case profile.CodeInvalidRequest:
		status = http.StatusBadRequest
	case profile.CodeNotFound:
		status = http.StatusNotFound
	case profile.CodeForbidden:
		status = http.StatusForbidden
	case profile.CodeConflict:
		status = http.StatusConflict
	}
	s.writeError(w, status, "errors.com.breakwater.profile."+string(opErr.Code), opErr.Message)
}

// ===== Accounts =====

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DisplayName == "" || body.Password == "" {
		s.writeError(w, http.StatusBadRequest, "errors.com.breakwater.account.bad_request", "displayName and password are required")
		return
	}

	hash, err := HashPassword(body.Password)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "errors.com.breakwater.account.internal", "hashing failed")
		return
	}
	accountID, err := s.db.CreateAccount(body.DisplayName, hash)
	if err != nil {
		if errors.Is(err, database.ErrDuplicateAccount) {
			s.writeError(w, http.StatusConflict, "errors.com.breakwater.account.name_taken", "display name already registered")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "errors.com.breakwater.account.internal", err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"accountId":   accountID,
		"displayName": body.DisplayName,
	})
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName string `json:"displayName"`
		Password    string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "errors.com.breakwater.auth.bad_request", "malformed body")
		return
	}

	account, err := s.db.GetAccountByDisplayName(body.DisplayName)
	if err != nil || !CheckPassword(account.PasswordHash, body.Password) {
		s.writeError(w, http.StatusUnauthorized, "errors.com.breakwater.auth.invalid_credentials", "invalid credentials")
		return
	}
	if account.Banned {
		s.writeError(w, http.StatusForbidden, "errors.com.breakwater.auth.banned", "account is banned")
		return
	}

	token, expires, err := s.tokens.Issue(account.ID, account.DisplayName)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "errors.com.breakwater.auth.internal", "token issuance failed")
		return
	}
	s.db.UpdateAccountLastSeen(account.ID)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"account_id":   account.ID,
		"displayName":  account.DisplayName,
		"expires_at":   expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.db.GetAccount(r.PathValue("accountId"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "errors.com.breakwater.account.not_found", "account not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":          account.ID,
		"displayName": account.DisplayName,
	})
}

func (s *Server) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	friendID := r.PathValue("friendId")
	if callerID(r) != accountID {
		s.writeError(w, http.StatusForbidden, "errors.com.breakwater.friends.forbidden", "cannot modify another account's friends")
		return
	}
	if _, err := s.db.GetAccount(friendID); err != nil {
		s.writeError(w, http.StatusNotFound, "errors.com.breakwater.friends.not_found", "friend account not found")
		return
	}
	if err := s.db.AddFriendship(accountID, friendID, "ACCEPTED"); err != nil {
		s.writeError(w, http.StatusInternalServerError, "errors.com.breakwater.friends.internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ===== Profiles =====

// handleProfileAction is the main client command endpoint:
// POST /profile/{accountId}/client/{action}?profileId=athena&rvn=12
func (s *Server) handleProfileAction(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	action := r.PathValue("action")
	if callerID(r) != accountID {
		s.writeError(w, http.StatusForbidden, "errors.com.breakwater.profile.forbidden", "token does not match account")
		return
	}

	profileID := r.URL.Query().Get("profileId")
	if profileID == "" {
		profileID = string(profile.TypeCommonCore)
	}
	profileType, err := profile.ParseType(profileID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "errors.com.breakwater.profile.invalid_request",
			fmt.Sprintf("unknown profileId %q", profileID))
		return
	}

	clientRevision := int64(-1)
	if rvn := r.URL.Query().Get("rvn"); rvn != "" {
		parsed, err := strconv.ParseInt(rvn, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "errors.com.breakwater.profile.invalid_request", "rvn must be an integer")
			return
		}
		clientRevision = parsed
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "errors.com.breakwater.profile.invalid_request", "unreadable body")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	env, err := s.engine.Apply(profile.Request{
		AccountID:      accountID,
		ProfileType:    profileType,
		Operation:      action,
		ClientRevision: clientRevision,
		Body:           body,
	})
	if err != nil {
		s.metrics.RecordOperation(action, "error")
		s.writeProfileError(w, err)
		return
	}
	s.metrics.RecordOperation(action, "ok")
	s.writeJSON(w, http.StatusOK, env)
}

// ===== Shop and matchmaking =====

func (s *Server) handleStorefront(w http.ResponseWriter, r *http.Request) {
	offers, refreshedAt := s.catalog.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"refreshedAt": refreshedAt.UTC().Format(time.RFC3339),
		"offers":      offers,
	})
}

// handleMatchmakingTicket hands out a signed ticket the matchmaker can
// verify without a backend round trip.
func (s *Server) handleMatchmakingTicket(w http.ResponseWriter, r *http.Request) {
	accountID := callerID(r)
	bucketID := r.URL.Query().Get("bucketId")
	if bucketID == "" {
		bucketID = "default"
	}

	ticket, expires, err := s.tokens.Issue(accountID, "mms:"+bucketID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "errors.com.breakwater.matchmaking.internal", "ticket signing failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"serviceUrl": "ws://" + r.Host + "/matchmaking",
		"ticketType": "mms-player",
		"payload":    ticket,
		"sessionId":  uuid.NewString(),
		"bucketId":   bucketID,
		"expiresAt":  expires.UTC().Format(time.RFC3339),
	})
}

// ===== Parties =====

func (s *Server) handlePartyCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Config     map[string]any `json:"config"`
		MemberMeta map[string]any `json:"memberMeta"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	p := s.parties.Create(callerID(r), body.Config, body.MemberMeta)
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePartyGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.parties.Get(r.PathValue("partyId"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "errors.com.breakwater.party.not_found", "party not found")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePartyPatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Config     map[string]any `json:"config"`
		MetaUpdate map[string]any `json:"meta_update"`
		MetaDelete []string       `json:"meta_delete"`
		Revision   int64          `json:"revision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "errors.com.breakwater.party.bad_request", "malformed body")
		return
	}

	p, err := s.parties.Patch(r.PathValue("partyId"), callerID(r), body.Config, body.MetaUpdate, body.MetaDelete, body.Revision)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "errors.com.breakwater.party.not_found", "party not found")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePartyJoin(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if callerID(r) != accountID {
		s.writeError(w, http.StatusForbidden, "errors.com.breakwater.party.forbidden", "cannot join on another account's behalf")
		return
	}
	var body struct {
		Meta map[string]any `json:"meta"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	p, err := s.parties.Join(r.PathValue("partyId"), accountID, body.Meta)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "errors.com.breakwater.party.not_found", "party not found")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePartyMemberPatch(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	if callerID(r) != accountID {
		s.writeError(w, http.StatusForbidden, "errors.com.breakwater.party.forbidden", "cannot patch another member's state")
		return
	}
	var body struct {
		MetaUpdate map[string]any `json:"meta_update"`
		MetaDelete []string       `json:"meta_delete"`
		Revision   int64          `json:"revision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "errors.com.breakwater.party.bad_request", "malformed body")
		return
	}

	p, err := s.parties.PatchMember(r.PathValue("partyId"), accountID, body.MetaUpdate, body.MetaDelete, body.Revision)
	if err != nil {
		status, code := http.StatusNotFound, "errors.com.breakwater.party.not_found"
		if errors.Is(err, party.ErrMemberNotFound) {
			code = "errors.com.breakwater.party.member_not_found"
		}
		s.writeError(w, status, code, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePartyLeave(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	caller := callerID(r)
	if caller != accountID {
		// The captain may kick; anyone else may only remove themself.
		p, err := s.parties.Get(r.PathValue("partyId"))
		if err != nil || p.Captain() == nil || p.Captain().AccountID != caller {
			s.writeError(w, http.StatusForbidden, "errors.com.breakwater.party.forbidden", "only the captain can remove other members")
			return
		}
	}
	if err := s.parties.Leave(r.PathValue("partyId"), accountID); err != nil {
		s.writeError(w, http.StatusNotFound, "errors.com.breakwater.party.not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePartyUser(w http.ResponseWriter, r *http.Request) {
	accountID := r.PathValue("accountId")
	out := map[string]any{
		"current": []any{},
		"pings":   s.parties.PingsFor(accountID),
	}
	if p, err := s.parties.ForMember(accountID); err == nil {
		out["current"] = []any{p}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handlePingSend: the authenticated pinger invites {accountId} to their
// party. The path mirrors where the ping lands, not who sends it.
func (s *Server) handlePingSend(w http.ResponseWriter, r *http.Request) {
	receiverID := r.PathValue("accountId")
	pingerID := r.PathValue("pingerId")
	if callerID(r) != pingerID {
		s.writeError(w, http.StatusForbidden, "errors.com.breakwater.party.forbidden", "token does not match pinger")
		return
	}
	var body struct {
		Meta map[string]any `json:"meta"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	ping := s.parties.SendPing(pingerID, receiverID, body.Meta)
	s.writeJSON(w, http.StatusCreated, ping)
}

func (s *Server) handlePingJoin(w http.ResponseWriter, r *http.Request) {
	receiverID := r.PathValue("accountId")
	pingerID := r.PathValue("pingerId")
	if callerID(r) != receiverID {
		s.writeError(w, http.StatusForbidden, "errors.com.breakwater.party.forbidden", "token does not match receiver")
		return
	}
	var body struct {
		Meta map[string]any `json:"meta"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	p, err := s.parties.JoinFromPing(receiverID, pingerID, body.Meta)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "errors.com.breakwater.party.ping_not_found", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}
