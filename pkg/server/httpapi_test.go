package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasfall/breakwater/pkg/database"
	"github.com/atlasfall/breakwater/pkg/profile"
	"github.com/atlasfall/breakwater/pkg/xmpp"
)

func TestMain(m *testing.M) {
	silent := log.New(io.Discard, "", 0)
	SetLoggers(silent, silent)
	profile.SetLoggers(silent, silent)
	xmpp.SetLoggers(silent, silent)
	os.Exit(m.Run())
}

func testConfig() TOMLConfig {
	config := DefaultTOMLConfig()
	config.Server.HTTPPort = 0
	config.Server.MetricsPort = 0
	config.XMPP.TCPPort = 0
	config.Auth.JWTSecret = "test-secret"
	return config
}

func startServer(t *testing.T) *Server {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)

	srv, err := NewWithDB(testConfig(), db)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

// apiClient wraps the raw HTTP plumbing of the journey tests.
type apiClient struct {
	t       *testing.T
	base    string
	token   string
	account string
}

func newAPIClient(t *testing.T, srv *Server) *apiClient {
	return &apiClient{t: t, base: "http://" + srv.HTTPAddr()}
}

func (c *apiClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(c.t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

// register creates an account and logs it in.
func (c *apiClient) register(displayName string) {
	c.t.Helper()
	status, body := c.do("POST", "/account/api/register", map[string]any{
		"displayName": displayName,
		"password":    "hunter22",
	})
	require.Equal(c.t, http.StatusCreated, status)
	c.account = body["accountId"].(string)

	status, body = c.do("POST", "/account/api/oauth/token", map[string]any{
		"displayName": displayName,
		"password":    "hunter22",
	})
	require.Equal(c.t, http.StatusOK, status)
	c.token = body["access_token"].(string)
}

func (c *apiClient) profileOp(action, profileID string, body any) (int, map[string]any) {
	c.t.Helper()
	path := fmt.Sprintf("/profile/%s/client/%s?profileId=%s", c.account, action, profileID)
	return c.do("POST", path, body)
}

func TestRegisterAndLoginJourney(t *testing.T) {
	srv := startServer(t)
	client := newAPIClient(t, srv)

	client.register("PlayerOne")
	require.NotEmpty(t, client.account)
	require.NotEmpty(t, client.token)

	// Duplicate display name is refused.
	status, body := client.do("POST", "/account/api/register", map[string]any{
		"displayName": "PlayerOne",
		"password":    "other",
	})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "errors.com.breakwater.account.name_taken", body["errorCode"])

	// Wrong password is refused.
	status, _ = client.do("POST", "/account/api/oauth/token", map[string]any{
		"displayName": "PlayerOne",
		"password":    "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestProfileEndpointRequiresAuth(t *testing.T) {
	srv := startServer(t)
	client := newAPIClient(t, srv)

	status, body := client.do("POST", "/profile/whoever/client/QueryProfile?profileId=athena", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "errors.com.breakwater.auth.missing_token", body["errorCode"])
}

func TestProfileEndpointRejectsForeignAccount(t *testing.T) {
	srv := startServer(t)
	client := newAPIClient(t, srv)
	client.register("PlayerOne")

	status, _ := client.do("POST", "/profile/someone-else/client/QueryProfile?profileId=athena", nil)
	require.Equal(t, http.StatusForbidden, status)
}

func TestQueryProfileJourney(t *testing.T) {
	srv := startServer(t)
	client := newAPIClient(t, srv)
	client.register("PlayerOne")

	status, env := client.profileOp("QueryProfile", "athena", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "athena", env["profileId"])
	require.Equal(t, float64(0), env["profileRevision"])
	require.Equal(t, float64(1), env["responseVersion"])

	// Unknown profileId is a 400.
	status, _ = client.profileOp("QueryProfile", "outpost0", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestEquipAndStaleRvnJourney(t *testing.T) {
	srv := startServer(t)
	client := newAPIClient(t, srv)
	client.register("PlayerOne")

	status, env := client.profileOp("SetCosmeticLockerSlot", "athena", map[string]any{
		"slotName":   "Character",
		"itemToSlot": "AthenaCharacter:CID_028_Renegade",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, float64(1), env["profileRevision"])
	changes := env["profileChanges"].([]any)
	require.Len(t, changes, 1)
	require.Equal(t, "statModified", changes[0].(map[string]any)["changeType"])

	// A stale rvn forces a full resync.
	path := fmt.Sprintf("/profile/%s/client/QueryProfile?profileId=athena&rvn=0", client.account)
	status, env = client.do("POST", path, nil)
	require.Equal(t, http.StatusOK, status)
	changes = env["profileChanges"].([]any)
	require.Len(t, changes, 1)
	require.Equal(t, "fullProfileUpdate", changes[0].(map[string]any)["changeType"])
}

func TestPurchaseJourneyAgainstBuiltInShop(t *testing.T) {
	srv := startServer(t)
	client := newAPIClient(t, srv)
	client.register("PlayerOne")

	status, catalog := client.do("GET", "/shop/storefront", nil)
	require.Equal(t, http.StatusOK, status)
	offers := catalog["offers"].([]any)
	require.NotEmpty(t, offers)

	// No currency yet: purchase is refused and nothing changes.
	status, body := client.profileOp("PurchaseCatalogEntry", "common_core", map[string]any{
		"offerId":  "v2:/breakwater/offer/floss",
		"currency": "MtxCurrency",
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["errorMessage"], "insufficient MTX")

	// Seed currency through the engine the way a backend job would.
	err := srv.engine.MutateProfile(client.account, profile.TypeCommonCore, func(p *profile.Profile) ([]profile.Change, error) {
		id, item := p.FindItemByTemplate(profile.MtxTemplateID)
		item.Quantity = 1000
		return []profile.Change{profile.ItemQuantityChanged(id, 1000)}, nil
	})
	require.NoError(t, err)

	status, env := client.profileOp("PurchaseCatalogEntry", "common_core", map[string]any{
		"offerId":  "v2:/breakwater/offer/floss",
		"currency": "MtxCurrency",
	})
	require.Equal(t, http.StatusOK, status)
	multi := env["multiUpdate"].([]any)
	require.Len(t, multi, 1)
	require.Equal(t, "athena", multi[0].(map[string]any)["profileId"])
}

func TestFriendAndGiftJourney(t *testing.T) {
	srv := startServer(t)
	alice := newAPIClient(t, srv)
	alice.register("Alice")
	bob := newAPIClient(t, srv)
	bob.register("Bob")

	// Gifting without friendship fails.
	require.NoError(t, srv.engine.MutateProfile(alice.account, profile.TypeCommonCore, func(p *profile.Profile) ([]profile.Change, error) {
		id, item := p.FindItemByTemplate(profile.MtxTemplateID)
		item.Quantity = 2000
		return []profile.Change{profile.ItemQuantityChanged(id, 2000)}, nil
	}))
	status, _ := alice.profileOp("GiftCatalogEntry", "common_core", map[string]any{
		"offerId":            "v2:/breakwater/offer/floss",
		"receiverAccountIds": []string{bob.account},
	})
	require.Equal(t, http.StatusForbidden, status)

	status, _ = alice.do("POST", fmt.Sprintf("/friends/api/public/friends/%s/%s", alice.account, bob.account), nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = alice.profileOp("GiftCatalogEntry", "common_core", map[string]any{
		"offerId":            "v2:/breakwater/offer/floss",
		"receiverAccountIds": []string{bob.account},
		"personalMessage":    "enjoy",
	})
	require.Equal(t, http.StatusOK, status)

	// Bob's athena now owns the emote: a stale-rvn query returns the full
	// document and the granted template is in it.
	path := fmt.Sprintf("/profile/%s/client/QueryProfile?profileId=athena&rvn=0", bob.account)
	status, env := bob.do("POST", path, nil)
	require.Equal(t, http.StatusOK, status)
	changes := env["profileChanges"].([]any)
	require.Len(t, changes, 1)
	full := changes[0].(map[string]any)
	require.Equal(t, "fullProfileUpdate", full["changeType"])
	items := full["profile"].(map[string]any)["items"].(map[string]any)
	var owned bool
	for _, item := range items {
		if item.(map[string]any)["templateId"] == "AthenaDance:EID_Floss" {
			owned = true
		}
	}
	require.True(t, owned)
}

func TestPartyJourney(t *testing.T) {
	srv := startServer(t)
	alice := newAPIClient(t, srv)
	alice.register("Alice")
	bob := newAPIClient(t, srv)
	bob.register("Bob")

	status, created := alice.do("POST", "/party/api/v1/parties", map[string]any{
		"config": map[string]any{"joinability": "OPEN"},
	})
	require.Equal(t, http.StatusCreated, status)
	partyID := created["id"].(string)

	status, _ = bob.do("POST", fmt.Sprintf("/party/api/v1/parties/%s/members/%s/join", partyID, bob.account), nil)
	require.Equal(t, http.StatusOK, status)

	status, got := alice.do("GET", "/party/api/v1/parties/"+partyID, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, got["members"].([]any), 2)

	// A regular member cannot remove someone else.
	status, _ = bob.do("DELETE", fmt.Sprintf("/party/api/v1/parties/%s/members/%s", partyID, alice.account), nil)
	require.Equal(t, http.StatusForbidden, status)

	// The captain can kick.
	status, _ = alice.do("DELETE", fmt.Sprintf("/party/api/v1/parties/%s/members/%s", partyID, bob.account), nil)
	require.Equal(t, http.StatusNoContent, status)

	status, user := alice.do("GET", "/party/api/v1/user/"+alice.account, nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, user["current"].([]any), 1)
}

func TestPingJourney(t *testing.T) {
	srv := startServer(t)
	alice := newAPIClient(t, srv)
	alice.register("Alice")
	bob := newAPIClient(t, srv)
	bob.register("Bob")

	status, _ := alice.do("POST", "/party/api/v1/parties", nil)
	require.Equal(t, http.StatusCreated, status)

	status, _ = alice.do("POST", fmt.Sprintf("/party/api/v1/user/%s/pings/%s", bob.account, alice.account), nil)
	require.Equal(t, http.StatusCreated, status)

	status, joined := bob.do("POST", fmt.Sprintf("/party/api/v1/user/%s/pings/%s/join", bob.account, alice.account), nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, joined["members"].([]any), 2)
}

func TestMatchmakingTicket(t *testing.T) {
	srv := startServer(t)
	client := newAPIClient(t, srv)
	client.register("PlayerOne")

	status, ticket := client.do("POST", "/matchmaking/ticket?bucketId=solo-eu", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "mms-player", ticket["ticketType"])
	require.Equal(t, "solo-eu", ticket["bucketId"])
	require.NotEmpty(t, ticket["payload"])
	require.NotEmpty(t, ticket["sessionId"])
}

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)
	token, expires, err := svc.Issue("acct-1", "Player")
	require.NoError(t, err)
	require.True(t, expires.After(time.Now()))

	accountID, err := svc.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "acct-1", accountID)

	_, err = svc.Verify(token + "tampered")
	require.ErrorIs(t, err, ErrInvalidToken)

	// Tokens signed with another secret are rejected.
	other := NewTokenService("different", time.Minute)
	otherToken, _, err := other.Issue("acct-1", "Player")
	require.NoError(t, err)
	_, err = svc.Verify(otherToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

// A session verifier refuses banned accounts even when their token is
// still valid.
func TestSessionVerifierRejectsBannedAccount(t *testing.T) {
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	accountID, err := db.CreateAccount("mallory", "")
	require.NoError(t, err)

	tokens := NewTokenService("test-secret", time.Hour)
	token, _, err := tokens.Issue(accountID, "mallory")
	require.NoError(t, err)

	verifier := NewSessionVerifier(tokens, db)
	got, err := verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, accountID, got)

	require.NoError(t, db.SetAccountBanned(accountID, true))
	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, ErrAccountBanned)

	// A token whose subject has no account row is refused too.
	ghost, _, err := tokens.Issue("no-such-account", "ghost")
	require.NoError(t, err)
	_, err = verifier.Verify(ghost)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestHealthEndpoint(t *testing.T) {
	srv := startServer(t)

	resp, err := http.Get("http://" + srv.metricsListener.Addr().String() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}
