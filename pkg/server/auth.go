package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/atlasfall/breakwater/pkg/database"
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrAccountBanned = errors.New("account is banned")
)

// TokenService issues and verifies the HMAC-signed access tokens clients
// present to both the HTTP API and the XMPP SASL exchange.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type accessClaims struct {
	DisplayName string `json:"dn"`
	jwt.RegisteredClaims
}

// NewTokenService builds a token service. An empty secret gets a random
// per-process one, which invalidates outstanding tokens on restart.
func NewTokenService(secret string, ttl time.Duration) *TokenService {
	if secret == "" {
		buf := make([]byte, 32)
		rand.Read(buf)
		secret = hex.EncodeToString(buf)
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &TokenService{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue creates a signed token for the account.
func (t *TokenService) Issue(accountID, displayName string) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := accessClaims{
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    "breakwater",
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Verify checks signature and expiry, returning the account the token was
// issued to. Satisfies xmpp.TokenVerifier.
func (t *TokenService) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return t.now() }))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// SessionVerifier layers an account-status check over token verification.
// A token outlives a ban, so the account row is consulted every time a new
// XMPP session authenticates.
type SessionVerifier struct {
	tokens *TokenService
	db     *database.DB
}

func NewSessionVerifier(tokens *TokenService, db *database.DB) *SessionVerifier {
	return &SessionVerifier{tokens: tokens, db: db}
}

// Verify satisfies xmpp.TokenVerifier: valid token, existing account, not
// banned.
func (v *SessionVerifier) Verify(token string) (string, error) {
	accountID, err := v.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	acct, err := v.db.GetAccount(accountID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if acct.Banned {
		return "", ErrAccountBanned
	}
	return accountID, nil
}

// HashPassword derives a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether the password matches the stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
