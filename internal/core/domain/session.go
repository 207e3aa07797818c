package domain

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// UnresolvedIdentity marks a session whose upstream membership id is not known
// yet. It is replaced once, on the first profile fetch.
const UnresolvedIdentity = "pending"

// Store-level errors shared by every SessionStore implementation.
var (
	// ErrStoreUnavailable wraps any driver or connection failure.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrStaleTokens is returned by UpdateTokens when the stored access token no
	// longer matches the one the caller refreshed from.
	ErrStaleTokens = errors.New("session tokens changed concurrently")
)

// Session is one user's standing credential.
// AccessToken and RefreshToken must never be serialized to clients.
type Session struct {
	ID           string
	IdentityID   string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// IdentityResolved reports whether the upstream identity has been backfilled.
func (s *Session) IdentityResolved() bool {
	return s.IdentityID != "" && s.IdentityID != UnresolvedIdentity
}

// SessionStore is the data-access contract for sessions.
// Implementations live in internal/core/repository.
type SessionStore interface {
	// Get returns the session only while expires_at is in the future.
	// Returns (nil, nil) when the session is absent or expired.
	Get(ctx context.Context, id string) (*Session, error)

	// Insert creates a session expiring expiresIn from now and returns its id.
	Insert(ctx context.Context, identityID, accessToken, refreshToken string, expiresIn time.Duration) (string, error)

	// InsertWithID creates a session under a caller-chosen id. An existing row
	// with that id is left untouched and created is false.
	InsertWithID(ctx context.Context, id, identityID, accessToken, refreshToken string, expiresIn time.Duration) (created bool, err error)

	// UpdateTokens replaces the token pair and expiry in one statement, but only
	// while the stored access token still equals prevAccessToken.
	// Returns ErrStaleTokens when nothing matched.
	UpdateTokens(ctx context.Context, id, prevAccessToken, accessToken, refreshToken string, expiresAt time.Time) error

	// UpdateIdentity sets the identity only while it is still unresolved.
	// Repeating the call is a no-op, not an error.
	UpdateIdentity(ctx context.Context, id, identityID string) error

	// Ping checks store connectivity for the readiness check.
	Ping(ctx context.Context) error
}

// TokenSet is a validated token endpoint response.
type TokenSet struct {
	TokenType        string
	AccessToken      string
	ExpiresIn        int64
	RefreshToken     string
	RefreshExpiresIn int64
	IdentityID       string

	// ExpiresAt is stamped at receipt time so processing delay does not skew it.
	ExpiresAt time.Time
}

// PendingToken is the store-independent credential carried by the fallback
// cookie when a session could not be persisted.
type PendingToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	IssuedAt     int64  `json:"issued_at"`
}

// ExpiresAt converts the relative expiry to an absolute time.
func (p *PendingToken) ExpiresAt() time.Time {
	return time.Unix(p.IssuedAt, 0).Add(time.Duration(p.ExpiresIn) * time.Second)
}

// LiveCredential is what callers get back from a resolved session.
// SessionID is empty for fallback credentials.
type LiveCredential struct {
	SessionID   string
	IdentityID  string
	AccessToken string
	ExpiresAt   time.Time
	Fallback    bool
}

// OAuth2Token adapts the credential for use with oauth2-aware HTTP clients.
func (c *LiveCredential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: c.AccessToken,
		TokenType:   "Bearer",
		Expiry:      c.ExpiresAt,
	}
}

// TokenSource returns a static source; refresh is owned by the session manager.
func (c *LiveCredential) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(c.OAuth2Token())
}

// TokenExchanger performs authorization-code and refresh-token grants.
type TokenExchanger interface {
	AuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
}
