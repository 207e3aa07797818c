// Package oauth talks to the provider's token endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/duynhne/session-service/config"
	"github.com/duynhne/session-service/internal/core/domain"
	"github.com/duynhne/session-service/middleware"
)

const (
	// DefaultTimeout bounds a single token endpoint call.
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 1 << 20
	maxErrorBody     = 2048

	// maxLifetimeSeconds rejects token lifetimes beyond one year.
	maxLifetimeSeconds = 365 * 24 * 60 * 60
)

// Exchanger performs authorization-code and refresh-token grants. It is
// stateless and safe for concurrent use.
type Exchanger struct {
	oauth      *oauth2.Config
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
}

var _ domain.TokenExchanger = (*Exchanger)(nil)

// Option configures the Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Exchanger) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock overrides the receipt clock used to stamp ExpiresAt.
func WithClock(now func() time.Time) Option {
	return func(e *Exchanger) { e.now = now }
}

// NewExchanger builds an Exchanger for the configured provider.
func NewExchanger(cfg config.OAuthConfig, opts ...Option) *Exchanger {
	e := &Exchanger{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiKey:     cfg.APIKey,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		now:        time.Now,
	}
	if cfg.UpstreamTimeout > 0 {
		e.timeout = cfg.UpstreamTimeout
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AuthorizationURL builds the provider consent URL carrying state verbatim.
func (e *Exchanger) AuthorizationURL(state string) string {
	return e.oauth.AuthCodeURL(state)
}

// ExchangeCode trades a single-use authorization code for tokens.
// It is never retried: a retry after partial success would replay a consumed code.
func (e *Exchanger) ExchangeCode(ctx context.Context, code string) (*domain.TokenSet, error) {
	if code == "" {
		return nil, domain.ErrMissingCode
	}
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {e.oauth.RedirectURL},
	}
	return e.doTokenRequest(ctx, "authorization_code", form)
}

// RefreshToken mints a new access token from a refresh token. Single shot;
// the caller decides what a failure means.
func (e *Exchanger) RefreshToken(ctx context.Context, refreshToken string) (*domain.TokenSet, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return e.doTokenRequest(ctx, "refresh_token", form)
}

func (e *Exchanger) doTokenRequest(ctx context.Context, grant string, form url.Values) (_ *domain.TokenSet, err error) {
	ctx, span := middleware.StartSpan(ctx, "oauth.token", trace.WithAttributes(
		attribute.String("layer", "core"),
		attribute.String("oauth.grant_type", grant),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		middleware.TokenExchanges.WithLabelValues(grant, resultLabel(err)).Inc()
		span.End()
	}()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", e.apiKey)
	req.SetBasicAuth(e.oauth.ClientID, e.oauth.ClientSecret)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	receivedAt := e.now()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &domain.UpstreamAuthError{Status: resp.StatusCode, Body: truncate(string(body), maxErrorBody)}
	}

	tokens, err := parseTokenResponse(body)
	if err != nil {
		return nil, err
	}
	tokens.ExpiresAt = receivedAt.Add(time.Duration(tokens.ExpiresIn) * time.Second)
	return tokens, nil
}

// tokenResponse mirrors the provider payload. Pointers distinguish absent
// fields from zero values so validation can fail closed.
type tokenResponse struct {
	TokenType        *string         `json:"token_type"`
	AccessToken      *string         `json:"access_token"`
	ExpiresIn        *float64        `json:"expires_in"`
	RefreshToken     *string         `json:"refresh_token"`
	RefreshExpiresIn *float64        `json:"refresh_expires_in"`
	MembershipID     json.RawMessage `json:"membership_id"`
}

func parseTokenResponse(body []byte) (*domain.TokenSet, error) {
	var raw tokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w: %w", domain.ErrMalformedUpstreamResponse, err)
	}

	switch {
	case raw.TokenType == nil:
		return nil, fmt.Errorf("token_type missing: %w", domain.ErrMalformedUpstreamResponse)
	case raw.AccessToken == nil || *raw.AccessToken == "":
		return nil, fmt.Errorf("access_token missing: %w", domain.ErrMalformedUpstreamResponse)
	case raw.ExpiresIn == nil:
		return nil, fmt.Errorf("expires_in missing: %w", domain.ErrMalformedUpstreamResponse)
	case *raw.ExpiresIn < 1:
		return nil, fmt.Errorf("expires_in %v not positive: %w", *raw.ExpiresIn, domain.ErrMalformedUpstreamResponse)
	case *raw.ExpiresIn > maxLifetimeSeconds:
		return nil, fmt.Errorf("expires_in %v out of range: %w", *raw.ExpiresIn, domain.ErrMalformedUpstreamResponse)
	case raw.RefreshExpiresIn != nil && (*raw.RefreshExpiresIn < 0 || *raw.RefreshExpiresIn > maxLifetimeSeconds):
		return nil, fmt.Errorf("refresh_expires_in %v out of range: %w", *raw.RefreshExpiresIn, domain.ErrMalformedUpstreamResponse)
	}

	identity, err := parseMembershipID(raw.MembershipID)
	if err != nil {
		return nil, err
	}

	tokens := &domain.TokenSet{
		TokenType:   *raw.TokenType,
		AccessToken: *raw.AccessToken,
		ExpiresIn:   int64(*raw.ExpiresIn),
		IdentityID:  identity,
	}
	if raw.RefreshToken != nil {
		tokens.RefreshToken = *raw.RefreshToken
	}
	if raw.RefreshExpiresIn != nil {
		tokens.RefreshExpiresIn = int64(*raw.RefreshExpiresIn)
	}
	return tokens, nil
}

// parseMembershipID accepts the id as a JSON string or number.
func parseMembershipID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("membership_id %s: %w", raw, domain.ErrMalformedUpstreamResponse)
}

// classifyTransportError separates caller cancellation from every other
// network-level failure, which is reported as a timeout.
func classifyTransportError(parent context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("token request: %w: %w", domain.ErrUpstreamCancelled, err)
	}
	return fmt.Errorf("token request: %w: %w", domain.ErrUpstreamTimeout, err)
}

func resultLabel(err error) string {
	var authErr *domain.UpstreamAuthError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &authErr):
		return "rejected"
	case errors.Is(err, domain.ErrUpstreamCancelled):
		return "cancelled"
	case errors.Is(err, domain.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrMalformedUpstreamResponse):
		return "malformed"
	default:
		return "error"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
