// Package bungie is a minimal client for the provider's authenticated
// platform API: memberships and profile summaries.
package bungie

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

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/duynhne/session-service/config"
	"github.com/duynhne/session-service/internal/core/domain"
	"github.com/duynhne/session-service/middleware"
)

const (
	// DefaultMaxAttempts includes the first try.
	DefaultMaxAttempts = 3

	// DefaultRetryStep grows linearly: step, 2*step, ...
	DefaultRetryStep = 250 * time.Millisecond

	profileComponents = "100,200"
	maxResponseBytes  = 4 << 20
)

// Client implements domain.PlatformAPI.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	timeout     time.Duration
	maxAttempts uint
	retryStep   time.Duration
}

var _ domain.PlatformAPI = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets the base HTTP client. Its transport is wrapped with the
// caller's bearer token on every request.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRetry overrides the attempt count and the linear retry step.
func WithRetry(maxAttempts uint, step time.Duration) Option {
	return func(cl *Client) {
		if maxAttempts > 0 {
			cl.maxAttempts = maxAttempts
		}
		if step >= 0 {
			cl.retryStep = step
		}
	}
}

// NewClient builds a platform client from OAuth config.
func NewClient(cfg config.OAuthConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.PlatformURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  http.DefaultClient,
		timeout:     cfg.UpstreamTimeout,
		maxAttempts: DefaultMaxAttempts,
		retryStep:   DefaultRetryStep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope[T any] struct {
	Response    *T     `json:"Response"`
	ErrorCode   int    `json:"ErrorCode"`
	ErrorStatus string `json:"ErrorStatus"`
	Message     string `json:"Message"`
}

type membershipsResponse struct {
	DestinyMemberships []struct {
		MembershipID   string `json:"membershipId"`
		MembershipType int    `json:"membershipType"`
		DisplayName    string `json:"displayName"`
	} `json:"destinyMemberships"`
}

type profileResponse struct {
	Profile struct {
		Data struct {
			CharacterIDs []string `json:"characterIds"`
		} `json:"data"`
	} `json:"profile"`
	Characters struct {
		Data map[string]struct {
			CharacterID string `json:"characterId"`
			Light       int    `json:"light"`
		} `json:"data"`
	} `json:"characters"`
}

// GetMemberships lists the Destiny memberships of the credential's owner.
func (c *Client) GetMemberships(ctx context.Context, cred *domain.LiveCredential) ([]domain.Membership, error) {
	var out envelope[membershipsResponse]
	if err := c.get(ctx, cred, "memberships", "/User/GetMembershipsForCurrentUser/", nil, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, fmt.Errorf("memberships: Response missing: %w", domain.ErrMalformedUpstreamResponse)
	}

	memberships := make([]domain.Membership, 0, len(out.Response.DestinyMemberships))
	for _, m := range out.Response.DestinyMemberships {
		if m.MembershipID == "" {
			continue
		}
		memberships = append(memberships, domain.Membership{
			MembershipID:   m.MembershipID,
			MembershipType: m.MembershipType,
			DisplayName:    m.DisplayName,
		})
	}
	return memberships, nil
}

// GetProfile fetches the profile and character components for one membership.
func (c *Client) GetProfile(ctx context.Context, cred *domain.LiveCredential, membershipType int, membershipID string) (*domain.ProfileData, error) {
	if membershipID == "" {
		return nil, errors.New("membership id is required")
	}
	path := fmt.Sprintf("/Destiny2/%d/Profile/%s/", membershipType, url.PathEscape(membershipID))
	query := url.Values{"components": {profileComponents}}

	var out envelope[profileResponse]
	if err := c.get(ctx, cred, "profile", path, query, &out); err != nil {
		return nil, err
	}
	if out.Response == nil {
		return nil, fmt.Errorf("profile: Response missing: %w", domain.ErrMalformedUpstreamResponse)
	}

	data := &domain.ProfileData{CharacterIDs: out.Response.Profile.Data.CharacterIDs}
	for _, id := range data.CharacterIDs {
		ch, ok := out.Response.Characters.Data[id]
		if !ok {
			continue
		}
		data.Characters = append(data.Characters, domain.CharacterSummary{CharacterID: id, Light: ch.Light})
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, cred *domain.LiveCredential, endpoint, path string, query url.Values, out any) (err error) {
	if cred == nil || cred.AccessToken == "" {
		return domain.ErrUnauthenticated
	}

	ctx, span := middleware.StartSpan(ctx, "bungie."+endpoint, trace.WithAttributes(
		attribute.String("layer", "core"),
		attribute.String("platform.endpoint", endpoint),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	client := &http.Client{
		Transport: &oauth2.Transport{Source: cred.TokenSource(), Base: c.httpClient.Transport},
		Timeout:   c.httpClient.Timeout,
	}

	attempt := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		b, err := c.do(ctx, client, target)
		middleware.PlatformRequests.WithLabelValues(endpoint, platformResult(err)).Inc()
		return b, err
	}, backoff.WithBackOff(&linearBackOff{step: c.retryStep}), backoff.WithMaxTries(c.maxAttempts))
	span.SetAttributes(attribute.Int("platform.attempts", attempt))
	if err != nil {
		return classify(ctx, err)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w: %w", endpoint, domain.ErrMalformedUpstreamResponse, err)
	}
	return nil
}

// do performs one attempt. Errors that retrying cannot fix are marked permanent.
func (c *Client) do(ctx context.Context, client *http.Client, target string) ([]byte, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create platform request: %w", err))
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, backoff.Permanent(fmt.Errorf("platform status %d: %w", resp.StatusCode, domain.ErrUnauthenticated))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &domain.UpstreamAuthError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, backoff.Permanent(&domain.UpstreamAuthError{Status: resp.StatusCode, Body: truncate(string(body), 512)})
	}
	return body, nil
}

// classify maps transport failures onto the upstream sentinels.
func classify(ctx context.Context, err error) error {
	var authErr *domain.UpstreamAuthError
	switch {
	case errors.Is(err, domain.ErrUnauthenticated), errors.As(err, &authErr):
		return err
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("platform request: %w: %w", domain.ErrUpstreamCancelled, err)
	default:
		return fmt.Errorf("platform request: %w: %w", domain.ErrUpstreamTimeout, err)
	}
}

func platformResult(err error) string {
	var authErr *domain.UpstreamAuthError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrUnauthenticated):
		return "unauthorized"
	case errors.As(err, &authErr):
		return strconv.Itoa(authErr.Status)
	default:
		return "error"
	}
}

// linearBackOff waits step, 2*step, 3*step between attempts.
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
