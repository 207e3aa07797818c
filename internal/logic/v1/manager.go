package v1

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pkgzerolog "github.com/duynhne/pkg/logger/zerolog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/duynhne/session-service/internal/core/domain"
	"github.com/duynhne/session-service/middleware"
)

const (
	// DefaultRefreshThreshold is how early before expiry a token is refreshed.
	DefaultRefreshThreshold = 60 * time.Second

	// DefaultReturnPath is used when the caller's destination is absent or unsafe.
	DefaultReturnPath = "/dashboard"
)

// CallbackResult is the outcome of a successful authorization callback.
// Exactly one of SessionID and FallbackPayload is set.
type CallbackResult struct {
	SessionID       string
	Fallback        *domain.PendingToken
	FallbackPayload string
	RedirectTarget  string
	Credential      *domain.LiveCredential
}

// Manager owns the session lifecycle: creation from an authorization code,
// expiry-aware refresh, identity backfill and fallback reconciliation.
// It depends on interfaces injected via the constructor and MUST NOT access
// the database or SQL directly.
type Manager struct {
	store      domain.SessionStore
	exchanger  domain.TokenExchanger
	fallback   *FallbackChannel
	threshold  time.Duration
	returnPath string
	now        func() time.Time

	// inflight collapses concurrent refreshes and reconciliations per key.
	inflight singleflight.Group

	// tokenLifetime is the last expires_in seen from the provider.
	tokenLifetime atomic.Int64
	shortLifetime sync.Once
}

// fallbackSessionNamespace scopes ids derived from fallback credentials.
var fallbackSessionNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("session-service/fallback-session"))

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithRefreshThreshold overrides DefaultRefreshThreshold.
func WithRefreshThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d >= 0 {
			m.threshold = d
		}
	}
}

// WithDefaultReturnPath overrides DefaultReturnPath.
func WithDefaultReturnPath(p string) ManagerOption {
	return func(m *Manager) {
		if isLocalPath(p) {
			m.returnPath = p
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager with the given dependencies.
func NewManager(store domain.SessionStore, exchanger domain.TokenExchanger, fallback *FallbackChannel, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:      store,
		exchanger:  exchanger,
		fallback:   fallback,
		threshold:  DefaultRefreshThreshold,
		returnPath: DefaultReturnPath,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoginURL returns the provider consent URL. next travels through the
// provider as the state value and is sanitized before it is embedded.
func (m *Manager) LoginURL(ctx context.Context, next string) string {
	path, err := SanitizeReturnPath(next, m.returnPath)
	if err != nil {
		pkgzerolog.FromContext(ctx).Warn().Err(err).Msg("Replacing login return path")
	}
	return m.exchanger.AuthorizationURL(EncodeReturnState(path))
}

// HandleCallback exchanges code for tokens and persists them as a session.
// If the store is unavailable the credential is sealed into a fallback payload
// instead, so the login still succeeds.
func (m *Manager) HandleCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	ctx, span := middleware.StartSpan(ctx, "session.handle_callback", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	log := pkgzerolog.FromContext(ctx)

	if code == "" {
		span.SetAttributes(attribute.Bool("callback.code_present", false))
		return nil, fmt.Errorf("handle callback: %w", ErrMissingCode)
	}

	target, err := DecodeReturnState(state, m.returnPath)
	if err != nil {
		span.AddEvent("return_state.replaced")
		log.Warn().Err(err).Msg("Replacing callback return state")
	}

	tokens, err := m.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	m.observeLifetime(ctx, tokens.ExpiresIn)

	identity := tokens.IdentityID
	if identity == "" {
		identity = domain.UnresolvedIdentity
	}
	expiresIn := time.Duration(tokens.ExpiresIn) * time.Second

	cred := &domain.LiveCredential{
		IdentityID:  identity,
		AccessToken: tokens.AccessToken,
		ExpiresAt:   tokens.ExpiresAt,
	}

	sessionID, err := m.store.Insert(ctx, identity, tokens.AccessToken, tokens.RefreshToken, expiresIn)
	if err == nil {
		cred.SessionID = sessionID
		span.SetAttributes(
			attribute.String("session.id", sessionID),
			attribute.Bool("session.fallback", false),
		)
		span.AddEvent("session.created")
		return &CallbackResult{SessionID: sessionID, RedirectTarget: target, Credential: cred}, nil
	}

	// Store outage: the user is still authenticated for this response.
	span.RecordError(fmt.Errorf("insert session: %w", err))
	log.Warn().Err(err).Msg("Session store unavailable, issuing fallback credential")

	pending := &domain.PendingToken{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
		IssuedAt:     tokens.ExpiresAt.Add(-expiresIn).Unix(),
	}
	payload, err := m.fallback.Emit(*pending)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("emit fallback credential: %w", err)
	}

	cred.Fallback = true
	span.SetAttributes(attribute.Bool("session.fallback", true))
	span.AddEvent("session.fallback_issued")
	return &CallbackResult{
		Fallback:        pending,
		FallbackPayload: payload,
		RedirectTarget:  target,
		Credential:      cred,
	}, nil
}

// ResolveSession loads a session by id and refreshes it when it is about to
// expire. A failed refresh still returns the current credential.
func (m *Manager) ResolveSession(ctx context.Context, sessionID string) (*domain.LiveCredential, error) {
	ctx, span := middleware.StartSpan(ctx, "session.resolve", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	if sessionID == "" {
		span.SetAttributes(attribute.Bool("session.valid", false))
		return nil, fmt.Errorf("resolve session: %w", ErrUnauthenticated)
	}

	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		span.SetAttributes(attribute.Bool("session.valid", false))
		return nil, fmt.Errorf("lookup session: %w", ErrUnauthenticated)
	}

	sess = m.RefreshIfExpired(ctx, sess)

	span.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Bool("session.valid", true),
	)
	return credentialFor(sess), nil
}

// RefreshIfExpired returns sess unchanged while it is fresh. Otherwise it
// refreshes once per session id across concurrent callers and persists the new
// pair with a compare-and-swap on the previous access token. Failures are
// logged; the caller always gets a usable session back.
func (m *Manager) RefreshIfExpired(ctx context.Context, sess *domain.Session) *domain.Session {
	if m.now().Before(sess.ExpiresAt.Add(-m.refreshWindow())) {
		return sess
	}
	if sess.RefreshToken == "" {
		middleware.SessionRefreshes.WithLabelValues("no_refresh_token").Inc()
		return sess
	}

	// The refresh outlives a disconnecting caller so waiters still get a result.
	refreshCtx := context.WithoutCancel(ctx)
	v, _, shared := m.inflight.Do("refresh:"+sess.ID, func() (any, error) {
		return m.refresh(refreshCtx, sess), nil
	})
	if shared {
		middleware.SessionRefreshes.WithLabelValues("shared").Inc()
	}

	out := *v.(*domain.Session)
	return &out
}

func (m *Manager) refresh(ctx context.Context, sess *domain.Session) *domain.Session {
	ctx, span := middleware.StartSpan(ctx, "session.refresh", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("session.id", sess.ID),
	))
	defer span.End()

	log := pkgzerolog.FromContext(ctx).With().Str("session_id", sess.ID).Logger()

	tokens, err := m.exchanger.RefreshToken(ctx, sess.RefreshToken)
	if err != nil {
		span.RecordError(err)
		middleware.SessionRefreshes.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("Token refresh failed, keeping current credential")
		return sess
	}

	m.observeLifetime(ctx, tokens.ExpiresIn)

	updated := *sess
	updated.AccessToken = tokens.AccessToken
	updated.ExpiresAt = tokens.ExpiresAt
	if tokens.RefreshToken != "" {
		updated.RefreshToken = tokens.RefreshToken
	}

	err = m.store.UpdateTokens(ctx, sess.ID, sess.AccessToken, updated.AccessToken, updated.RefreshToken, updated.ExpiresAt)
	switch {
	case err == nil:
		middleware.SessionRefreshes.WithLabelValues("success").Inc()
		span.AddEvent("session.refreshed")
		return &updated

	case errors.Is(err, ErrStaleTokens):
		// Another refresher won; its pair is the one on record.
		middleware.SessionRefreshes.WithLabelValues("stale").Inc()
		span.AddEvent("session.refresh_lost_race")
		stored, getErr := m.store.Get(ctx, sess.ID)
		if getErr == nil && stored != nil {
			return stored
		}
		if getErr != nil {
			span.RecordError(getErr)
		}
		return &updated

	default:
		span.RecordError(err)
		middleware.SessionRefreshes.WithLabelValues("store_error").Inc()
		log.Warn().Err(err).Msg("Persisting refreshed tokens failed, using in-memory credential")
		return &updated
	}
}

// refreshWindow is the refresh threshold, capped at half the provider's token
// lifetime so short-lived tokens are not refreshed on every read.
func (m *Manager) refreshWindow() time.Duration {
	lifetime := time.Duration(m.tokenLifetime.Load())
	if lifetime > 0 && m.threshold > lifetime/2 {
		return lifetime / 2
	}
	return m.threshold
}

func (m *Manager) observeLifetime(ctx context.Context, expiresIn int64) {
	if expiresIn <= 0 {
		return
	}
	lifetime := time.Duration(expiresIn) * time.Second
	m.tokenLifetime.Store(int64(lifetime))
	if lifetime <= m.threshold {
		m.shortLifetime.Do(func() {
			pkgzerolog.FromContext(ctx).Warn().
				Dur("token_lifetime", lifetime).
				Dur("refresh_threshold", m.threshold).
				Msg("Provider token lifetime is within the refresh threshold, refreshing at half-life instead")
		})
	}
}

// BackfillIdentity records identityID on a session whose identity is still
// unresolved. Placeholder values are ignored and repeats are no-ops. Store
// failures are logged and returned for the caller to ignore.
func (m *Manager) BackfillIdentity(ctx context.Context, sessionID, identityID string) error {
	if sessionID == "" || identityID == "" || identityID == domain.UnresolvedIdentity {
		return nil
	}

	ctx, span := middleware.StartSpan(ctx, "session.backfill_identity", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	if err := m.store.UpdateIdentity(ctx, sessionID, identityID); err != nil {
		span.RecordError(err)
		middleware.IdentityBackfills.WithLabelValues("error").Inc()
		pkgzerolog.FromContext(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("Identity backfill failed")
		return fmt.Errorf("backfill identity: %w", err)
	}

	middleware.IdentityBackfills.WithLabelValues("success").Inc()
	return nil
}

// ResolvePending serves a fallback credential and tries to move it into the
// store. The session id is derived from the credential, so replays of the same
// cookie resolve to one row and pick up any tokens rotated since. On success
// the id is returned so the caller can replace the fallback cookie with a
// durable one. While the store is still down the fallback credential is
// served as-is.
func (m *Manager) ResolvePending(ctx context.Context, pending *domain.PendingToken) (*domain.LiveCredential, string, error) {
	ctx, span := middleware.StartSpan(ctx, "session.resolve_pending", trace.WithAttributes(
		attribute.String("layer", "logic"),
	))
	defer span.End()

	if pending == nil || pending.AccessToken == "" {
		return nil, "", fmt.Errorf("resolve fallback: %w", ErrUnauthenticated)
	}

	now := m.now()
	expiresAt := pending.ExpiresAt()
	if !now.Before(expiresAt) {
		span.SetAttributes(attribute.Bool("session.valid", false))
		middleware.FallbackCredentials.WithLabelValues("expired").Inc()
		return nil, "", fmt.Errorf("fallback expired at %v: %w", expiresAt, ErrUnauthenticated)
	}

	sessionID := reconciledSessionID(pending)
	v, err, _ := m.inflight.Do("pending:"+sessionID, func() (any, error) {
		created, err := m.store.InsertWithID(ctx, sessionID, domain.UnresolvedIdentity,
			pending.AccessToken, pending.RefreshToken, expiresAt.Sub(now))
		if err != nil {
			return nil, err
		}
		if created {
			middleware.FallbackCredentials.WithLabelValues("reconciled").Inc()
		} else {
			middleware.FallbackCredentials.WithLabelValues("rejoined").Inc()
		}
		return m.store.Get(ctx, sessionID)
	})
	if err != nil {
		span.RecordError(err)
		pkgzerolog.FromContext(ctx).Debug().Err(err).Msg("Session store still unavailable, serving fallback credential")
	}

	stored, _ := v.(*domain.Session)
	if stored == nil {
		middleware.FallbackCredentials.WithLabelValues("served").Inc()
		span.SetAttributes(attribute.Bool("session.fallback", true))
		return &domain.LiveCredential{
			IdentityID:  domain.UnresolvedIdentity,
			AccessToken: pending.AccessToken,
			ExpiresAt:   expiresAt,
			Fallback:    true,
		}, "", nil
	}

	span.SetAttributes(
		attribute.String("session.id", sessionID),
		attribute.Bool("session.fallback", false),
	)
	span.AddEvent("session.reconciled")

	// The row may already carry a rotated pair; the cookie's tokens are not reused.
	sess := *stored
	return credentialFor(m.RefreshIfExpired(ctx, &sess)), sessionID, nil
}

// reconciledSessionID derives the durable id for a fallback credential, so every
// replay of the same cookie lands on the same row.
func reconciledSessionID(pending *domain.PendingToken) string {
	name := pending.AccessToken + "\x00" + strconv.FormatInt(pending.IssuedAt, 10)
	return uuid.NewSHA1(fallbackSessionNamespace, []byte(name)).String()
}

// RecoverFallback opens a fallback cookie payload.
func (m *Manager) RecoverFallback(payload string) (*domain.PendingToken, error) {
	p, err := m.fallback.Recover(payload)
	if err != nil {
		middleware.FallbackCredentials.WithLabelValues("rejected").Inc()
		return nil, err
	}
	return p, nil
}

// Ping reports whether the session store is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

func credentialFor(sess *domain.Session) *domain.LiveCredential {
	return &domain.LiveCredential{
		SessionID:   sess.ID,
		IdentityID:  sess.IdentityID,
		AccessToken: sess.AccessToken,
		ExpiresAt:   sess.ExpiresAt,
	}
}
