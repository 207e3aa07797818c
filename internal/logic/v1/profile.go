package v1

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/duynhne/session-service/internal/core/domain"
	"github.com/duynhne/session-service/middleware"
)

// DefaultProfileTTL is how long a profile summary stays cached.
const DefaultProfileTTL = 90 * time.Second

// ProfileService builds the signed-in user's profile summary.
type ProfileService struct {
	platform domain.PlatformAPI
	sessions *Manager
	cache    domain.ProfileCache
	ttl      time.Duration
}

// NewProfileService creates a ProfileService. cache may be nil to disable caching.
func NewProfileService(platform domain.PlatformAPI, sessions *Manager, cache domain.ProfileCache, ttl time.Duration) *ProfileService {
	if ttl <= 0 {
		ttl = DefaultProfileTTL
	}
	return &ProfileService{
		platform: platform,
		sessions: sessions,
		cache:    cache,
		ttl:      ttl,
	}
}

// Profile returns the summary for cred's first platform membership, backfilling
// the session identity when it is still unresolved.
func (s *ProfileService) Profile(ctx context.Context, cred *domain.LiveCredential) (*domain.Profile, error) {
	ctx, span := middleware.StartSpan(ctx, "profile.get", trace.WithAttributes(
		attribute.String("layer", "logic"),
		attribute.Bool("session.fallback", cred.Fallback),
	))
	defer span.End()

	key := cacheKey(cred)
	if cached := s.lookup(ctx, key); cached != nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	memberships, err := s.platform.GetMemberships(ctx, cred)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get memberships: %w", err)
	}
	if len(memberships) == 0 {
		return nil, fmt.Errorf("get memberships: %w", ErrNoMemberships)
	}
	primary := memberships[0]

	if cred.IdentityID == "" || cred.IdentityID == domain.UnresolvedIdentity {
		// Best-effort: the profile is served even if the write fails.
		if err := s.sessions.BackfillIdentity(ctx, cred.SessionID, primary.MembershipID); err != nil {
			span.RecordError(err)
		}
		cred.IdentityID = primary.MembershipID
		if key == "" {
			key = cacheKey(cred)
		}
	}

	data, err := s.platform.GetProfile(ctx, cred, primary.MembershipType, primary.MembershipID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get profile %s: %w", primary.MembershipID, err)
	}

	profile := summarize(primary, data)
	s.store(ctx, key, profile)

	span.SetAttributes(
		attribute.String("profile.membership_id", profile.MembershipID),
		attribute.Int("profile.characters", len(profile.CharacterIDs)),
	)
	return profile, nil
}

func (s *ProfileService) lookup(ctx context.Context, key string) *domain.Profile {
	if s.cache == nil || key == "" {
		return nil
	}
	p, err := s.cache.Get(ctx, key)
	switch {
	case err == nil && p != nil:
		middleware.ProfileCacheLookups.WithLabelValues("hit").Inc()
		return p
	case err == nil, errors.Is(err, domain.ErrCacheMiss):
		middleware.ProfileCacheLookups.WithLabelValues("miss").Inc()
	default:
		trace.SpanFromContext(ctx).RecordError(err)
		middleware.ProfileCacheLookups.WithLabelValues("error").Inc()
	}
	return nil
}

func (s *ProfileService) store(ctx context.Context, key string, p *domain.Profile) {
	if s.cache == nil || key == "" {
		return
	}
	if err := s.cache.Set(ctx, key, p, s.ttl); err != nil {
		trace.SpanFromContext(ctx).RecordError(fmt.Errorf("cache profile: %w", err))
	}
}

// cacheKey scopes entries to the session, or to the identity for fallback
// credentials. Empty means do not cache.
func cacheKey(cred *domain.LiveCredential) string {
	switch {
	case cred.SessionID != "":
		return "profile:" + cred.SessionID
	case cred.IdentityID != "" && cred.IdentityID != domain.UnresolvedIdentity:
		return "profile:identity:" + cred.IdentityID
	default:
		return ""
	}
}

func summarize(m domain.Membership, data *domain.ProfileData) *domain.Profile {
	p := &domain.Profile{
		MembershipID:   m.MembershipID,
		MembershipType: m.MembershipType,
		CharacterIDs:   []string{},
	}
	if data == nil {
		return p
	}
	if data.CharacterIDs != nil {
		p.CharacterIDs = data.CharacterIDs
	}
	for _, ch := range data.Characters {
		if ch.Light > p.HighestPower {
			p.HighestPower = ch.Light
		}
	}
	return p
}
