package domain

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by ProfileCache.Get when no entry exists.
var ErrCacheMiss = errors.New("profile cache miss")

// Membership is one platform membership of the signed-in user.
type Membership struct {
	MembershipID   string `json:"membershipId"`
	MembershipType int    `json:"membershipType"`
	DisplayName    string `json:"displayName,omitempty"`
}

// Profile is the summary returned by /me/profile.
type Profile struct {
	MembershipID   string   `json:"membershipId"`
	MembershipType int      `json:"membershipType"`
	CharacterIDs   []string `json:"characterIds"`
	HighestPower   int      `json:"highestPower"`
}

// ProfileCache memoizes profile summaries. Implementations may be remote; callers
// treat every error as a miss.
type ProfileCache interface {
	Get(ctx context.Context, key string) (*Profile, error)
	Set(ctx context.Context, key string, profile *Profile, ttl time.Duration) error
}

// CharacterSummary is the subset of a platform character record we use.
type CharacterSummary struct {
	CharacterID string
	Light       int
}

// ProfileData is the subset of the platform profile response we use.
type ProfileData struct {
	CharacterIDs []string
	Characters   []CharacterSummary
}

// PlatformAPI is the provider's authenticated platform API.
type PlatformAPI interface {
	GetMemberships(ctx context.Context, cred *LiveCredential) ([]Membership, error)
	GetProfile(ctx context.Context, cred *LiveCredential, membershipType int, membershipID string) (*ProfileData, error)
}
