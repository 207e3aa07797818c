package v1

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duynhne/session-service/internal/core/domain"
)

// fakeStore is an in-memory SessionStore with switchable failure.
type fakeStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	seq      int
	now      func() time.Time

	down          atomic.Bool
	updateErr     error
	inserts       atomic.Int32
	updateCalls   atomic.Int32
	identityCalls atomic.Int32
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{sessions: make(map[string]domain.Session), now: now}
}

func (s *fakeStore) Get(_ context.Context, id string) (*domain.Session, error) {
	if s.down.Load() {
		return nil, fmt.Errorf("get: %w", domain.ErrStoreUnavailable)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &sess, nil
}

func (s *fakeStore) Insert(_ context.Context, identityID, access, refresh string, expiresIn time.Duration) (string, error) {
	if s.down.Load() {
		return "", fmt.Errorf("insert: %w", domain.ErrStoreUnavailable)
	}
	s.inserts.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sess-%d", s.seq)
	s.sessions[id] = domain.Session{
		ID:           id,
		IdentityID:   identityID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    s.now().Add(expiresIn),
		CreatedAt:    s.now(),
	}
	return id, nil
}

func (s *fakeStore) InsertWithID(_ context.Context, id, identityID, access, refresh string, expiresIn time.Duration) (bool, error) {
	if s.down.Load() {
		return false, fmt.Errorf("insert: %w", domain.ErrStoreUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return false, nil
	}
	s.inserts.Add(1)
	s.sessions[id] = domain.Session{
		ID:           id,
		IdentityID:   identityID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    s.now().Add(expiresIn),
		CreatedAt:    s.now(),
	}
	return true, nil
}

func (s *fakeStore) UpdateTokens(_ context.Context, id, prevAccess, access, refresh string, expiresAt time.Time) error {
	s.updateCalls.Add(1)
	if s.down.Load() {
		return fmt.Errorf("update tokens: %w", domain.ErrStoreUnavailable)
	}
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.AccessToken != prevAccess {
		return domain.ErrStaleTokens
	}
	sess.AccessToken = access
	sess.RefreshToken = refresh
	sess.ExpiresAt = expiresAt
	s.sessions[id] = sess
	return nil
}

func (s *fakeStore) UpdateIdentity(_ context.Context, id, identityID string) error {
	s.identityCalls.Add(1)
	if s.down.Load() {
		return fmt.Errorf("update identity: %w", domain.ErrStoreUnavailable)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok && sess.IdentityID == domain.UnresolvedIdentity {
		sess.IdentityID = identityID
		s.sessions[id] = sess
	}
	return nil
}

func (s *fakeStore) Ping(context.Context) error {
	if s.down.Load() {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (s *fakeStore) put(sess domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *fakeStore) session(id string) domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// fakeExchanger returns canned responses and counts calls.
type fakeExchanger struct {
	mu           sync.Mutex
	codeTokens   *domain.TokenSet
	codeErr      error
	refreshFn    func(refreshToken string) (*domain.TokenSet, error)
	codeCalls    int
	refreshCalls atomic.Int32
}

func (e *fakeExchanger) AuthorizationURL(state string) string {
	return "https://provider.example.com/authorize?" + url.Values{"state": {state}}.Encode()
}

func (e *fakeExchanger) ExchangeCode(_ context.Context, code string) (*domain.TokenSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codeCalls++
	if code == "" {
		return nil, domain.ErrMissingCode
	}
	if e.codeErr != nil {
		return nil, e.codeErr
	}
	t := *e.codeTokens
	return &t, nil
}

func (e *fakeExchanger) RefreshToken(_ context.Context, refreshToken string) (*domain.TokenSet, error) {
	e.refreshCalls.Add(1)
	return e.refreshFn(refreshToken)
}

// fakePlatform serves fixed memberships and profile data.
type fakePlatform struct {
	memberships    []domain.Membership
	membershipsErr error
	profile        *domain.ProfileData
	profileErr     error
	calls          atomic.Int32
}

func (p *fakePlatform) GetMemberships(context.Context, *domain.LiveCredential) ([]domain.Membership, error) {
	p.calls.Add(1)
	return p.memberships, p.membershipsErr
}

func (p *fakePlatform) GetProfile(context.Context, *domain.LiveCredential, int, string) (*domain.ProfileData, error) {
	p.calls.Add(1)
	return p.profile, p.profileErr
}

// fakeCache is an in-memory ProfileCache ignoring TTLs.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]domain.Profile
	err     error
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]domain.Profile)}
}

func (c *fakeCache) Get(_ context.Context, key string) (*domain.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	p, ok := c.entries[key]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return &p, nil
}

func (c *fakeCache) Set(_ context.Context, key string, p *domain.Profile, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.entries[key] = *p
	return nil
}

// fixedClock is a settable clock shared by the manager and the fake store.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
