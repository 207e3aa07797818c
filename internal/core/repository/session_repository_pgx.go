package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duynhne/session-service/internal/core/domain"
)

// PgxPool is the subset of *pgxpool.Pool the repository uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PgxSessionRepository implements domain.SessionStore using pgxpool.
type PgxSessionRepository struct {
	pool PgxPool
}

var _ domain.SessionStore = (*PgxSessionRepository)(nil)

// NewSessionRepository creates a new PgxSessionRepository.
func NewSessionRepository(pool PgxPool) *PgxSessionRepository {
	return &PgxSessionRepository{pool: pool}
}

// Get returns the live session with the given id.
// Returns (nil, nil) when the id is unknown, malformed, or expired.
func (r *PgxSessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	query := `
		SELECT id::text, membership_id, access_token, COALESCE(refresh_token, ''), expires_at, created_at
		FROM sessions
		WHERE id = $1 AND expires_at > now()
	`

	var s domain.Session
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.IdentityID, &s.AccessToken, &s.RefreshToken, &s.ExpiresAt, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return &s, nil
}

// Insert creates a session and returns its generated id.
func (r *PgxSessionRepository) Insert(ctx context.Context, identityID, accessToken, refreshToken string, expiresIn time.Duration) (string, error) {
	query := `
		INSERT INTO sessions (id, membership_id, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	id := uuid.NewString()
	expiresAt := time.Now().Add(expiresIn)
	if _, err := r.pool.Exec(ctx, query, id, identityID, accessToken, nullable(refreshToken), expiresAt); err != nil {
		return "", fmt.Errorf("insert session: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return id, nil
}

// InsertWithID creates a session under id unless one already exists.
func (r *PgxSessionRepository) InsertWithID(ctx context.Context, id, identityID, accessToken, refreshToken string, expiresIn time.Duration) (bool, error) {
	query := `
		INSERT INTO sessions (id, membership_id, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	expiresAt := time.Now().Add(expiresIn)
	tag, err := r.pool.Exec(ctx, query, id, identityID, accessToken, nullable(refreshToken), expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert session %s: %w: %w", id, domain.ErrStoreUnavailable, err)
	}

	return tag.RowsAffected() == 1, nil
}

// UpdateTokens swaps the token pair only if the stored access token is still
// prevAccessToken, so a slower refresh cannot clobber a fresher one.
func (r *PgxSessionRepository) UpdateTokens(ctx context.Context, id, prevAccessToken, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE sessions
		SET access_token = $3, refresh_token = $4, expires_at = $5
		WHERE id = $1 AND access_token = $2
	`

	tag, err := r.pool.Exec(ctx, query, id, prevAccessToken, accessToken, nullable(refreshToken), expiresAt)
	if err != nil {
		return fmt.Errorf("update session tokens: %w: %w", domain.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update session %s tokens: %w", id, domain.ErrStaleTokens)
	}

	return nil
}

// UpdateIdentity backfills membership_id while it still holds the sentinel.
func (r *PgxSessionRepository) UpdateIdentity(ctx context.Context, id, identityID string) error {
	query := `UPDATE sessions SET membership_id = $2 WHERE id = $1 AND membership_id = $3`

	if _, err := r.pool.Exec(ctx, query, id, identityID, domain.UnresolvedIdentity); err != nil {
		return fmt.Errorf("update session identity: %w: %w", domain.ErrStoreUnavailable, err)
	}

	return nil
}

// Ping checks database connectivity.
func (r *PgxSessionRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
