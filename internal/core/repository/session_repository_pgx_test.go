package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/session-service/internal/core/domain"
)

const testSessionID = "6f1c2a8e-3b4d-4c5e-9f60-7a8b9c0d1e2f"

func newPgxRepo(t *testing.T) (*PgxSessionRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewSessionRepository(mock), mock
}

func TestPgxGet(t *testing.T) {
	t.Run("returns live session", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		expires := time.Now().Add(time.Hour).UTC()
		created := time.Now().Add(-time.Minute).UTC()

		mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND expires_at > now()")).
			WithArgs(testSessionID).
			WillReturnRows(pgxmock.NewRows([]string{"id", "membership_id", "access_token", "refresh_token", "expires_at", "created_at"}).
				AddRow(testSessionID, "4611686018467000000", "access-1", "refresh-1", expires, created))

		s, err := repo.Get(context.Background(), testSessionID)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, testSessionID, s.ID)
		assert.Equal(t, "4611686018467000000", s.IdentityID)
		assert.Equal(t, "access-1", s.AccessToken)
		assert.Equal(t, "refresh-1", s.RefreshToken)
		assert.True(t, s.ExpiresAt.Equal(expires))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("absent or expired is nil", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectQuery("SELECT").WithArgs(testSessionID).WillReturnError(pgx.ErrNoRows)

		s, err := repo.Get(context.Background(), testSessionID)
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("malformed id skips the query", func(t *testing.T) {
		repo, mock := newPgxRepo(t)

		s, err := repo.Get(context.Background(), "not-a-uuid")
		require.NoError(t, err)
		assert.Nil(t, s)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver error is store unavailable", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectQuery("SELECT").WithArgs(testSessionID).WillReturnError(errors.New("connection refused"))

		_, err := repo.Get(context.Background(), testSessionID)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestPgxInsert(t *testing.T) {
	t.Run("stores null refresh token when absent", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sessions")).
			WithArgs(pgxmock.AnyArg(), domain.UnresolvedIdentity, "access-1", nil, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		id, err := repo.Insert(context.Background(), domain.UnresolvedIdentity, "access-1", "", time.Hour)
		require.NoError(t, err)
		assert.Len(t, id, 36)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failure is store unavailable", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectExec("INSERT").WillReturnError(errors.New("too many connections"))

		id, err := repo.Insert(context.Background(), "1", "access-1", "refresh-1", time.Hour)
		assert.Empty(t, id)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestPgxInsertWithID(t *testing.T) {
	t.Run("creates missing row", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO NOTHING")).
			WithArgs(testSessionID, domain.UnresolvedIdentity, "access-1", "refresh-1", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		created, err := repo.InsertWithID(context.Background(), testSessionID, domain.UnresolvedIdentity, "access-1", "refresh-1", time.Hour)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing row is kept", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectExec("INSERT INTO sessions").
			WithArgs(testSessionID, domain.UnresolvedIdentity, "access-1", nil, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		created, err := repo.InsertWithID(context.Background(), testSessionID, domain.UnresolvedIdentity, "access-1", "", time.Hour)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("failure is store unavailable", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectExec("INSERT").WillReturnError(errors.New("connection reset"))

		_, err := repo.InsertWithID(context.Background(), testSessionID, "1", "access-1", "", time.Hour)
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestPgxUpdateTokens(t *testing.T) {
	expires := time.Now().Add(time.Hour)

	t.Run("swaps when previous token matches", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND access_token = $2")).
			WithArgs(testSessionID, "old-access", "new-access", "new-refresh", expires).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err := repo.UpdateTokens(context.Background(), testSessionID, "old-access", "new-access", "new-refresh", expires)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no matching row is stale", func(t *testing.T) {
		repo, mock := newPgxRepo(t)
		mock.ExpectExec("UPDATE sessions").
			WithArgs(testSessionID, "old-access", "new-access", "new-refresh", expires).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := repo.UpdateTokens(context.Background(), testSessionID, "old-access", "new-access", "new-refresh", expires)
		assert.ErrorIs(t, err, domain.ErrStaleTokens)
		assert.NotErrorIs(t, err, domain.ErrStoreUnavailable)
	})
}

func TestPgxUpdateIdentity(t *testing.T) {
	repo, mock := newPgxRepo(t)
	mock.ExpectExec(regexp.QuoteMeta("SET membership_id = $2 WHERE id = $1 AND membership_id = $3")).
		WithArgs(testSessionID, "123", domain.UnresolvedIdentity).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE sessions").
		WithArgs(testSessionID, "123", domain.UnresolvedIdentity).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.UpdateIdentity(context.Background(), testSessionID, "123"))
	require.NoError(t, repo.UpdateIdentity(context.Background(), testSessionID, "123"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
