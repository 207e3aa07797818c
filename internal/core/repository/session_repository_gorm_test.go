package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duynhne/session-service/internal/core/domain"
)

func newGormRepo(t *testing.T) *GormSessionRepository {
	t.Helper()
	db, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewGormSessionRepository(db)
}

func TestGormInsertAndGet(t *testing.T) {
	repo := newGormRepo(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, domain.UnresolvedIdentity, "access-1", "refresh-1", time.Hour)
	require.NoError(t, err)

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, domain.UnresolvedIdentity, s.IdentityID)
	assert.Equal(t, "access-1", s.AccessToken)
	assert.Equal(t, "refresh-1", s.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, 5*time.Second)
	assert.False(t, s.IdentityResolved())
}

func TestGormInsertWithID_KeepsExistingRow(t *testing.T) {
	repo := newGormRepo(t)
	ctx := context.Background()
	id := uuid.NewString()

	created, err := repo.InsertWithID(ctx, id, domain.UnresolvedIdentity, "access-1", "refresh-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)
	require.NoError(t, repo.UpdateTokens(ctx, id, "access-1", "access-2", "refresh-2", time.Now().Add(2*time.Hour)))

	created, err = repo.InsertWithID(ctx, id, domain.UnresolvedIdentity, "access-1", "refresh-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "access-2", s.AccessToken, "rotated pair survives a repeated insert")
	assert.Equal(t, "refresh-2", s.RefreshToken)
}

func TestGormGet_ExpiredIsAbsent(t *testing.T) {
	repo := newGormRepo(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, "1", "access-1", "", -time.Second)
	require.NoError(t, err)

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = repo.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestGormUpdateTokens_CompareAndSwap(t *testing.T) {
	repo := newGormRepo(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, "1", "access-1", "refresh-1", time.Minute)
	require.NoError(t, err)

	newExpiry := time.Now().Add(2 * time.Hour)
	require.NoError(t, repo.UpdateTokens(ctx, id, "access-1", "access-2", "refresh-2", newExpiry))

	// A slower refresh that started from access-1 must not win.
	err = repo.UpdateTokens(ctx, id, "access-1", "access-3", "refresh-3", time.Now().Add(3*time.Hour))
	assert.ErrorIs(t, err, domain.ErrStaleTokens)

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "access-2", s.AccessToken)
	assert.Equal(t, "refresh-2", s.RefreshToken)
	assert.WithinDuration(t, newExpiry, s.ExpiresAt, time.Second)
}

func TestGormUpdateIdentity_Idempotent(t *testing.T) {
	repo := newGormRepo(t)
	ctx := context.Background()

	id, err := repo.Insert(ctx, domain.UnresolvedIdentity, "access-1", "", time.Hour)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateIdentity(ctx, id, "123"))
	require.NoError(t, repo.UpdateIdentity(ctx, id, "123"))
	require.NoError(t, repo.UpdateIdentity(ctx, id, "456"))

	s, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "123", s.IdentityID)
	assert.True(t, s.IdentityResolved())
}

func TestGormPing(t *testing.T) {
	repo := newGormRepo(t)
	assert.NoError(t, repo.Ping(context.Background()))
}
