package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/duynhne/session-service/internal/core/domain"
)

// sessionRecord is the gorm mapping of the sessions table.
type sessionRecord struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)"`
	MembershipID string    `gorm:"not null"`
	AccessToken  string    `gorm:"not null"`
	RefreshToken *string
	ExpiresAt    time.Time `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (sessionRecord) TableName() string { return "sessions" }

// OpenSQLite opens an embedded sqlite database and migrates the sessions table.
func OpenSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return db, nil
}

// GormSessionRepository implements domain.SessionStore on gorm. It backs local
// development and single-node deployments that run without Postgres.
type GormSessionRepository struct {
	db *gorm.DB
}

var _ domain.SessionStore = (*GormSessionRepository)(nil)

func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	var rec sessionRecord
	err := r.db.WithContext(ctx).
		Where("id = ? AND expires_at > ?", id, time.Now().UTC()).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w: %w", domain.ErrStoreUnavailable, err)
	}

	s := &domain.Session{
		ID:          rec.ID,
		IdentityID:  rec.MembershipID,
		AccessToken: rec.AccessToken,
		ExpiresAt:   rec.ExpiresAt,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.RefreshToken != nil {
		s.RefreshToken = *rec.RefreshToken
	}
	return s, nil
}

func (r *GormSessionRepository) Insert(ctx context.Context, identityID, accessToken, refreshToken string, expiresIn time.Duration) (string, error) {
	rec := newSessionRecord(uuid.NewString(), identityID, accessToken, refreshToken, expiresIn)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return "", fmt.Errorf("insert session: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return rec.ID, nil
}

func (r *GormSessionRepository) InsertWithID(ctx context.Context, id, identityID, accessToken, refreshToken string, expiresIn time.Duration) (bool, error) {
	rec := newSessionRecord(id, identityID, accessToken, refreshToken, expiresIn)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&rec)
	if res.Error != nil {
		return false, fmt.Errorf("insert session %s: %w: %w", id, domain.ErrStoreUnavailable, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func newSessionRecord(id, identityID, accessToken, refreshToken string, expiresIn time.Duration) sessionRecord {
	now := time.Now().UTC()
	rec := sessionRecord{
		ID:           id,
		MembershipID: identityID,
		AccessToken:  accessToken,
		ExpiresAt:    now.Add(expiresIn),
		CreatedAt:    now,
	}
	if refreshToken != "" {
		rec.RefreshToken = &refreshToken
	}
	return rec
}

func (r *GormSessionRepository) UpdateTokens(ctx context.Context, id, prevAccessToken, accessToken, refreshToken string, expiresAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&sessionRecord{}).
		Where("id = ? AND access_token = ?", id, prevAccessToken).
		Updates(map[string]any{
			"access_token":  accessToken,
			"refresh_token": nullable(refreshToken),
			"expires_at":    expiresAt.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update session tokens: %w: %w", domain.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update session %s tokens: %w", id, domain.ErrStaleTokens)
	}
	return nil
}

func (r *GormSessionRepository) UpdateIdentity(ctx context.Context, id, identityID string) error {
	err := r.db.WithContext(ctx).
		Model(&sessionRecord{}).
		Where("id = ? AND membership_id = ?", id, domain.UnresolvedIdentity).
		Update("membership_id", identityID).Error
	if err != nil {
		return fmt.Errorf("update session identity: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *GormSessionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return fmt.Errorf("ping: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}
