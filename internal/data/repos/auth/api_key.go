package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/yungbote/rendivia-backend/internal/domain/auth"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

type APIKeyRepo interface {
	// GetByRawKey hashes raw and returns the matching key, revoked or not.
	// It returns (nil, nil) when no key matches.
	GetByRawKey(dbc dbctx.Context, raw string) (*domain.APIKey, error)
	TouchLastUsed(dbc dbctx.Context, id uuid.UUID, at time.Time) error
}

type apiKeyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAPIKeyRepo(db *gorm.DB, baseLog *logger.Logger) APIKeyRepo {
	return &apiKeyRepo{db: db, log: baseLog.With("repo", "APIKeyRepo")}
}

func (r *apiKeyRepo) GetByRawKey(dbc dbctx.Context, raw string) (*domain.APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var key domain.APIKey
	if err := dbc.DB(r.db).Where("key_hash = ?", domain.HashKey(raw)).Limit(1).Find(&key).Error; err != nil {
		return nil, err
	}
	if key.ID == uuid.Nil {
		return nil, nil
	}
	return &key, nil
}

func (r *apiKeyRepo) TouchLastUsed(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return nil
	}
	return dbc.DB(r.db).
		Model(&domain.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at).Error
}
