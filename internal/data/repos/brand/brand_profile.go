package brand

import (
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domain "github.com/yungbote/rendivia-backend/internal/domain/brand"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

type BrandProfileRepo interface {
	GetByIDForOwner(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, teamID *uuid.UUID) (*domain.BrandProfile, error)
	// GetByNameForOwner matches name case-insensitively. Team brands win over
	// personal brands with the same name.
	GetByNameForOwner(dbc dbctx.Context, name string, userID uuid.UUID, teamID *uuid.UUID) (*domain.BrandProfile, error)
}

type brandProfileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBrandProfileRepo(db *gorm.DB, baseLog *logger.Logger) BrandProfileRepo {
	return &brandProfileRepo{db: db, log: baseLog.With("repo", "BrandProfileRepo")}
}

func (r *brandProfileRepo) owned(dbc dbctx.Context, userID uuid.UUID, teamID *uuid.UUID) *gorm.DB {
	q := dbc.DB(r.db)
	if teamID != nil && *teamID != uuid.Nil {
		return q.Where("team_id = ? OR (user_id = ? AND team_id IS NULL)", *teamID, userID)
	}
	return q.Where("user_id = ?", userID)
}

func (r *brandProfileRepo) GetByIDForOwner(dbc dbctx.Context, id uuid.UUID, userID uuid.UUID, teamID *uuid.UUID) (*domain.BrandProfile, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var b domain.BrandProfile
	if err := r.owned(dbc, userID, teamID).Where("id = ?", id).Limit(1).Find(&b).Error; err != nil {
		return nil, err
	}
	if b.ID == uuid.Nil {
		return nil, nil
	}
	return &b, nil
}

func (r *brandProfileRepo) GetByNameForOwner(dbc dbctx.Context, name string, userID uuid.UUID, teamID *uuid.UUID) (*domain.BrandProfile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	var rows []*domain.BrandProfile
	if err := r.owned(dbc, userID, teamID).
		Where("LOWER(name) = ?", strings.ToLower(name)).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	var personal *domain.BrandProfile
	for _, b := range rows {
		if b.TeamID != nil {
			return b, nil
		}
		if personal == nil {
			personal = b
		}
	}
	return personal, nil
}
