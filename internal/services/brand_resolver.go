package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	brandrepo "github.com/yungbote/rendivia-backend/internal/data/repos/brand"
	"github.com/yungbote/rendivia-backend/internal/domain/brand"
	"github.com/yungbote/rendivia-backend/internal/platform/dbctx"
	"github.com/yungbote/rendivia-backend/internal/platform/logger"
)

var ErrBrandNotFound = errors.New("brand not found")

type BrandResolver interface {
	// Resolve looks ref up as a brand id, then as a brand name, within the
	// caller's team and personal brands. An empty ref resolves to nil.
	Resolve(dbc dbctx.Context, ref string, userID uuid.UUID, teamID *uuid.UUID) (*brand.BrandProfile, error)
}

type brandResolver struct {
	log  *logger.Logger
	repo brandrepo.BrandProfileRepo
}

func NewBrandResolver(baseLog *logger.Logger, repo brandrepo.BrandProfileRepo) BrandResolver {
	return &brandResolver{log: baseLog.With("service", "BrandResolver"), repo: repo}
}

func (r *brandResolver) Resolve(dbc dbctx.Context, ref string, userID uuid.UUID, teamID *uuid.UUID) (*brand.BrandProfile, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	if id, err := uuid.Parse(ref); err == nil {
		b, err := r.repo.GetByIDForOwner(dbc, id, userID, teamID)
		if err != nil {
			return nil, fmt.Errorf("load brand %s: %w", id, err)
		}
		if b != nil {
			return b, nil
		}
	}
	b, err := r.repo.GetByNameForOwner(dbc, ref, userID, teamID)
	if err != nil {
		return nil, fmt.Errorf("load brand %q: %w", ref, err)
	}
	if b == nil {
		return nil, ErrBrandNotFound
	}
	return b, nil
}
