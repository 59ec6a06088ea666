package domain

import (
	"github.com/yungbote/rendivia-backend/internal/domain/auth"
	"github.com/yungbote/rendivia-backend/internal/domain/billing"
	"github.com/yungbote/rendivia-backend/internal/domain/brand"
	"github.com/yungbote/rendivia-backend/internal/domain/jobs"
)

// Models lists every table the service migrates.
func Models() []interface{} {
	return []interface{}{
		&auth.APIKey{},
		&brand.BrandProfile{},
		&jobs.CaptionJob{},
		&jobs.RenderJob{},
		&billing.UsageRecord{},
	}
}
