package billing

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OwnerType string

const (
	OwnerUser OwnerType = "user"
	OwnerTeam OwnerType = "team"
)

// Owner is the billing principal a usage row is keyed on.
type Owner struct {
	Type OwnerType
	ID   uuid.UUID
}

// OwnerFor returns the team when teamID is set, otherwise the user.
func OwnerFor(userID uuid.UUID, teamID *uuid.UUID) Owner {
	if teamID != nil && *teamID != uuid.Nil {
		return Owner{Type: OwnerTeam, ID: *teamID}
	}
	return Owner{Type: OwnerUser, ID: userID}
}

func (o Owner) String() string { return string(o.Type) + ":" + o.ID.String() }

type UsageKind string

const (
	UsageVideos   UsageKind = "videos"
	UsageRenders  UsageKind = "renders"
	UsageAPICalls UsageKind = "api_calls"
)

// Column returns the counter column for k, or "" for unknown kinds.
func (k UsageKind) Column() string {
	switch k {
	case UsageVideos:
		return "videos_count"
	case UsageRenders:
		return "renders_count"
	case UsageAPICalls:
		return "api_calls_count"
	default:
		return ""
	}
}

type UsageRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerType     OwnerType `gorm:"column:owner_type;not null;uniqueIndex:idx_usage_record_owner_period,priority:1" json:"owner_type"`
	OwnerID       uuid.UUID `gorm:"type:uuid;column:owner_id;not null;uniqueIndex:idx_usage_record_owner_period,priority:2" json:"owner_id"`
	PeriodStart   time.Time `gorm:"type:date;column:period_start;not null;uniqueIndex:idx_usage_record_owner_period,priority:3" json:"period_start"`
	VideosCount   int64     `gorm:"column:videos_count;not null;default:0" json:"videos_count"`
	RendersCount  int64     `gorm:"column:renders_count;not null;default:0" json:"renders_count"`
	APICallsCount int64     `gorm:"column:api_calls_count;not null;default:0" json:"api_calls_count"`
	RenderSeconds float64   `gorm:"column:render_seconds;not null;default:0" json:"render_seconds"`
	RenderPixels  int64     `gorm:"column:render_pixels;not null;default:0" json:"render_pixels"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (UsageRecord) TableName() string { return "usage_record" }

func (u *UsageRecord) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// Count returns the counter for kind.
func (u *UsageRecord) Count(kind UsageKind) int64 {
	if u == nil {
		return 0
	}
	switch kind {
	case UsageVideos:
		return u.VideosCount
	case UsageRenders:
		return u.RendersCount
	case UsageAPICalls:
		return u.APICallsCount
	default:
		return 0
	}
}

// PeriodStart is the first calendar day of t's month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
