package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RenderJob is a data-driven template render submitted through the public API.
type RenderJob struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TeamID          *uuid.UUID     `gorm:"type:uuid;index" json:"team_id,omitempty"`
	APIKeyID        *uuid.UUID     `gorm:"type:uuid;column:api_key_id" json:"-"`
	Template        string         `gorm:"column:template;not null;index" json:"template"`
	TemplateVersion string         `gorm:"column:template_version;not null" json:"template_version"`
	Composition     string         `gorm:"column:composition;not null" json:"composition"`
	Input           datatypes.JSON `gorm:"column:input;type:jsonb" json:"input"`
	Props           datatypes.JSON `gorm:"column:props;type:jsonb" json:"-"`
	BrandID         *uuid.UUID     `gorm:"type:uuid;column:brand_id" json:"brand_id,omitempty"`
	DurationSeconds float64        `gorm:"column:duration_seconds;not null;default:0" json:"duration_seconds"`
	Resolution      string         `gorm:"column:resolution;not null" json:"resolution"`
	RenderState
	WebhookURL      string         `gorm:"column:webhook_url" json:"webhook_url,omitempty"`
	WebhookSecret   string         `gorm:"column:webhook_secret" json:"-"`
	WebhookStatus   string         `gorm:"column:webhook_status" json:"webhook_status,omitempty"`
	WebhookError    string         `gorm:"column:webhook_error" json:"webhook_error,omitempty"`
	WebhookAttempts int            `gorm:"column:webhook_attempts;not null;default:0" json:"webhook_attempts"`
	CreatedAt       time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"index" json:"-"`
}

func (RenderJob) TableName() string { return "render_job" }

func (j *RenderJob) BeforeCreate(*gorm.DB) error {
	newID(&j.ID)
	return nil
}
