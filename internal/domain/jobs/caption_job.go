package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CaptionJob burns captions into a user-uploaded video.
type CaptionJob struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TeamID          *uuid.UUID     `gorm:"type:uuid;index" json:"team_id,omitempty"`
	SourceVideoURL  string         `gorm:"column:source_video_url;not null" json:"source_video_url"`
	Composition     string         `gorm:"column:composition;not null;default:'CaptionedVideo'" json:"composition"`
	Captions        datatypes.JSON `gorm:"column:captions;type:jsonb" json:"captions"`
	Timeline        datatypes.JSON `gorm:"column:timeline;type:jsonb" json:"timeline"`
	Style           datatypes.JSON `gorm:"column:style;type:jsonb" json:"style"`
	DurationSeconds float64        `gorm:"column:duration_seconds;not null;default:0" json:"duration_seconds"`
	Resolution      string         `gorm:"column:resolution" json:"resolution,omitempty"`
	// Watermark is stamped from the owner's plan each time a render is requested.
	Watermark bool `gorm:"column:watermark;not null;default:false" json:"watermark"`
	RenderState
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (CaptionJob) TableName() string { return "caption_job" }

func (j *CaptionJob) BeforeCreate(*gorm.DB) error {
	newID(&j.ID)
	return nil
}
