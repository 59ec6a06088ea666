package jobs

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindCaption  Kind = "caption"
	KindTemplate Kind = "template"
)

// Coarse lifecycle written to the status column.
const (
	StatusPending      = "pending"
	StatusTranscribing = "transcribing"
	StatusQueued       = "queued"
	StatusRendering    = "rendering"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Render sub-state written to render_status. The empty string means no render
// has been requested yet.
const (
	RenderStatusNone      = ""
	RenderStatusQueued    = "queued"
	RenderStatusRendering = "rendering"
	RenderStatusCompleted = "completed"
	RenderStatusFailed    = "failed"
)

const (
	WebhookStatusDelivered = "delivered"
	WebhookStatusFailed    = "failed"
)

// InFlightRenderStatuses are the render states that block a new render request.
var InFlightRenderStatuses = []string{RenderStatusQueued, RenderStatusRendering}

func IsTerminalRenderStatus(s string) bool {
	return s == RenderStatusCompleted || s == RenderStatusFailed
}

// RenderState is the lifecycle block shared by both job tables.
type RenderState struct {
	Status            string     `gorm:"column:status;not null;index" json:"status"`
	RenderStatus      string     `gorm:"column:render_status;not null;default:'';index" json:"render_status"`
	RenderID          string     `gorm:"column:render_id" json:"render_id,omitempty"`
	RenderBucket      string     `gorm:"column:render_bucket" json:"-"`
	OutputURL         string     `gorm:"column:output_url" json:"output_url,omitempty"`
	RenderError       string     `gorm:"column:render_error" json:"render_error,omitempty"`
	RenderAttempts    int        `gorm:"column:render_attempts;not null;default:0" json:"render_attempts"`
	RenderStartedAt   *time.Time `gorm:"column:render_started_at" json:"render_started_at,omitempty"`
	RenderHeartbeatAt *time.Time `gorm:"column:render_heartbeat_at;index" json:"-"`
	CompletedAt       *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func newID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}
