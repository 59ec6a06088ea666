package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIKey authenticates programmatic callers of the render API. Only the
// sha256 of the raw key is stored.
type APIKey struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TeamID     *uuid.UUID     `gorm:"type:uuid;index" json:"team_id,omitempty"`
	PlanID     string         `gorm:"column:plan_id;not null;default:'free'" json:"plan_id"`
	Name       string         `gorm:"column:name" json:"name"`
	Prefix     string         `gorm:"column:prefix;not null" json:"prefix"`
	KeyHash    string         `gorm:"column:key_hash;not null;uniqueIndex" json:"-"`
	RevokedAt  *time.Time     `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	LastUsedAt *time.Time     `gorm:"column:last_used_at" json:"last_used_at,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

func (APIKey) TableName() string { return "api_key" }

func (k *APIKey) BeforeCreate(*gorm.DB) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	return nil
}

func (k *APIKey) Revoked() bool { return k != nil && k.RevokedAt != nil }

// HashKey is the lookup hash stored in key_hash.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
