package brand

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BrandProfile struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	TeamID         *uuid.UUID     `gorm:"type:uuid;index" json:"team_id,omitempty"`
	Name           string         `gorm:"column:name;not null;index" json:"name"`
	PrimaryColor   string         `gorm:"column:primary_color" json:"primary_color,omitempty"`
	SecondaryColor string         `gorm:"column:secondary_color" json:"secondary_color,omitempty"`
	FontFamily     string         `gorm:"column:font_family" json:"font_family,omitempty"`
	LogoURL        string         `gorm:"column:logo_url" json:"logo_url,omitempty"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (BrandProfile) TableName() string { return "brand_profile" }

func (b *BrandProfile) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
