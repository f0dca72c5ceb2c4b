package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID            string    `gorm:"primaryKey"`
	Email         string    `gorm:"uniqueIndex;not null"`
	Name          string    `gorm:"not null"`
	PasswordHash  string    `gorm:"not null"`
	Role          string    `gorm:"not null"`
	VerifiedEmail bool      `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

type ProjectModel struct {
	ID           string         `gorm:"primaryKey"`
	Title        string         `gorm:"not null"`
	Description  string         `gorm:"type:text;not null"`
	Tags         datatypes.JSON `gorm:"type:jsonb"`
	CoverImage   *string
	ExternalLink *string
	Published    bool           `gorm:"not null;index"`
	Images       datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time      `gorm:"not null;index"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

type ImageModel struct {
	ID               string `gorm:"primaryKey"`
	Filename         string `gorm:"uniqueIndex;not null"`
	OriginalFilename string `gorm:"not null"`
	URL              string `gorm:"not null"`
	AltText          string
	Size             int64     `gorm:"not null"`
	OwnerID          string    `gorm:"not null;index"`
	UploadedAt       time.Time `gorm:"not null;index"`
}

type AuditLogModel struct {
	ID        string         `gorm:"primaryKey"`
	Action    string         `gorm:"not null;index"`
	UserID    string         `gorm:"index"`
	Details   datatypes.JSON `gorm:"type:jsonb"`
	Timestamp time.Time      `gorm:"not null;index"`
}
