package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	ID             string  `gorm:"primaryKey"`
	GoogleID       *string `gorm:"uniqueIndex"`
	PhoneNumber    *string `gorm:"uniqueIndex"`
	Email          string  `gorm:"uniqueIndex;not null"`
	EmailVerified  bool    `gorm:"not null;default:false"`
	PhoneVerified  bool    `gorm:"not null;default:false"`
	Name           string  `gorm:"not null"`
	Image          string
	AuthMethod     string         `gorm:"not null"`
	LastLogin      time.Time      `gorm:"not null"`
	LoginHistory   datatypes.JSON `gorm:"type:jsonb"`
	FailedAttempts int            `gorm:"not null;default:0"`
	LockedUntil    *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time
}

type SessionModel struct {
	Token     string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

type ThreadModel struct {
	ThreadID  string    `gorm:"primaryKey"`
	UserID    *string   `gorm:"index"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index"`
}

type MessageModel struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	ThreadID  string    `gorm:"not null;index"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type UploadModel struct {
	ID            string  `gorm:"primaryKey"`
	UserID        *string `gorm:"index"`
	ThreadID      string  `gorm:"not null;index"`
	Filename      string  `gorm:"uniqueIndex;not null"`
	OriginalName  string  `gorm:"not null"`
	MIMEType      string  `gorm:"not null"`
	Size          int64   `gorm:"not null"`
	StorageKey    string  `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"type:jsonb"`
	ExtractedText string         `gorm:"type:text"`
	UploadedAt    time.Time      `gorm:"not null;index"`
}
