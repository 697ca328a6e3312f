package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BlobModel struct {
	ID            string `gorm:"primaryKey"`
	OwnerID       string `gorm:"not null;index"`
	SizeBytes     int64  `gorm:"not null"`
	ContentType   string `gorm:"not null"`
	Filename      string
	Locator       string `gorm:"not null;uniqueIndex"`
	Nonce         []byte `gorm:"not null"`
	OwnerDeviceID string
	CreatedAt     time.Time  `gorm:"not null"`
	DeleteAfter   *time.Time `gorm:"index"`
	DeletingAt    *time.Time `gorm:"index"`
}

type TaskModel struct {
	ID               string  `gorm:"primaryKey"`
	OwnerID          string  `gorm:"not null;index;uniqueIndex:idx_task_owner_idempotency"`
	IdempotencyKey   *string `gorm:"uniqueIndex:idx_task_owner_idempotency"`
	ExternalJobID    *string `gorm:"uniqueIndex"`
	Status           string  `gorm:"not null;index"`
	Phase            string
	Progress         float64
	SourceBlobID     *string `gorm:"index"`
	SourcePairID     *string `gorm:"index"`
	TemplateID       string
	Features         datatypes.JSON `gorm:"type:jsonb"`
	OwnerDeviceID    string
	SealedTranscript []byte
	SealedSummary    []byte
	Preview          string         `gorm:"type:text"`
	Tags             datatypes.JSON `gorm:"type:jsonb"`
	Metrics          datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage     string
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null;index"`
	ProcessingSince  *time.Time `gorm:"index"`
	CompletedAt      *time.Time
	DeleteAfter      *time.Time `gorm:"index"`
}

type TranscriptPairModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	SealedTranscript []byte `gorm:"not null"`
	SealedSummary    []byte
	OwnerDeviceID    string
	CreatedAt        time.Time  `gorm:"not null"`
	DeleteAfter      *time.Time `gorm:"index"`
}

// SystemSettingsModel is a single-row table.
type SystemSettingsModel struct {
	ID                      int `gorm:"primaryKey"`
	MaxUploadBytes          int64
	QuotaBytes              int64
	AudioRetentionDays      int
	TaskRetentionDays       int
	TranscriptRetentionDays int
	UpdatedAt               time.Time
}

type OwnerSettingsModel struct {
	OwnerID                 string `gorm:"primaryKey"`
	QuotaBytes              *int64
	AudioRetentionDays      *int
	TaskRetentionDays       *int
	TranscriptRetentionDays *int
	UpdatedAt               time.Time
}
