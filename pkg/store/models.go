package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type VideoModel struct {
	ID              string `gorm:"primaryKey"`
	OwnerID         string `gorm:"not null;index"`
	Title           string `gorm:"not null"`
	Description     string
	URL             string `gorm:"column:url;not null"`
	StorageKey      string
	ThumbnailURL    string                      `gorm:"column:thumbnail_url"`
	FrameURLs       datatypes.JSONSlice[string] `gorm:"column:frame_urls"`
	DurationSeconds int
	IsProcessed     bool      `gorm:"not null;default:false"`
	IsRemoved       bool      `gorm:"not null;default:false;index"`
	ProcessingError string    `gorm:"type:text"`
	IngestJobID     string    `gorm:"column:ingest_job_id"`
	CreatedAt       time.Time `gorm:"not null;index"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type FrameAnalysisModel struct {
	ID          string    `gorm:"primaryKey"`
	VideoID     string    `gorm:"not null;uniqueIndex:idx_frame_analysis_key,priority:1"`
	Position    int       `gorm:"not null;uniqueIndex:idx_frame_analysis_key,priority:2"`
	FrameURL    string    `gorm:"column:frame_url;not null;uniqueIndex:idx_frame_analysis_key,priority:3"`
	Description string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type ConversationModel struct {
	ID        string    `gorm:"primaryKey"`
	VideoID   string    `gorm:"not null;uniqueIndex:idx_conversation_video_user,priority:1"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_conversation_video_user,priority:2"`
	CreatedAt time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID             string    `gorm:"primaryKey"`
	ConversationID string    `gorm:"not null;index"`
	Role           string    `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null;index"`
}
