package retrieval

import (
	"time"

	"gorm.io/datatypes"
)

// Video is owned by the upload/transcription pipeline; only the fields needed
// for citations are mapped here.
type Video struct {
	ID              string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	TenantID        string    `gorm:"type:varchar(64);index;not null" json:"tenant_id"`
	CourseID        string    `gorm:"type:varchar(64);index" json:"course_id"`
	Title           string    `gorm:"type:varchar(255);not null" json:"title"`
	DurationSeconds float64   `gorm:"not null;default:0" json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Video) TableName() string { return "videos" }

// Chunk is a time-bounded span of a video's transcript with its embedding.
type Chunk struct {
	ID           string                      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	VideoID      string                      `gorm:"type:varchar(64);index;not null" json:"video_id"`
	Seq          int                         `gorm:"not null;default:0" json:"seq"`
	Text         string                      `gorm:"type:text;not null" json:"text"`
	StartSeconds float64                     `gorm:"not null" json:"start_seconds"`
	EndSeconds   float64                     `gorm:"not null" json:"end_seconds"`
	Embedding    datatypes.JSONSlice[float32] `json:"-"`
	CreatedAt    time.Time                   `json:"created_at"`
}

func (Chunk) TableName() string { return "video_chunks" }

// RetrievedChunk is produced per request and never stored on its own.
type RetrievedChunk struct {
	ChunkID       string  `json:"chunkID"`
	VideoID       string  `json:"videoID"`
	VideoTitle    string  `json:"videoTitle"`
	VideoDuration float64 `json:"videoDuration"`
	Text          string  `json:"text"`
	StartSeconds  float64 `json:"startSeconds"`
	EndSeconds    float64 `json:"endSeconds"`
	Similarity    float64 `json:"similarity"`
}

// VideoReference is a citation of a video at a point in time.
type VideoReference struct {
	VideoID   string  `json:"videoID"`
	Timestamp float64 `json:"timestamp"`
	Title     string  `json:"title"`
}
