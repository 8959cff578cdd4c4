package chat

import (
	"time"

	"gorm.io/datatypes"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
)

type Session struct {
	ID            uint64                      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID     string                      `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	LearnerID     string                      `gorm:"type:varchar(64);index:idx_chat_sess_owner,priority:1;not null" json:"learner_id"`
	TenantID      string                      `gorm:"type:varchar(64);index:idx_chat_sess_owner,priority:2;not null" json:"tenant_id"`
	Title         string                      `gorm:"type:varchar(255)" json:"title"`
	VideoIDs      datatypes.JSONSlice[string] `json:"video_ids"`
	Provider      string                      `gorm:"type:varchar(32);not null" json:"provider"`
	Model         string                      `gorm:"type:varchar(64)" json:"model"`
	MessageSeq    int64                       `gorm:"not null;default:0" json:"-"`
	LastMessageAt *time.Time                  `json:"last_message_at"`
	CreatedAt     time.Time                   `json:"created_at"`
	UpdatedAt     time.Time                   `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

const (
	FinishStop      = "stop"
	FinishTruncated = "truncated"
	FinishDeclined  = "declined"
	FinishCached    = "cached"
)

// MessageMetadata is the closed set of extra facts recorded per message.
type MessageMetadata struct {
	RequestID         string   `json:"request_id,omitempty"`
	RetrievedChunkIDs []string `json:"retrieved_chunk_ids,omitempty"`
	Grounded          bool     `json:"grounded,omitempty"`
	Truncated         bool     `json:"truncated,omitempty"`
	FinishReason      string   `json:"finish_reason,omitempty"`
}

// Message rows are append-only; Seq is the per-session order key.
type Message struct {
	ID           uint64                                       `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID    string                                       `gorm:"type:varchar(26);not null;uniqueIndex:uniq_chat_msg_seq,priority:1" json:"session_id"`
	Seq          int64                                        `gorm:"not null;uniqueIndex:uniq_chat_msg_seq,priority:2" json:"seq"`
	LearnerID    string                                       `gorm:"type:varchar(64);index;not null" json:"-"`
	Role         string                                       `gorm:"type:varchar(16);not null" json:"role"`
	Content      string                                       `gorm:"type:text;not null" json:"content"`
	References   datatypes.JSONSlice[retrieval.VideoReference] `json:"video_references"`
	InputTokens  int                                          `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens int                                          `gorm:"not null;default:0" json:"output_tokens"`
	Model        string                                       `gorm:"type:varchar(128)" json:"model,omitempty"`
	LatencyMs    int64                                        `gorm:"not null;default:0" json:"latency_ms"`
	CostMicros   int64                                        `gorm:"not null;default:0" json:"-"`
	CacheHit     bool                                         `gorm:"not null;default:false" json:"cache_hit"`
	Metadata     datatypes.JSONType[MessageMetadata]          `json:"metadata"`
	CreatedAt    time.Time                                    `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
