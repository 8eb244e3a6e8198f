package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// TaskStatus enumerates the lifecycle states of a TaskModel.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// TaskModel is the persisted representation of a single ingestion job.
// Parent tasks (created by the splitter) carry IsParent=true and track
// fan-in progress via ChildCount/ChildCompleted; child tasks carry
// ParentTaskID and a ChunkInfo describing their page range.
type TaskModel struct {
	bun.BaseModel `bun:"table:tasks,alias:t"`

	TaskID     uuid.UUID  `bun:"task_id,pk,type:uuid" json:"task_id"`
	UserID     *uuid.UUID `bun:"user_id,type:uuid" json:"user_id,omitempty"`
	FileName   string     `bun:"file_name,notnull" json:"file_name"`
	FilePath   string     `bun:"file_path,notnull" json:"file_path"`
	Backend    string     `bun:"backend,notnull" json:"backend"`
	Status     TaskStatus `bun:"status,notnull" json:"status"`
	Priority   int        `bun:"priority,notnull,default:0" json:"priority"`
	Options    JSONBMap   `bun:"options,type:jsonb" json:"options,omitempty"`
	ChunkInfo  *ChunkInfo `bun:"chunk_info,type:jsonb" json:"chunk_info,omitempty"`
	ResultPath string     `bun:"result_path" json:"result_path,omitempty"`
	ErrorMsg   string     `bun:"error_message" json:"error_message,omitempty"`
	WorkerID   string     `bun:"worker_id" json:"worker_id,omitempty"`
	RetryCount int        `bun:"retry_count,notnull,default:0" json:"retry_count"`

	IsParent       bool       `bun:"is_parent,notnull,default:false" json:"is_parent"`
	ParentTaskID   *uuid.UUID `bun:"parent_task_id,type:uuid" json:"parent_task_id,omitempty"`
	ChildCount     int        `bun:"child_count,notnull,default:0" json:"child_count"`
	ChildCompleted int        `bun:"child_completed,notnull,default:0" json:"child_completed"`

	// ImagesUploaded records whether the Output Normalizer has already
	// rewritten/relocated this task's images, making normalization
	// idempotent across retried or re-requested finalize calls.
	ImagesUploaded bool `bun:"images_uploaded,notnull,default:false" json:"images_uploaded"`

	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
	StartedAt   *time.Time `bun:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `bun:"completed_at" json:"completed_at,omitempty"`
}

// ChunkInfo describes the page range a split child task is responsible for.
type ChunkInfo struct {
	StartPage int `json:"start_page"`
	EndPage   int `json:"end_page"`
	PageCount int `json:"page_count"`
}

// Value implements driver.Valuer so ChunkInfo can be stored as jsonb.
func (c *ChunkInfo) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner for ChunkInfo jsonb columns.
func (c *ChunkInfo) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("failed to scan ChunkInfo: unexpected type")
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, c)
}

// QueueStats summarizes pending/processing counts for monitoring.
type QueueStats struct {
	Pending        int  `json:"pending"`
	Processing     int  `json:"processing"`
	Completed      int  `json:"completed"`
	Failed         int  `json:"failed"`
	RedisConnected bool `json:"redis_connected"`
}
