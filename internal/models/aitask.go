package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AiTaskState enumerates the auxiliary task state machine.
type AiTaskState string

const (
	AiTaskQueued    AiTaskState = "Queued"
	AiTaskAssigned  AiTaskState = "Assigned"
	AiTaskStarted   AiTaskState = "Started"
	AiTaskExecuted  AiTaskState = "Executed"
	AiTaskCompleted AiTaskState = "Completed"
	AiTaskFailed    AiTaskState = "Failed"
)

// AiTaskType distinguishes the task shapes sharing the state machine.
type AiTaskType string

const (
	AiTaskTypeGenerate AiTaskType = "OllamaGenerate"
	AiTaskTypeChat     AiTaskType = "OpenAiChat"
	AiTaskTypeCaption  AiTaskType = "Caption"
)

// AiTask is one auxiliary model task (captioning, chat, generate)
// routed to agents by supported model name rather than workflow
// capability. DeviceID pins the task when set at creation.
type AiTask struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type       AiTaskType     `gorm:"type:text;index;not null" json:"type"`
	UserID     string         `gorm:"type:uuid;index;not null" json:"user_id"`
	Model      string         `gorm:"type:text;index;not null" json:"model"`
	DeviceID   *string        `gorm:"type:text;index" json:"device_id,omitempty"`
	State      AiTaskState    `gorm:"type:text;index;not null" json:"state"`
	Request    datatypes.JSON `gorm:"type:json" json:"request,omitempty"`
	Response   datatypes.JSON `gorm:"type:json" json:"response,omitempty"`
	Callback   string         `gorm:"type:text" json:"callback,omitempty"`
	Error      *string        `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time      `gorm:"index;not null" json:"created_at"`
	ModifiedAt time.Time      `gorm:"autoUpdateTime;not null" json:"modified_at"`
}

// Terminal reports whether the task reached a final state.
func (t *AiTask) Terminal() bool {
	return t.State == AiTaskCompleted || t.State == AiTaskFailed
}

type AiTasks []*AiTask
