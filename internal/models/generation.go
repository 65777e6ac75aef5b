package models

import (
	"time"

	"github.com/comfygate/comfygate/pkg/jsonmap"
	"gorm.io/datatypes"
)

// StatusUpdate enumerates the lifecycle states of a workflow generation.
type StatusUpdate string

const (
	StatusInAgentsPool        StatusUpdate = "InAgentsPool"
	StatusAssignedToAgent     StatusUpdate = "AssignedToAgent"
	StatusGenerationStarted   StatusUpdate = "GenerationStarted"
	StatusGenerationCompleted StatusUpdate = "GenerationCompleted"
	StatusGenerationFailed    StatusUpdate = "GenerationFailed"
	StatusReAddedToAgentsPool StatusUpdate = "ReAddedToAgentsPool"
)

// Generation is one request to execute a generation workflow on an agent.
// DeviceID is set only while the generation is outstanding with that
// device. A generation with a non-null result or error is terminal and
// is never dispatched again.
type Generation struct {
	ID             string            `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         string            `gorm:"type:uuid;index;not null" json:"user_id"`
	DeviceID       *string           `gorm:"type:text;index" json:"device_id,omitempty"`
	PromptID       *string           `gorm:"type:text" json:"prompt_id,omitempty"`
	WorkflowRef    string            `gorm:"type:text;not null" json:"workflow_ref"`
	Args           datatypes.JSONMap `gorm:"type:json" json:"args,omitempty"`
	Prompt         datatypes.JSONMap `gorm:"type:json" json:"prompt,omitempty"`
	RequiredNodes  datatypes.JSON    `gorm:"type:json" json:"required_nodes,omitempty"`
	RequiredAssets datatypes.JSON    `gorm:"type:json" json:"required_assets,omitempty"`
	Inputs         datatypes.JSON    `gorm:"type:json" json:"inputs,omitempty"`
	Result         datatypes.JSON    `gorm:"type:json" json:"result,omitempty"`
	Error          *string           `gorm:"type:text" json:"error,omitempty"`
	Status         StatusUpdate      `gorm:"type:text;index;not null" json:"status"`
	WebhookURL     *string           `gorm:"type:text" json:"webhook_url,omitempty"`
	Credits        int64             `gorm:"not null;default:0" json:"credits"`
	Deleted        bool              `gorm:"index;not null;default:false" json:"deleted"`
	CreatedBy      string            `gorm:"type:text" json:"created_by"`
	ModifiedBy     string            `gorm:"type:text" json:"modified_by"`
	CreatedAt      time.Time         `gorm:"index;not null" json:"created_at"`
	ModifiedAt     time.Time         `gorm:"autoUpdateTime;index;not null" json:"modified_at"`
}

// Terminal reports whether the generation holds a result or an error.
func (g *Generation) Terminal() bool {
	return len(g.Result) > 0 || g.Error != nil
}

// RequiredNodeTypes decodes the required node type set.
func (g *Generation) RequiredNodeTypes() []string {
	return jsonmap.ToStringSlice(g.RequiredNodes)
}

// RequiredAssetPaths decodes the required "<category>/<filename>" set.
func (g *Generation) RequiredAssetPaths() []string {
	return jsonmap.ToStringSlice(g.RequiredAssets)
}

// InputFiles decodes the input file references attached at submission.
func (g *Generation) InputFiles() []string {
	return jsonmap.ToStringSlice(g.Inputs)
}

// Device returns the assigned device id, or "" when unassigned.
func (g *Generation) Device() string {
	if g.DeviceID == nil {
		return ""
	}
	return *g.DeviceID
}

type Generations []*Generation
