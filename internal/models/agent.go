package models

import (
	"time"

	"github.com/comfygate/comfygate/pkg/jsonmap"
	"gorm.io/datatypes"
)

// Agent is a registered worker device and its installed capabilities.
// The running/queued id lists mirror whatever the agent last reported
// about itself; the gateway treats them as authoritative for recovery.
type Agent struct {
	DeviceID     string            `gorm:"primaryKey" json:"device_id"`
	UserID       string            `gorm:"type:uuid;index;not null" json:"user_id"`
	Status       string            `gorm:"type:text" json:"status"`
	Error        *string           `gorm:"type:text" json:"error,omitempty"`
	QueueCount   int               `gorm:"not null;default:0" json:"queue_count"`
	Nodes        datatypes.JSON    `gorm:"type:json" json:"nodes,omitempty"`
	Assets       datatypes.JSONMap `gorm:"type:json" json:"assets,omitempty"`
	Models       datatypes.JSON    `gorm:"type:json" json:"models,omitempty"`
	RunningIDs   datatypes.JSON    `gorm:"type:json" json:"running_ids,omitempty"`
	QueuedIDs    datatypes.JSON    `gorm:"type:json" json:"queued_ids,omitempty"`
	GPUs         datatypes.JSON    `gorm:"type:json" json:"gpus,omitempty"`
	LastUpdate   time.Time         `gorm:"index;not null" json:"last_update"`
	CreatedAt    time.Time         `gorm:"not null" json:"created_at"`
	ModifiedAt   time.Time         `gorm:"autoUpdateTime;not null" json:"modified_at"`
}

// GPUInfo describes one device-local GPU as reported at registration.
type GPUInfo struct {
	Name     string `json:"name"`
	MemoryMB int64  `json:"memory_mb"`
}

// ActiveWithin reports whether the agent heartbeat falls inside window.
func (a *Agent) ActiveWithin(window time.Duration, now time.Time) bool {
	return now.Sub(a.LastUpdate) <= window
}

// NodeSet returns the installed node types as a membership set.
func (a *Agent) NodeSet() map[string]struct{} {
	return jsonmap.ToStringSet(a.Nodes)
}

// AssetFiles returns the installed filenames for one asset category.
func (a *Agent) AssetFiles(category string) map[string]struct{} {
	raw, ok := a.Assets[category]
	if !ok {
		return nil
	}

	values, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out[s] = struct{}{}
		}
	}
	return out
}

// ModelSet returns the supported auxiliary model names as a set.
func (a *Agent) ModelSet() map[string]struct{} {
	return jsonmap.ToStringSet(a.Models)
}

// HeldJobIDs returns the union of self-reported running and queued ids.
func (a *Agent) HeldJobIDs() map[string]struct{} {
	held := jsonmap.ToStringSet(a.RunningIDs)
	for id := range jsonmap.ToStringSet(a.QueuedIDs) {
		held[id] = struct{}{}
	}
	return held
}

// MaxGPUMemoryMB returns the largest reported GPU memory, in MB.
func (a *Agent) MaxGPUMemoryMB() int64 {
	var gpus []GPUInfo
	if err := unmarshalJSON(a.GPUs, &gpus); err != nil {
		return 0
	}

	var max int64
	for _, gpu := range gpus {
		if gpu.MemoryMB > max {
			max = gpu.MemoryMB
		}
	}
	return max
}

type Agents []*Agent
