package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/internal/settings"
	"github.com/comfygate/comfygate/pkg/jsonmap"
	"github.com/comfygate/comfygate/pkg/log"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for devices that never registered.
var ErrNotFound = errors.New("unknown device")

// Agent exposes the agent-facing operations.
type Agent interface {
	Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error)
	Poll(ctx context.Context, deviceID string, queueDepth int) ([]pool.AgentEvent, error)
	UpdateState(ctx context.Context, req *StateRequest) error
	Command(ctx context.Context, deviceID string, event pool.AgentEvent) error
}

type agentService struct {
	gw *gateway.Gateway
}

func Service(gw *gateway.Gateway) Agent {
	return &agentService{gw: gw}
}

type RegisterRequest struct {
	DeviceID   string              `json:"device_id"`
	UserID     string              `json:"user_id"`
	QueueCount int                 `json:"queue_count"`
	Nodes      []string            `json:"nodes"`
	Assets     map[string][]string `json:"assets"`
	Models     []string            `json:"models"`
	GPUs       []models.GPUInfo    `json:"gpus"`
}

type RegisterResponse struct {
	Settings         map[string]interface{}    `json:"settings"`
	RequiredInstalls settings.RequiredInstalls `json:"required_installs"`
}

// Register upserts the agent record, releases any stale assignments
// still pointing at the device, and reloads the generation pool so the
// released work becomes dispatchable again.
func (s *agentService) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	assets := map[string]interface{}{}
	for category, files := range req.Assets {
		values := make([]interface{}, len(files))
		for i, f := range files {
			values[i] = f
		}
		assets[category] = values
	}

	gpus, err := marshalGPUs(req.GPUs)
	if err != nil {
		return nil, err
	}

	record := &models.Agent{
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		QueueCount: req.QueueCount,
		Nodes:      jsonmap.FromStringSlice(req.Nodes),
		Assets:     assets,
		Models:     jsonmap.FromStringSlice(req.Models),
		RunningIDs: jsonmap.FromStringSlice(nil),
		QueuedIDs:  jsonmap.FromStringSlice(nil),
		GPUs:       gpus,
		LastUpdate: time.Now().UTC(),
	}

	err = s.gw.DB.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(record).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert agent")
	}

	// A re-registering agent lost its local queue: release everything
	// the store still attributes to it.
	err = s.gw.DB.WithContext(ctx).
		Model(&models.Generation{}).
		Where("device_id = ? AND result IS NULL AND error IS NULL", req.DeviceID).
		Updates(map[string]interface{}{
			"device_id": nil,
			"prompt_id": nil,
			"status":    string(models.StatusReAddedToAgentsPool),
		}).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to release stale generations")
	}

	err = s.gw.DB.WithContext(ctx).
		Model(&models.AiTask{}).
		Where("device_id = ? AND state IN ?", req.DeviceID, []string{
			string(models.AiTaskAssigned),
			string(models.AiTaskStarted),
		}).
		Updates(map[string]interface{}{
			"device_id": nil,
			"state":     string(models.AiTaskQueued),
		}).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to release stale ai tasks")
	}

	s.gw.Agents.Put(record)
	if err := s.gw.Pool.Reload(ctx); err != nil {
		return nil, err
	}
	s.gw.Pool.Signals().GenerationRequest.Bump()

	log.Info("agent registered",
		"device_id", req.DeviceID,
		"user_id", req.UserID,
		"nodes", len(req.Nodes),
		"models", len(req.Models),
	)

	return &RegisterResponse{
		Settings:         s.gw.Settings.Agent,
		RequiredInstalls: s.gw.Settings.RequiredInstalls,
	}, nil
}

// Poll delegates to the long-poll delivery loop.
func (s *agentService) Poll(ctx context.Context, deviceID string, queueDepth int) ([]pool.AgentEvent, error) {
	return s.gw.Poller.Poll(ctx, deviceID, queueDepth)
}

type StateRequest struct {
	DeviceID   string   `json:"device_id"`
	RunningIDs []string `json:"running_ids"`
	QueuedIDs  []string `json:"queued_ids"`
	QueueCount int      `json:"queue_count"`
	Status     string   `json:"status"`
	Error      *string  `json:"error,omitempty"`
}

// UpdateState merges the agent's heartbeat and self-reported queue
// into both the in-memory view and the backing store.
func (s *agentService) UpdateState(ctx context.Context, req *StateRequest) error {
	if !s.gw.Agents.SetReported(req.DeviceID, req.RunningIDs, req.QueuedIDs, req.Status, req.Error) {
		return ErrNotFound
	}
	s.gw.Agents.Touch(req.DeviceID, req.QueueCount)

	return s.gw.DB.WithContext(ctx).
		Model(&models.Agent{}).
		Where("device_id = ?", req.DeviceID).
		Updates(map[string]interface{}{
			"running_ids": jsonmap.FromStringSlice(req.RunningIDs),
			"queued_ids":  jsonmap.FromStringSlice(req.QueuedIDs),
			"queue_count": req.QueueCount,
			"status":      req.Status,
			"error":       req.Error,
			"last_update": time.Now().UTC(),
		}).Error
}

// Command enqueues an out-of-band event onto the device's queue.
func (s *agentService) Command(_ context.Context, deviceID string, event pool.AgentEvent) error {
	if _, ok := s.gw.Agents.Get(deviceID); !ok {
		return ErrNotFound
	}

	s.gw.Queues.For(deviceID).Push(event)
	return nil
}

func marshalGPUs(gpus []models.GPUInfo) (datatypes.JSON, error) {
	if gpus == nil {
		gpus = []models.GPUInfo{}
	}
	raw, err := json.Marshal(gpus)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode gpu inventory")
	}
	return datatypes.JSON(raw), nil
}
