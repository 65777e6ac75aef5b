package generation

import (
	"context"
	"time"

	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/notify"
	"github.com/comfygate/comfygate/internal/stream"
	"github.com/comfygate/comfygate/internal/workflow"
	"github.com/comfygate/comfygate/pkg/jsonmap"
	"github.com/comfygate/comfygate/pkg/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for unknown generation ids.
	ErrNotFound = errors.New("generation not found")
	// ErrConflict is returned when a device acts on a generation it
	// does not own.
	ErrConflict = errors.New("generation owned by another device")
)

// Generation exposes the client- and agent-facing job operations.
type Generation interface {
	Submit(ctx context.Context, req *SubmitRequest) (*models.Generation, error)
	Get(ctx context.Context, id string) (*models.Generation, error)
	List(ctx context.Context, req *ListRequest) (models.Generations, error)
	Prompt(ctx context.Context, id string) (datatypes.JSONMap, error)
	Result(ctx context.Context, req *ResultRequest) error
	Requeue(ctx context.Context, id string) (*models.Generation, error)
	WaitForUpdates(ctx context.Context, req *WaitRequest) (models.Generations, error)
	Delete(ctx context.Context, id, actor string, hard bool) error
}

type generationService struct {
	gw *gateway.Gateway
}

func Service(gw *gateway.Gateway) Generation {
	return &generationService{gw: gw}
}

type SubmitRequest struct {
	UserID      string                 `json:"user_id"`
	WorkflowRef string                 `json:"workflow_ref"`
	Args        map[string]interface{} `json:"args,omitempty"`
	Inputs      []string               `json:"inputs,omitempty"`
	DeviceID    *string                `json:"device_id,omitempty"`
	WebhookURL  *string                `json:"webhook_url,omitempty"`
}

// Submit compiles the workflow, persists the generation in the
// InAgentsPool state and enters it into the dispatch pool.
func (s *generationService) Submit(ctx context.Context, req *SubmitRequest) (*models.Generation, error) {
	compiled, err := s.gw.Compiler.Compile(ctx, req.WorkflowRef, req.Args)
	if err != nil {
		return nil, errors.Wrap(err, "workflow compilation failure")
	}

	now := time.Now().UTC()
	g := &models.Generation{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		WorkflowRef:    req.WorkflowRef,
		Args:           req.Args,
		Prompt:         compiled.Prompt,
		RequiredNodes:  jsonmap.FromStringSlice(compiled.RequiredNodes),
		RequiredAssets: jsonmap.FromStringSlice(compiled.RequiredAssets),
		Inputs:         jsonmap.FromStringSlice(req.Inputs),
		Status:         models.StatusInAgentsPool,
		WebhookURL:     req.WebhookURL,
		CreatedBy:      req.UserID,
		ModifiedBy:     req.UserID,
		CreatedAt:      now,
		ModifiedAt:     now,
	}

	if err := s.gw.DB.WithContext(ctx).Create(g).Error; err != nil {
		return nil, errors.Wrap(err, "failed to persist generation")
	}

	s.gw.Pool.QueueGeneration(g)
	s.gw.Bus.Publish(stream.Event{
		Type:         stream.TypeGenerationSubmitted,
		GenerationID: g.ID,
		UserID:       g.UserID,
	})
	log.Info("generation submitted",
		"generation_id", g.ID,
		"user_id", g.UserID,
		"workflow", g.WorkflowRef,
		"pinned_device", g.Device(),
	)
	return g, nil
}

func (s *generationService) Get(ctx context.Context, id string) (*models.Generation, error) {
	g := &models.Generation{}
	err := s.gw.DB.WithContext(ctx).First(g, "id = ? AND deleted = ?", id, false).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

type ListRequest struct {
	UserID string
	Status string
	Limit  int
	Offset int
}

func (s *generationService) List(ctx context.Context, req *ListRequest) (models.Generations, error) {
	q := s.gw.DB.WithContext(ctx).Where("deleted = ?", false)
	if req.UserID != "" {
		q = q.Where("user_id = ?", req.UserID)
	}
	if req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}
	if req.Offset > 0 {
		q = q.Offset(req.Offset)
	}

	var out models.Generations
	return out, q.Order("created_at DESC").Find(&out).Error
}

// Prompt returns the executable prompt an agent fetches before
// starting a claimed generation.
func (s *generationService) Prompt(ctx context.Context, id string) (datatypes.JSONMap, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.Prompt, nil
}

type ResultRequest struct {
	ID              string         `json:"id"`
	DeviceID        string         `json:"device_id"`
	PromptID        *string        `json:"prompt_id,omitempty"`
	Outputs         datatypes.JSON `json:"outputs,omitempty"`
	Error           *string        `json:"error,omitempty"`
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
}

// Result applies a terminal or intermediate update reported by the
// executing agent. Success settles credits; failure marks the
// generation terminal with the device cleared. Every path signals
// GenerationUpdates for clients blocked in WaitForUpdates.
//
// The update itself is conditional on the device still owning a
// non-terminal row, the same arbiter the dispatcher claims with: two
// racing reports resolve to one winner in the store, and credits are
// settled only after a winning update.
func (s *generationService) Result(ctx context.Context, req *ResultRequest) error {
	g, err := s.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	if g.Device() != req.DeviceID {
		return ErrConflict
	}
	if g.Terminal() {
		return ErrConflict
	}

	defer s.gw.Pool.Signals().GenerationUpdates.Bump()

	switch {
	case req.Error != nil:
		won, err := s.guardedUpdate(ctx, g.ID, req.DeviceID, map[string]interface{}{
			"error":       *req.Error,
			"status":      string(models.StatusGenerationFailed),
			"device_id":   nil,
			"modified_by": req.DeviceID,
		})
		if err != nil {
			return err
		}
		if !won {
			return ErrConflict
		}

		s.gw.Pool.RemoveGeneration(g.ID)
		s.gw.Bus.Publish(stream.Event{
			Type:         stream.TypeGenerationFailed,
			GenerationID: g.ID,
			UserID:       g.UserID,
			DeviceID:     req.DeviceID,
		})
		if g.WebhookURL != nil {
			s.gw.Notifier.NotifyAsync(*g.WebhookURL, notify.Payload{
				GenerationID: g.ID,
				UserID:       g.UserID,
				DeviceID:     req.DeviceID,
				Status:       string(models.StatusGenerationFailed),
				Error:        *req.Error,
			})
		}
		log.Warn("generation failed on agent",
			"generation_id", g.ID,
			"device_id", req.DeviceID,
			"error", *req.Error,
		)
		return nil

	case req.Outputs != nil:
		won, err := s.guardedUpdate(ctx, g.ID, req.DeviceID, map[string]interface{}{
			"result":      req.Outputs,
			"status":      string(models.StatusGenerationCompleted),
			"modified_by": req.DeviceID,
		})
		if err != nil {
			return err
		}
		if !won {
			return ErrConflict
		}

		// This report owns the terminal state now; settlement happens
		// exactly once.
		credits := int64(0)
		if agent, ok := s.gw.Agents.Get(req.DeviceID); ok {
			duration := time.Duration(req.DurationSeconds * float64(time.Second))
			credits, err = s.gw.Ledger.Settle(ctx, g, agent, duration)
			if err != nil {
				return err
			}
			err = s.gw.DB.WithContext(ctx).
				Model(&models.Generation{}).
				Where("id = ?", g.ID).
				Update("credits", credits).Error
			if err != nil {
				return err
			}
		}

		s.gw.Pool.RemoveGeneration(g.ID)
		s.gw.Bus.Publish(stream.Event{
			Type:         stream.TypeGenerationCompleted,
			GenerationID: g.ID,
			UserID:       g.UserID,
			DeviceID:     req.DeviceID,
		})
		if g.WebhookURL != nil {
			s.gw.Notifier.NotifyAsync(*g.WebhookURL, notify.Payload{
				GenerationID: g.ID,
				UserID:       g.UserID,
				DeviceID:     req.DeviceID,
				Status:       string(models.StatusGenerationCompleted),
				Credits:      credits,
				Result:       req.Outputs,
			})
		}
		return nil

	case req.PromptID != nil:
		won, err := s.guardedUpdate(ctx, g.ID, req.DeviceID, map[string]interface{}{
			"prompt_id":   *req.PromptID,
			"status":      string(models.StatusGenerationStarted),
			"modified_by": req.DeviceID,
		})
		if err != nil {
			return err
		}
		if !won {
			return ErrConflict
		}

		s.gw.Bus.Publish(stream.Event{
			Type:         stream.TypeGenerationStarted,
			GenerationID: g.ID,
			UserID:       g.UserID,
			DeviceID:     req.DeviceID,
		})
		return nil

	default:
		return nil
	}
}

// guardedUpdate applies updates only while the device still owns a
// non-terminal row. RowsAffected is the arbiter: zero means another
// report landed first and this one lost.
func (s *generationService) guardedUpdate(ctx context.Context, id, deviceID string, updates map[string]interface{}) (bool, error) {
	result := s.gw.DB.WithContext(ctx).
		Model(&models.Generation{}).
		Where("id = ? AND device_id = ? AND result IS NULL AND error IS NULL", id, deviceID).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Requeue resets a terminal or stuck generation back into the pool,
// regenerating any seed-valued arguments so the rerun samples fresh.
func (s *generationService) Requeue(ctx context.Context, id string) (*models.Generation, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	args := map[string]interface{}(g.Args)
	g.Args = workflow.RegenerateSeeds(args)
	g.DeviceID = nil
	g.PromptID = nil
	g.Result = nil
	g.Error = nil
	g.Status = models.StatusInAgentsPool
	g.Credits = 0

	err = s.gw.DB.WithContext(ctx).
		Model(&models.Generation{}).
		Where("id = ?", g.ID).
		Updates(map[string]interface{}{
			"args":      datatypes.JSONMap(g.Args),
			"device_id": nil,
			"prompt_id": nil,
			"result":    nil,
			"error":     nil,
			"status":    string(models.StatusInAgentsPool),
			"credits":   0,
		}).Error
	if err != nil {
		return nil, err
	}

	s.gw.Pool.QueueGeneration(g)
	s.gw.Bus.Publish(stream.Event{
		Type:         stream.TypeGenerationRequeued,
		GenerationID: g.ID,
		UserID:       g.UserID,
	})
	log.Info("generation requeued", "generation_id", g.ID)
	return g, nil
}

type WaitRequest struct {
	IDs     []string      `json:"ids"`
	After   time.Time     `json:"after"`
	Timeout time.Duration `json:"-"`
}

// WaitForUpdates blocks until any of the given generations changes
// after the supplied timestamp, bounded by the poll window. It is the
// client-side long-poll, built directly on the GenerationUpdates
// counter.
func (s *generationService) WaitForUpdates(ctx context.Context, req *WaitRequest) (models.Generations, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.gw.Config.PollWindow
	}
	deadline := time.Now().Add(timeout)
	signal := &s.gw.Pool.Signals().GenerationUpdates

	for {
		var out models.Generations
		err := s.gw.DB.WithContext(ctx).
			Where("id IN ? AND modified_at > ? AND deleted = ?", req.IDs, req.After, false).
			Find(&out).Error
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return models.Generations{}, nil
		}

		signal.Wait(ctx, signal.Value(), s.gw.Config.SignalInterval, remaining)
	}
}

// Delete soft-deletes by default; a hard delete removes the row and
// records it in the deleted-row audit table for sync consumers.
func (s *generationService) Delete(ctx context.Context, id, actor string, hard bool) error {
	g := &models.Generation{}
	err := s.gw.DB.WithContext(ctx).First(g, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	s.gw.Pool.RemoveGeneration(id)

	if !hard {
		return s.gw.DB.WithContext(ctx).
			Model(&models.Generation{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{"deleted": true, "modified_by": actor}).Error
	}

	return s.gw.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.Generation{}, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Create(&models.DeletedRow{
			ID:        uuid.New(),
			TableName: "generations",
			RowID:     id,
			DeletedBy: actor,
			CreatedAt: time.Now().UTC(),
		}).Error
	})
}
