package aitask

import (
	"context"
	"sync"
	"time"

	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/pkg/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("ai task not found")
	// ErrConflict is returned when a device acts on a task it does not own.
	ErrConflict = errors.New("ai task owned by another device")
)

// Callback is invoked once when a task reaches a terminal response.
type Callback func(ctx context.Context, task *models.AiTask)

// CallbackCaption is the handler captioning tasks invoke by default.
const CallbackCaption = "caption"

// Pipeline is the auxiliary-model task queue. It mirrors the
// generation dispatcher at smaller scale: tasks are claimed with the
// same optimistic conditional-update pattern, matched to agents by
// supported model name.
type Pipeline struct {
	db      *gorm.DB
	signals *pool.Signals

	mu        sync.RWMutex
	callbacks map[string]Callback
}

func NewPipeline(db *gorm.DB, signals *pool.Signals) *Pipeline {
	return &Pipeline{
		db:        db,
		signals:   signals,
		callbacks: make(map[string]Callback),
	}
}

// RegisterCallback binds a named handler invoked on terminal responses.
func (p *Pipeline) RegisterCallback(name string, cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.callbacks[name] = cb
}

func (p *Pipeline) callback(name string) Callback {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.callbacks[name]
}

// Queue persists a new task in the Queued state and signals waiting
// agents. Caption tasks additionally move the classification counter.
func (p *Pipeline) Queue(ctx context.Context, task *models.AiTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	task.State = models.AiTaskQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	if err := p.db.WithContext(ctx).Create(task).Error; err != nil {
		return errors.Wrap(err, "failed to queue ai task")
	}

	p.signals.AiTaskRequest.Bump()
	if task.Type == models.AiTaskTypeCaption {
		p.signals.ClassificationRequest.Bump()
	}
	return nil
}

// NextTasks claims up to take queued tasks runnable on the agent:
// tasks pinned to the device, or unpinned tasks whose model the agent
// supports. The (id, state=Queued) -> Assigned conditional update is
// the at-most-once guarantee.
func (p *Pipeline) NextTasks(ctx context.Context, agent *models.Agent, take int) (models.AiTasks, error) {
	if agent == nil || take <= 0 {
		return nil, nil
	}

	var candidates models.AiTasks
	err := p.db.WithContext(ctx).
		Where("state = ?", string(models.AiTaskQueued)).
		Order("created_at ASC").
		Limit(64).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	supported := agent.ModelSet()
	claimed := make(models.AiTasks, 0, take)
	for _, task := range candidates {
		if len(claimed) >= take {
			break
		}
		if task.DeviceID != nil && *task.DeviceID != agent.DeviceID {
			continue
		}
		if task.DeviceID == nil {
			if _, ok := supported[task.Model]; !ok {
				continue
			}
		}

		result := p.db.WithContext(ctx).
			Model(&models.AiTask{}).
			Where("id = ? AND state = ?", task.ID, string(models.AiTaskQueued)).
			Updates(map[string]interface{}{
				"state":     string(models.AiTaskAssigned),
				"device_id": agent.DeviceID,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race; the task belongs to another agent now.
			continue
		}

		fresh := &models.AiTask{}
		if err := p.db.WithContext(ctx).First(fresh, "id = ?", task.ID).Error; err != nil {
			return nil, err
		}
		claimed = append(claimed, fresh)
	}
	return claimed, nil
}

// Start marks an assigned task as started by its owning device.
func (p *Pipeline) Start(ctx context.Context, id uuid.UUID, deviceID string) error {
	return p.transition(ctx, id, deviceID, models.AiTaskStarted, nil, nil)
}

// Complete records the engine response, invokes any named callback,
// and moves the task to Completed or Failed.
func (p *Pipeline) Complete(ctx context.Context, id uuid.UUID, deviceID string, response datatypes.JSON, taskErr *string) error {
	task, err := p.get(ctx, id)
	if err != nil {
		return err
	}
	if task.DeviceID == nil || *task.DeviceID != deviceID {
		return ErrConflict
	}

	task.Response = response
	task.Error = taskErr
	task.State = models.AiTaskExecuted

	if cb := p.callback(task.Callback); cb != nil {
		cb(ctx, task)
	}

	state := models.AiTaskCompleted
	if taskErr != nil {
		state = models.AiTaskFailed
	}
	if err := p.transition(ctx, id, deviceID, state, response, taskErr); err != nil {
		return err
	}

	p.signals.ClassificationRequest.Bump()
	return nil
}

// RequeueStalled signals for queued tasks older than window that no
// agent picked up, so a waiting poller re-evaluates them. It returns
// the number of stalled tasks found.
func (p *Pipeline) RequeueStalled(ctx context.Context, window time.Duration) (int, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Model(&models.AiTask{}).
		Where("state = ? AND created_at < ?", string(models.AiTaskQueued), time.Now().UTC().Add(-window)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}

	if count > 0 {
		p.signals.AiTaskRequest.Bump()
		p.signals.ClassificationRequest.Bump()
		log.Info("re-signaled stalled ai tasks", "count", count)
	}
	return int(count), nil
}

func (p *Pipeline) get(ctx context.Context, id uuid.UUID) (*models.AiTask, error) {
	task := &models.AiTask{}
	err := p.db.WithContext(ctx).First(task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (p *Pipeline) transition(ctx context.Context, id uuid.UUID, deviceID string, state models.AiTaskState, response datatypes.JSON, taskErr *string) error {
	updates := map[string]interface{}{"state": string(state)}
	if response != nil {
		updates["response"] = response
	}
	if taskErr != nil {
		updates["error"] = *taskErr
	}

	result := p.db.WithContext(ctx).
		Model(&models.AiTask{}).
		Where("id = ? AND device_id = ?", id, deviceID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := p.get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}
