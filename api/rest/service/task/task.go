package task

import (
	"context"
	"time"

	"github.com/comfygate/comfygate/internal/aitask"
	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/pkg/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = aitask.ErrNotFound
	// ErrConflict is returned when a device acts on a task it does not own.
	ErrConflict = aitask.ErrConflict
)

// Task exposes the auxiliary-model task operations: captioning, chat
// and text generation routed to agents by supported model name.
type Task interface {
	Submit(ctx context.Context, req *SubmitRequest) (*models.AiTask, error)
	Get(ctx context.Context, id string) (*models.AiTask, error)
	Result(ctx context.Context, req *ResultRequest) error
	WaitForResult(ctx context.Context, req *WaitRequest) (*models.AiTask, error)
}

type taskService struct {
	gw *gateway.Gateway
}

func Service(gw *gateway.Gateway) Task {
	return &taskService{gw: gw}
}

type SubmitRequest struct {
	UserID   string            `json:"user_id"`
	Type     models.AiTaskType `json:"type"`
	Model    string            `json:"model"`
	Request  datatypes.JSON    `json:"request,omitempty"`
	DeviceID *string           `json:"device_id,omitempty"`
	Callback string            `json:"callback,omitempty"`
}

// Submit queues the task for pickup by the next capable agent. Caption
// tasks stream their response by default unless another callback is
// named.
func (s *taskService) Submit(ctx context.Context, req *SubmitRequest) (*models.AiTask, error) {
	task := &models.AiTask{
		ID:       uuid.New(),
		Type:     req.Type,
		UserID:   req.UserID,
		Model:    req.Model,
		DeviceID: req.DeviceID,
		Request:  req.Request,
		Callback: req.Callback,
	}
	if task.Type == models.AiTaskTypeCaption && task.Callback == "" {
		task.Callback = aitask.CallbackCaption
	}

	if err := s.gw.Tasks.Queue(ctx, task); err != nil {
		return nil, err
	}

	log.Info("ai task queued",
		"task_id", task.ID,
		"type", string(task.Type),
		"model", task.Model,
	)
	return task, nil
}

func (s *taskService) Get(ctx context.Context, id string) (*models.AiTask, error) {
	tid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}

	task := &models.AiTask{}
	err = s.gw.DB.WithContext(ctx).First(task, "id = ?", tid).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

type ResultRequest struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	Started  bool           `json:"started,omitempty"`
	Response datatypes.JSON `json:"response,omitempty"`
	Error    *string        `json:"error,omitempty"`
}

// Result applies the executing agent's report: a bare started flag
// marks the task running, anything carrying a response or an error
// completes it.
func (s *taskService) Result(ctx context.Context, req *ResultRequest) error {
	tid, err := uuid.Parse(req.ID)
	if err != nil {
		return ErrNotFound
	}

	if req.Started && req.Response == nil && req.Error == nil {
		return s.gw.Tasks.Start(ctx, tid, req.DeviceID)
	}
	return s.gw.Tasks.Complete(ctx, tid, req.DeviceID, req.Response, req.Error)
}

type WaitRequest struct {
	ID      string
	Timeout time.Duration
}

// WaitForResult blocks until the task reaches a terminal state, bounded
// by the poll window. It is the client-side long-poll for auxiliary
// task responses, built on the ClassificationRequest counter. A timeout
// returns the task in whatever state it is in.
func (s *taskService) WaitForResult(ctx context.Context, req *WaitRequest) (*models.AiTask, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.gw.Config.PollWindow
	}
	deadline := time.Now().Add(timeout)
	signal := &s.gw.Pool.Signals().ClassificationRequest

	for {
		task, err := s.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if task.Terminal() {
			return task, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return task, nil
		}

		signal.Wait(ctx, signal.Value(), s.gw.Config.SignalInterval, remaining)
	}
}
