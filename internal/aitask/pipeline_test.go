package aitask

import (
	"context"
	"testing"
	"time"

	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newPipeline(t *testing.T) (*Pipeline, *pool.Signals, *gorm.DB) {
	t.Helper()

	db := testutil.OpenTestDB(t)
	t.Cleanup(func() {
		testutil.CloseDB(db)
	})

	signals := &pool.Signals{}
	return NewPipeline(db, signals), signals, db
}

func TestQueueSignalsAgents(t *testing.T) {
	p, signals, _ := newPipeline(t)
	ctx := context.Background()

	tasks := signals.AiTaskRequest.Value()
	captions := signals.ClassificationRequest.Value()

	require.NoError(t, p.Queue(ctx, &models.AiTask{
		Type:   models.AiTaskTypeGenerate,
		UserID: uuid.NewString(),
		Model:  "llama3",
	}))
	require.Equal(t, tasks+1, signals.AiTaskRequest.Value())
	require.Equal(t, captions, signals.ClassificationRequest.Value())

	require.NoError(t, p.Queue(ctx, &models.AiTask{
		Type:   models.AiTaskTypeCaption,
		UserID: uuid.NewString(),
		Model:  "moondream",
	}))
	require.Equal(t, tasks+2, signals.AiTaskRequest.Value())
	require.Equal(t, captions+1, signals.ClassificationRequest.Value())
}

func TestNextTasksMatchesBySupportedModel(t *testing.T) {
	p, _, db := newPipeline(t)
	ctx := context.Background()

	ollama := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"llama3"}})
	other := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"mistral"}})

	task := &models.AiTask{Type: models.AiTaskTypeGenerate, UserID: uuid.NewString(), Model: "llama3"}
	require.NoError(t, p.Queue(ctx, task))

	claimed, err := p.NextTasks(ctx, other, 3)
	require.NoError(t, err)
	require.Empty(t, claimed)

	claimed, err = p.NextTasks(ctx, ollama, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, task.ID, claimed[0].ID)
	require.Equal(t, models.AiTaskAssigned, claimed[0].State)
	require.Equal(t, ollama.DeviceID, *claimed[0].DeviceID)
}

func TestNextTasksHonorsDevicePin(t *testing.T) {
	p, _, db := newPipeline(t)
	ctx := context.Background()

	pinned := testutil.SeedAgent(t, db, testutil.AgentInput{})
	other := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"moondream"}})

	task := &models.AiTask{
		Type:     models.AiTaskTypeCaption,
		UserID:   uuid.NewString(),
		Model:    "moondream",
		DeviceID: &pinned.DeviceID,
	}
	require.NoError(t, p.Queue(ctx, task))

	// Pinned tasks never go elsewhere, even to a model-capable agent.
	claimed, err := p.NextTasks(ctx, other, 3)
	require.NoError(t, err)
	require.Empty(t, claimed)

	claimed, err = p.NextTasks(ctx, pinned, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, task.ID, claimed[0].ID)
}

func TestNextTasksClaimIsExclusive(t *testing.T) {
	p, _, db := newPipeline(t)
	ctx := context.Background()

	first := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"llama3"}})
	second := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"llama3"}})

	require.NoError(t, p.Queue(ctx, &models.AiTask{
		Type: models.AiTaskTypeGenerate, UserID: uuid.NewString(), Model: "llama3",
	}))

	won, err := p.NextTasks(ctx, first, 1)
	require.NoError(t, err)
	require.Len(t, won, 1)

	lost, err := p.NextTasks(ctx, second, 1)
	require.NoError(t, err)
	require.Empty(t, lost)
}

func TestCompleteInvokesCallbackThenFinishes(t *testing.T) {
	p, _, db := newPipeline(t)
	ctx := context.Background()

	agent := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"moondream"}})

	var seen *models.AiTask
	p.RegisterCallback("caption-stored", func(ctx context.Context, task *models.AiTask) {
		seen = task
	})

	task := &models.AiTask{
		Type:     models.AiTaskTypeCaption,
		UserID:   uuid.NewString(),
		Model:    "moondream",
		Callback: "caption-stored",
	}
	require.NoError(t, p.Queue(ctx, task))

	claimed, err := p.NextTasks(ctx, agent, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, p.Start(ctx, task.ID, agent.DeviceID))

	response := []byte(`{"caption":"a cat on a desk"}`)
	require.NoError(t, p.Complete(ctx, task.ID, agent.DeviceID, response, nil))

	require.NotNil(t, seen)
	require.Equal(t, models.AiTaskExecuted, seen.State)

	var stored models.AiTask
	require.NoError(t, db.First(&stored, "id = ?", task.ID).Error)
	require.Equal(t, models.AiTaskCompleted, stored.State)
	require.JSONEq(t, string(response), string(stored.Response))
}

func TestCompleteWithErrorFails(t *testing.T) {
	p, _, db := newPipeline(t)
	ctx := context.Background()

	agent := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"llama3"}})
	task := &models.AiTask{Type: models.AiTaskTypeGenerate, UserID: uuid.NewString(), Model: "llama3"}
	require.NoError(t, p.Queue(ctx, task))

	_, err := p.NextTasks(ctx, agent, 1)
	require.NoError(t, err)

	msg := "model not loaded"
	require.NoError(t, p.Complete(ctx, task.ID, agent.DeviceID, nil, &msg))

	var stored models.AiTask
	require.NoError(t, db.First(&stored, "id = ?", task.ID).Error)
	require.Equal(t, models.AiTaskFailed, stored.State)
	require.Equal(t, msg, *stored.Error)
}

func TestCompleteRejectsWrongDevice(t *testing.T) {
	p, _, db := newPipeline(t)
	ctx := context.Background()

	owner := testutil.SeedAgent(t, db, testutil.AgentInput{Models: []string{"llama3"}})
	task := &models.AiTask{Type: models.AiTaskTypeGenerate, UserID: uuid.NewString(), Model: "llama3"}
	require.NoError(t, p.Queue(ctx, task))

	_, err := p.NextTasks(ctx, owner, 1)
	require.NoError(t, err)

	err = p.Complete(ctx, task.ID, "impostor", []byte(`{}`), nil)
	require.ErrorIs(t, err, ErrConflict)

	err = p.Complete(ctx, uuid.New(), owner.DeviceID, []byte(`{}`), nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRequeueStalledSignalsOnlyWhenWorkExists(t *testing.T) {
	p, signals, db := newPipeline(t)
	ctx := context.Background()

	before := signals.AiTaskRequest.Value()

	count, err := p.RequeueStalled(ctx, time.Minute)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Equal(t, before, signals.AiTaskRequest.Value())

	stalled := &models.AiTask{
		ID:        uuid.New(),
		Type:      models.AiTaskTypeGenerate,
		UserID:    uuid.NewString(),
		Model:     "llama3",
		State:     models.AiTaskQueued,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
	require.NoError(t, db.Create(stalled).Error)

	count, err = p.RequeueStalled(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, before+1, signals.AiTaskRequest.Value())
}
