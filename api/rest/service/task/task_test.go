package task

import (
	"context"
	"testing"
	"time"

	agentsvc "github.com/comfygate/comfygate/api/rest/service/agent"
	"github.com/comfygate/comfygate/internal/aitask"
	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/internal/stream"
	"github.com/comfygate/comfygate/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) *gateway.Gateway {
	t.Helper()

	db := testutil.OpenTestDB(t)
	t.Cleanup(func() {
		testutil.CloseDB(db)
	})

	gw, err := gateway.New(db, nil, gateway.Config{
		PollWindow:     250 * time.Millisecond,
		SignalInterval: 10 * time.Millisecond,
		StaleAfter:     5 * time.Minute,
		ActiveWindow:   10 * time.Minute,
		DispatchTake:   3,
		BaseURL:        "http://gateway.local",
	})
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))
	return gw
}

func registerAgent(t *testing.T, gw *gateway.Gateway, supported ...string) *agentsvc.RegisterRequest {
	t.Helper()

	req := &agentsvc.RegisterRequest{
		DeviceID: uuid.NewString(),
		UserID:   uuid.NewString(),
		Models:   supported,
		GPUs:     []models.GPUInfo{{Name: "RTX 4090", MemoryMB: 24576}},
	}
	_, err := agentsvc.Service(gw).Register(context.Background(), req)
	require.NoError(t, err)
	return req
}

func TestSubmitQueuesAndSignals(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	ctx := context.Background()

	before := gw.Pool.Signals().AiTaskRequest.Value()
	task, err := svc.Submit(ctx, &SubmitRequest{
		UserID:  uuid.NewString(),
		Type:    models.AiTaskTypeChat,
		Model:   "gpt-4o-mini",
		Request: []byte(`{"messages":[]}`),
	})
	require.NoError(t, err)
	require.Equal(t, models.AiTaskQueued, task.State)
	require.True(t, gw.Pool.Signals().AiTaskRequest.Changed(before))

	got, err := svc.Get(ctx, task.ID.String())
	require.NoError(t, err)
	require.Equal(t, task.ID, got.ID)
}

func TestCaptionSubmitDefaultsStreamCallback(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)

	before := gw.Pool.Signals().ClassificationRequest.Value()
	task, err := svc.Submit(context.Background(), &SubmitRequest{
		UserID:  uuid.NewString(),
		Type:    models.AiTaskTypeCaption,
		Model:   "llava",
		Request: []byte(`{"image":"inputs/fox.png"}`),
	})
	require.NoError(t, err)
	require.Equal(t, aitask.CallbackCaption, task.Callback)
	require.True(t, gw.Pool.Signals().ClassificationRequest.Changed(before))
}

// TestCaptionLifecycle walks the full auxiliary path: a caption task is
// queued, claimed over the agent poll loop, started and completed, with
// the response reaching both the blocked client long-poll and the
// stream subscribers.
func TestCaptionLifecycle(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	agents := agentsvc.Service(gw)
	ctx := context.Background()

	agent := registerAgent(t, gw, "llava")

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	published, err := gw.Bus.Subscribe(subCtx, stream.Filter{Types: []stream.Type{stream.TypeTaskExecuted}})
	require.NoError(t, err)

	task, err := svc.Submit(ctx, &SubmitRequest{
		UserID:  uuid.NewString(),
		Type:    models.AiTaskTypeCaption,
		Model:   "llava",
		Request: []byte(`{"image":"inputs/fox.png"}`),
	})
	require.NoError(t, err)

	polled, err := agents.Poll(ctx, agent.DeviceID, 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, pool.EventCaptionImage, polled[0].Name)
	require.Equal(t, task.ID.String(), polled[0].Args["id"])
	require.Equal(t, "llava", polled[0].Args["model"])

	require.NoError(t, svc.Result(ctx, &ResultRequest{
		ID:       task.ID.String(),
		DeviceID: agent.DeviceID,
		Started:  true,
	}))
	started, err := svc.Get(ctx, task.ID.String())
	require.NoError(t, err)
	require.Equal(t, models.AiTaskStarted, started.State)

	waitDone := make(chan *models.AiTask, 1)
	go func() {
		out, werr := svc.WaitForResult(ctx, &WaitRequest{
			ID:      task.ID.String(),
			Timeout: 2 * time.Second,
		})
		require.NoError(t, werr)
		waitDone <- out
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, svc.Result(ctx, &ResultRequest{
		ID:       task.ID.String(),
		DeviceID: agent.DeviceID,
		Response: []byte(`{"caption":"a red fox"}`),
	}))

	select {
	case done := <-waitDone:
		require.Equal(t, models.AiTaskCompleted, done.State)
		require.JSONEq(t, `{"caption":"a red fox"}`, string(done.Response))
	case <-time.After(3 * time.Second):
		t.Fatal("result long-poll never woke up")
	}

	select {
	case e := <-published:
		require.Equal(t, stream.TypeTaskExecuted, e.Type)
		require.Equal(t, task.ID.String(), e.TaskID)
		require.Equal(t, agent.DeviceID, e.DeviceID)
		require.JSONEq(t, `{"caption":"a red fox"}`, string(e.Payload))
	case <-time.After(time.Second):
		t.Fatal("caption response never reached the stream")
	}
}

func TestResultFromWrongDevice(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	agents := agentsvc.Service(gw)
	ctx := context.Background()

	agent := registerAgent(t, gw, "llava")
	task, err := svc.Submit(ctx, &SubmitRequest{
		UserID: uuid.NewString(),
		Type:   models.AiTaskTypeCaption,
		Model:  "llava",
	})
	require.NoError(t, err)

	polled, err := agents.Poll(ctx, agent.DeviceID, 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)

	err = svc.Result(ctx, &ResultRequest{
		ID:       task.ID.String(),
		DeviceID: "impostor",
		Response: []byte(`{}`),
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestFailureReportMarksFailed(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	agents := agentsvc.Service(gw)
	ctx := context.Background()

	agent := registerAgent(t, gw, "mistral")
	task, err := svc.Submit(ctx, &SubmitRequest{
		UserID: uuid.NewString(),
		Type:   models.AiTaskTypeGenerate,
		Model:  "mistral",
	})
	require.NoError(t, err)

	polled, err := agents.Poll(ctx, agent.DeviceID, 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	require.Equal(t, pool.EventExecOllama, polled[0].Name)

	msg := "model not loaded"
	require.NoError(t, svc.Result(ctx, &ResultRequest{
		ID:       task.ID.String(),
		DeviceID: agent.DeviceID,
		Error:    &msg,
	}))

	failed, err := svc.Get(ctx, task.ID.String())
	require.NoError(t, err)
	require.Equal(t, models.AiTaskFailed, failed.State)
	require.NotNil(t, failed.Error)
	require.Equal(t, msg, *failed.Error)
}

func TestGetUnknownTask(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)

	_, err := svc.Get(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Get(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWaitForResultTimesOutPending(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)

	task, err := svc.Submit(context.Background(), &SubmitRequest{
		UserID: uuid.NewString(),
		Type:   models.AiTaskTypeChat,
		Model:  "gpt-4o-mini",
	})
	require.NoError(t, err)

	out, err := svc.WaitForResult(context.Background(), &WaitRequest{
		ID:      task.ID.String(),
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, models.AiTaskQueued, out.State)
}
