package agent

import (
	"context"
	"testing"
	"time"

	"github.com/comfygate/comfygate/internal/gateway"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
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
		PollWindow:     200 * time.Millisecond,
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

func TestRegisterUpsertsAndReturnsManifest(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	ctx := context.Background()

	req := &RegisterRequest{
		DeviceID: uuid.NewString(),
		UserID:   uuid.NewString(),
		Nodes:    []string{"LoraLoader"},
		Models:   []string{"llama3"},
		GPUs:     []models.GPUInfo{{Name: "RTX 4090", MemoryMB: 24576}},
	}

	resp, err := svc.Register(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp.Settings)

	stored, ok := gw.Agents.Get(req.DeviceID)
	require.True(t, ok)
	require.Equal(t, req.UserID, stored.UserID)
	require.Contains(t, stored.NodeSet(), "LoraLoader")
	require.Equal(t, int64(24576), stored.MaxGPUMemoryMB())

	// Re-registering with a changed inventory replaces the record.
	req.Nodes = []string{"LoraLoader", "IPAdapter"}
	_, err = svc.Register(ctx, req)
	require.NoError(t, err)

	stored, ok = gw.Agents.Get(req.DeviceID)
	require.True(t, ok)
	require.Contains(t, stored.NodeSet(), "IPAdapter")
}

func TestRegisterReleasesStaleAssignments(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	ctx := context.Background()

	deviceID := uuid.NewString()
	promptID := uuid.NewString()
	stuck := testutil.SeedGeneration(t, gw.DB, testutil.GenerationInput{
		DeviceID: &deviceID,
		PromptID: &promptID,
		Status:   models.StatusGenerationStarted,
	})
	done := testutil.SeedGeneration(t, gw.DB, testutil.GenerationInput{
		DeviceID: &deviceID,
		Status:   models.StatusGenerationCompleted,
		Result:   []byte(`{"images":[]}`),
	})
	task := &models.AiTask{
		ID:        uuid.New(),
		Type:      models.AiTaskTypeGenerate,
		UserID:    uuid.NewString(),
		Model:     "llama3",
		DeviceID:  &deviceID,
		State:     models.AiTaskStarted,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, gw.DB.Create(task).Error)

	_, err := svc.Register(ctx, &RegisterRequest{DeviceID: deviceID, UserID: uuid.NewString()})
	require.NoError(t, err)

	var released models.Generation
	require.NoError(t, gw.DB.First(&released, "id = ?", stuck.ID).Error)
	require.Nil(t, released.DeviceID)
	require.Nil(t, released.PromptID)
	require.Equal(t, models.StatusReAddedToAgentsPool, released.Status)
	require.True(t, gw.Pool.Contains(stuck.ID))

	// Terminal rows keep their assignment history.
	var finished models.Generation
	require.NoError(t, gw.DB.First(&finished, "id = ?", done.ID).Error)
	require.NotNil(t, finished.DeviceID)
	require.False(t, gw.Pool.Contains(done.ID))

	var requeued models.AiTask
	require.NoError(t, gw.DB.First(&requeued, "id = ?", task.ID).Error)
	require.Equal(t, models.AiTaskQueued, requeued.State)
	require.Nil(t, requeued.DeviceID)
}

func TestUpdateStatePersistsHeartbeat(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	ctx := context.Background()

	deviceID := uuid.NewString()
	_, err := svc.Register(ctx, &RegisterRequest{DeviceID: deviceID, UserID: uuid.NewString()})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateState(ctx, &StateRequest{
		DeviceID:   deviceID,
		RunningIDs: []string{"g1"},
		QueuedIDs:  []string{"g2", "g3"},
		QueueCount: 3,
		Status:     "running",
	}))

	agent, ok := gw.Agents.Get(deviceID)
	require.True(t, ok)
	require.Equal(t, 3, agent.QueueCount)
	require.Contains(t, agent.HeldJobIDs(), "g1")
	require.Contains(t, agent.HeldJobIDs(), "g3")

	var stored models.Agent
	require.NoError(t, gw.DB.First(&stored, "device_id = ?", deviceID).Error)
	require.Equal(t, 3, stored.QueueCount)
	require.Equal(t, "running", stored.Status)
}

func TestUpdateStateUnknownDevice(t *testing.T) {
	gw := newGateway(t)

	err := Service(gw).UpdateState(context.Background(), &StateRequest{DeviceID: "ghost"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommandEnqueuesForKnownDeviceOnly(t *testing.T) {
	gw := newGateway(t)
	svc := Service(gw)
	ctx := context.Background()

	err := svc.Command(ctx, "ghost", pool.AgentEvent{Name: pool.EventReboot})
	require.ErrorIs(t, err, ErrNotFound)

	deviceID := uuid.NewString()
	_, err = svc.Register(ctx, &RegisterRequest{DeviceID: deviceID, UserID: uuid.NewString()})
	require.NoError(t, err)

	require.NoError(t, svc.Command(ctx, deviceID, pool.AgentEvent{
		Name: pool.EventDownloadModel,
		Args: map[string]string{"url": "https://example.com/model.safetensors"},
	}))

	events, err := svc.Poll(ctx, deviceID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, pool.EventDownloadModel, events[0].Name)
}
