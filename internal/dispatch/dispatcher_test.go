package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/comfygate/comfygate/internal/capability"
	"github.com/comfygate/comfygate/internal/credits"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db       *gorm.DB
	store    *pool.Store
	registry *pool.AgentRegistry
	ledger   *credits.Ledger
	dsp      *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.OpenTestDB(t)
	t.Cleanup(func() {
		testutil.CloseDB(db)
	})

	store := pool.NewStore(db)
	registry := pool.NewAgentRegistry(5 * time.Minute)
	ledger := credits.NewLedger(db)
	dsp := New(db, store, registry, capability.NewMatcher(), ledger, 5*time.Minute)

	return &fixture{db: db, store: store, registry: registry, ledger: ledger, dsp: dsp}
}

func (f *fixture) agent(t *testing.T, nodes ...string) *models.Agent {
	t.Helper()

	a := testutil.SeedAgent(t, f.db, testutil.AgentInput{Nodes: nodes, GPUMB: 24576})
	f.registry.Put(a)
	return a
}

// seedPooled writes the row and queues it for dispatch, the same path a
// fresh submission takes.
func (f *fixture) seedPooled(t *testing.T, in testutil.GenerationInput) *models.Generation {
	t.Helper()

	g := testutil.SeedGeneration(t, f.db, in)
	f.store.QueueGeneration(g)
	return g
}

func (f *fixture) topUp(t *testing.T, userID string, amount int64) {
	t.Helper()

	require.NoError(t, f.db.Create(&models.CreditLog{
		ID:        uuid.New(),
		UserID:    userID,
		Delta:     amount,
		Reason:    models.CreditReasonTopUp,
		CreatedAt: time.Now().UTC(),
	}).Error)
}

func TestClaimAssignsUnclaimedGeneration(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t)
	g := f.seedPooled(t, testutil.GenerationInput{})

	claimed, err := f.dsp.NextGenerations(context.Background(), agent, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, g.ID, claimed[0].ID)
	require.Equal(t, agent.DeviceID, claimed[0].Device())
	require.Equal(t, models.StatusAssignedToAgent, claimed[0].Status)

	// Claimed work leaves the pool.
	require.False(t, f.store.Contains(g.ID))
}

func TestCapabilityMismatchLeavesGenerationPooled(t *testing.T) {
	f := newFixture(t)
	bare := f.agent(t)
	equipped := f.agent(t, "LoraLoader")

	g := f.seedPooled(t, testutil.GenerationInput{RequiredNodes: []string{"LoraLoader"}})

	claimed, err := f.dsp.NextGenerations(context.Background(), bare, 3)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.True(t, f.store.Contains(g.ID))

	claimed, err = f.dsp.NextGenerations(context.Background(), equipped, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, g.ID, claimed[0].ID)
}

func TestAffinityTierWinsOverUnclaimed(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t)

	older := time.Now().UTC().Add(-time.Minute)
	stranger := f.seedPooled(t, testutil.GenerationInput{CreatedAt: older})
	own := f.seedPooled(t, testutil.GenerationInput{UserID: agent.UserID})

	claimed, err := f.dsp.NextGenerations(context.Background(), agent, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, own.ID, claimed[0].ID)
	require.True(t, f.store.Contains(stranger.ID))
}

func TestDevicePinnedGenerationOnlyGoesToItsDevice(t *testing.T) {
	f := newFixture(t)
	pinned := f.agent(t)
	other := f.agent(t)

	g := f.seedPooled(t, testutil.GenerationInput{DeviceID: &pinned.DeviceID})

	claimed, err := f.dsp.NextGenerations(context.Background(), other, 3)
	require.NoError(t, err)
	require.Empty(t, claimed)

	claimed, err = f.dsp.NextGenerations(context.Background(), pinned, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, g.ID, claimed[0].ID)
}

func TestDispatchPrefersHigherBalanceThenOlderSubmission(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t)

	now := time.Now().UTC()
	rich := uuid.NewString()
	poor := uuid.NewString()
	f.topUp(t, rich, 100)
	f.topUp(t, poor, 10)

	// The poor user submitted first; balance still wins.
	poorJob := f.seedPooled(t, testutil.GenerationInput{UserID: poor, CreatedAt: now.Add(-time.Minute)})
	richJob := f.seedPooled(t, testutil.GenerationInput{UserID: rich, CreatedAt: now})

	claimed, err := f.dsp.NextGenerations(context.Background(), agent, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, richJob.ID, claimed[0].ID)

	// The agent acknowledges the first assignment before asking again.
	f.registry.SetReported(agent.DeviceID, nil, []string{richJob.ID}, "running", nil)
	refreshed, ok := f.registry.Get(agent.DeviceID)
	require.True(t, ok)

	claimed, err = f.dsp.NextGenerations(context.Background(), refreshed, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, poorJob.ID, claimed[0].ID)
}

func TestStaleReassignmentRespectsGracePeriod(t *testing.T) {
	f := newFixture(t)
	rescuer := f.agent(t)
	dead := "gone-device"

	now := time.Now().UTC()
	promptID := uuid.NewString()
	fresh := f.seedPooled(t, testutil.GenerationInput{
		DeviceID:  &dead,
		PromptID:  &promptID,
		Status:    models.StatusGenerationStarted,
		CreatedAt: now.Add(-4*time.Minute - 59*time.Second),
	})
	expired := f.seedPooled(t, testutil.GenerationInput{
		DeviceID:  &dead,
		PromptID:  &promptID,
		Status:    models.StatusGenerationStarted,
		CreatedAt: now.Add(-5*time.Minute - time.Second),
	})

	claimed, err := f.dsp.NextGenerations(context.Background(), rescuer, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, expired.ID, claimed[0].ID)
	require.Equal(t, rescuer.DeviceID, claimed[0].Device())
	require.Nil(t, claimed[0].PromptID)

	require.True(t, f.store.Contains(fresh.ID))
}

func TestStaleReassignmentSkipsActiveDevices(t *testing.T) {
	f := newFixture(t)
	rescuer := f.agent(t)
	holder := f.agent(t)

	promptID := uuid.NewString()
	f.seedPooled(t, testutil.GenerationInput{
		DeviceID:  &holder.DeviceID,
		PromptID:  &promptID,
		Status:    models.StatusGenerationStarted,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	})

	claimed, err := f.dsp.NextGenerations(context.Background(), rescuer, 3)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestConcurrentClaimGoesToExactlyOneAgent(t *testing.T) {
	f := newFixture(t)
	first := f.agent(t)
	second := f.agent(t)

	g := testutil.SeedGeneration(t, f.db, testutil.GenerationInput{})

	// Two dispatchers over separate pools simulate two gateway calls
	// snapshotting the same generation before either claims it.
	otherStore := pool.NewStore(f.db)
	otherDsp := New(f.db, otherStore, f.registry, capability.NewMatcher(), f.ledger, 5*time.Minute)
	f.store.QueueGeneration(g)
	otherStore.QueueGeneration(g)

	won, err := f.dsp.NextGenerations(context.Background(), first, 1)
	require.NoError(t, err)
	require.Len(t, won, 1)

	lost, err := otherDsp.NextGenerations(context.Background(), second, 1)
	require.NoError(t, err)
	require.Empty(t, lost)

	// The losing call still drops the id from its pool.
	require.False(t, otherStore.Contains(g.ID))

	var stored models.Generation
	require.NoError(t, f.db.First(&stored, "id = ?", g.ID).Error)
	require.Equal(t, first.DeviceID, stored.Device())
}

func TestRecoveryRedeliversAssignmentsLostOnRestart(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t)

	lost := testutil.SeedGeneration(t, f.db, testutil.GenerationInput{
		DeviceID: &agent.DeviceID,
		Status:   models.StatusAssignedToAgent,
	})
	held := testutil.SeedGeneration(t, f.db, testutil.GenerationInput{
		DeviceID: &agent.DeviceID,
		Status:   models.StatusGenerationStarted,
	})

	// The agent still reports the second one in its running set.
	f.registry.SetReported(agent.DeviceID, []string{held.ID}, nil, "running", nil)
	refreshed, ok := f.registry.Get(agent.DeviceID)
	require.True(t, ok)

	claimed, err := f.dsp.NextGenerations(context.Background(), refreshed, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, lost.ID, claimed[0].ID)
}

func TestTerminalRowsAreDroppedNotDispatched(t *testing.T) {
	f := newFixture(t)
	agent := f.agent(t)

	g := testutil.SeedGeneration(t, f.db, testutil.GenerationInput{})
	f.store.QueueGeneration(g)

	// The row terminates after pooling; the conditional claim must
	// refuse it even though the pooled copy looks dispatchable.
	msg := "engine failure"
	require.NoError(t, f.db.Model(&models.Generation{}).
		Where("id = ?", g.ID).
		Update("error", msg).Error)

	claimed, err := f.dsp.NextGenerations(context.Background(), agent, 3)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.False(t, f.store.Contains(g.ID))
}
