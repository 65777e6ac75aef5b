package credits

import (
	"context"
	"testing"
	"time"

	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	cases := []struct {
		name     string
		memoryMB int64
		duration time.Duration
		want     int64
	}{
		{"24gb for 23s", 24576, 23 * time.Second, 56},
		{"rounds gpu memory up to whole gb", 24000, 23 * time.Second, 56},
		{"rounds seconds up", 8192, 1500 * time.Millisecond, 2},
		{"small job still costs one credit", 1024, time.Second, 1},
		{"exact multiple of ten", 10240, 10 * time.Second, 10},
		{"zero duration", 24576, 0, 0},
		{"unknown gpu", 0, 30 * time.Second, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Cost(tc.memoryMB, tc.duration))
		})
	}
}

func TestSettleTransfersBetweenUsers(t *testing.T) {
	db := testutil.OpenTestDB(t)
	t.Cleanup(func() {
		testutil.CloseDB(db)
	})
	ctx := context.Background()

	gen := testutil.SeedGeneration(t, db, testutil.GenerationInput{})
	agent := testutil.SeedAgent(t, db, testutil.AgentInput{GPUMB: 24576})

	ledger := NewLedger(db)
	cost, err := ledger.Settle(ctx, gen, agent, 23*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(56), cost)

	submitterBalance, err := ledger.Balance(ctx, gen.UserID)
	require.NoError(t, err)
	require.Equal(t, int64(-56), submitterBalance)

	ownerBalance, err := ledger.Balance(ctx, agent.UserID)
	require.NoError(t, err)
	require.Equal(t, int64(56), ownerBalance)

	var rows models.CreditLogs
	require.NoError(t, db.Where("generation_id = ?", gen.ID).Find(&rows).Error)
	require.Len(t, rows, 2)
}

func TestSettleSameUserWritesNothing(t *testing.T) {
	db := testutil.OpenTestDB(t)
	t.Cleanup(func() {
		testutil.CloseDB(db)
	})
	ctx := context.Background()

	agent := testutil.SeedAgent(t, db, testutil.AgentInput{GPUMB: 24576})
	gen := testutil.SeedGeneration(t, db, testutil.GenerationInput{UserID: agent.UserID})

	ledger := NewLedger(db)
	cost, err := ledger.Settle(ctx, gen, agent, 23*time.Second)
	require.NoError(t, err)
	require.Equal(t, int64(56), cost)

	var count int64
	require.NoError(t, db.Model(&models.CreditLog{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestBalanceOfUnknownUserIsZero(t *testing.T) {
	db := testutil.OpenTestDB(t)
	t.Cleanup(func() {
		testutil.CloseDB(db)
	})

	balance, err := NewLedger(db).Balance(context.Background(), "nobody")
	require.NoError(t, err)
	require.Zero(t, balance)
}
