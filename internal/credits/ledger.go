package credits

import (
	"context"
	"math"
	"time"

	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/pkg/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Cost computes the credit price of a generation: the agent's largest
// GPU in whole GB times the execution seconds, divided by ten, rounded
// up. A 24576MB GPU running 23s costs ceil(24*23/10) = 56 credits.
func Cost(gpuMemoryMB int64, duration time.Duration) int64 {
	if gpuMemoryMB <= 0 || duration <= 0 {
		return 0
	}

	gb := int64(math.Ceil(float64(gpuMemoryMB) / 1024))
	secs := int64(math.Ceil(duration.Seconds()))
	return (gb*secs + 9) / 10
}

// Ledger records debit/credit pairs against the append-only credit log.
type Ledger struct {
	db *gorm.DB
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Balance sums a user's ledger rows.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.db.WithContext(ctx).
		Model(&models.CreditLog{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(delta), 0)").
		Scan(&balance).Error
	return balance, err
}

// Settle charges the generation's creator and pays the agent's owner
// for one completed generation. Both rows are written in a single
// transaction; same-user completions transfer nothing. It returns the
// computed cost either way.
func (l *Ledger) Settle(ctx context.Context, gen *models.Generation, agent *models.Agent, duration time.Duration) (int64, error) {
	cost := Cost(agent.MaxGPUMemoryMB(), duration)
	if cost == 0 || gen.UserID == agent.UserID {
		return cost, nil
	}

	now := time.Now().UTC()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		debit := &models.CreditLog{
			ID:           uuid.New(),
			UserID:       gen.UserID,
			Delta:        -cost,
			Reason:       models.CreditReasonGenerationDebit,
			GenerationID: gen.ID,
			CreatedAt:    now,
		}
		credit := &models.CreditLog{
			ID:           uuid.New(),
			UserID:       agent.UserID,
			Delta:        cost,
			Reason:       models.CreditReasonGenerationCredit,
			GenerationID: gen.ID,
			CreatedAt:    now,
		}
		return tx.Create(models.CreditLogs{debit, credit}).Error
	})
	if err != nil {
		return 0, err
	}

	metrics.CreditsTransferredTotal.Add(float64(cost))
	log.Info("settled generation credits",
		"generation_id", gen.ID,
		"from", gen.UserID,
		"to", agent.UserID,
		"credits", cost,
	)
	return cost, nil
}
