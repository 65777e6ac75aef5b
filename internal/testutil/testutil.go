package testutil

import (
	"strconv"
	"testing"
	"time"

	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/pkg/jsonmap"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// OpenTestDB returns an in-memory sqlite DB with migrations applied.
func OpenTestDB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}

	if err := db.AutoMigrate(models.All...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}

	return db
}

// CloseDB closes the underlying sql.DB if available.
func CloseDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// GenerationInput seeds one generation row with sensible defaults.
type GenerationInput struct {
	ID             string
	UserID         string
	DeviceID       *string
	PromptID       *string
	Status         models.StatusUpdate
	RequiredNodes  []string
	RequiredAssets []string
	Error          *string
	Result         []byte
	CreatedAt      time.Time
}

// SeedGeneration inserts a generation row for tests.
func SeedGeneration(tb testing.TB, db *gorm.DB, in GenerationInput) *models.Generation {
	tb.Helper()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.UserID == "" {
		in.UserID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = models.StatusInAgentsPool
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}

	g := &models.Generation{
		ID:             in.ID,
		UserID:         in.UserID,
		DeviceID:       in.DeviceID,
		PromptID:       in.PromptID,
		WorkflowRef:    "workflows/test",
		Status:         in.Status,
		RequiredNodes:  jsonmap.FromStringSlice(in.RequiredNodes),
		RequiredAssets: jsonmap.FromStringSlice(in.RequiredAssets),
		Error:          in.Error,
		Result:         in.Result,
		CreatedBy:      in.UserID,
		ModifiedBy:     in.UserID,
		CreatedAt:      in.CreatedAt,
		ModifiedAt:     in.CreatedAt,
	}

	if err := db.Create(g).Error; err != nil {
		tb.Fatalf("seed generation: %v", err)
	}
	return g
}

// AgentInput seeds one agent row with sensible defaults.
type AgentInput struct {
	DeviceID   string
	UserID     string
	Nodes      []string
	Assets     map[string][]string
	Models     []string
	RunningIDs []string
	QueuedIDs  []string
	GPUMB      int64
	LastUpdate time.Time
}

// SeedAgent inserts an agent row for tests.
func SeedAgent(tb testing.TB, db *gorm.DB, in AgentInput) *models.Agent {
	tb.Helper()

	if in.DeviceID == "" {
		in.DeviceID = uuid.NewString()
	}
	if in.UserID == "" {
		in.UserID = uuid.NewString()
	}
	if in.LastUpdate.IsZero() {
		in.LastUpdate = time.Now().UTC()
	}

	assets := map[string]interface{}{}
	for category, files := range in.Assets {
		values := make([]interface{}, len(files))
		for i, f := range files {
			values[i] = f
		}
		assets[category] = values
	}

	gpus := jsonmap.FromStringSlice(nil)
	if in.GPUMB > 0 {
		gpus = []byte(`[{"name":"GPU0","memory_mb":` + strconv.FormatInt(in.GPUMB, 10) + `}]`)
	}

	a := &models.Agent{
		DeviceID:   in.DeviceID,
		UserID:     in.UserID,
		Nodes:      jsonmap.FromStringSlice(in.Nodes),
		Assets:     assets,
		Models:     jsonmap.FromStringSlice(in.Models),
		RunningIDs: jsonmap.FromStringSlice(in.RunningIDs),
		QueuedIDs:  jsonmap.FromStringSlice(in.QueuedIDs),
		GPUs:       gpus,
		LastUpdate: in.LastUpdate,
	}

	if err := db.Create(a).Error; err != nil {
		tb.Fatalf("seed agent: %v", err)
	}
	return a
}

