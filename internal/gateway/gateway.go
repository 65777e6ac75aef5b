package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/comfygate/comfygate/internal/aitask"
	"github.com/comfygate/comfygate/internal/capability"
	"github.com/comfygate/comfygate/internal/credits"
	"github.com/comfygate/comfygate/internal/delivery"
	"github.com/comfygate/comfygate/internal/dispatch"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/notify"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/internal/settings"
	"github.com/comfygate/comfygate/internal/stream"
	"github.com/comfygate/comfygate/internal/workflow"
	"github.com/comfygate/comfygate/pkg/log"
	"gorm.io/gorm"
)

// Config carries the tuning knobs threaded down from the environment.
type Config struct {
	PollWindow     time.Duration
	SignalInterval time.Duration
	StaleAfter     time.Duration
	ActiveWindow   time.Duration
	DispatchTake   int
	BaseURL        string
	SettingsPath   string
}

// Gateway is the process-wide service object owning the in-memory
// state: the generation pool, the per-agent event queues and the agent
// registry. One instance per running process, constructed at boot.
type Gateway struct {
	DB         *gorm.DB
	Pool       *pool.Store
	Queues     *pool.EventQueues
	Agents     *pool.AgentRegistry
	Matcher    *capability.Matcher
	Ledger     *credits.Ledger
	Dispatcher *dispatch.Dispatcher
	Tasks      *aitask.Pipeline
	Poller     *delivery.Poller
	Compiler   workflow.Compiler
	Settings   *settings.Settings
	Bus        stream.Bus
	Notifier   *notify.Notifier

	Config Config
}

// New wires the gateway components together.
func New(db *gorm.DB, compiler workflow.Compiler, cfg Config) (*Gateway, error) {
	manifest, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}

	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = 10 * time.Minute
	}
	if compiler == nil {
		compiler = &workflow.StaticCompiler{}
	}

	store := pool.NewStore(db)
	queues := pool.NewEventQueues()
	agents := pool.NewAgentRegistry(cfg.ActiveWindow)
	matcher := capability.NewMatcher()
	ledger := credits.NewLedger(db)
	dispatcher := dispatch.New(db, store, agents, matcher, ledger, cfg.StaleAfter)
	tasks := aitask.NewPipeline(db, store.Signals())
	bus := stream.New()

	// Caption responses reach stream subscribers the same way generation
	// status changes do.
	tasks.RegisterCallback(aitask.CallbackCaption, func(_ context.Context, task *models.AiTask) {
		device := ""
		if task.DeviceID != nil {
			device = *task.DeviceID
		}
		bus.Publish(stream.Event{
			Type:     stream.TypeTaskExecuted,
			TaskID:   task.ID.String(),
			UserID:   task.UserID,
			DeviceID: device,
			Payload:  json.RawMessage(task.Response),
		})
	})
	poller := delivery.NewPoller(db, store, queues, agents, dispatcher, tasks, delivery.Config{
		Window:   cfg.PollWindow,
		Interval: cfg.SignalInterval,
		MaxDepth: cfg.DispatchTake,
		BaseURL:  cfg.BaseURL,
	})

	gw := &Gateway{
		DB:         db,
		Pool:       store,
		Queues:     queues,
		Agents:     agents,
		Matcher:    matcher,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Tasks:      tasks,
		Poller:     poller,
		Compiler:   compiler,
		Settings:   manifest,
		Bus:        bus,
		Notifier:   notify.New(nil),
		Config:     cfg,
	}
	return gw, nil
}

// Start warms the in-memory state from the backing store: the
// generation pool and the registered-agent view.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.Pool.Reload(ctx); err != nil {
		return err
	}

	var agents models.Agents
	if err := g.DB.WithContext(ctx).Find(&agents).Error; err != nil {
		return err
	}
	for _, agent := range agents {
		g.Agents.Put(agent)
	}

	log.Info("gateway started", "agents", len(agents), "pooled", g.Pool.Len())
	return nil
}
