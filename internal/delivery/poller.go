package delivery

import (
	"context"
	"strings"
	"time"

	"github.com/comfygate/comfygate/internal/aitask"
	"github.com/comfygate/comfygate/internal/dispatch"
	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/pkg/log"
	"gorm.io/gorm"
)

// Poller is the long-poll loop agents call into for work. Each call
// drains the agent's event queue, asks the dispatcher and the ai-task
// pipeline for fresh assignments when their wake-up counters move, and
// otherwise sleeps in short bounded intervals. A timed-out call runs
// the reconciliation sweep before returning, which is the self-healing
// backstop against lost signals.
type Poller struct {
	db         *gorm.DB
	pool       *pool.Store
	queues     *pool.EventQueues
	agents     *pool.AgentRegistry
	dispatcher *dispatch.Dispatcher
	tasks      *aitask.Pipeline

	window   time.Duration
	interval time.Duration
	maxDepth int
	baseURL  string
}

type Config struct {
	Window   time.Duration
	Interval time.Duration
	MaxDepth int
	BaseURL  string
}

func NewPoller(db *gorm.DB, p *pool.Store, queues *pool.EventQueues, agents *pool.AgentRegistry, dispatcher *dispatch.Dispatcher, tasks *aitask.Pipeline, cfg Config) *Poller {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}

	return &Poller{
		db:         db,
		pool:       p,
		queues:     queues,
		agents:     agents,
		dispatcher: dispatcher,
		tasks:      tasks,
		window:     cfg.Window,
		interval:   cfg.Interval,
		maxDepth:   cfg.MaxDepth,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Poll blocks for up to the poll window and returns the next batch of
// events for the device. "No work" is an empty slice, never an error.
func (p *Poller) Poll(ctx context.Context, deviceID string, queueDepth int) ([]pool.AgentEvent, error) {
	if !p.agents.Touch(deviceID, queueDepth) {
		// Unknown device: it must re-register before receiving work.
		metrics.PollRequestsTotal.WithLabelValues("register").Inc()
		return []pool.AgentEvent{{Name: pool.EventRegister}}, nil
	}

	signals := p.pool.Signals()
	queue := p.queues.For(deviceID)
	deadline := time.Now().Add(p.window)

	// Force a dispatch attempt on the first pass: pooled work may
	// predate this call's counter snapshots.
	genSince := signals.GenerationRequest.Value() - 1
	taskSince := signals.AiTaskRequest.Value() - 1

	for {
		agent, ok := p.agents.Get(deviceID)
		if !ok {
			metrics.PollRequestsTotal.WithLabelValues("register").Inc()
			return []pool.AgentEvent{{Name: pool.EventRegister}}, nil
		}

		spare := p.maxDepth - agent.QueueCount
		if spare < 0 {
			spare = 0
		}

		if events := queue.Drain(spare); len(events) > 0 {
			return p.deliver("queue", events), nil
		}

		if spare > 0 && signals.GenerationRequest.Changed(genSince) {
			genSince = signals.GenerationRequest.Value()

			generations, err := p.dispatcher.NextGenerations(ctx, agent, spare)
			if err != nil {
				return nil, err
			}
			if len(generations) > 0 {
				return p.deliver("dispatch", p.wrapGenerations(generations)), nil
			}
		}

		if spare > 0 && signals.AiTaskRequest.Changed(taskSince) {
			taskSince = signals.AiTaskRequest.Value()

			tasks, err := p.tasks.NextTasks(ctx, agent, spare)
			if err != nil {
				return nil, err
			}
			if len(tasks) > 0 {
				return p.deliver("aitask", p.wrapTasks(tasks)), nil
			}
		}

		if time.Now().After(deadline) {
			break
		}

		// Sleep one interval, waking early if an out-of-band command
		// lands on the queue in the meantime.
		if events := queue.Take(ctx, spare, p.interval); len(events) > 0 {
			return p.deliver("queue", events), nil
		}
		if ctx.Err() != nil {
			metrics.PollRequestsTotal.WithLabelValues("cancelled").Inc()
			return nil, nil
		}
	}

	// Window elapsed with no work: reconcile, then one last attempt.
	if _, err := p.Reconcile(ctx); err != nil {
		log.Error("reconciliation sweep failure", "error", err)
	}

	if agent, ok := p.agents.Get(deviceID); ok {
		spare := p.maxDepth - agent.QueueCount
		if spare > 0 {
			generations, err := p.dispatcher.NextGenerations(ctx, agent, spare)
			if err != nil {
				return nil, err
			}
			if len(generations) > 0 {
				return p.deliver("sweep", p.wrapGenerations(generations)), nil
			}
		}
	}

	metrics.PollRequestsTotal.WithLabelValues("timeout").Inc()
	return []pool.AgentEvent{}, nil
}

// Reconcile re-pools any non-terminal generation older than the
// active-agent window that neither the pool nor any agent reports
// holding, and re-signals stalled auxiliary tasks. It returns the
// number of generations re-added.
func (p *Poller) Reconcile(ctx context.Context) (int, error) {
	metrics.ReconcileSweepsTotal.Inc()

	cutoff := time.Now().UTC().Add(-p.agents.ActiveWindow())
	var rows models.Generations
	err := p.db.WithContext(ctx).
		Where("result IS NULL AND error IS NULL AND deleted = ? AND created_at < ?", false, cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, g := range rows {
		if p.pool.Contains(g.ID) || p.agents.AnyoneHolds(g.ID) {
			continue
		}

		p.pool.QueueGeneration(g)
		requeued++
		metrics.ReconciledGenerationsTotal.Inc()
		log.Info("re-pooled orphaned generation",
			"generation_id", g.ID,
			"device_id", g.Device(),
			"age", time.Since(g.CreatedAt).String(),
		)
	}

	if _, err := p.tasks.RequeueStalled(ctx, p.agents.ActiveWindow()); err != nil {
		log.Error("stalled ai task requeue failure", "error", err)
	}

	return requeued, nil
}

func (p *Poller) deliver(outcome string, events []pool.AgentEvent) []pool.AgentEvent {
	metrics.PollRequestsTotal.WithLabelValues(outcome).Inc()
	for _, e := range events {
		metrics.EventsDeliveredTotal.WithLabelValues(string(e.Name)).Inc()
	}
	return events
}

func (p *Poller) wrapGenerations(generations models.Generations) []pool.AgentEvent {
	events := make([]pool.AgentEvent, 0, len(generations))
	for _, g := range generations {
		args := map[string]string{
			"id":  g.ID,
			"url": p.baseURL + "/v1/generations/" + g.ID + "/prompt",
		}
		if inputs := g.InputFiles(); len(inputs) > 0 {
			args["inputs"] = strings.Join(inputs, ",")
		}
		events = append(events, pool.AgentEvent{Name: pool.EventExecWorkflow, Args: args})
	}
	return events
}

func (p *Poller) wrapTasks(tasks models.AiTasks) []pool.AgentEvent {
	events := make([]pool.AgentEvent, 0, len(tasks))
	for _, t := range tasks {
		name := pool.EventExecOllama
		switch t.Type {
		case models.AiTaskTypeCaption:
			name = pool.EventCaptionImage
		case models.AiTaskTypeChat:
			name = pool.EventExecChat
		}

		events = append(events, pool.AgentEvent{
			Name: name,
			Args: map[string]string{
				"id":      t.ID.String(),
				"model":   t.Model,
				"request": string(t.Request),
			},
		})
	}
	return events
}
