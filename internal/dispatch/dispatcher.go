package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/comfygate/comfygate/internal/capability"
	"github.com/comfygate/comfygate/internal/credits"
	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/internal/pool"
	"github.com/comfygate/comfygate/pkg/log"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
)

const defaultStaleAfter = 5 * time.Minute

// Dispatcher assigns pooled generations to requesting agents. Tiers
// run in strict order over a snapshot copied once per call; the
// conditional update against the backing store is the sole at-most-once
// guarantee, so no in-process lock serializes concurrent calls.
type Dispatcher struct {
	db         *gorm.DB
	pool       *pool.Store
	agents     *pool.AgentRegistry
	matcher    *capability.Matcher
	ledger     *credits.Ledger
	staleAfter time.Duration
}

func New(db *gorm.DB, p *pool.Store, agents *pool.AgentRegistry, matcher *capability.Matcher, ledger *credits.Ledger, staleAfter time.Duration) *Dispatcher {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	return &Dispatcher{
		db:         db,
		pool:       p,
		agents:     agents,
		matcher:    matcher,
		ledger:     ledger,
		staleAfter: staleAfter,
	}
}

// pass carries the per-call state shared between tiers: the candidate
// snapshot, the capability misses already seen, and what was claimed.
type pass struct {
	agent        *models.Agent
	held         map[string]struct{}
	active       map[string]struct{}
	candidates   models.Generations
	incompatible map[string]struct{}
	claimed      models.Generations
	take         int
	now          time.Time
}

func (p *pass) done() bool {
	return len(p.claimed) >= p.take
}

func (p *pass) prune(id string) {
	for i, g := range p.candidates {
		if g.ID == id {
			p.candidates = append(p.candidates[:i], p.candidates[i+1:]...)
			return
		}
	}
}

type tier struct {
	name  string
	match func(p *pass, g *models.Generation) bool
	stale bool
}

// NextGenerations returns up to take generations newly claimed for the
// requesting agent, walking the recovery, affinity, unclaimed and
// stale-reassignment tiers in order.
func (d *Dispatcher) NextGenerations(ctx context.Context, agent *models.Agent, take int) (models.Generations, error) {
	if agent == nil || take <= 0 {
		return nil, nil
	}

	p := &pass{
		agent:        agent,
		held:         agent.HeldJobIDs(),
		active:       d.agents.ActiveDevices(),
		incompatible: map[string]struct{}{},
		take:         take,
		now:          time.Now().UTC(),
	}

	// Tier 1: re-deliver generations the store says this device owns
	// but the device no longer reports holding (lost on restart). The
	// device already claimed them, so capability is not re-checked.
	if err := d.recover(ctx, p); err != nil {
		return nil, err
	}
	if p.done() {
		return p.claimed, nil
	}

	p.candidates = p.sortCandidates(ctx, d.pool.Snapshot(), d.ledger)

	tiers := []tier{
		{
			name: "affinity",
			match: func(p *pass, g *models.Generation) bool {
				return g.PromptID == nil &&
					(g.Device() == p.agent.DeviceID || g.UserID == p.agent.UserID)
			},
		},
		{
			name: "unclaimed",
			match: func(p *pass, g *models.Generation) bool {
				return g.PromptID == nil && g.DeviceID == nil
			},
		},
		{
			name: "unassigned",
			match: func(p *pass, g *models.Generation) bool {
				return g.DeviceID == nil
			},
		},
		{
			name:  "stale",
			stale: true,
			match: func(p *pass, g *models.Generation) bool {
				if g.DeviceID == nil || p.now.Sub(g.CreatedAt) <= d.staleAfter {
					return false
				}
				_, active := p.active[*g.DeviceID]
				return !active && *g.DeviceID != p.agent.DeviceID
			},
		},
	}

	for _, t := range tiers {
		if err := d.runTier(ctx, p, t); err != nil {
			return nil, err
		}
		if p.done() {
			break
		}
	}

	return p.claimed, nil
}

func (d *Dispatcher) recover(ctx context.Context, p *pass) error {
	var rows models.Generations
	err := d.db.WithContext(ctx).
		Where("device_id = ? AND result IS NULL AND error IS NULL AND deleted = ?", p.agent.DeviceID, false).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return err
	}

	for _, g := range rows {
		if p.done() {
			return nil
		}
		if _, held := p.held[g.ID]; held {
			continue
		}

		p.claimed = append(p.claimed, g)
		metrics.DispatchClaimsTotal.WithLabelValues(p.agent.DeviceID, "recovery").Inc()
		log.Info("re-delivering generation lost on agent restart",
			"generation_id", g.ID,
			"device_id", p.agent.DeviceID,
		)
	}
	return nil
}

func (d *Dispatcher) runTier(ctx context.Context, p *pass, t tier) error {
	// Walk a local copy: claims prune p.candidates in place.
	matching := make(models.Generations, 0, len(p.candidates))
	for _, g := range p.candidates {
		if t.match(p, g) {
			matching = append(matching, g)
		}
	}

	for _, g := range matching {
		if p.done() {
			return nil
		}
		if _, bad := p.incompatible[g.ID]; bad {
			continue
		}
		if g.Terminal() {
			p.prune(g.ID)
			d.pool.RemoveGeneration(g.ID)
			continue
		}
		if !d.matcher.CanRun(p.agent, g.RequiredNodeTypes(), g.RequiredAssetPaths()) {
			p.incompatible[g.ID] = struct{}{}
			continue
		}

		claimed, err := d.claim(ctx, p, g, t.stale)
		if err != nil {
			return err
		}

		// Ownership was decided either way; never reconsider the id.
		p.prune(g.ID)
		d.pool.RemoveGeneration(g.ID)

		if claimed != nil {
			p.claimed = append(p.claimed, claimed)
			metrics.DispatchClaimsTotal.WithLabelValues(p.agent.DeviceID, t.name).Inc()
		}
	}
	return nil
}

// claim performs the conditional update that decides ownership. Zero
// rows affected means a concurrent dispatch call won the race and the
// generation is skipped without retry.
func (d *Dispatcher) claim(ctx context.Context, p *pass, g *models.Generation, stale bool) (*models.Generation, error) {
	updates := map[string]interface{}{
		"device_id":   p.agent.DeviceID,
		"status":      string(models.StatusAssignedToAgent),
		"modified_by": p.agent.DeviceID,
		"modified_at": p.now,
	}

	q := d.db.WithContext(ctx).
		Model(&models.Generation{}).
		Where("id = ? AND result IS NULL AND error IS NULL AND deleted = ?", g.ID, false)

	if stale {
		// Reassignment restarts execution cleanly on the new agent.
		updates["prompt_id"] = nil
		q = q.Where("device_id = ?", *g.DeviceID)
	} else {
		q = q.Where(
			d.db.Where("device_id IS NULL").Or("device_id = ?", p.agent.DeviceID),
		)
	}

	result := q.Updates(updates)
	if result.Error != nil {
		if isContentionErr(result.Error) {
			metrics.DispatchContentionTotal.WithLabelValues(p.agent.DeviceID).Inc()
			return nil, nil
		}
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Another dispatch call won the race.
		metrics.DispatchContentionTotal.WithLabelValues(p.agent.DeviceID).Inc()
		return nil, nil
	}

	claimed := &models.Generation{}
	if err := d.db.WithContext(ctx).First(claimed, "id = ?", g.ID).Error; err != nil {
		return nil, err
	}
	return claimed, nil
}

// sortCandidates orders the snapshot by owner balance descending, then
// creation time ascending. Balances are looked up once per user.
func (p *pass) sortCandidates(ctx context.Context, candidates models.Generations, ledger *credits.Ledger) models.Generations {
	balances := map[string]int64{}
	for _, g := range candidates {
		if _, ok := balances[g.UserID]; ok {
			continue
		}
		balance, err := ledger.Balance(ctx, g.UserID)
		if err != nil {
			balance = 0
		}
		balances[g.UserID] = balance
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		bi, bj := balances[candidates[i].UserID], balances[candidates[j].UserID]
		if bi != bj {
			return bi > bj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates
}

func isContentionErr(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
