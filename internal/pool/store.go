package pool

import (
	"context"
	"sync"

	"github.com/comfygate/comfygate/internal/metrics"
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/pkg/log"
	"gorm.io/gorm"
)

// Store holds every non-terminal generation awaiting dispatch, keyed by
// id. The backing store remains the source of truth; the pool is
// reconciled from it at startup and after agent re-registration via
// Reload, and incrementally on submission via QueueGeneration.
type Store struct {
	mu          sync.RWMutex
	generations map[string]*models.Generation
	signals     Signals
	db          *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		generations: make(map[string]*models.Generation),
		db:          db,
	}
}

// Signals exposes the store's wake-up counters.
func (s *Store) Signals() *Signals {
	return &s.signals
}

// Reload replaces the pool contents with every dispatchable generation
// currently in the backing store.
func (s *Store) Reload(ctx context.Context) error {
	var rows models.Generations
	err := s.db.WithContext(ctx).
		Where("result IS NULL AND error IS NULL AND deleted = ?", false).
		Find(&rows).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.generations = make(map[string]*models.Generation, len(rows))
	for _, g := range rows {
		s.generations[g.ID] = g
	}
	size := len(s.generations)
	s.mu.Unlock()

	metrics.PoolSize.Set(float64(size))
	log.Info("reloaded generation pool", "size", size)
	return nil
}

// QueueGeneration inserts or updates a generation in the pool. The
// GenerationRequest counter moves only on the first insert of a given
// id, so re-queueing the same generation is a pure update and never
// produces a duplicate wake-up.
func (s *Store) QueueGeneration(g *models.Generation) bool {
	if g == nil || g.Terminal() {
		return false
	}

	s.mu.Lock()
	_, exists := s.generations[g.ID]
	s.generations[g.ID] = g
	size := len(s.generations)
	s.mu.Unlock()

	metrics.PoolSize.Set(float64(size))
	if !exists {
		s.signals.GenerationRequest.Bump()
	}
	return !exists
}

// RemoveGeneration deletes an id from the pool whether or not it was
// ever dispatched. Idempotent.
func (s *Store) RemoveGeneration(id string) {
	s.mu.Lock()
	delete(s.generations, id)
	size := len(s.generations)
	s.mu.Unlock()

	metrics.PoolSize.Set(float64(size))
}

// Get returns the pooled generation for id, if present.
func (s *Store) Get(id string) (*models.Generation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.generations[id]
	return g, ok
}

// Contains reports pool membership without copying.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.generations[id]
	return ok
}

// Len returns the number of pooled generations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.generations)
}

// Snapshot copies the current candidate list so dispatch passes never
// iterate a mutating map.
func (s *Store) Snapshot() models.Generations {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(models.Generations, 0, len(s.generations))
	for _, g := range s.generations {
		out = append(out, g)
	}
	return out
}
