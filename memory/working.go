package memory

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/engram/llm/tokenizer"
	"github.com/BaSui01/engram/types"
)

// WorkingConfig tunes priority dynamics of Tier-1 working memory.
type WorkingConfig struct {
	BoostStep   float64
	MomentumCap int
	MinPriority float64
}

// DefaultWorkingConfig returns the default priority dynamics.
func DefaultWorkingConfig() WorkingConfig {
	return WorkingConfig{
		BoostStep:   0.15,
		MomentumCap: 5,
		MinPriority: 1.0,
	}
}

// WorkingMemory is the budget-bounded active slot set. The sum of slot
// token costs never exceeds the budget after any operation.
type WorkingMemory struct {
	mu      sync.RWMutex
	slots   map[string]*types.WorkingSlot
	budget  int
	total   int
	config  WorkingConfig
	counter tokenizer.Tokenizer
	logger  *zap.Logger
}

// NewWorkingMemory creates working memory with the given token budget.
func NewWorkingMemory(budget int, config WorkingConfig, counter tokenizer.Tokenizer, logger *zap.Logger) *WorkingMemory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokenizer.NewEstimator()
	}
	if config.MomentumCap <= 0 {
		config.MomentumCap = DefaultWorkingConfig().MomentumCap
	}
	if config.BoostStep <= 0 {
		config.BoostStep = DefaultWorkingConfig().BoostStep
	}
	return &WorkingMemory{
		slots:   make(map[string]*types.WorkingSlot),
		budget:  budget,
		config:  config,
		counter: counter,
		logger:  logger.With(zap.String("component", "working_memory")),
	}
}

// Admit inserts content as a new slot. If the total cost would exceed the
// budget, the lowest-priority unpinned slots are evicted (oldest first on
// ties) until it fits; evicted slots are returned so the caller can demote
// them to the durable store. A single candidate larger than the entire
// budget is rejected, not partially evicted for.
func (w *WorkingMemory) Admit(content string, priority float64, source types.SlotSource, pinned bool) (types.WorkingSlot, []types.WorkingSlot, error) {
	cost, err := w.counter.CountTokens(content)
	if err != nil {
		cost, _ = tokenizer.NewEstimator().CountTokens(content)
	}

	if cost > w.budget {
		return types.WorkingSlot{}, nil, types.NewErrorf(types.ErrBudgetExceeded,
			"slot cost %d exceeds working memory budget %d", cost, w.budget)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	pinnedTotal := 0
	for _, s := range w.slots {
		if s.Pinned {
			pinnedTotal += s.TokenCost
		}
	}
	if pinnedTotal+cost > w.budget {
		// Even evicting every unpinned slot would not make room; reject
		// without evicting anything.
		return types.WorkingSlot{}, nil, types.NewErrorf(types.ErrBudgetExceeded,
			"pinned slots occupy %d of %d tokens, no room for %d", pinnedTotal, w.budget, cost)
	}

	evicted := w.evictUntilFitsLocked(cost)

	slot := types.WorkingSlot{
		ID:        types.NewID(),
		Content:   content,
		Priority:  priority,
		TokenCost: cost,
		Pinned:    pinned,
		Source:    source,
		CreatedAt: time.Now(),
		BoostedAt: time.Now(),
	}
	w.slots[slot.ID] = &slot
	w.total += cost

	return slot, evicted, nil
}

// evictUntilFitsLocked removes lowest-priority unpinned slots (oldest first
// on ties) until cost fits in the remaining budget.
func (w *WorkingMemory) evictUntilFitsLocked(cost int) []types.WorkingSlot {
	if w.total+cost <= w.budget {
		return nil
	}

	candidates := make([]*types.WorkingSlot, 0, len(w.slots))
	for _, s := range w.slots {
		if !s.Pinned {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var evicted []types.WorkingSlot
	for _, s := range candidates {
		if w.total+cost <= w.budget {
			break
		}
		delete(w.slots, s.ID)
		w.total -= s.TokenCost
		evicted = append(evicted, *s)
	}
	return evicted
}

// Touch recency-boosts a slot's priority and accumulates capped momentum.
func (w *WorkingMemory) Touch(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, ok := w.slots[id]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "working slot %s not found", id)
	}
	s.Priority += w.config.BoostStep
	if s.Momentum < w.config.MomentumCap {
		s.Momentum++
	}
	s.BoostedAt = time.Now()
	return nil
}

// Pin marks a slot as immune to eviction.
func (w *WorkingMemory) Pin(id string) error {
	return w.setPinned(id, true)
}

// Unpin clears the eviction immunity.
func (w *WorkingMemory) Unpin(id string) error {
	return w.setPinned(id, false)
}

func (w *WorkingMemory) setPinned(id string, pinned bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.slots[id]
	if !ok {
		return types.NewErrorf(types.ErrNotFound, "working slot %s not found", id)
	}
	s.Pinned = pinned
	return nil
}

// Remove deletes a slot and returns it.
func (w *WorkingMemory) Remove(id string) (types.WorkingSlot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.slots[id]
	if !ok {
		return types.WorkingSlot{}, types.NewErrorf(types.ErrNotFound, "working slot %s not found", id)
	}
	delete(w.slots, id)
	w.total -= s.TokenCost
	return *s, nil
}

// SnapshotForContext returns slot copies ordered by priority descending,
// then most recently boosted first.
func (w *WorkingMemory) SnapshotForContext() []types.WorkingSlot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]types.WorkingSlot, 0, len(w.slots))
	for _, s := range w.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].BoostedAt.After(out[j].BoostedAt)
	})
	return out
}

// DecayPriorities multiplies every unpinned slot's priority by factor,
// flooring at the configured minimum.
func (w *WorkingMemory) DecayPriorities(factor float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.slots {
		if s.Pinned {
			continue
		}
		s.Priority *= factor
		if s.Priority < w.config.MinPriority {
			s.Priority = w.config.MinPriority
		}
	}
}

// Restore re-admits previously snapshotted slots, marking them as
// restored. Slots that no longer fit the budget are skipped and returned.
func (w *WorkingMemory) Restore(slots []types.WorkingSlot) (skipped []types.WorkingSlot) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range slots {
		if s.TokenCost <= 0 {
			if cost, err := w.counter.CountTokens(s.Content); err == nil {
				s.TokenCost = cost
			}
		}
		if w.total+s.TokenCost > w.budget {
			skipped = append(skipped, s)
			continue
		}
		restored := s
		restored.Source = types.SlotSourceRestored
		if restored.ID == "" {
			restored.ID = types.NewID()
		}
		w.slots[restored.ID] = &restored
		w.total += restored.TokenCost
	}
	return skipped
}

// Budget returns the configured token budget.
func (w *WorkingMemory) Budget() int {
	return w.budget
}

// TotalTokens returns the combined cost of all slots.
func (w *WorkingMemory) TotalTokens() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.total
}

// Len returns the number of slots.
func (w *WorkingMemory) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.slots)
}
