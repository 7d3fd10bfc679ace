package memory

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/engram/llm/tokenizer"
	"github.com/BaSui01/engram/types"
)

// SensoryBuffer is a bounded ring of the most recent raw events, held
// before any consolidation or storage. Pure in-memory: it survives only
// within a single session and is never persisted.
type SensoryBuffer struct {
	mu          sync.RWMutex
	entries     []types.RawEvent
	capacity    int
	totalTokens int
	counter     tokenizer.Tokenizer
	logger      *zap.Logger
}

// NewSensoryBuffer creates a buffer with the given capacity.
func NewSensoryBuffer(capacity int, counter tokenizer.Tokenizer, logger *zap.Logger) *SensoryBuffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokenizer.NewEstimator()
	}
	if capacity < 1 {
		capacity = 1
	}
	return &SensoryBuffer{
		entries:  make([]types.RawEvent, 0, capacity),
		capacity: capacity,
		counter:  counter,
		logger:   logger.With(zap.String("component", "sensory_buffer")),
	}
}

// Push appends a raw event, evicting exactly the oldest entry when the
// buffer is full. The evicted event is returned so the caller can promote
// it into working memory.
func (b *SensoryBuffer) Push(role, text, tag string) *types.RawEvent {
	tokens, err := b.counter.CountTokens(text)
	if err != nil {
		// Estimator fallback keeps budget accounting alive when the exact
		// encoding is unavailable.
		tokens, _ = tokenizer.NewEstimator().CountTokens(text)
	}

	event := types.RawEvent{
		ID:         types.NewID(),
		Timestamp:  time.Now(),
		Role:       role,
		Text:       text,
		TokenCount: tokens,
		Tag:        tag,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var evicted *types.RawEvent
	if len(b.entries) >= b.capacity {
		old := b.entries[0]
		b.entries = b.entries[1:]
		b.totalTokens -= old.TokenCount
		evicted = &old
	}

	b.entries = append(b.entries, event)
	b.totalTokens += event.TokenCount
	return evicted
}

// Snapshot returns a copy of all entries, oldest first. Non-consuming:
// repeated calls return the same view until the buffer changes.
func (b *SensoryBuffer) Snapshot() []types.RawEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.RawEvent, len(b.entries))
	copy(out, b.entries)
	return out
}

// Recent returns copies of the most recent n entries, oldest first.
func (b *SensoryBuffer) Recent(n int) []types.RawEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]types.RawEvent, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// Len returns the number of buffered events.
func (b *SensoryBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// TotalTokens returns the token footprint of the buffer.
func (b *SensoryBuffer) TotalTokens() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalTokens
}

// DrainWithinBudget removes and returns the oldest entries that fit within
// maxTokens. Remaining entries stay buffered.
func (b *SensoryBuffer) DrainWithinBudget(maxTokens int) []types.RawEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []types.RawEvent
	budget := maxTokens
	for len(b.entries) > 0 {
		front := b.entries[0]
		if front.TokenCount > budget {
			break
		}
		budget -= front.TokenCount
		b.totalTokens -= front.TokenCount
		b.entries = b.entries[1:]
		out = append(out, front)
	}
	return out
}

// FormatForContext renders the newest entries that fit within maxTokens as
// a role-tagged transcript in chronological order.
func (b *SensoryBuffer) FormatForContext(maxTokens int) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var parts []string
	remaining := maxTokens
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if e.TokenCount > remaining {
			break
		}
		remaining -= e.TokenCount
		parts = append(parts, e.Role+": "+e.Text)
	}

	// Collected newest-first; reverse into chronological order.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "\n")
}

// Clear empties the buffer.
func (b *SensoryBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.totalTokens = 0
}

// Resize changes the capacity, evicting oldest entries if shrinking.
func (b *SensoryBuffer) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	for len(b.entries) > b.capacity {
		b.totalTokens -= b.entries[0].TokenCount
		b.entries = b.entries[1:]
	}
}
