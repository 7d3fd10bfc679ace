package tokenizer

import (
	"fmt"
	"sync"
)

// Tokenizer is the unified token counting interface.
type Tokenizer interface {
	// CountTokens returns the token count of the given text.
	CountTokens(text string) (int, error)

	// Encode converts text into a list of token IDs.
	Encode(text string) ([]int, error)

	// Decode converts token IDs back into text.
	Decode(tokens []int) (string, error)

	// Name returns the tokenizer's name.
	Name() string
}

// Registry maps model names to tokenizers. It is explicitly owned by the
// engine rather than living in package-level state, so two engines never
// share mutable tokenizer bindings.
type Registry struct {
	mu         sync.RWMutex
	tokenizers map[string]Tokenizer
}

// NewRegistry creates an empty tokenizer registry.
func NewRegistry() *Registry {
	return &Registry{tokenizers: make(map[string]Tokenizer)}
}

// Register binds a tokenizer to the given model name.
func (r *Registry) Register(model string, t Tokenizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokenizers[model] = t
}

// Get returns the tokenizer registered for the model. It also tries prefix
// matching (e.g. "gpt-4o-mini" matches a "gpt-4o" registration).
func (r *Registry) Get(model string) (Tokenizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tokenizers[model]; ok {
		return t, nil
	}
	for prefix, t := range r.tokenizers {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no tokenizer registered for model: %s", model)
}

// GetOrEstimator returns the registered tokenizer for the model, falling
// back to the heuristic estimator when nothing is registered.
func (r *Registry) GetOrEstimator(model string) Tokenizer {
	t, err := r.Get(model)
	if err != nil {
		return NewEstimator()
	}
	return t
}

// ForModel builds a tokenizer matching the model's capability fingerprint:
// tiktoken for encodings tiktoken knows, the estimator otherwise.
func ForModel(model string) Tokenizer {
	caps := ResolveCapabilities(model)
	switch caps.Tokenizer {
	case EncodingCl100kBase, EncodingO200kBase:
		return NewTiktoken(string(caps.Tokenizer))
	default:
		return NewEstimator()
	}
}
