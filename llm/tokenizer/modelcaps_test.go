package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeModelName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"strips date suffix", "gpt-4o-2024-08-06", "gpt-4o"},
		{"strips preview suffix", "gemini-2.5-pro-preview", "gemini-2.5-pro"},
		{"strips latest suffix", "claude-3-5-sonnet-latest", "claude-3-5-sonnet"},
		{"lowercases", "GPT-4o", "gpt-4o"},
		{"trims whitespace", "  gpt-4o  ", "gpt-4o"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeModelName(tt.input))
		})
	}
}

func TestResolveCapabilities(t *testing.T) {
	t.Run("anthropic sonnet", func(t *testing.T) {
		caps := ResolveCapabilities("claude-3-5-sonnet-20241022")
		assert.Equal(t, 200_000, caps.ContextWindow)
		assert.Equal(t, ProviderAnthropic, caps.Provider)
		assert.True(t, caps.SupportsTools)
	})

	t.Run("date-suffixed id matches prefix", func(t *testing.T) {
		caps := ResolveCapabilities("gpt-4o-2024-08-06")
		assert.Equal(t, 128_000, caps.ContextWindow)
		assert.Equal(t, EncodingO200kBase, caps.Tokenizer)
	})

	t.Run("version-only name still resolves", func(t *testing.T) {
		caps := ResolveCapabilities("gpt-4")
		assert.Equal(t, 8_192, caps.ContextWindow)
		assert.Equal(t, 4_096, caps.MaxOutputTokens)
	})

	t.Run("unknown model gets conservative defaults", func(t *testing.T) {
		caps := ResolveCapabilities("some-random-model")
		assert.Equal(t, 32_000, caps.ContextWindow)
		assert.Equal(t, 4_096, caps.MaxOutputTokens)
		assert.Equal(t, ProviderUnknown, caps.Provider)
	})

	t.Run("local model", func(t *testing.T) {
		caps := ResolveCapabilities("llama3.1:8b")
		assert.Equal(t, 128_000, caps.ContextWindow)
		assert.Equal(t, ProviderOllama, caps.Provider)
	})
}

func TestResolveContextWindow(t *testing.T) {
	assert.Equal(t, 128_000, ResolveContextWindow("gpt-4o", 32_000))
	// Unknown models use the caller's fallback, not the registry default.
	assert.Equal(t, 16_000, ResolveContextWindow("unknown-model", 16_000))
}

func TestResolveMaxOutputTokens(t *testing.T) {
	assert.Equal(t, 16_384, ResolveMaxOutputTokens("gpt-4o"))
	assert.Equal(t, 4_096, ResolveMaxOutputTokens("mystery"))
}

func TestEstimatorCountTokens(t *testing.T) {
	e := NewEstimator()

	n, err := e.CountTokens("")
	assert.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = e.CountTokens("hello world, this is a test sentence")
	assert.NoError(t, err)
	assert.Greater(t, n, 0)
	assert.Less(t, n, 36)

	// Short non-empty text still counts at least one token.
	n, err = e.CountTokens("a")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEstimatorDecodeUnsupported(t *testing.T) {
	_, err := NewEstimator().Decode([]int{1, 2, 3})
	assert.Error(t, err)
}

func TestRegistryPrefixLookup(t *testing.T) {
	r := NewRegistry()
	est := NewEstimator()
	r.Register("gpt-4o", est)

	got, err := r.Get("gpt-4o-mini")
	assert.NoError(t, err)
	assert.Same(t, est, got.(*Estimator))

	_, err = r.Get("claude-3-opus")
	assert.Error(t, err)

	// Fallback never returns nil.
	assert.NotNil(t, r.GetOrEstimator("claude-3-opus"))
}
