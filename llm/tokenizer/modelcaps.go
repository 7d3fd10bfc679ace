package tokenizer

import (
	"strings"
	"sync"
)

// Encoding names the token encoding a model uses.
type Encoding string

const (
	EncodingCl100kBase    Encoding = "cl100k_base"
	EncodingO200kBase     Encoding = "o200k_base"
	EncodingSentencePiece Encoding = "sentencepiece"
	EncodingHeuristic     Encoding = "heuristic"
)

// Provider identifies the model vendor.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderDeepSeek  Provider = "deepseek"
	ProviderMistral   Provider = "mistral"
	ProviderXAI       Provider = "xai"
	ProviderOllama    Provider = "ollama"
	ProviderUnknown   Provider = "unknown"
)

// Capabilities is a per-model capability fingerprint. It is the single
// source of truth for model-specific limits: nothing else in the engine
// hardcodes a context window.
type Capabilities struct {
	ContextWindow     int
	MaxOutputTokens   int
	SupportsTools     bool
	SupportsVision    bool
	SupportsThinking  bool
	SupportsStreaming bool
	Tokenizer         Encoding
	Provider          Provider
}

// DefaultCapabilities are the conservative fallback for unknown models:
// a small window so budget math truncates rather than overflows.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		ContextWindow:     32_000,
		MaxOutputTokens:   4_096,
		SupportsTools:     false,
		SupportsVision:    false,
		SupportsThinking:  false,
		SupportsStreaming: true,
		Tokenizer:         EncodingCl100kBase,
		Provider:          ProviderUnknown,
	}
}

type capsEntry struct {
	prefix string
	caps   Capabilities
}

// capsRegistry is ordered by specificity: longer prefixes first within each
// family so the first prefix match is the best one.
var (
	capsRegistry     []capsEntry
	capsRegistryOnce sync.Once
)

func registry() []capsEntry {
	capsRegistryOnce.Do(func() {
		capsRegistry = []capsEntry{
			// Anthropic
			{"claude-3-5-sonnet", Capabilities{200_000, 8_192, true, true, false, true, EncodingCl100kBase, ProviderAnthropic}},
			{"claude-3-5-haiku", Capabilities{200_000, 4_096, true, false, false, true, EncodingCl100kBase, ProviderAnthropic}},
			{"claude-3-opus", Capabilities{200_000, 4_096, true, true, false, true, EncodingCl100kBase, ProviderAnthropic}},
			{"claude-sonnet-4", Capabilities{200_000, 16_384, true, true, true, true, EncodingCl100kBase, ProviderAnthropic}},
			{"claude-opus-4", Capabilities{200_000, 32_768, true, true, true, true, EncodingCl100kBase, ProviderAnthropic}},
			{"claude-haiku-4", Capabilities{200_000, 8_192, true, true, false, true, EncodingCl100kBase, ProviderAnthropic}},
			{"claude-", Capabilities{200_000, 8_192, true, true, false, true, EncodingCl100kBase, ProviderAnthropic}},
			// OpenAI
			{"o4-mini", Capabilities{200_000, 100_000, true, true, true, true, EncodingO200kBase, ProviderOpenAI}},
			{"o3-mini", Capabilities{200_000, 100_000, true, true, true, true, EncodingO200kBase, ProviderOpenAI}},
			{"o3", Capabilities{200_000, 100_000, true, true, true, true, EncodingO200kBase, ProviderOpenAI}},
			{"o1-mini", Capabilities{128_000, 65_536, true, false, true, true, EncodingO200kBase, ProviderOpenAI}},
			{"o1", Capabilities{200_000, 100_000, true, true, true, true, EncodingO200kBase, ProviderOpenAI}},
			{"gpt-4o-mini", Capabilities{128_000, 16_384, true, true, false, true, EncodingO200kBase, ProviderOpenAI}},
			{"gpt-4o", Capabilities{128_000, 16_384, true, true, false, true, EncodingO200kBase, ProviderOpenAI}},
			{"gpt-4-turbo", Capabilities{128_000, 4_096, true, true, false, true, EncodingCl100kBase, ProviderOpenAI}},
			{"gpt-4", Capabilities{8_192, 4_096, true, false, false, true, EncodingCl100kBase, ProviderOpenAI}},
			{"gpt-3.5-turbo", Capabilities{16_384, 4_096, true, false, false, true, EncodingCl100kBase, ProviderOpenAI}},
			// Google
			{"gemini-2.5-pro", Capabilities{1_048_576, 65_536, true, true, true, true, EncodingHeuristic, ProviderGoogle}},
			{"gemini-2.5-flash", Capabilities{1_048_576, 65_536, true, true, false, true, EncodingHeuristic, ProviderGoogle}},
			{"gemini-2.0-flash", Capabilities{1_048_576, 8_192, true, true, false, true, EncodingHeuristic, ProviderGoogle}},
			{"gemini-", Capabilities{1_048_576, 8_192, true, true, false, true, EncodingHeuristic, ProviderGoogle}},
			// DeepSeek
			{"deepseek-reasoner", Capabilities{128_000, 8_192, true, false, true, true, EncodingSentencePiece, ProviderDeepSeek}},
			{"deepseek-", Capabilities{128_000, 8_192, true, false, false, true, EncodingSentencePiece, ProviderDeepSeek}},
			// Mistral
			{"mistral-large", Capabilities{128_000, 8_192, true, false, false, true, EncodingSentencePiece, ProviderMistral}},
			{"mixtral", Capabilities{32_000, 4_096, true, false, false, true, EncodingSentencePiece, ProviderMistral}},
			{"mistral", Capabilities{32_000, 4_096, true, false, false, true, EncodingSentencePiece, ProviderMistral}},
			// xAI
			{"grok-3", Capabilities{131_072, 16_384, true, true, true, true, EncodingSentencePiece, ProviderXAI}},
			{"grok-", Capabilities{131_072, 8_192, true, false, false, true, EncodingSentencePiece, ProviderXAI}},
			// Local / Ollama
			{"llama3.2", Capabilities{8_192, 2_048, false, false, false, true, EncodingSentencePiece, ProviderOllama}},
			{"llama3.1", Capabilities{128_000, 8_192, true, false, false, true, EncodingSentencePiece, ProviderOllama}},
			{"llama-3", Capabilities{128_000, 8_192, true, false, false, true, EncodingSentencePiece, ProviderOllama}},
			{"qwen2.5", Capabilities{128_000, 8_192, true, false, false, true, EncodingSentencePiece, ProviderOllama}},
			{"qwen", Capabilities{32_000, 4_096, true, false, false, true, EncodingSentencePiece, ProviderOllama}},
		}
	})
	return capsRegistry
}

// NormalizeModelName lowercases and strips date, preview, and latest
// suffixes so "gpt-4o-2024-08-06" matches the "gpt-4o" entry.
func NormalizeModelName(model string) string {
	s := strings.ToLower(strings.TrimSpace(model))
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return r == '-' || (r >= '0' && r <= '9')
	})
	s = strings.TrimSuffix(s, "-preview")
	s = strings.TrimSuffix(s, "-latest")
	s = strings.TrimSuffix(s, "-exp")
	return s
}

// ResolveCapabilities resolves a model name to its capability fingerprint,
// trying an exact match first, then the longest registered prefix.
// Unknown models get DefaultCapabilities.
func ResolveCapabilities(model string) Capabilities {
	norm := NormalizeModelName(model)
	reg := registry()
	for _, e := range reg {
		if e.prefix == norm {
			return e.caps
		}
	}
	for _, e := range reg {
		if strings.HasPrefix(norm, e.prefix) {
			return e.caps
		}
	}
	// Names that end in digits ("gpt-4", "o1") lose their version during
	// normalization; retry against the raw lowercase name.
	raw := strings.ToLower(strings.TrimSpace(model))
	for _, e := range reg {
		if strings.HasPrefix(raw, e.prefix) {
			return e.caps
		}
	}
	return DefaultCapabilities()
}

// ResolveContextWindow returns the context window for the model, using the
// caller's fallback for truly unknown models.
func ResolveContextWindow(model string, fallback int) int {
	caps := ResolveCapabilities(model)
	if caps.Provider == ProviderUnknown {
		return fallback
	}
	return caps.ContextWindow
}

// ResolveMaxOutputTokens returns the max output tokens for the model.
func ResolveMaxOutputTokens(model string) int {
	return ResolveCapabilities(model).MaxOutputTokens
}
