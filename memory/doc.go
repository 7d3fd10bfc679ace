// Package memory implements the in-process memory tiers: the Tier-0
// sensory buffer (a bounded ring of raw events) and Tier-1 working memory
// (a token-budget-bounded slot set with priority eviction and pinning).
// Both are per-session; the engine's session registry owns their locking
// scope.
package memory
