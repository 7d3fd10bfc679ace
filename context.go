package engram

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/engram/graph"
	"github.com/BaSui01/engram/types"
)

// AssembledContext is a budgeted prompt context plus its spend report.
type AssembledContext struct {
	Text   string
	Report types.BudgetReport
}

// BuildContext assembles a prompt context for one turn within the token
// budget: pinned working slots first (mandatory), then remaining working
// slots by priority, then long-term retrieval for the query, then the
// recent sensory tail. A failed retrieval degrades to a context built
// from the in-process tiers alone and flags the report instead of
// failing the turn. A non-positive budget uses the engine's working
// budget.
func (e *Engine) BuildContext(ctx context.Context, sessionID, queryText string, queryEmbedding []float32, budget int) (AssembledContext, error) {
	if budget <= 0 {
		budget = e.workingBudget
	}
	session := e.Session(sessionID)
	report := types.BudgetReport{Budget: budget}

	var sections []string
	used := 0

	// Pinned content is mandatory. If it alone overflows the budget it is
	// truncated as a last resort, and the report says so.
	slots := session.Working.SnapshotForContext()
	var pinned, unpinned []types.WorkingSlot
	for _, s := range slots {
		if s.Pinned {
			pinned = append(pinned, s)
		} else {
			unpinned = append(unpinned, s)
		}
	}
	for _, s := range pinned {
		line := taggedLine(s.Source, s.Content)
		cost := e.countTokens(line)
		if used+cost > budget {
			remaining := budget - used
			if remaining <= 0 {
				report.PinnedTruncated = true
				report.ItemsDropped++
				continue
			}
			line = e.truncateToTokens(line, remaining)
			cost = e.countTokens(line)
			report.PinnedTruncated = true
		}
		sections = append(sections, line)
		used += cost
		report.PinnedTokens += cost
	}

	// systemCap bounds pinned+working so instructions can never crowd out
	// conversation history entirely.
	systemCap := int(float64(budget) * e.config.Context.MaxSystemFraction)
	if systemCap < report.PinnedTokens {
		systemCap = report.PinnedTokens
	}
	for _, s := range unpinned {
		line := taggedLine(s.Source, s.Content)
		cost := e.countTokens(line)
		if used+cost > budget || report.PinnedTokens+report.WorkingTokens+cost > systemCap {
			report.ItemsDropped++
			continue
		}
		sections = append(sections, line)
		used += cost
		report.WorkingTokens += cost
	}

	// historyReserve keeps room for the sensory tail while retrieval
	// results are packed.
	historyReserve := int(float64(budget) * e.config.Context.MinHistoryFraction)
	if historyReserve > budget-used {
		historyReserve = budget - used
	}
	if historyReserve < 0 {
		historyReserve = 0
	}

	recalled, degraded := e.recallForContext(ctx, queryText, queryEmbedding)
	report.RetrievalDegraded = degraded
	for _, r := range recalled {
		if report.MemoriesInjected >= e.config.Context.MaxRecalledMemories {
			report.ItemsDropped++
			continue
		}
		line := taggedLine(types.SlotSourceRecalled, r.Record.Content)
		cost := e.countTokens(line)
		if used+cost > budget-historyReserve {
			report.ItemsDropped++
			continue
		}
		sections = append(sections, line)
		used += cost
		report.RecalledTokens += cost
		report.MemoriesInjected++
	}

	if tail := session.Sensory.FormatForContext(budget - used); tail != "" {
		cost := e.countTokens(tail)
		if used+cost <= budget {
			sections = append(sections, tail)
			used += cost
			report.SensoryTokens = cost
		}
	}

	report.TokensUsed = used
	report.TokensAvailable = budget - used

	e.logger.Debug("context assembled",
		zap.String("session_id", sessionID),
		zap.Int("tokens_used", used),
		zap.Int("budget", budget),
		zap.Bool("retrieval_degraded", degraded),
	)

	return AssembledContext{
		Text:   strings.Join(sections, "\n"),
		Report: report,
	}, nil
}

// recallForContext fetches retrieval results ordered by value per token.
// Errors degrade to an empty result set.
func (e *Engine) recallForContext(ctx context.Context, queryText string, embedding []float32) ([]types.ScoredRecord, bool) {
	if queryText == "" && len(embedding) == 0 {
		return nil, false
	}
	res, err := e.Search(ctx, queryText, embedding, graph.Filters{})
	if err != nil {
		e.logger.Warn("retrieval failed, degrading to in-process tiers", zap.Error(err))
		return nil, true
	}
	results := res.Results
	sort.SliceStable(results, func(i, j int) bool {
		return valuePerToken(results[i]) > valuePerToken(results[j])
	})
	return results, false
}

func valuePerToken(r types.ScoredRecord) float64 {
	cost := r.TokenCost
	if cost <= 0 {
		cost = 1
	}
	return r.Score / float64(cost)
}

func taggedLine(source types.SlotSource, content string) string {
	return "[" + string(source) + "] " + content
}

func (e *Engine) countTokens(text string) int {
	n, err := e.counter.CountTokens(text)
	if err != nil || n < 0 {
		return len(text) / 4
	}
	return n
}

// truncateToTokens cuts text down to at most maxTokens. Exact when the
// tokenizer can decode; proportional on runes otherwise.
func (e *Engine) truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if ids, err := e.counter.Encode(text); err == nil && len(ids) > maxTokens {
		if cut, derr := e.counter.Decode(ids[:maxTokens]); derr == nil {
			return cut
		}
	}

	total := e.countTokens(text)
	if total <= maxTokens {
		return text
	}
	runes := []rune(text)
	keep := len(runes) * maxTokens / total
	for keep > 0 && e.countTokens(string(runes[:keep])) > maxTokens {
		keep = keep * 9 / 10
	}
	return string(runes[:keep])
}
