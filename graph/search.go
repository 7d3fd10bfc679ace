package graph

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"gorm.io/gorm"

	"github.com/BaSui01/engram/types"
)

// SearchConfig tunes one hybrid search call.
type SearchConfig struct {
	TopK           int
	CandidateLimit int
	// RRFK is the reciprocal-rank-fusion constant.
	RRFK int
	// WeightMin/WeightMax clamp the resolved lexical weight.
	WeightMin float64
	WeightMax float64
	// FactualStep raises the lexical weight per keyword-style query
	// signal; ConceptualStep lowers it per natural-language signal.
	FactualStep    float64
	ConceptualStep float64
}

// DefaultSearchConfig returns production defaults.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		TopK:           10,
		CandidateLimit: 100,
		RRFK:           60,
		WeightMin:      0.2,
		WeightMax:      0.8,
		FactualStep:    0.08,
		ConceptualStep: 0.06,
	}
}

// Filters narrows a search to a record subset. Zero values match all.
type Filters struct {
	Types         []types.MemoryType
	Category      string
	SessionID     string
	MinConfidence float64
}

// Search runs hybrid lexical+vector retrieval and returns the top
// results with their component scores, plus the lexical weight that was
// resolved for this query. Returned records are touched: access count
// incremented, last access refreshed, decay reset.
func (s *Store) Search(ctx context.Context, queryText string, embedding []float32, cfg SearchConfig, filters Filters) ([]types.ScoredRecord, float64, error) {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultSearchConfig().TopK
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultSearchConfig().CandidateLimit
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultSearchConfig().RRFK
	}
	wLex := ResolveLexicalWeight(queryText, cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	lexRanks, lexRecords, err := s.lexicalCandidates(ctx, queryText, cfg.CandidateLimit, filters)
	if err != nil {
		s.recordOp("search", "error")
		return nil, wLex, err
	}
	vecScores, vecRecords, err := s.vectorCandidates(ctx, embedding, cfg.CandidateLimit, filters)
	if err != nil {
		s.recordOp("search", "error")
		return nil, wLex, err
	}

	// Union both candidate lists; a record missing from one list simply
	// contributes zero for that component.
	pool := make(map[string]types.MemoryRecord, len(lexRecords)+len(vecRecords))
	for id, rec := range lexRecords {
		pool[id] = rec
	}
	for id, rec := range vecRecords {
		pool[id] = rec
	}

	results := make([]types.ScoredRecord, 0, len(pool))
	for id, rec := range pool {
		// Reciprocal-rank fusion maps the lexical rank into [0,1]:
		// rank 1 scores 1.0 and lower ranks fall off smoothly.
		var lexScore float64
		if rank, ok := lexRanks[id]; ok {
			lexScore = float64(cfg.RRFK+1) / float64(cfg.RRFK+rank)
		}
		var vecScore float64
		if cos, ok := vecScores[id]; ok {
			vecScore = (cos + 1) / 2
		}
		results = append(results, types.ScoredRecord{
			Record:       rec,
			Score:        (1-wLex)*vecScore + wLex*lexScore,
			VectorScore:  vecScore,
			LexicalScore: lexScore,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Record.AccessCount != results[j].Record.AccessCount {
			return results[i].Record.AccessCount > results[j].Record.AccessCount
		}
		return results[i].Record.LastAccessedAt.After(results[j].Record.LastAccessedAt)
	})
	if len(results) > cfg.TopK {
		results = results[:cfg.TopK]
	}

	if err := s.touchRecords(ctx, results); err != nil {
		s.recordOp("search", "error")
		return nil, wLex, err
	}
	s.recordOp("search", "ok")
	return results, wLex, nil
}

// ResolveLexicalWeight infers how keyword-like a query is. Factual
// signals (paths, digits, identifiers, quoted spans, very short queries)
// each push the weight toward lexical matching; conceptual signals
// (question openers, long queries, overview wording) push it toward
// vector matching. The result is clamped to [WeightMin, WeightMax].
func ResolveLexicalWeight(queryText string, cfg SearchConfig) float64 {
	w := 0.5
	words := strings.Fields(queryText)
	lower := strings.ToLower(queryText)

	if strings.ContainsAny(queryText, "/\\") {
		w += cfg.FactualStep
	}
	if strings.ContainsFunc(queryText, unicode.IsDigit) {
		w += cfg.FactualStep
	}
	if hasIdentifierToken(words) {
		w += cfg.FactualStep
	}
	if strings.ContainsAny(queryText, `"'`) {
		w += cfg.FactualStep
	}
	if len(words) > 0 && len(words) <= 3 {
		w += cfg.FactualStep
	}

	for _, opener := range []string{"how ", "why ", "explain ", "what is ", "what are "} {
		if strings.HasPrefix(lower, opener) {
			w -= cfg.ConceptualStep
			break
		}
	}
	if len(words) > 8 {
		w -= cfg.ConceptualStep
	}
	if strings.Contains(lower, "overview") || strings.Contains(lower, "summary") || strings.Contains(lower, "summarize") {
		w -= cfg.ConceptualStep
	}

	if w < cfg.WeightMin {
		w = cfg.WeightMin
	}
	if w > cfg.WeightMax {
		w = cfg.WeightMax
	}
	return w
}

// hasIdentifierToken reports whether any word looks like a code
// identifier: snake_case, or camelCase with an interior capital.
func hasIdentifierToken(words []string) bool {
	for _, word := range words {
		if strings.Contains(word, "_") {
			return true
		}
		for i, r := range word {
			if i > 0 && unicode.IsUpper(r) {
				return true
			}
		}
	}
	return false
}

// lexicalCandidates queries the FTS5 index ordered by bm25 and returns
// 1-based ranks plus the matched records.
func (s *Store) lexicalCandidates(ctx context.Context, queryText string, limit int, filters Filters) (map[string]int, map[string]types.MemoryRecord, error) {
	ranks := make(map[string]int)
	records := make(map[string]types.MemoryRecord)

	match := sanitizeFTSQuery(queryText)
	if match == "" {
		return ranks, records, nil
	}

	query := `
		SELECT r.* FROM memory_fts f
		JOIN memory_records r ON r.rowid = f.rowid
		WHERE memory_fts MATCH ?
		ORDER BY bm25(memory_fts)
		LIMIT ?`
	var rows []recordRow
	if err := s.pool.DB().WithContext(ctx).Raw(query, match, limit).Scan(&rows).Error; err != nil {
		return nil, nil, types.NewError(types.ErrStore, "lexical search").WithCause(err)
	}

	rank := 0
	for i := range rows {
		rec := rows[i].toRecord()
		if !filters.match(rec) {
			continue
		}
		rank++
		ranks[rec.ID] = rank
		records[rec.ID] = rec
	}
	return ranks, records, nil
}

// sanitizeFTSQuery turns free text into a safe FTS5 OR-query: each
// alphanumeric token is double-quoted so operator characters in user
// input cannot change query semantics.
func sanitizeFTSQuery(queryText string) string {
	tokens := strings.FieldsFunc(queryText, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// vectorCandidates scans stored embeddings and returns the most similar
// records by cosine.
func (s *Store) vectorCandidates(ctx context.Context, embedding []float32, limit int, filters Filters) (map[string]float64, map[string]types.MemoryRecord, error) {
	scores := make(map[string]float64)
	records := make(map[string]types.MemoryRecord)
	if len(embedding) == 0 {
		return scores, records, nil
	}

	var rows []recordRow
	q := s.pool.DB().WithContext(ctx).Where("embedding IS NOT NULL AND length(embedding) > 0")
	if len(filters.Types) > 0 {
		typs := make([]string, 0, len(filters.Types))
		for _, t := range filters.Types {
			typs = append(typs, string(t))
		}
		q = q.Where("type IN ?", typs)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, nil, types.NewError(types.ErrStore, "vector search").WithCause(err)
	}

	type scored struct {
		rec types.MemoryRecord
		cos float64
	}
	candidates := make([]scored, 0, len(rows))
	for i := range rows {
		rec := rows[i].toRecord()
		if !filters.match(rec) {
			continue
		}
		cos := Cosine(embedding, rec.Embedding)
		candidates = append(candidates, scored{rec: rec, cos: cos})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].cos > candidates[j].cos })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for _, c := range candidates {
		scores[c.rec.ID] = c.cos
		records[c.rec.ID] = c.rec
	}
	return scores, records, nil
}

func (f Filters) match(rec types.MemoryRecord) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if rec.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Category != "" && rec.Metadata.Category != f.Category {
		return false
	}
	if f.SessionID != "" && rec.Metadata.SessionID != f.SessionID {
		return false
	}
	if f.MinConfidence > 0 && rec.Confidence < f.MinConfidence {
		return false
	}
	return true
}

// touchRecords marks returned results as accessed: count up, last access
// now, decay reset to full strength.
func (s *Store) touchRecords(ctx context.Context, results []types.ScoredRecord) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]string, 0, len(results))
	for i := range results {
		ids = append(ids, results[i].Record.ID)
	}
	now := time.Now()
	err := s.pool.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Model(&recordRow{}).Where("id IN ?", ids).Updates(map[string]any{
			"access_count":     gorm.Expr("access_count + 1"),
			"last_accessed_at": now,
			"decay_score":      1.0,
		}).Error
	})
	if err != nil {
		return types.NewError(types.ErrStore, "touch accessed records").WithCause(err)
	}
	for i := range results {
		results[i].Record.AccessCount++
		results[i].Record.LastAccessedAt = now
		results[i].Record.DecayScore = 1.0
	}
	return nil
}
