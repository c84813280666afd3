package memory

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Recall runs the hybrid pipeline for one component: candidate
// generation (full-text, vector, entity expansion), weighted fusion with
// importance and recency, threshold cutoff, ranking, and access-stat
// bumping for everything surfaced.
func (c *component) Recall(ctx context.Context, query string, opts RecallOptions) ([]LabeledRecall, error) {
	opts = opts.withDefaults()

	ftsScores, err := c.store.ftsSearch(ctx, c.cfg.kind, query, opts.TopK*10)
	if err != nil {
		return nil, err
	}

	var queryVec []float32
	if c.embed != nil {
		vec, err := c.embed(ctx, query)
		if err != nil {
			slog.Warn("recall: query embedding failed, vector signal disabled", "error", err)
		} else {
			queryVec = vec
		}
	}

	entityScores, err := c.store.entityExpansion(ctx, c.cfg.kind, ExtractQueryEntities(query))
	if err != nil {
		return nil, err
	}

	// Candidate set: union of all signal sources. The vector signal scans
	// every active row, so active rows are the candidate superset when an
	// embedder is present.
	active, err := c.store.activeByKind(ctx, c.cfg.kind)
	if err != nil {
		return nil, err
	}
	byID := map[string]*StoredMemory{}
	for i := range active {
		byID[active[i].ID] = &active[i]
	}

	candidates := map[string]bool{}
	for id := range ftsScores {
		candidates[id] = true
	}
	for id := range entityScores {
		candidates[id] = true
	}
	if queryVec != nil {
		for id := range byID {
			candidates[id] = true
		}
	}

	now := c.now()
	var results []LabeledRecall
	for id := range candidates {
		m, ok := byID[id]
		if !ok {
			continue
		}

		signals := Signals{
			FTS:    ftsScores[id],
			Entity: entityScores[id],
		}
		if queryVec != nil && len(m.Embedding) > 0 {
			signals.Vector = math.Max(cosineSimilarity(queryVec, m.Embedding), 0)
		}

		ageDays := now.Sub(m.UpdatedAt).Hours() / 24
		signals.Recency = math.Exp(-c.cfg.recencyLambda * math.Max(ageDays, 0))

		score := signals.FTS*opts.Weights.FTS +
			signals.Vector*opts.Weights.Vector +
			signals.Entity*opts.Weights.Entity
		score *= m.Importance * signals.Recency
		if weight, ok := c.cfg.categoryWeights[m.Category]; ok {
			score *= weight
		}

		if score < opts.Threshold {
			continue
		}
		results = append(results, LabeledRecall{Memory: *m, Score: score, Signals: signals})
	}

	sortRecalls(results)
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	if err := c.store.bumpAccess(ctx, ids); err != nil {
		slog.Warn("recall: access stat update failed", "error", err)
	}
	return results, nil
}

// sortRecalls orders by score descending; ties break on importance, then
// recency of update, then id.
func sortRecalls(results []LabeledRecall) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Memory.Importance != b.Memory.Importance {
			return a.Memory.Importance > b.Memory.Importance
		}
		if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
			return a.Memory.UpdatedAt.After(b.Memory.UpdatedAt)
		}
		return a.Memory.ID < b.Memory.ID
	})
}

// TrimToBudget drops trailing results once the token budget is spent.
func TrimToBudget(results []LabeledRecall, budget int, count TokenCountFunc) []LabeledRecall {
	if budget <= 0 || count == nil {
		return results
	}
	spent := 0
	for i, r := range results {
		spent += count(r.Memory.Content)
		if spent > budget {
			return results[:i]
		}
	}
	return results
}

var (
	reQuoted      = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	reCapitalized = regexp.MustCompile(`\b[A-Z][a-zA-Z0-9_-]+\b`)
)

// ExtractQueryEntities pulls candidate entity names out of a query
// heuristically: quoted spans plus capitalized tokens that are not
// sentence-leading stopwords.
func ExtractQueryEntities(query string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = normalizeEntity(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, m := range reQuoted.FindAllStringSubmatch(query, -1) {
		if m[1] != "" {
			add(m[1])
		} else {
			add(m[2])
		}
	}
	for _, m := range reCapitalized.FindAllString(query, -1) {
		if !entityStopwords[strings.ToLower(m)] {
			add(m)
		}
	}
	return out
}

var entityStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "i": true, "what": true,
	"which": true, "who": true, "how": true, "when": true, "where": true,
	"why": true, "is": true, "are": true, "do": true, "does": true,
	"can": true, "could": true, "should": true, "please": true,
}

// setClock overrides the component clock for deterministic tests.
func (c *component) setClock(now func() time.Time) { c.now = now }
