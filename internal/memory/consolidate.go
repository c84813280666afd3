package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// componentConfig carries the per-kind tuning knobs.
type componentConfig struct {
	kind            Kind
	maxItems        int
	decayInactive   time.Duration // idle period before decay applies
	decayRate       float64       // importance multiplier per pass
	decayFloor      float64       // below this, status flips to decayed
	recencyLambda   float64       // per-day decay in recall scoring
	mergeThreshold  float64       // Jaccard similarity for merge-vs-insert
	systemPrompt    string
	sessionScoped   bool               // merge only within the same session (task)
	categoryWeights map[string]float64 // recall multipliers (environmental)
}

// component implements the shared consolidation pattern; the three kinds
// differ only in config and prompt.
type component struct {
	cfg   componentConfig
	store *memoryStore
	embed EmbedFunc
	now   func() time.Time
}

func newComponent(cfg componentConfig, store *memoryStore, embed EmbedFunc) *component {
	return &component{cfg: cfg, store: store, embed: embed, now: func() time.Time { return time.Now().UTC() }}
}

func (c *component) Kind() Kind { return c.cfg.kind }

func (c *component) Initialize(ctx context.Context) error {
	return c.store.initialize(ctx)
}

func (c *component) Close() error { return nil }

// extractedItem is the shape the consolidation prompt asks the LLM for.
type extractedItem struct {
	Content    string   `json:"content"`
	Category   string   `json:"category,omitempty"`
	Importance float64  `json:"importance"`
	Action     string   `json:"action"` // "merge" or "insert"
	Entities   []string `json:"entities,omitempty"`
	Completed  bool     `json:"completed,omitempty"`
}

// Consolidate applies importance decay, then extracts structured items
// from the episode batch and merges or inserts them. Decay runs even for
// an empty batch; an LLM failure skips extraction but keeps the decay.
func (c *component) Consolidate(ctx context.Context, episodes []Episode, llm LLMFunc) (ConsolidationReport, error) {
	var report ConsolidationReport

	decayed, err := c.applyDecay(ctx)
	if err != nil {
		return report, err
	}
	report.Decayed = decayed

	if len(episodes) == 0 {
		return report, nil
	}

	raw, err := llm(ctx, c.cfg.systemPrompt, buildTranscript(episodes))
	if err != nil {
		slog.Warn("consolidation: extraction failed, decay still applied",
			"kind", c.cfg.kind, "error", err)
		return report, nil
	}

	items, err := parseExtraction(raw)
	if err != nil {
		slog.Warn("consolidation: unparseable extraction", "kind", c.cfg.kind, "error", err)
		return report, nil
	}
	report.Extracted = len(items)

	episodeIDs := make([]string, len(episodes))
	sessionID := ""
	for i, ep := range episodes {
		episodeIDs[i] = ep.ID
		if sessionID == "" {
			sessionID = ep.SessionID
		}
	}

	active, err := c.store.activeByKind(ctx, c.cfg.kind)
	if err != nil {
		return report, err
	}

	for _, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			continue
		}
		item.Importance = clamp01(item.Importance)

		var target *StoredMemory
		if item.Action == "merge" {
			target = c.mostSimilar(active, item, sessionID)
		}

		if target != nil {
			if item.Importance > target.Importance {
				target.Importance = item.Importance
			}
			target.SourceEpisodeIDs = unionStrings(target.SourceEpisodeIDs, episodeIDs)
			target.Entities = unionStrings(target.Entities, item.Entities)
			if item.Completed {
				target.Completed = true
			}
			if err := c.store.update(ctx, target); err != nil {
				return report, err
			}
			report.Merged++
			continue
		}

		mem := &StoredMemory{
			Kind:             c.cfg.kind,
			Content:          strings.TrimSpace(item.Content),
			Importance:       item.Importance,
			SourceEpisodeIDs: episodeIDs,
			Entities:         item.Entities,
			Category:         item.Category,
			Completed:        item.Completed,
		}
		if c.cfg.sessionScoped {
			mem.SessionID = sessionID
		}
		c.attachEmbedding(ctx, mem)
		if err := c.store.insert(ctx, mem); err != nil {
			return report, err
		}
		active = append(active, *mem)
		report.Inserted++

		if demoted, err := c.enforceMaxItems(ctx); err != nil {
			return report, err
		} else {
			report.Demoted += demoted
		}
	}

	return report, nil
}

// applyDecay multiplies importance for items idle past the inactive
// period and demotes those that fall through the floor. Returns the
// number of items that crossed the floor.
func (c *component) applyDecay(ctx context.Context) (int, error) {
	active, err := c.store.activeByKind(ctx, c.cfg.kind)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-c.cfg.decayInactive)

	crossed := 0
	for i := range active {
		m := &active[i]
		reference := m.UpdatedAt
		if m.LastAccessed != nil {
			reference = *m.LastAccessed
		}
		if !reference.Before(cutoff) {
			continue
		}
		m.Importance *= c.cfg.decayRate
		if m.Importance < c.cfg.decayFloor {
			m.Status = StatusDecayed
			crossed++
		}
		if err := c.store.update(ctx, m); err != nil {
			return crossed, err
		}
	}
	return crossed, nil
}

// mostSimilar finds the best active merge target via Jaccard similarity
// over content tokens, scoped by category and session where the kind
// requires it.
func (c *component) mostSimilar(active []StoredMemory, item extractedItem, sessionID string) *StoredMemory {
	var best *StoredMemory
	bestScore := 0.0
	for i := range active {
		m := &active[i]
		if m.Status != StatusActive {
			continue
		}
		if item.Category != "" && m.Category != "" && m.Category != item.Category {
			continue
		}
		if c.cfg.sessionScoped && m.SessionID != sessionID {
			continue
		}
		score := jaccard(tokenize(m.Content), tokenize(item.Content))
		if score > bestScore {
			bestScore = score
			best = m
		}
	}
	if bestScore < c.cfg.mergeThreshold {
		return nil
	}
	return best
}

func (c *component) enforceMaxItems(ctx context.Context) (int, error) {
	if c.cfg.maxItems <= 0 {
		return 0, nil
	}
	demoted := 0
	for {
		n, err := c.store.countActive(ctx, c.cfg.kind)
		if err != nil {
			return demoted, err
		}
		if n <= c.cfg.maxItems {
			return demoted, nil
		}
		if err := c.store.demoteLowest(ctx, c.cfg.kind); err != nil {
			return demoted, err
		}
		demoted++
	}
}

func (c *component) attachEmbedding(ctx context.Context, m *StoredMemory) {
	if c.embed == nil {
		return
	}
	vec, err := c.embed(ctx, m.Content)
	if err != nil {
		slog.Warn("embedding failed, storing without vector", "kind", c.cfg.kind, "error", err)
		return
	}
	m.Embedding = vec
}

// buildTranscript renders episodes as "[type] content" lines.
func buildTranscript(episodes []Episode) string {
	var sb strings.Builder
	for _, ep := range episodes {
		fmt.Fprintf(&sb, "[%s] %s\n", ep.Type, ep.Content)
	}
	return sb.String()
}

// parseExtraction decodes the LLM's JSON array, tolerating fenced-code
// wrappers.
func parseExtraction(raw string) ([]extractedItem, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
	}
	var items []extractedItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		// Some models wrap the array in an object.
		var wrapped struct {
			Items []extractedItem `json:"items"`
		}
		if err2 := json.Unmarshal([]byte(raw), &wrapped); err2 == nil && len(wrapped.Items) > 0 {
			return wrapped.Items, nil
		}
		return nil, err
	}
	return items, nil
}

func tokenize(s string) map[string]bool {
	tokens := map[string]bool{}
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) > 1 {
			tokens[f] = true
		}
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
