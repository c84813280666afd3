package memory

import (
	"context"
	"strings"
	"testing"
	"time"
)

// axisEmbed embeds text onto a tiny topic space: animal talk, physics
// talk, and everything else land on orthogonal axes. Good enough to test
// the semantic bridge without a model.
func axisEmbed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	for _, word := range []string{"animal", "rabbit", "cat", "dog", "creature"} {
		if strings.Contains(lower, word) {
			return []float32{1, 0, 0}, nil
		}
	}
	for _, word := range []string{"quantum", "entanglement", "physics"} {
		if strings.Contains(lower, word) {
			return []float32{0, 1, 0}, nil
		}
	}
	return []float32{0, 0, 1}, nil
}

func recallComponent(t *testing.T) (*component, *memoryStore) {
	t.Helper()
	store := newMemoryStore(openDB(t))
	if err := store.initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg := durableCfg()
	c := newComponent(cfg, store, axisEmbed)
	return c, store
}

func insertWithEmbedding(t *testing.T, c *component, store *memoryStore, content string, importance float64) *StoredMemory {
	t.Helper()
	m := &StoredMemory{Kind: KindDurable, Content: content, Importance: importance}
	c.attachEmbedding(context.Background(), m)
	if err := store.insert(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRecall_SemanticBridge(t *testing.T) {
	c, store := recallComponent(t)
	ctx := context.Background()

	insertWithEmbedding(t, c, store, "User thinks rabbits are the most adorable creatures.", 0.9)
	insertWithEmbedding(t, c, store, "The deploy pipeline uses GitHub Actions.", 0.9)

	results, err := c.Recall(ctx, "favourite animal", RecallOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("semantic bridge returned nothing")
	}
	top := results[0]
	if !strings.Contains(top.Memory.Content, "rabbits") {
		t.Errorf("rank 1 = %q", top.Memory.Content)
	}
	if top.Score < 0.25 {
		t.Errorf("score %v below threshold yet returned", top.Score)
	}
	if top.Signals.Vector <= 0 {
		t.Error("match should come from the vector signal")
	}
	if top.Signals.FTS > 0.01 {
		t.Errorf("FTS contribution should be ~0, got %v", top.Signals.FTS)
	}
}

func TestRecall_SilenceBelowThreshold(t *testing.T) {
	c, store := recallComponent(t)
	ctx := context.Background()

	insertWithEmbedding(t, c, store, "Project uses a Postgres database on port 5432.", 0.8)
	insertWithEmbedding(t, c, store, "Team standup happens at 10am.", 0.8)

	results, err := c.Recall(ctx, "quantum entanglement", RecallOptions{Threshold: 0.25})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected silence, got %d hits (top %q score %v)",
			len(results), results[0].Memory.Content, results[0].Score)
	}
}

func TestRecall_AllResultsMeetThresholdAndSorted(t *testing.T) {
	c, store := recallComponent(t)
	ctx := context.Background()

	insertWithEmbedding(t, c, store, "Rabbits eat grass and vegetables daily.", 0.9)
	insertWithEmbedding(t, c, store, "A rabbit is a small animal.", 0.5)
	insertWithEmbedding(t, c, store, "Cats nap most of the afternoon.", 0.7)

	opts := RecallOptions{Threshold: 0.2, TopK: 10}
	results, err := c.Recall(ctx, "tell me about the animal", opts)
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if r.Score < opts.Threshold {
			t.Errorf("result %d score %v < threshold", i, r.Score)
		}
		if i > 0 && results[i-1].Score < r.Score {
			t.Errorf("results not sorted descending at %d", i)
		}
	}
}

func TestRecall_DecayedExcluded(t *testing.T) {
	c, store := recallComponent(t)
	ctx := context.Background()

	m := insertWithEmbedding(t, c, store, "Rabbits are adorable animals.", 0.9)
	m.Status = StatusDecayed
	if err := store.update(ctx, m); err != nil {
		t.Fatal(err)
	}

	results, err := c.Recall(ctx, "animal", RecallOptions{Threshold: 0.01})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Error("decayed memory surfaced in recall")
	}
}

func TestRecall_BumpsAccessStats(t *testing.T) {
	c, store := recallComponent(t)
	ctx := context.Background()

	m := insertWithEmbedding(t, c, store, "Rabbits are the best animal.", 0.9)

	if _, err := c.Recall(ctx, "animal", RecallOptions{Threshold: 0.1}); err != nil {
		t.Fatal(err)
	}
	rows, err := store.byIDs(ctx, []string{m.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("reload: %v", err)
	}
	if rows[0].AccessCount != 1 {
		t.Errorf("access_count = %d", rows[0].AccessCount)
	}
	if rows[0].LastAccessed == nil {
		t.Error("last_accessed not set")
	}
}

func TestRecall_FTSSignal(t *testing.T) {
	c, store := recallComponent(t)
	ctx := context.Background()

	insertWithEmbedding(t, c, store, "The staging server lives at staging.internal.example.", 0.9)

	results, err := c.Recall(ctx, "staging server", RecallOptions{Threshold: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("keyword query found nothing")
	}
	if results[0].Signals.FTS <= 0 {
		t.Errorf("FTS signal = %v, want > 0", results[0].Signals.FTS)
	}
}

func TestRecall_EntityExpansion(t *testing.T) {
	c, store := recallComponent(t)
	ctx := context.Background()

	m := &StoredMemory{
		Kind:       KindDurable,
		Content:    "Prefers the espresso machine on floor three.",
		Importance: 0.9,
		Entities:   []string{"Marisol"},
	}
	if err := store.insert(ctx, m); err != nil {
		t.Fatal(err)
	}

	results, err := c.Recall(ctx, "what does Marisol like", RecallOptions{Threshold: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("entity-linked memory not found")
	}
	if results[0].Signals.Entity <= 0 {
		t.Errorf("entity signal = %v", results[0].Signals.Entity)
	}
}

func TestRecall_TieBreakOrder(t *testing.T) {
	now := time.Now().UTC()
	older := now.Add(-time.Hour)
	results := []LabeledRecall{
		{Memory: StoredMemory{ID: "b", Importance: 0.5, UpdatedAt: now}, Score: 0.5},
		{Memory: StoredMemory{ID: "a", Importance: 0.5, UpdatedAt: now}, Score: 0.5},
		{Memory: StoredMemory{ID: "c", Importance: 0.9, UpdatedAt: older}, Score: 0.5},
		{Memory: StoredMemory{ID: "d", Importance: 0.5, UpdatedAt: older}, Score: 0.5},
	}
	sortRecalls(results)
	got := []string{results[0].Memory.ID, results[1].Memory.ID, results[2].Memory.ID, results[3].Memory.ID}
	want := []string{"c", "a", "b", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestTrimToBudget(t *testing.T) {
	count := func(text string) int { return len(text) }
	results := []LabeledRecall{
		{Memory: StoredMemory{Content: strings.Repeat("a", 40)}},
		{Memory: StoredMemory{Content: strings.Repeat("b", 40)}},
		{Memory: StoredMemory{Content: strings.Repeat("c", 40)}},
	}
	trimmed := TrimToBudget(results, 90, count)
	if len(trimmed) != 2 {
		t.Errorf("trimmed to %d, want 2", len(trimmed))
	}
	if got := TrimToBudget(results, 0, count); len(got) != 3 {
		t.Error("zero budget means unlimited")
	}
}

func TestExtractQueryEntities(t *testing.T) {
	got := ExtractQueryEntities(`What does Marisol think about "the staging box"?`)
	hasMarisol, hasQuoted := false, false
	for _, e := range got {
		if e == "marisol" {
			hasMarisol = true
		}
		if e == "the staging box" {
			hasQuoted = true
		}
	}
	if !hasMarisol || !hasQuoted {
		t.Errorf("entities = %v", got)
	}
}
