package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"
)

// EngineConfig wires an Engine.
type EngineConfig struct {
	LLM         LLMFunc
	Embed       EmbedFunc   // nil disables the vector signal
	TokenCount  TokenCountFunc // nil = tiktoken default
	Identity    string
	Personality string
	Recall      RecallOptions
	// ConsolidateCron optionally schedules background consolidation
	// ("*/30 * * * *" style); empty disables the scheduler.
	ConsolidateCron string
}

// Engine ties episodes, the three memory components, and unified recall
// together.
type Engine struct {
	db         *sql.DB
	episodes   *EpisodeStore
	components []Component
	llm        LLMFunc
	tokens     TokenCountFunc
	identity   string
	personality string
	recallOpts RecallOptions
	cronExpr   string

	mu      sync.Mutex
	stopped chan struct{}
}

// NewEngine builds an engine on an open SQLite handle (it may share the
// persistence store's database).
func NewEngine(db *sql.DB, cfg EngineConfig) *Engine {
	rows := newMemoryStore(db)
	tokens := cfg.TokenCount
	if tokens == nil {
		tokens = TokenCounter()
	}
	return &Engine{
		db:       db,
		episodes: NewEpisodeStore(db),
		components: []Component{
			newDurableComponent(rows, cfg.Embed),
			newTaskComponent(rows, cfg.Embed),
			newEnvironmentalComponent(rows, cfg.Embed),
		},
		llm:         cfg.LLM,
		tokens:      tokens,
		identity:    cfg.Identity,
		personality: cfg.Personality,
		recallOpts:  cfg.Recall,
		cronExpr:    cfg.ConsolidateCron,
	}
}

// Initialize creates schema for episodes, memories, and outcomes.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.episodes.Initialize(ctx); err != nil {
		return err
	}
	for _, c := range e.components {
		if err := c.Initialize(ctx); err != nil {
			return err
		}
	}
	_, err := e.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS task_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_type TEXT NOT NULL,
			success INTEGER NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init outcomes: %w", err)
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.stopped != nil {
		close(e.stopped)
		e.stopped = nil
	}
	e.mu.Unlock()
	for _, c := range e.components {
		c.Close()
	}
	return nil
}

// Record appends an episode to the log.
func (e *Engine) Record(ctx context.Context, ep Episode) (Episode, error) {
	return e.episodes.Append(ctx, ep)
}

// Flush is a batching hook; the SQLite-backed store writes through, so
// it is a no-op today.
func (e *Engine) Flush(ctx context.Context) error { return nil }

// Episodes exposes the underlying store for drivers and tests.
func (e *Engine) Episodes() *EpisodeStore { return e.episodes }

// Consolidate fans pending episodes out to every component and merges
// their reports. Components run concurrently; each applies decay even
// when the batch is empty.
func (e *Engine) Consolidate(ctx context.Context) (ConsolidationReport, error) {
	var total ConsolidationReport

	pending, err := e.episodes.Pending(ctx, 0)
	if err != nil {
		return total, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range e.components {
		c := c
		g.Go(func() error {
			report, err := c.Consolidate(gctx, pending, e.llm)
			if err != nil {
				return fmt.Errorf("%s consolidation: %w", c.Kind(), err)
			}
			mu.Lock()
			total.Merge(report)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}

	ids := make([]string, len(pending))
	for i, ep := range pending {
		ids[i] = ep.ID
	}
	if err := e.episodes.MarkConsolidated(ctx, ids); err != nil {
		return total, err
	}

	slog.Info("consolidation complete",
		"episodes", len(pending), "extracted", total.Extracted,
		"merged", total.Merged, "inserted", total.Inserted,
		"decayed", total.Decayed, "demoted", total.Demoted)
	return total, nil
}

// Recall fans the query out across components (honoring any kind filter)
// and merges the ranked results under the token budget.
func (e *Engine) Recall(ctx context.Context, query string, opts RecallOptions) ([]LabeledRecall, error) {
	if opts.Weights == (Weights{}) {
		opts.Weights = e.recallOpts.Weights
	}
	if opts.Threshold == 0 {
		opts.Threshold = e.recallOpts.Threshold
	}
	if opts.TopK == 0 {
		opts.TopK = e.recallOpts.TopK
	}
	opts = opts.withDefaults()

	wanted := map[Kind]bool{}
	for _, k := range opts.Kinds {
		wanted[k] = true
	}

	var mu sync.Mutex
	var merged []LabeledRecall
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range e.components {
		if len(wanted) > 0 && !wanted[c.Kind()] {
			continue
		}
		c := c
		g.Go(func() error {
			hits, err := c.Recall(gctx, query, opts)
			if err != nil {
				return fmt.Errorf("%s recall: %w", c.Kind(), err)
			}
			mu.Lock()
			merged = append(merged, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortRecalls(merged)
	if opts.TokenBudget > 0 {
		merged = TrimToBudget(merged, opts.TokenBudget, e.tokens)
	}
	return merged, nil
}

// ContextBundle is the assembled memory context handed to a new run.
type ContextBundle struct {
	Memories        []LabeledRecall `json:"memories"`
	Episodes        []Episode       `json:"episodes"`
	Identity        string          `json:"identity,omitempty"`
	Personality     string          `json:"personality,omitempty"`
	Procedures      []string        `json:"procedures,omitempty"`
	EstimatedTokens int             `json:"estimated_tokens"`
}

// LoadContext assembles recalls (trimmed to the engine's recall token
// budget) plus up to 20 recent session episodes, which are not trimmed.
// EstimatedTokens counts the memory and episode text.
func (e *Engine) LoadContext(ctx context.Context, query, sessionID string) (*ContextBundle, error) {
	memories, err := e.Recall(ctx, query, e.recallOpts)
	if err != nil {
		return nil, err
	}

	var episodes []Episode
	if sessionID != "" {
		episodes, err = e.episodes.BySession(ctx, sessionID, 20)
		if err != nil {
			return nil, err
		}
	}

	bundle := &ContextBundle{
		Memories:    memories,
		Episodes:    episodes,
		Identity:    e.identity,
		Personality: e.personality,
	}
	for _, m := range memories {
		bundle.EstimatedTokens += e.tokens(m.Memory.Content)
	}
	for _, ep := range episodes {
		bundle.EstimatedTokens += e.tokens(ep.Content)
	}
	return bundle, nil
}

// RecordOutcome logs a task outcome row and mirrors it as an observation
// episode so repeated patterns reach the environmental store on the next
// consolidation pass.
func (e *Engine) RecordOutcome(ctx context.Context, taskType string, success bool, sessionID, notes string) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO task_outcomes (task_type, success, session_id, notes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		taskType, boolToInt(success), sessionID, notes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}

	verdict := "succeeded"
	if !success {
		verdict = "failed"
	}
	content := fmt.Sprintf("task %q %s", taskType, verdict)
	if notes != "" {
		content += ": " + notes
	}
	_, err = e.Record(ctx, Episode{
		SessionID: sessionID,
		Type:      EpisodeObservation,
		Content:   content,
	})
	return err
}

// StartScheduler runs background consolidation on the configured cron
// expression until ctx is cancelled or Close is called. Invalid
// expressions are rejected up front.
func (e *Engine) StartScheduler(ctx context.Context) error {
	expr := strings.TrimSpace(e.cronExpr)
	if expr == "" {
		return nil
	}
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return fmt.Errorf("invalid consolidation schedule %q", expr)
	}

	e.mu.Lock()
	stopped := make(chan struct{})
	e.stopped = stopped
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				due, err := gron.IsDue(expr, time.Now())
				if err != nil || !due {
					continue
				}
				if _, err := e.Consolidate(ctx); err != nil {
					slog.Warn("scheduled consolidation failed", "error", err)
				}
			}
		}
	}()
	return nil
}
