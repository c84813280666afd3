package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/envoy/internal/agent"
	"github.com/nextlevelbuilder/envoy/internal/config"
	"github.com/nextlevelbuilder/envoy/internal/memory"
	"github.com/nextlevelbuilder/envoy/internal/providers"
	"github.com/nextlevelbuilder/envoy/internal/runner"
	"github.com/nextlevelbuilder/envoy/internal/store"
	storepg "github.com/nextlevelbuilder/envoy/internal/store/pg"
	storesqlite "github.com/nextlevelbuilder/envoy/internal/store/sqlite"
	"github.com/nextlevelbuilder/envoy/internal/tools"
	"github.com/nextlevelbuilder/envoy/internal/tracing"
)

func chatCmd() *cobra.Command {
	var sessionID string
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "chat [task]",
		Short: "Run the agent: one-shot with a task argument, interactive without",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Providers.Anthropic.APIKey == "" {
				return fmt.Errorf("ENVOY_ANTHROPIC_API_KEY is not set")
			}
			return runChat(cmd.Context(), cfg, sessionID, strings.Join(args, " "), showEvents)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "resume an existing session id")
	cmd.Flags().BoolVar(&showEvents, "events", false, "print the agent event stream")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, sessionID, task string, showEvents bool) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	st, sqliteStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessionID, err = st.EnsureSession(ctx, sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("session %s\n", sessionID)

	provider := providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey,
		providers.WithModel(cfg.Providers.Anthropic.Model),
		providers.WithBaseURL(cfg.Providers.Anthropic.BaseURL),
		providers.WithRequestsPerMinute(cfg.Providers.Anthropic.RequestsPerMinute),
	)

	if err := os.MkdirAll(cfg.Agent.Workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	registry, err := buildRegistry(ctx, cfg, st)
	if err != nil {
		return err
	}

	convo := agent.NewContext(cfg.Agent.ContextWindow)
	history, err := st.LoadMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	convo.Preload(history)
	convo.SetObserver(func(msg providers.Message) {
		if err := st.AppendMessage(context.Background(), sessionID, msg); err != nil {
			slog.Warn("persist message failed", "error", err)
		}
	})

	ag := agent.New(agent.Config{
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Model:         cfg.Providers.Anthropic.Model,
		MaxTokens:     cfg.Agent.MaxTokens,
		MaxIterations: cfg.Agent.MaxIterations,
		ContextWindow: cfg.Agent.ContextWindow,
	}, provider, registry, agent.WithContext(convo))

	if showEvents {
		go func() {
			for e := range ag.Events() {
				fmt.Fprintf(os.Stderr, "[%s] %s %s\n",
					e.Timestamp.Format(time.RFC3339), e.Type, e.ToolName)
			}
		}()
	}

	// Souvenir: record episodes as the run progresses.
	var engine *memory.Engine
	if cfg.Memory.Enabled && sqliteStore != nil {
		engine, err = buildEngine(ctx, cfg, sqliteStore, provider)
		if err != nil {
			return err
		}
		defer engine.Close()
	}

	runOne := func(input string) error {
		recordEpisode(ctx, engine, sessionID, memory.EpisodeUserDirective, input)
		result := ag.Run(ctx, input)
		for _, tc := range result.ToolCalls {
			recordEpisode(ctx, engine, sessionID, memory.EpisodeToolResult,
				fmt.Sprintf("%s -> %s", tc.Name, truncateStr(tc.Output, 500)))
		}
		switch result.Outcome {
		case "error":
			fmt.Fprintf(os.Stderr, "error: %s\n", result.ErrorMessage)
			recordEpisode(ctx, engine, sessionID, memory.EpisodeError, result.ErrorMessage)
		default:
			fmt.Println(result.Response)
		}
		slog.Debug("run finished", "outcome", result.Outcome,
			"iterations", result.Iterations, "tokens", result.TokenUsage.TotalTokens)
		return nil
	}

	if task != "" {
		return runOne(task)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if err := runOne(line); err != nil {
			return err
		}
	}
}

// openStore selects Postgres when a DSN is configured, SQLite otherwise.
// The SQLite handle (when present) is shared with the memory engine.
func openStore(cfg *config.Config) (store.Store, *storesqlite.Store, error) {
	if cfg.Database.PostgresDSN != "" {
		st, err := storepg.Open(cfg.Database.PostgresDSN)
		return st, nil, err
	}
	if err := os.MkdirAll(dirOf(cfg.Database.Path), 0o755); err != nil {
		return nil, nil, err
	}
	st, err := storesqlite.Open(cfg.Database.Path)
	return st, st, err
}

// buildRegistry wires the seed tools, reloads persisted dynamic tools,
// and installs register_tool with dedup + persistence hooks.
func buildRegistry(ctx context.Context, cfg *config.Config, st store.Store) (*tools.Registry, error) {
	root := cfg.Agent.Workspace
	timeout := time.Duration(cfg.Tools.RunTimeoutSeconds) * time.Second

	registry := tools.NewRegistry(
		tools.NewReadFileTool(root),
		tools.NewWriteFileTool(root),
		tools.NewFetchURLTool(cfg.Tools.FetchMaxChars),
		tools.NewRunDartTool(root, cfg.Tools.DartBin, timeout),
		tools.NewAskUserTool(promptUser),
	)

	records, err := st.LoadTools(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		registry.Register(tools.NewDynamicTool(rec.Spec, cfg.Tools.DartBin))
	}

	runners := runner.New(root, cfg.Tools.DartBin)
	registry.Register(tools.NewRegisterToolTool(tools.RegisterToolConfig{
		Runner:     runners,
		ToolExists: registry.Has,
		OnRegister: func(dt *tools.DynamicTool) {
			registry.Register(dt)
			// Registry save failures are not fatal post-registration.
			if err := st.SaveTool(context.Background(), dt.Spec()); err != nil {
				slog.Warn("persist tool failed", "tool", dt.Name(), "error", err)
			}
		},
		ReviewGate: reviewGate,
	}))

	return registry, nil
}

func buildEngine(ctx context.Context, cfg *config.Config, sqliteStore *storesqlite.Store, provider providers.Provider) (*memory.Engine, error) {
	var embed memory.EmbedFunc
	if cfg.Memory.EmbeddingURL != "" {
		embedder := memory.NewHTTPEmbedder(cfg.Memory.EmbeddingURL, cfg.Memory.EmbeddingModel)
		embed = embedder.Embed
	}

	engine := memory.NewEngine(sqliteStore.DB(), memory.EngineConfig{
		LLM:         provider.Complete,
		Embed:       embed,
		Identity:    cfg.Memory.Identity,
		Personality: cfg.Memory.Personality,
		Recall: memory.RecallOptions{
			Weights: memory.Weights{
				FTS:    cfg.Memory.Recall.FTSWeight,
				Vector: cfg.Memory.Recall.VectorWeight,
				Entity: cfg.Memory.Recall.EntityWeight,
			},
			Threshold:   cfg.Memory.Recall.Threshold,
			TopK:        cfg.Memory.Recall.TopK,
			TokenBudget: cfg.Memory.Recall.TokenBudget,
		},
		ConsolidateCron: cfg.Memory.ConsolidateCron,
	})
	if err := engine.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := engine.StartScheduler(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// promptUser renders the ask_user question with an interactive input.
func promptUser(ctx context.Context, question string) (string, error) {
	var answer string
	input := huh.NewInput().Title(question).Value(&answer)
	if err := huh.NewForm(huh.NewGroup(input)).RunWithContext(ctx); err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// reviewGate asks the operator to approve a new tool before it goes live.
func reviewGate(name, permission, code string) bool {
	approved := false
	confirm := huh.NewConfirm().
		Title(fmt.Sprintf("Register tool %q (tier %s)?", name, permission)).
		Description(truncateStr(code, 800)).
		Value(&approved)
	if err := huh.NewForm(huh.NewGroup(confirm)).Run(); err != nil {
		return false
	}
	return approved
}

func recordEpisode(ctx context.Context, engine *memory.Engine, sessionID string, typ memory.EpisodeType, content string) {
	if engine == nil || content == "" {
		return
	}
	if _, err := engine.Record(ctx, memory.Episode{
		SessionID: sessionID,
		Type:      typ,
		Content:   content,
	}); err != nil {
		slog.Warn("record episode failed", "error", err)
	}
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
