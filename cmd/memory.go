package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/envoy/internal/config"
	"github.com/nextlevelbuilder/envoy/internal/memory"
	"github.com/nextlevelbuilder/envoy/internal/providers"
	storesqlite "github.com/nextlevelbuilder/envoy/internal/store/sqlite"
)

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Souvenir memory engine operations",
	}
	cmd.AddCommand(memoryConsolidateCmd())
	cmd.AddCommand(memoryRecallCmd())
	cmd.AddCommand(memoryEvalCmd())
	return cmd
}

func openEngine(ctx context.Context) (*memory.Engine, func(), error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(dirOf(cfg.Database.Path), 0o755); err != nil {
		return nil, nil, err
	}
	st, err := storesqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	var llm memory.LLMFunc = func(ctx context.Context, system, user string) (string, error) {
		return "", fmt.Errorf("no LLM configured")
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		provider := providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey,
			providers.WithModel(cfg.Providers.Anthropic.Model),
			providers.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		llm = provider.Complete
	}

	var embed memory.EmbedFunc
	if cfg.Memory.EmbeddingURL != "" {
		embed = memory.NewHTTPEmbedder(cfg.Memory.EmbeddingURL, cfg.Memory.EmbeddingModel).Embed
	}

	engine := memory.NewEngine(st.DB(), memory.EngineConfig{
		LLM:   llm,
		Embed: embed,
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
	})
	if err := engine.Initialize(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	cleanup := func() {
		engine.Close()
		st.Close()
	}
	return engine, cleanup, nil
}

func memoryConsolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Consolidate pending episodes into the memory stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			engine, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := engine.Consolidate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("extracted %d, merged %d, inserted %d, decayed %d, demoted %d\n",
				report.Extracted, report.Merged, report.Inserted, report.Decayed, report.Demoted)
			return nil
		},
	}
}

func memoryRecallCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Query the memory stores with the hybrid scorer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			engine, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := engine.Recall(cmd.Context(), args[0], memory.RecallOptions{TopK: topK})
			if err != nil {
				return err
			}
			for i, r := range results {
				fmt.Printf("%2d. [%.3f] (%s) %s\n", i+1, r.Score, r.Memory.Kind, r.Memory.Content)
				fmt.Printf("      fts=%.2f vec=%.2f ent=%.2f recency=%.2f importance=%.2f\n",
					r.Signals.FTS, r.Signals.Vector, r.Signals.Entity, r.Signals.Recency, r.Memory.Importance)
			}
			if len(results) == 0 {
				fmt.Println("(no memories above threshold)")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "results per kind (0 = config default)")
	return cmd
}

func memoryEvalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval <scenarios.json>",
		Short: "Sweep recall weights over a scenario file and report MRR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var scenarios []memory.Scenario
			if err := json.Unmarshal(data, &scenarios); err != nil {
				return fmt.Errorf("parse scenarios: %w", err)
			}

			engine, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			reports, err := engine.Evaluate(cmd.Context(), scenarios, nil)
			if err != nil {
				return err
			}
			fmt.Print(memory.FormatReport(reports))
			return nil
		},
	}
}

func dirOf(path string) string {
	return filepath.Dir(path)
}
