package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Scenario is one eval case: a query and the content fragment the
// top-ranked memory is expected to contain. An empty Expect means the
// query should return nothing.
type Scenario struct {
	Name   string `json:"name"`
	Query  string `json:"query"`
	Expect string `json:"expect"`
}

// GridPoint is one weight configuration in the sweep.
type GridPoint struct {
	Weights   Weights `json:"weights"`
	Threshold float64 `json:"threshold"`
}

// DefaultGrid sweeps the fts/vector trade-off with a fixed entity share.
func DefaultGrid() []GridPoint {
	var grid []GridPoint
	for _, fts := range []float64{0.2, 0.35, 0.5} {
		for _, threshold := range []float64{0.15, 0.25, 0.35} {
			vec := 0.8 - fts
			grid = append(grid, GridPoint{
				Weights:   Weights{FTS: fts, Vector: vec, Entity: 0.2},
				Threshold: threshold,
			})
		}
	}
	return grid
}

// ScenarioResult records how one scenario scored under one grid point.
type ScenarioResult struct {
	Scenario string  `json:"scenario"`
	Rank     int     `json:"rank"` // 0 = not found
	Score    float64 `json:"score"`
	Hit      bool    `json:"hit"`
}

// GridReport aggregates a grid point's performance.
type GridReport struct {
	Point     GridPoint        `json:"point"`
	MRR       float64          `json:"mrr"`
	HitAtK    float64          `json:"hit_at_k"`
	Scenarios []ScenarioResult `json:"scenarios"`
}

// Evaluate sweeps the grid over the scenarios and returns reports sorted
// by MRR descending.
func (e *Engine) Evaluate(ctx context.Context, scenarios []Scenario, grid []GridPoint) ([]GridReport, error) {
	if len(grid) == 0 {
		grid = DefaultGrid()
	}

	var reports []GridReport
	for _, point := range grid {
		report := GridReport{Point: point}
		var reciprocalSum float64
		hits := 0

		for _, sc := range scenarios {
			results, err := e.Recall(ctx, sc.Query, RecallOptions{
				Weights:   point.Weights,
				Threshold: point.Threshold,
				TopK:      10,
			})
			if err != nil {
				return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
			}

			sr := ScenarioResult{Scenario: sc.Name}
			if sc.Expect == "" {
				// Silence scenario: a hit means nothing came back.
				sr.Hit = len(results) == 0
			} else {
				for i, r := range results {
					if strings.Contains(strings.ToLower(r.Memory.Content), strings.ToLower(sc.Expect)) {
						sr.Rank = i + 1
						sr.Score = r.Score
						sr.Hit = true
						break
					}
				}
			}
			if sr.Hit {
				hits++
				if sr.Rank > 0 {
					reciprocalSum += 1.0 / float64(sr.Rank)
				} else {
					reciprocalSum += 1.0 // silence scenarios count as rank 1
				}
			}
			report.Scenarios = append(report.Scenarios, sr)
		}

		if len(scenarios) > 0 {
			report.MRR = reciprocalSum / float64(len(scenarios))
			report.HitAtK = float64(hits) / float64(len(scenarios))
		}
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].MRR > reports[j].MRR })
	return reports, nil
}

// FormatReport renders the sweep as an aligned text table.
func FormatReport(reports []GridReport) string {
	var sb strings.Builder
	sb.WriteString("fts   vec   ent   thr    MRR    hit@k\n")
	for _, r := range reports {
		fmt.Fprintf(&sb, "%.2f  %.2f  %.2f  %.2f   %.3f  %.3f\n",
			r.Point.Weights.FTS, r.Point.Weights.Vector, r.Point.Weights.Entity,
			r.Point.Threshold, r.MRR, r.HitAtK)
	}
	return sb.String()
}
