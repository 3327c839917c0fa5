package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStatistics(t *testing.T) {
	t.Run("empty history", func(t *testing.T) {
		stats := ComputeStatistics(nil)
		assert.Equal(t, 0, stats.TotalIterations)
		assert.Equal(t, 0.0, stats.BestScore)
	})

	t.Run("improving run", func(t *testing.T) {
		records := []IterationRecord{
			{Iteration: 1, Score: 0.5},
			{Iteration: 2, Score: 0.7},
			{Iteration: 3, Score: 0.92},
		}
		stats := ComputeStatistics(records)

		assert.Equal(t, 3, stats.TotalIterations)
		assert.Equal(t, 0.5, stats.InitialScore)
		assert.Equal(t, 0.92, stats.FinalScore)
		assert.Equal(t, 0.92, stats.BestScore)
		assert.Equal(t, 3, stats.BestIteration)
		assert.InDelta(t, 0.42, stats.Improvement, 1e-9)
		assert.InDelta(t, 0.14, stats.ImprovementRate, 1e-9)
	})

	t.Run("best is first iteration achieving the maximum", func(t *testing.T) {
		records := []IterationRecord{
			{Iteration: 1, Score: 0.8},
			{Iteration: 2, Score: 0.8},
			{Iteration: 3, Score: 0.6},
		}
		stats := ComputeStatistics(records)

		assert.Equal(t, 1, stats.BestIteration)
		assert.Equal(t, 0.8, stats.BestScore)
	})

	t.Run("regressing run has negative improvement", func(t *testing.T) {
		records := []IterationRecord{
			{Iteration: 1, Score: 0.9},
			{Iteration: 2, Score: 0.4},
		}
		stats := ComputeStatistics(records)

		assert.Equal(t, 1, stats.BestIteration)
		assert.InDelta(t, -0.5, stats.Improvement, 1e-9)
	})

	t.Run("all-zero scores still name a best iteration", func(t *testing.T) {
		records := []IterationRecord{
			{Iteration: 1, Score: 0.0},
			{Iteration: 2, Score: 0.0},
		}
		stats := ComputeStatistics(records)

		assert.Equal(t, 1, stats.BestIteration)
	})
}

func TestLoopConfigValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, DefaultLoopConfig().Validate())
	})

	cases := []struct {
		name   string
		mutate func(*LoopConfig)
	}{
		{"zero iterations", func(c *LoopConfig) { c.MaxIterations = 0 }},
		{"negative threshold", func(c *LoopConfig) { c.ConvergenceThreshold = -0.1 }},
		{"threshold above one", func(c *LoopConfig) { c.ConvergenceThreshold = 1.1 }},
		{"zero patience with early stopping", func(c *LoopConfig) {
			c.EarlyStopping = true
			c.EarlyStoppingPatience = 0
		}},
		{"zero samples with self-consistency", func(c *LoopConfig) {
			c.SelfConsistency.Enabled = true
			c.SelfConsistency.NumSamples = 0
		}},
		{"out-of-range sampling temperature", func(c *LoopConfig) {
			c.SelfConsistency.Enabled = true
			c.SelfConsistency.Temperature = 2.5
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultLoopConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("disabled features are not validated", func(t *testing.T) {
		cfg := DefaultLoopConfig()
		cfg.EarlyStopping = false
		cfg.EarlyStoppingPatience = 0
		cfg.SelfConsistency.Enabled = false
		cfg.SelfConsistency.NumSamples = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestSelfConsistencyResult(t *testing.T) {
	t.Run("valid result", func(t *testing.T) {
		result, err := NewSelfConsistencyResult(
			[]string{"a", "b"}, 1, 0.8,
			[][]float64{{1.0, 0.8}, {0.8, 1.0}},
			[]float64{0.8, 0.8},
		)
		require.NoError(t, err)
		assert.Equal(t, "b", result.BestCandidate())
		assert.Equal(t, 2, result.NumSamples())
		assert.False(t, result.IsUnanimous())
	})

	t.Run("unanimous candidates", func(t *testing.T) {
		result, err := NewSelfConsistencyResult(
			[]string{"x", "x", "x"}, 0, 1.0,
			[][]float64{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}},
			[]float64{1, 1, 1},
		)
		require.NoError(t, err)
		assert.True(t, result.IsUnanimous())
	})

	cases := []struct {
		name       string
		candidates []string
		bestIndex  int
		confidence float64
		matrix     [][]float64
		averages   []float64
	}{
		{"no candidates", nil, 0, 1.0, nil, nil},
		{"best index out of range", []string{"a"}, 1, 1.0, [][]float64{{1}}, []float64{1}},
		{"confidence above one", []string{"a"}, 0, 1.5, [][]float64{{1}}, []float64{1}},
		{"non-square matrix", []string{"a", "b"}, 0, 1.0, [][]float64{{1, 1}}, []float64{1, 1}},
		{"ragged matrix row", []string{"a", "b"}, 0, 1.0, [][]float64{{1}, {1, 1}}, []float64{1, 1}},
		{"similarity out of range", []string{"a"}, 0, 1.0, [][]float64{{1.2}}, []float64{1}},
		{"averages length mismatch", []string{"a"}, 0, 1.0, [][]float64{{1}}, []float64{1, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSelfConsistencyResult(tc.candidates, tc.bestIndex, tc.confidence, tc.matrix, tc.averages)
			assert.Error(t, err)
		})
	}
}

func TestRunResult(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	result := &RunResult{
		FluentName:    "withinArea",
		Domain:        "msa",
		BestScore:     0.95,
		BestIteration: 2,
		Converged:     true,
		MaxIterations: 5,
		TerminalState: StateConverged,
		Iterations: []IterationRecord{
			{Iteration: 1, Score: 0.6},
			{Iteration: 2, Score: 0.95},
		},
		StartedAt:   started,
		CompletedAt: started.Add(90 * time.Second),
	}
	result.Statistics = ComputeStatistics(result.Iterations)

	t.Run("duration", func(t *testing.T) {
		assert.Equal(t, 90*time.Second, result.Duration())
	})

	t.Run("summarize", func(t *testing.T) {
		s := result.Summarize()
		assert.Equal(t, "withinArea", s.FluentName)
		assert.True(t, s.Converged)
		assert.Equal(t, 2, s.Iterations)
		assert.Equal(t, 0.95, s.BestScore)
		assert.InDelta(t, 0.35, s.Improvement, 1e-9)
	})

	t.Run("summary text", func(t *testing.T) {
		text := result.Summary()
		assert.Contains(t, text, "withinArea")
		assert.Contains(t, text, "converged")
		assert.Contains(t, text, "2/5")
	})
}

func TestGenerationRequestWithTemperature(t *testing.T) {
	req := &GenerationRequest{
		Prompt:      "describe the fluent",
		Temperature: 0.2,
		FewShots:    []FewShotExample{{User: "u", Assistant: "a"}},
	}

	clone := req.WithTemperature(0.9)

	assert.Equal(t, 0.9, clone.Temperature)
	assert.Equal(t, 0.2, req.Temperature, "original must be untouched")

	clone.FewShots[0].User = "changed"
	assert.Equal(t, "u", req.FewShots[0].User, "few-shots must be copied, not shared")
}
