package loop

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulecraft/rulecraft/internal/inference"
	"github.com/rulecraft/rulecraft/internal/memory"
	"github.com/rulecraft/rulecraft/internal/models"
	"github.com/rulecraft/rulecraft/internal/prompt"
	"github.com/rulecraft/rulecraft/internal/simlp"
)

// scriptedEvaluator returns scores in order, repeating the last one, and
// fabricates feedback when asked.
type scriptedEvaluator struct {
	scores []float64
	calls  int
	err    error
}

func (e *scriptedEvaluator) Evaluate(ctx context.Context, candidate, reference string, wantFeedback bool) (*simlp.Evaluation, error) {
	if e.err != nil {
		return nil, e.err
	}

	idx := e.calls
	if idx >= len(e.scores) {
		idx = len(e.scores) - 1
	}
	e.calls++

	eval := &simlp.Evaluation{Score: e.scores[idx]}
	if wantFeedback {
		eval.Feedback = map[string]string{
			"missing_rules": fmt.Sprintf("feedback after call %d", e.calls),
		}
	}
	return eval, nil
}

func response(rule string) string {
	return fmt.Sprintf("Here you go:\n```prolog\n%s\n```", rule)
}

func testConfig() *models.LoopConfig {
	cfg := models.DefaultLoopConfig()
	cfg.MaxIterations = 5
	cfg.ConvergenceThreshold = 0.9
	return cfg
}

func newTestOrchestrator(t *testing.T, provider inference.Provider, evaluator simlp.Evaluator, mem *memory.RuleMemory, cfg *models.LoopConfig) *Orchestrator {
	t.Helper()
	o, err := New(prompt.NewMSABuilder(), provider, evaluator, mem, cfg, nil)
	require.NoError(t, err)
	return o
}

func TestNew(t *testing.T) {
	provider := inference.NewScriptedProvider([]string{"r"})
	evaluator := &scriptedEvaluator{scores: []float64{0.5}}

	t.Run("missing collaborators", func(t *testing.T) {
		_, err := New(nil, provider, evaluator, nil, nil, nil)
		assert.Error(t, err)
		_, err = New(prompt.NewMSABuilder(), nil, evaluator, nil, nil, nil)
		assert.Error(t, err)
		_, err = New(prompt.NewMSABuilder(), provider, nil, nil, nil, nil)
		assert.Error(t, err)
	})

	t.Run("invalid config rejected eagerly", func(t *testing.T) {
		cfg := testConfig()
		cfg.MaxIterations = 0
		_, err := New(prompt.NewMSABuilder(), provider, evaluator, nil, cfg, nil)
		assert.ErrorContains(t, err, "max_iterations")
	})

	t.Run("nil config falls back to defaults", func(t *testing.T) {
		_, err := New(prompt.NewMSABuilder(), provider, evaluator, nil, nil, nil)
		assert.NoError(t, err)
	})
}

func TestRunConvergence(t *testing.T) {
	t.Run("converges on the first iteration", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{response("perfect.")})
		evaluator := &scriptedEvaluator{scores: []float64{0.95}}
		o := newTestOrchestrator(t, provider, evaluator, nil, testConfig())

		result, err := o.Run(context.Background(), "withinArea", "a vessel is within an area", "ref.", nil)
		require.NoError(t, err)

		assert.True(t, result.Converged)
		assert.Equal(t, models.StateConverged, result.TerminalState)
		assert.Len(t, result.Iterations, 1)
		assert.Equal(t, "perfect.", result.BestRules)
		assert.Equal(t, 0.95, result.BestScore)
		assert.Equal(t, 1, result.BestIteration)
		assert.Equal(t, 1, provider.CallCount())
	})

	t.Run("improves across iterations then converges", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{
			response("draft."), response("better."), response("final."),
		})
		evaluator := &scriptedEvaluator{scores: []float64{0.4, 0.7, 0.93}}
		o := newTestOrchestrator(t, provider, evaluator, nil, testConfig())

		result, err := o.Run(context.Background(), "gap", "communication gap", "ref.", nil)
		require.NoError(t, err)

		assert.True(t, result.Converged)
		assert.Len(t, result.Iterations, 3)
		assert.Equal(t, "final.", result.BestRules)
		assert.Equal(t, 3, result.BestIteration)
		assert.InDelta(t, 0.53, result.Statistics.Improvement, 1e-9)
	})

	t.Run("exhausts the budget keeping the best candidate", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{
			response("a."), response("b."), response("c."),
		})
		evaluator := &scriptedEvaluator{scores: []float64{0.3, 0.6, 0.5}}
		cfg := testConfig()
		cfg.MaxIterations = 3
		o := newTestOrchestrator(t, provider, evaluator, nil, cfg)

		result, err := o.Run(context.Background(), "stopped", "a vessel is stopped", "ref.", nil)
		require.NoError(t, err)

		assert.False(t, result.Converged)
		assert.Equal(t, models.StateExhausted, result.TerminalState)
		assert.Len(t, result.Iterations, 3)
		assert.Equal(t, "b.", result.BestRules, "best is kept even when later iterations regress")
		assert.Equal(t, 2, result.BestIteration)
	})
}

func TestRunEarlyStopping(t *testing.T) {
	t.Run("stops after patience non-improving iterations", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{
			response("a."), response("b."), response("c."), response("d."),
		})
		evaluator := &scriptedEvaluator{scores: []float64{0.5, 0.4, 0.3, 0.8}}
		cfg := testConfig()
		cfg.EarlyStopping = true
		cfg.EarlyStoppingPatience = 2
		o := newTestOrchestrator(t, provider, evaluator, nil, cfg)

		result, err := o.Run(context.Background(), "f", "desc", "ref.", nil)
		require.NoError(t, err)

		assert.Equal(t, models.StateStoppedEarly, result.TerminalState)
		assert.Len(t, result.Iterations, 3, "stops at the third iteration, never reaching the fourth")
		assert.Equal(t, "a.", result.BestRules)
	})

	t.Run("strict improvement resets the streak", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{
			response("a."), response("b."), response("c."), response("d."), response("e."),
		})
		evaluator := &scriptedEvaluator{scores: []float64{0.5, 0.4, 0.6, 0.5, 0.55}}
		cfg := testConfig()
		cfg.MaxIterations = 5
		cfg.EarlyStopping = true
		cfg.EarlyStoppingPatience = 2
		o := newTestOrchestrator(t, provider, evaluator, nil, cfg)

		result, err := o.Run(context.Background(), "f", "desc", "ref.", nil)
		require.NoError(t, err)

		// Streak: 0,1,reset,1,2 so the loop stops exactly at iteration 5.
		assert.Equal(t, models.StateStoppedEarly, result.TerminalState)
		assert.Len(t, result.Iterations, 5)
		assert.Equal(t, "c.", result.BestRules)
	})

	t.Run("a tie does not count as improvement", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{
			response("a."), response("b."), response("c."),
		})
		evaluator := &scriptedEvaluator{scores: []float64{0.5, 0.5, 0.5}}
		cfg := testConfig()
		cfg.EarlyStopping = true
		cfg.EarlyStoppingPatience = 2
		o := newTestOrchestrator(t, provider, evaluator, nil, cfg)

		result, err := o.Run(context.Background(), "f", "desc", "ref.", nil)
		require.NoError(t, err)

		assert.Equal(t, models.StateStoppedEarly, result.TerminalState)
		assert.Len(t, result.Iterations, 3)
		assert.Equal(t, "a.", result.BestRules, "the first candidate wins the tie")
	})
}

func TestRunFeedbackPropagation(t *testing.T) {
	provider := inference.NewScriptedProvider([]string{response("a."), response("b.")})
	evaluator := &scriptedEvaluator{scores: []float64{0.4, 0.95}}
	o := newTestOrchestrator(t, provider, evaluator, nil, testConfig())

	_, err := o.Run(context.Background(), "f", "desc", "ref.", nil)
	require.NoError(t, err)

	reqs := provider.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Feedback, "the first prompt carries no feedback")
	assert.Contains(t, reqs[1].Feedback, "missing_rules")
	assert.Contains(t, reqs[1].Feedback, "feedback after call 1")
}

func TestRunErrors(t *testing.T) {
	t.Run("validates inputs", func(t *testing.T) {
		o := newTestOrchestrator(t,
			inference.NewScriptedProvider([]string{"r"}),
			&scriptedEvaluator{scores: []float64{0.5}}, nil, testConfig())

		_, err := o.Run(context.Background(), "", "desc", "ref.", nil)
		assert.Error(t, err)
		_, err = o.Run(context.Background(), "f", "", "ref.", nil)
		assert.Error(t, err)
		_, err = o.Run(context.Background(), "f", "desc", "", nil)
		assert.Error(t, err)
	})

	t.Run("empty initial generation", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{"   \n  "})
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.5}}, nil, testConfig())

		_, err := o.Run(context.Background(), "f", "desc", "ref.", nil)

		var emptyErr *EmptyGenerationError
		require.ErrorAs(t, err, &emptyErr)
		assert.Equal(t, PhaseInitial, emptyErr.Phase)
		assert.Equal(t, 1, emptyErr.Iteration)
	})

	t.Run("empty refinement generation", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{response("a."), "  "})
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.4}}, nil, testConfig())

		_, err := o.Run(context.Background(), "f", "desc", "ref.", nil)

		var emptyErr *EmptyGenerationError
		require.ErrorAs(t, err, &emptyErr)
		assert.Equal(t, PhaseRefinement, emptyErr.Phase)
		assert.Equal(t, 2, emptyErr.Iteration)
	})

	t.Run("empty ensemble sample maps to the generation error", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{"   ", "  \n "})
		cfg := testConfig()
		cfg.SelfConsistency.Enabled = true
		cfg.SelfConsistency.NumSamples = 2
		cfg.SelfConsistency.Temperature = 0.7
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.5}}, nil, cfg)

		_, err := o.Run(context.Background(), "f", "desc", "ref.", nil)

		var emptyErr *EmptyGenerationError
		require.ErrorAs(t, err, &emptyErr)
		assert.Equal(t, PhaseInitial, emptyErr.Phase)
		assert.Equal(t, 1, emptyErr.Iteration)
	})

	t.Run("evaluation failure is wrapped", func(t *testing.T) {
		cause := errors.New("simlp unreachable")
		provider := inference.NewScriptedProvider([]string{response("a.")})
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{err: cause}, nil, testConfig())

		_, err := o.Run(context.Background(), "f", "desc", "ref.", nil)

		var evalErr *EvaluationError
		require.ErrorAs(t, err, &evalErr)
		assert.Equal(t, 1, evalErr.Iteration)
		assert.ErrorIs(t, err, cause)
	})
}

func TestRunMemoryIntegration(t *testing.T) {
	newMemory := func(t *testing.T, threshold float64) *memory.RuleMemory {
		m, err := memory.New(threshold, nil)
		require.NoError(t, err)
		return m
	}

	t.Run("converged result is stored", func(t *testing.T) {
		mem := newMemory(t, 0.8)
		provider := inference.NewScriptedProvider([]string{response("stored.")})
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.95}}, mem, testConfig())

		_, err := o.Run(context.Background(), "withinArea", "vessel within an area", "ref.", nil)
		require.NoError(t, err)

		entry, ok := mem.GetEntry("withinArea")
		require.True(t, ok)
		assert.Equal(t, "stored.", entry.Rules)
		assert.Equal(t, "msa", entry.Metadata["domain"])
	})

	t.Run("weak result stays out of memory", func(t *testing.T) {
		mem := newMemory(t, 0.8)
		provider := inference.NewScriptedProvider([]string{response("weak.")})
		cfg := testConfig()
		cfg.MaxIterations = 1
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.3}}, mem, cfg)

		result, err := o.Run(context.Background(), "f", "desc", "ref.", nil)
		require.NoError(t, err)

		assert.False(t, result.Converged)
		assert.False(t, mem.Contains("f"))
	})

	t.Run("prerequisites are injected as examples", func(t *testing.T) {
		mem := newMemory(t, 0.0)
		_, err := mem.AddEntry("stopped", "holdsFor(stopped(V)=true, I).", 0.9, "a vessel is stopped")
		require.NoError(t, err)

		provider := inference.NewScriptedProvider([]string{response("ok.")})
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.95}}, mem, testConfig())

		_, err = o.Run(context.Background(), "anchored", "desc", "ref.", []string{"stopped", "missing"})
		require.NoError(t, err, "a missing prerequisite is skipped, not fatal")

		reqs := provider.Requests()
		require.Len(t, reqs, 1)
		last := reqs[0].FewShots[len(reqs[0].FewShots)-1]
		assert.Equal(t, "a vessel is stopped", last.User)
		assert.Contains(t, last.Assistant, "holdsFor(stopped(V)=true, I).")
	})
}

func TestRunBatch(t *testing.T) {
	fluents := []FluentConfig{
		{Name: "a", Description: "da", GroundTruth: "ra."},
		{Name: "b", Description: "db", GroundTruth: "rb."},
		{Name: "c", Description: "dc", GroundTruth: "rc."},
	}

	t.Run("all succeed", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{response("x.")})
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.95}}, nil, testConfig())

		summary, err := o.RunBatch(context.Background(), fluents, true)
		require.NoError(t, err)

		assert.Equal(t, 3, summary.Attempted)
		assert.Equal(t, 3, summary.Completed)
		assert.Equal(t, 3, summary.Converged)
		assert.Equal(t, 0, summary.Failed)
		require.Len(t, summary.Results, 3)
		assert.Equal(t, "a", summary.Results[0].FluentName)
	})

	t.Run("stop on failure halts at the first unconverged fluent", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{response("x."), response("weak."), response("y.")})
		evaluator := &scriptedEvaluator{scores: []float64{0.95, 0.2, 0.95}}
		cfg := testConfig()
		cfg.MaxIterations = 1
		o := newTestOrchestrator(t, provider, evaluator, nil, cfg)

		summary, err := o.RunBatch(context.Background(), fluents, true)
		require.NoError(t, err, "non-convergence halts the batch without an error")

		assert.Equal(t, 2, summary.Attempted)
		assert.Equal(t, 2, summary.Completed)
		assert.Equal(t, 1, summary.Converged)
		assert.Equal(t, 0, summary.Failed)
		require.Len(t, summary.Results, 2, "the unconverged result is kept, nothing after it")
		assert.Equal(t, "a", summary.Results[0].FluentName)
		assert.Equal(t, "b", summary.Results[1].FluentName)
		assert.False(t, summary.Results[1].Converged)
		assert.Equal(t, 2, provider.CallCount(), "the third fluent never generates")
	})

	t.Run("without stop on failure an unconverged fluent does not halt", func(t *testing.T) {
		provider := inference.NewScriptedProvider([]string{response("x."), response("weak."), response("y.")})
		evaluator := &scriptedEvaluator{scores: []float64{0.95, 0.2, 0.95}}
		cfg := testConfig()
		cfg.MaxIterations = 1
		o := newTestOrchestrator(t, provider, evaluator, nil, cfg)

		summary, err := o.RunBatch(context.Background(), fluents, false)
		require.NoError(t, err)

		assert.Equal(t, 3, summary.Attempted)
		assert.Equal(t, 3, summary.Completed)
		assert.Equal(t, 2, summary.Converged)
		require.Len(t, summary.Results, 3)
	})

	t.Run("hard errors abort the batch regardless of the flag", func(t *testing.T) {
		for _, stopOnFailure := range []bool{true, false} {
			// The second fluent's generation is blank, which is a hard error.
			provider := inference.NewScriptedProvider([]string{response("x."), "   ", response("y.")})
			o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.95}}, nil, testConfig())

			summary, err := o.RunBatch(context.Background(), fluents, stopOnFailure)
			require.Error(t, err)
			assert.ErrorContains(t, err, `"b"`)

			var emptyErr *EmptyGenerationError
			assert.ErrorAs(t, err, &emptyErr)

			assert.Equal(t, 2, summary.Attempted)
			assert.Equal(t, 1, summary.Completed)
			assert.Equal(t, 1, summary.Failed)
			require.Len(t, summary.Results, 1)
			assert.Equal(t, "a", summary.Results[0].FluentName)
			assert.Equal(t, 2, provider.CallCount(), "the third fluent never generates")
		}
	})

	t.Run("later fluents see earlier results through memory", func(t *testing.T) {
		mem, err := memory.New(0.5, nil)
		require.NoError(t, err)

		chained := []FluentConfig{
			{Name: "base", Description: "the base fluent", GroundTruth: "rb."},
			{Name: "derived", Description: "builds on base", GroundTruth: "rd.", Prerequisites: []string{"base"}},
		}

		provider := inference.NewScriptedProvider([]string{response("base rule."), response("derived rule.")})
		o := newTestOrchestrator(t, provider, &scriptedEvaluator{scores: []float64{0.95}}, mem, testConfig())

		_, err = o.RunBatch(context.Background(), chained, true)
		require.NoError(t, err)

		reqs := provider.Requests()
		require.Len(t, reqs, 2)
		last := reqs[1].FewShots[len(reqs[1].FewShots)-1]
		assert.Equal(t, "the base fluent", last.User)
		assert.Contains(t, last.Assistant, "base rule.")
	})
}
