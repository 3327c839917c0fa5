package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FewShotExample is one (user, assistant) pair injected into a prompt.
type FewShotExample struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// GenerationRequest carries everything a provider needs for one completion.
// Built fresh per call and never mutated afterwards; use WithTemperature to
// derive a variant.
type GenerationRequest struct {
	Prompt       string           `json:"prompt"`
	SystemPrompt string           `json:"system_prompt,omitempty"`
	DomainPrompt string           `json:"domain_prompt,omitempty"`
	Feedback     string           `json:"feedback,omitempty"`
	FewShots     []FewShotExample `json:"fewshots,omitempty"`
	Temperature  float64          `json:"temperature,omitempty"` // <= 0 means provider default
	MaxTokens    int              `json:"max_tokens,omitempty"`  // <= 0 means provider default
	Model        string           `json:"model,omitempty"`       // "" means provider default
}

// WithTemperature returns a copy of the request with the temperature replaced.
func (r *GenerationRequest) WithTemperature(temperature float64) *GenerationRequest {
	clone := *r
	clone.FewShots = append([]FewShotExample(nil), r.FewShots...)
	clone.Temperature = temperature
	return &clone
}

// IterationRecord captures one pass of the feedback loop. Records are
// append-only; the orchestrator never rewrites one after creation.
type IterationRecord struct {
	Iteration  int             `json:"iteration"` // 1-based
	Rules      string          `json:"rules"`
	Score      float64         `json:"score"`
	Feedback   string          `json:"feedback,omitempty"`
	Diagnostic json.RawMessage `json:"diagnostic,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// IsPerfect reports whether this iteration hit the score ceiling. The check
// is against 1.0 exactly, not the configured convergence threshold.
func (r IterationRecord) IsPerfect() bool {
	return r.Score >= 1.0
}

// LoopStatistics aggregates a completed run. All fields are derived from the
// iteration records once at finalization; nothing here is updated in place.
type LoopStatistics struct {
	TotalIterations int     `json:"total_iterations"`
	InitialScore    float64 `json:"initial_score"`
	FinalScore      float64 `json:"final_score"`
	BestScore       float64 `json:"best_score"`
	BestIteration   int     `json:"best_iteration"`
	Improvement     float64 `json:"improvement"`
	ImprovementRate float64 `json:"improvement_rate"`
}

// ComputeStatistics derives LoopStatistics from an iteration history. The
// best iteration is the first index achieving the maximum score.
func ComputeStatistics(records []IterationRecord) LoopStatistics {
	stats := LoopStatistics{TotalIterations: len(records)}
	if len(records) == 0 {
		return stats
	}

	stats.InitialScore = records[0].Score
	stats.FinalScore = records[len(records)-1].Score

	for _, rec := range records {
		if rec.Score > stats.BestScore {
			stats.BestScore = rec.Score
			stats.BestIteration = rec.Iteration
		}
	}
	if stats.BestIteration == 0 {
		// All scores were zero; the first iteration is still the best one.
		stats.BestIteration = records[0].Iteration
		stats.BestScore = records[0].Score
	}

	stats.Improvement = stats.FinalScore - stats.InitialScore
	stats.ImprovementRate = stats.Improvement / float64(len(records))

	return stats
}

// TerminalState identifies which condition ended a run.
type TerminalState string

const (
	// StateConverged means an iteration's score met the convergence threshold.
	StateConverged TerminalState = "converged"
	// StateExhausted means the iteration cap was reached without converging.
	StateExhausted TerminalState = "exhausted"
	// StateStoppedEarly means the non-improvement streak hit the patience limit.
	StateStoppedEarly TerminalState = "stopped_early"
)

// RunResult is the terminal artifact of one fluent's feedback loop. It is
// built once at finalization and returned to the caller; the orchestrator
// never mutates it afterwards.
type RunResult struct {
	ID         string `json:"id"`
	FluentName string `json:"fluent_name"`
	Domain     string `json:"domain"`

	BestRules     string  `json:"best_rules"`
	BestScore     float64 `json:"best_score"`
	BestIteration int     `json:"best_iteration"`

	Converged            bool          `json:"converged"`
	ConvergenceThreshold float64       `json:"convergence_threshold"`
	MaxIterations        int           `json:"max_iterations"`
	TerminalState        TerminalState `json:"terminal_state"`

	Iterations []IterationRecord `json:"iterations"`
	Statistics LoopStatistics    `json:"statistics"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration is the wall-clock time the run took.
func (r *RunResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Summary renders a human-readable report of the run.
func (r *RunResult) Summary() string {
	status := "did not converge"
	if r.Converged {
		status = "converged"
	}
	return fmt.Sprintf(
		"=== %s (%s) ===\n"+
			"Status: %s (%s)\n"+
			"Best score: %.4f (iteration %d)\n"+
			"Iterations: %d/%d\n"+
			"Improvement: %.4f -> %.4f (%+.4f)\n"+
			"Duration: %.2fs",
		r.FluentName, r.Domain,
		status, r.TerminalState,
		r.BestScore, r.BestIteration,
		len(r.Iterations), r.MaxIterations,
		r.Statistics.InitialScore, r.BestScore, r.Statistics.Improvement,
		r.Duration().Seconds(),
	)
}

// RunSummary is the flat reporting shape consumed by external tooling.
// Field names are the compatibility contract; no binary format is defined.
type RunSummary struct {
	FluentName    string        `json:"fluent_name"`
	Domain        string        `json:"domain"`
	Converged     bool          `json:"converged"`
	BestScore     float64       `json:"best_score"`
	BestIteration int           `json:"best_iteration"`
	Iterations    int           `json:"iterations"`
	InitialScore  float64       `json:"initial_score"`
	FinalScore    float64       `json:"final_score"`
	Improvement   float64       `json:"improvement"`
	Duration      time.Duration `json:"duration"`
}

// Summarize flattens a result into its reporting shape.
func (r *RunResult) Summarize() RunSummary {
	return RunSummary{
		FluentName:    r.FluentName,
		Domain:        r.Domain,
		Converged:     r.Converged,
		BestScore:     r.BestScore,
		BestIteration: r.BestIteration,
		Iterations:    len(r.Iterations),
		InitialScore:  r.Statistics.InitialScore,
		FinalScore:    r.Statistics.FinalScore,
		Improvement:   r.Statistics.Improvement,
		Duration:      r.Duration(),
	}
}
