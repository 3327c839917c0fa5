// Package loop drives the iterative refinement cycle: prompt the model for
// event-calculus rules, score the candidate against the ground truth, feed
// the structured differences back, and repeat until the score converges or
// the iteration budget runs out.
package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rulecraft/rulecraft/internal/consistency"
	"github.com/rulecraft/rulecraft/internal/extract"
	"github.com/rulecraft/rulecraft/internal/inference"
	"github.com/rulecraft/rulecraft/internal/memory"
	"github.com/rulecraft/rulecraft/internal/models"
	"github.com/rulecraft/rulecraft/internal/prompt"
	"github.com/rulecraft/rulecraft/internal/simlp"
)

// FluentConfig describes one fluent to synthesize in a batch.
type FluentConfig struct {
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description"`
	GroundTruth   string   `yaml:"ground_truth" json:"ground_truth"`
	Prerequisites []string `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
}

// BatchSummary aggregates a batch run. Results holds one entry per fluent
// that produced a result, in submission order; fluents after a hard error,
// or after an unconverged fluent under stop-on-failure, are absent.
type BatchSummary struct {
	Results   []*models.RunResult `json:"results"`
	Attempted int                 `json:"attempted"`
	Completed int                 `json:"completed"`
	Converged int                 `json:"converged"`
	Failed    int                 `json:"failed"`
}

// Orchestrator runs the refinement loop for one domain. It owns no
// goroutines of its own and is not safe for concurrent Run calls sharing a
// rule memory.
type Orchestrator struct {
	builder     prompt.Builder
	provider    inference.Provider
	evaluator   simlp.Evaluator
	memory      *memory.RuleMemory
	consistency *consistency.Engine
	config      *models.LoopConfig
	logger      *zap.Logger
}

// New wires an orchestrator. builder, provider and evaluator are required;
// memory is optional (no prerequisite resolution or result storage without
// it). The config is validated eagerly so a bad batch file fails before the
// first model call. When self-consistency is enabled the engine is built
// here from the same provider and evaluator.
func New(builder prompt.Builder, provider inference.Provider, evaluator simlp.Evaluator, mem *memory.RuleMemory, config *models.LoopConfig, logger *zap.Logger) (*Orchestrator, error) {
	if builder == nil {
		return nil, fmt.Errorf("prompt builder is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("inference provider is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("similarity evaluator is required")
	}
	if config == nil {
		config = models.DefaultLoopConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid loop config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		builder:   builder,
		provider:  provider,
		evaluator: evaluator,
		memory:    mem,
		config:    config,
		logger:    logger,
	}

	if config.SelfConsistency.Enabled {
		engine, err := consistency.NewEngine(provider, evaluator, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build self-consistency engine: %w", err)
		}
		o.consistency = engine
	}

	return o, nil
}

// Run synthesizes rules for one fluent, refining until the similarity score
// reaches the convergence threshold, the non-improvement streak exhausts the
// early-stopping patience, or the iteration budget runs out. The returned
// result carries the best candidate seen, which is not necessarily the last.
func (o *Orchestrator) Run(ctx context.Context, fluentName, activityDescription, groundTruth string, prerequisites []string) (*models.RunResult, error) {
	if fluentName == "" {
		return nil, fmt.Errorf("fluent name is required")
	}
	if activityDescription == "" {
		return nil, fmt.Errorf("activity description is required")
	}
	if groundTruth == "" {
		return nil, fmt.Errorf("ground truth is required")
	}

	startedAt := time.Now().UTC()
	prereqShots := o.resolvePrerequisites(fluentName, prerequisites)

	log := o.logger.With(
		zap.String("fluent", fluentName),
		zap.String("domain", o.builder.DomainName()))
	log.Info("starting refinement loop",
		zap.Int("max_iterations", o.config.MaxIterations),
		zap.Float64("threshold", o.config.ConvergenceThreshold),
		zap.Int("prerequisites", len(prereqShots)))

	var (
		records   []models.IterationRecord
		feedback  string
		bestRules string
		bestScore = -1.0
		bestIter  = 0
		noImprove = 0
		terminal  = models.StateExhausted
	)

	for iter := 1; iter <= o.config.MaxIterations; iter++ {
		req := prompt.Build(o.builder, activityDescription, prereqShots, feedback)

		rules, err := o.generate(ctx, req)
		if err != nil {
			// A rule-free ensemble sample is the same defect as a rule-free
			// single generation and gets the same error shape.
			var emptySample *consistency.EmptySampleError
			if errors.As(err, &emptySample) {
				return nil, &EmptyGenerationError{FluentName: fluentName, Iteration: iter, Phase: phaseFor(iter)}
			}
			return nil, err
		}
		if rules == "" {
			return nil, &EmptyGenerationError{FluentName: fluentName, Iteration: iter, Phase: phaseFor(iter)}
		}

		eval, err := o.evaluator.Evaluate(ctx, rules, groundTruth, true)
		if err != nil {
			return nil, &EvaluationError{FluentName: fluentName, Iteration: iter, Err: err}
		}

		feedback = simlp.RenderFeedback(eval)
		records = append(records, models.IterationRecord{
			Iteration:  iter,
			Rules:      rules,
			Score:      eval.Score,
			Feedback:   feedback,
			Diagnostic: eval.Diagnostic,
			Timestamp:  time.Now().UTC(),
		})

		log.Info("iteration scored",
			zap.Int("iteration", iter),
			zap.Float64("score", eval.Score),
			zap.Float64("best", bestScore))

		// Strict improvement resets the patience counter; a tie does not.
		if eval.Score > bestScore {
			bestScore = eval.Score
			bestRules = rules
			bestIter = iter
			noImprove = 0
		} else {
			noImprove++
		}

		if eval.Score >= o.config.ConvergenceThreshold {
			terminal = models.StateConverged
			log.Info("converged", zap.Int("iteration", iter), zap.Float64("score", eval.Score))
			break
		}
		if o.config.EarlyStopping && noImprove >= o.config.EarlyStoppingPatience {
			terminal = models.StateStoppedEarly
			log.Info("early stopping",
				zap.Int("iteration", iter),
				zap.Int("patience", o.config.EarlyStoppingPatience))
			break
		}
	}

	result := &models.RunResult{
		ID:                   uuid.NewString(),
		FluentName:           fluentName,
		Domain:               o.builder.DomainName(),
		BestRules:            bestRules,
		BestScore:            bestScore,
		BestIteration:        bestIter,
		Converged:            bestScore >= o.config.ConvergenceThreshold,
		ConvergenceThreshold: o.config.ConvergenceThreshold,
		MaxIterations:        o.config.MaxIterations,
		TerminalState:        terminal,
		Iterations:           records,
		Statistics:           models.ComputeStatistics(records),
		StartedAt:            startedAt,
		CompletedAt:          time.Now().UTC(),
	}

	o.store(result, activityDescription, log)

	return result, nil
}

// RunBatch processes fluents in order, sharing the rule memory so later
// fluents can reference earlier results as prerequisites. A hard failure
// (empty generation, evaluation error) aborts the batch and propagates
// regardless of stopOnFailure; the flag governs non-convergence only. When
// set, an unconverged fluent ends the batch after its result is recorded,
// the summary carries the results obtained so far, and no error is returned.
func (o *Orchestrator) RunBatch(ctx context.Context, fluents []FluentConfig, stopOnFailure bool) (*BatchSummary, error) {
	summary := &BatchSummary{}

	for _, fc := range fluents {
		summary.Attempted++

		result, err := o.Run(ctx, fc.Name, fc.Description, fc.GroundTruth, fc.Prerequisites)
		if err != nil {
			summary.Failed++
			return summary, fmt.Errorf("batch aborted at fluent %q: %w", fc.Name, err)
		}

		summary.Results = append(summary.Results, result)
		summary.Completed++
		if result.Converged {
			summary.Converged++
			continue
		}

		if stopOnFailure {
			o.logger.Warn("fluent did not converge, halting batch",
				zap.String("fluent", fc.Name),
				zap.Float64("best_score", result.BestScore))
			break
		}
	}

	return summary, nil
}

// generate produces one candidate rule set, through the self-consistency
// ensemble when enabled.
func (o *Orchestrator) generate(ctx context.Context, req *models.GenerationRequest) (string, error) {
	if o.consistency != nil {
		sc := o.config.SelfConsistency
		result, err := o.consistency.Generate(ctx, req, sc.NumSamples, sc.Temperature)
		if err != nil {
			return "", err
		}
		return result.BestCandidate(), nil
	}

	response, err := o.provider.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return extract.Rules(response), nil
}

// resolvePrerequisites turns stored fluents into few-shot examples. Missing
// prerequisites are logged and skipped rather than failing the run; the
// model simply gets less context.
func (o *Orchestrator) resolvePrerequisites(fluentName string, names []string) []models.FewShotExample {
	if o.memory == nil || len(names) == 0 {
		return nil
	}

	var shots []models.FewShotExample
	for _, name := range names {
		entry, ok := o.memory.GetEntry(name)
		if !ok {
			o.logger.Warn("prerequisite not in memory, skipping",
				zap.String("fluent", fluentName),
				zap.String("prerequisite", name))
			continue
		}

		user := entry.Description
		if user == "" {
			user = fmt.Sprintf("Define the rules for the fluent %q.", entry.Name)
		}
		shots = append(shots, models.FewShotExample{
			User:      user,
			Assistant: fmt.Sprintf("```prolog\n%s\n```", entry.Rules),
		})
	}
	return shots
}

// store admits the best candidate into memory. Rejection below the memory's
// own threshold is expected for unconverged runs and is not an error.
func (o *Orchestrator) store(result *models.RunResult, description string, log *zap.Logger) {
	if o.memory == nil || result.BestRules == "" {
		return
	}

	stored, err := o.memory.Put(result.FluentName, result.BestRules, result.BestScore, description,
		map[string]string{"domain": result.Domain, "run_id": result.ID})
	if err != nil {
		log.Warn("failed to store result in memory", zap.Error(err))
		return
	}
	if !stored {
		log.Debug("result below memory threshold, not stored",
			zap.Float64("score", result.BestScore))
	}
}
