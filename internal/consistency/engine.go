// Package consistency implements self-consistency decoding: sample several
// candidate rule sets at elevated temperature, score every pair with the
// similarity engine, and keep the candidate that agrees most with its peers.
package consistency

import (
	"context"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rulecraft/rulecraft/internal/extract"
	"github.com/rulecraft/rulecraft/internal/inference"
	"github.com/rulecraft/rulecraft/internal/models"
	"github.com/rulecraft/rulecraft/internal/simlp"
)

const (
	// maxParallelSamples bounds concurrent generation requests so a large
	// sample count does not overwhelm a local inference server.
	maxParallelSamples = 4

	// maxParallelScores bounds concurrent pairwise similarity calls.
	maxParallelScores = 8
)

// EmptySampleError reports that one ensemble sample produced rule-free
// output. Callers that track their own generation phases can detect it with
// errors.As and re-label it.
type EmptySampleError struct {
	Index int
}

func (e *EmptySampleError) Error() string {
	return fmt.Sprintf("sample %d produced no rules", e.Index)
}

// Engine generates and selects among multiple candidate rule sets.
type Engine struct {
	provider  inference.Provider
	evaluator simlp.Evaluator
	logger    *zap.Logger
}

// NewEngine creates a self-consistency engine. provider and evaluator are
// required; a nil logger falls back to a no-op logger.
func NewEngine(provider inference.Provider, evaluator simlp.Evaluator, logger *zap.Logger) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{provider: provider, evaluator: evaluator, logger: logger}, nil
}

// Generate samples numSamples candidates for the request at the given
// temperature and returns the candidate with the highest average similarity
// to the others. numSamples must be at least 1; a single sample degenerates
// to one generation with full confidence.
func (e *Engine) Generate(ctx context.Context, req *models.GenerationRequest, numSamples int, temperature float64) (*models.SelfConsistencyResult, error) {
	if numSamples < 1 {
		return nil, fmt.Errorf("num samples must be at least 1, got %d", numSamples)
	}

	candidates, err := e.sample(ctx, req, numSamples, temperature)
	if err != nil {
		return nil, err
	}

	if numSamples == 1 {
		return models.NewSelfConsistencyResult(candidates, 0, 1.0,
			[][]float64{{1.0}}, []float64{1.0})
	}

	if allIdentical(candidates) {
		e.logger.Debug("all candidates identical, skipping pairwise scoring",
			zap.Int("samples", numSamples))
		matrix := make([][]float64, numSamples)
		averages := make([]float64, numSamples)
		for i := range matrix {
			matrix[i] = make([]float64, numSamples)
			for j := range matrix[i] {
				matrix[i][j] = 1.0
			}
			averages[i] = 1.0
		}
		return models.NewSelfConsistencyResult(candidates, 0, 1.0, matrix, averages)
	}

	matrix, err := e.pairwiseMatrix(ctx, candidates)
	if err != nil {
		return nil, err
	}

	averages := averageSimilarities(matrix)
	best := selectBest(averages)
	confidence := confidenceScore(matrix, averages, best)

	e.logger.Info("self-consistency selection",
		zap.Int("samples", numSamples),
		zap.Int("best_index", best),
		zap.Float64("confidence", confidence))

	return models.NewSelfConsistencyResult(candidates, best, confidence, matrix, averages)
}

// sample generates candidates in parallel, preserving request order.
func (e *Engine) sample(ctx context.Context, req *models.GenerationRequest, numSamples int, temperature float64) ([]string, error) {
	candidates := make([]string, numSamples)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelSamples)
	for i := 0; i < numSamples; i++ {
		g.Go(func() error {
			sampleReq := req.WithTemperature(temperature)
			response, err := e.provider.Generate(gctx, sampleReq)
			if err != nil {
				return fmt.Errorf("sample %d failed: %w", i, err)
			}
			rules := extract.Rules(response)
			if rules == "" {
				return &EmptySampleError{Index: i}
			}
			candidates[i] = rules
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return candidates, nil
}

// pairwiseMatrix scores every unordered candidate pair once and mirrors the
// result across the diagonal. Diagonal entries are 1.0 by definition.
func (e *Engine) pairwiseMatrix(ctx context.Context, candidates []string) ([][]float64, error) {
	n := len(candidates)
	matrix := make([][]float64, n)
	for i := range matrix {
		matrix[i] = make([]float64, n)
		matrix[i][i] = 1.0
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelScores)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			g.Go(func() error {
				eval, err := e.evaluator.Evaluate(gctx, candidates[i], candidates[j], false)
				if err != nil {
					return fmt.Errorf("pairwise score (%d,%d) failed: %w", i, j, err)
				}
				mu.Lock()
				matrix[i][j] = eval.Score
				matrix[j][i] = eval.Score
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return matrix, nil
}

// averageSimilarities computes each candidate's mean similarity to the
// others, excluding the self-similarity on the diagonal.
func averageSimilarities(matrix [][]float64) []float64 {
	n := len(matrix)
	averages := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			if j != i {
				sum += matrix[i][j]
			}
		}
		averages[i] = sum / float64(n-1)
	}
	return averages
}

// selectBest picks the index with the highest average similarity. Ties go to
// the earliest sample so selection is deterministic for a fixed matrix.
func selectBest(averages []float64) int {
	best := 0
	for i, avg := range averages {
		if avg > averages[best] {
			best = i
		}
	}
	return best
}

// confidenceScore combines how much the winner agrees with its peers and how
// much the ensemble agrees overall: the geometric mean of the winner's
// average similarity and the mean off-diagonal similarity. A confident
// result needs both a strong winner and a coherent ensemble.
func confidenceScore(matrix [][]float64, averages []float64, best int) float64 {
	n := len(matrix)
	sum := 0.0
	pairs := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += matrix[i][j]
			pairs++
		}
	}
	meanPairwise := sum / float64(pairs)
	return math.Sqrt(averages[best] * meanPairwise)
}

func allIdentical(candidates []string) bool {
	for _, c := range candidates[1:] {
		if c != candidates[0] {
			return false
		}
	}
	return true
}
