package models

import "fmt"

// SelfConsistencyResult holds the outcome of a multi-sample generation
// round: every candidate, the full pairwise similarity matrix, and the
// selected winner with a confidence estimate.
type SelfConsistencyResult struct {
	Candidates          []string    `json:"candidates"`
	BestIndex           int         `json:"best_index"`
	Confidence          float64     `json:"confidence"`
	SimilarityMatrix    [][]float64 `json:"similarity_matrix"`
	AverageSimilarities []float64   `json:"average_similarities"`
}

// NewSelfConsistencyResult validates the invariants the rest of the system
// relies on: non-empty candidate list, in-range best index, [0,1] confidence
// and similarities, and a square matrix matching the candidate count.
func NewSelfConsistencyResult(
	candidates []string,
	bestIndex int,
	confidence float64,
	matrix [][]float64,
	averages []float64,
) (*SelfConsistencyResult, error) {
	n := len(candidates)
	if n == 0 {
		return nil, fmt.Errorf("candidates cannot be empty")
	}
	if bestIndex < 0 || bestIndex >= n {
		return nil, fmt.Errorf("best index %d out of range for %d candidates", bestIndex, n)
	}
	if confidence < 0.0 || confidence > 1.0 {
		return nil, fmt.Errorf("confidence must be between 0.0 and 1.0, got %g", confidence)
	}
	if len(matrix) != n {
		return nil, fmt.Errorf("similarity matrix has %d rows, expected %d", len(matrix), n)
	}
	for i, row := range matrix {
		if len(row) != n {
			return nil, fmt.Errorf("similarity matrix row %d has %d columns, expected %d", i, len(row), n)
		}
		for j, sim := range row {
			if sim < 0.0 || sim > 1.0 {
				return nil, fmt.Errorf("similarity [%d][%d] must be between 0.0 and 1.0, got %g", i, j, sim)
			}
		}
	}
	if len(averages) != n {
		return nil, fmt.Errorf("average similarities has %d elements, expected %d", len(averages), n)
	}

	return &SelfConsistencyResult{
		Candidates:          candidates,
		BestIndex:           bestIndex,
		Confidence:          confidence,
		SimilarityMatrix:    matrix,
		AverageSimilarities: averages,
	}, nil
}

// BestCandidate returns the selected candidate's text.
func (r *SelfConsistencyResult) BestCandidate() string {
	return r.Candidates[r.BestIndex]
}

// NumSamples is the number of candidates that were generated.
func (r *SelfConsistencyResult) NumSamples() int {
	return len(r.Candidates)
}

// IsUnanimous reports whether every candidate is textually identical.
func (r *SelfConsistencyResult) IsUnanimous() bool {
	first := r.Candidates[0]
	for _, c := range r.Candidates[1:] {
		if c != first {
			return false
		}
	}
	return true
}
