package loop

import "fmt"

// Phase names where in the loop a failure occurred.
type Phase string

const (
	// PhaseInitial is the first generation attempt for a fluent.
	PhaseInitial Phase = "initial"
	// PhaseRefinement covers every feedback-driven regeneration.
	PhaseRefinement Phase = "refinement"
)

// phaseFor maps a 1-based iteration to its phase.
func phaseFor(iteration int) Phase {
	if iteration == 1 {
		return PhaseInitial
	}
	return PhaseRefinement
}

// EmptyGenerationError reports that the model returned output from which no
// rules could be extracted. The iteration is 1-based.
type EmptyGenerationError struct {
	FluentName string
	Iteration  int
	Phase      Phase
}

func (e *EmptyGenerationError) Error() string {
	return fmt.Sprintf("fluent %q: %s generation at iteration %d produced no rules",
		e.FluentName, e.Phase, e.Iteration)
}

// EvaluationError reports a similarity engine failure for one iteration.
type EvaluationError struct {
	FluentName string
	Iteration  int
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("fluent %q: evaluation at iteration %d failed: %v",
		e.FluentName, e.Iteration, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
