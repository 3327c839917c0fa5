// Package simlp talks to the SimLP similarity engine, which compares two
// event-calculus rule texts and returns a score in [0,1] plus a structured
// diagnostic of missing, extra, and mismatched rules. The engine itself is
// an external service; this package only carries its interface, a client,
// and a cache.
package simlp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Evaluation is the outcome of comparing a candidate against a reference.
type Evaluation struct {
	// Score is the similarity in [0,1]; 1.0 means the texts are equivalent
	// under the metric.
	Score float64 `json:"score"`

	// Diagnostic is the engine's raw matching/distance payload, preserved
	// opaquely for later inspection.
	Diagnostic json.RawMessage `json:"diagnostic,omitempty"`

	// Feedback maps a concept (missing rule, argument mismatch, ...) to its
	// explanation. Empty unless feedback was requested.
	Feedback map[string]string `json:"feedback,omitempty"`
}

// Evaluator scores a candidate rule text against a reference. Implementations
// must be side-effect-free with respect to program state and cheap enough to
// call O(N^2) times per self-consistency round.
type Evaluator interface {
	Evaluate(ctx context.Context, candidate, reference string, wantFeedback bool) (*Evaluation, error)
}

// RenderFeedback flattens an evaluation's structured feedback into plain
// text for prompt injection. Sections are ordered by concept name so that
// identical evaluations render identically.
func RenderFeedback(eval *Evaluation) string {
	if eval == nil || len(eval.Feedback) == 0 {
		return "No structured feedback available."
	}

	concepts := make([]string, 0, len(eval.Feedback))
	for concept := range eval.Feedback {
		concepts = append(concepts, concept)
	}
	sort.Strings(concepts)

	sections := make([]string, 0, len(concepts))
	for _, concept := range concepts {
		sections = append(sections, fmt.Sprintf("[%s]\n%s", concept, eval.Feedback[concept]))
	}
	return strings.Join(sections, "\n\n")
}
