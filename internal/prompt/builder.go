// Package prompt builds structured generation requests for event-calculus
// rule synthesis. Each recognition domain (maritime, human activity, ...)
// supplies its own system instructions and few-shot examples; the loop only
// depends on the Builder interface.
package prompt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rulecraft/rulecraft/internal/models"
)

// Builder is the capability a domain must provide.
type Builder interface {
	// DomainName identifies the domain, e.g. "msa" or "har".
	DomainName() string

	// SystemPrompt returns the full system instructions (base event-calculus
	// material plus domain knowledge).
	SystemPrompt() string

	// FewShotExamples returns the domain's teaching examples.
	FewShotExamples() []models.FewShotExample
}

// Build assembles a complete request for one generation: domain examples
// first (they teach the output format), prerequisite fluents after (they
// provide learned context), feedback last. Deterministic given identical
// inputs.
func Build(b Builder, activityDescription string, prerequisites []models.FewShotExample, feedback string) *models.GenerationRequest {
	fewshots := append([]models.FewShotExample(nil), b.FewShotExamples()...)
	fewshots = append(fewshots, prerequisites...)

	return &models.GenerationRequest{
		Prompt:       activityDescription,
		SystemPrompt: b.SystemPrompt(),
		FewShots:     fewshots,
		Feedback:     feedback,
	}
}

// Registry maps domain names to builder constructors. Like the provider
// registry, it is an explicit object rather than package-level state.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]func() Builder
}

// NewRegistry returns a registry preloaded with the built-in domains.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]func() Builder)}
	r.Register("msa", func() Builder { return NewMSABuilder() })
	r.Register("har", func() Builder { return NewHARBuilder() })
	return r
}

// Register adds or replaces a builder constructor for a domain.
func (r *Registry) Register(domain string, constructor func() Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[domain] = constructor
}

// New constructs a builder for the named domain.
func (r *Registry) New(domain string) (Builder, error) {
	r.mu.RLock()
	constructor, ok := r.builders[domain]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no prompt builder for domain %q (available: %v)", domain, r.Domains())
	}
	return constructor(), nil
}

// Domains lists the registered domain names, sorted.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	domains := make([]string, 0, len(r.builders))
	for domain := range r.builders {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// baseSystemPrompt is the event-calculus material shared by every domain.
const baseSystemPrompt = `You are an assistant in constructing rules in the language of the Run-Time Event Calculus (RTEC),
given a composite activity description in natural language. The Event Calculus is a logic-based
formalism for representing and reasoning about events and their effects. RTEC is a Prolog
implementation of the Event Calculus optimised for composite activity recognition.

Following the Prolog convention, variables start with an upper-case letter, while predicates and
constants start with a lower-case letter. Each rule ends with a full-stop "." and the head of a
rule is separated from its body with ":-".

A fluent is a property that may have different values at different points in time. The term F=V
denotes that fluent F has value V. Boolean fluents are a special case in which the possible values
are "true" and "false".

The predicates of RTEC:
  happensAt(E,T)                    Event E occurs at time T.
  holdsAt(F=V,T)                    The value of fluent F is V at time T.
  holdsFor(F=V,I)                   I is the list of maximal intervals during which F=V holds continuously.
  initiatedAt(F=V,T)                At time T a period of time for which F=V is initiated.
  terminatedAt(F=V,T)               At time T a period of time for which F=V is terminated.
  union_all(L,I)                    I is the union of the lists of maximal intervals in L.
  intersect_all(L,I)                I is the intersection of the lists of maximal intervals in L.
  relative_complement_all(I',L,I)   I is the relative complement of I' with the intervals in L.`
