package inference

import (
	"context"
	"fmt"
	"sync"

	"github.com/rulecraft/rulecraft/internal/models"
)

// ScriptedProvider replays a fixed sequence of responses. Once the script is
// exhausted it keeps returning the last response, which makes "the model
// repeats itself" scenarios trivial to set up in tests and offline runs.
type ScriptedProvider struct {
	mu        sync.Mutex
	responses []string
	cursor    int
	requests  []*models.GenerationRequest
}

// NewScriptedProvider creates a provider that replays the given responses in
// order.
func NewScriptedProvider(responses []string) *ScriptedProvider {
	return &ScriptedProvider{responses: responses}
}

// Name identifies the provider.
func (p *ScriptedProvider) Name() string { return "scripted" }

// Generate returns the next scripted response and records the request.
func (p *ScriptedProvider) Generate(ctx context.Context, req *models.GenerationRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.responses) == 0 {
		return "", fmt.Errorf("scripted provider has no responses")
	}

	p.requests = append(p.requests, req)

	idx := p.cursor
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	} else {
		p.cursor++
	}
	return p.responses[idx], nil
}

// Append adds more responses to the script.
func (p *ScriptedProvider) Append(responses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, responses...)
}

// Requests returns every request seen so far, in call order.
func (p *ScriptedProvider) Requests() []*models.GenerationRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*models.GenerationRequest(nil), p.requests...)
}

// CallCount reports how many generations have been served.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
