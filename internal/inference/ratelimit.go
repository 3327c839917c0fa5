package inference

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/rulecraft/rulecraft/internal/models"
)

// RateLimitedProvider wraps a provider with a token-bucket limiter so bursts
// of self-consistency sampling don't overwhelm a shared model endpoint.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows requestsPerMinute sustained calls with a
// small burst allowance.
func NewRateLimitedProvider(inner Provider, requestsPerMinute int) *RateLimitedProvider {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Name identifies the wrapped provider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// Generate blocks until the limiter admits the call, then delegates.
func (p *RateLimitedProvider) Generate(ctx context.Context, req *models.GenerationRequest) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}
	return p.inner.Generate(ctx, req)
}
