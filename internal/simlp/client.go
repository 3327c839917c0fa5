package simlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Config holds the SimLP client configuration.
type Config struct {
	// URL of the scoring service, e.g. http://localhost:8420.
	URL     string
	Timeout time.Duration
	Logger  *zap.Logger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:     "http://localhost:8420",
		Timeout: 2 * time.Minute,
	}
}

// Client calls a SimLP scoring service over HTTP.
type Client struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a client against the configured service.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// evaluateRequest is the wire shape of an evaluation call.
type evaluateRequest struct {
	Generated        string `json:"generated"`
	Reference        string `json:"reference"`
	GenerateFeedback bool   `json:"generate_feedback"`
}

// evaluateResponse is the wire shape of the service's answer.
type evaluateResponse struct {
	Similarity      float64           `json:"similarity"`
	OptimalMatching json.RawMessage   `json:"optimal_matching,omitempty"`
	Distances       json.RawMessage   `json:"distances,omitempty"`
	Feedback        map[string]string `json:"feedback,omitempty"`
}

// Evaluate scores candidate against reference. The diagnostic carries the
// service's matching and distance payloads verbatim.
func (c *Client) Evaluate(ctx context.Context, candidate, reference string, wantFeedback bool) (*Evaluation, error) {
	body, err := json.Marshal(evaluateRequest{
		Generated:        candidate,
		Reference:        reference,
		GenerateFeedback: wantFeedback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.URL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var wire evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if wire.Similarity < 0.0 || wire.Similarity > 1.0 {
		return nil, fmt.Errorf("service returned out-of-range similarity %g", wire.Similarity)
	}

	diagnostic, err := json.Marshal(map[string]json.RawMessage{
		"optimal_matching": wire.OptimalMatching,
		"distances":        wire.Distances,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal diagnostic: %w", err)
	}

	c.logger.Debug("evaluation complete",
		zap.Float64("similarity", wire.Similarity),
		zap.Bool("feedback", wantFeedback),
		zap.Duration("latency", time.Since(start)))

	eval := &Evaluation{
		Score:      wire.Similarity,
		Diagnostic: diagnostic,
	}
	if wantFeedback {
		eval.Feedback = wire.Feedback
	}
	return eval, nil
}
