package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rulecraft/rulecraft/internal/models"
)

// Config holds the Ollama provider configuration.
type Config struct {
	OllamaURL   string        // Default: http://localhost:11434
	Model       string        // Default: qwen2.5-coder:7b
	ContextSize int           // Default: 32768
	Temperature float64       // Default: 0.2, deliberately low for rule synthesis
	MaxTokens   int           // Default: 2048
	Timeout     time.Duration // Per-request HTTP timeout
	Logger      *zap.Logger
}

// DefaultConfig returns the default provider configuration.
func DefaultConfig() *Config {
	return &Config{
		OllamaURL:   "http://localhost:11434",
		Model:       "qwen2.5-coder:7b",
		ContextSize: 32768,
		Temperature: 0.2,
		MaxTokens:   2048,
		Timeout:     15 * time.Minute, // local models can be slow
	}
}

// OllamaProvider calls a local Ollama server's /api/generate endpoint.
type OllamaProvider struct {
	config     *Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOllamaProvider creates a provider against the configured server.
func NewOllamaProvider(config *Config) *OllamaProvider {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OllamaProvider{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// Name identifies the provider.
func (p *OllamaProvider) Name() string { return "ollama" }

// generateRequest is the wire shape of an Ollama generate call.
type generateRequest struct {
	Model       string                 `json:"model"`
	Prompt      string                 `json:"prompt"`
	Stream      bool                   `json:"stream"`
	Temperature float64                `json:"temperature,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

// generateResponse is the wire shape of an Ollama generate response.
type generateResponse struct {
	Model        string `json:"model"`
	Response     string `json:"response"`
	Done         bool   `json:"done"`
	EvalCount    int    `json:"eval_count,omitempty"`
	EvalDuration int64  `json:"eval_duration,omitempty"`
}

// Generate assembles the structured prompt and performs a synchronous,
// non-streaming completion.
func (p *OllamaProvider) Generate(ctx context.Context, req *models.GenerationRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = p.config.Model
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = p.config.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	wire := generateRequest{
		Model:       model,
		Prompt:      BuildPrompt(req),
		Stream:      false,
		Temperature: temperature,
		Options: map[string]interface{}{
			"num_ctx":     p.config.ContextSize,
			"num_predict": maxTokens,
		},
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.OllamaURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	p.logger.Debug("generation complete",
		zap.String("model", model),
		zap.Float64("temperature", temperature),
		zap.Int("response_chars", len(genResp.Response)),
		zap.Duration("latency", time.Since(start)))

	return genResp.Response, nil
}

// ListModels lists the models available on the server.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.config.OllamaURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// outputPolicy is auto-injected into every prompt so the model wraps its
// rules in fenced blocks the extractor can find.
const outputPolicy = `Respond with the event-calculus rules inside a single ` + "```prolog" + ` code block.
Do not restate the task. Keep explanatory text outside the code block to a minimum.`

// BuildPrompt renders a request into the fixed tagged-section layout:
// <system>, <policy>, <domain>, <example>*, <user>, <feedback>. The layout
// is deterministic given identical inputs so refinement prompts are
// reproducible.
func BuildPrompt(req *models.GenerationRequest) string {
	var parts []string

	if req.SystemPrompt != "" {
		parts = append(parts, fmt.Sprintf("<system>\n%s\n</system>", req.SystemPrompt))
	}

	parts = append(parts, fmt.Sprintf("<policy>\n%s\n</policy>", outputPolicy))

	if req.DomainPrompt != "" {
		parts = append(parts, fmt.Sprintf("<domain>\n%s\n</domain>", req.DomainPrompt))
	}

	for _, fs := range req.FewShots {
		parts = append(parts, fmt.Sprintf("<example>\nUser: %s\nAssistant: %s\n</example>", fs.User, fs.Assistant))
	}

	parts = append(parts, fmt.Sprintf("<user>\n%s\n</user>", req.Prompt))

	if req.Feedback != "" {
		parts = append(parts, fmt.Sprintf("<feedback>\n%s\n</feedback>", req.Feedback))
	}

	return strings.Join(parts, "\n\n")
}
