package models

import "fmt"

// LoopConfig controls convergence criteria and iteration limits for the
// feedback loop. Validate rejects out-of-range values up front; nothing is
// silently clamped.
type LoopConfig struct {
	MaxIterations         int     `yaml:"max_iterations" json:"max_iterations"`
	ConvergenceThreshold  float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
	EarlyStopping         bool    `yaml:"early_stopping" json:"early_stopping"`
	EarlyStoppingPatience int     `yaml:"early_stopping_patience" json:"early_stopping_patience"`
	Verbose               bool    `yaml:"verbose" json:"verbose"`

	SelfConsistency SelfConsistencyConfig `yaml:"self_consistency" json:"self_consistency"`
}

// SelfConsistencyConfig controls the optional multi-sample generation
// strategy.
type SelfConsistencyConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	NumSamples  int     `yaml:"num_samples" json:"num_samples"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

// DefaultLoopConfig mirrors the defaults the rest of the system assumes.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:         5,
		ConvergenceThreshold:  0.9,
		EarlyStopping:         false,
		EarlyStoppingPatience: 2,
		Verbose:               true,
		SelfConsistency: SelfConsistencyConfig{
			Enabled:     false,
			NumSamples:  5,
			Temperature: 0.7,
		},
	}
}

// Validate checks the configuration eagerly, before any generation happens.
func (c *LoopConfig) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.ConvergenceThreshold < 0.0 || c.ConvergenceThreshold > 1.0 {
		return fmt.Errorf("convergence_threshold must be between 0.0 and 1.0, got %g", c.ConvergenceThreshold)
	}
	if c.EarlyStopping && c.EarlyStoppingPatience < 1 {
		return fmt.Errorf("early_stopping_patience must be at least 1 when early stopping is enabled, got %d", c.EarlyStoppingPatience)
	}
	if c.SelfConsistency.Enabled {
		if c.SelfConsistency.NumSamples < 1 {
			return fmt.Errorf("self-consistency num_samples must be >= 1 when enabled, got %d", c.SelfConsistency.NumSamples)
		}
		if c.SelfConsistency.Temperature < 0.0 || c.SelfConsistency.Temperature > 2.0 {
			return fmt.Errorf("self-consistency temperature must be between 0.0 and 2.0, got %g", c.SelfConsistency.Temperature)
		}
	}
	return nil
}
