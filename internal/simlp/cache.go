package simlp

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// CacheConfig holds the Redis cache configuration.
type CacheConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   *zap.Logger
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Addr: "localhost:6379",
		TTL:  24 * time.Hour,
	}
}

// CachedEvaluator memoizes score-only evaluations in Redis. Self-consistency
// rounds call the evaluator once per unordered candidate pair; identical
// candidates across rounds hit the cache instead of the scoring service.
// Feedback-bearing evaluations are never cached since the loop wants fresh
// diagnostics each iteration.
type CachedEvaluator struct {
	inner  Evaluator
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedEvaluator wraps inner with a Redis-backed score cache. It pings
// the server up front so a misconfigured address fails at construction.
func NewCachedEvaluator(inner Evaluator, config *CacheConfig) (*CachedEvaluator, error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CachedEvaluator{
		inner:  inner,
		client: client,
		ttl:    config.TTL,
		logger: logger,
	}, nil
}

// Evaluate returns a cached score when one exists, otherwise delegates and
// stores the result. Cache failures degrade to a direct evaluation.
func (c *CachedEvaluator) Evaluate(ctx context.Context, candidate, reference string, wantFeedback bool) (*Evaluation, error) {
	if wantFeedback {
		return c.inner.Evaluate(ctx, candidate, reference, wantFeedback)
	}

	key := cacheKey(candidate, reference)

	if data, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var eval Evaluation
		if err := json.Unmarshal(data, &eval); err == nil {
			c.logger.Debug("evaluation cache hit", zap.String("key", key))
			return &eval, nil
		}
	}

	eval, err := c.inner.Evaluate(ctx, candidate, reference, wantFeedback)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(eval); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("evaluation cache store failed", zap.Error(err))
		}
	}

	return eval, nil
}

// Close releases the Redis connection.
func (c *CachedEvaluator) Close() error {
	return c.client.Close()
}

// cacheKey hashes the pair; candidate and reference order matters because
// the metric's feedback direction does, even though scores are symmetric.
func cacheKey(candidate, reference string) string {
	h := sha256.New()
	h.Write([]byte(candidate))
	h.Write([]byte{0})
	h.Write([]byte(reference))
	return fmt.Sprintf("simlp:score:%x", h.Sum(nil))
}
