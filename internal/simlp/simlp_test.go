package simlp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderFeedback(t *testing.T) {
	t.Run("nil evaluation", func(t *testing.T) {
		assert.Equal(t, "No structured feedback available.", RenderFeedback(nil))
	})

	t.Run("empty feedback map", func(t *testing.T) {
		assert.Equal(t, "No structured feedback available.", RenderFeedback(&Evaluation{Score: 0.5}))
	})

	t.Run("sections sorted by concept", func(t *testing.T) {
		eval := &Evaluation{
			Score: 0.4,
			Feedback: map[string]string{
				"missing_rules":     "the terminatedAt clause is absent",
				"argument_mismatch": "the second argument should be a timepoint",
			},
		}

		text := RenderFeedback(eval)
		expected := "[argument_mismatch]\nthe second argument should be a timepoint\n\n" +
			"[missing_rules]\nthe terminatedAt clause is absent"
		assert.Equal(t, expected, text)
	})
}

func TestClientEvaluate(t *testing.T) {
	t.Run("round trip with feedback", func(t *testing.T) {
		var captured map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/evaluate", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"similarity":       0.72,
				"optimal_matching": []int{0, 1},
				"distances":        [][]float64{{0.1, 0.4}},
				"feedback":         map[string]string{"missing_rules": "add holdsFor"},
			})
		}))
		defer server.Close()

		client := NewClient(&Config{URL: server.URL})
		eval, err := client.Evaluate(context.Background(), "candidate.", "reference.", true)
		require.NoError(t, err)

		assert.Equal(t, "candidate.", captured["generated"])
		assert.Equal(t, "reference.", captured["reference"])
		assert.Equal(t, true, captured["generate_feedback"])

		assert.InDelta(t, 0.72, eval.Score, 1e-9)
		assert.Equal(t, "add holdsFor", eval.Feedback["missing_rules"])
		assert.Contains(t, string(eval.Diagnostic), "optimal_matching")
	})

	t.Run("feedback dropped when not requested", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"similarity": 0.9,
				"feedback":   map[string]string{"unwanted": "noise"},
			})
		}))
		defer server.Close()

		client := NewClient(&Config{URL: server.URL})
		eval, err := client.Evaluate(context.Background(), "c", "r", false)
		require.NoError(t, err)
		assert.Empty(t, eval.Feedback)
	})

	t.Run("rejects out-of-range similarity", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"similarity": 1.7})
		}))
		defer server.Close()

		client := NewClient(&Config{URL: server.URL})
		_, err := client.Evaluate(context.Background(), "c", "r", false)
		assert.ErrorContains(t, err, "out-of-range")
	})

	t.Run("surfaces service errors", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "parse error in reference", http.StatusBadRequest)
		}))
		defer server.Close()

		client := NewClient(&Config{URL: server.URL})
		_, err := client.Evaluate(context.Background(), "c", "r", false)
		assert.ErrorContains(t, err, "400")
	})
}

func TestCacheKey(t *testing.T) {
	k1 := cacheKey("candidate", "reference")
	k2 := cacheKey("candidate", "reference")
	assert.Equal(t, k1, k2)
	assert.Contains(t, k1, "simlp:score:")

	// The separator must keep (a, bc) distinct from (ab, c).
	assert.NotEqual(t, cacheKey("a", "bc"), cacheKey("ab", "c"))
}

// TestCachedEvaluator needs a local Redis; run with: go test -run Cached
func TestCachedEvaluator(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{"similarity": 0.5})
	}))
	defer server.Close()

	cached, err := NewCachedEvaluator(NewClient(&Config{URL: server.URL}), DefaultCacheConfig())
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer cached.Close()

	ctx := context.Background()
	_, err = cached.Evaluate(ctx, "cache-test-candidate", "cache-test-reference", false)
	require.NoError(t, err)
	_, err = cached.Evaluate(ctx, "cache-test-candidate", "cache-test-reference", false)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second evaluation should be served from cache")
}
