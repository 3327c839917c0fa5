// Package graph maintains the fluent dependency graph in Dgraph: which
// fluents build on which, across domains and synthesis campaigns. The loop
// itself never consults the graph; it exists for campaign planning, such as
// ordering a batch so prerequisites are synthesized first.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v230"
	"github.com/dgraph-io/dgo/v230/protos/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FluentNode is one fluent in the dependency graph.
type FluentNode struct {
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	BestScore float64   `json:"best_score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a Dgraph-backed fluent dependency graph.
type Store struct {
	client *dgo.Dgraph
	conn   *grpc.ClientConn
}

// NewStore connects to a Dgraph alpha and installs the schema.
func NewStore(alphaURL string) (*Store, error) {
	conn, err := grpc.Dial(alphaURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Dgraph: %w", err)
	}

	client := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	store := &Store{client: client, conn: conn}

	if err := store.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
		type Fluent {
			fluent.name: string
			fluent.domain: string
			fluent.score: float
			fluent.updated: datetime
			requires: [Fluent]
		}

		fluent.name: string @index(exact) @upsert .
		fluent.domain: string @index(exact) .
		fluent.score: float .
		fluent.updated: datetime .
		requires: [uid] @reverse .
	`

	return s.client.Alter(ctx, &api.Operation{Schema: schema})
}

// RecordFluent upserts a fluent node with its current best score.
func (s *Store) RecordFluent(ctx context.Context, name, domain string, bestScore float64) error {
	uid, err := s.fluentUID(ctx, name)
	if err != nil {
		return err
	}
	if uid == "" {
		uid = "_:fluent"
	}

	node := map[string]interface{}{
		"uid":            uid,
		"fluent.name":    name,
		"fluent.domain":  domain,
		"fluent.score":   bestScore,
		"fluent.updated": time.Now().UTC().Format(time.RFC3339),
		"dgraph.type":    "Fluent",
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal fluent node: %w", err)
	}

	txn := s.client.NewTxn()
	defer txn.Discard(ctx)

	_, err = txn.Mutate(ctx, &api.Mutation{CommitNow: true, SetJson: data})
	if err != nil {
		return fmt.Errorf("failed to upsert fluent %q: %w", name, err)
	}
	return nil
}

// RecordPrerequisite adds a requires edge from one fluent to another. Both
// fluents must already be recorded.
func (s *Store) RecordPrerequisite(ctx context.Context, fluentName, prerequisiteName string) error {
	fluentUID, err := s.fluentUID(ctx, fluentName)
	if err != nil {
		return err
	}
	if fluentUID == "" {
		return fmt.Errorf("fluent %q not recorded", fluentName)
	}

	prereqUID, err := s.fluentUID(ctx, prerequisiteName)
	if err != nil {
		return err
	}
	if prereqUID == "" {
		return fmt.Errorf("prerequisite %q not recorded", prerequisiteName)
	}

	edge := map[string]interface{}{
		"uid":      fluentUID,
		"requires": map[string]string{"uid": prereqUID},
	}
	data, err := json.Marshal(edge)
	if err != nil {
		return fmt.Errorf("failed to marshal edge: %w", err)
	}

	txn := s.client.NewTxn()
	defer txn.Discard(ctx)

	_, err = txn.Mutate(ctx, &api.Mutation{CommitNow: true, SetJson: data})
	if err != nil {
		return fmt.Errorf("failed to add prerequisite edge: %w", err)
	}
	return nil
}

// Prerequisites returns the fluents the named fluent directly requires.
func (s *Store) Prerequisites(ctx context.Context, name string) ([]FluentNode, error) {
	q := fmt.Sprintf(`{
		fluents(func: eq(fluent.name, %q)) {
			requires {
				fluent.name
				fluent.domain
				fluent.score
			}
		}
	}`, name)

	return s.queryEdges(ctx, q)
}

// Dependents returns the fluents that directly require the named fluent,
// following the reverse edge.
func (s *Store) Dependents(ctx context.Context, name string) ([]FluentNode, error) {
	q := fmt.Sprintf(`{
		fluents(func: eq(fluent.name, %q)) {
			~requires {
				fluent.name
				fluent.domain
				fluent.score
			}
		}
	}`, name)

	return s.queryEdges(ctx, q)
}

func (s *Store) queryEdges(ctx context.Context, q string) ([]FluentNode, error) {
	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)

	resp, err := txn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	var result struct {
		Fluents []struct {
			Requires []fluentJSON `json:"requires"`
			Reverse  []fluentJSON `json:"~requires"`
		} `json:"fluents"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var nodes []FluentNode
	for _, f := range result.Fluents {
		for _, edge := range append(f.Requires, f.Reverse...) {
			nodes = append(nodes, FluentNode{
				Name:      edge.Name,
				Domain:    edge.Domain,
				BestScore: edge.Score,
			})
		}
	}
	return nodes, nil
}

type fluentJSON struct {
	Name   string  `json:"fluent.name"`
	Domain string  `json:"fluent.domain"`
	Score  float64 `json:"fluent.score"`
}

func (s *Store) fluentUID(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf(`{
		fluents(func: eq(fluent.name, %q)) {
			uid
		}
	}`, name)

	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)

	resp, err := txn.Query(ctx, q)
	if err != nil {
		return "", fmt.Errorf("uid lookup failed: %w", err)
	}

	var result struct {
		Fluents []struct {
			UID string `json:"uid"`
		} `json:"fluents"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}

	if len(result.Fluents) == 0 {
		return "", nil
	}
	return result.Fluents[0].UID, nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
