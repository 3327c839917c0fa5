// Package archive persists completed runs in SQLite so synthesis campaigns
// can be compared across sessions.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rulecraft/rulecraft/internal/models"
)

// SQLiteArchive stores run results and their iteration histories.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens the archive database, creating the file and schema
// as needed.
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	if strings.HasPrefix(dbPath, "~/") {
		home, _ := os.UserHomeDir()
		dbPath = filepath.Join(home, dbPath[2:])
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	archive := &SQLiteArchive{db: db}
	if err := archive.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return archive, nil
}

func (a *SQLiteArchive) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		fluent_name TEXT NOT NULL,
		domain TEXT NOT NULL,
		converged BOOLEAN NOT NULL,
		terminal_state TEXT NOT NULL,
		best_score REAL NOT NULL,
		best_iteration INTEGER NOT NULL,
		best_rules TEXT NOT NULL,
		convergence_threshold REAL NOT NULL,
		max_iterations INTEGER NOT NULL,
		total_iterations INTEGER NOT NULL,
		initial_score REAL NOT NULL,
		final_score REAL NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS iterations (
		run_id TEXT NOT NULL REFERENCES runs(id),
		iteration INTEGER NOT NULL,
		score REAL NOT NULL,
		rules TEXT NOT NULL,
		feedback TEXT,
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (run_id, iteration)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_fluent ON runs(fluent_name);
	CREATE INDEX IF NOT EXISTS idx_runs_domain ON runs(domain);
	CREATE INDEX IF NOT EXISTS idx_runs_completed ON runs(completed_at);
	`

	_, err := a.db.Exec(schema)
	return err
}

// Save records a completed run and its full iteration history in one
// transaction.
func (a *SQLiteArchive) Save(ctx context.Context, result *models.RunResult) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, fluent_name, domain, converged, terminal_state,
			best_score, best_iteration, best_rules,
			convergence_threshold, max_iterations, total_iterations,
			initial_score, final_score, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		result.FluentName,
		result.Domain,
		result.Converged,
		string(result.TerminalState),
		result.BestScore,
		result.BestIteration,
		result.BestRules,
		result.ConvergenceThreshold,
		result.MaxIterations,
		result.Statistics.TotalIterations,
		result.Statistics.InitialScore,
		result.Statistics.FinalScore,
		result.StartedAt,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, rec := range result.Iterations {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO iterations (run_id, iteration, score, rules, feedback, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			result.ID, rec.Iteration, rec.Score, rec.Rules, rec.Feedback, rec.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert iteration %d: %w", rec.Iteration, err)
		}
	}

	return tx.Commit()
}

// Filter narrows History queries; nil fields match everything.
type Filter struct {
	FluentName *string
	Domain     *string
	Converged  *bool
	Since      *time.Time
	Limit      int
}

// History returns run summaries matching the filter, most recent first.
func (a *SQLiteArchive) History(ctx context.Context, filter *Filter) ([]models.RunSummary, error) {
	query := `SELECT fluent_name, domain, converged, best_score, best_iteration,
		total_iterations, initial_score, final_score, started_at, completed_at
		FROM runs WHERE 1=1`
	args := []interface{}{}

	if filter != nil {
		if filter.FluentName != nil {
			query += " AND fluent_name = ?"
			args = append(args, *filter.FluentName)
		}
		if filter.Domain != nil {
			query += " AND domain = ?"
			args = append(args, *filter.Domain)
		}
		if filter.Converged != nil {
			query += " AND converged = ?"
			args = append(args, *filter.Converged)
		}
		if filter.Since != nil {
			query += " AND completed_at >= ?"
			args = append(args, *filter.Since)
		}
	}

	query += " ORDER BY completed_at DESC"

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var summaries []models.RunSummary
	for rows.Next() {
		var s models.RunSummary
		var startedAt, completedAt time.Time

		err := rows.Scan(
			&s.FluentName, &s.Domain, &s.Converged,
			&s.BestScore, &s.BestIteration, &s.Iterations,
			&s.InitialScore, &s.FinalScore,
			&startedAt, &completedAt,
		)
		if err != nil {
			return nil, err
		}

		s.Improvement = s.FinalScore - s.InitialScore
		s.Duration = completedAt.Sub(startedAt)
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

// BestRules returns the highest-scoring archived rules for a fluent.
func (a *SQLiteArchive) BestRules(ctx context.Context, fluentName string) (string, float64, error) {
	var rules string
	var score float64

	err := a.db.QueryRowContext(ctx, `
		SELECT best_rules, best_score FROM runs
		WHERE fluent_name = ?
		ORDER BY best_score DESC, completed_at DESC
		LIMIT 1`, fluentName).Scan(&rules, &score)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("no archived runs for fluent %q", fluentName)
	}
	if err != nil {
		return "", 0, err
	}

	return rules, score, nil
}

// DomainStats summarizes archived runs for one domain.
type DomainStats struct {
	TotalRuns     int
	ConvergedRuns int
	AverageScore  float64
	ConvergeRate  float64
}

// Stats aggregates archived runs for a domain since the given time.
func (a *SQLiteArchive) Stats(ctx context.Context, domain string, since time.Time) (*DomainStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			SUM(CASE WHEN converged = 1 THEN 1 ELSE 0 END) AS converged,
			AVG(best_score) AS avg_score
		FROM runs
		WHERE domain = ? AND completed_at >= ?
	`

	var stats DomainStats
	var converged sql.NullInt64
	var avgScore sql.NullFloat64

	err := a.db.QueryRowContext(ctx, query, domain, since).Scan(
		&stats.TotalRuns,
		&converged,
		&avgScore,
	)
	if err != nil {
		return nil, err
	}

	if converged.Valid {
		stats.ConvergedRuns = int(converged.Int64)
	}
	if avgScore.Valid {
		stats.AverageScore = avgScore.Float64
	}
	if stats.TotalRuns > 0 {
		stats.ConvergeRate = float64(stats.ConvergedRuns) / float64(stats.TotalRuns)
	}

	return &stats, nil
}

// Close releases the database connection.
func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}
