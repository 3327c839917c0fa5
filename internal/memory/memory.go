// Package memory implements the external rule memory: a keyed in-process
// store of validated fluent definitions that later runs retrieve as few-shot
// prerequisites. The store is process-local and owned by one orchestrator at
// a time; callers running concurrent batches must supply their own locking.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a named fluent is absent from memory.
var ErrNotFound = errors.New("fluent not found in memory")

// Entry is one fluent's stored record. Entries are replaced whole on update;
// no field is ever mutated in place.
type Entry struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Rules       string            `json:"rules"`
	Score       float64           `json:"score"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// newEntry validates and normalizes the entry fields.
func newEntry(name, rules string, score float64, description string, metadata map[string]string) (Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, fmt.Errorf("fluent name cannot be empty")
	}
	if strings.TrimSpace(rules) == "" {
		return Entry{}, fmt.Errorf("rules cannot be empty")
	}
	if score < 0.0 || score > 1.0 {
		return Entry{}, fmt.Errorf("score must be between 0.0 and 1.0, got %g", score)
	}

	return Entry{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Rules:       rules,
		Score:       score,
		CreatedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}, nil
}

// FormatStyle selects how GetFormattedRules renders entries.
type FormatStyle string

const (
	FormatProlog   FormatStyle = "prolog"
	FormatMarkdown FormatStyle = "markdown"
)

// Stats summarizes the store contents.
type Stats struct {
	TotalEntries int     `json:"total_entries"`
	AverageScore float64 `json:"average_score"`
	MinScore     float64 `json:"min_score"`
	MaxScore     float64 `json:"max_score"`
}

// EntryUpdate names the fields Update replaces; nil fields keep their prior
// value. The creation timestamp is always preserved.
type EntryUpdate struct {
	Description *string
	Rules       *string
	Score       *float64
	Metadata    map[string]string
}

// RuleMemory maps fluent names to entries, admitting only entries whose
// score clears the configured minimum. Iteration order follows insertion
// order for the life of the process; callers must not rely on it for
// anything beyond display.
type RuleMemory struct {
	minScore float64
	entries  map[string]Entry
	order    []string
	logger   *zap.Logger
}

// New creates a rule memory with the given admission threshold.
func New(minScoreThreshold float64, logger *zap.Logger) (*RuleMemory, error) {
	if minScoreThreshold < 0.0 || minScoreThreshold > 1.0 {
		return nil, fmt.Errorf("min score threshold must be between 0.0 and 1.0, got %g", minScoreThreshold)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RuleMemory{
		minScore: minScoreThreshold,
		entries:  make(map[string]Entry),
		logger:   logger,
	}, nil
}

// MinScoreThreshold returns the admission threshold set at construction.
func (m *RuleMemory) MinScoreThreshold() float64 { return m.minScore }

// Len reports the number of stored entries.
func (m *RuleMemory) Len() int { return len(m.entries) }

// AddEntry inserts or overwrites a fluent's record. It returns false and
// leaves the store unchanged when the score is below the admission
// threshold; that rejection is not an error. Overwriting is total: no prior
// metadata survives.
func (m *RuleMemory) AddEntry(name, rules string, score float64, description string) (bool, error) {
	return m.Put(name, rules, score, description, nil)
}

// Put is AddEntry with explicit metadata.
func (m *RuleMemory) Put(name, rules string, score float64, description string, metadata map[string]string) (bool, error) {
	if score < m.minScore {
		m.logger.Debug("entry rejected below admission threshold",
			zap.String("fluent", name),
			zap.Float64("score", score),
			zap.Float64("threshold", m.minScore))
		return false, nil
	}

	entry, err := newEntry(name, rules, score, description, metadata)
	if err != nil {
		return false, err
	}

	_, existed := m.entries[entry.Name]
	m.entries[entry.Name] = entry
	if !existed {
		m.order = append(m.order, entry.Name)
	}

	m.logger.Info("entry stored",
		zap.String("fluent", entry.Name),
		zap.Float64("score", score),
		zap.Bool("overwrite", existed))
	return true, nil
}

// GetEntry looks a fluent up; the second return reports presence. Absence is
// an ordinary outcome, not an error.
func (m *RuleMemory) GetEntry(name string) (Entry, bool) {
	entry, ok := m.entries[name]
	return entry, ok
}

// Contains reports whether the fluent exists.
func (m *RuleMemory) Contains(name string) bool {
	_, ok := m.entries[name]
	return ok
}

// Update replaces the named entry with a copy carrying the requested
// changes, preserving the original creation timestamp and ID. Unlike
// AddEntry, a missing key is a hard failure.
func (m *RuleMemory) Update(name string, upd EntryUpdate) (Entry, error) {
	prior, ok := m.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	next := prior
	if upd.Description != nil {
		next.Description = *upd.Description
	}
	if upd.Rules != nil {
		if strings.TrimSpace(*upd.Rules) == "" {
			return Entry{}, fmt.Errorf("rules cannot be empty")
		}
		next.Rules = *upd.Rules
	}
	if upd.Score != nil {
		if *upd.Score < 0.0 || *upd.Score > 1.0 {
			return Entry{}, fmt.Errorf("score must be between 0.0 and 1.0, got %g", *upd.Score)
		}
		next.Score = *upd.Score
	}
	if upd.Metadata != nil {
		next.Metadata = upd.Metadata
	}

	m.entries[name] = next
	return next, nil
}

// Remove deletes the named entry; a missing key is a hard failure.
func (m *RuleMemory) Remove(name string) error {
	if _, ok := m.entries[name]; !ok {
		return fmt.Errorf("%q: %w", name, ErrNotFound)
	}
	delete(m.entries, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.logger.Info("entry removed", zap.String("fluent", name))
	return nil
}

// Clear removes all entries.
func (m *RuleMemory) Clear() {
	m.entries = make(map[string]Entry)
	m.order = nil
}

// ListNames returns all fluent names in insertion order.
func (m *RuleMemory) ListNames() []string {
	return append([]string(nil), m.order...)
}

// GetAll returns all entries in insertion order.
func (m *RuleMemory) GetAll() []Entry {
	entries := make([]Entry, 0, len(m.order))
	for _, name := range m.order {
		entries = append(entries, m.entries[name])
	}
	return entries
}

// GetFormattedRules renders the named entries for prompt injection. Every
// requested name must exist: a caller asking for specific fluents by name
// expects all of them, so missing ones fail hard rather than being skipped.
func (m *RuleMemory) GetFormattedRules(names []string, style FormatStyle) (string, error) {
	if len(names) == 0 {
		return "", nil
	}

	var missing []string
	for _, name := range names {
		if !m.Contains(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing fluents %v (available: %v): %w", missing, m.ListNames(), ErrNotFound)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, m.entries[name])
	}

	switch style {
	case FormatProlog:
		return formatProlog(entries), nil
	case FormatMarkdown:
		return formatMarkdown(entries), nil
	default:
		return "", fmt.Errorf("unknown format style %q", style)
	}
}

func formatProlog(entries []Entry) string {
	var b strings.Builder
	b.WriteString("% Prerequisite fluent definitions:\n")
	for _, entry := range entries {
		fmt.Fprintf(&b, "\n%% Fluent: %s (score: %.3f)\n%s\n", entry.Name, entry.Score, entry.Rules)
	}
	return b.String()
}

func formatMarkdown(entries []Entry) string {
	var b strings.Builder
	b.WriteString("## Prerequisite Fluent Definitions\n")
	for _, entry := range entries {
		fmt.Fprintf(&b, "\n### %s (score: %.3f)\n\n```prolog\n%s\n```\n", entry.Name, entry.Score, entry.Rules)
	}
	return b.String()
}

// FilterByMetadata returns every entry whose metadata field equals the given
// value, in insertion order. A linear scan; there is no schema to index.
func (m *RuleMemory) FilterByMetadata(key, value string) []Entry {
	var matched []Entry
	for _, name := range m.order {
		if m.entries[name].Metadata[key] == value {
			matched = append(matched, m.entries[name])
		}
	}
	return matched
}

// Statistics summarizes stored scores; an empty store yields zeros rather
// than dividing by zero.
func (m *RuleMemory) Statistics() Stats {
	if len(m.entries) == 0 {
		return Stats{}
	}

	stats := Stats{TotalEntries: len(m.entries), MinScore: 1.0}
	sum := 0.0
	for _, entry := range m.entries {
		sum += entry.Score
		if entry.Score < stats.MinScore {
			stats.MinScore = entry.Score
		}
		if entry.Score > stats.MaxScore {
			stats.MaxScore = entry.Score
		}
	}
	stats.AverageScore = sum / float64(len(m.entries))
	return stats
}

// Snapshot exports the store as a name-keyed map suitable for persistence.
func (m *RuleMemory) Snapshot() map[string]Entry {
	snap := make(map[string]Entry, len(m.entries))
	for name, entry := range m.entries {
		snap[name] = entry
	}
	return snap
}

// Restore replaces the store contents from a snapshot. Entries below the
// admission threshold are skipped, keeping the threshold an invariant of
// the store rather than only of the ingest path. Restored entries are
// ordered by name since the original insertion order is not persisted.
func (m *RuleMemory) Restore(snap map[string]Entry) error {
	m.Clear()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := snap[name]
		if entry.Score < m.minScore {
			m.logger.Debug("snapshot entry below admission threshold, skipped",
				zap.String("fluent", name))
			continue
		}
		if strings.TrimSpace(entry.Name) == "" {
			entry.Name = name
		}
		if strings.TrimSpace(entry.Rules) == "" {
			return fmt.Errorf("snapshot entry %q has empty rules", name)
		}
		m.entries[entry.Name] = entry
		m.order = append(m.order, entry.Name)
	}
	return nil
}
