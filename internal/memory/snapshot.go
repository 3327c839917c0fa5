package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// SnapshotStore persists named rule memory snapshots in BadgerDB so a batch
// of runs can resume with the rules earlier batches validated.
type SnapshotStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// snapshotRecord is the stored shape of one snapshot.
type snapshotRecord struct {
	Name     string           `json:"name"`
	SavedAt  time.Time        `json:"saved_at"`
	MinScore float64          `json:"min_score"`
	Entries  map[string]Entry `json:"entries"`
}

// NewSnapshotStore opens (creating if needed) a BadgerDB at path.
func NewSnapshotStore(path string, logger *zap.Logger) (*SnapshotStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(expandPath(path)).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	return &SnapshotStore{db: db, logger: logger}, nil
}

func snapshotKey(name string) []byte {
	return []byte(fmt.Sprintf("memory:snapshot:%s", name))
}

// Save persists the memory's current entries under the given snapshot name,
// overwriting any prior snapshot of that name.
func (s *SnapshotStore) Save(name string, mem *RuleMemory) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("snapshot name cannot be empty")
	}

	record := snapshotRecord{
		Name:     name,
		SavedAt:  time.Now().UTC(),
		MinScore: mem.MinScoreThreshold(),
		Entries:  mem.Snapshot(),
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write snapshot %q: %w", name, err)
	}

	s.logger.Info("memory snapshot saved",
		zap.String("snapshot", name),
		zap.Int("entries", len(record.Entries)))
	return nil
}

// Load restores a named snapshot into mem, replacing its contents. Entries
// below mem's admission threshold are dropped during restore.
func (s *SnapshotStore) Load(name string, mem *RuleMemory) error {
	var record snapshotRecord

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err == badger.ErrKeyNotFound {
		return fmt.Errorf("snapshot %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot %q: %w", name, err)
	}

	if err := mem.Restore(record.Entries); err != nil {
		return fmt.Errorf("failed to restore snapshot %q: %w", name, err)
	}

	s.logger.Info("memory snapshot loaded",
		zap.String("snapshot", name),
		zap.Int("entries", mem.Len()))
	return nil
}

// List returns the names of all stored snapshots.
func (s *SnapshotStore) List() ([]string, error) {
	var names []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("memory:snapshot:")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, "memory:snapshot:"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	return names, nil
}

// Delete removes a named snapshot; deleting a missing snapshot is a no-op.
func (s *SnapshotStore) Delete(name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(snapshotKey(name))
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", name, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
