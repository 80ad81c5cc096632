package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"forest/internal/logging"
	"forest/internal/snapshot"
	"forest/internal/types"

	"github.com/google/uuid"
)

// SQLiteSnapshotStore stores snapshot versions in SQLite. Each Save writes a
// new row; old versions stay queryable until pruned.
type SQLiteSnapshotStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteSnapshotStore opens (or creates) the snapshot database at path.
func NewSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteSnapshotStore")
	defer timer.Stop()

	logging.Store("initializing snapshot store at %s", path)
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteSnapshotStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSnapshotStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_user ON snapshots(user_id, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}
	return nil
}

// GetLatest returns the newest snapshot for the user, (nil, nil) when none.
func (s *SQLiteSnapshotStore) GetLatest(ctx context.Context, userID uuid.UUID) (*snapshot.Snapshot, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetLatest")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		userID.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to load latest snapshot for %s: %v", userID, err)
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap snapshot.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	snap.Normalize()
	logging.StoreDebug("loaded latest snapshot for user %s", userID)
	return &snap, nil
}

// Save stores a new snapshot version under a fresh stored id and refreshes
// the snapshot timestamp.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, userID uuid.UUID, snap *snapshot.Snapshot) (uuid.UUID, error) {
	if snap == nil {
		return uuid.Nil, types.NewValidationError("nil snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Touch()
	data, err := json.Marshal(snap)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	storedID := uuid.New()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, user_id, data) VALUES (?, ?, ?)`,
		storedID.String(), userID.String(), string(data),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("failed to save snapshot for %s: %v", userID, err)
		return uuid.Nil, fmt.Errorf("failed to save snapshot: %w", err)
	}

	logging.StoreDebug("saved snapshot version %s for user %s (%d bytes)", storedID, userID, len(data))
	return storedID, nil
}

// Delete removes one stored version by id.
func (s *SQLiteSnapshotStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewNotFoundError("snapshot", id.String())
	}
	logging.StoreDebug("deleted snapshot version %s", id)
	return nil
}

// Close closes the underlying database.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
