// Package store implements the persistence collaborators over SQLite:
// versioned session snapshots and the semantic memory log. Every call is
// atomic from the engine's perspective; a failed save leaves the previous
// version in place.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forest/internal/logging"
	"forest/internal/snapshot"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SnapshotStore persists session snapshots. Snapshots are append-only
// versions; GetLatest returns the most recent one.
type SnapshotStore interface {
	// GetLatest returns the newest stored snapshot for the user, or
	// (nil, nil) when none exists.
	GetLatest(ctx context.Context, userID uuid.UUID) (*snapshot.Snapshot, error)

	// Save stores a new snapshot version and returns its stored id.
	Save(ctx context.Context, userID uuid.UUID, snap *snapshot.Snapshot) (uuid.UUID, error)

	// Delete removes one stored version by id.
	Delete(ctx context.Context, id uuid.UUID) error
}

// Memory is one stored semantic memory.
type Memory struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	EventType  string    `json:"event_type"` // reflection, task_completion
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScoredMemory is a memory with its query similarity.
type ScoredMemory struct {
	Memory
	Similarity float64 `json:"similarity"`
}

// MemoryStore persists and searches semantic memories.
type MemoryStore interface {
	// StoreMemory saves a memory and returns its id.
	StoreMemory(ctx context.Context, userID uuid.UUID, eventType, content string, importance float64) (uuid.UUID, error)

	// QueryMemories returns the k memories most similar to the query text,
	// best first.
	QueryMemories(ctx context.Context, userID uuid.UUID, query string, k int) ([]ScoredMemory, error)
}

// openDB opens the SQLite database at path with the standard pragmas,
// creating the parent directory if needed.
func openDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("failed to set sqlite synchronous=NORMAL: %v", err)
	}
	return db, nil
}
