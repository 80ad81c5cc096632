package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"forest/internal/embedding"
	"forest/internal/logging"
	"forest/internal/types"

	"github.com/google/uuid"
)

// SQLiteMemoryStore stores semantic memories in SQLite. When an embedding
// engine is available, queries rank by cosine similarity; otherwise a keyword
// overlap fallback keeps search functional.
type SQLiteMemoryStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	engine embedding.Engine // nil disables vector ranking
}

// NewSQLiteMemoryStore opens (or creates) the memory database at path.
// engine may be nil.
func NewSQLiteMemoryStore(path string, engine embedding.Engine) (*SQLiteMemoryStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteMemoryStore")
	defer timer.Stop()

	logging.Store("initializing memory store at %s", path)
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteMemoryStore{db: db, engine: engine}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMemoryStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		content TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		embedding TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at DESC);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize memory schema: %w", err)
	}
	return nil
}

// StoreMemory saves a memory, embedding its content when an engine is
// configured. Embedding failure degrades to keyword-only search for that
// memory rather than failing the write.
func (s *SQLiteMemoryStore) StoreMemory(ctx context.Context, userID uuid.UUID, eventType, content string, importance float64) (uuid.UUID, error) {
	if strings.TrimSpace(content) == "" {
		return uuid.Nil, types.NewValidationError("empty memory content")
	}

	var embJSON sql.NullString
	if s.engine != nil {
		vec, err := s.engine.Embed(ctx, content)
		if err != nil {
			logging.Get(logging.CategoryMemory).Warn("embedding failed, storing memory without vector: %v", err)
		} else if data, err := json.Marshal(vec); err == nil {
			embJSON = sql.NullString{String: string(data), Valid: true}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, event_type, content, importance, embedding) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), userID.String(), eventType, content, importance, embJSON,
	)
	if err != nil {
		logging.Get(logging.CategoryMemory).Error("failed to store memory for %s: %v", userID, err)
		return uuid.Nil, fmt.Errorf("failed to store memory: %w", err)
	}

	logging.MemoryDebug("stored %s memory %s for user %s (importance=%.2f)", eventType, id, userID, importance)
	return id, nil
}

type storedMemory struct {
	Memory
	vector []float32
}

// QueryMemories returns the k memories most similar to the query, best first.
func (s *SQLiteMemoryStore) QueryMemories(ctx context.Context, userID uuid.UUID, query string, k int) ([]ScoredMemory, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "QueryMemories")
	defer timer.Stop()

	if k <= 0 {
		k = 3
	}

	memories, err := s.loadUserMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, nil
	}

	if s.engine != nil {
		if results, err := s.rankByVector(ctx, query, memories, k); err == nil {
			return results, nil
		} else {
			logging.Get(logging.CategoryMemory).Warn("vector ranking failed, falling back to keywords: %v", err)
		}
	}
	return rankByKeywords(query, memories, k), nil
}

func (s *SQLiteMemoryStore) loadUserMemories(ctx context.Context, userID uuid.UUID) ([]storedMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, content, importance, embedding, created_at
		 FROM memories WHERE user_id = ? ORDER BY created_at DESC`,
		userID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var out []storedMemory
	for rows.Next() {
		var (
			idStr   string
			embJSON sql.NullString
			m       storedMemory
			created time.Time
		)
		if err := rows.Scan(&idStr, &m.EventType, &m.Content, &m.Importance, &embJSON, &created); err != nil {
			continue
		}
		m.ID, _ = uuid.Parse(idStr)
		m.UserID = userID
		m.CreatedAt = created
		if embJSON.Valid {
			_ = json.Unmarshal([]byte(embJSON.String), &m.vector)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteMemoryStore) rankByVector(ctx context.Context, query string, memories []storedMemory, k int) ([]ScoredMemory, error) {
	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	corpus := make([][]float32, len(memories))
	for i, m := range memories {
		corpus[i] = m.vector
	}
	hits := embedding.FindTopK(queryVec, corpus, k)

	results := make([]ScoredMemory, 0, len(hits))
	for _, hit := range hits {
		results = append(results, ScoredMemory{
			Memory:     memories[hit.Index].Memory,
			Similarity: hit.Similarity,
		})
	}
	return results, nil
}

// rankByKeywords scores by token overlap weighted by importance.
func rankByKeywords(query string, memories []storedMemory, k int) []ScoredMemory {
	queryTokens := tokenize(query)

	results := make([]ScoredMemory, 0, len(memories))
	for _, m := range memories {
		overlap := 0
		contentTokens := tokenize(m.Content)
		for token := range queryTokens {
			if contentTokens[token] {
				overlap++
			}
		}
		score := 0.0
		if len(queryTokens) > 0 {
			score = float64(overlap) / float64(len(queryTokens))
		}
		results = append(results, ScoredMemory{
			Memory:     m.Memory,
			Similarity: score * (0.5 + m.Importance/2),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if len(tok) > 2 {
			tokens[tok] = true
		}
	}
	return tokens
}

// Close closes the underlying database.
func (s *SQLiteMemoryStore) Close() error {
	return s.db.Close()
}
