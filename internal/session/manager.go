package session

import (
	"context"
	"sync"
	"time"

	"forest/internal/config"
	"forest/internal/logging"
	"forest/internal/snapshot"
	"forest/internal/store"
	"forest/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// entry is one registered session: its lock, live snapshot, and heartbeat.
type entry struct {
	mu   sync.Mutex
	snap *snapshot.Snapshot
	hb   *Heartbeat
}

// Manager is the per-user session registry. It owns each session's lock,
// live snapshot, and heartbeat task. All registry methods are safe for
// concurrent use; mutating a live snapshot requires holding that session's
// lock (see SessionLock).
type Manager struct {
	store    store.SnapshotStore
	executor Executor
	cfg      *config.Config

	mu       sync.RWMutex
	sessions map[uuid.UUID]*entry
}

// NewManager creates a session manager.
func NewManager(st store.SnapshotStore, executor Executor, cfg *config.Config) *Manager {
	return &Manager{
		store:    st,
		executor: executor,
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*entry),
	}
}

// StartSession registers a session for the user and launches its heartbeat.
// Starting an already-registered user is a benign no-op returning false.
//
// The initial snapshot is deep-copied; the registry owns its copy. Baselines
// are validated ([0,1] each) and injected into the snapshot's component state
// before the single initial persist.
func (m *Manager) StartSession(ctx context.Context, userID uuid.UUID, initial *snapshot.Snapshot, baselines map[string]float64) (bool, error) {
	for name, v := range baselines {
		if v < 0 || v > 1 {
			return false, types.NewValidationError("baseline %q out of range: %v", name, v)
		}
	}

	snap := snapshot.New(userID)
	if initial != nil {
		snap = initial.Clone()
		snap.UserID = userID
	}
	if len(baselines) > 0 {
		copied := make(map[string]float64, len(baselines))
		for k, v := range baselines {
			copied[k] = v
		}
		snap.ComponentState[snapshot.ComponentBaselines] = copied
	}
	snap.ComponentState[snapshot.ComponentLastActivity] = time.Now().UTC().Format(time.RFC3339)

	// The entry is fully built before it becomes visible: any concurrent
	// reader that observes the registration also observes a live snapshot
	// and a stoppable heartbeat handle.
	e := &entry{snap: snap}
	e.hb = newHeartbeat(context.Background(), userID, m.cfg.HeartbeatInterval(),
		func(tickCtx context.Context) error { return m.tick(tickCtx, userID) },
		func() { m.finalFlush(userID) },
	)

	m.mu.Lock()
	if _, exists := m.sessions[userID]; exists {
		m.mu.Unlock()
		e.hb.cancel()
		logging.Session("start_session no-op: user %s already registered", userID)
		return false, nil
	}
	m.sessions[userID] = e
	m.mu.Unlock()

	if _, err := m.store.Save(ctx, userID, snap); err != nil {
		m.mu.Lock()
		delete(m.sessions, userID)
		m.mu.Unlock()
		// Release the never-launched heartbeat so a racing Stop cannot
		// wait forever on it.
		e.hb.cancel()
		e.hb.finish()
		return false, err
	}

	m.executor.Launch(e.hb)
	logging.Session("session started for user %s (model=%s)", userID, m.executor.Name())
	return true, nil
}

// tick is the shared heartbeat body: under the session lock, advance
// withering and persist the live snapshot. A persistence failure is fatal for
// this session's loop only.
func (m *Manager) tick(ctx context.Context, userID uuid.UUID) error {
	e := m.lookup(userID)
	if e == nil {
		return types.NewFatalSchedulingError(userID.String(), types.NewNotFoundError("session", userID.String()))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.snap.ApplyIdleTick(m.cfg)
	if _, err := m.store.Save(ctx, userID, e.snap); err != nil {
		return types.NewFatalSchedulingError(userID.String(), err)
	}
	logging.HeartbeatDebug("tick persisted for user %s (withering=%.3f)", userID, e.snap.WitheringLevel)
	return nil
}

// finalFlush makes one best-effort save when a heartbeat winds down.
func (m *Manager) finalFlush(userID uuid.UUID) {
	e := m.lookup(userID)
	if e == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := m.store.Save(ctx, userID, e.snap); err != nil {
		logging.Get(logging.CategoryHeartbeat).Warn("final flush failed for user %s: %v", userID, err)
		return
	}
	logging.Heartbeat("final flush persisted for user %s", userID)
}

// StopSession cancels the user's heartbeat (waiting for its final flush) and
// removes the session from the registry.
func (m *Manager) StopSession(userID uuid.UUID) error {
	e := m.lookup(userID)
	if e == nil {
		return types.NewNotFoundError("session", userID.String())
	}

	e.hb.Stop()

	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()

	logging.Session("session stopped for user %s", userID)
	return nil
}

// StopAllSessions stops every registered session concurrently. Used at
// shutdown.
func (m *Manager) StopAllSessions() error {
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.StopSession(id) })
	}
	return g.Wait()
}

// Snapshot returns the user's live snapshot. Callers must hold the session
// lock while reading or mutating it.
func (m *Manager) Snapshot(userID uuid.UUID) (*snapshot.Snapshot, error) {
	e := m.lookup(userID)
	if e == nil {
		return nil, types.NewNotFoundError("session", userID.String())
	}
	return e.snap, nil
}

// SessionLock returns the user's session lock.
func (m *Manager) SessionLock(userID uuid.UUID) (*sync.Mutex, error) {
	e := m.lookup(userID)
	if e == nil {
		return nil, types.NewNotFoundError("session", userID.String())
	}
	return &e.mu, nil
}

// SwapSnapshot replaces the live snapshot. The caller must hold the session
// lock; the orchestrator uses this to commit a persisted clone.
func (m *Manager) SwapSnapshot(userID uuid.UUID, snap *snapshot.Snapshot) error {
	e := m.lookup(userID)
	if e == nil {
		return types.NewNotFoundError("session", userID.String())
	}
	e.snap = snap
	return nil
}

// Active reports whether a session is registered for the user.
func (m *Manager) Active(userID uuid.UUID) bool {
	return m.lookup(userID) != nil
}

func (m *Manager) lookup(userID uuid.UUID) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[userID]
}
