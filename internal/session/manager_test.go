package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"forest/internal/config"
	"forest/internal/snapshot"
	"forest/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeStore records saves in memory and can be told to fail.
type fakeStore struct {
	mu    sync.Mutex
	saves map[uuid.UUID]int
	last  map[uuid.UUID]*snapshot.Snapshot
	fail  map[uuid.UUID]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saves: make(map[uuid.UUID]int),
		last:  make(map[uuid.UUID]*snapshot.Snapshot),
		fail:  make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) GetLatest(_ context.Context, userID uuid.UUID) (*snapshot.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.last[userID]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (f *fakeStore) Save(_ context.Context, userID uuid.UUID, snap *snapshot.Snapshot) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[userID] {
		return uuid.Nil, errors.New("disk full")
	}
	f.saves[userID]++
	f.last[userID] = snap.Clone()
	return uuid.New(), nil
}

func (f *fakeStore) Delete(context.Context, uuid.UUID) error { return nil }

func (f *fakeStore) saveCount(userID uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[userID]
}

func (f *fakeStore) setFail(userID uuid.UUID, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[userID] = fail
}

func testConfig(interval string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Heartbeat.Interval = interval
	return cfg
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestStartSessionIdempotent(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("1h"))
	userID := uuid.New()

	started, err := m.StartSession(context.Background(), userID, nil, nil)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = m.StartSession(context.Background(), userID, nil, nil)
	require.NoError(t, err)
	assert.False(t, started, "second start is a no-op, not an error")

	require.NoError(t, m.StopSession(userID))
}

func TestStartSessionValidatesBaselines(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("1h"))
	userID := uuid.New()

	_, err := m.StartSession(context.Background(), userID, nil, map[string]float64{"capacity": 1.5})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
	assert.False(t, m.Active(userID))
	assert.Equal(t, 0, st.saveCount(userID), "nothing persisted on validation failure")
}

func TestStartSessionClonesInitialAndInjectsBaselines(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("1h"))
	userID := uuid.New()

	initial := snapshot.New(uuid.New())
	initial.GoalText = "Run a 5K"
	baselines := map[string]float64{"capacity": 0.5, "shadow_score": 0.5}

	started, err := m.StartSession(context.Background(), userID, initial, baselines)
	require.NoError(t, err)
	require.True(t, started)
	defer m.StopSession(userID)

	live, err := m.Snapshot(userID)
	require.NoError(t, err)
	assert.NotSame(t, initial, live, "registry owns a deep copy")
	assert.Equal(t, userID, live.UserID)
	assert.Equal(t, "Run a 5K", live.GoalText)
	assert.Equal(t, baselines, live.ComponentState[snapshot.ComponentBaselines])

	// Mutating the caller's snapshot afterwards must not reach the registry.
	initial.GoalText = "changed"
	assert.Equal(t, "Run a 5K", live.GoalText)

	assert.GreaterOrEqual(t, st.saveCount(userID), 1, "one initial persist")
}

func TestHeartbeatPersistsPeriodically(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("10ms"))
	userID := uuid.New()

	_, err := m.StartSession(context.Background(), userID, nil, nil)
	require.NoError(t, err)

	waitFor(t, func() bool { return st.saveCount(userID) >= 4 }, "several heartbeat saves")
	require.NoError(t, m.StopSession(userID))
}

func TestStopSessionFinalFlush(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("1h"))
	userID := uuid.New()

	_, err := m.StartSession(context.Background(), userID, nil, nil)
	require.NoError(t, err)
	waitFor(t, func() bool { return st.saveCount(userID) >= 1 }, "initial persist")
	before := st.saveCount(userID)

	require.NoError(t, m.StopSession(userID))

	assert.GreaterOrEqual(t, st.saveCount(userID), before+1, "stop triggers one final flush")
	assert.False(t, m.Active(userID))

	err = m.StopSession(userID)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestPersistFailureKillsOnlyThatLoop(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("10ms"))
	sick, healthy := uuid.New(), uuid.New()

	_, err := m.StartSession(context.Background(), sick, nil, nil)
	require.NoError(t, err)
	_, err = m.StartSession(context.Background(), healthy, nil, nil)
	require.NoError(t, err)

	st.setFail(sick, true)
	sickSaves := st.saveCount(sick)

	// The healthy session keeps persisting while the sick loop dies.
	target := st.saveCount(healthy) + 4
	waitFor(t, func() bool { return st.saveCount(healthy) >= target }, "healthy session heartbeats")
	assert.LessOrEqual(t, st.saveCount(sick), sickSaves, "failed loop stopped saving")

	st.setFail(sick, false)
	require.NoError(t, m.StopAllSessions())
}

func TestWitheringAdvancesOnTicks(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("10ms"))
	userID := uuid.New()

	initial := snapshot.New(userID)
	initial.Tree = inProgressTree(t, userID)

	_, err := m.StartSession(context.Background(), userID, initial, nil)
	require.NoError(t, err)

	lock, err := m.SessionLock(userID)
	require.NoError(t, err)
	waitFor(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		snap, err := m.Snapshot(userID)
		return err == nil && snap.WitheringLevel > 0.2
	}, "withering to accumulate")

	require.NoError(t, m.StopSession(userID))
}

func TestSwapSnapshotReplacesLiveState(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("1h"))
	userID := uuid.New()

	_, err := m.StartSession(context.Background(), userID, nil, nil)
	require.NoError(t, err)
	defer m.StopSession(userID)

	lock, err := m.SessionLock(userID)
	require.NoError(t, err)

	replacement := snapshot.New(userID)
	replacement.GoalText = "swapped"

	lock.Lock()
	require.NoError(t, m.SwapSnapshot(userID, replacement))
	lock.Unlock()

	live, err := m.Snapshot(userID)
	require.NoError(t, err)
	assert.Equal(t, "swapped", live.GoalText)
}

func TestAccessorsForUnknownUser(t *testing.T) {
	m := NewManager(newFakeStore(), &ThreadExecutor{}, testConfig("1h"))

	_, err := m.Snapshot(uuid.New())
	assert.True(t, types.IsNotFound(err))
	_, err = m.SessionLock(uuid.New())
	assert.True(t, types.IsNotFound(err))
	err = m.SwapSnapshot(uuid.New(), snapshot.New(uuid.New()))
	assert.True(t, types.IsNotFound(err))
}

// blockingStore holds every Save until the gate opens, so tests can inspect
// the registry mid-registration.
type blockingStore struct {
	*fakeStore
	gate chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, userID uuid.UUID, snap *snapshot.Snapshot) (uuid.UUID, error) {
	<-b.gate
	return b.fakeStore.Save(ctx, userID, snap)
}

func TestRegisteredSessionHasLiveSnapshot(t *testing.T) {
	st := &blockingStore{fakeStore: newFakeStore(), gate: make(chan struct{})}
	m := NewManager(st, &ThreadExecutor{}, testConfig("1h"))
	userID := uuid.New()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := m.StartSession(context.Background(), userID, nil, nil)
		assert.NoError(t, err)
	}()

	// While the initial persist is still in flight, a concurrent caller that
	// sees the session as active must also see its snapshot and lock.
	waitFor(t, func() bool { return m.Active(userID) }, "session registration")
	snap, err := m.Snapshot(userID)
	require.NoError(t, err)
	require.NotNil(t, snap, "registered session must have a live snapshot")
	assert.Equal(t, userID, snap.UserID)

	lock, err := m.SessionLock(userID)
	require.NoError(t, err)
	require.NotNil(t, lock)

	close(st.gate)
	<-done
	require.NoError(t, m.StopSession(userID))
}

func TestStartSessionPersistFailureRollsBack(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, &ThreadExecutor{}, testConfig("1h"))
	userID := uuid.New()
	st.setFail(userID, true)

	started, err := m.StartSession(context.Background(), userID, nil, nil)
	require.Error(t, err)
	assert.False(t, started)
	assert.False(t, m.Active(userID), "failed start leaves no registration behind")

	st.setFail(userID, false)
	started, err = m.StartSession(context.Background(), userID, nil, nil)
	require.NoError(t, err)
	assert.True(t, started, "slot is reusable after the failure")
	require.NoError(t, m.StopSession(userID))
}
