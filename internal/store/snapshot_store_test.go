package store

import (
	"context"
	"path/filepath"
	"testing"

	"forest/internal/snapshot"
	"forest/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSnapshotStore(t *testing.T) *SQLiteSnapshotStore {
	t.Helper()
	s, err := NewSQLiteSnapshotStore(filepath.Join(t.TempDir(), "forest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	s := newSnapshotStore(t)
	ctx := context.Background()
	userID := uuid.New()

	snap := snapshot.New(userID)
	snap.GoalText = "Run a 5K"
	snap.WitheringLevel = 0.3

	storedID, err := s.Save(ctx, userID, snap)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, storedID)

	loaded, err := s.GetLatest(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.ID, loaded.ID)
	assert.Equal(t, "Run a 5K", loaded.GoalText)
	assert.Equal(t, 0.3, loaded.WitheringLevel)
}

func TestSnapshotStoreLatestWins(t *testing.T) {
	s := newSnapshotStore(t)
	ctx := context.Background()
	userID := uuid.New()

	first := snapshot.New(userID)
	first.GoalText = "v1"
	_, err := s.Save(ctx, userID, first)
	require.NoError(t, err)

	second := first.Clone()
	second.GoalText = "v2"
	_, err = s.Save(ctx, userID, second)
	require.NoError(t, err)

	loaded, err := s.GetLatest(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "v2", loaded.GoalText, "newest version wins")
}

func TestSnapshotStoreMissingUser(t *testing.T) {
	s := newSnapshotStore(t)

	loaded, err := s.GetLatest(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, loaded, "no snapshot is not an error")
}

func TestSnapshotStoreDelete(t *testing.T) {
	s := newSnapshotStore(t)
	ctx := context.Background()
	userID := uuid.New()

	storedID, err := s.Save(ctx, userID, snapshot.New(userID))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, storedID))

	loaded, err := s.GetLatest(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	err = s.Delete(ctx, storedID)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err))
}

func TestSnapshotStoreIsolatesUsers(t *testing.T) {
	s := newSnapshotStore(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	snapA := snapshot.New(alice)
	snapA.GoalText = "alice goal"
	_, err := s.Save(ctx, alice, snapA)
	require.NoError(t, err)

	loaded, err := s.GetLatest(ctx, bob)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSnapshotStoreRejectsNil(t *testing.T) {
	s := newSnapshotStore(t)

	_, err := s.Save(context.Background(), uuid.New(), nil)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}
