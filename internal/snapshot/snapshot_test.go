package snapshot

import (
	"encoding/json"
	"testing"

	"forest/internal/hta"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	userID := uuid.New()
	s := New(userID)

	assert.Equal(t, userID, s.UserID)
	assert.Equal(t, 0.5, s.Capacity)
	assert.Equal(t, 0.5, s.ShadowScore)
	assert.Equal(t, 5.0, s.Magnitude)
	assert.Equal(t, 0.0, s.Resistance)
	assert.Equal(t, 0.0, s.WitheringLevel)
	assert.Equal(t, PathStructured, s.CurrentPath)
	assert.False(t, s.ActivatedState.Activated)
	assert.False(t, s.ActivatedState.GoalSet)
	assert.NotNil(t, s.ComponentState)
	assert.Nil(t, s.Tree)
}

func TestSettersClamp(t *testing.T) {
	s := New(uuid.New())

	s.SetCapacity(1.7)
	assert.Equal(t, 1.0, s.Capacity)
	s.SetCapacity(-0.3)
	assert.Equal(t, 0.0, s.Capacity)

	s.SetMagnitude(0.2)
	assert.Equal(t, 1.0, s.Magnitude)
	s.SetMagnitude(42)
	assert.Equal(t, 10.0, s.Magnitude)

	s.SetShadowScore(2)
	assert.Equal(t, 1.0, s.ShadowScore)
	s.SetResistance(-1)
	assert.Equal(t, 0.0, s.Resistance)
}

func TestNormalizeRepairsLoadedState(t *testing.T) {
	s := &Snapshot{
		Capacity:       3.0,
		Magnitude:      0,
		WitheringLevel: -0.2,
		CurrentPath:    "freestyle",
	}
	s.Normalize()

	assert.Equal(t, 1.0, s.Capacity)
	assert.Equal(t, 1.0, s.Magnitude)
	assert.Equal(t, 0.0, s.WitheringLevel)
	assert.Equal(t, PathStructured, s.CurrentPath)
	assert.NotNil(t, s.ComponentState)
}

func TestCloneIsIndependent(t *testing.T) {
	s := New(uuid.New())
	s.GoalText = "Run a 5K"
	s.ActivatedState = ActivatedState{Activated: true, GoalSet: true}
	s.ComponentState[ComponentBaselines] = map[string]float64{"capacity": 0.5}
	s.AddMessage("reinforcement", "nice work")
	s.AddReflection("felt good", []string{"energy"}, 0.4)

	tree := hta.NewTree(s.UserID)
	root := hta.NewNode("Run a 5K", "", false)
	require.NoError(t, tree.AddChild(uuid.Nil, root))
	leaf := hta.NewNode("Walk 20 minutes", "", true)
	require.NoError(t, tree.AddChild(root.ID, leaf))
	s.Tree = tree
	s.Seed = &Seed{ID: uuid.New(), Title: "Run a 5K", Path: PathStructured, Status: SeedActive}

	c := s.Clone()

	// Mutate the clone everywhere and check the original is untouched.
	c.Tree.Node(leaf.ID).Status = hta.StatusCompleted
	c.Seed.Status = SeedCompleted
	c.AddMessage("system", "extra")
	c.ComponentState[ComponentBaselines].(map[string]float64)["capacity"] = 0.9
	c.ReflectionLog[0].Themes[0] = "mutated"
	c.SetCapacity(0.1)

	assert.Equal(t, hta.StatusPending, s.Tree.Node(leaf.ID).Status)
	assert.Equal(t, SeedActive, s.Seed.Status)
	assert.Len(t, s.Messages, 1)
	assert.Equal(t, 0.5, s.ComponentState[ComponentBaselines].(map[string]float64)["capacity"])
	assert.Equal(t, "energy", s.ReflectionLog[0].Themes[0])
	assert.Equal(t, 0.5, s.Capacity)
}

func TestJSONRoundTrip(t *testing.T) {
	s := New(uuid.New())
	s.GoalText = "Run a 5K"
	s.WitheringLevel = 0.3
	s.AddTaskFootprint(uuid.New(), "Walk 20 minutes", true)

	tree := hta.NewTree(s.UserID)
	root := hta.NewNode("Run a 5K", "", false)
	require.NoError(t, tree.AddChild(uuid.Nil, root))
	s.Tree = tree

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var loaded Snapshot
	require.NoError(t, json.Unmarshal(data, &loaded))
	loaded.Normalize()

	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, 0.3, loaded.WitheringLevel)
	assert.Equal(t, "Run a 5K", loaded.GoalText)
	require.NotNil(t, loaded.Tree)
	assert.NotNil(t, loaded.Tree.Node(root.ID), "tree index rebuilt on load")
	require.Len(t, loaded.TaskFootprints, 1)
	assert.Equal(t, "Walk 20 minutes", loaded.TaskFootprints[0].Title)
}
