package generate

import (
	"context"
	"errors"
	"testing"

	"forest/internal/hta"
	"forest/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	response string
	err      error
	lastUser string
}

func (f *fakeClient) Complete(_ context.Context, _, userPrompt string) (string, error) {
	f.lastUser = userPrompt
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

const validDraftJSON = `{
	"root_id": "root",
	"nodes": {
		"root": {"id": "root", "parent_id": "", "title": "Run a 5K", "depth": 0},
		"p1": {"id": "p1", "parent_id": "root", "title": "Base fitness", "order": 0, "depth": 1},
		"t1": {"id": "t1", "parent_id": "p1", "title": "Walk 20 minutes", "order": 0, "depth": 2}
	}
}`

func TestGenerateTreeParsesDraft(t *testing.T) {
	g := NewLLMGenerator(&fakeClient{response: validDraftJSON})

	draft, err := g.GenerateTree(context.Background(), GoalRequest{
		Goal: "Run a 5K", Domain: "health", Path: "structured", Context: "no running experience",
	})
	require.NoError(t, err)
	require.Len(t, draft.Nodes, 3)
	assert.Equal(t, "root", draft.RootID)
	assert.Equal(t, "Walk 20 minutes", draft.Nodes["t1"].Title)
}

func TestGenerateTreeToleratesCodeFences(t *testing.T) {
	g := NewLLMGenerator(&fakeClient{response: "```json\n" + validDraftJSON + "\n```"})

	draft, err := g.GenerateTree(context.Background(), GoalRequest{Goal: "Run a 5K"})
	require.NoError(t, err)
	assert.Len(t, draft.Nodes, 3)
}

func TestGenerateTreeMalformedJSON(t *testing.T) {
	g := NewLLMGenerator(&fakeClient{response: "sorry, I cannot help with that"})

	_, err := g.GenerateTree(context.Background(), GoalRequest{Goal: "Run a 5K"})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestGenerateTreeEmptyDraftAndEmptyGoal(t *testing.T) {
	g := NewLLMGenerator(&fakeClient{response: `{"root_id":"root","nodes":{}}`})

	_, err := g.GenerateTree(context.Background(), GoalRequest{Goal: "Run a 5K"})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	_, err = g.GenerateTree(context.Background(), GoalRequest{Goal: "  "})
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestGenerateTreePropagatesServiceUnavailable(t *testing.T) {
	unavailable := types.NewServiceUnavailableError("gemini", errors.New("connection refused"))
	g := NewLLMGenerator(&fakeClient{err: unavailable})

	_, err := g.GenerateTree(context.Background(), GoalRequest{Goal: "Run a 5K"})
	require.Error(t, err)
	assert.True(t, types.IsServiceUnavailable(err))
}

func TestExpandPhasePromptCarriesPhaseIdentity(t *testing.T) {
	client := &fakeClient{response: `{"nodes":{"x1":{"id":"x1","parent_id":"ignored","title":"Run 3K","depth":2}}}`}
	g := NewLLMGenerator(client)

	phaseID := uuid.New()
	draft, err := g.ExpandPhase(context.Background(), ExpandRequest{
		Goal:           "Run a 5K",
		PhaseID:        phaseID,
		PhaseTitle:     "Train for distance",
		PhaseDepth:     1,
		CompletedTasks: []string{"Run 1K", "Run 2K"},
	})
	require.NoError(t, err)
	assert.Len(t, draft.Nodes, 1)
	assert.Contains(t, client.lastUser, phaseID.String())
	assert.Contains(t, client.lastUser, "Run 2K")
}

func TestStaticGeneratorDraftIsAcceptable(t *testing.T) {
	g := NewStaticGenerator()

	draft, err := g.GenerateTree(context.Background(), GoalRequest{Goal: "Run a 5K"})
	require.NoError(t, err)

	tree := hta.NewTree(uuid.New())
	assigned, err := tree.AcceptDraft(draft, 0)
	require.NoError(t, err, "static drafts must always pass batch acceptance")
	assert.Len(t, assigned, 7)
	assert.Len(t, tree.FrontierTasks(), 4)
}

func TestStaticGeneratorExpansionIsAcceptable(t *testing.T) {
	g := NewStaticGenerator()
	tree := hta.NewTree(uuid.New())
	seed, err := g.GenerateTree(context.Background(), GoalRequest{Goal: "Run a 5K"})
	require.NoError(t, err)
	assigned, err := tree.AcceptDraft(seed, 0)
	require.NoError(t, err)

	phaseID := assigned["p1"]
	draft, err := g.ExpandPhase(context.Background(), ExpandRequest{
		Goal:       "Run a 5K",
		PhaseID:    phaseID,
		PhaseTitle: "Getting started",
		PhaseDepth: tree.Node(phaseID).Depth,
	})
	require.NoError(t, err)

	_, err = tree.AcceptDraft(draft, 0)
	require.NoError(t, err)
	assert.Len(t, tree.Node(phaseID).Children, 4)
}
