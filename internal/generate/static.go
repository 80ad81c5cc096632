package generate

import (
	"context"
	"fmt"

	"forest/internal/hta"
)

// StaticGenerator produces deterministic template drafts without any model
// call. Used when no API key is configured, and by tests.
type StaticGenerator struct{}

// NewStaticGenerator creates the offline generator.
func NewStaticGenerator() *StaticGenerator {
	return &StaticGenerator{}
}

// GenerateTree returns a fixed two-phase starter decomposition of the goal.
func (g *StaticGenerator) GenerateTree(_ context.Context, req GoalRequest) (*hta.TreeDraft, error) {
	goal := req.Goal
	return &hta.TreeDraft{
		RootID: "root",
		Nodes: map[string]hta.DraftNode{
			"root": {ID: "root", Title: goal, Description: "Your goal", Depth: 0},
			"p1": {ID: "p1", ParentID: "root", Title: "Getting started",
				Description: "Small first steps toward: " + goal, Order: 0, Depth: 1},
			"p2": {ID: "p2", ParentID: "root", Title: "Building momentum",
				Description: "Sustained progress toward: " + goal, Order: 1, Depth: 1},
			"t1": {ID: "t1", ParentID: "p1", Title: "Write down why this goal matters",
				Order: 0, Depth: 2},
			"t2": {ID: "t2", ParentID: "p1", Title: "Spend 15 minutes on the first small step",
				Order: 1, Depth: 2},
			"t3": {ID: "t3", ParentID: "p2", Title: "Schedule three sessions this week",
				Order: 0, Depth: 2},
			"t4": {ID: "t4", ParentID: "p2", Title: "Review progress and adjust",
				Order: 1, Depth: 2},
		},
	}, nil
}

// ExpandPhase returns two generic continuation tasks for the phase.
func (g *StaticGenerator) ExpandPhase(_ context.Context, req ExpandRequest) (*hta.TreeDraft, error) {
	parent := req.PhaseID.String()
	depth := req.PhaseDepth + 1
	return &hta.TreeDraft{
		Nodes: map[string]hta.DraftNode{
			"x1": {ID: "x1", ParentID: parent,
				Title: fmt.Sprintf("Take the next step in %s", req.PhaseTitle),
				Order: 0, Depth: depth},
			"x2": {ID: "x2", ParentID: parent,
				Title: fmt.Sprintf("Raise the difficulty slightly in %s", req.PhaseTitle),
				Order: 1, Depth: depth},
		},
	}, nil
}
