package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"forest/internal/hta"
	"forest/internal/logging"
	"forest/internal/types"

	"github.com/google/uuid"
)

// GoalRequest carries everything the generator needs to decompose a goal.
type GoalRequest struct {
	Goal       string `json:"goal"`
	Context    string `json:"context"`
	Domain     string `json:"domain"`
	Path       string `json:"path"` // structured, blended, open
	TargetDate string `json:"target_date,omitempty"`
}

// ExpandRequest asks for follow-up tasks under one existing phase.
type ExpandRequest struct {
	Goal           string    `json:"goal"`
	PhaseID        uuid.UUID `json:"phase_id"`
	PhaseTitle     string    `json:"phase_title"`
	CompletedTasks []string  `json:"completed_tasks"`
	PhaseDepth     int       `json:"phase_depth"`
}

// Generator produces tree drafts for onboarding and phase expansion.
type Generator interface {
	GenerateTree(ctx context.Context, req GoalRequest) (*hta.TreeDraft, error)
	ExpandPhase(ctx context.Context, req ExpandRequest) (*hta.TreeDraft, error)
}

// LLMGenerator drives an LLMClient to produce drafts.
type LLMGenerator struct {
	client LLMClient
}

// NewLLMGenerator wraps the client.
func NewLLMGenerator(client LLMClient) *LLMGenerator {
	return &LLMGenerator{client: client}
}

const treeSystemPrompt = `You are a goal decomposition engine. You break a user's
goal into a hierarchical task tree: one root (the goal), 2-4 major phases, and
2-5 small concrete first tasks per phase. Tasks must be actionable today by a
beginner. Respond with JSON only, no prose, matching this shape:
{"root_id":"root","nodes":{"<id>":{"id":"<id>","parent_id":"<id or empty for root>",
"title":"...","description":"...","order":0,"depth":0}}}
The root has parent_id "" and depth 0; phases depth 1; tasks depth 2.`

const expandSystemPrompt = `You are a goal decomposition engine. Given a phase the
user has been making progress in, propose 2-4 new concrete next tasks for that
phase. Respond with JSON only, matching:
{"nodes":{"<id>":{"id":"<id>","parent_id":"<given phase id>","title":"...",
"description":"...","order":0,"depth":<given depth>}}}`

// GenerateTree asks the model for a full goal decomposition.
func (g *LLMGenerator) GenerateTree(ctx context.Context, req GoalRequest) (*hta.TreeDraft, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, types.NewValidationError("empty goal")
	}

	timer := logging.StartTimer(logging.CategoryGeneration, "GenerateTree")
	defer timer.Stop()

	userPrompt := fmt.Sprintf("Goal: %s\nDomain: %s\nJourney path: %s\nUser context: %s",
		req.Goal, req.Domain, req.Path, req.Context)
	if req.TargetDate != "" {
		userPrompt += "\nTarget date: " + req.TargetDate
	}

	raw, err := g.client.Complete(ctx, treeSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	draft, err := parseDraft(raw)
	if err != nil {
		return nil, err
	}
	logging.Generation("generated tree draft for goal %q: %d nodes", req.Goal, len(draft.Nodes))
	return draft, nil
}

// ExpandPhase asks the model for follow-up tasks under the phase.
func (g *LLMGenerator) ExpandPhase(ctx context.Context, req ExpandRequest) (*hta.TreeDraft, error) {
	timer := logging.StartTimer(logging.CategoryGeneration, "ExpandPhase")
	defer timer.Stop()

	userPrompt := fmt.Sprintf(
		"Goal: %s\nPhase: %s (id %s)\nNew tasks must use parent_id %q and depth %d.\nAlready completed in this phase: %s",
		req.Goal, req.PhaseTitle, req.PhaseID, req.PhaseID.String(), req.PhaseDepth+1,
		strings.Join(req.CompletedTasks, "; "))

	raw, err := g.client.Complete(ctx, expandSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	draft, err := parseDraft(raw)
	if err != nil {
		return nil, err
	}
	logging.Generation("generated expansion draft for phase %s: %d nodes", req.PhaseID, len(draft.Nodes))
	return draft, nil
}

// parseDraft decodes model output into a TreeDraft, tolerating markdown code
// fences around the JSON. Structural validation happens in AcceptDraft.
func parseDraft(raw string) (*hta.TreeDraft, error) {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
		text = strings.TrimSpace(text)
	}

	var draft hta.TreeDraft
	if err := json.Unmarshal([]byte(text), &draft); err != nil {
		return nil, types.NewValidationError("generator returned malformed draft JSON: %v", err)
	}
	if len(draft.Nodes) == 0 {
		return nil, types.NewValidationError("generator returned an empty draft")
	}
	return &draft, nil
}
