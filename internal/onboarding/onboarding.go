// Package onboarding implements the goal → context → activated workflow that
// produces a user's first task tree.
package onboarding

import (
	"context"
	"strings"
	"time"

	"forest/internal/config"
	"forest/internal/generate"
	"forest/internal/hta"
	"forest/internal/logging"
	"forest/internal/recommend"
	"forest/internal/session"
	"forest/internal/snapshot"
	"forest/internal/store"
	"forest/internal/types"

	"github.com/google/uuid"
)

// Status is the onboarding stage, derived from the snapshot's activation
// state rather than stored separately.
type Status string

const (
	StatusNeedsGoal    Status = "needs_goal"
	StatusNeedsContext Status = "needs_context"
	StatusCompleted    Status = "completed"
)

// StatusOf derives the onboarding status from a snapshot.
func StatusOf(snap *snapshot.Snapshot) Status {
	switch {
	case snap == nil || !snap.ActivatedState.GoalSet:
		return StatusNeedsGoal
	case !snap.ActivatedState.Activated:
		return StatusNeedsContext
	default:
		return StatusCompleted
	}
}

// TaskSummary is the recommended first task returned on activation.
type TaskSummary struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
}

// Result reports the onboarding state after an operation.
type Result struct {
	Status          Status       `json:"status"`
	RecommendedTask *TaskSummary `json:"recommended_task,omitempty"`
}

// Service drives onboarding against the session manager. The generator runs
// outside the session lock; all snapshot mutation commits through a
// clone-persist-swap so a failed persist leaves the live state untouched.
type Service struct {
	manager   *session.Manager
	store     store.SnapshotStore
	generator generate.Generator
	rec       *recommend.Recommender
	cfg       *config.Config
}

// NewService wires the onboarding service.
func NewService(manager *session.Manager, st store.SnapshotStore, gen generate.Generator, rec *recommend.Recommender, cfg *config.Config) *Service {
	return &Service{
		manager:   manager,
		store:     st,
		generator: gen,
		rec:       rec,
		cfg:       cfg,
	}
}

// Status returns the user's current onboarding status. An unknown user is
// simply at the beginning.
func (s *Service) Status(userID uuid.UUID) Status {
	lock, err := s.manager.SessionLock(userID)
	if err != nil {
		return StatusNeedsGoal
	}
	lock.Lock()
	defer lock.Unlock()

	snap, err := s.manager.Snapshot(userID)
	if err != nil {
		return StatusNeedsGoal
	}
	return StatusOf(snap)
}

// SetGoal records the user's goal and moves onboarding to needs_context.
// Calling it again before activation overwrites the pending goal; calling it
// after activation is rejected.
func (s *Service) SetGoal(ctx context.Context, userID uuid.UUID, description, domain, targetDate string, path snapshot.Path) (Result, error) {
	if strings.TrimSpace(description) == "" {
		return Result{}, types.NewValidationError("goal description must not be empty")
	}
	if path == "" {
		path = snapshot.PathStructured
	}
	if !snapshot.ValidPath(path) {
		return Result{}, types.NewValidationError("unknown journey path %q", path)
	}

	// First contact creates the session.
	if !s.manager.Active(userID) {
		if _, err := s.manager.StartSession(ctx, userID, nil, nil); err != nil {
			return Result{}, err
		}
	}

	lock, err := s.manager.SessionLock(userID)
	if err != nil {
		return Result{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	live, err := s.manager.Snapshot(userID)
	if err != nil {
		return Result{}, err
	}
	if StatusOf(live) == StatusCompleted {
		return Result{Status: StatusCompleted}, types.NewValidationError("onboarding already completed")
	}

	next := live.Clone()
	next.GoalText = strings.TrimSpace(description)
	next.CurrentPath = path
	next.ActivatedState.GoalSet = true
	next.ComponentState["goal_domain"] = domain
	if targetDate != "" {
		next.ComponentState["goal_target_date"] = targetDate
	}

	if _, err := s.store.Save(ctx, userID, next); err != nil {
		return Result{}, err
	}
	if err := s.manager.SwapSnapshot(userID, next); err != nil {
		return Result{}, err
	}

	logging.Onboarding("goal set for user %s (domain=%s path=%s)", userID, domain, path)
	return Result{Status: StatusNeedsContext}, nil
}

// AddContext supplies the user's context, generates and accepts the first
// tree, creates the seed, and activates the session.
//
// From completed it returns the current recommendation without regenerating.
// Generator failures and invalid drafts leave the state at needs_context with
// no partial tree.
func (s *Service) AddContext(ctx context.Context, userID uuid.UUID, text string) (Result, error) {
	lock, err := s.manager.SessionLock(userID)
	if err != nil {
		return Result{}, err
	}

	lock.Lock()
	live, err := s.manager.Snapshot(userID)
	if err != nil {
		lock.Unlock()
		return Result{}, err
	}

	switch StatusOf(live) {
	case StatusNeedsGoal:
		lock.Unlock()
		return Result{Status: StatusNeedsGoal}, types.NewValidationError("no goal set yet")
	case StatusCompleted:
		task := taskSummary(s.rec.NextTask(live))
		lock.Unlock()
		return Result{Status: StatusCompleted, RecommendedTask: task}, nil
	}

	req := generate.GoalRequest{
		Goal:    live.GoalText,
		Context: text,
		Path:    string(live.CurrentPath),
	}
	if domain, ok := live.ComponentState["goal_domain"].(string); ok {
		req.Domain = domain
	}
	if date, ok := live.ComponentState["goal_target_date"].(string); ok {
		req.TargetDate = date
	}
	lock.Unlock()

	// Generation happens outside the lock; heartbeats keep running.
	draft, err := s.generator.GenerateTree(ctx, req)
	if err != nil {
		return Result{Status: StatusNeedsContext}, err
	}

	lock.Lock()
	defer lock.Unlock()

	live, err = s.manager.Snapshot(userID)
	if err != nil {
		return Result{}, err
	}
	if StatusOf(live) == StatusCompleted {
		// Lost the race against a concurrent activation.
		return Result{Status: StatusCompleted, RecommendedTask: taskSummary(s.rec.NextTask(live))}, nil
	}

	next := live.Clone()
	tree := hta.NewTree(userID)
	if _, err := tree.AcceptDraft(draft, s.cfg.Expansion.CompletionThreshold); err != nil {
		return Result{Status: StatusNeedsContext}, err
	}

	next.Tree = tree
	next.Seed = &snapshot.Seed{
		ID:         uuid.New(),
		Title:      tree.Root.Title,
		Path:       next.CurrentPath,
		Status:     snapshot.SeedActive,
		CreatedAt:  time.Now().UTC(),
	}
	if domain, ok := next.ComponentState["goal_domain"].(string); ok {
		next.Seed.Domain = domain
	}
	if date, ok := next.ComponentState["goal_target_date"].(string); ok {
		next.Seed.TargetDate = date
	}
	next.ActivatedState.Activated = true

	if _, err := s.store.Save(ctx, userID, next); err != nil {
		return Result{Status: StatusNeedsContext}, err
	}
	if err := s.manager.SwapSnapshot(userID, next); err != nil {
		return Result{}, err
	}

	logging.Onboarding("user %s activated: tree %s with %d nodes", userID, tree.ID, tree.Len())
	return Result{Status: StatusCompleted, RecommendedTask: taskSummary(s.rec.NextTask(next))}, nil
}

func taskSummary(n *hta.Node) *TaskSummary {
	if n == nil {
		return nil
	}
	return &TaskSummary{ID: n.ID, Title: n.Title, Description: n.Description}
}
