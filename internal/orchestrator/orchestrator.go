// Package orchestrator exposes the session-facing operations: processing
// reflections, completing tasks, serving the task frontier, and running
// latched phase expansions.
//
// Every state-changing operation commits the same way: mutate a clone of the
// live snapshot, persist the clone, then swap it in under the session lock.
// Either the tree update and the snapshot update both become visible, or
// neither does.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forest/internal/config"
	"forest/internal/generate"
	"forest/internal/hta"
	"forest/internal/logging"
	"forest/internal/recommend"
	"forest/internal/reflection"
	"forest/internal/session"
	"forest/internal/snapshot"
	"forest/internal/store"
	"forest/internal/types"

	"github.com/google/uuid"
)

const (
	reflectionImportance = 0.7
	completionImportance = 0.6
	relatedMemoryCount   = 3
)

// TaskRef identifies a task in operation results.
type TaskRef struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
}

// ReflectionResult is the combined outcome of ProcessReflection.
type ReflectionResult struct {
	Entry           snapshot.ReflectionEntry `json:"entry"`
	RelatedMemories []store.ScoredMemory     `json:"related_memories,omitempty"`
	Insight         string                   `json:"insight,omitempty"`
}

// TaskCompletionResult is the combined outcome of ProcessTaskCompletion.
type TaskCompletionResult struct {
	Completion     hta.CompletionResult `json:"completion"`
	WitheringLevel float64              `json:"withering_level"`
	Message        string               `json:"message,omitempty"`
	NextTask       *TaskRef             `json:"next_task,omitempty"`
}

// ExpansionResult reports one phase expansion.
type ExpansionResult struct {
	PhaseID    uuid.UUID `json:"phase_id"`
	PhaseTitle string    `json:"phase_title"`
	AddedTasks []TaskRef `json:"added_tasks"`
}

// Orchestrator wires the collaborators behind the session operations.
type Orchestrator struct {
	manager   *session.Manager
	snapStore store.SnapshotStore
	memStore  store.MemoryStore
	analyzer  reflection.Analyzer
	generator generate.Generator
	rec       *recommend.Recommender
	cfg       *config.Config
}

// New creates an orchestrator.
func New(manager *session.Manager, snapStore store.SnapshotStore, memStore store.MemoryStore,
	analyzer reflection.Analyzer, generator generate.Generator, rec *recommend.Recommender,
	cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		manager:   manager,
		snapStore: snapStore,
		memStore:  memStore,
		analyzer:  analyzer,
		generator: generator,
		rec:       rec,
		cfg:       cfg,
	}
}

// ProcessReflection stores the reflection as a memory, gathers related
// memories, analyzes it, and appends the processed entry to the session's
// reflection log.
func (o *Orchestrator) ProcessReflection(ctx context.Context, userID uuid.UUID, text string) (ReflectionResult, error) {
	if strings.TrimSpace(text) == "" {
		return ReflectionResult{}, types.NewValidationError("reflection text must not be empty")
	}
	if !o.manager.Active(userID) {
		return ReflectionResult{}, types.NewNotFoundError("session", userID.String())
	}

	timer := logging.StartTimer(logging.CategoryOrchestrator, "ProcessReflection")
	defer timer.Stop()

	// Memory is auxiliary context; its failures degrade, never abort.
	if _, err := o.memStore.StoreMemory(ctx, userID, "reflection", text, reflectionImportance); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("failed to store reflection memory for %s: %v", userID, err)
	}
	related, err := o.memStore.QueryMemories(ctx, userID, text, relatedMemoryCount)
	if err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("memory query failed for %s: %v", userID, err)
		related = nil
	}

	analysis, err := o.analyzer.Analyze(ctx, text, related)
	if err != nil {
		return ReflectionResult{}, err
	}

	lock, err := o.manager.SessionLock(userID)
	if err != nil {
		return ReflectionResult{}, err
	}
	lock.Lock()
	defer lock.Unlock()

	live, err := o.manager.Snapshot(userID)
	if err != nil {
		return ReflectionResult{}, err
	}

	next := live.Clone()
	entry := next.AddReflection(text, analysis.Themes, analysis.SentimentScore)
	next.ComponentState[snapshot.ComponentLastActivity] = time.Now().UTC().Format(time.RFC3339)

	if _, err := o.snapStore.Save(ctx, userID, next); err != nil {
		return ReflectionResult{}, err
	}
	if err := o.manager.SwapSnapshot(userID, next); err != nil {
		return ReflectionResult{}, err
	}

	logging.Orchestrator("reflection processed for user %s (sentiment=%.2f, %d related)",
		userID, analysis.SentimentScore, len(related))
	return ReflectionResult{Entry: entry, RelatedMemories: related, Insight: analysis.Insight}, nil
}

// ProcessTaskCompletion marks the task completed with full transactional
// semantics: the node update, manifest, reinforcement message, withering
// relief, and footprint land in one persisted snapshot version, swapped in
// only after the save succeeds.
//
// Completing an already-completed task is a benign no-op: relief is not
// re-applied and expansion counters do not advance.
func (o *Orchestrator) ProcessTaskCompletion(ctx context.Context, userID, taskID uuid.UUID, success bool, reflectionText string) (TaskCompletionResult, error) {
	timer := logging.StartTimer(logging.CategoryOrchestrator, "ProcessTaskCompletion")
	defer timer.Stop()

	lock, err := o.manager.SessionLock(userID)
	if err != nil {
		return TaskCompletionResult{}, err
	}
	lock.Lock()

	live, err := o.manager.Snapshot(userID)
	if err != nil {
		lock.Unlock()
		return TaskCompletionResult{}, err
	}
	if live.Tree == nil {
		lock.Unlock()
		return TaskCompletionResult{}, types.NewValidationError("session has no task tree yet")
	}
	node := live.Tree.Node(taskID)
	if node == nil {
		lock.Unlock()
		return TaskCompletionResult{}, types.NewNotFoundError("task", taskID.String())
	}
	title := node.Title

	if node.Status == hta.StatusCompleted {
		result := TaskCompletionResult{
			Completion: hta.CompletionResult{
				NodeID:             taskID,
				AlreadyCompleted:   true,
				CompletionFraction: live.Tree.Manifest.CompletionFraction(),
			},
			WitheringLevel: live.WitheringLevel,
		}
		lock.Unlock()
		logging.OrchestratorDebug("completion no-op for already-completed task %s", taskID)
		return result, nil
	}

	next := live.Clone()
	completion, err := next.Tree.UpdateCompletion(taskID, success)
	if err != nil {
		lock.Unlock()
		return TaskCompletionResult{}, err
	}

	next.ApplyCompletionRelief(o.cfg)
	next.AddTaskFootprint(taskID, title, success)
	message := reinforcementMessage(title, completion.CompletionFraction, next.GoalText)
	next.AddMessage("reinforcement", message)
	next.ComponentState[snapshot.ComponentLastActivity] = time.Now().UTC().Format(time.RFC3339)
	if next.Seed != nil && next.Tree.Root.Status == hta.StatusCompleted {
		next.Seed.Status = snapshot.SeedCompleted
	}

	if _, err := o.snapStore.Save(ctx, userID, next); err != nil {
		lock.Unlock()
		return TaskCompletionResult{}, err
	}
	if err := o.manager.SwapSnapshot(userID, next); err != nil {
		lock.Unlock()
		return TaskCompletionResult{}, err
	}

	result := TaskCompletionResult{
		Completion:     completion,
		WitheringLevel: next.WitheringLevel,
		Message:        message,
	}
	if nextTask := o.rec.NextTask(next); nextTask != nil {
		result.NextTask = &TaskRef{ID: nextTask.ID, Title: nextTask.Title, Description: nextTask.Description}
	}
	lock.Unlock()

	// Post-commit memory write; failure is logged, never fatal.
	content := fmt.Sprintf("Completed task: %s (success=%v)", title, success)
	if reflectionText != "" {
		content += ". Reflection: " + reflectionText
	}
	if _, err := o.memStore.StoreMemory(ctx, userID, "task_completion", content, completionImportance); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("failed to store completion memory for %s: %v", userID, err)
	}

	logging.Orchestrator("task %s completed for user %s (fraction=%.2f, withering=%.2f)",
		taskID, userID, completion.CompletionFraction, result.WitheringLevel)
	return result, nil
}

// FrontierTasks returns the session's current actionable tasks in order.
func (o *Orchestrator) FrontierTasks(userID uuid.UUID) ([]TaskRef, error) {
	lock, err := o.manager.SessionLock(userID)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	live, err := o.manager.Snapshot(userID)
	if err != nil {
		return nil, err
	}
	if live.Tree == nil {
		return nil, nil
	}

	frontier := live.Tree.FrontierTasks()
	refs := make([]TaskRef, 0, len(frontier))
	for _, n := range frontier {
		refs = append(refs, TaskRef{ID: n.ID, Title: n.Title, Description: n.Description})
	}
	return refs, nil
}

// NextTask returns the recommended next task, or nil when none remains.
func (o *Orchestrator) NextTask(userID uuid.UUID) (*TaskRef, error) {
	lock, err := o.manager.SessionLock(userID)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	live, err := o.manager.Snapshot(userID)
	if err != nil {
		return nil, err
	}
	n := o.rec.NextTask(live)
	if n == nil {
		return nil, nil
	}
	return &TaskRef{ID: n.ID, Title: n.Title, Description: n.Description}, nil
}

// ProcessExpansions runs the generation collaborator for every phase whose
// expansion latch is up. Each phase commits independently: a failed
// generation or draft leaves that phase's latch up for a later retry.
func (o *Orchestrator) ProcessExpansions(ctx context.Context, userID uuid.UUID) ([]ExpansionResult, error) {
	lock, err := o.manager.SessionLock(userID)
	if err != nil {
		return nil, err
	}

	lock.Lock()
	live, err := o.manager.Snapshot(userID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if live.Tree == nil {
		lock.Unlock()
		return nil, nil
	}
	type pendingPhase struct {
		req generate.ExpandRequest
	}
	var pending []pendingPhase
	for _, phaseID := range live.Tree.PendingExpansions() {
		phase := live.Tree.Node(phaseID)
		req := generate.ExpandRequest{
			Goal:       live.GoalText,
			PhaseID:    phaseID,
			PhaseTitle: phase.Title,
			PhaseDepth: phase.Depth,
		}
		for _, fp := range live.TaskFootprints {
			if fp.Success {
				req.CompletedTasks = append(req.CompletedTasks, fp.Title)
			}
		}
		pending = append(pending, pendingPhase{req: req})
	}
	lock.Unlock()

	var results []ExpansionResult
	var firstErr error
	for _, p := range pending {
		draft, err := o.generator.ExpandPhase(ctx, p.req)
		if err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("expansion generation failed for phase %s: %v", p.req.PhaseID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		res, err := o.commitExpansion(ctx, userID, p.req, draft)
		if err != nil {
			logging.Get(logging.CategoryOrchestrator).Warn("expansion commit failed for phase %s: %v", p.req.PhaseID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	if len(results) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// commitExpansion applies one expansion draft under the session lock with the
// usual clone-persist-swap. Returns nil when another caller consumed the
// latch first.
func (o *Orchestrator) commitExpansion(ctx context.Context, userID uuid.UUID, req generate.ExpandRequest, draft *hta.TreeDraft) (*ExpansionResult, error) {
	lock, err := o.manager.SessionLock(userID)
	if err != nil {
		return nil, err
	}
	lock.Lock()
	defer lock.Unlock()

	live, err := o.manager.Snapshot(userID)
	if err != nil {
		return nil, err
	}

	next := live.Clone()
	consumed, err := next.Tree.ConsumeExpansion(req.PhaseID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, nil
	}

	assigned, err := next.Tree.AcceptDraft(draft, o.cfg.Expansion.CompletionThreshold)
	if err != nil {
		return nil, err
	}

	if _, err := o.snapStore.Save(ctx, userID, next); err != nil {
		return nil, err
	}
	if err := o.manager.SwapSnapshot(userID, next); err != nil {
		return nil, err
	}

	result := &ExpansionResult{PhaseID: req.PhaseID, PhaseTitle: req.PhaseTitle}
	for _, id := range assigned {
		if n := next.Tree.Node(id); n != nil && n.IsLeaf {
			result.AddedTasks = append(result.AddedTasks, TaskRef{ID: n.ID, Title: n.Title, Description: n.Description})
		}
	}
	logging.Orchestrator("expanded phase %s for user %s: %d new tasks", req.PhaseID, userID, len(result.AddedTasks))
	return result, nil
}

func reinforcementMessage(title string, fraction float64, goal string) string {
	pct := int(fraction*100 + 0.5)
	if goal == "" {
		return fmt.Sprintf("Nice work finishing %q. You are %d%% of the way there.", title, pct)
	}
	return fmt.Sprintf("Nice work finishing %q. You are %d%% of the way to %q.", title, pct, goal)
}
