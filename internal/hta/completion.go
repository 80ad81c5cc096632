package hta

import (
	"forest/internal/logging"
	"forest/internal/types"

	"github.com/google/uuid"
)

// CompletionResult reports what a leaf completion changed.
type CompletionResult struct {
	NodeID             uuid.UUID `json:"node_id"`
	AlreadyCompleted   bool      `json:"already_completed"`
	Success            bool      `json:"success"`
	CompletionFraction float64   `json:"completion_fraction"`
	ExpansionTriggered bool      `json:"expansion_triggered"`
	ExpansionPhaseID   uuid.UUID `json:"expansion_phase_id,omitempty"`
}

// UpdateCompletion marks a leaf completed, propagates status upward,
// refreshes the manifest, and advances the nearest phase's expansion counter.
//
// Completing an already-completed leaf is a benign no-op: the returned result
// carries AlreadyCompleted=true and nothing is re-applied, so expansion
// counters never advance twice for one leaf.
//
// The whole update runs without suspension points; callers hold the session
// lock, so partial propagation is never observable.
func (t *Tree) UpdateCompletion(nodeID uuid.UUID, success bool) (CompletionResult, error) {
	node, ok := t.nodes[nodeID]
	if !ok {
		return CompletionResult{}, types.NewNotFoundError("node", nodeID.String())
	}
	if !node.IsLeaf {
		return CompletionResult{}, types.NewValidationError("node %s is not a leaf task", nodeID)
	}

	if node.Status == StatusCompleted {
		return CompletionResult{
			NodeID:             nodeID,
			AlreadyCompleted:   true,
			CompletionFraction: t.Manifest.CompletionFraction(),
		}, nil
	}

	node.Status = StatusCompleted
	t.PropagateCompletion(nodeID)
	t.RecomputeManifest()

	result := CompletionResult{
		NodeID:             nodeID,
		Success:            success,
		CompletionFraction: t.Manifest.CompletionFraction(),
	}

	if phase := t.nearestPhase(node); phase != nil {
		phase.BranchTriggers.CurrentCompletionCount++
		bt := &phase.BranchTriggers
		if !bt.ExpandNow && bt.CompletionThreshold > 0 && bt.CurrentCompletionCount >= bt.CompletionThreshold {
			bt.ExpandNow = true
			result.ExpansionTriggered = true
			result.ExpansionPhaseID = phase.ID
			logging.Tree("expansion latch fired on phase %s (%d completions)", phase.ID, bt.CurrentCompletionCount)
		}
	}

	logging.TreeDebug("leaf %s completed (success=%v, fraction=%.2f)", nodeID, success, result.CompletionFraction)
	return result, nil
}

// PropagateCompletion recomputes ancestor statuses upward from the given
// node. Each ancestor's status is a pure aggregation of its children; the
// walk stops at the first ancestor whose recomputed status is unchanged.
// Repeated calls from the same state are idempotent.
func (t *Tree) PropagateCompletion(nodeID uuid.UUID) {
	node, ok := t.nodes[nodeID]
	if !ok {
		return
	}
	for anc := node.parent; anc != nil; anc = anc.parent {
		recomputed := aggregateStatus(anc)
		if recomputed == anc.Status {
			break
		}
		anc.Status = recomputed
	}
}

// aggregateStatus derives a branch node's status from its children.
// A phase is completed only when all required children are completed;
// cancelled and deferred children are not required.
func aggregateStatus(n *Node) NodeStatus {
	required := 0
	completed := 0
	active := false
	for _, c := range n.Children {
		if !c.isRequired() {
			continue
		}
		required++
		switch c.Status {
		case StatusCompleted:
			completed++
		case StatusInProgress:
			active = true
		}
	}
	if required == 0 {
		return n.Status
	}
	switch {
	case completed == required:
		return StatusCompleted
	case active || completed > 0:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// nearestPhase returns the closest ancestor flagged as a major phase,
// falling back to the root.
func (t *Tree) nearestPhase(n *Node) *Node {
	for anc := n.parent; anc != nil; anc = anc.parent {
		if anc.IsMajorPhase {
			return anc
		}
	}
	return t.Root
}

// ConsumeExpansion resets a phase's expansion latch and completion counter.
// It returns true when the latch was up. After consumption the latch can
// fire again only once a full new threshold of completions accumulates.
func (t *Tree) ConsumeExpansion(phaseID uuid.UUID) (bool, error) {
	phase, ok := t.nodes[phaseID]
	if !ok {
		return false, types.NewNotFoundError("node", phaseID.String())
	}
	bt := &phase.BranchTriggers
	if !bt.ExpandNow {
		return false, nil
	}
	bt.ExpandNow = false
	bt.CurrentCompletionCount = 0
	logging.TreeDebug("expansion latch consumed on phase %s", phaseID)
	return true, nil
}

// PendingExpansions returns ids of phases whose latch is currently up,
// in DFS order.
func (t *Tree) PendingExpansions() []uuid.UUID {
	var out []uuid.UUID
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.BranchTriggers.ExpandNow {
			out = append(out, n.ID)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	if t.Root != nil {
		walk(t.Root)
	}
	return out
}
