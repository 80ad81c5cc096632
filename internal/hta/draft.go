package hta

import (
	"sort"

	"forest/internal/logging"
	"forest/internal/types"

	"github.com/google/uuid"
)

// TreeDraft is the generation collaborator's proposed batch of nodes.
// Draft ids are collaborator-chosen strings; accepted nodes are assigned
// fresh tree ids. A draft either seeds an empty tree (its root has no
// parent) or expands an existing one (every parent resolves to a live node
// or another draft node).
type TreeDraft struct {
	RootID string               `json:"root_id"`
	Nodes  map[string]DraftNode `json:"nodes"`
}

// DraftNode is one proposed node within a TreeDraft.
type DraftNode struct {
	ID          string `json:"id"`
	ParentID    string `json:"parent_id"` // empty for the draft root
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Order       int    `json:"order"`
	Depth       int    `json:"depth"`
}

// AcceptDraft validates the draft as a whole and, only if every check
// passes, attaches all of its nodes. On any violation the tree is left
// byte-for-byte unchanged and a ValidationError is returned.
//
// threshold sets the expansion trigger for newly created phase nodes;
// pass 0 for the default.
//
// The returned map translates draft ids to the assigned node ids.
func (t *Tree) AcceptDraft(draft *TreeDraft, threshold int) (map[string]uuid.UUID, error) {
	if draft == nil || len(draft.Nodes) == 0 {
		return nil, types.NewValidationError("empty tree draft")
	}
	if threshold <= 0 {
		threshold = DefaultCompletionThreshold
	}

	// --- Validation phase: no tree mutation past this block. ---

	for id, dn := range draft.Nodes {
		if id == "" || dn.ID != id {
			return nil, types.NewValidationError("draft node id %q does not match its key %q", dn.ID, id)
		}
		if dn.Title == "" {
			return nil, types.NewValidationError("draft node %s has no title", id)
		}
		if !validDraftStatus(dn.Status) {
			return nil, types.NewValidationError("draft node %s has invalid status %q", id, dn.Status)
		}
	}

	freshTree := t.Root == nil
	if freshTree {
		root, ok := draft.Nodes[draft.RootID]
		if !ok {
			return nil, types.NewValidationError("draft root %q not present in node map", draft.RootID)
		}
		if root.ParentID != "" {
			return nil, types.NewValidationError("draft root %q must have no parent", draft.RootID)
		}
	}

	// Parent resolution: each parent is another draft node or a live node.
	rootSeen := 0
	for id, dn := range draft.Nodes {
		if dn.ParentID == "" {
			rootSeen++
			if !freshTree {
				return nil, types.NewValidationError("draft node %s has no parent but the tree already has a root", id)
			}
			if id != draft.RootID {
				return nil, types.NewValidationError("draft node %s has no parent but is not the declared root", id)
			}
			continue
		}
		if _, inDraft := draft.Nodes[dn.ParentID]; inDraft {
			continue
		}
		if t.resolveLive(dn.ParentID) == nil {
			return nil, types.NewValidationError("draft node %s references unknown parent %q", id, dn.ParentID)
		}
	}
	if freshTree && rootSeen != 1 {
		return nil, types.NewValidationError("draft must contain exactly one root, found %d", rootSeen)
	}

	// Depth must strictly increase from parent to child, and parent chains
	// inside the draft must terminate (no cycles).
	for id, dn := range draft.Nodes {
		parentDepth, ok := t.draftParentDepth(draft, dn)
		if !ok {
			return nil, types.NewValidationError("draft node %s participates in a parent cycle", id)
		}
		if dn.ParentID == "" {
			if dn.Depth != 0 {
				return nil, types.NewValidationError("draft root %s must have depth 0, got %d", id, dn.Depth)
			}
			continue
		}
		if dn.Depth <= parentDepth {
			return nil, types.NewValidationError(
				"draft node %s depth %d does not increase over parent depth %d", id, dn.Depth, parentDepth)
		}
	}

	// --- Apply phase: validation passed, attachment cannot fail. ---

	ordered := make([]DraftNode, 0, len(draft.Nodes))
	for _, dn := range draft.Nodes {
		ordered = append(ordered, dn)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Depth != ordered[j].Depth {
			return ordered[i].Depth < ordered[j].Depth
		}
		if ordered[i].Order != ordered[j].Order {
			return ordered[i].Order < ordered[j].Order
		}
		return ordered[i].ID < ordered[j].ID
	})

	hasChildren := make(map[string]bool, len(draft.Nodes))
	for _, dn := range draft.Nodes {
		if dn.ParentID != "" {
			hasChildren[dn.ParentID] = true
		}
	}

	assigned := make(map[string]uuid.UUID, len(draft.Nodes))
	for _, dn := range ordered {
		node := &Node{
			ID:          uuid.New(),
			Title:       dn.Title,
			Description: dn.Description,
			IsLeaf:      !hasChildren[dn.ID],
			Status:      NodeStatus(dn.Status),
			BranchTriggers: BranchTriggers{
				CompletionThreshold: threshold,
			},
		}
		if dn.Status == "" {
			node.Status = StatusPending
		}

		parentID := uuid.Nil
		if dn.ParentID != "" {
			if pid, ok := assigned[dn.ParentID]; ok {
				parentID = pid
			} else {
				parentID = t.resolveLive(dn.ParentID).ID
			}
		}
		// Phases are branch nodes directly under the root.
		node.IsMajorPhase = !node.IsLeaf && dn.ParentID != "" && dn.Depth == 1

		// Validation guarantees this cannot fail.
		if err := t.AddChild(parentID, node); err != nil {
			return nil, err
		}
		assigned[dn.ID] = node.ID
	}

	logging.Tree("accepted draft: %d nodes (tree=%s, total=%d)", len(draft.Nodes), t.ID, t.Len())
	return assigned, nil
}

// resolveLive resolves a draft parent reference against the live tree.
func (t *Tree) resolveLive(ref string) *Node {
	id, err := uuid.Parse(ref)
	if err != nil {
		return nil
	}
	return t.nodes[id]
}

// draftParentDepth walks a draft node's parent chain until it leaves the
// draft, returning the immediate parent's depth. Returns ok=false when the
// chain cycles.
func (t *Tree) draftParentDepth(draft *TreeDraft, dn DraftNode) (int, bool) {
	if dn.ParentID == "" {
		return -1, true
	}
	if live := t.resolveLive(dn.ParentID); live != nil {
		if _, inDraft := draft.Nodes[dn.ParentID]; !inDraft {
			return live.Depth, true
		}
	}
	seen := map[string]bool{dn.ID: true}
	cur := dn
	for {
		parent, inDraft := draft.Nodes[cur.ParentID]
		if !inDraft {
			break
		}
		if seen[parent.ID] {
			return 0, false
		}
		seen[parent.ID] = true
		cur = parent
		if cur.ParentID == "" {
			break
		}
	}
	if p, ok := draft.Nodes[dn.ParentID]; ok {
		return p.Depth, true
	}
	if live := t.resolveLive(dn.ParentID); live != nil {
		return live.Depth, true
	}
	return 0, true
}

func validDraftStatus(s string) bool {
	switch NodeStatus(s) {
	case "", StatusPending, StatusInProgress, StatusCompleted, StatusDeferred, StatusCancelled:
		return true
	}
	return false
}
