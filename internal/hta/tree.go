package hta

import (
	"encoding/json"
	"time"

	"forest/internal/logging"
	"forest/internal/types"

	"github.com/google/uuid"
)

// Tree is one user's hierarchical task tree.
//
// The node graph is acyclic, every non-root node has exactly one parent, and
// depth strictly increases from parent to child. The id index and manifest
// are maintained by the mutating methods; external callers must serialize
// access (the session lock does this in practice).
type Tree struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Root      *Node     `json:"root,omitempty"`
	Manifest  Manifest  `json:"manifest"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	nodes map[uuid.UUID]*Node
}

// NewTree creates an empty tree for the user. The root arrives with the
// first accepted draft.
func NewTree(userID uuid.UUID) *Tree {
	now := time.Now().UTC()
	return &Tree{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
		nodes:     make(map[uuid.UUID]*Node),
	}
}

// Node returns the node with the given id, nil if absent.
func (t *Tree) Node(id uuid.UUID) *Node {
	return t.nodes[id]
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int { return len(t.nodes) }

// AddChild attaches node under the parent with the given id, preserving
// insertion order. The node's id must be unique within the tree.
func (t *Tree) AddChild(parentID uuid.UUID, node *Node) error {
	if node == nil {
		return types.NewValidationError("nil node")
	}
	if _, exists := t.nodes[node.ID]; exists {
		return types.NewValidationError("duplicate node id %s", node.ID)
	}

	if parentID == uuid.Nil {
		if t.Root != nil {
			return types.NewValidationError("tree already has a root")
		}
		node.ParentID = uuid.Nil
		node.Depth = 0
		node.parent = nil
		t.Root = node
	} else {
		parent, ok := t.nodes[parentID]
		if !ok {
			return types.NewNotFoundError("node", parentID.String())
		}
		if parent.IsLeaf {
			// A leaf gaining children becomes a branch.
			parent.IsLeaf = false
		}
		node.ParentID = parent.ID
		node.Depth = parent.Depth + 1
		node.parent = parent
		parent.Children = append(parent.Children, node)
	}

	t.indexSubtree(node)
	t.RecomputeManifest()
	logging.TreeDebug("added node %s under %s (depth=%d)", node.ID, parentID, node.Depth)
	return nil
}

// RemoveChild detaches the node with the given id (and its subtree) from the
// tree. The root cannot be removed.
func (t *Tree) RemoveChild(id uuid.UUID) error {
	node, ok := t.nodes[id]
	if !ok {
		return types.NewNotFoundError("node", id.String())
	}
	if node.parent == nil {
		return types.NewValidationError("cannot remove the root node")
	}

	parent := node.parent
	for i, c := range parent.Children {
		if c.ID == id {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			break
		}
	}
	node.parent = nil
	node.ParentID = uuid.Nil

	t.unindexSubtree(node)
	t.RecomputeManifest()
	logging.TreeDebug("removed node %s and its subtree", id)
	return nil
}

// FrontierTasks returns pending leaves whose ancestor chain contains no
// blocking (deferred or cancelled) node, in DFS insertion order. The result
// is deterministic for a given tree state.
func (t *Tree) FrontierTasks() []*Node {
	var frontier []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.IsBlocking() {
			return
		}
		if n.IsLeaf {
			if n.Status == StatusPending {
				frontier = append(frontier, n)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	if t.Root != nil {
		walk(t.Root)
	}
	return frontier
}

// LeafCount returns the number of leaf tasks with the given status.
func (t *Tree) LeafCount(status NodeStatus) int {
	count := 0
	for _, n := range t.nodes {
		if n.IsLeaf && n.Status == status {
			count++
		}
	}
	return count
}

// RecomputeManifest rebuilds the denormalized manifest from the live nodes.
func (t *Tree) RecomputeManifest() {
	m := Manifest{UpdatedAt: time.Now().UTC()}
	for _, n := range t.nodes {
		if n.Depth > m.Depth {
			m.Depth = n.Depth
		}
		if n.IsLeaf {
			m.TaskCount++
			if n.Status == StatusCompleted {
				m.CompletedTasks++
			}
		}
	}
	t.Manifest = m
	t.UpdatedAt = m.UpdatedAt
}

// Clone deep-copies the tree, including node state and the id index.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		ID:        t.ID,
		UserID:    t.UserID,
		Manifest:  t.Manifest,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		nodes:     make(map[uuid.UUID]*Node, len(t.nodes)),
	}
	if t.Root != nil {
		c.Root = t.Root.clone()
		c.indexSubtree(c.Root)
	}
	return c
}

func (t *Tree) indexSubtree(n *Node) {
	t.nodes[n.ID] = n
	for _, c := range n.Children {
		c.parent = n
		t.indexSubtree(c)
	}
}

func (t *Tree) unindexSubtree(n *Node) {
	delete(t.nodes, n.ID)
	for _, c := range n.Children {
		t.unindexSubtree(c)
	}
}

// treeJSON is the serialized shape; the id index and parent pointers are
// rebuilt on load.
type treeJSON struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Root      *Node     `json:"root,omitempty"`
	Manifest  Manifest  `json:"manifest"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(treeJSON{
		ID:        t.ID,
		UserID:    t.UserID,
		Root:      t.Root,
		Manifest:  t.Manifest,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tree) UnmarshalJSON(data []byte) error {
	var tj treeJSON
	if err := json.Unmarshal(data, &tj); err != nil {
		return err
	}
	t.ID = tj.ID
	t.UserID = tj.UserID
	t.Root = tj.Root
	t.Manifest = tj.Manifest
	t.CreatedAt = tj.CreatedAt
	t.UpdatedAt = tj.UpdatedAt
	t.nodes = make(map[uuid.UUID]*Node)
	if t.Root != nil {
		t.indexSubtree(t.Root)
	}
	return nil
}
