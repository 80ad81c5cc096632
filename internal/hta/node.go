// Package hta implements the hierarchical task analysis tree: the node/tree
// model, completion propagation, frontier selection, and dynamic branch
// expansion.
//
// A tree decomposes one user goal into actionable sub-tasks. Nodes are owned
// exclusively by their tree; all mutation goes through Tree methods so the
// manifest and the id index stay consistent.
package hta

import (
	"time"

	"github.com/google/uuid"
)

// NodeStatus represents the lifecycle status of a tree node.
type NodeStatus string

const (
	StatusPending    NodeStatus = "pending"
	StatusInProgress NodeStatus = "in_progress"
	StatusCompleted  NodeStatus = "completed"
	StatusDeferred   NodeStatus = "deferred"
	StatusCancelled  NodeStatus = "cancelled"
)

// DefaultCompletionThreshold is the number of descendant leaf completions
// before a phase's expand_now latch fires.
const DefaultCompletionThreshold = 3

// BranchTriggers holds the dynamic-expansion state of a phase node.
// ExpandNow is a one-shot latch: it flips false->true exactly once when
// CurrentCompletionCount reaches CompletionThreshold and stays up until the
// generation collaborator consumes it via Tree.ConsumeExpansion.
type BranchTriggers struct {
	ExpandNow              bool `json:"expand_now"`
	CompletionThreshold    int  `json:"completion_count_for_expansion_trigger"`
	CurrentCompletionCount int  `json:"current_completion_count"`
}

// Node is a single task or phase in the tree.
type Node struct {
	ID           uuid.UUID  `json:"id"`
	ParentID     uuid.UUID  `json:"parent_id"` // uuid.Nil for the root
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	IsLeaf       bool       `json:"is_leaf"`
	IsMajorPhase bool       `json:"is_major_phase"`
	Status       NodeStatus `json:"status"`
	Depth        int        `json:"depth"` // root = 0, strictly increases downward

	BranchTriggers BranchTriggers `json:"branch_triggers"`

	// Children in insertion order. Frontier ordering depends on this.
	Children []*Node `json:"children,omitempty"`

	parent *Node
}

// NewNode creates a pending node with the default expansion threshold.
func NewNode(title, description string, isLeaf bool) *Node {
	return &Node{
		ID:          uuid.New(),
		Title:       title,
		Description: description,
		IsLeaf:      isLeaf,
		Status:      StatusPending,
		BranchTriggers: BranchTriggers{
			CompletionThreshold: DefaultCompletionThreshold,
		},
	}
}

// Parent returns the node's parent, nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// IsBlocking reports whether the node blocks its subtree from the frontier.
func (n *Node) IsBlocking() bool {
	return n.Status == StatusDeferred || n.Status == StatusCancelled
}

// isRequired reports whether the node counts toward its parent's completion
// aggregation. Cancelled and deferred children are excluded.
func (n *Node) isRequired() bool {
	return n.Status != StatusCancelled && n.Status != StatusDeferred
}

// clone deep-copies the node and its subtree. Parent pointers are left for
// the caller to rewire.
func (n *Node) clone() *Node {
	c := *n
	c.parent = nil
	c.Children = make([]*Node, 0, len(n.Children))
	for _, child := range n.Children {
		cc := child.clone()
		cc.parent = &c
		cc.ParentID = c.ID
		c.Children = append(c.Children, cc)
	}
	return &c
}

// Manifest is the denormalized summary of a tree, cached for fast reads.
// It is always recomputable from the live node set; RecomputeManifest is the
// source of truth.
type Manifest struct {
	Depth          int       `json:"depth"`      // max node depth
	TaskCount      int       `json:"task_count"` // leaf count
	CompletedTasks int       `json:"completed_tasks"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CompletionFraction returns completed/total leaves, 0 for an empty tree.
func (m Manifest) CompletionFraction() float64 {
	if m.TaskCount == 0 {
		return 0
	}
	return float64(m.CompletedTasks) / float64(m.TaskCount)
}
