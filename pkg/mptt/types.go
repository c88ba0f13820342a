// ABOUTME: Nested-set node model and insertion positions
// ABOUTME: Nodes are caches of stored rows, updated in place by the engine

package mptt

import (
	"fmt"
	"strings"
)

// NodeID identifies a stored node. Zero means the node has not been stored yet.
type NodeID int64

// TreeID groups the nodes of one tree inside a forest
type TreeID int64

// Node is the in-memory view of a nested-set row
type Node struct {
	ID       NodeID
	ParentID *NodeID // nil for roots
	Left     int64
	Right    int64
	Level    int64
	TreeID   TreeID
	Fields   map[string]any // caller columns declared in the schema

	// Parent optionally caches the parent object. Insertions keep the
	// cached Right of the whole chain current.
	Parent *Node
}

// IsRoot reports whether the node has no parent
func (n *Node) IsRoot() bool {
	return n.ParentID == nil && n.Parent == nil
}

// IsChild reports whether the node has a parent
func (n *Node) IsChild() bool {
	return !n.IsRoot()
}

// IsLeaf reports whether the node has no descendants
func (n *Node) IsLeaf() bool {
	return n.Right-n.Left == 1
}

// DescendantCount derives the number of descendants from the interval
func (n *Node) DescendantCount() int64 {
	if n.Right <= n.Left {
		return 0
	}
	return (n.Right - n.Left - 1) / 2
}

// Width is the number of left/right values the subtree occupies
func (n *Node) Width() int64 {
	return n.Right - n.Left + 1
}

// IsDescendantOf reports interval containment within the same tree
func (n *Node) IsDescendantOf(other *Node) bool {
	return n.TreeID == other.TreeID && other.Left < n.Left && n.Right < other.Right
}

// IsAncestorOf is the inverse of IsDescendantOf
func (n *Node) IsAncestorOf(other *Node) bool {
	return other.IsDescendantOf(n)
}

// ParentRef resolves the parent id from ParentID or the cached Parent.
// Stores use it to link children created in the same batch as their parent.
func (n *Node) ParentRef() (NodeID, bool) {
	if n.ParentID != nil {
		return *n.ParentID, true
	}
	if n.Parent != nil && n.Parent.ID != 0 {
		return n.Parent.ID, true
	}
	return 0, false
}

// Attributes returns the tree columns of the node
func (n *Node) Attributes() Attributes {
	a := Attributes{Left: n.Left, Right: n.Right, Level: n.Level, TreeID: n.TreeID}
	if id, ok := n.ParentRef(); ok {
		a.ParentID = &id
	}
	return a
}

// Apply overwrites the cached tree columns with stored values
func (n *Node) Apply(a Attributes) {
	n.Left = a.Left
	n.Right = a.Right
	n.Level = a.Level
	n.TreeID = a.TreeID
	if a.ParentID == nil {
		n.ParentID = nil
		n.Parent = nil
		return
	}
	pid := *a.ParentID
	n.ParentID = &pid
	if n.Parent != nil && n.Parent.ID != pid {
		n.Parent = nil
	}
}

func (n *Node) setParent(id *NodeID, parent *Node) {
	if id == nil {
		n.ParentID = nil
		n.Parent = nil
		return
	}
	pid := *id
	n.ParentID = &pid
	n.Parent = parent
}

func (n *Node) String() string {
	return fmt.Sprintf("Node[id=%d tree=%d left=%d right=%d level=%d]", n.ID, n.TreeID, n.Left, n.Right, n.Level)
}

// Attributes are the tree columns of one stored row
type Attributes struct {
	Left     int64
	Right    int64
	Level    int64
	TreeID   TreeID
	ParentID *NodeID
}

// Position places a node relative to a target
type Position string

const (
	PosFirstChild Position = "first-child"
	PosLastChild  Position = "last-child"
	PosLeft       Position = "left"
	PosRight      Position = "right"
)

// ParsePosition validates a position token
func ParsePosition(s string) (Position, error) {
	p := Position(strings.TrimSpace(s))
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// Validate returns ErrInvalidPosition for unknown tokens
func (p Position) Validate() error {
	switch p {
	case PosFirstChild, PosLastChild, PosLeft, PosRight:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidPosition, string(p))
}

func (p Position) isChild() bool {
	return p == PosFirstChild || p == PosLastChild
}

func (p Position) isSibling() bool {
	return p == PosLeft || p == PosRight
}

// NodeSpec describes a subtree for bulk construction
type NodeSpec struct {
	ID       NodeID
	Fields   map[string]any
	Children []*NodeSpec
}

// Size counts the nodes in the description
func (s *NodeSpec) Size() int {
	n := 1
	for _, c := range s.Children {
		n += c.Size()
	}
	return n
}
