package mptt

import (
	"context"
	"fmt"
)

// placement describes where a subtree lands relative to a target
type placement struct {
	spaceTarget     int64
	levelChange     int64
	leftRightChange int64
	rightShift      int64
	parentID        *NodeID
	parent          *Node
}

func (p placement) hasParent() bool {
	return p.parentID != nil || p.parent != nil
}

// place computes the values for moving node into target's tree. Sibling
// positions require a non-root target.
func place(node, target *Node, pos Position) placement {
	var p placement
	if pos.isChild() {
		if pos == PosLastChild {
			p.spaceTarget = target.Right - 1
		} else {
			p.spaceTarget = target.Left
		}
		p.levelChange = node.Level - target.Level - 1
		id := target.ID
		p.parentID = &id
		p.parent = target
	} else {
		if pos == PosLeft {
			p.spaceTarget = target.Left - 1
		} else {
			p.spaceTarget = target.Right
		}
		p.levelChange = node.Level - target.Level
		if id, ok := target.ParentRef(); ok {
			p.parentID = &id
		}
		p.parent = target.Parent
	}
	p.leftRightChange = node.Left - p.spaceTarget - 1
	if p.hasParent() {
		p.rightShift = 2 * (node.DescendantCount() + 1)
	}
	return p
}

// propagateRight grows the cached right of parent and its cached ancestors
func propagateRight(parent *Node, shift int64) error {
	seen := make(map[*Node]struct{})
	for p := parent; p != nil; p = p.Parent {
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%w: parent cycle through node %d", ErrInvalidMove, p.ID)
		}
		seen[p] = struct{}{}
		p.Right += shift
	}
	return nil
}

// linkParent points n at parent, which may not be stored yet
func linkParent(n, parent *Node) {
	n.Parent = parent
	n.ParentID = nil
	if parent != nil && parent.ID != 0 {
		id := parent.ID
		n.ParentID = &id
	}
}

func (e *engine) refresh(ctx context.Context, n *Node) error {
	if err := e.Refresh(ctx, n); err != nil {
		return fmt.Errorf("refresh node %d: %w", n.ID, err)
	}
	return nil
}

// rootSiblingTreeID frees the tree id a new root takes next to a root target
func (e *engine) rootSiblingTreeID(ctx context.Context, target *Node, pos Position) (TreeID, TreeID, error) {
	if !e.schema.RootOrdering {
		id, err := e.nextTreeID(ctx)
		return id, 0, err
	}
	var tree, spaceTarget TreeID
	if pos == PosLeft {
		tree = target.TreeID
		spaceTarget = target.TreeID - 1
	} else {
		tree = target.TreeID + 1
		spaceTarget = target.TreeID
	}
	if err := e.createTreeSpace(ctx, spaceTarget, 1); err != nil {
		return 0, 0, err
	}
	if target.TreeID > spaceTarget {
		target.TreeID++
	}
	return tree, spaceTarget, nil
}

func (e *engine) insertNode(ctx context.Context, node, target *Node, pos Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	if node.ID != 0 {
		n, err := e.store.Count(ctx, Where(Eq(FieldID, int64(node.ID))))
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %d", ErrNodeExists, node.ID)
		}
	}
	if target != nil {
		if err := e.refresh(ctx, target); err != nil {
			return err
		}
	}

	switch {
	case target == nil:
		tree, err := e.nextTreeID(ctx)
		if err != nil {
			return err
		}
		node.Left, node.Right, node.Level, node.TreeID = 1, 2, 0, tree
		node.setParent(nil, nil)
	case target.IsRoot() && pos.isSibling():
		tree, _, err := e.rootSiblingTreeID(ctx, target, pos)
		if err != nil {
			return err
		}
		node.Left, node.Right, node.Level, node.TreeID = 1, 2, 0, tree
		node.setParent(nil, nil)
	default:
		node.Left, node.Right, node.Level = 0, 1, 0
		p := place(node, target, pos)
		tree := target.TreeID
		if err := e.createSpace(ctx, 2, p.spaceTarget, tree); err != nil {
			return err
		}
		node.Left = -p.leftRightChange
		node.Right = node.Left + 1
		node.Level = -p.levelChange
		node.TreeID = tree
		node.setParent(p.parentID, p.parent)
		if p.parent != nil {
			if err := propagateRight(p.parent, p.rightShift); err != nil {
				return err
			}
		}
	}

	if err := e.store.BulkCreate(ctx, []*Node{node}); err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	e.track(node.TreeID)
	if target != nil && !e.deferred() {
		return e.refresh(ctx, target)
	}
	return nil
}
