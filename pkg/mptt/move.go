// ABOUTME: Relocation of subtrees within and across trees of the forest
// ABOUTME: Every case is one ranged update plus at most one space operation

package mptt

import (
	"context"
	"fmt"
)

func (e *engine) moveNode(ctx context.Context, node, target *Node, pos Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	if err := e.refresh(ctx, node); err != nil {
		return err
	}
	if target != nil {
		if err := e.refresh(ctx, target); err != nil {
			return err
		}
		if err := checkMoveTarget(node, target, pos); err != nil {
			return err
		}
		if e.deferred() {
			if err := e.checkStoredAncestry(ctx, node, target, pos); err != nil {
				return err
			}
		}
	}
	oldParent, hadParent := node.ParentRef()

	if e.deferred() && !(target != nil && target.IsRoot() && pos.isSibling() && node.IsRoot()) {
		return e.deferredMove(ctx, node, target, pos)
	}

	var err error
	switch {
	case target == nil:
		if node.IsChild() {
			var tree TreeID
			if tree, err = e.nextTreeID(ctx); err == nil {
				err = e.makeChildRoot(ctx, node, tree)
			}
		}
	case target.IsRoot() && pos.isSibling():
		err = e.makeSiblingOfRoot(ctx, node, target, pos)
	case node.IsRoot():
		err = e.moveRootNode(ctx, node, target, pos)
	default:
		err = e.moveChildNode(ctx, node, target, pos)
	}
	if err != nil {
		return err
	}

	if err := e.persistParent(ctx, node, oldParent, hadParent); err != nil {
		return err
	}
	if target != nil && !e.deferred() {
		return e.refresh(ctx, target)
	}
	return nil
}

func relation(pos Position) string {
	if pos.isSibling() {
		return "sibling"
	}
	return "child"
}

func checkMoveTarget(node, target *Node, pos Position) error {
	if node.ID == target.ID {
		return fmt.Errorf("%w: a node may not be made a %s of itself", ErrInvalidMove, relation(pos))
	}
	if target.IsDescendantOf(node) {
		return fmt.Errorf("%w: a node may not be made a %s of any of its descendants", ErrInvalidMove, relation(pos))
	}
	return nil
}

// checkStoredAncestry walks stored parent pointers up from target. Inside
// a scope intervals go stale, so containment cannot rule out a cycle.
func (e *engine) checkStoredAncestry(ctx context.Context, node, target *Node, pos Position) error {
	seen := make(map[NodeID]struct{})
	pid, ok := target.ParentRef()
	for ok {
		if pid == node.ID {
			return fmt.Errorf("%w: a node may not be made a %s of any of its descendants", ErrInvalidMove, relation(pos))
		}
		if _, dup := seen[pid]; dup {
			return fmt.Errorf("%w: parent cycle through node %d", ErrInvalidMove, pid)
		}
		seen[pid] = struct{}{}
		attrs, err := e.store.ReadAttributes(ctx, pid)
		if err != nil {
			return fmt.Errorf("read ancestor %d: %w", pid, err)
		}
		if attrs.ParentID == nil {
			return nil
		}
		pid = *attrs.ParentID
	}
	return nil
}

func (e *engine) persistParent(ctx context.Context, node *Node, old NodeID, had bool) error {
	cur, has := node.ParentRef()
	if cur == old && has == had {
		return nil
	}
	if err := e.store.BulkUpdate(ctx, []*Node{node}, []Field{FieldParent}); err != nil {
		return fmt.Errorf("update parent of node %d: %w", node.ID, err)
	}
	return nil
}

// makeChildRoot detaches a child subtree into tree newTree
func (e *engine) makeChildRoot(ctx context.Context, node *Node, newTree TreeID) error {
	shift := node.Left - 1
	level := node.Level
	if err := e.interTreeMoveAndCloseGap(ctx, node, level, shift, newTree); err != nil {
		return err
	}
	node.Left -= shift
	node.Right -= shift
	node.Level = 0
	node.TreeID = newTree
	node.setParent(nil, nil)
	return nil
}

// interTreeMoveAndCloseGap moves node's subtree out of its tree and closes
// the vacated gap in the same statement
func (e *engine) interTreeMoveAndCloseGap(ctx context.Context, node *Node, levelChange, leftRightChange int64, newTree TreeID) error {
	left, right := node.Left, node.Right
	gapSize := right - left + 1
	gapTarget := left - 1
	leftIn := Where(Between(FieldLeft, left, right)...)
	rightIn := Where(Between(FieldRight, left, right)...)
	u := RangedUpdate{
		Set: []Assignment{
			{Field: FieldLevel, Cases: []When{{If: leftIn, Then: Shift(FieldLevel, -levelChange)}}},
			{Field: FieldTreeID, Cases: []When{{If: leftIn, Then: Const(int64(newTree))}}},
			{Field: FieldLeft, Cases: []When{
				{If: leftIn, Then: Shift(FieldLeft, -leftRightChange)},
				{If: Where(Gt(FieldLeft, gapTarget)), Then: Shift(FieldLeft, -gapSize)},
			}},
			{Field: FieldRight, Cases: []When{
				{If: rightIn, Then: Shift(FieldRight, -leftRightChange)},
				{If: Where(Gt(FieldRight, gapTarget)), Then: Shift(FieldRight, -gapSize)},
			}},
		},
		Where: Where(Eq(FieldTreeID, int64(node.TreeID))),
	}
	if _, err := e.store.ExecuteRangedUpdate(ctx, u); err != nil {
		return fmt.Errorf("move node %d to tree %d: %w", node.ID, newTree, err)
	}
	return nil
}

// makeSiblingOfRoot places node next to a root. Roots swap tree ids,
// children are detached into a freshly made tree id.
func (e *engine) makeSiblingOfRoot(ctx context.Context, node, target *Node, pos Position) error {
	if node.IsChild() {
		tree, spaceTarget, err := e.rootSiblingTreeID(ctx, target, pos)
		if err != nil {
			return err
		}
		if e.schema.RootOrdering && node.TreeID > spaceTarget {
			node.TreeID++
		}
		return e.makeChildRoot(ctx, node, tree)
	}
	if !e.schema.RootOrdering {
		e.log.Debug().Int64("node", int64(node.ID)).Msg("root order is undefined without root ordering, skipping reorder")
		return nil
	}

	tree, targetTree := node.TreeID, target.TreeID
	var newTree TreeID
	var lo, hi TreeID
	var shift int64
	switch {
	case pos == PosLeft && targetTree > tree:
		prev, err := e.PreviousRoot(ctx, targetTree)
		if err != nil {
			return err
		}
		if prev != nil && prev.ID == node.ID {
			return nil
		}
		newTree, lo, hi, shift = targetTree-1, tree, targetTree-1, -1
	case pos == PosLeft:
		newTree, lo, hi, shift = targetTree, targetTree, tree, 1
	case targetTree > tree:
		newTree, lo, hi, shift = targetTree, tree, targetTree, -1
	default:
		next, err := e.NextRoot(ctx, targetTree)
		if err != nil {
			return err
		}
		if next != nil && next.ID == node.ID {
			return nil
		}
		newTree, lo, hi, shift = targetTree+1, targetTree+1, tree, 1
	}

	u := RangedUpdate{
		Set: []Assignment{{
			Field: FieldTreeID,
			Cases: []When{{If: Where(Eq(FieldTreeID, int64(tree))), Then: Const(int64(newTree))}},
			Else:  exprPtr(Shift(FieldTreeID, shift)),
		}},
		Where: Where(Between(FieldTreeID, int64(lo), int64(hi))...),
	}
	if _, err := e.store.ExecuteRangedUpdate(ctx, u); err != nil {
		return fmt.Errorf("reorder root %d: %w", node.ID, err)
	}
	node.TreeID = newTree
	if e.scope != nil {
		e.scope.remapTracked(func(id TreeID) TreeID {
			switch {
			case id == tree:
				return newTree
			case id >= lo && id <= hi:
				return id + TreeID(shift)
			}
			return id
		})
	}
	return nil
}

// moveRootNode makes a whole tree a subtree of another tree
func (e *engine) moveRootNode(ctx context.Context, node, target *Node, pos Position) error {
	tree, newTree := node.TreeID, target.TreeID
	if tree == newTree {
		return fmt.Errorf("%w: a node may not be made a child of itself", ErrInvalidMove)
	}
	left, right := node.Left, node.Right
	p := place(node, target, pos)
	if err := e.createSpace(ctx, right-left+1, p.spaceTarget, newTree); err != nil {
		return err
	}
	u := RangedUpdate{
		Set: []Assignment{
			{Field: FieldLevel, Else: exprPtr(Shift(FieldLevel, -p.levelChange))},
			{Field: FieldLeft, Else: exprPtr(Shift(FieldLeft, -p.leftRightChange))},
			{Field: FieldRight, Else: exprPtr(Shift(FieldRight, -p.leftRightChange))},
			{Field: FieldTreeID, Else: exprPtr(Const(int64(newTree)))},
		},
		Where: Where(Between(FieldLeft, left, right)...).And(Eq(FieldTreeID, int64(tree))),
	}
	if _, err := e.store.ExecuteRangedUpdate(ctx, u); err != nil {
		return fmt.Errorf("move root %d into tree %d: %w", node.ID, newTree, err)
	}
	node.Left -= p.leftRightChange
	node.Right -= p.leftRightChange
	node.Level -= p.levelChange
	node.TreeID = newTree
	node.setParent(p.parentID, p.parent)
	return nil
}

func (e *engine) moveChildNode(ctx context.Context, node, target *Node, pos Position) error {
	if node.TreeID == target.TreeID {
		return e.moveChildWithinTree(ctx, node, target, pos)
	}
	return e.moveChildToNewTree(ctx, node, target, pos)
}

func (e *engine) moveChildToNewTree(ctx context.Context, node, target *Node, pos Position) error {
	p := place(node, target, pos)
	newTree := target.TreeID
	if err := e.createSpace(ctx, node.Width(), p.spaceTarget, newTree); err != nil {
		return err
	}
	if err := e.interTreeMoveAndCloseGap(ctx, node, p.levelChange, p.leftRightChange, newTree); err != nil {
		return err
	}
	node.Left -= p.leftRightChange
	node.Right -= p.leftRightChange
	node.Level -= p.levelChange
	node.TreeID = newTree
	node.setParent(p.parentID, p.parent)
	return nil
}

// moveChildWithinTree shifts the subtree and the nodes between its old
// and new slot in one statement
func (e *engine) moveChildWithinTree(ctx context.Context, node, target *Node, pos Position) error {
	left, right, level := node.Left, node.Right, node.Level
	width := right - left + 1
	tl, tr := target.Left, target.Right

	var newLeft, newRight, levelChange int64
	var parentID *NodeID
	var parent *Node
	switch pos {
	case PosLastChild, PosFirstChild:
		if pos == PosLastChild {
			if tr > right {
				newLeft, newRight = tr-width, tr-1
			} else {
				newLeft, newRight = tr, tr+width-1
			}
		} else {
			if tl > left {
				newLeft, newRight = tl-width+1, tl
			} else {
				newLeft, newRight = tl+1, tl+width
			}
		}
		levelChange = level - target.Level - 1
		id := target.ID
		parentID, parent = &id, target
	default:
		if pos == PosLeft {
			if tl > left {
				newLeft, newRight = tl-width, tl-1
			} else {
				newLeft, newRight = tl, tl+width-1
			}
		} else {
			if tr > right {
				newLeft, newRight = tr-width+1, tr
			} else {
				newLeft, newRight = tr+1, tr+width
			}
		}
		levelChange = level - target.Level
		if id, ok := target.ParentRef(); ok {
			parentID = &id
		}
		parent = target.Parent
	}

	if newLeft == left && levelChange == 0 {
		return nil
	}

	leftBoundary := min(left, newLeft)
	rightBoundary := max(right, newRight)
	leftRightChange := newLeft - left
	gapSize := width
	if leftRightChange > 0 {
		gapSize = -gapSize
	}

	u := RangedUpdate{
		Set: []Assignment{
			{Field: FieldLevel, Cases: []When{{If: Where(Between(FieldLeft, left, right)...), Then: Shift(FieldLevel, -levelChange)}}},
			{Field: FieldLeft, Cases: []When{
				{If: Where(Between(FieldLeft, left, right)...), Then: Shift(FieldLeft, leftRightChange)},
				{If: Where(Between(FieldLeft, leftBoundary, rightBoundary)...), Then: Shift(FieldLeft, gapSize)},
			}},
			{Field: FieldRight, Cases: []When{
				{If: Where(Between(FieldRight, left, right)...), Then: Shift(FieldRight, leftRightChange)},
				{If: Where(Between(FieldRight, leftBoundary, rightBoundary)...), Then: Shift(FieldRight, gapSize)},
			}},
		},
		Where: Where(Eq(FieldTreeID, int64(node.TreeID))),
	}
	if _, err := e.store.ExecuteRangedUpdate(ctx, u); err != nil {
		return fmt.Errorf("move node %d within tree %d: %w", node.ID, node.TreeID, err)
	}
	node.Left = newLeft
	node.Right = newRight
	node.Level = level - levelChange
	node.setParent(parentID, parent)
	return nil
}

// deferredMove assigns the node its destination slot without shifting
// anything else. The scope's partial rebuilds reconcile the trees.
func (e *engine) deferredMove(ctx context.Context, node, target *Node, pos Position) error {
	oldTree := node.TreeID
	width := node.Width()

	switch {
	case target == nil:
		if node.IsRoot() {
			return nil
		}
		tree, err := e.nextTreeID(ctx)
		if err != nil {
			return err
		}
		node.Left, node.Right, node.Level, node.TreeID = 1, width, 0, tree
		node.setParent(nil, nil)
	case target.IsRoot() && pos.isSibling():
		tree, spaceTarget, err := e.rootSiblingTreeID(ctx, target, pos)
		if err != nil {
			return err
		}
		if e.schema.RootOrdering && oldTree > spaceTarget {
			oldTree++
		}
		node.Left, node.Right, node.Level, node.TreeID = 1, width, 0, tree
		node.setParent(nil, nil)
	default:
		p := place(node, target, pos)
		if err := e.createSpace(ctx, width, p.spaceTarget, target.TreeID); err != nil {
			return err
		}
		node.Left = p.spaceTarget + 1
		node.Right = node.Left + width - 1
		node.Level -= p.levelChange
		node.TreeID = target.TreeID
		node.setParent(p.parentID, p.parent)
		if p.parent != nil {
			if err := propagateRight(p.parent, p.rightShift); err != nil {
				return err
			}
		}
	}

	fields := []Field{FieldLeft, FieldRight, FieldLevel, FieldTreeID, FieldParent}
	if err := e.store.BulkUpdate(ctx, []*Node{node}, fields); err != nil {
		return fmt.Errorf("update moved node %d: %w", node.ID, err)
	}
	e.track(oldTree)
	e.track(node.TreeID)
	return nil
}
