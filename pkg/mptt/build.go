package mptt

import (
	"context"
	"fmt"
)

// anchor is where a built subtree starts
type anchor struct {
	tree     TreeID
	cursor   int64
	level    int64
	parentID *NodeID
	parent   *Node
	existing bool // inside an existing tree, space must be opened
}

func (e *engine) anchorFor(ctx context.Context, target *Node, pos Position) (anchor, error) {
	if target == nil {
		tree, err := e.nextTreeID(ctx)
		return anchor{tree: tree, cursor: 1}, err
	}
	if err := pos.Validate(); err != nil {
		return anchor{}, err
	}
	if err := e.refresh(ctx, target); err != nil {
		return anchor{}, err
	}
	if target.IsRoot() && pos.isSibling() {
		tree, _, err := e.rootSiblingTreeID(ctx, target, pos)
		return anchor{tree: tree, cursor: 1}, err
	}

	a := anchor{tree: target.TreeID, existing: true}
	switch pos {
	case PosFirstChild, PosLastChild:
		a.level = target.Level + 1
		if pos == PosFirstChild {
			a.cursor = target.Left + 1
		} else {
			a.cursor = target.Right
		}
		id := target.ID
		a.parentID, a.parent = &id, target
	default:
		a.level = target.Level
		if pos == PosLeft {
			a.cursor = target.Left
		} else {
			a.cursor = target.Right + 1
		}
		if id, ok := target.ParentRef(); ok {
			a.parentID = &id
		}
		a.parent = target.Parent
	}
	return a, nil
}

func (e *engine) buildTreeNodes(ctx context.Context, spec *NodeSpec, target *Node, pos Position) ([]*Node, error) {
	if spec == nil {
		return nil, fmt.Errorf("mptt: nil tree description")
	}
	a, err := e.anchorFor(ctx, target, pos)
	if err != nil {
		return nil, err
	}

	nodes := make([]*Node, 0, spec.Size())
	cursor := a.cursor
	var visit func(s *NodeSpec, level int64) *Node
	visit = func(s *NodeSpec, level int64) *Node {
		n := &Node{ID: s.ID, Fields: s.Fields, Left: cursor, Level: level, TreeID: a.tree}
		nodes = append(nodes, n)
		cursor++
		for _, cs := range s.Children {
			c := visit(cs, level+1)
			linkParent(c, n)
		}
		n.Right = cursor
		cursor++
		return n
	}
	top := visit(spec, a.level)
	top.setParent(a.parentID, a.parent)

	if a.existing {
		width := int64(2 * len(nodes))
		if err := e.createSpace(ctx, width, a.cursor-1, a.tree); err != nil {
			return nil, err
		}
		if a.parent != nil {
			if err := propagateRight(a.parent, width); err != nil {
				return nil, err
			}
		}
	}
	return nodes, nil
}

func (e *engine) insertTree(ctx context.Context, spec *NodeSpec, target *Node, pos Position) ([]*Node, error) {
	nodes, err := e.buildTreeNodes(ctx, spec, target, pos)
	if err != nil {
		return nil, err
	}
	if err := e.store.BulkCreate(ctx, nodes); err != nil {
		return nil, fmt.Errorf("create %d nodes: %w", len(nodes), err)
	}
	e.track(nodes[0].TreeID)
	if target != nil && !e.deferred() {
		if err := e.refresh(ctx, target); err != nil {
			return nil, err
		}
	}
	return nodes, nil
}
