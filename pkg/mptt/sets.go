package mptt

import (
	"cmp"
	"context"
	"slices"
)

// span is a run of adjacent siblings sharing one interval
type span struct {
	tree        TreeID
	level       int64
	left, right int64
}

func byPosition(a, b *Node) int {
	if c := cmp.Compare(a.TreeID, b.TreeID); c != 0 {
		return c
	}
	return cmp.Compare(a.Left, b.Left)
}

// spans merges adjacent siblings. With dropNested, nodes inside an earlier
// span are left out.
func spans(nodes []*Node, dropNested bool) []span {
	sorted := slices.Clone(nodes)
	slices.SortFunc(sorted, byPosition)

	var out []span
	for _, n := range sorted {
		if k := len(out); k > 0 {
			last := &out[k-1]
			if last.tree == n.TreeID {
				if last.level == n.Level && last.right+1 == n.Left {
					last.right = n.Right
					continue
				}
				if dropNested && last.left <= n.Left && n.Right <= last.right {
					continue
				}
			}
		}
		out = append(out, span{tree: n.TreeID, level: n.Level, left: n.Left, right: n.Right})
	}
	return out
}

// DescendantsOf returns the union of the subtrees of nodes in tree and
// left order. Adjacent siblings are read with one range query.
func (m *Manager) DescendantsOf(ctx context.Context, nodes []*Node, includeSelf bool) ([]*Node, error) {
	var out []*Node
	for _, s := range spans(nodes, true) {
		where := Where(Eq(FieldTreeID, int64(s.tree)))
		if includeSelf {
			where = where.And(Between(FieldLeft, s.left, s.right)...)
		} else {
			where = where.And(Gt(FieldLeft, s.left), Lt(FieldLeft, s.right))
		}
		found, err := m.store.QueryFilter(ctx, Query{Where: where})
		if err != nil {
			return nil, err
		}
		if !includeSelf {
			found = slices.DeleteFunc(found, func(n *Node) bool {
				return n.Level == s.level
			})
		}
		out = append(out, found...)
	}
	return out, nil
}

// AncestorsOf returns the union of the ancestors of nodes in tree and left
// order. Adjacent siblings share their ancestors and are read once.
func (m *Manager) AncestorsOf(ctx context.Context, nodes []*Node, includeSelf bool) ([]*Node, error) {
	seen := make(map[NodeID]struct{})
	var out []*Node
	add := func(n *Node) {
		if _, dup := seen[n.ID]; !dup {
			seen[n.ID] = struct{}{}
			out = append(out, n)
		}
	}
	for _, s := range spans(nodes, false) {
		found, err := m.store.QueryFilter(ctx, Query{
			Where: Where(Eq(FieldTreeID, int64(s.tree)), Lt(FieldLeft, s.left), Gt(FieldRight, s.right)),
		})
		if err != nil {
			return nil, err
		}
		if includeSelf {
			self, err := m.store.QueryFilter(ctx, Query{
				Where: Where(Eq(FieldTreeID, int64(s.tree)), Eq(FieldLevel, s.level), Gte(FieldLeft, s.left), Lte(FieldRight, s.right)),
			})
			if err != nil {
				return nil, err
			}
			found = append(found, self...)
		}
		for _, n := range found {
			add(n)
		}
	}
	slices.SortFunc(out, byPosition)
	return out, nil
}
