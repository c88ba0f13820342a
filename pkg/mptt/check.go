package mptt

import (
	"context"
	"fmt"
	"slices"
)

// Violation is one broken nested-set invariant
type Violation struct {
	TreeID TreeID
	NodeID NodeID
	Reason string
}

func (v Violation) String() string {
	if v.NodeID == 0 {
		return fmt.Sprintf("tree %d: %s", v.TreeID, v.Reason)
	}
	return fmt.Sprintf("tree %d node %d: %s", v.TreeID, v.NodeID, v.Reason)
}

// Check verifies the stored encoding of the given trees, or of every
// tree when none are given
func (m *Manager) Check(ctx context.Context, trees ...TreeID) ([]Violation, error) {
	q := Query{}
	if len(trees) > 0 {
		ids := make([]int64, len(trees))
		for i, t := range trees {
			ids[i] = int64(t)
		}
		q.Where = Where(In(FieldTreeID, ids...))
	}
	nodes, err := m.store.QueryFilter(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}

	byID := make(map[NodeID]*Node, len(nodes))
	byTree := make(map[TreeID][]*Node)
	for _, n := range nodes {
		byID[n.ID] = n
		byTree[n.TreeID] = append(byTree[n.TreeID], n)
	}

	var out []Violation
	tids := make([]TreeID, 0, len(byTree))
	for t := range byTree {
		tids = append(tids, t)
	}
	slices.Sort(tids)
	for _, t := range tids {
		out = append(out, checkTree(t, byTree[t], byID)...)
	}
	return out, nil
}

func checkTree(tree TreeID, nodes []*Node, byID map[NodeID]*Node) []Violation {
	var out []Violation
	add := func(id NodeID, format string, args ...any) {
		out = append(out, Violation{TreeID: tree, NodeID: id, Reason: fmt.Sprintf(format, args...)})
	}

	roots := 0
	values := make(map[int64]NodeID, 2*len(nodes))
	size := make(map[NodeID]int64, len(nodes))
	for _, n := range nodes {
		size[n.ID]++
	}
	for _, n := range nodes {
		if n.IsRoot() {
			roots++
			if n.Level != 0 {
				add(n.ID, "root has level %d", n.Level)
			}
		} else {
			pid, _ := n.ParentRef()
			p, ok := byID[pid]
			switch {
			case !ok:
				add(n.ID, "parent %d is not in the tree", pid)
			case p.TreeID != tree:
				add(n.ID, "parent %d is in tree %d", pid, p.TreeID)
			default:
				if n.Level != p.Level+1 {
					add(n.ID, "level %d under parent level %d", n.Level, p.Level)
				}
				if !(p.Left < n.Left && n.Right < p.Right) {
					add(n.ID, "interval (%d,%d) outside parent (%d,%d)", n.Left, n.Right, p.Left, p.Right)
				}
			}
		}
		if n.Left >= n.Right || (n.Right-n.Left)%2 == 0 {
			add(n.ID, "malformed interval (%d,%d)", n.Left, n.Right)
		}
		for _, v := range []int64{n.Left, n.Right} {
			if other, dup := values[v]; dup {
				add(n.ID, "value %d also used by node %d", v, other)
			}
			values[v] = n.ID
		}
	}
	if roots != 1 {
		add(0, "%d root nodes", roots)
	}

	total := int64(len(nodes))
	for v := int64(1); v <= 2*total; v++ {
		if _, ok := values[v]; !ok {
			add(0, "value %d is unused, expected [1,%d]", v, 2*total)
			break
		}
	}

	// subtree sizes from parent pointers must match the interval widths
	for _, n := range nodes {
		seen := map[NodeID]struct{}{n.ID: {}}
		for p := parentIn(n, byID, tree); p != nil; p = parentIn(p, byID, tree) {
			if _, loop := seen[p.ID]; loop {
				add(n.ID, "parent cycle through node %d", p.ID)
				break
			}
			seen[p.ID] = struct{}{}
			size[p.ID]++
		}
	}
	for _, n := range nodes {
		if want := 2*(size[n.ID]-1) + 1; n.Right-n.Left != want {
			add(n.ID, "width %d does not match %d descendants", n.Right-n.Left, size[n.ID]-1)
		}
	}
	return out
}

func parentIn(n *Node, byID map[NodeID]*Node, tree TreeID) *Node {
	pid, ok := n.ParentRef()
	if !ok {
		return nil
	}
	p, ok := byID[pid]
	if !ok || p.TreeID != tree {
		return nil
	}
	return p
}
