// ABOUTME: Renumbering of left/right/level/tree_id from parent pointers
// ABOUTME: Full rebuild walks the whole forest, partial rebuild one tree

package mptt

import (
	"context"
	"fmt"
	"time"
)

var rebuildFields = []Field{FieldLeft, FieldRight, FieldLevel, FieldTreeID}

type rebuildConfig struct {
	where Predicate
	base  TreeID
}

// RebuildOption narrows a full rebuild
type RebuildOption func(*rebuildConfig)

// RebuildWhere restricts the rebuild to the nodes matching where
func RebuildWhere(where Predicate) RebuildOption {
	return func(c *rebuildConfig) { c.where = where }
}

// RebuildBase sets the tree id given to the first root under root
// ordering. The default is 1.
func RebuildBase(base TreeID) RebuildOption {
	return func(c *rebuildConfig) { c.base = base }
}

// Rebuild recomputes nodes from parent pointers. Sibling order follows the
// schema's OrderInsertionBy, then the stored order. Without options every
// node is rebuilt and roots are numbered from 1.
func (m *Manager) Rebuild(ctx context.Context, opts ...RebuildOption) (err error) {
	defer m.observe("rebuild", time.Now(), &err)

	cfg := rebuildConfig{base: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.base < 1 {
		return fmt.Errorf("rebuild base %d must be positive", cfg.base)
	}

	order := m.schema.OrderInsertionBy
	roots, err := m.store.QueryFilter(ctx, Query{Where: cfg.where.And(IsNull(FieldParent)), OrderBy: order})
	if err != nil {
		return fmt.Errorf("load roots: %w", err)
	}
	children, err := m.store.QueryFilter(ctx, Query{Where: cfg.where.And(NotNull(FieldParent)), OrderBy: order})
	if err != nil {
		return fmt.Errorf("load children: %w", err)
	}
	byParent := make(map[NodeID][]*Node)
	for _, c := range children {
		pid, _ := c.ParentRef()
		byParent[pid] = append(byParent[pid], c)
	}

	r := m.newRebuilder()
	seen := make(map[TreeID]struct{}, len(roots))
	for i, root := range roots {
		tree, err := m.rebuiltTreeID(root, cfg.base+TreeID(i), seen)
		if err != nil {
			return err
		}
		if err := r.walk(ctx, root, tree, byParent); err != nil {
			return err
		}
	}
	if err := r.flush(ctx); err != nil {
		return err
	}
	m.log.Info().Int("roots", len(roots)).Int("nodes", r.total).Msg("rebuilt forest")
	if m.obs != nil {
		m.obs.ObserveRebuiltNodes("rebuild", r.total)
	}
	return nil
}

// rebuiltTreeID returns next under root ordering. Otherwise a root keeps
// its key unless an earlier root already took it.
func (m *Manager) rebuiltTreeID(root *Node, next TreeID, seen map[TreeID]struct{}) (TreeID, error) {
	if m.schema.RootOrdering {
		return next, nil
	}
	tree := root.TreeID
	if _, dup := seen[tree]; dup || tree == 0 {
		var err error
		if tree, err = m.newTreeID(); err != nil {
			return 0, err
		}
	}
	seen[tree] = struct{}{}
	return tree, nil
}

// PartialRebuild renumbers the tree rooted in tree. Zero roots is a
// no-op, more than one root is a CorruptTreeError.
func (m *Manager) PartialRebuild(ctx context.Context, tree TreeID) (err error) {
	defer m.observe("partial_rebuild", time.Now(), &err)

	roots, err := m.store.Count(ctx, Where(Eq(FieldTreeID, int64(tree)), IsNull(FieldParent)))
	if err != nil {
		return fmt.Errorf("count roots of tree %d: %w", tree, err)
	}
	switch {
	case roots == 0:
		return nil
	case roots > 1:
		return &CorruptTreeError{TreeID: tree, Roots: roots}
	}

	root, err := m.RootNode(ctx, tree)
	if err != nil {
		return err
	}
	byParent, err := m.loadSubtree(ctx, root)
	if err != nil {
		return err
	}
	r := m.newRebuilder()
	if err := r.walk(ctx, root, tree, byParent); err != nil {
		return err
	}
	if err := r.flush(ctx); err != nil {
		return err
	}
	m.log.Debug().Int64("tree_id", int64(tree)).Int("nodes", r.total).Msg("rebuilt tree")
	if m.obs != nil {
		m.obs.ObserveRebuiltNodes("partial_rebuild", r.total)
	}
	return nil
}

// loadSubtree follows parent pointers level by level from root. Stale
// tree ids below the root do not matter.
func (m *Manager) loadSubtree(ctx context.Context, root *Node) (map[NodeID][]*Node, error) {
	byParent := make(map[NodeID][]*Node)
	visited := map[NodeID]struct{}{root.ID: {}}
	frontier := []int64{int64(root.ID)}
	for len(frontier) > 0 {
		var next []int64
		for start := 0; start < len(frontier); start += m.batchSize {
			end := min(start+m.batchSize, len(frontier))
			kids, err := m.store.QueryFilter(ctx, Query{
				Where:   Where(In(FieldParent, frontier[start:end]...)),
				OrderBy: m.schema.OrderInsertionBy,
			})
			if err != nil {
				return nil, fmt.Errorf("load children of tree %d: %w", root.TreeID, err)
			}
			for _, k := range kids {
				if _, ok := visited[k.ID]; ok {
					continue
				}
				visited[k.ID] = struct{}{}
				pid, _ := k.ParentRef()
				byParent[pid] = append(byParent[pid], k)
				next = append(next, int64(k.ID))
			}
		}
		frontier = next
	}
	return byParent, nil
}

// rebuilder assigns pre-order values and writes them in batches
type rebuilder struct {
	m       *Manager
	pending []*Node
	total   int
}

func (m *Manager) newRebuilder() *rebuilder {
	return &rebuilder{m: m, pending: make([]*Node, 0, m.batchSize)}
}

func (r *rebuilder) walk(ctx context.Context, root *Node, tree TreeID, byParent map[NodeID][]*Node) error {
	cursor := int64(1)
	var visit func(n *Node, level int64) error
	visit = func(n *Node, level int64) error {
		n.Left = cursor
		n.Level = level
		n.TreeID = tree
		cursor++
		for _, c := range byParent[n.ID] {
			if err := visit(c, level+1); err != nil {
				return err
			}
		}
		n.Right = cursor
		cursor++
		return r.add(ctx, n)
	}
	return visit(root, 0)
}

func (r *rebuilder) add(ctx context.Context, n *Node) error {
	r.pending = append(r.pending, n)
	if len(r.pending) >= r.m.batchSize {
		return r.flush(ctx)
	}
	return nil
}

func (r *rebuilder) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	if err := r.m.store.BulkUpdate(ctx, r.pending, rebuildFields); err != nil {
		return fmt.Errorf("write rebuilt nodes: %w", err)
	}
	r.total += len(r.pending)
	r.pending = r.pending[:0]
	return nil
}
