// ABOUTME: In-memory nested-set store backed by an ordered (tree_id, left) index
// ABOUTME: Evaluates ranged updates against pre-update rows like a SQL engine

package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/btree"

	"github.com/nainya/nestedset/pkg/mptt"
)

// row is one stored node
type row struct {
	id        int64
	parent    int64
	hasParent bool
	left      int64
	right     int64
	level     int64
	tree      int64
	fields    map[string]any
}

func (r *row) get(f mptt.Field) (int64, bool) {
	switch f {
	case mptt.FieldID:
		return r.id, true
	case mptt.FieldParent:
		return r.parent, r.hasParent
	case mptt.FieldLeft:
		return r.left, true
	case mptt.FieldRight:
		return r.right, true
	case mptt.FieldLevel:
		return r.level, true
	case mptt.FieldTreeID:
		return r.tree, true
	}
	return toInt64(r.fields[string(f)])
}

func (r *row) set(f mptt.Field, v int64) {
	switch f {
	case mptt.FieldLeft:
		r.left = v
	case mptt.FieldRight:
		r.right = v
	case mptt.FieldLevel:
		r.level = v
	case mptt.FieldTreeID:
		r.tree = v
	}
}

func (r *row) node() *mptt.Node {
	n := &mptt.Node{
		ID:     mptt.NodeID(r.id),
		Left:   r.left,
		Right:  r.right,
		Level:  r.level,
		TreeID: mptt.TreeID(r.tree),
	}
	if r.hasParent {
		pid := mptt.NodeID(r.parent)
		n.ParentID = &pid
	}
	if r.fields != nil {
		n.Fields = maps.Clone(r.fields)
	}
	return n
}

func rowLess(a, b *row) bool {
	if a.tree != b.tree {
		return a.tree < b.tree
	}
	if a.left != b.left {
		return a.left < b.left
	}
	return a.id < b.id
}

// Store keeps nodes and related rows in memory. It is safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	schema  *mptt.Schema
	rows    map[int64]*row
	index   *btree.BTreeG[*row]
	lastID  int64
	related map[string][]map[string]any
}

var _ mptt.Store = (*Store)(nil)

// New creates an empty store for schema
func New(schema *mptt.Schema) *Store {
	return &Store{
		schema:  schema,
		rows:    make(map[int64]*row),
		index:   btree.NewG(16, rowLess),
		related: make(map[string][]map[string]any),
	}
}

// Len returns the number of stored nodes
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// AddRelated stores a row of a related table for AggregateCount
func (s *Store) AddRelated(table string, values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.related[table] = append(s.related[table], maps.Clone(values))
}

func (s *Store) ReadAttributes(ctx context.Context, id mptt.NodeID) (mptt.Attributes, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[int64(id)]
	if !ok {
		return mptt.Attributes{}, fmt.Errorf("%w: %d", mptt.ErrNodeNotFound, id)
	}
	return r.node().Attributes(), nil
}

func (s *Store) ExecuteRangedUpdate(ctx context.Context, u mptt.RangedUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type change struct {
		r      *row
		values map[mptt.Field]int64
	}
	var changes []change
	s.scan(u.Where, func(r *row) {
		c := change{r: r, values: make(map[mptt.Field]int64, len(u.Set))}
		for _, a := range u.Set {
			if v, ok := a.Eval(r.get); ok {
				c.values[a.Field] = v
			}
		}
		changes = append(changes, c)
	})
	for _, c := range changes {
		s.index.Delete(c.r)
		for f, v := range c.values {
			c.r.set(f, v)
		}
		s.index.ReplaceOrInsert(c.r)
	}
	return int64(len(changes)), nil
}

func (s *Store) BulkCreate(ctx context.Context, nodes []*mptt.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		id := int64(n.ID)
		if id == 0 {
			s.lastID++
			id = s.lastID
		} else if _, exists := s.rows[id]; exists {
			return fmt.Errorf("%w: %d", mptt.ErrNodeExists, id)
		}
		s.lastID = max(s.lastID, id)
		n.ID = mptt.NodeID(id)

		r := &row{id: id, left: n.Left, right: n.Right, level: n.Level, tree: int64(n.TreeID)}
		if pid, ok := n.ParentRef(); ok {
			r.parent, r.hasParent = int64(pid), true
			n.ParentID = &pid
		}
		if n.Fields != nil {
			r.fields = make(map[string]any, len(s.schema.Extra))
			for _, k := range s.schema.Extra {
				if v, ok := n.Fields[k]; ok {
					r.fields[k] = v
				}
			}
		}
		s.rows[id] = r
		s.index.ReplaceOrInsert(r)
	}
	return nil
}

func (s *Store) BulkUpdate(ctx context.Context, nodes []*mptt.Node, fields []mptt.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range nodes {
		r, ok := s.rows[int64(n.ID)]
		if !ok {
			return fmt.Errorf("%w: %d", mptt.ErrNodeNotFound, n.ID)
		}
		s.index.Delete(r)
		for _, f := range fields {
			switch f {
			case mptt.FieldID:
			case mptt.FieldParent:
				pid, ok := n.ParentRef()
				r.parent, r.hasParent = int64(pid), ok
			case mptt.FieldLeft:
				r.left = n.Left
			case mptt.FieldRight:
				r.right = n.Right
			case mptt.FieldLevel:
				r.level = n.Level
			case mptt.FieldTreeID:
				r.tree = int64(n.TreeID)
			default:
				if r.fields == nil {
					r.fields = make(map[string]any)
				}
				r.fields[string(f)] = n.Fields[string(f)]
			}
		}
		s.index.ReplaceOrInsert(r)
	}
	return nil
}

func (s *Store) QueryFilter(ctx context.Context, q mptt.Query) ([]*mptt.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*row
	s.scan(q.Where, func(r *row) { rows = append(rows, r) })
	if len(q.OrderBy) > 0 {
		slices.SortStableFunc(rows, func(a, b *row) int {
			for _, o := range q.OrderBy {
				c := compareField(a, b, o.Field)
				if o.Desc {
					c = -c
				}
				if c != 0 {
					return c
				}
			}
			return 0
		})
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]*mptt.Node, len(rows))
	for i, r := range rows {
		out[i] = r.node()
	}
	return out, nil
}

func (s *Store) NextTreeID(ctx context.Context) (mptt.TreeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.index.Max()
	if !ok {
		return 1, nil
	}
	return mptt.TreeID(last.tree + 1), nil
}

func (s *Store) Count(ctx context.Context, where mptt.Predicate) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	s.scan(where, func(*row) { n++ })
	return n, nil
}

func (s *Store) AggregateCount(ctx context.Context, q mptt.RelatedQuery) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	targets := map[int64]struct{}{int64(q.Node): {}}
	if q.Cumulative {
		targets = make(map[int64]struct{})
		where := mptt.Where(mptt.Eq(mptt.FieldTreeID, int64(q.TreeID))).And(mptt.Between(mptt.FieldLeft, q.Left, q.Right)...)
		s.scan(where, func(r *row) { targets[r.id] = struct{}{} })
	}

	var n int64
	for _, rel := range s.related[q.Table] {
		v, ok := toInt64(rel[q.Column])
		if !ok {
			continue
		}
		if _, hit := targets[v]; !hit {
			continue
		}
		if matchFilters(rel, q.Filters) {
			n++
		}
	}
	return n, nil
}

// scan visits matching rows in (tree_id, left, id) order. A tree_id
// equality narrows the walk to one index range.
func (s *Store) scan(where mptt.Predicate, fn func(*row)) {
	visit := func(r *row) bool {
		if where.Eval(r.get) {
			fn(r)
		}
		return true
	}
	for _, c := range where.All {
		if c.Field == mptt.FieldTreeID && c.Op == mptt.OpEq {
			tree := c.Value
			lo := &row{tree: tree, left: minInt64, id: minInt64}
			s.index.AscendGreaterOrEqual(lo, func(r *row) bool {
				if r.tree != tree {
					return false
				}
				return visit(r)
			})
			return
		}
	}
	s.index.Ascend(visit)
}

const minInt64 = -1 << 63

func compareField(a, b *row, f mptt.Field) int {
	if f.IsTreeRole() {
		av, aok := a.get(f)
		bv, bok := b.get(f)
		if aok != bok {
			// NULLs first
			if !aok {
				return -1
			}
			return 1
		}
		return cmp.Compare(av, bv)
	}
	return compareAny(a.fields[string(f)], b.fields[string(f)])
}

func compareAny(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		}
		return 1
	}
	if av, ok := toInt64(a); ok {
		if bv, ok := toInt64(b); ok {
			return cmp.Compare(av, bv)
		}
	}
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return cmp.Compare(af, bf)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func matchFilters(rel map[string]any, filters map[string]any) bool {
	for k, want := range filters {
		if compareAny(rel[k], want) != 0 {
			return false
		}
	}
	return true
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint32:
		return int64(x), true
	case mptt.NodeID:
		return int64(x), true
	case mptt.TreeID:
		return int64(x), true
	}
	return 0, false
}
