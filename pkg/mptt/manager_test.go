package mptt_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nainya/nestedset/pkg/memstore"
	"github.com/nainya/nestedset/pkg/mptt"
)

func names(nodes []*mptt.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = nameOf(n)
	}
	return out
}

func TestReadHelpers(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		a, b, c, d := f.sampleTree()
		r := f.root("R")

		got, err := f.m.Get(f.ctx, c.ID)
		require.NoError(t, err)
		require.Equal(t, "C", nameOf(got))

		_, err = f.m.Get(f.ctx, 999)
		require.ErrorIs(t, err, mptt.ErrNodeNotFound)

		root, err := f.m.RootNode(f.ctx, 1)
		require.NoError(t, err)
		require.Equal(t, a.ID, root.ID)

		roots, err := f.m.RootNodes(f.ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "R"}, names(roots))

		kids, err := f.m.Children(f.ctx, a)
		require.NoError(t, err)
		require.Equal(t, []string{"B", "C"}, names(kids))

		desc, err := f.m.Descendants(f.ctx, a, false)
		require.NoError(t, err)
		require.Equal(t, []string{"B", "C", "D"}, names(desc))
		require.Equal(t, int64(len(desc)), a.DescendantCount())

		desc, err = f.m.Descendants(f.ctx, c, true)
		require.NoError(t, err)
		require.Equal(t, []string{"C", "D"}, names(desc))

		anc, err := f.m.Ancestors(f.ctx, d, false)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "C"}, names(anc))

		anc, err = f.m.Ancestors(f.ctx, b, true)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "B"}, names(anc))

		prev, err := f.m.PreviousRoot(f.ctx, r.TreeID)
		require.NoError(t, err)
		require.Equal(t, a.ID, prev.ID)
		next, err := f.m.NextRoot(f.ctx, r.TreeID)
		require.NoError(t, err)
		require.Nil(t, next)
	})
}

func TestRelatedCount(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		a, b, c, d := f.sampleTree()
		f.addRelated("items", b, "x")
		f.addRelated("items", b, "y")
		f.addRelated("items", d, "x")
		f.addRelated("items", a, "x")

		rel := mptt.Related{Table: "items", Column: "node_id"}
		nodes := []*mptt.Node{a, b, c, d}

		direct, err := f.m.RelatedCount(f.ctx, nodes, rel, false)
		require.NoError(t, err)
		require.Equal(t, map[mptt.NodeID]int64{a.ID: 1, b.ID: 2, c.ID: 0, d.ID: 1}, direct)

		cumulative, err := f.m.RelatedCount(f.ctx, nodes, rel, true)
		require.NoError(t, err)
		require.Equal(t, map[mptt.NodeID]int64{a.ID: 4, b.ID: 2, c.ID: 1, d.ID: 1}, cumulative)

		rel.Filters = map[string]any{"kind": "x"}
		filtered, err := f.m.RelatedCount(f.ctx, nodes, rel, true)
		require.NoError(t, err)
		require.Equal(t, map[mptt.NodeID]int64{a.ID: 3, b.ID: 1, c.ID: 1, d.ID: 1}, filtered)

		_, err = f.m.RelatedCount(f.ctx, nodes, mptt.Related{Table: "items; drop", Column: "node_id"}, false)
		require.Error(t, err)
	})
}

func TestCheckReportsCorruption(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		_, _, c, _ := f.sampleTree()
		f.requireConsistent()

		_, err := f.store.ExecuteRangedUpdate(f.ctx, mptt.RangedUpdate{
			Set:   []mptt.Assignment{{Field: mptt.FieldRight, Else: &mptt.Expr{Field: mptt.FieldRight, Delta: 1}}},
			Where: mptt.Where(mptt.Eq(mptt.FieldID, int64(c.ID))),
		})
		require.NoError(t, err)

		violations, err := f.m.Check(f.ctx, 1)
		require.NoError(t, err)
		require.NotEmpty(t, violations)
		for _, v := range violations {
			require.Equal(t, mptt.TreeID(1), v.TreeID)
			require.NotEmpty(t, v.String())
		}
	})
}

func TestUnorderedRoots(t *testing.T) {
	schema := func() *mptt.Schema {
		s := newSchema()
		s.RootOrdering = false
		return s
	}
	var mu sync.Mutex
	next := mptt.TreeID(0)
	gen := mptt.WithTreeIDGenerator(func() (mptt.TreeID, error) {
		mu.Lock()
		defer mu.Unlock()
		next += 10
		return next, nil
	})
	eachStore(t, schema, func(t *testing.T, f *fixture) {
		a := f.root("A")
		b := f.root("B")
		require.NotEqual(t, a.TreeID, b.TreeID)

		before := f.snapshot()
		require.NoError(t, f.m.MoveNode(f.ctx, b, a, mptt.PosLeft))
		require.Equal(t, before, f.snapshot(), "root order is undefined, reorder is a no-op")

		c := f.insert("C", a, mptt.PosLastChild)
		require.NoError(t, f.m.MoveNode(f.ctx, c, a, mptt.PosRight))
		require.True(t, c.IsRoot())
		require.NotEqual(t, a.TreeID, c.TreeID)
		require.NotEqual(t, b.TreeID, c.TreeID)

		x := f.insert("X", b, mptt.PosLeft)
		require.NotEqual(t, b.TreeID, x.TreeID)
		f.requireConsistent()
	}, gen)
}

func TestUUIDTreeID(t *testing.T) {
	seen := make(map[mptt.TreeID]struct{})
	for i := 0; i < 100; i++ {
		id, err := mptt.UUIDTreeID()
		require.NoError(t, err)
		require.Positive(t, int64(id))
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

type recordingObserver struct {
	ops     []string
	rebuilt map[string]int
}

func (o *recordingObserver) ObserveTreeOperation(op string, d time.Duration, err error) {
	o.ops = append(o.ops, op)
}

func (o *recordingObserver) ObserveRebuiltNodes(op string, nodes int) {
	o.rebuilt[op] += nodes
}

func TestObserverSeesOperations(t *testing.T) {
	obs := &recordingObserver{rebuilt: make(map[string]int)}
	s := newSchema()
	m, err := mptt.NewManager(memstore.New(s), s, mptt.WithObserver(obs))
	require.NoError(t, err)

	f := &fixture{t: t, ctx: t.Context(), m: m, store: m.Store()}
	a := f.root("A")
	f.insert("B", a, mptt.PosLastChild)
	require.NoError(t, m.Rebuild(f.ctx))

	require.Equal(t, []string{"insert_node", "insert_node", "rebuild"}, obs.ops)
	require.Equal(t, 2, obs.rebuilt["rebuild"])
}

func TestNewManagerValidatesSchema(t *testing.T) {
	s := newSchema()
	s.Table = "nodes; drop table nodes"
	_, err := mptt.NewManager(memstore.New(s), s)
	require.Error(t, err)

	s = newSchema()
	s.Columns[mptt.FieldLeft] = "rght"
	_, err = mptt.NewManager(memstore.New(s), s)
	require.Error(t, err)

	_, err = mptt.NewManager(nil, newSchema())
	require.Error(t, err)
}

func TestSetHelpersMergeSiblings(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		a, b, c, d := f.sampleTree()
		e := f.insert("E", a, mptt.PosLastChild)
		r := f.root("R")
		s := f.insert("S", r, mptt.PosLastChild)
		f.refresh(a, b, c, d, e, r, s)

		desc, err := f.m.DescendantsOf(f.ctx, []*mptt.Node{s, c, b}, false)
		require.NoError(t, err)
		require.Equal(t, []string{"D"}, names(desc))

		desc, err = f.m.DescendantsOf(f.ctx, []*mptt.Node{b, c, r, d}, true)
		require.NoError(t, err)
		require.Equal(t, []string{"B", "C", "D", "R", "S"}, names(desc))

		anc, err := f.m.AncestorsOf(f.ctx, []*mptt.Node{d, e, s}, false)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "C", "R"}, names(anc))

		anc, err = f.m.AncestorsOf(f.ctx, []*mptt.Node{c, e}, true)
		require.NoError(t, err)
		require.Equal(t, []string{"A", "C", "E"}, names(anc))

		none, err := f.m.DescendantsOf(f.ctx, nil, true)
		require.NoError(t, err)
		require.Empty(t, none)
	})
}
