package mptt_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/nestedset/pkg/mptt"
)

// scramble zeroes the tree columns so only parent pointers remain
func (f *fixture) scramble(where mptt.Predicate) {
	f.t.Helper()
	_, err := f.store.ExecuteRangedUpdate(f.ctx, mptt.RangedUpdate{
		Set: []mptt.Assignment{
			{Field: mptt.FieldLeft, Else: &mptt.Expr{Delta: 0}},
			{Field: mptt.FieldRight, Else: &mptt.Expr{Delta: 0}},
			{Field: mptt.FieldLevel, Else: &mptt.Expr{Delta: 0}},
		},
		Where: where,
	})
	require.NoError(f.t, err)
}

func TestRebuildIsIdempotent(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		a, b, c, _ := f.sampleTree()
		r := f.root("R")
		f.insert("S", r, mptt.PosFirstChild)
		require.NoError(t, f.m.MoveNode(f.ctx, b, c, mptt.PosFirstChild))
		require.NoError(t, f.m.MoveNode(f.ctx, r, a, mptt.PosLeft))
		before := f.snapshot()

		require.NoError(t, f.m.Rebuild(f.ctx))
		first := f.snapshot()
		require.Equal(t, before, first, "a consistent forest is unchanged by rebuild")

		require.NoError(t, f.m.Rebuild(f.ctx))
		require.Equal(t, first, f.snapshot())
		f.requireConsistent()
	})
}

func TestRebuildRenumbersTreesFromOne(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		_, b, _, _ := f.sampleTree()
		r := f.root("R")
		f.root("Z")
		require.NoError(t, f.m.MoveNode(f.ctx, r, b, mptt.PosLastChild))
		require.Equal(t, mptt.TreeID(3), f.at("Z").Tree)

		require.NoError(t, f.m.Rebuild(f.ctx))
		require.Equal(t, mptt.TreeID(2), f.at("Z").Tree)
		f.requireConsistent()
	})
}

func TestRebuildMatchesBuilder(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		spec := &mptt.NodeSpec{Fields: map[string]any{"name": "R"}, Children: []*mptt.NodeSpec{
			{Fields: map[string]any{"name": "X"}, Children: []*mptt.NodeSpec{
				{Fields: map[string]any{"name": "X1"}},
				{Fields: map[string]any{"name": "X2"}, Children: []*mptt.NodeSpec{
					{Fields: map[string]any{"name": "X21"}},
				}},
			}},
			{Fields: map[string]any{"name": "Y"}},
			{Fields: map[string]any{"name": "Z"}, Children: []*mptt.NodeSpec{
				{Fields: map[string]any{"name": "Z1"}},
			}},
		}}
		_, err := f.m.InsertTree(f.ctx, spec, nil, mptt.PosLastChild)
		require.NoError(t, err)
		built := f.snapshot()

		f.scramble(mptt.Predicate{})
		require.NoError(t, f.m.Rebuild(f.ctx))
		require.Equal(t, built, f.snapshot())
	})
}

func TestRebuildInBatches(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		f.sampleTree()
		f.root("R")
		want := f.snapshot()

		f.scramble(mptt.Predicate{})
		require.NoError(t, f.m.Rebuild(f.ctx))
		require.Equal(t, want, f.snapshot())
	}, mptt.WithBatchSize(2))
}

func TestRebuildOrdersSiblingsByKey(t *testing.T) {
	schema := func() *mptt.Schema {
		s := newSchema()
		s.OrderInsertionBy = []mptt.Order{{Field: "name"}}
		return s
	}
	eachStore(t, schema, func(t *testing.T, f *fixture) {
		b := f.root("b")
		f.insert("b2", b, mptt.PosLastChild)
		f.insert("b1", b, mptt.PosLastChild)
		f.root("a")

		require.NoError(t, f.m.Rebuild(f.ctx))
		require.Equal(t, map[string]placed{
			"a":  {Tree: 1, Left: 1, Right: 2},
			"b":  {Tree: 2, Left: 1, Right: 6},
			"b1": {Tree: 2, Left: 2, Right: 3, Level: 1, Parent: "b"},
			"b2": {Tree: 2, Left: 4, Right: 5, Level: 1, Parent: "b"},
		}, f.snapshot())
	})
}

func TestPartialRebuild(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		f.sampleTree()
		r := f.root("R")
		f.insert("S", r, mptt.PosLastChild)
		want := f.snapshot()

		f.scramble(mptt.Where(mptt.Eq(mptt.FieldTreeID, 1)))
		require.NoError(t, f.m.PartialRebuild(f.ctx, 1))
		require.Equal(t, want, f.snapshot())

		require.NoError(t, f.m.PartialRebuild(f.ctx, 42), "unknown tree is a no-op")
		require.Equal(t, want, f.snapshot())
	})
}

func TestPartialRebuildCorruptTree(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		f.root("A")
		b := f.root("B")
		_, err := f.store.ExecuteRangedUpdate(f.ctx, mptt.RangedUpdate{
			Set:   []mptt.Assignment{{Field: mptt.FieldTreeID, Else: &mptt.Expr{Delta: 1}}},
			Where: mptt.Where(mptt.Eq(mptt.FieldID, int64(b.ID))),
		})
		require.NoError(t, err)

		err = f.m.PartialRebuild(f.ctx, 1)
		require.ErrorIs(t, err, mptt.ErrCorruptTree)
		var corrupt *mptt.CorruptTreeError
		require.True(t, errors.As(err, &corrupt))
		require.Equal(t, mptt.TreeID(1), corrupt.TreeID)
		require.Equal(t, int64(2), corrupt.Roots)

		require.NoError(t, f.m.Rebuild(f.ctx))
		f.requireConsistent()
	})
}

func TestRebuildKeepsUnorderedTreeIDs(t *testing.T) {
	schema := func() *mptt.Schema {
		s := newSchema()
		s.RootOrdering = false
		return s
	}
	next := mptt.TreeID(100)
	gen := mptt.WithTreeIDGenerator(func() (mptt.TreeID, error) {
		next += 100
		return next, nil
	})
	eachStore(t, schema, func(t *testing.T, f *fixture) {
		a := f.root("A")
		f.insert("B", a, mptt.PosLastChild)
		f.root("C")
		want := f.snapshot()

		f.scramble(mptt.Predicate{})
		require.NoError(t, f.m.Rebuild(f.ctx))
		require.Equal(t, want, f.snapshot())
	}, gen)
}

func TestRebuildFilteredFromBase(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		f.sampleTree()
		r := f.root("R")
		f.insert("S", r, mptt.PosFirstChild)
		f.root("Z")
		first := f.snapshot()

		rest := mptt.Where(mptt.Gte(mptt.FieldTreeID, 2))
		f.scramble(rest)
		require.NoError(t, f.m.Rebuild(f.ctx, mptt.RebuildWhere(rest), mptt.RebuildBase(5)))

		snap := f.snapshot()
		require.Equal(t, placed{Tree: 5, Left: 1, Right: 4}, snap["R"])
		require.Equal(t, placed{Tree: 5, Left: 2, Right: 3, Level: 1, Parent: "R"}, snap["S"])
		require.Equal(t, placed{Tree: 6, Left: 1, Right: 2}, snap["Z"])
		for _, name := range []string{"A", "B", "C", "D"} {
			require.Equal(t, first[name], snap[name], "tree 1 is outside the filter")
		}
		f.requireConsistent()

		require.Error(t, f.m.Rebuild(f.ctx, mptt.RebuildBase(0)))
	})
}
