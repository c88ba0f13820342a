package mptt_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/nestedset/pkg/mptt"
)

func TestDelayUpdatesRebuildsTouchedTrees(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		r := f.root("R")
		other := f.root("O")
		f.insert("O1", other, mptt.PosLastChild)
		untouched := f.snapshot()

		err := f.m.DelayUpdates(f.ctx, func(s *mptt.Scope) error {
			require.True(t, s.Tracking())
			c1 := named("c1")
			if err := s.InsertNode(f.ctx, c1, r, mptt.PosLastChild); err != nil {
				return err
			}
			if err := s.InsertNode(f.ctx, named("c2"), r, mptt.PosLastChild); err != nil {
				return err
			}
			if err := s.InsertNode(f.ctx, named("g"), c1, mptt.PosLastChild); err != nil {
				return err
			}
			require.Equal(t, []mptt.TreeID{1}, s.Trees())
			return nil
		})
		require.NoError(t, err)

		snap := f.snapshot()
		require.Equal(t, placed{Tree: 1, Left: 1, Right: 8}, snap["R"])
		require.Equal(t, placed{Tree: 1, Left: 2, Right: 5, Level: 1, Parent: "R"}, snap["c1"])
		require.Equal(t, placed{Tree: 1, Left: 3, Right: 4, Level: 2, Parent: "c1"}, snap["g"])
		require.Equal(t, placed{Tree: 1, Left: 6, Right: 7, Level: 1, Parent: "R"}, snap["c2"])
		require.Equal(t, untouched["O"], snap["O"])
		require.Equal(t, untouched["O1"], snap["O1"])
		f.requireConsistent()
	})
}

func TestDelayedMoveAcrossTrees(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		a := f.root("A")
		b := f.insert("B", a, mptt.PosLastChild)
		f.insert("C", b, mptt.PosLastChild)
		d := f.root("D")

		err := f.m.DelayUpdates(f.ctx, func(s *mptt.Scope) error {
			if err := s.MoveNode(f.ctx, b, d, mptt.PosLastChild); err != nil {
				return err
			}
			require.Equal(t, []mptt.TreeID{1, 2}, s.Trees())
			return nil
		})
		require.NoError(t, err)

		require.Equal(t, map[string]placed{
			"A": {Tree: 1, Left: 1, Right: 2},
			"D": {Tree: 2, Left: 1, Right: 6},
			"B": {Tree: 2, Left: 2, Right: 5, Level: 1, Parent: "D"},
			"C": {Tree: 2, Left: 3, Right: 4, Level: 2, Parent: "B"},
		}, f.snapshot())
		f.requireConsistent()
	})
}

func TestDelayedRootSiblingInsertTracksShiftedTrees(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		r1 := f.root("R1")
		r2 := f.root("R2")

		err := f.m.DelayUpdates(f.ctx, func(s *mptt.Scope) error {
			if err := s.InsertNode(f.ctx, named("x"), r2, mptt.PosLastChild); err != nil {
				return err
			}
			if err := s.InsertNode(f.ctx, named("N"), r1, mptt.PosRight); err != nil {
				return err
			}
			require.Equal(t, []mptt.TreeID{2, 3}, s.Trees())
			return nil
		})
		require.NoError(t, err)

		snap := f.snapshot()
		require.Equal(t, mptt.TreeID(2), snap["N"].Tree)
		require.Equal(t, placed{Tree: 3, Left: 1, Right: 4}, snap["R2"])
		require.Equal(t, placed{Tree: 3, Left: 2, Right: 3, Level: 1, Parent: "R2"}, snap["x"])
		f.requireConsistent()
	})
}

func TestDelayUpdatesDiscardsOnError(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		r := f.root("R")
		boom := errors.New("boom")

		err := f.m.DelayUpdates(f.ctx, func(s *mptt.Scope) error {
			if err := s.InsertNode(f.ctx, named("c"), r, mptt.PosLastChild); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		violations, err := f.m.Check(f.ctx)
		require.NoError(t, err)
		require.NotEmpty(t, violations, "no rebuild ran")

		require.NoError(t, f.m.Rebuild(f.ctx))
		f.requireConsistent()
	})
}

func TestDelayUpdatesDiscardsOnPanic(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		r := f.root("R")
		var leaked *mptt.Scope

		require.Panics(t, func() {
			_ = f.m.DelayUpdates(f.ctx, func(s *mptt.Scope) error {
				leaked = s
				if err := s.InsertNode(f.ctx, named("c"), r, mptt.PosLastChild); err != nil {
					return err
				}
				panic("boom")
			})
		})
		require.NotNil(t, leaked)
		require.ErrorIs(t, leaked.InsertNode(f.ctx, named("late"), r, mptt.PosLastChild), mptt.ErrScopeClosed)

		violations, err := f.m.Check(f.ctx)
		require.NoError(t, err)
		require.NotEmpty(t, violations)
	})
}

func TestDisableUpdatesThenRebuild(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		a, b, _, d := f.sampleTree()

		err := f.m.DisableUpdates(f.ctx, func(s *mptt.Scope) error {
			require.False(t, s.Tracking())
			if err := s.InsertNode(f.ctx, named("E"), a, mptt.PosLastChild); err != nil {
				return err
			}
			if err := s.MoveNode(f.ctx, d, b, mptt.PosLastChild); err != nil {
				return err
			}
			return s.Disabled(f.ctx, func(inner *mptt.Scope) error {
				require.Same(t, s, inner)
				return nil
			})
		})
		require.NoError(t, err)
		require.NoError(t, f.m.Rebuild(f.ctx))

		require.Equal(t, map[string]placed{
			"A": {Tree: 1, Left: 1, Right: 10},
			"B": {Tree: 1, Left: 2, Right: 5, Level: 1, Parent: "A"},
			"D": {Tree: 1, Left: 3, Right: 4, Level: 2, Parent: "B"},
			"C": {Tree: 1, Left: 6, Right: 7, Level: 1, Parent: "A"},
			"E": {Tree: 1, Left: 8, Right: 9, Level: 1, Parent: "A"},
		}, f.snapshot())
		f.requireConsistent()
	})
}

func TestDelayedInsideDisabled(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		r := f.root("R")

		err := f.m.DisableUpdates(f.ctx, func(s *mptt.Scope) error {
			return s.Delayed(f.ctx, func(inner *mptt.Scope) error {
				require.True(t, inner.Tracking())
				require.NotSame(t, s, inner)
				if err := inner.InsertNode(f.ctx, named("c"), r, mptt.PosLastChild); err != nil {
					return err
				}
				return inner.Delayed(f.ctx, func(same *mptt.Scope) error {
					require.Same(t, inner, same)
					return nil
				})
			})
		})
		require.NoError(t, err)
		require.Equal(t, placed{Tree: 1, Left: 1, Right: 4}, f.at("R"))
		f.requireConsistent()
	})
}

func TestCantDisableUpdates(t *testing.T) {
	for name, mutate := range map[string]func(*mptt.Schema){
		"proxy":    func(s *mptt.Schema) { s.Proxy = true },
		"abstract": func(s *mptt.Schema) { s.Abstract = true },
		"borrowed": func(s *mptt.Schema) { s.TreeOwner = "base_nodes" },
	} {
		t.Run(name, func(t *testing.T) {
			schema := func() *mptt.Schema {
				s := newSchema()
				mutate(s)
				return s
			}
			eachStore(t, schema, func(t *testing.T, f *fixture) {
				called := false
				fn := func(*mptt.Scope) error {
					called = true
					return nil
				}
				require.ErrorIs(t, f.m.DisableUpdates(f.ctx, fn), mptt.ErrCantDisableUpdates)
				require.ErrorIs(t, f.m.DelayUpdates(f.ctx, fn), mptt.ErrCantDisableUpdates)
				require.False(t, called)
			})
		})
	}
}

func TestDelayedMoveRejectsStoredCycle(t *testing.T) {
	eachStore(t, nil, func(t *testing.T, f *fixture) {
		x := f.root("X")
		z := f.insert("Z", x, mptt.PosLastChild)
		y := f.root("Y")

		err := f.m.DelayUpdates(f.ctx, func(s *mptt.Scope) error {
			if err := s.MoveNode(f.ctx, x, y, mptt.PosLastChild); err != nil {
				return err
			}
			// fresh copies carry no cached parent chain and stale intervals
			freshY, err := f.m.Get(f.ctx, y.ID)
			require.NoError(t, err)
			freshZ, err := f.m.Get(f.ctx, z.ID)
			require.NoError(t, err)
			require.False(t, freshZ.IsDescendantOf(freshY))

			return s.MoveNode(f.ctx, freshY, freshZ, mptt.PosLastChild)
		})
		require.ErrorIs(t, err, mptt.ErrInvalidMove)

		err = f.m.DelayUpdates(f.ctx, func(s *mptt.Scope) error {
			return s.MoveNode(f.ctx, x, y, mptt.PosLastChild)
		})
		require.NoError(t, err)
		require.Equal(t, map[string]placed{
			"Y": {Tree: 2, Left: 1, Right: 6},
			"X": {Tree: 2, Left: 2, Right: 5, Level: 1, Parent: "Y"},
			"Z": {Tree: 2, Left: 3, Right: 4, Level: 2, Parent: "X"},
		}, f.snapshot())
		f.requireConsistent()
	})
}
