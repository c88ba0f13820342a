package mptt_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/nestedset/pkg/memstore"
	"github.com/nainya/nestedset/pkg/mptt"
	"github.com/nainya/nestedset/pkg/sqlstore"
)

// fixture is one manager over a fresh store
type fixture struct {
	t     *testing.T
	ctx   context.Context
	m     *mptt.Manager
	store mptt.Store
	mem   *memstore.Store
	db    *sql.DB
}

func newSchema() *mptt.Schema {
	return mptt.NewSchema("nodes", "name")
}

// eachStore runs fn once against the in-memory store and once against SQLite
func eachStore(t *testing.T, schema func() *mptt.Schema, fn func(t *testing.T, f *fixture), opts ...mptt.Option) {
	t.Helper()
	if schema == nil {
		schema = newSchema
	}

	t.Run("memstore", func(t *testing.T) {
		s := schema()
		mem := memstore.New(s)
		m, err := mptt.NewManager(mem, s, opts...)
		require.NoError(t, err)
		fn(t, &fixture{t: t, ctx: context.Background(), m: m, store: mem, mem: mem})
	})

	t.Run("sqlite", func(t *testing.T) {
		s := schema()
		db, err := sqlstore.Open(filepath.Join(t.TempDir(), "tree.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		require.NoError(t, sqlstore.CreateTable(context.Background(), db, s))

		store := sqlstore.New(db, s)
		m, err := mptt.NewManager(store, s, opts...)
		require.NoError(t, err)
		fn(t, &fixture{t: t, ctx: context.Background(), m: m, store: store, db: db})
	})
}

func named(name string) *mptt.Node {
	return &mptt.Node{Fields: map[string]any{"name": name}}
}

// insert stores a new node called name
func (f *fixture) insert(name string, target *mptt.Node, pos mptt.Position) *mptt.Node {
	f.t.Helper()
	n := named(name)
	require.NoError(f.t, f.m.InsertNode(f.ctx, n, target, pos))
	return n
}

func (f *fixture) root(name string) *mptt.Node {
	f.t.Helper()
	return f.insert(name, nil, mptt.PosLastChild)
}

func (f *fixture) refresh(nodes ...*mptt.Node) {
	f.t.Helper()
	for _, n := range nodes {
		require.NoError(f.t, f.m.Refresh(f.ctx, n))
	}
}

// placed is a node's stored position with the parent by name
type placed struct {
	Tree   mptt.TreeID
	Left   int64
	Right  int64
	Level  int64
	Parent string
}

func (p placed) String() string {
	return fmt.Sprintf("tree=%d (%d,%d) level=%d parent=%q", p.Tree, p.Left, p.Right, p.Level, p.Parent)
}

func (f *fixture) snapshot() map[string]placed {
	f.t.Helper()
	nodes, err := f.store.QueryFilter(f.ctx, mptt.Query{})
	require.NoError(f.t, err)
	names := make(map[mptt.NodeID]string, len(nodes))
	for _, n := range nodes {
		names[n.ID] = nameOf(n)
	}
	out := make(map[string]placed, len(nodes))
	for _, n := range nodes {
		p := placed{Tree: n.TreeID, Left: n.Left, Right: n.Right, Level: n.Level}
		if pid, ok := n.ParentRef(); ok {
			p.Parent = names[pid]
		}
		out[nameOf(n)] = p
	}
	return out
}

func (f *fixture) at(name string) placed {
	f.t.Helper()
	p, ok := f.snapshot()[name]
	require.True(f.t, ok, "node %s not stored", name)
	return p
}

func nameOf(n *mptt.Node) string {
	s, _ := n.Fields["name"].(string)
	return s
}

func (f *fixture) requireConsistent() {
	f.t.Helper()
	violations, err := f.m.Check(f.ctx)
	require.NoError(f.t, err)
	require.Empty(f.t, violations)
}

// requireDescendantsMatchParents compares interval containment against
// parent pointer walks for every pair of nodes
func (f *fixture) requireDescendantsMatchParents() {
	f.t.Helper()
	nodes, err := f.store.QueryFilter(f.ctx, mptt.Query{})
	require.NoError(f.t, err)
	byID := make(map[mptt.NodeID]*mptt.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	walkUp := func(n *mptt.Node, ancestor mptt.NodeID) bool {
		for pid, ok := n.ParentRef(); ok; pid, ok = byID[pid].ParentRef() {
			if pid == ancestor {
				return true
			}
		}
		return false
	}
	for _, a := range nodes {
		for _, b := range nodes {
			require.Equal(f.t, walkUp(a, b.ID), a.IsDescendantOf(b),
				"node %s descendant of %s", nameOf(a), nameOf(b))
		}
	}
}

// addRelated stores a row of table pointing at node
func (f *fixture) addRelated(table string, node *mptt.Node, kind string) {
	f.t.Helper()
	if f.mem != nil {
		f.mem.AddRelated(table, map[string]any{"node_id": int64(node.ID), "kind": kind})
		return
	}
	_, err := f.db.ExecContext(f.ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %q (id INTEGER PRIMARY KEY, node_id INTEGER NOT NULL, kind TEXT NOT NULL)`, table))
	require.NoError(f.t, err)
	_, err = f.db.ExecContext(f.ctx, fmt.Sprintf(`INSERT INTO %q (node_id, kind) VALUES (?, ?)`, table), int64(node.ID), kind)
	require.NoError(f.t, err)
}

// sampleTree builds A[B, C[D]] in its own tree
func (f *fixture) sampleTree() (a, b, c, d *mptt.Node) {
	f.t.Helper()
	a = f.root("A")
	b = f.insert("B", a, mptt.PosLastChild)
	c = f.insert("C", a, mptt.PosLastChild)
	d = f.insert("D", c, mptt.PosLastChild)
	f.refresh(a, b, c, d)
	return a, b, c, d
}
