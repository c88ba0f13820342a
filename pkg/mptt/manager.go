// ABOUTME: Manager is the entry point for nested-set maintenance on one table
// ABOUTME: Immediate-mode operations, read helpers and update scopes hang off it

package mptt

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBatchSize bounds the rows written per BulkUpdate during rebuilds
const DefaultBatchSize = 1000

// Observer receives per-operation measurements
type Observer interface {
	ObserveTreeOperation(op string, duration time.Duration, err error)
	ObserveRebuiltNodes(op string, nodes int)
}

// TreeIDGenerator returns unique tree keys when root ordering is disabled
type TreeIDGenerator func() (TreeID, error)

// UUIDTreeID derives a positive 63-bit key from a random UUID
func UUIDTreeID() (TreeID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return 0, fmt.Errorf("generate tree id: %w", err)
	}
	v := int64(binary.BigEndian.Uint64(u[:8]) >> 1)
	if v == 0 {
		v = 1
	}
	return TreeID(v), nil
}

// Manager maintains the nested-set columns of one schema
type Manager struct {
	store     Store
	schema    *Schema
	log       zerolog.Logger
	obs       Observer
	newTreeID TreeIDGenerator
	batchSize int
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger used for operation events
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithObserver registers a metrics sink
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.obs = o }
}

// WithTreeIDGenerator replaces the UUID based generator used without root ordering
func WithTreeIDGenerator(g TreeIDGenerator) Option {
	return func(m *Manager) { m.newTreeID = g }
}

// WithBatchSize sets the rebuild write batch size
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// NewManager creates a manager for schema backed by store
func NewManager(store Store, schema *Schema, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("mptt: nil store")
	}
	if schema == nil {
		return nil, fmt.Errorf("mptt: nil schema")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:     store,
		schema:    schema,
		log:       zerolog.Nop(),
		newTreeID: UUIDTreeID,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("table", schema.Table).Logger()
	return m, nil
}

// WithStore returns a copy of the manager bound to another store, typically
// a transaction of the original one
func (m *Manager) WithStore(s Store) *Manager {
	c := *m
	c.store = s
	return &c
}

// Store returns the backing store
func (m *Manager) Store() Store { return m.store }

// Schema returns the managed schema
func (m *Manager) Schema() *Schema { return m.schema }

func (m *Manager) immediate() *engine {
	return &engine{Manager: m}
}

func (m *Manager) observe(op string, start time.Time, err *error) {
	d := time.Since(start)
	var e error
	if err != nil {
		e = *err
	}
	if m.obs != nil {
		m.obs.ObserveTreeOperation(op, d, e)
	}
	if e != nil {
		m.log.Warn().Err(e).Str("op", op).Dur("duration", d).Msg("tree operation failed")
		return
	}
	m.log.Debug().Str("op", op).Dur("duration", d).Msg("tree operation")
}

// InsertNode places an unsaved node relative to target and stores it.
// A nil target makes the node the root of a new last tree.
func (m *Manager) InsertNode(ctx context.Context, node, target *Node, pos Position) (err error) {
	defer m.observe("insert_node", time.Now(), &err)
	return m.immediate().insertNode(ctx, node, target, pos)
}

// MoveNode relocates a stored node and its subtree relative to target.
// A nil target makes the node a root.
func (m *Manager) MoveNode(ctx context.Context, node, target *Node, pos Position) (err error) {
	defer m.observe("move_node", time.Now(), &err)
	return m.immediate().moveNode(ctx, node, target, pos)
}

// BuildTreeNodes computes final tree values for a nested description
// without storing the nodes
func (m *Manager) BuildTreeNodes(ctx context.Context, spec *NodeSpec, target *Node, pos Position) (nodes []*Node, err error) {
	defer m.observe("build_tree_nodes", time.Now(), &err)
	return m.immediate().buildTreeNodes(ctx, spec, target, pos)
}

// InsertTree builds and stores a nested description in one bulk create
func (m *Manager) InsertTree(ctx context.Context, spec *NodeSpec, target *Node, pos Position) (nodes []*Node, err error) {
	defer m.observe("insert_tree", time.Now(), &err)
	return m.immediate().insertTree(ctx, spec, target, pos)
}

// Get loads one node
func (m *Manager) Get(ctx context.Context, id NodeID) (*Node, error) {
	nodes, err := m.store.QueryFilter(ctx, Query{Where: Where(Eq(FieldID, int64(id))), Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}
	return nodes[0], nil
}

// Refresh reloads the tree columns of a cached node
func (m *Manager) Refresh(ctx context.Context, n *Node) error {
	if n.ID == 0 {
		return fmt.Errorf("%w: node has no id", ErrNodeNotFound)
	}
	a, err := m.store.ReadAttributes(ctx, n.ID)
	if err != nil {
		return err
	}
	n.Apply(a)
	return nil
}

// RootNode returns the root of a tree
func (m *Manager) RootNode(ctx context.Context, tree TreeID) (*Node, error) {
	nodes, err := m.store.QueryFilter(ctx, Query{
		Where: Where(Eq(FieldTreeID, int64(tree)), IsNull(FieldParent)),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no root for tree %d", ErrNodeNotFound, tree)
	}
	return nodes[0], nil
}

// RootNodes returns every root ordered by tree id
func (m *Manager) RootNodes(ctx context.Context) ([]*Node, error) {
	return m.store.QueryFilter(ctx, Query{Where: Where(IsNull(FieldParent))})
}

// Children returns the direct children of n in left order
func (m *Manager) Children(ctx context.Context, n *Node) ([]*Node, error) {
	return m.store.QueryFilter(ctx, Query{Where: Where(Eq(FieldParent, int64(n.ID)))})
}

// Descendants returns the subtree of n using its cached interval
func (m *Manager) Descendants(ctx context.Context, n *Node, includeSelf bool) ([]*Node, error) {
	where := Where(Eq(FieldTreeID, int64(n.TreeID)))
	if includeSelf {
		where = where.And(Between(FieldLeft, n.Left, n.Right)...)
	} else {
		where = where.And(Gt(FieldLeft, n.Left), Lt(FieldLeft, n.Right))
	}
	return m.store.QueryFilter(ctx, Query{Where: where})
}

// Ancestors returns the path from the root down to n
func (m *Manager) Ancestors(ctx context.Context, n *Node, includeSelf bool) ([]*Node, error) {
	where := Where(Eq(FieldTreeID, int64(n.TreeID)))
	if includeSelf {
		where = where.And(Lte(FieldLeft, n.Left), Gte(FieldRight, n.Right))
	} else {
		where = where.And(Lt(FieldLeft, n.Left), Gt(FieldRight, n.Right))
	}
	return m.store.QueryFilter(ctx, Query{Where: where})
}

// PreviousRoot returns the root with the closest smaller tree id, or nil
func (m *Manager) PreviousRoot(ctx context.Context, tree TreeID) (*Node, error) {
	nodes, err := m.store.QueryFilter(ctx, Query{
		Where:   Where(IsNull(FieldParent), Lt(FieldTreeID, int64(tree))),
		OrderBy: []Order{{Field: FieldTreeID, Desc: true}},
		Limit:   1,
	})
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

// NextRoot returns the root with the closest greater tree id, or nil
func (m *Manager) NextRoot(ctx context.Context, tree TreeID) (*Node, error) {
	nodes, err := m.store.QueryFilter(ctx, Query{
		Where: Where(IsNull(FieldParent), Gt(FieldTreeID, int64(tree))),
		Limit: 1,
	})
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

// Related names a table whose rows point at nodes
type Related struct {
	Table   string
	Column  string
	Filters map[string]any
}

// RelatedCount counts related rows per node. Cumulative counts include
// rows pointing at any descendant.
func (m *Manager) RelatedCount(ctx context.Context, nodes []*Node, rel Related, cumulative bool) (counts map[NodeID]int64, err error) {
	defer m.observe("related_count", time.Now(), &err)
	if !identRe.MatchString(rel.Table) || !identRe.MatchString(rel.Column) {
		return nil, fmt.Errorf("mptt: invalid related table %q column %q", rel.Table, rel.Column)
	}
	counts = make(map[NodeID]int64, len(nodes))
	for _, n := range nodes {
		q := RelatedQuery{
			Table:      rel.Table,
			Column:     rel.Column,
			Node:       n.ID,
			Cumulative: cumulative,
			TreeID:     n.TreeID,
			Left:       n.Left,
			Right:      n.Right,
			Filters:    rel.Filters,
		}
		c, err := m.store.AggregateCount(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("count %s for node %d: %w", rel.Table, n.ID, err)
		}
		counts[n.ID] = c
	}
	return counts, nil
}
