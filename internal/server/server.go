// Package server implements the gRPC TreeService over a SQLite node table
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/nestedset/internal/logger"
	"github.com/nainya/nestedset/internal/metrics"
	"github.com/nainya/nestedset/pkg/journal"
	"github.com/nainya/nestedset/pkg/mptt"
	"github.com/nainya/nestedset/pkg/sqlstore"
)

// Server implements TreeServiceServer. Every call runs in one transaction
// and mutating calls are journaled when a journal is configured.
type Server struct {
	db      *sql.DB
	schema  *mptt.Schema
	manager *mptt.Manager
	journal *journal.Journal
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures a Server
type Option func(*Server)

// WithJournal records every committed write in j
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithLogger sets the logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the node table if needed and prepares the engine
func NewServer(ctx context.Context, db *sql.DB, schema *mptt.Schema, managerOpts []mptt.Option, opts ...Option) (*Server, error) {
	s := &Server{db: db, schema: schema, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := sqlstore.CreateTable(ctx, db, schema); err != nil {
		return nil, err
	}

	managerOpts = append([]mptt.Option{mptt.WithLogger(s.log.TreeLogger(schema.Table))}, managerOpts...)
	managerOpts = append(managerOpts, mptt.WithObserver(treeObserver{metrics: s.metrics, log: s.log}))
	m, err := mptt.NewManager(sqlstore.New(db, schema), schema, managerOpts...)
	if err != nil {
		return nil, err
	}
	s.manager = m
	return s, nil
}

// treeObserver reports engine operations to the log and, when set, to metrics
type treeObserver struct {
	metrics *metrics.Metrics
	log     *logger.Logger
}

func (o treeObserver) ObserveTreeOperation(op string, d time.Duration, err error) {
	if o.metrics != nil {
		o.metrics.ObserveTreeOperation(op, d, err)
	}
	o.log.LogTreeOperation(op, d, err)
}

func (o treeObserver) ObserveRebuiltNodes(op string, nodes int) {
	if o.metrics != nil {
		o.metrics.ObserveRebuiltNodes(op, nodes)
	}
	o.log.LogRebuiltNodes(op, nodes)
}

// Ready reports whether the database answers
func (s *Server) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// run executes fn with a manager bound to one transaction. Writes are
// journaled as one batch whose commit marker follows the SQL commit.
func (s *Server) run(ctx context.Context, write bool, fn func(*mptt.Manager) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return toStatus(fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	var store mptt.Store = sqlstore.New(tx, s.schema, sqlstore.WithLogger(s.log.StoreLogger(sqlstore.DriverName)))
	var js *journal.Store
	if write && s.journal != nil {
		js = journal.Wrap(store, s.journal, s.schema.Table, journal.WithStoreLogger(s.log.TreeLogger(s.schema.Table)))
		js.Begin()
		defer js.Abort()
		store = js
	}
	if err := fn(s.manager.WithStore(store)); err != nil {
		return toStatus(err)
	}
	if write && s.metrics != nil {
		if n, err := store.Count(ctx, mptt.Predicate{}); err == nil {
			s.metrics.UpdateNodeCount(n)
		}
	}

	commit := func() error {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}
	if js != nil {
		return toStatus(js.CommitWith(commit))
	}
	return toStatus(commit())
}

// toStatus maps engine errors to gRPC codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, mptt.ErrInvalidMove), errors.Is(err, mptt.ErrInvalidPosition):
		code = codes.InvalidArgument
	case errors.Is(err, mptt.ErrCorruptTree), errors.Is(err, mptt.ErrCantDisableUpdates):
		code = codes.FailedPrecondition
	case errors.Is(err, mptt.ErrNodeNotFound):
		code = codes.NotFound
	case errors.Is(err, mptt.ErrNodeExists):
		code = codes.AlreadyExists
	}
	return status.Error(code, err.Error())
}

// target loads the optional "target" node
func target(ctx context.Context, m *mptt.Manager, req request) (*mptt.Node, error) {
	if !req.has("target") {
		return nil, nil
	}
	id, err := req.int("target")
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, mptt.NodeID(id))
}

func (s *Server) InsertNode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	pos, err := req.position("position")
	if err != nil {
		return nil, err
	}
	node := &mptt.Node{Fields: req.object("fields")}
	err = s.run(ctx, true, func(m *mptt.Manager) error {
		t, err := target(ctx, m, req)
		if err != nil {
			return err
		}
		return m.InsertNode(ctx, node, t, pos)
	})
	if err != nil {
		return nil, err
	}
	return nodeStruct(node)
}

func (s *Server) MoveNode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	id, err := req.int("node")
	if err != nil {
		return nil, err
	}
	pos, err := req.position("position")
	if err != nil {
		return nil, err
	}
	var node *mptt.Node
	err = s.run(ctx, true, func(m *mptt.Manager) error {
		var err error
		if node, err = m.Get(ctx, mptt.NodeID(id)); err != nil {
			return err
		}
		t, err := target(ctx, m, req)
		if err != nil {
			return err
		}
		return m.MoveNode(ctx, node, t, pos)
	})
	if err != nil {
		return nil, err
	}
	return nodeStruct(node)
}

func (s *Server) GetNode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := newRequest(in).int("id")
	if err != nil {
		return nil, err
	}
	var node *mptt.Node
	err = s.run(ctx, false, func(m *mptt.Manager) error {
		node, err = m.Get(ctx, mptt.NodeID(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return nodeStruct(node)
}

func (s *Server) GetDescendants(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	id, err := req.int("id")
	if err != nil {
		return nil, err
	}
	var nodes []*mptt.Node
	err = s.run(ctx, false, func(m *mptt.Manager) error {
		node, err := m.Get(ctx, mptt.NodeID(id))
		if err != nil {
			return err
		}
		nodes, err = m.Descendants(ctx, node, req.bool("include_self"))
		return err
	})
	if err != nil {
		return nil, err
	}
	return nodeList(nodes)
}

func (s *Server) InsertTree(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	pos, err := req.position("position")
	if err != nil {
		return nil, err
	}
	tree := req.object("tree")
	if tree == nil {
		return nil, status.Error(codes.InvalidArgument, "tree is required")
	}
	spec, err := nodeSpec(tree)
	if err != nil {
		return nil, err
	}
	var nodes []*mptt.Node
	err = s.run(ctx, true, func(m *mptt.Manager) error {
		t, err := target(ctx, m, req)
		if err != nil {
			return err
		}
		nodes, err = m.InsertTree(ctx, spec, t, pos)
		return err
	})
	if err != nil {
		return nil, err
	}
	return nodeList(nodes)
}

func (s *Server) Rebuild(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := newRequest(in)
	var opts []mptt.RebuildOption
	ids, err := req.ints("tree_ids")
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		opts = append(opts, mptt.RebuildWhere(mptt.Where(mptt.In(mptt.FieldTreeID, ids...))))
	}
	if req.has("base") {
		base, err := req.int("base")
		if err != nil {
			return nil, err
		}
		if base < 1 {
			return nil, status.Error(codes.InvalidArgument, "base must be positive")
		}
		opts = append(opts, mptt.RebuildBase(mptt.TreeID(base)))
	}
	err = s.run(ctx, true, func(m *mptt.Manager) error {
		return m.Rebuild(ctx, opts...)
	})
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

func (s *Server) PartialRebuild(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tree, err := newRequest(in).int("tree_id")
	if err != nil {
		return nil, err
	}
	err = s.run(ctx, true, func(m *mptt.Manager) error {
		return m.PartialRebuild(ctx, mptt.TreeID(tree))
	})
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

func (s *Server) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ids, err := newRequest(in).ints("tree_ids")
	if err != nil {
		return nil, err
	}
	trees := make([]mptt.TreeID, len(ids))
	for i, id := range ids {
		trees[i] = mptt.TreeID(id)
	}
	var violations []mptt.Violation
	err = s.run(ctx, false, func(m *mptt.Manager) error {
		violations, err = m.Check(ctx, trees...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordViolations(len(violations))
	}

	list := make([]any, len(violations))
	for i, v := range violations {
		list[i] = map[string]any{
			"tree_id": int64(v.TreeID),
			"node_id": int64(v.NodeID),
			"reason":  v.Reason,
		}
	}
	return toStruct(map[string]any{"violations": list, "ok": len(violations) == 0})
}

var _ TreeServiceServer = (*Server)(nil)
