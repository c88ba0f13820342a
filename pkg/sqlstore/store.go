// ABOUTME: Relational nested-set store on database/sql with the SQLite driver
// ABOUTME: Every ranged update is one UPDATE statement

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nainya/nestedset/pkg/mptt"
)

// DriverName is the registered modernc SQLite driver
const DriverName = "sqlite"

// Querier is implemented by *sql.DB, *sql.Tx and *sql.Conn
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Store implements mptt.Store over one table
type Store struct {
	q      Querier
	schema *mptt.Schema
	log    zerolog.Logger
}

var _ mptt.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithLogger traces every statement at trace level
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New binds a store to q
func New(q Querier, schema *mptt.Schema, opts ...Option) *Store {
	s := &Store{q: q, schema: schema, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens a SQLite database. A single connection serializes writers
// the way SQLite does anyway.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if path != ":memory:" && !strings.Contains(path, "mode=memory") {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	return db, nil
}

// CreateTable creates the node table and its indexes if missing
func CreateTable(ctx context.Context, q Querier, schema *mptt.Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	t := quote(schema.Table)
	col := func(f mptt.Field) string { return quote(schema.Column(f)) }
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", t)
	fmt.Fprintf(&sb, "  %s INTEGER PRIMARY KEY,\n", col(mptt.FieldID))
	fmt.Fprintf(&sb, "  %s INTEGER NULL REFERENCES %s (%s),\n", col(mptt.FieldParent), t, col(mptt.FieldID))
	fmt.Fprintf(&sb, "  %s INTEGER NOT NULL,\n", col(mptt.FieldLeft))
	fmt.Fprintf(&sb, "  %s INTEGER NOT NULL,\n", col(mptt.FieldRight))
	fmt.Fprintf(&sb, "  %s INTEGER NOT NULL,\n", col(mptt.FieldLevel))
	fmt.Fprintf(&sb, "  %s INTEGER NOT NULL", col(mptt.FieldTreeID))
	for _, e := range schema.Extra {
		fmt.Fprintf(&sb, ",\n  %s", quote(e))
	}
	sb.WriteString("\n)")

	stmts := []string{
		sb.String(),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			quote(schema.Table+"_tree_lft"), t, col(mptt.FieldTreeID), col(mptt.FieldLeft)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quote(schema.Table+"_parent"), t, col(mptt.FieldParent)),
	}
	for _, stmt := range stmts {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", schema.Table, err)
		}
	}
	return nil
}

// InTx runs fn with a store bound to one transaction, committing when fn
// returns nil
func InTx(ctx context.Context, db *sql.DB, schema *mptt.Schema, fn func(*Store) error, opts ...Option) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(New(tx, schema, opts...)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) trace(query string, args []any) {
	s.log.Trace().Str("sql", query).Interface("args", args).Msg("exec")
}

func (s *Store) selectColumns() string {
	cols := []string{
		quote(s.schema.Column(mptt.FieldID)),
		quote(s.schema.Column(mptt.FieldParent)),
		quote(s.schema.Column(mptt.FieldLeft)),
		quote(s.schema.Column(mptt.FieldRight)),
		quote(s.schema.Column(mptt.FieldLevel)),
		quote(s.schema.Column(mptt.FieldTreeID)),
	}
	for _, e := range s.schema.Extra {
		cols = append(cols, quote(e))
	}
	return strings.Join(cols, ", ")
}

func (s *Store) scanNode(rows *sql.Rows) (*mptt.Node, error) {
	var (
		id, left, right, level, tree int64
		parent                       sql.NullInt64
	)
	extra := make([]any, len(s.schema.Extra))
	dest := []any{&id, &parent, &left, &right, &level, &tree}
	for i := range extra {
		dest = append(dest, &extra[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	n := &mptt.Node{
		ID:     mptt.NodeID(id),
		Left:   left,
		Right:  right,
		Level:  level,
		TreeID: mptt.TreeID(tree),
	}
	if parent.Valid {
		pid := mptt.NodeID(parent.Int64)
		n.ParentID = &pid
	}
	if len(extra) > 0 {
		n.Fields = make(map[string]any, len(extra))
		for i, name := range s.schema.Extra {
			v := extra[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			n.Fields[name] = v
		}
	}
	return n, nil
}

func (s *Store) ReadAttributes(ctx context.Context, id mptt.NodeID) (mptt.Attributes, error) {
	b := newBuilder(s.schema)
	b.write("SELECT ", b.col(mptt.FieldParent), ", ", b.col(mptt.FieldLeft), ", ", b.col(mptt.FieldRight),
		", ", b.col(mptt.FieldLevel), ", ", b.col(mptt.FieldTreeID), " FROM ", quote(s.schema.Table),
		" WHERE ", b.col(mptt.FieldID), " = ")
	b.arg(int64(id))

	var (
		a      mptt.Attributes
		parent sql.NullInt64
		tree   int64
	)
	err := s.q.QueryRowContext(ctx, b.String(), b.args...).Scan(&parent, &a.Left, &a.Right, &a.Level, &tree)
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("%w: %d", mptt.ErrNodeNotFound, id)
	}
	if err != nil {
		return a, fmt.Errorf("read node %d: %w", id, err)
	}
	a.TreeID = mptt.TreeID(tree)
	if parent.Valid {
		pid := mptt.NodeID(parent.Int64)
		a.ParentID = &pid
	}
	return a, nil
}

func (s *Store) ExecuteRangedUpdate(ctx context.Context, u mptt.RangedUpdate) (int64, error) {
	b := newBuilder(s.schema)
	if err := b.update(u); err != nil {
		return 0, err
	}
	s.trace(b.String(), b.args)
	res, err := s.q.ExecContext(ctx, b.String(), b.args...)
	if err != nil {
		return 0, fmt.Errorf("ranged update: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) BulkCreate(ctx context.Context, nodes []*mptt.Node) error {
	cols := []string{
		quote(s.schema.Column(mptt.FieldParent)),
		quote(s.schema.Column(mptt.FieldLeft)),
		quote(s.schema.Column(mptt.FieldRight)),
		quote(s.schema.Column(mptt.FieldLevel)),
		quote(s.schema.Column(mptt.FieldTreeID)),
	}
	for _, e := range s.schema.Extra {
		cols = append(cols, quote(e))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	table := quote(s.schema.Table)
	withoutID := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)
	withID := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, %s)",
		table, quote(s.schema.Column(mptt.FieldID)), strings.Join(cols, ", "), placeholders)

	for _, n := range nodes {
		var parent sql.NullInt64
		if pid, ok := n.ParentRef(); ok {
			parent = sql.NullInt64{Int64: int64(pid), Valid: true}
			n.ParentID = &pid
		}
		args := []any{parent, n.Left, n.Right, n.Level, int64(n.TreeID)}
		for _, e := range s.schema.Extra {
			args = append(args, n.Fields[e])
		}
		query := withoutID
		if n.ID != 0 {
			query = withID
			args = append([]any{int64(n.ID)}, args...)
		}
		s.trace(query, args)
		res, err := s.q.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert node: %w", err)
		}
		if n.ID == 0 {
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert node: %w", err)
			}
			n.ID = mptt.NodeID(id)
		}
	}
	return nil
}

func (s *Store) BulkUpdate(ctx context.Context, nodes []*mptt.Node, fields []mptt.Field) error {
	fields = slices.DeleteFunc(slices.Clone(fields), func(f mptt.Field) bool { return f == mptt.FieldID })
	if len(nodes) == 0 || len(fields) == 0 {
		return nil
	}
	b := newBuilder(s.schema)
	b.write("UPDATE ", quote(s.schema.Table), " SET ")
	for i, f := range fields {
		if i > 0 {
			b.write(", ")
		}
		b.write(b.col(f), " = ?")
	}
	b.write(" WHERE ", b.col(mptt.FieldID), " = ?")

	stmt, err := s.q.PrepareContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("prepare bulk update: %w", err)
	}
	defer stmt.Close()

	for _, n := range nodes {
		args := make([]any, 0, len(fields)+1)
		for _, f := range fields {
			args = append(args, fieldValue(n, f))
		}
		args = append(args, int64(n.ID))
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return fmt.Errorf("update node %d: %w", n.ID, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 0 {
			return fmt.Errorf("%w: %d", mptt.ErrNodeNotFound, n.ID)
		}
	}
	s.log.Trace().Int("nodes", len(nodes)).Msg("bulk update")
	return nil
}

func fieldValue(n *mptt.Node, f mptt.Field) any {
	switch f {
	case mptt.FieldParent:
		if pid, ok := n.ParentRef(); ok {
			return int64(pid)
		}
		return nil
	case mptt.FieldLeft:
		return n.Left
	case mptt.FieldRight:
		return n.Right
	case mptt.FieldLevel:
		return n.Level
	case mptt.FieldTreeID:
		return int64(n.TreeID)
	}
	return n.Fields[string(f)]
}

func (s *Store) QueryFilter(ctx context.Context, q mptt.Query) ([]*mptt.Node, error) {
	b := newBuilder(s.schema)
	b.write("SELECT ", s.selectColumns(), " FROM ", quote(s.schema.Table), " WHERE ")
	b.predicate(q.Where)
	b.orderBy(q.OrderBy)
	if q.Limit > 0 {
		b.write(" LIMIT ")
		b.arg(q.Limit)
	}
	s.trace(b.String(), b.args)

	rows, err := s.q.QueryContext(ctx, b.String(), b.args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var out []*mptt.Node
	for rows.Next() {
		n, err := s.scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) NextTreeID(ctx context.Context) (mptt.TreeID, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s",
		quote(s.schema.Column(mptt.FieldTreeID)), quote(s.schema.Table))
	var id int64
	if err := s.q.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("max tree id: %w", err)
	}
	return mptt.TreeID(id), nil
}

func (s *Store) Count(ctx context.Context, where mptt.Predicate) (int64, error) {
	b := newBuilder(s.schema)
	b.write("SELECT COUNT(*) FROM ", quote(s.schema.Table), " WHERE ")
	b.predicate(where)
	var n int64
	if err := s.q.QueryRowContext(ctx, b.String(), b.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// AggregateCount counts rows of q.Table. Cumulative counts join the node
// table on the subtree interval.
func (s *Store) AggregateCount(ctx context.Context, q mptt.RelatedQuery) (int64, error) {
	b := newBuilder(s.schema)
	rel := quote(q.Table)
	fk := quote(q.Column)
	if q.Cumulative {
		b.write("SELECT COUNT(*) FROM ", rel, " r JOIN ", quote(s.schema.Table), " n ON r.", fk,
			" = n.", b.col(mptt.FieldID), " WHERE n.", b.col(mptt.FieldTreeID), " = ")
		b.arg(int64(q.TreeID))
		b.write(" AND n.", b.col(mptt.FieldLeft), " BETWEEN ")
		b.arg(q.Left)
		b.write(" AND ")
		b.arg(q.Right)
	} else {
		b.write("SELECT COUNT(*) FROM ", rel, " r WHERE r.", fk, " = ")
		b.arg(int64(q.Node))
	}

	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		b.write(" AND r.", quote(k), " = ")
		b.arg(q.Filters[k])
	}

	var n int64
	if err := s.q.QueryRowContext(ctx, b.String(), b.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Table, err)
	}
	return n, nil
}
