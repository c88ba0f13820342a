// ABOUTME: mptt.Store decorator that journals every structural write
// ABOUTME: Writes are grouped into batches closed by a commit marker

package journal

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nainya/nestedset/pkg/mptt"
)

// Store journals mutations before handing them to the wrapped store.
// Between Begin and Commit all writes share one batch. Outside a batch
// every write is its own committed batch.
//
// A batch is expected to bracket a transaction of the wrapped store whose
// changes become durable at commit. Checkpoints never cover open batches,
// so replay re-applies them in full once they commit.
type Store struct {
	inner mptt.Store
	j     *Journal
	table string
	log   zerolog.Logger

	mu    sync.Mutex
	batch uint64
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithStoreLogger sets the logger
func WithStoreLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// Wrap returns a journaling decorator around inner. table is recorded on
// every entry so one journal can serve several node tables.
func Wrap(inner mptt.Store, j *Journal, table string, opts ...StoreOption) *Store {
	s := &Store{inner: inner, j: j, table: table, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin opens a batch. Calling it with a batch already open is a no-op.
func (s *Store) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == 0 {
		s.batch = s.j.beginBatch()
	}
}

// Commit closes the open batch with a durable commit marker
func (s *Store) Commit() error {
	return s.CommitWith(nil)
}

// CommitWith runs durable, typically the commit of the wrapped store's
// transaction, and then closes the open batch with a commit marker. No
// checkpoint can start between the two. When durable fails the batch is
// aborted.
func (s *Store) CommitWith(durable func() error) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = 0
	s.mu.Unlock()

	if batch == 0 {
		return ErrNoBatch
	}
	defer s.j.endBatch(batch)

	s.j.gate.RLock()
	defer s.j.gate.RUnlock()
	if durable != nil {
		if err := durable(); err != nil {
			s.log.Debug().Uint64("batch", batch).Err(err).Msg("journal batch aborted")
			return err
		}
	}
	return s.commit(batch)
}

// Abort drops the open batch. Its entries stay in the journal but are
// never replayed.
func (s *Store) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == 0 {
		return
	}
	s.log.Debug().Uint64("batch", s.batch).Msg("journal batch aborted")
	s.j.endBatch(s.batch)
	s.batch = 0
}

func (s *Store) commit(batch uint64) error {
	if err := s.j.Append(&Entry{BatchID: batch, Op: OpCommit, Table: s.table}); err != nil {
		return err
	}
	return s.j.Sync()
}

// current returns the open batch, or begins a single-write batch that the
// caller must finish with done. A single-write batch holds the checkpoint
// gate until done so its store change and marker land on one side of a
// checkpoint.
func (s *Store) current() (batch uint64, done func(error) error) {
	s.mu.Lock()
	batch = s.batch
	s.mu.Unlock()
	if batch != 0 {
		return batch, func(err error) error { return err }
	}

	s.j.gate.RLock()
	batch = s.j.beginBatch()
	return batch, func(err error) error {
		defer s.j.gate.RUnlock()
		defer s.j.endBatch(batch)
		if err != nil {
			return err
		}
		return s.commit(batch)
	}
}

// write appends one mutation entry and runs apply. Outside a batch the
// entry gets its own batch that commits once apply succeeds.
func (s *Store) write(op Op, payload []byte, apply func() error) error {
	batch, done := s.current()
	if err := s.j.Append(&Entry{BatchID: batch, Op: op, Table: s.table, Payload: payload}); err != nil {
		return done(err)
	}
	return done(apply())
}

func (s *Store) ExecuteRangedUpdate(ctx context.Context, u mptt.RangedUpdate) (int64, error) {
	payload, err := encodeUpdate(u)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.write(OpRangedUpdate, payload, func() error {
		var err error
		n, err = s.inner.ExecuteRangedUpdate(ctx, u)
		return err
	})
	return n, err
}

// BulkCreate journals the nodes after the inner store assigned their ids,
// so replay recreates the same rows.
func (s *Store) BulkCreate(ctx context.Context, nodes []*mptt.Node) error {
	batch, done := s.current()
	if err := s.inner.BulkCreate(ctx, nodes); err != nil {
		return done(err)
	}
	payload, err := encodeNodes(nodes, nil)
	if err != nil {
		return done(err)
	}
	return done(s.j.Append(&Entry{BatchID: batch, Op: OpBulkCreate, Table: s.table, Payload: payload}))
}

func (s *Store) BulkUpdate(ctx context.Context, nodes []*mptt.Node, fields []mptt.Field) error {
	if len(nodes) == 0 {
		return nil
	}
	payload, err := encodeNodes(nodes, fields)
	if err != nil {
		return err
	}
	return s.write(OpBulkUpdate, payload, func() error {
		return s.inner.BulkUpdate(ctx, nodes, fields)
	})
}

func (s *Store) ReadAttributes(ctx context.Context, id mptt.NodeID) (mptt.Attributes, error) {
	return s.inner.ReadAttributes(ctx, id)
}

func (s *Store) QueryFilter(ctx context.Context, q mptt.Query) ([]*mptt.Node, error) {
	return s.inner.QueryFilter(ctx, q)
}

func (s *Store) NextTreeID(ctx context.Context) (mptt.TreeID, error) {
	return s.inner.NextTreeID(ctx)
}

func (s *Store) Count(ctx context.Context, where mptt.Predicate) (int64, error) {
	return s.inner.Count(ctx, where)
}

func (s *Store) AggregateCount(ctx context.Context, q mptt.RelatedQuery) (int64, error) {
	return s.inner.AggregateCount(ctx, q)
}

var _ mptt.Store = (*Store)(nil)
