// ABOUTME: Storage contract consumed by the nested-set engine
// ABOUTME: Implemented by the SQL adapter, the in-memory store and the journal decorator

package mptt

import "context"

// Store is the persistence capability the engine needs. Implementations
// must apply each RangedUpdate atomically against pre-update values.
type Store interface {
	// ReadAttributes returns the stored tree columns of one node
	ReadAttributes(ctx context.Context, id NodeID) (Attributes, error)

	// ExecuteRangedUpdate applies one conditional bulk update and returns
	// the number of matched rows
	ExecuteRangedUpdate(ctx context.Context, u RangedUpdate) (int64, error)

	// BulkCreate inserts nodes in order, assigning IDs to those with a zero
	// ID. A node whose Parent was created earlier in the same call gets
	// that parent's new id.
	BulkCreate(ctx context.Context, nodes []*Node) error

	// BulkUpdate writes the given fields of already stored nodes
	BulkUpdate(ctx context.Context, nodes []*Node, fields []Field) error

	// QueryFilter returns matching nodes
	QueryFilter(ctx context.Context, q Query) ([]*Node, error)

	// NextTreeID returns max(tree_id)+1, or 1 for an empty table
	NextTreeID(ctx context.Context) (TreeID, error)

	// Count returns the number of matching nodes
	Count(ctx context.Context, where Predicate) (int64, error)

	// AggregateCount counts related rows for one node
	AggregateCount(ctx context.Context, q RelatedQuery) (int64, error)
}
