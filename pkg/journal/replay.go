package journal

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/nainya/nestedset/pkg/mptt"
)

// ReplayStats summarizes one replay
type ReplayStats struct {
	TotalEntries      int
	CommittedBatches  int
	AbandonedBatches  int
	ReplayedWrites    int
	SkippedTails      int
	LastCheckpointLSN uint64
}

// batch groups the mutation entries sharing a batch id
type batch struct {
	id      uint64
	entries []*Entry
}

// Replay re-applies every batch recorded for table that committed after
// the last checkpoint, in commit order. A batch that was open when the
// checkpoint was taken is replayed in full, including the entries written
// before the marker. Batches without a commit marker are abandoned.
func Replay(ctx context.Context, j *Journal, table string, dst mptt.Store) (*ReplayStats, error) {
	files, err := j.Files()
	if err != nil {
		return nil, err
	}
	r := NewReader(files)
	defer r.Close()

	stats := &ReplayStats{}
	var entries []*Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	stats.TotalEntries = len(entries)
	stats.SkippedTails = r.Skipped()

	mark, from := -1, 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Op != OpCheckpoint {
			continue
		}
		stats.LastCheckpointLSN = entries[i].LSN
		mark, from = i, i+1
		if low := entries[i].BatchID; low != 0 {
			from = sort.Search(i, func(k int) bool { return entries[k].LSN >= low })
		}
		break
	}

	committed, abandoned := groupBatches(entries[from:], table, mark-from)
	stats.AbandonedBatches = abandoned
	for _, b := range committed {
		stats.CommittedBatches++
		for _, e := range b.entries {
			if err := apply(ctx, dst, e); err != nil {
				return stats, fmt.Errorf("replay failed at LSN %d: %w", e.LSN, err)
			}
			stats.ReplayedWrites++
		}
	}
	return stats, nil
}

// groupBatches groups entries of one table by batch and returns the
// batches committed after position mark, in commit order, with the number
// of batches left open
func groupBatches(entries []*Entry, table string, mark int) ([]*batch, int) {
	open := make(map[uint64]*batch)
	var committed []*batch
	for i, e := range entries {
		if e.Table != table || e.Op == OpCheckpoint {
			continue
		}
		b, ok := open[e.BatchID]
		if !ok {
			b = &batch{id: e.BatchID}
			open[e.BatchID] = b
		}
		switch {
		case e.Op == OpCommit:
			if i > mark {
				committed = append(committed, b)
			}
			delete(open, e.BatchID)
		case e.Op.mutation():
			b.entries = append(b.entries, e)
		}
	}
	return committed, len(open)
}

func apply(ctx context.Context, dst mptt.Store, e *Entry) error {
	switch e.Op {
	case OpRangedUpdate:
		u, err := decodeUpdate(e.Payload)
		if err != nil {
			return err
		}
		_, err = dst.ExecuteRangedUpdate(ctx, u)
		return err
	case OpBulkCreate:
		nodes, _, err := decodeNodes(e.Payload)
		if err != nil {
			return err
		}
		return dst.BulkCreate(ctx, nodes)
	case OpBulkUpdate:
		nodes, fields, err := decodeNodes(e.Payload)
		if err != nil {
			return err
		}
		return dst.BulkUpdate(ctx, nodes, fields)
	}
	return fmt.Errorf("%w: op %s", ErrInvalidEntry, e.Op)
}
