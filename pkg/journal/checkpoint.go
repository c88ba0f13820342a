package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCheckpointInterval is how often checkpoints are written
const DefaultCheckpointInterval = 10 * time.Minute

// Checkpointer periodically flushes the backing store and marks the
// journal so replay can start after the marker.
type Checkpointer struct {
	j        *Journal
	interval time.Duration
	flushFn  func(context.Context) error
	log      zerolog.Logger

	once   sync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewCheckpointer creates a checkpointer. flushFn must make every
// committed write durable in the backing store.
func NewCheckpointer(j *Journal, interval time.Duration, flushFn func(context.Context) error, log zerolog.Logger) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpointer{
		j:        j,
		interval: interval,
		flushFn:  flushFn,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the checkpoint loop in the background
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the loop and waits for it to exit. It is safe to call more
// than once.
func (c *Checkpointer) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if err := c.Checkpoint(ctx); err != nil {
				c.log.Error().Err(err).Msg("checkpoint failed")
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

// Checkpoint flushes, writes a durable checkpoint marker at the head of a
// fresh segment and removes the segments replay no longer needs. Batches
// still open are not covered: the marker records the lowest open batch
// id and the segments holding their entries are kept.
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	c.j.gate.Lock()
	defer c.j.gate.Unlock()

	if err := c.flushFn(ctx); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	if err := c.j.Rotate(); err != nil {
		return fmt.Errorf("rotate failed: %w", err)
	}

	low, keep := c.j.retention()
	e := &Entry{Op: OpCheckpoint, BatchID: low}
	if err := c.j.Append(e); err != nil {
		return fmt.Errorf("write checkpoint entry failed: %w", err)
	}
	if err := c.j.Sync(); err != nil {
		return fmt.Errorf("fsync checkpoint failed: %w", err)
	}
	if err := c.j.removeBefore(keep); err != nil {
		return fmt.Errorf("truncate failed: %w", err)
	}

	c.log.Info().Uint64("lsn", e.LSN).Uint64("open_from", low).Msg("journal checkpoint")
	return nil
}
