package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxFileSize is the segment size that triggers rotation (64MB)
	DefaultMaxFileSize = 64 << 20

	// DefaultMaxFiles is the number of segments kept after rotation once a
	// checkpoint has covered the older ones
	DefaultMaxFiles = 4
)

// Journal is a segmented append-only log. Segments are named
// <base>.000, <base>.001, ... next to Path.
type Journal struct {
	path        string
	maxFileSize int64
	maxFiles    int

	mu        sync.Mutex
	fd        *os.File
	fileSize  int64
	fileIndex int
	closed    bool

	// open batches by id with the segment that was current at Begin
	batches map[uint64]int
	// segments below this index are covered by a checkpoint
	prunable int

	// gate orders commits against checkpoints. Commits hold it shared
	// while their store changes become durable and their marker is
	// written, checkpoints hold it exclusively.
	gate sync.RWMutex

	lsn atomic.Uint64
}

// Option configures a Journal
type Option func(*Journal)

// WithMaxFileSize sets the rotation threshold
func WithMaxFileSize(n int64) Option {
	return func(j *Journal) { j.maxFileSize = n }
}

// WithMaxFiles sets how many segments survive rotation. Zero keeps all.
func WithMaxFiles(n int) Option {
	return func(j *Journal) { j.maxFiles = n }
}

// Open opens the latest segment under path for appending, creating the
// first one if none exists, and recovers the highest LSN.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		path:        path,
		maxFileSize: DefaultMaxFileSize,
		maxFiles:    DefaultMaxFiles,
		batches:     make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(j)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	files, err := j.Files()
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		maxLSN, err := highestLSN(files)
		if err != nil {
			return nil, err
		}
		j.lsn.Store(maxLSN)
		j.fileIndex = j.indexOf(files[len(files)-1])
	}

	fd, err := os.OpenFile(j.segmentPath(j.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, err
	}
	j.fd = fd
	j.fileSize = stat.Size()
	return j, nil
}

// Path returns the base path of the journal
func (j *Journal) Path() string {
	return j.path
}

// NextLSN reserves the next log sequence number
func (j *Journal) NextLSN() uint64 {
	return j.lsn.Add(1)
}

// LastLSN returns the last reserved log sequence number
func (j *Journal) LastLSN() uint64 {
	return j.lsn.Load()
}

// beginBatch reserves a batch id and registers it as open
func (j *Journal) beginBatch() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.NextLSN()
	j.batches[id] = j.fileIndex
	return id
}

// endBatch releases a batch after its commit marker or abort
func (j *Journal) endBatch(id uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.batches, id)
}

// OpenBatches returns the number of batches begun but not yet committed
// or aborted
func (j *Journal) OpenBatches() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.batches)
}

// retention returns the lowest open batch id (0 when none is open) and
// the first segment replay still needs
func (j *Journal) retention() (uint64, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var low uint64
	keep := j.fileIndex
	for id, seg := range j.batches {
		if low == 0 || id < low {
			low = id
		}
		keep = min(keep, seg)
	}
	return low, keep
}

// Append writes entries in order, assigning LSNs and timestamps to
// entries that lack them.
func (j *Journal) Append(entries ...*Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	for _, e := range entries {
		if e.LSN == 0 {
			e.LSN = j.NextLSN()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		data := e.Encode()
		if j.fileSize > 0 && j.fileSize+int64(len(data)) > j.maxFileSize {
			if err := j.rotateNoLock(); err != nil {
				return err
			}
		}
		n, err := j.fd.Write(data)
		j.fileSize += int64(n)
		if err != nil {
			return err
		}
	}
	return nil
}

// Sync flushes the current segment to disk
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.fd.Sync()
}

// Close syncs and closes the current segment
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return errors.Join(j.fd.Sync(), j.fd.Close())
}

// Rotate starts a new segment
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return j.rotateNoLock()
}

// rotateNoLock switches to the next segment (caller must hold mu)
func (j *Journal) rotateNoLock() error {
	if err := j.fd.Sync(); err != nil {
		return err
	}
	if err := j.fd.Close(); err != nil {
		return err
	}

	j.fileIndex++
	fd, err := os.OpenFile(j.segmentPath(j.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.fd = fd
	j.fileSize = 0

	if j.maxFiles <= 0 {
		return nil
	}
	files, err := j.Files()
	if err != nil {
		return err
	}
	if len(files) > j.maxFiles {
		for _, f := range files[:len(files)-j.maxFiles] {
			// history after the last checkpoint is never pruned
			if j.indexOf(f) >= j.prunable {
				break
			}
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// removeBefore deletes every segment below keep and allows size rotation
// to prune up to it
func (j *Journal) removeBefore(keep int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.prunable = max(j.prunable, keep)
	files, err := j.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		if j.indexOf(f) >= keep {
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// segmentPath returns the path of the segment with the given index
func (j *Journal) segmentPath(index int) string {
	return fmt.Sprintf("%s.%03d", j.path, index)
}

// indexOf parses the segment index from a file name, -1 if it is not a segment
func (j *Journal) indexOf(name string) int {
	suffix, ok := strings.CutPrefix(filepath.Base(name), filepath.Base(j.path)+".")
	if !ok || suffix == "" {
		return -1
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// Files returns the journal segments sorted by index
func (j *Journal) Files() ([]string, error) {
	dir := filepath.Dir(j.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && j.indexOf(e.Name()) >= 0 {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Slice(files, func(a, b int) bool {
		return j.indexOf(files[a]) < j.indexOf(files[b])
	})
	return files, nil
}

// highestLSN scans all segments and returns the highest LSN
func highestLSN(files []string) (uint64, error) {
	r := NewReader(files)
	defer r.Close()

	var maxLSN uint64
	for {
		e, err := r.Next()
		if err == io.EOF {
			return maxLSN, nil
		}
		if err != nil {
			return 0, err
		}
		maxLSN = max(maxLSN, e.LSN)
	}
}
