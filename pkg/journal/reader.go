package journal

import (
	"bufio"
	"errors"
	"io"
	"os"
)

// Reader iterates entries across segments in order. A checksum failure or a
// short entry ends the current segment, since appends only ever tear at
// the tail.
type Reader struct {
	files   []string
	current int
	fd      *os.File
	br      *bufio.Reader
	skipped int
}

// NewReader creates a reader over the given segments
func NewReader(files []string) *Reader {
	return &Reader{files: files, current: -1}
}

// Next returns the next entry, or io.EOF after the last segment
func (r *Reader) Next() (*Entry, error) {
	for {
		if r.br == nil {
			if err := r.nextFile(); err != nil {
				return nil, err
			}
		}

		e, err := r.readEntry()
		switch {
		case err == nil:
			return e, nil
		case err == io.EOF:
			r.closeFile()
		case errors.Is(err, ErrCorrupted), errors.Is(err, ErrTruncated), err == io.ErrUnexpectedEOF:
			r.skipped++
			r.closeFile()
		default:
			return nil, err
		}
	}
}

// Skipped returns how many torn segment tails were dropped
func (r *Reader) Skipped() int {
	return r.skipped
}

func (r *Reader) readEntry() (*Entry, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r.br, header); err != nil {
		return nil, err
	}
	n, err := bodyLen(header)
	if err != nil {
		return nil, err
	}
	data := make([]byte, HeaderSize+n)
	copy(data, header)
	if _, err := io.ReadFull(r.br, data[HeaderSize:]); err != nil {
		return nil, err
	}
	return DecodeEntry(data)
}

func (r *Reader) nextFile() error {
	r.current++
	if r.current >= len(r.files) {
		return io.EOF
	}
	fd, err := os.Open(r.files[r.current])
	if err != nil {
		return err
	}
	r.fd = fd
	r.br = bufio.NewReader(fd)
	return nil
}

func (r *Reader) closeFile() {
	if r.fd != nil {
		r.fd.Close()
	}
	r.fd, r.br = nil, nil
}

// Close releases the open segment
func (r *Reader) Close() error {
	r.closeFile()
	return nil
}

// ReadAll reads every entry from the segments
func ReadAll(files []string) ([]*Entry, error) {
	r := NewReader(files)
	defer r.Close()

	var entries []*Entry
	for {
		e, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}
