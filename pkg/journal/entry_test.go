package journal

import (
	"errors"
	"testing"
	"time"
)

func TestEntryEncodeDecode(t *testing.T) {
	entry := &Entry{
		LSN:       42,
		BatchID:   7,
		Op:        OpBulkUpdate,
		Table:     "nodes",
		Payload:   []byte("payload"),
		Timestamp: time.Unix(0, 1_700_000_000_123),
	}

	decoded, err := DecodeEntry(entry.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.LSN != entry.LSN || decoded.BatchID != entry.BatchID || decoded.Op != entry.Op {
		t.Errorf("header mismatch: got %s, want %s", decoded, entry)
	}
	if decoded.Table != entry.Table {
		t.Errorf("table mismatch: got %q, want %q", decoded.Table, entry.Table)
	}
	if string(decoded.Payload) != string(entry.Payload) {
		t.Errorf("payload mismatch: got %s, want %s", decoded.Payload, entry.Payload)
	}
	if !decoded.Timestamp.Equal(entry.Timestamp) {
		t.Errorf("timestamp mismatch: got %v, want %v", decoded.Timestamp, entry.Timestamp)
	}
}

func TestEntryWithoutPayload(t *testing.T) {
	entry := &Entry{LSN: 10, BatchID: 5, Op: OpCommit}

	decoded, err := DecodeEntry(entry.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
	if decoded.Size() != HeaderSize+4 {
		t.Errorf("unexpected size %d", decoded.Size())
	}
}

func TestEntryChecksum(t *testing.T) {
	data := (&Entry{LSN: 1, Op: OpRangedUpdate, Table: "nodes", Payload: []byte{1, 2, 3}}).Encode()

	data[HeaderSize+1] ^= 0xff
	if _, err := DecodeEntry(data); !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}

	if _, err := DecodeEntry(data[:HeaderSize]); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}
