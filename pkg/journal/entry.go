package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// Op is the kind of journaled write
type Op byte

const (
	OpRangedUpdate Op = 1
	OpBulkCreate   Op = 2
	OpBulkUpdate   Op = 3
	OpCommit       Op = 4
	OpCheckpoint   Op = 5
)

func (o Op) String() string {
	switch o {
	case OpRangedUpdate:
		return "RANGED_UPDATE"
	case OpBulkCreate:
		return "BULK_CREATE"
	case OpBulkUpdate:
		return "BULK_UPDATE"
	case OpCommit:
		return "COMMIT"
	case OpCheckpoint:
		return "CHECKPOINT"
	}
	return "UNKNOWN"
}

// mutation reports whether entries of this kind carry a store write
func (o Op) mutation() bool {
	return o == OpRangedUpdate || o == OpBulkCreate || o == OpBulkUpdate
}

// HeaderSize is the fixed size of the entry header.
// Layout: LSN(8) + BatchID(8) + Op(1) + Reserved(7) + TableLen(4) + PayloadLen(4) + Timestamp(8)
const HeaderSize = 40

// maxEntrySize bounds the declared body length of a decoded header
const maxEntrySize = 64 << 20

// Entry is one journal record
type Entry struct {
	LSN       uint64
	BatchID   uint64 // lowest open batch for checkpoints, 0 when none was open
	Op        Op
	Table     string
	Payload   []byte // cbor, see payload.go
	Timestamp time.Time
}

// Encode serializes the entry followed by a CRC32 of everything before it.
// Format: [Header(40)] [Table] [Payload] [CRC32(4)]
func (e *Entry) Encode() []byte {
	tableLen := len(e.Table)
	payloadLen := len(e.Payload)
	buf := make([]byte, e.Size())

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	binary.LittleEndian.PutUint64(buf[8:16], e.BatchID)
	buf[16] = byte(e.Op)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(tableLen))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(e.Timestamp.UnixNano()))

	offset := HeaderSize
	offset += copy(buf[offset:], e.Table)
	offset += copy(buf[offset:], e.Payload)

	binary.LittleEndian.PutUint32(buf[offset:], crc32.ChecksumIEEE(buf[:offset]))
	return buf
}

// bodyLen returns the number of bytes following a header, checksum included
func bodyLen(header []byte) (int, error) {
	tableLen := binary.LittleEndian.Uint32(header[24:28])
	payloadLen := binary.LittleEndian.Uint32(header[28:32])
	n := uint64(tableLen) + uint64(payloadLen) + 4
	if n > maxEntrySize {
		return 0, ErrCorrupted
	}
	return int(n), nil
}

// DecodeEntry deserializes one encoded entry
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < HeaderSize+4 {
		return nil, ErrTruncated
	}
	n, err := bodyLen(data[:HeaderSize])
	if err != nil {
		return nil, err
	}
	if len(data) < HeaderSize+n {
		return nil, ErrTruncated
	}
	data = data[:HeaderSize+n]

	end := len(data) - 4
	if binary.LittleEndian.Uint32(data[end:]) != crc32.ChecksumIEEE(data[:end]) {
		return nil, ErrCorrupted
	}

	e := &Entry{
		LSN:       binary.LittleEndian.Uint64(data[0:8]),
		BatchID:   binary.LittleEndian.Uint64(data[8:16]),
		Op:        Op(data[16]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(data[32:40]))),
	}
	tableLen := int(binary.LittleEndian.Uint32(data[24:28]))
	offset := HeaderSize
	e.Table = string(data[offset : offset+tableLen])
	offset += tableLen
	if offset < end {
		e.Payload = make([]byte, end-offset)
		copy(e.Payload, data[offset:end])
	}
	return e, nil
}

// Size returns the encoded size of the entry
func (e *Entry) Size() int {
	return HeaderSize + len(e.Table) + len(e.Payload) + 4
}

func (e *Entry) String() string {
	return fmt.Sprintf("JOURNAL[LSN=%d Batch=%d Op=%s Table=%q PayloadLen=%d]",
		e.LSN, e.BatchID, e.Op, e.Table, len(e.Payload))
}
