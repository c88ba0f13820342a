package journal

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/nainya/nestedset/pkg/mptt"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}).DecMode(); err != nil {
		panic(err)
	}
}

// nodeRecord is the journaled form of a node row
type nodeRecord struct {
	ID       int64          `cbor:"1,keyasint"`
	ParentID *int64         `cbor:"2,keyasint,omitempty"`
	Left     int64          `cbor:"3,keyasint"`
	Right    int64          `cbor:"4,keyasint"`
	Level    int64          `cbor:"5,keyasint"`
	TreeID   int64          `cbor:"6,keyasint"`
	Fields   map[string]any `cbor:"7,keyasint,omitempty"`
}

func recordOf(n *mptt.Node) nodeRecord {
	rec := nodeRecord{
		ID:     int64(n.ID),
		Left:   n.Left,
		Right:  n.Right,
		Level:  n.Level,
		TreeID: int64(n.TreeID),
		Fields: n.Fields,
	}
	if pid, ok := n.ParentRef(); ok {
		p := int64(pid)
		rec.ParentID = &p
	}
	return rec
}

func (rec nodeRecord) node() *mptt.Node {
	n := &mptt.Node{
		ID:     mptt.NodeID(rec.ID),
		Left:   rec.Left,
		Right:  rec.Right,
		Level:  rec.Level,
		TreeID: mptt.TreeID(rec.TreeID),
		Fields: rec.Fields,
	}
	if rec.ParentID != nil {
		pid := mptt.NodeID(*rec.ParentID)
		n.ParentID = &pid
	}
	return n
}

type nodesPayload struct {
	Nodes  []nodeRecord `cbor:"1,keyasint"`
	Fields []mptt.Field `cbor:"2,keyasint,omitempty"`
}

func encodeNodes(nodes []*mptt.Node, fields []mptt.Field) ([]byte, error) {
	p := nodesPayload{Nodes: make([]nodeRecord, len(nodes)), Fields: fields}
	for i, n := range nodes {
		p.Nodes[i] = recordOf(n)
	}
	return encMode.Marshal(p)
}

func decodeNodes(data []byte) ([]*mptt.Node, []mptt.Field, error) {
	var p nodesPayload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	nodes := make([]*mptt.Node, len(p.Nodes))
	for i, rec := range p.Nodes {
		nodes[i] = rec.node()
	}
	return nodes, p.Fields, nil
}

func encodeUpdate(u mptt.RangedUpdate) ([]byte, error) {
	return encMode.Marshal(u)
}

func decodeUpdate(data []byte) (mptt.RangedUpdate, error) {
	var u mptt.RangedUpdate
	if err := decMode.Unmarshal(data, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return u, nil
}
