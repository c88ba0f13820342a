package server

import (
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/nestedset/pkg/mptt"
)

// request reads typed fields out of a Struct payload
type request struct {
	fields map[string]*structpb.Value
}

func newRequest(in *structpb.Struct) request {
	return request{fields: in.GetFields()}
}

func (r request) has(key string) bool {
	v, ok := r.fields[key]
	if !ok {
		return false
	}
	_, null := v.GetKind().(*structpb.Value_NullValue)
	return !null
}

func (r request) int(key string) (int64, error) {
	v, ok := r.fields[key]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
	}
	return int64(n.NumberValue), nil
}

func (r request) ints(key string) ([]int64, error) {
	v, ok := r.fields[key]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, status.Errorf(codes.InvalidArgument, "%s must be a list", key)
	}
	out := make([]int64, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		n, ok := item.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "%s must hold integers", key)
		}
		out = append(out, int64(n.NumberValue))
	}
	return out, nil
}

func (r request) bool(key string) bool {
	return r.fields[key].GetBoolValue()
}

func (r request) position(key string) (mptt.Position, error) {
	if !r.has(key) {
		return mptt.PosLastChild, nil
	}
	pos, err := mptt.ParsePosition(r.fields[key].GetStringValue())
	if err != nil {
		return "", status.Error(codes.InvalidArgument, err.Error())
	}
	return pos, nil
}

func (r request) object(key string) map[string]any {
	if s := r.fields[key].GetStructValue(); s != nil {
		return s.AsMap()
	}
	return nil
}

// nodeSpec decodes {"fields": {...}, "children": [...]} recursively
func nodeSpec(v map[string]any) (*mptt.NodeSpec, error) {
	spec := &mptt.NodeSpec{}
	if f, ok := v["fields"]; ok {
		fields, ok := f.(map[string]any)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "tree fields must be an object")
		}
		spec.Fields = fields
	}
	if c, ok := v["children"]; ok {
		children, ok := c.([]any)
		if !ok {
			return nil, status.Error(codes.InvalidArgument, "tree children must be a list")
		}
		for _, child := range children {
			m, ok := child.(map[string]any)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "tree child must be an object")
			}
			cs, err := nodeSpec(m)
			if err != nil {
				return nil, err
			}
			spec.Children = append(spec.Children, cs)
		}
	}
	return spec, nil
}

func nodeValue(n *mptt.Node) map[string]any {
	out := map[string]any{
		"id":        int64(n.ID),
		"parent_id": nil,
		"left":      n.Left,
		"right":     n.Right,
		"level":     n.Level,
		"tree_id":   int64(n.TreeID),
	}
	if pid, ok := n.ParentRef(); ok {
		out["parent_id"] = int64(pid)
	}
	fields := make(map[string]any, len(n.Fields))
	for k, v := range n.Fields {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		fields[k] = v
	}
	out["fields"] = fields
	return out
}

func nodeStruct(n *mptt.Node) (*structpb.Struct, error) {
	return toStruct(nodeValue(n))
}

func nodeList(nodes []*mptt.Node) (*structpb.Struct, error) {
	list := make([]any, len(nodes))
	for i, n := range nodes {
		list[i] = nodeValue(n)
	}
	return toStruct(map[string]any{"nodes": list})
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return s, nil
}
