package envelope

import (
	"encoding/json"
	"fmt"
)

// Node attribute keys.
const (
	AttrFullPath    = "FULL_PATH"
	AttrContents    = "CONTENTS"
	AttrType        = "TYPE"
	AttrValue       = "VALUE"
	AttrDescription = "DESCRIPTION"
	AttrAccess      = "ACCESS"
	AttrRange       = "RANGE"
)

// Node is one namespace description as sent by the device. Contents is nil
// for leaves. Attributes other than the structural ones are kept in Meta.
type Node struct {
	FullPath string
	Type     string
	Value    []any
	Contents map[string]*Node
	Meta     map[string]json.RawMessage
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Node{}
	for key, val := range raw {
		switch key {
		case AttrFullPath:
			if err := json.Unmarshal(val, &out.FullPath); err != nil {
				return fmt.Errorf("envelope: FULL_PATH: %w", err)
			}
		case AttrType:
			if err := json.Unmarshal(val, &out.Type); err != nil {
				return fmt.Errorf("envelope: TYPE: %w", err)
			}
		case AttrValue:
			v, err := decodeValue(val)
			if err != nil {
				return fmt.Errorf("envelope: VALUE: %w", err)
			}
			out.Value = v
		case AttrContents:
			contents := map[string]*Node{}
			if err := json.Unmarshal(val, &contents); err != nil {
				return fmt.Errorf("envelope: CONTENTS: %w", err)
			}
			out.Contents = contents
		default:
			if out.Meta == nil {
				out.Meta = make(map[string]json.RawMessage)
			}
			out.Meta[key] = append(json.RawMessage(nil), val...)
		}
	}
	*n = out
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Meta)+4)
	for k, v := range n.Meta {
		out[k] = v
	}
	out[AttrFullPath] = n.FullPath
	if n.Type != "" {
		out[AttrType] = n.Type
	}
	if n.Value != nil {
		out[AttrValue] = n.Value
	}
	if n.Contents != nil {
		out[AttrContents] = n.Contents
	}
	return json.Marshal(out)
}

// DecodeNode reads a node description from a top-level object.
func DecodeNode(raw Raw) (*Node, error) {
	if !raw.Has(AttrFullPath) {
		return nil, ErrMissingPath
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &n, nil
}

// VALUE is an array in the tree protocol; a bare scalar is accepted as a
// one element array.
func decodeValue(val json.RawMessage) ([]any, error) {
	var arr []any
	if err := json.Unmarshal(val, &arr); err == nil {
		return arr, nil
	}
	var single any
	if err := json.Unmarshal(val, &single); err != nil {
		return nil, err
	}
	if single == nil {
		return nil, nil
	}
	return []any{single}, nil
}
