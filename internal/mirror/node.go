package mirror

import (
	"encoding/json"
	"sort"

	"github.com/danmuck/edgelink/internal/protocol/envelope"
)

// Node is one mirrored namespace node. A node with a non-nil Children map is
// a container and never carries a Value.
type Node struct {
	Address  string                     `json:"address"`
	Type     string                     `json:"type,omitempty"`
	Value    []any                      `json:"value,omitempty"`
	Children map[string]*Node           `json:"children,omitempty"`
	Meta     map[string]json.RawMessage `json:"meta,omitempty"`
}

func (n *Node) IsContainer() bool {
	return n.Children != nil
}

// Clone returns a deep copy detached from the mirror.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		Address: n.Address,
		Type:    n.Type,
	}
	if n.Value != nil {
		out.Value = append([]any(nil), n.Value...)
	}
	if n.Meta != nil {
		out.Meta = make(map[string]json.RawMessage, len(n.Meta))
		for k, v := range n.Meta {
			out.Meta[k] = append(json.RawMessage(nil), v...)
		}
	}
	if n.Children != nil {
		out.Children = make(map[string]*Node, len(n.Children))
		for k, c := range n.Children {
			out.Children[k] = c.Clone()
		}
	}
	return out
}

// Walk visits n and its descendants parents first, children in name order.
// Returning false from fn skips the node's subtree.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, name := range n.childNames() {
		n.Children[name].Walk(fn)
	}
}

// Addresses lists every address in the subtree, parents first.
func (n *Node) Addresses() []string {
	var out []string
	n.Walk(func(c *Node) bool {
		out = append(out, c.Address)
		return true
	})
	return out
}

func (n *Node) childNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// postOrder visits descendants before n.
func (n *Node) postOrder(fn func(*Node)) {
	for _, name := range n.childNames() {
		n.Children[name].postOrder(fn)
	}
	fn(n)
}

// fromDescription converts a tree protocol description. fallback is used
// when the description has no FULL_PATH.
func fromDescription(d *envelope.Node, fallback string) *Node {
	addr := fallback
	if d.FullPath != "" {
		addr = Clean(d.FullPath)
	}
	return describedAt(d, addr)
}

// describedAt converts d placing it at addr. Children are addressed by their
// key under addr so the subtree stays consistent with its parent.
func describedAt(d *envelope.Node, addr string) *Node {
	n := &Node{
		Address: addr,
		Type:    d.Type,
	}
	if len(d.Meta) > 0 {
		n.Meta = make(map[string]json.RawMessage, len(d.Meta))
		for k, v := range d.Meta {
			n.Meta[k] = v
		}
	}
	if d.Contents == nil {
		if d.Value != nil {
			n.Value = append([]any(nil), d.Value...)
		}
		return n
	}
	n.Children = make(map[string]*Node, len(d.Contents))
	for name, child := range d.Contents {
		if child == nil {
			continue
		}
		n.Children[name] = describedAt(child, Join(addr, name))
	}
	if d.Value != nil {
		if raw, err := json.Marshal(d.Value); err == nil {
			if n.Meta == nil {
				n.Meta = make(map[string]json.RawMessage, 1)
			}
			n.Meta[envelope.AttrValue] = raw
		}
	}
	return n
}
