package fakedevice

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/danmuck/edgelink/internal/protocol/envelope"
)

func segments(addr string) []string {
	var out []string
	for _, p := range strings.Split(addr, "/") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func join(segs []string) string {
	return "/" + strings.Join(segs, "/")
}

func find(root *envelope.Node, addr string) *envelope.Node {
	cur := root
	for _, seg := range segments(addr) {
		if cur.Contents == nil {
			return nil
		}
		next, ok := cur.Contents[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

// insert places n at addr, creating containers on the way. It returns the
// addresses that did not exist before, parents first.
func insert(root *envelope.Node, addr string, n *envelope.Node) []string {
	segs := segments(addr)
	var created []string
	cur := root
	for i, seg := range segs {
		if cur.Contents == nil {
			cur.Contents = map[string]*envelope.Node{}
			cur.Type, cur.Value = "", nil
		}
		next, ok := cur.Contents[seg]
		if i == len(segs)-1 {
			fixPaths(n, join(segs))
			cur.Contents[seg] = n
			if !ok {
				created = append(created, n.FullPath)
			}
			return created
		}
		if !ok {
			next = &envelope.Node{FullPath: join(segs[:i+1]), Contents: map[string]*envelope.Node{}}
			cur.Contents[seg] = next
			created = append(created, next.FullPath)
		}
		cur = next
	}
	return created
}

func fixPaths(n *envelope.Node, addr string) {
	n.FullPath = addr
	for name, c := range n.Contents {
		fixPaths(c, strings.TrimSuffix(addr, "/")+"/"+name)
	}
}

func remove(root *envelope.Node, addr string) bool {
	segs := segments(addr)
	if len(segs) == 0 {
		return false
	}
	parent := find(root, join(segs[:len(segs)-1]))
	if parent == nil || parent.Contents == nil {
		return false
	}
	if _, ok := parent.Contents[segs[len(segs)-1]]; !ok {
		return false
	}
	delete(parent.Contents, segs[len(segs)-1])
	return true
}

func leaf(typ string, value ...any) *envelope.Node {
	return &envelope.Node{
		Type:  typ,
		Value: value,
		Meta:  map[string]json.RawMessage{envelope.AttrAccess: json.RawMessage("3")},
	}
}

// Instances builds a namespace with n instances, each holding a gain
// parameter, one message inport and a preset list, plus the transport tempo.
func Instances(n int) *envelope.Node {
	root := &envelope.Node{FullPath: "/", Contents: map[string]*envelope.Node{}}
	for i := 0; i < n; i++ {
		base := "/rnbo/inst/" + strconv.Itoa(i)
		insert(root, base+"/name", leaf("s", "synth"+strconv.Itoa(i)))
		insert(root, base+"/params/gain", leaf("f", 0.5))
		insert(root, base+"/messages/in/bang", leaf(""))
		insert(root, base+"/presets/entries", leaf("s", "init"))
	}
	insert(root, "/rnbo/jack/transport/bpm", leaf("f", 120.0))
	return root
}
