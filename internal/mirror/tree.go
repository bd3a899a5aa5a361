package mirror

// Tree is the mirrored namespace with an address index. It is not safe for
// concurrent use; the Synchronizer guards it.
type Tree struct {
	root  *Node
	index map[string]*Node
}

func NewTree() *Tree {
	root := &Node{Address: Root, Children: map[string]*Node{}}
	return &Tree{
		root:  root,
		index: map[string]*Node{Root: root},
	}
}

// Replace swaps the whole tree for root.
func (t *Tree) Replace(root *Node) {
	if root == nil {
		root = &Node{}
	}
	root.Address = Root
	if root.Children == nil {
		root.Children = map[string]*Node{}
		root.Value = nil
	}
	t.root = root
	t.index = make(map[string]*Node)
	root.Walk(func(n *Node) bool {
		t.index[n.Address] = n
		return true
	})
}

func (t *Tree) Root() *Node {
	return t.root
}

func (t *Tree) Lookup(addr string) (*Node, bool) {
	n, ok := t.index[Clean(addr)]
	return n, ok
}

func (t *Tree) Len() int {
	return len(t.index)
}

// SetValue updates a leaf in place. Containers and unknown addresses are
// left untouched.
func (t *Tree) SetValue(addr string, values []any) bool {
	n, ok := t.index[Clean(addr)]
	if !ok || n.IsContainer() {
		return false
	}
	n.Value = append([]any(nil), values...)
	return true
}

// Insert merges sub into the tree at sub.Address, creating missing
// ancestors. It returns the newly materialised nodes, parents first.
func (t *Tree) Insert(sub *Node) []*Node {
	if sub == nil {
		return nil
	}
	addr := Clean(sub.Address)
	sub.Address = addr
	if addr == Root {
		var added []*Node
		for _, name := range sub.childNames() {
			added = append(added, t.Insert(sub.Children[name])...)
		}
		mergeAttrs(t.root, sub)
		return added
	}

	var added []*Node
	parentAddr, _ := Parent(addr)
	parent := t.ensureContainer(parentAddr, &added)
	t.merge(parent, sub, &added)
	return added
}

// ensureContainer returns the container at addr, creating it and its
// ancestors as needed. A leaf in the way is converted to a container.
func (t *Tree) ensureContainer(addr string, added *[]*Node) *Node {
	if n, ok := t.index[addr]; ok {
		if !n.IsContainer() {
			n.Children = map[string]*Node{}
			n.Value = nil
		}
		return n
	}
	parentAddr, _ := Parent(addr)
	parent := t.ensureContainer(parentAddr, added)
	n := &Node{Address: addr, Children: map[string]*Node{}}
	parent.Children[Base(addr)] = n
	t.index[addr] = n
	*added = append(*added, n)
	return n
}

func (t *Tree) merge(parent *Node, sub *Node, added *[]*Node) {
	name := Base(sub.Address)
	existing, ok := parent.Children[name]
	if !ok {
		parent.Children[name] = sub
		sub.Walk(func(n *Node) bool {
			t.index[n.Address] = n
			*added = append(*added, n)
			return true
		})
		return
	}
	mergeAttrs(existing, sub)
	if sub.IsContainer() {
		if !existing.IsContainer() {
			existing.Children = map[string]*Node{}
			existing.Value = nil
		}
		for _, childName := range sub.childNames() {
			t.merge(existing, sub.Children[childName], added)
		}
	}
}

func mergeAttrs(dst, src *Node) {
	if src.Type != "" {
		dst.Type = src.Type
	}
	if src.Meta != nil {
		dst.Meta = src.Meta
	}
	if !src.IsContainer() && !dst.IsContainer() && src.Value != nil {
		dst.Value = src.Value
	}
}

// Remove deletes the subtree at addr and returns its nodes children first.
// The root cannot be removed.
func (t *Tree) Remove(addr string) []*Node {
	addr = Clean(addr)
	n, ok := t.index[addr]
	if !ok || addr == Root {
		return nil
	}
	parentAddr, _ := Parent(addr)
	if parent, ok := t.index[parentAddr]; ok {
		delete(parent.Children, Base(addr))
	}
	var removed []*Node
	n.postOrder(func(c *Node) {
		delete(t.index, c.Address)
		removed = append(removed, c)
	})
	return removed
}
