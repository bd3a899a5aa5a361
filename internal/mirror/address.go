package mirror

import "strings"

// Root is the namespace root address.
const Root = "/"

// Clean normalises an address: one leading slash, no trailing or doubled
// slashes.
func Clean(addr string) string {
	segs := Split(addr)
	if len(segs) == 0 {
		return Root
	}
	return "/" + strings.Join(segs, "/")
}

// Split returns the non-empty segments of addr.
func Split(addr string) []string {
	parts := strings.Split(addr, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Parent returns the parent address; ok is false for the root.
func Parent(addr string) (string, bool) {
	segs := Split(addr)
	if len(segs) == 0 {
		return "", false
	}
	if len(segs) == 1 {
		return Root, true
	}
	return "/" + strings.Join(segs[:len(segs)-1], "/"), true
}

// Base returns the last segment of addr, or "" for the root.
func Base(addr string) string {
	segs := Split(addr)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

func Join(parent, name string) string {
	return Clean(parent + "/" + name)
}

// Within reports whether addr is root or lies below it.
func Within(addr, root string) bool {
	addr, root = Clean(addr), Clean(root)
	if root == Root || addr == root {
		return true
	}
	return strings.HasPrefix(addr, root+"/")
}
