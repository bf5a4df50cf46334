package registry

// Radix tree adapted from https://github.com/armon/go-radix, trimmed to
// what the path table needs and walked with Go 1.23 iterators.

import (
	"iter"
	"slices"
	"strings"
)

type leaf[T any] struct {
	key string
	val T
}

type edge[T any] struct {
	label byte
	node  *radixNode[T]
}

type radixNode[T any] struct {
	leaf   *leaf[T]
	prefix string
	// Kept sorted by label for ordered iteration.
	edges []edge[T]
}

func cmpEdge[T any](e edge[T], label byte) int {
	return int(e.label) - int(label)
}

func (n *radixNode[T]) child(label byte) *radixNode[T] {
	if idx, found := slices.BinarySearchFunc(n.edges, label, cmpEdge[T]); found {
		return n.edges[idx].node
	}
	return nil
}

func (n *radixNode[T]) setChild(label byte, child *radixNode[T]) {
	idx, found := slices.BinarySearchFunc(n.edges, label, cmpEdge[T])
	if found {
		n.edges[idx].node = child
		return
	}
	n.edges = slices.Insert(n.edges, idx, edge[T]{label: label, node: child})
}

func (n *radixNode[T]) dropChild(label byte) {
	if idx, found := slices.BinarySearchFunc(n.edges, label, cmpEdge[T]); found {
		n.edges = slices.Delete(n.edges, idx, idx+1)
	}
}

// absorb merges a node with its single child.
func (n *radixNode[T]) absorb() {
	c := n.edges[0].node
	n.prefix += c.prefix
	n.leaf = c.leaf
	n.edges = c.edges
}

type tree[T any] struct {
	root *radixNode[T]
	size int
}

func newTree[T any]() *tree[T] {
	return &tree[T]{root: &radixNode[T]{}}
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// insert returns the previous value when key was already present.
func (t *tree[T]) insert(key string, val T) (old T, updated bool) {
	n := t.root
	search := key
	for {
		if search == "" {
			if n.leaf != nil {
				old, n.leaf.val = n.leaf.val, val
				return old, true
			}
			n.leaf = &leaf[T]{key: key, val: val}
			t.size++
			return old, false
		}

		parent := n
		n = n.child(search[0])
		if n == nil {
			parent.setChild(search[0], &radixNode[T]{
				leaf:   &leaf[T]{key: key, val: val},
				prefix: search,
			})
			t.size++
			return old, false
		}

		shared := commonPrefix(search, n.prefix)
		if shared == len(n.prefix) {
			search = search[shared:]
			continue
		}

		// Split n at the shared prefix.
		t.size++
		split := &radixNode[T]{prefix: search[:shared]}
		parent.setChild(search[0], split)
		split.setChild(n.prefix[shared], n)
		n.prefix = n.prefix[shared:]

		search = search[shared:]
		lf := &leaf[T]{key: key, val: val}
		if search == "" {
			split.leaf = lf
			return old, false
		}
		split.setChild(search[0], &radixNode[T]{leaf: lf, prefix: search})
		return old, false
	}
}

func (t *tree[T]) get(key string) (val T, found bool) {
	n := t.root
	search := key
	for search != "" {
		n = n.child(search[0])
		if n == nil || !strings.HasPrefix(search, n.prefix) {
			return val, false
		}
		search = search[len(n.prefix):]
	}
	if n.leaf == nil {
		return val, false
	}
	return n.leaf.val, true
}

func (t *tree[T]) delete(key string) (removed T, deleted bool) {
	var parent *radixNode[T]
	var label byte
	n := t.root
	search := key
	for search != "" {
		parent, label = n, search[0]
		n = n.child(label)
		if n == nil || !strings.HasPrefix(search, n.prefix) {
			return removed, false
		}
		search = search[len(n.prefix):]
	}
	if n.leaf == nil {
		return removed, false
	}

	removed = n.leaf.val
	n.leaf = nil
	t.size--

	if parent != nil && len(n.edges) == 0 {
		parent.dropChild(label)
	}
	if n != t.root && len(n.edges) == 1 {
		n.absorb()
	}
	if parent != nil && parent != t.root && len(parent.edges) == 1 && parent.leaf == nil {
		parent.absorb()
	}
	return removed, true
}

// walkPrefix visits, in key order, every entry whose key starts with prefix.
func (t *tree[T]) walkPrefix(prefix string) iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		n := t.root
		search := prefix
		for search != "" {
			n = n.child(search[0])
			if n == nil {
				return
			}
			if strings.HasPrefix(search, n.prefix) {
				search = search[len(n.prefix):]
				continue
			}
			if !strings.HasPrefix(n.prefix, search) {
				return
			}
			break
		}
		walk(n, yield)
	}
}

func walk[T any](n *radixNode[T], yield func(string, T) bool) bool {
	if n.leaf != nil && !yield(n.leaf.key, n.leaf.val) {
		return false
	}
	for _, e := range n.edges {
		if !walk(e.node, yield) {
			return false
		}
	}
	return true
}
