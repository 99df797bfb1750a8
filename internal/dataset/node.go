package dataset

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// Kind identifies the concrete level of a tree element.
type Kind string

const (
	KindProject  Kind = "Project"
	KindModality Kind = "Modality"
	KindSubject  Kind = "Subject"
	KindSession  Kind = "Session"
	KindRun      Kind = "Run"
)

var (
	ErrWrongChildType      = errors.New("wrong child type")
	ErrIncompatibleDataset = errors.New("incompatible dataset")
)

// Element is implemented by every level of the acquisition tree.
type Element interface {
	Name() string
	Kind() Kind
	node() *Node
}

// Node holds the state shared by every tree level: a name, children keyed
// by name in insertion order, and the compliant / non-compliant child names.
// Children never point back at their parent, so the tree is acyclic.
type Node struct {
	name      string
	kind      Kind
	childKind Kind // empty for leaves

	children map[string]Element
	order    []string

	compliant    []string
	nonCompliant []string
}

func newNode(name string, kind, childKind Kind) Node {
	return Node{
		name:      name,
		kind:      kind,
		childKind: childKind,
		children:  make(map[string]Element),
	}
}

func (n *Node) Name() string { return n.name }
func (n *Node) Kind() Kind   { return n.kind }
func (n *Node) node() *Node  { return n }

// Add attaches child under its own name. Re-adding a name replaces the
// existing child in place without changing its position.
func (n *Node) Add(child Element) error {
	if child == nil {
		return fmt.Errorf("%w: %s %s cannot accept nil", ErrWrongChildType, n.kind, n.name)
	}
	if n.childKind == "" || child.Kind() != n.childKind {
		want := string(n.childKind)
		if want == "" {
			want = "no children"
		}
		return fmt.Errorf("%w: %s accepts %s, got %s", ErrWrongChildType, n.kind, want, child.Kind())
	}
	name := child.Name()
	if _, ok := n.children[name]; !ok {
		n.order = append(n.order, name)
	}
	n.children[name] = child
	return nil
}

// Get returns the child called name, or nil.
func (n *Node) Get(name string) Element {
	return n.children[name]
}

// Children returns the children in insertion order.
func (n *Node) Children() []Element {
	out := make([]Element, 0, len(n.order))
	for _, name := range n.order {
		out = append(out, n.children[name])
	}
	return out
}

// ChildNames returns the child keys in insertion order.
func (n *Node) ChildNames() []string {
	return slices.Clone(n.order)
}

func (n *Node) Len() int { return len(n.order) }

// MarkCompliant records name as compliant. Repeated calls are no-ops.
func (n *Node) MarkCompliant(name string) {
	if !slices.Contains(n.compliant, name) {
		n.compliant = append(n.compliant, name)
	}
}

// MarkNonCompliant records name as non-compliant. Repeated calls are no-ops.
func (n *Node) MarkNonCompliant(name string) {
	if !slices.Contains(n.nonCompliant, name) {
		n.nonCompliant = append(n.nonCompliant, name)
	}
}

func (n *Node) CompliantNames() []string    { return slices.Clone(n.compliant) }
func (n *Node) NonCompliantNames() []string { return slices.Clone(n.nonCompliant) }

// String renders "Kind name with N ChildKind", or "Kind name" for empty nodes.
func (n *Node) String() string {
	if len(n.order) > 0 {
		return fmt.Sprintf("%s %s with %d %s", n.kind, n.name, len(n.order), n.childKind)
	}
	return fmt.Sprintf("%s %s", n.kind, n.name)
}

// Equal reports whether a and b have the same kind, the same name and
// structurally equal children.
func Equal(a, b Element) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() || a.Name() != b.Name() {
		return false
	}
	na, nb := a.node(), b.node()
	if len(na.children) != len(nb.children) {
		return false
	}
	for name, ca := range na.children {
		cb, ok := nb.children[name]
		if !ok || !Equal(ca, cb) {
			return false
		}
	}
	return true
}

// Less orders two elements of the same kind by name.
func Less(a, b Element) (bool, error) {
	if a.Kind() != b.Kind() {
		return false, fmt.Errorf("%w: cannot order %s and %s", ErrWrongChildType, a.Kind(), b.Kind())
	}
	return a.Name() < b.Name(), nil
}

// FprintTree writes a depth-first rendering of the tree rooted at root.
//
//	project
//	+- T1
//	|  +- sub-01
//	+- T2
func FprintTree(w io.Writer, root Element) {
	fprintTree(w, root, nil)
}

const (
	treeMarker     = "+- "
	treeConnection = "|  "
	treeEmpty      = "   "
)

func fprintTree(w io.Writer, e Element, levels []bool) {
	var b strings.Builder
	if len(levels) > 0 {
		for _, more := range levels[:len(levels)-1] {
			if more {
				b.WriteString(treeConnection)
			} else {
				b.WriteString(treeEmpty)
			}
		}
		b.WriteString(treeMarker)
	}
	b.WriteString(e.Name())
	fmt.Fprintln(w, b.String())

	children := e.node().Children()
	for i, child := range children {
		next := append(slices.Clip(levels), i < len(children)-1)
		fprintTree(w, child, next)
	}
}
