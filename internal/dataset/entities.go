package dataset

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
)

var ErrInvalidDirectory = errors.New("invalid directory")

// Params maps acquisition parameter names to their values.
type Params map[string]string

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// Subject groups the sessions of one participant within a modality.
type Subject struct {
	Node
}

func NewSubject(name string) *Subject {
	return &Subject{Node: newNode(name, KindSubject, KindSession)}
}

func (s *Subject) AddSession(sess *Session) error { return s.Add(sess) }

func (s *Subject) Session(name string) *Session {
	sess, _ := s.Get(name).(*Session)
	return sess
}

func (s *Subject) Sessions() []*Session { return childrenOf[*Session](&s.Node) }

// Session is one scan visit.
type Session struct {
	Node
	Path string
}

// NewSession creates a session. A non-empty path must name an existing
// directory; it is stored in absolute form.
func NewSession(name, path string) (*Session, error) {
	sess := &Session{Node: newNode(name, KindSession, KindRun)}
	if path == "" {
		return sess, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDirectory, path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("%w: session path %s: %v", ErrInvalidDirectory, path, err)
	}
	sess.Path = abs
	return sess, nil
}

func (s *Session) AddRun(run *Run) error { return s.Add(run) }

func (s *Session) Run(name string) *Run {
	run, _ := s.Get(name).(*Run)
	return run
}

func (s *Session) Runs() []*Run { return childrenOf[*Run](&s.Node) }

// Run is one resolved acquisition, the leaf of the tree.
type Run struct {
	Node

	EchoTime    float64
	EchoTimes   []float64
	EchoNumbers []int
	Params      Params
	Error       bool
	// Delta is a format-specific secondary timing attribute.
	Delta *float64
}

func NewRun(name string) *Run {
	return &Run{
		Node:   newNode(name, KindRun, ""),
		Params: Params{},
	}
}

// IsMultiEcho reports whether the resolver found more than one echo in the
// run's folder.
func (r *Run) IsMultiEcho() bool { return len(r.EchoTimes) > 1 }

func childrenOf[T Element](n *Node) []T {
	out := make([]T, 0, n.Len())
	for _, c := range n.Children() {
		if t, ok := c.(T); ok {
			out = append(out, t)
		}
	}
	return out
}
