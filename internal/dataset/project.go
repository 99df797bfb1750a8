package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
)

var ErrSubjectOverlap = errors.New("datasets share subjects")

// Project is the root of the acquisition tree.
type Project struct {
	Node

	DataRoot     []string
	MetadataRoot string
	Style        string
	IsComplete   bool
	CachePath    string

	logger *log.Logger
}

// ProjectOption configures NewProject.
type ProjectOption func(*Project)

// WithLogger sets the logger used by the project and its modalities.
func WithLogger(l *log.Logger) ProjectOption {
	return func(p *Project) { p.logger = l }
}

// Partial marks the project as an incomplete dataset.
func Partial() ProjectOption {
	return func(p *Project) { p.IsComplete = false }
}

// NewProject validates every data root and creates the metadata root if it
// does not exist yet.
func NewProject(name, style string, dataRoot []string, metadataRoot string, opts ...ProjectOption) (*Project, error) {
	roots, err := ValidDirs(dataRoot)
	if err != nil {
		return nil, err
	}
	if metadataRoot == "" {
		return nil, fmt.Errorf("%w: empty metadata root", ErrInvalidDirectory)
	}
	if err := os.MkdirAll(metadataRoot, 0755); err != nil {
		return nil, fmt.Errorf("%w: metadata root %s: %v", ErrInvalidDirectory, metadataRoot, err)
	}
	meta, err := filepath.Abs(metadataRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata root %s: %v", ErrInvalidDirectory, metadataRoot, err)
	}

	p := &Project{
		Node:         newNode(name, KindProject, KindModality),
		DataRoot:     roots,
		MetadataRoot: meta,
		Style:        strings.ToLower(style),
		IsComplete:   true,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	return p, nil
}

// Restore rebuilds an empty project from persisted attributes without
// touching the file system.
func Restore(name, style string, opts ...ProjectOption) *Project {
	p := &Project{
		Node:       newNode(name, KindProject, KindModality),
		Style:      strings.ToLower(style),
		IsComplete: true,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	return p
}

// ValidDirs resolves each path to an absolute, existing directory.
func ValidDirs(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no data root given", ErrInvalidDirectory)
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDirectory, p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDirectory, p, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidDirectory, p)
		}
		out = append(out, abs)
	}
	return out, nil
}

func (p *Project) Logger() *log.Logger { return p.logger }

// Rename sets the dataset name. The snapshot is keyed by it, so the next
// save writes a new file.
func (p *Project) Rename(name string) {
	p.name = name
	p.CachePath = ""
}

// AddModality attaches m, handing it the project's logger if it has none.
func (p *Project) AddModality(m *Modality) error {
	if m == nil {
		return fmt.Errorf("%w: nil modality", ErrWrongChildType)
	}
	if m.logger == nil {
		m.SetLogger(p.logger)
	}
	return p.Add(m)
}

func (p *Project) Modality(name string) *Modality {
	m, _ := p.Get(name).(*Modality)
	return m
}

func (p *Project) Modalities() []*Modality { return childrenOf[*Modality](&p.Node) }

// Insert places run at Modality(modality) → Subject → Session → Run,
// creating the intermediate nodes on demand. sessionPath is only used when
// the session is created.
func (p *Project) Insert(modality, subject, session, sessionPath string, run *Run) error {
	mod := p.Modality(modality)
	if mod == nil {
		mod = NewModality(modality)
		if err := p.AddModality(mod); err != nil {
			return err
		}
	}
	sub := mod.Subject(subject)
	if sub == nil {
		sub = NewSubject(subject)
		if err := mod.AddSubject(sub); err != nil {
			return err
		}
	}
	sess := sub.Session(session)
	if sess == nil {
		var err error
		sess, err = NewSession(session, sessionPath)
		if err != nil {
			return err
		}
		if err := sub.AddSession(sess); err != nil {
			return err
		}
	}
	return sess.AddRun(run)
}

// MergeOption configures Merge.
type MergeOption func(*mergeOptions)

type mergeOptions struct {
	allowOverlap bool
}

// AllowOverlap lets subjects of other overwrite same-named subjects.
func AllowOverlap() MergeOption {
	return func(o *mergeOptions) { o.allowOverlap = true }
}

// Merge folds other into p at the subject level. Modalities missing from p
// are attached whole; shared modalities receive other's subjects. Unless
// AllowOverlap is given, shared modalities must have disjoint subjects.
// Nothing is mutated when an error is returned.
func (p *Project) Merge(other *Project, opts ...MergeOption) error {
	if other == nil {
		return fmt.Errorf("%w: cannot merge %s with nil", ErrIncompatibleDataset, p.name)
	}
	if p.Style != other.Style {
		return fmt.Errorf("%w: cannot merge %s and %s", ErrIncompatibleDataset, p.Style, other.Style)
	}
	var o mergeOptions
	for _, fn := range opts {
		fn(&o)
	}

	overlap := p.Overlap(other)
	if len(overlap) > 0 {
		if !o.allowOverlap {
			return fmt.Errorf("%w: %s", ErrSubjectOverlap, strings.Join(overlap, ", "))
		}
		p.logger.Warn("merge overwrites subjects present in both datasets", "subjects", overlap)
	}
	p.logger.Warn("merge assumes partial datasets with mutually exclusive subjects", "into", p.name, "from", other.name)

	for _, mod := range other.Modalities() {
		existing := p.Modality(mod.Name())
		if existing == nil {
			if err := p.AddModality(mod); err != nil {
				return err
			}
			continue
		}
		for _, sub := range mod.Subjects() {
			if err := existing.AddSubject(sub); err != nil {
				return err
			}
		}
	}
	for _, root := range other.DataRoot {
		if !slices.Contains(p.DataRoot, root) {
			p.DataRoot = append(p.DataRoot, root)
		}
	}
	p.IsComplete = false
	return nil
}

// Overlap lists "modality/subject" pairs present in both projects.
func (p *Project) Overlap(other *Project) []string {
	var out []string
	for _, mod := range other.Modalities() {
		existing := p.Modality(mod.Name())
		if existing == nil {
			continue
		}
		for _, name := range mod.ChildNames() {
			if existing.Get(name) != nil {
				out = append(out, mod.Name()+"/"+name)
			}
		}
	}
	return out
}

// Runs visits every run in tree order.
func (p *Project) Runs(fn func(mod *Modality, sub *Subject, sess *Session, run *Run)) {
	for _, mod := range p.Modalities() {
		for _, sub := range mod.Subjects() {
			for _, sess := range sub.Sessions() {
				for _, run := range sess.Runs() {
					fn(mod, sub, sess, run)
				}
			}
		}
	}
}
