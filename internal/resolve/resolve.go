// Package resolve groups the slices of one acquisition folder into the
// distinct parameter variants they contain (typically the echoes of a
// multi-echo sequence) and reduces the folder to a single canonical record.
package resolve

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"sort"

	"github.com/charmbracelet/log"
)

var (
	// ErrNotSlice is returned by a Reader for files that hold no slice.
	ErrNotSlice = errors.New("not a slice file")
	// ErrNoSlices means a folder contained no valid, included slice.
	ErrNoSlices = errors.New("no valid slices")
)

// DefaultMaxDivergent is the representative count above which a folder is
// reported as likely misconfigured.
const DefaultMaxDivergent = 100

// SessionInfo identifies the acquisition a slice belongs to. All slices of
// a folder must share it.
type SessionInfo struct {
	SubjectID string
	SessionID string
	RunID     string
}

// Slice is one decoded per-slice record.
type Slice interface {
	SessionInfo() SessionInfo
	// SequenceName names the modality the acquisition belongs to.
	SequenceName() string
	Params() map[string]string
	// Variant returns the subset of parameters that may legitimately differ
	// between slices of one acquisition, such as echo time and number.
	Variant() map[string]string
	EchoTime() (float64, bool)
	EchoNumber() (int, bool)
}

// Reader decodes one file into a Slice.
type Reader interface {
	Read(path string) (Slice, error)
}

// Inclusion selects which special series are kept. A true flag includes
// that class of series.
type Inclusion struct {
	Phantom bool `yaml:"phantom"`
	Moco    bool `yaml:"moco"`
	Sbref   bool `yaml:"sbref"`
	Derived bool `yaml:"derived"`
}

// Classifier decides whether a slice takes part in indexing.
type Classifier interface {
	Include(s Slice, inc Inclusion) bool
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(s Slice, inc Inclusion) bool

func (f ClassifierFunc) Include(s Slice, inc Inclusion) bool { return f(s, inc) }

// Options configures a Resolver.
type Options struct {
	Pattern        string
	UseEchoNumbers bool
	MaxDivergent   int
	Include        Inclusion
}

// Result is the resolution of one folder.
type Result struct {
	Folder string
	// Canonical is the first valid slice of the folder.
	Canonical       Slice
	Representatives []Slice
	EchoTimes       []float64
	// EchoNumbers parallels EchoTimes when echo numbers are used, else nil.
	EchoNumbers []int
	Skipped     int
}

// Resolver clusters the slices of a folder. It keeps no state between
// calls; each Resolve builds its own representative list.
type Resolver struct {
	reader   Reader
	classify Classifier
	opts     Options
	logger   *log.Logger
}

// New returns a resolver. A nil classifier includes every slice; a nil
// logger discards diagnostics.
func New(reader Reader, classify Classifier, opts Options, logger *log.Logger) *Resolver {
	if opts.Pattern == "" {
		opts.Pattern = "*"
	}
	if opts.MaxDivergent <= 0 {
		opts.MaxDivergent = DefaultMaxDivergent
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Resolver{reader: reader, classify: classify, opts: opts, logger: logger}
}

// ResolveFolder resolves the files of folder matching the pattern, in
// lexicographic order.
func (r *Resolver) ResolveFolder(folder string) (*Result, error) {
	matches, err := filepath.Glob(filepath.Join(folder, r.opts.Pattern))
	if err != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", r.opts.Pattern, err)
	}
	sort.Strings(matches)
	files := matches[:0]
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	return r.Resolve(folder, files)
}

// Resolve clusters the slices read from paths, in the order given.
func (r *Resolver) Resolve(folder string, paths []string) (*Result, error) {
	res := &Result{Folder: folder}
	warned := false

	for _, path := range paths {
		s, err := r.reader.Read(path)
		if err != nil {
			if !errors.Is(err, ErrNotSlice) {
				r.logger.Info("invalid slice, skipping", "path", path, "err", err)
			}
			res.Skipped++
			continue
		}
		if r.classify != nil && !r.classify.Include(s, r.opts.Include) {
			res.Skipped++
			continue
		}

		if res.Canonical == nil {
			res.Canonical = s
			res.Representatives = append(res.Representatives, s)
			continue
		}

		if s.SessionInfo() != res.Canonical.SessionInfo() {
			r.logger.Warn("inconsistent session info, skipping", "path", path, "folder", folder)
			res.Skipped++
			continue
		}

		if !matchesAny(s, res.Representatives) {
			res.Representatives = append(res.Representatives, s)
		}
		if len(res.Representatives) > r.opts.MaxDivergent && !warned {
			r.logger.Error("too many slices with divergent parameters; reading will be slow, check the dataset",
				"folder", folder, "representatives", len(res.Representatives))
			warned = true
		}
	}

	if res.Canonical == nil {
		return nil, fmt.Errorf("%w in %s", ErrNoSlices, folder)
	}
	res.EchoTimes, res.EchoNumbers = echoes(res.Representatives, r.opts.UseEchoNumbers)
	return res, nil
}

// matchesAny compares only the variation-prone subset. Comparing every
// parameter would put each slice in its own cluster, since fields such as
// slice location change from slice to slice.
func matchesAny(s Slice, reps []Slice) bool {
	v := s.Variant()
	for _, rep := range reps {
		if maps.Equal(v, rep.Variant()) {
			return true
		}
	}
	return false
}
