// Package index builds a dataset tree from one or more data roots.
package index

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/kokistudios/mrds/internal/dataset"
	"github.com/kokistudios/mrds/internal/fsutil"
	"github.com/kokistudios/mrds/internal/resolve"
)

// Options configures an Assembler. Zero values fall back to the same
// defaults as the config file.
type Options struct {
	Name         string
	Style        string
	DataRoot     []string
	MetadataRoot string

	Pattern        string
	MinCount       int
	UseEchoNumbers bool
	MaxDivergent   int
	Include        resolve.Inclusion

	// Partial marks the resulting project as an incomplete dataset.
	Partial bool
	Logger  *log.Logger
	// Progress, if set, is called with each folder before it is resolved.
	Progress func(folder string)
}

// Stats summarizes a Load.
type Stats struct {
	Folders int
	Runs    int
	Skipped int
}

// Assembler drives folder resolution and inserts every resolved run into
// its project.
type Assembler struct {
	project  *dataset.Project
	resolver *resolve.Resolver
	opts     Options
	logger   *log.Logger
}

// New looks up the reader and classifier for opts.Style and returns an
// assembler over a freshly validated project.
func New(opts Options) (*Assembler, error) {
	format, err := Lookup(opts.Style)
	if err != nil {
		return nil, err
	}
	return NewWithFormat(format, opts)
}

// NewWithFormat is New with an explicit format.
func NewWithFormat(format Format, opts Options) (*Assembler, error) {
	if opts.Style == "" {
		opts.Style = "dicom"
	}
	if opts.MinCount < 1 {
		opts.MinCount = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	projOpts := []dataset.ProjectOption{dataset.WithLogger(logger)}
	if opts.Partial {
		projOpts = append(projOpts, dataset.Partial())
	}
	project, err := dataset.NewProject(opts.Name, opts.Style, opts.DataRoot, opts.MetadataRoot, projOpts...)
	if err != nil {
		return nil, err
	}

	resolver := resolve.New(format.Reader, format.Classifier, resolve.Options{
		Pattern:        opts.Pattern,
		UseEchoNumbers: opts.UseEchoNumbers,
		MaxDivergent:   opts.MaxDivergent,
		Include:        opts.Include,
	}, logger)

	return &Assembler{project: project, resolver: resolver, opts: opts, logger: logger}, nil
}

func (a *Assembler) Project() *dataset.Project { return a.project }

// Load walks every data root. A root that cannot be walked aborts the load;
// a folder that cannot be resolved or inserted is logged and skipped.
func (a *Assembler) Load() (Stats, error) {
	var stats Stats
	for _, root := range a.project.DataRoot {
		folders, err := fsutil.FoldersWithMinFiles(root, a.opts.Pattern, a.opts.MinCount)
		if err != nil {
			return stats, fmt.Errorf("walk %s: %w", root, err)
		}
		for _, folder := range folders {
			stats.Folders++
			if a.opts.Progress != nil {
				a.opts.Progress(folder)
			}
			res, err := a.resolver.ResolveFolder(folder)
			if err != nil {
				a.logger.Info("skipping folder", "folder", folder, "err", err)
				stats.Skipped++
				continue
			}
			if err := a.Insert(res); err != nil {
				a.logger.Info("skipping folder", "folder", folder, "err", err)
				stats.Skipped++
				continue
			}
			stats.Runs++
		}
	}
	a.logger.Debug("index complete", "project", a.project.Name(),
		"folders", stats.Folders, "runs", stats.Runs, "skipped", stats.Skipped)
	return stats, nil
}

// Insert adds the run described by res at
// Modality(sequence) → Subject → Session → Run.
func (a *Assembler) Insert(res *resolve.Result) error {
	if res == nil || res.Canonical == nil {
		return resolve.ErrNoSlices
	}
	info := res.Canonical.SessionInfo()
	return a.project.Insert(res.Canonical.SequenceName(), info.SubjectID, info.SessionID, res.Folder, RunOf(res))
}

// RunOf converts a resolution into a run. A canonical slice without an echo
// time yields a run flagged as malformed.
func RunOf(res *resolve.Result) *dataset.Run {
	info := res.Canonical.SessionInfo()
	run := dataset.NewRun(info.RunID)
	run.Params = dataset.Params(res.Canonical.Params())
	run.EchoTimes = append([]float64(nil), res.EchoTimes...)
	run.EchoNumbers = append([]int(nil), res.EchoNumbers...)

	te, ok := res.Canonical.EchoTime()
	if ok {
		run.EchoTime = te
	} else {
		run.Error = true
	}
	return run
}
