package store

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/mrds/internal/dataset"
)

// Ext is the file extension of dataset snapshots.
const Ext = ".mrds"

var (
	ErrEmptyDataset     = errors.New("dataset is empty")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrBadExtension     = errors.New("snapshot file must have the " + Ext + " extension")
)

type marks struct {
	Compliant    []string `yaml:"compliant,omitempty"`
	NonCompliant []string `yaml:"non_compliant,omitempty"`
}

type projectDoc struct {
	Version      string        `yaml:"version"`
	Name         string        `yaml:"name"`
	Style        string        `yaml:"style"`
	DataRoot     []string      `yaml:"data_root"`
	MetadataRoot string        `yaml:"metadata_root"`
	IsComplete   bool          `yaml:"is_complete"`
	Marks        marks         `yaml:",inline"`
	Modalities   []modalityDoc `yaml:"modalities"`
}

type modalityDoc struct {
	Name          string         `yaml:"name"`
	Marks         marks          `yaml:",inline"`
	References    []referenceDoc `yaml:"references,omitempty"`
	NonCompliance []recordDoc    `yaml:"non_compliance,omitempty"`
	Subjects      []subjectDoc   `yaml:"subjects"`
}

type referenceDoc struct {
	EchoTime float64           `yaml:"echo_time"`
	Params   map[string]string `yaml:"params"`
}

type recordDoc struct {
	Parameter      string  `yaml:"parameter"`
	EchoTime       float64 `yaml:"echo_time"`
	ReferenceValue string  `yaml:"reference_value"`
	ObservedValue  string  `yaml:"observed_value"`
	Subject        string  `yaml:"subject"`
}

type subjectDoc struct {
	Name     string       `yaml:"name"`
	Marks    marks        `yaml:",inline"`
	Sessions []sessionDoc `yaml:"sessions"`
}

type sessionDoc struct {
	Name  string   `yaml:"name"`
	Path  string   `yaml:"path,omitempty"`
	Marks marks    `yaml:",inline"`
	Runs  []runDoc `yaml:"runs"`
}

type runDoc struct {
	Name        string            `yaml:"name"`
	EchoTime    float64           `yaml:"echo_time"`
	EchoTimes   []float64         `yaml:"echo_times,omitempty"`
	EchoNumbers []int             `yaml:"echo_numbers,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`
	Error       bool              `yaml:"error,omitempty"`
	Delta       *float64          `yaml:"delta,omitempty"`
}

// SnapshotPath is where the snapshot of dataset name lives in home.
func SnapshotPath(home, name string) string {
	return filepath.Join(home, name+Ext)
}

// SaveSnapshot writes p to <home>/<name>.mrds.
func SaveSnapshot(home string, p *dataset.Project) (string, error) {
	path := SnapshotPath(home, p.Name())
	return path, SaveSnapshotAs(p, path)
}

// SaveSnapshotAs writes p to path as gzip-compressed YAML and records the
// path in p.CachePath.
func SaveSnapshotAs(p *dataset.Project, path string) error {
	if filepath.Ext(path) != Ext {
		return fmt.Errorf("%w: %s", ErrBadExtension, path)
	}
	if p.Len() == 0 {
		return fmt.Errorf("%w: %s has no modalities", ErrEmptyDataset, p.Name())
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	gw := gzip.NewWriter(f)
	enc := yaml.NewEncoder(gw)
	err = enc.Encode(encodeProject(p))
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	p.CachePath = path
	return nil
}

// LoadSnapshot reads a snapshot back into a project. Loading a partial
// dataset logs a warning. A nil logger discards diagnostics.
func LoadSnapshot(path string, logger *log.Logger) (*dataset.Project, error) {
	if filepath.Ext(path) != Ext {
		return nil, fmt.Errorf("%w: %s", ErrBadExtension, path)
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gr.Close()

	var doc projectDoc
	if err := yaml.NewDecoder(gr).Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}

	var opts []dataset.ProjectOption
	if logger != nil {
		opts = append(opts, dataset.WithLogger(logger))
	}
	p, err := decodeProject(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}
	p.CachePath = path
	if !p.IsComplete {
		p.Logger().Warn("loaded a partial dataset", "name", p.Name(), "path", path)
	}
	return p, nil
}

// ListSnapshots returns the names of the datasets saved in home, sorted.
func ListSnapshots(home string) ([]string, error) {
	entries, err := os.ReadDir(home)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Ext))
	}
	sort.Strings(names)
	return names, nil
}

func marksOf(n *dataset.Node) marks {
	return marks{Compliant: n.CompliantNames(), NonCompliant: n.NonCompliantNames()}
}

func (m marks) apply(n *dataset.Node) {
	for _, name := range m.Compliant {
		n.MarkCompliant(name)
	}
	for _, name := range m.NonCompliant {
		n.MarkNonCompliant(name)
	}
}

func encodeProject(p *dataset.Project) projectDoc {
	doc := projectDoc{
		Version:      "1",
		Name:         p.Name(),
		Style:        p.Style,
		DataRoot:     p.DataRoot,
		MetadataRoot: p.MetadataRoot,
		IsComplete:   p.IsComplete,
		Marks:        marksOf(&p.Node),
	}
	for _, mod := range p.Modalities() {
		md := modalityDoc{Name: mod.Name(), Marks: marksOf(&mod.Node)}
		for _, te := range mod.EchoTimes() {
			ref, _ := mod.GetReference(dataset.WithEchoTime(te))
			md.References = append(md.References, referenceDoc{EchoTime: te, Params: ref})
		}
		for _, r := range mod.ComplianceRecords() {
			md.NonCompliance = append(md.NonCompliance, recordDoc(r))
		}
		for _, sub := range mod.Subjects() {
			sd := subjectDoc{Name: sub.Name(), Marks: marksOf(&sub.Node)}
			for _, sess := range sub.Sessions() {
				ssd := sessionDoc{Name: sess.Name(), Path: sess.Path, Marks: marksOf(&sess.Node)}
				for _, run := range sess.Runs() {
					ssd.Runs = append(ssd.Runs, runDoc{
						Name:        run.Name(),
						EchoTime:    run.EchoTime,
						EchoTimes:   run.EchoTimes,
						EchoNumbers: run.EchoNumbers,
						Params:      run.Params,
						Error:       run.Error,
						Delta:       run.Delta,
					})
				}
				sd.Sessions = append(sd.Sessions, ssd)
			}
			md.Subjects = append(md.Subjects, sd)
		}
		doc.Modalities = append(doc.Modalities, md)
	}
	return doc
}

// decodeProject rebuilds the tree without touching the file system, so a
// snapshot stays readable after its data roots move.
func decodeProject(doc projectDoc, opts []dataset.ProjectOption) (*dataset.Project, error) {
	if doc.Name == "" {
		return nil, errors.New("missing dataset name")
	}
	p := dataset.Restore(doc.Name, doc.Style, opts...)
	p.DataRoot = doc.DataRoot
	p.MetadataRoot = doc.MetadataRoot
	p.IsComplete = doc.IsComplete
	doc.Marks.apply(&p.Node)

	for _, md := range doc.Modalities {
		mod := dataset.NewModality(md.Name)
		md.Marks.apply(&mod.Node)
		for _, ref := range md.References {
			if err := mod.SetReference(ref.Params, dataset.WithEchoTime(ref.EchoTime)); err != nil {
				return nil, err
			}
		}
		for _, r := range md.NonCompliance {
			mod.RecordNonCompliance(r.Parameter, r.EchoTime, r.ReferenceValue, r.ObservedValue, r.Subject)
		}
		for _, sd := range md.Subjects {
			sub := dataset.NewSubject(sd.Name)
			sd.Marks.apply(&sub.Node)
			for _, ssd := range sd.Sessions {
				sess, err := dataset.NewSession(ssd.Name, "")
				if err != nil {
					return nil, err
				}
				sess.Path = ssd.Path
				ssd.Marks.apply(&sess.Node)
				for _, rd := range ssd.Runs {
					run := dataset.NewRun(rd.Name)
					run.EchoTime = rd.EchoTime
					run.EchoTimes = rd.EchoTimes
					run.EchoNumbers = rd.EchoNumbers
					if rd.Params != nil {
						run.Params = rd.Params
					}
					run.Error = rd.Error
					run.Delta = rd.Delta
					if err := sess.AddRun(run); err != nil {
						return nil, err
					}
				}
				if err := sub.AddSession(sess); err != nil {
					return nil, err
				}
			}
			if err := mod.AddSubject(sub); err != nil {
				return nil, err
			}
		}
		if err := p.AddModality(mod); err != nil {
			return nil, err
		}
	}
	return p, nil
}
