package bundle

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/mrds/internal/store"
)

// Ext is the file extension of exported bundles.
const Ext = ".mrdsb"

var (
	ErrDatasetExists = errors.New("dataset already exists")
	ErrInvalidBundle = errors.New("invalid bundle")
)

// BundleManifest describes the contents of a .mrdsb bundle.
type BundleManifest struct {
	Version    string    `yaml:"version"`
	ExportedAt time.Time `yaml:"exported_at"`
	Dataset    string    `yaml:"dataset"`
	Style      string    `yaml:"style"`
	IsComplete bool      `yaml:"is_complete"`
	Modalities []string  `yaml:"modalities"`
	Files      []string  `yaml:"files"`
}

// Export packs the snapshot of dataset name and its index logs into a
// gzip-compressed tar bundle.
func Export(st *store.Store, name, outputPath string) (string, error) {
	snapPath := store.SnapshotPath(st.Home, name)
	p, err := store.LoadSnapshot(snapPath, nil)
	if err != nil {
		return "", err
	}

	if outputPath == "" {
		outputPath = name + Ext
	}
	if info, err := os.Stat(outputPath); err == nil && info.IsDir() {
		outputPath = filepath.Join(outputPath, name+Ext)
	} else if !strings.HasSuffix(outputPath, Ext) {
		outputPath += Ext
	}

	files := []string{snapPath}
	logs, _ := filepath.Glob(st.Path("logs", name+"_*.log"))
	sort.Strings(logs)
	files = append(files, logs...)

	manifest := BundleManifest{
		Version:    "1",
		ExportedAt: time.Now().UTC(),
		Dataset:    name,
		Style:      p.Style,
		IsComplete: p.IsComplete,
		Modalities: p.ChildNames(),
	}
	for _, f := range files {
		rel, err := filepath.Rel(st.Home, f)
		if err != nil {
			return "", err
		}
		manifest.Files = append(manifest.Files, filepath.ToSlash(rel))
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	if err := writeManifest(tw, manifest); err != nil {
		return "", err
	}
	for i, f := range files {
		if err := addFile(tw, f, manifest.Files[i]); err != nil {
			return "", err
		}
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish gzip: %w", err)
	}
	return outputPath, nil
}

func writeManifest(tw *tar.Writer, manifest BundleManifest) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	header := &tar.Header{
		Name:    "manifest.yaml",
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	header := &tar.Header{
		Name:    name,
		Size:    int64(len(content)),
		Mode:    int64(info.Mode().Perm()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}
	return nil
}

// ImportResult contains information about an imported dataset.
type ImportResult struct {
	Dataset       string
	Style         string
	IsComplete    bool
	FilesImported int
}

// Import unpacks a bundle into MRDS_HOME. It refuses to replace a dataset
// that already has a snapshot. Every entry is validated before anything is
// written, and files already written are removed when the import fails.
func Import(st *store.Store, bundlePath string) (*ImportResult, error) {
	manifest, contents, err := readBundle(bundlePath)
	if err != nil {
		return nil, err
	}
	if err := validName(manifest.Dataset); err != nil {
		return nil, err
	}

	snapEntry := manifest.Dataset + store.Ext
	if !slices.Contains(manifest.Files, snapEntry) {
		return nil, fmt.Errorf("%w: snapshot %s not listed", ErrInvalidBundle, snapEntry)
	}
	snapPath := store.SnapshotPath(st.Home, manifest.Dataset)
	if _, err := os.Stat(snapPath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDatasetExists, manifest.Dataset)
	}

	dests := make([]string, len(manifest.Files))
	for i, name := range manifest.Files {
		if _, ok := contents[name]; !ok {
			return nil, fmt.Errorf("%w: %s listed but missing", ErrInvalidBundle, name)
		}
		if dests[i], err = safeJoin(st.Home, name); err != nil {
			return nil, err
		}
	}

	var written []string
	rollback := func() {
		for _, path := range written {
			os.Remove(path)
		}
	}
	for i, name := range manifest.Files {
		if err := os.MkdirAll(filepath.Dir(dests[i]), 0755); err != nil {
			rollback()
			return nil, fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(dests[i], contents[name], 0644); err != nil {
			rollback()
			return nil, fmt.Errorf("failed to write %s: %w", name, err)
		}
		written = append(written, dests[i])
	}

	if _, err := store.LoadSnapshot(snapPath, nil); err != nil {
		rollback()
		return nil, fmt.Errorf("imported snapshot is unreadable: %w", err)
	}
	return &ImportResult{
		Dataset:       manifest.Dataset,
		Style:         manifest.Style,
		IsComplete:    manifest.IsComplete,
		FilesImported: len(written),
	}, nil
}

// validName accepts dataset names that map to a single file in home.
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: missing or empty manifest", ErrInvalidBundle)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: bad dataset name %q", ErrInvalidBundle, name)
	}
	return nil
}

// safeJoin keeps bundle entries inside home.
func safeJoin(home, name string) (string, error) {
	dest := filepath.Join(home, filepath.FromSlash(name))
	rel, err := filepath.Rel(home, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: entry %s escapes the home directory", ErrInvalidBundle, name)
	}
	return dest, nil
}

func readBundle(bundlePath string) (*BundleManifest, map[string][]byte, error) {
	inFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer inFile.Close()

	gr, err := gzip.NewReader(inFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	var manifest BundleManifest
	contents := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read tar: %w", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read file %s: %w", header.Name, err)
		}
		if header.Name == "manifest.yaml" {
			if err := yaml.Unmarshal(content, &manifest); err != nil {
				return nil, nil, fmt.Errorf("failed to parse manifest: %w", err)
			}
			continue
		}
		contents[header.Name] = content
	}
	return &manifest, contents, nil
}

// ReadManifest reads only the manifest from a bundle without extracting.
func ReadManifest(bundlePath string) (*BundleManifest, error) {
	inFile, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	defer inFile.Close()

	gr, err := gzip.NewReader(inFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar: %w", err)
		}
		if header.Name == "manifest.yaml" {
			content, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed to read manifest: %w", err)
			}
			var manifest BundleManifest
			if err := yaml.Unmarshal(content, &manifest); err != nil {
				return nil, fmt.Errorf("failed to parse manifest: %w", err)
			}
			return &manifest, nil
		}
	}

	return nil, fmt.Errorf("manifest not found in bundle")
}
