package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/mrds/internal/index"
	"github.com/kokistudios/mrds/internal/resolve"
)

// IndexConfig holds folder discovery and slice resolution settings.
type IndexConfig struct {
	Style          string `yaml:"style"`
	Pattern        string `yaml:"pattern"`
	MinCount       int    `yaml:"min_count"`
	UseEchoNumbers bool   `yaml:"use_echo_numbers"`
	MaxDivergent   int    `yaml:"max_divergent"`
}

// Config holds mrds configuration.
type Config struct {
	Version string            `yaml:"version"`
	Index   IndexConfig       `yaml:"index"`
	Include resolve.Inclusion `yaml:"include"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version: "1",
		Index: IndexConfig{
			Style:        "dicom",
			Pattern:      "*",
			MinCount:     1,
			MaxDivergent: resolve.DefaultMaxDivergent,
		},
	}
}

// Store represents a loaded MRDS_HOME.
type Store struct {
	Home   string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Home returns the MRDS_HOME path, respecting the MRDS_HOME env var.
func Home() string {
	if h := os.Getenv("MRDS_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mrdataset")
	}
	return filepath.Join(home, ".mrdataset")
}

// Init creates the MRDS_HOME directory structure.
func Init(home string, force bool) error {
	if _, err := os.Stat(home); err == nil && !force {
		return fmt.Errorf("MRDS_HOME already exists at %s (use --force to reinitialize)", home)
	}

	for _, d := range []string{home, filepath.Join(home, "logs")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return writeConfig(home, DefaultConfig())
}

// Load reads an existing MRDS_HOME. Missing config fields are filled from
// defaults.
func Load(home string) (*Store, error) {
	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read MRDS_HOME config at %s (run 'mrds init'): %w", cfgPath, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	return &Store{Home: home, Config: cfg}, nil
}

// SaveConfig writes the current config to config.yaml.
func (s *Store) SaveConfig() error {
	return writeConfig(s.Home, s.Config)
}

func writeConfig(home string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

var configKeys = []string{
	"index.style", "index.pattern", "index.min_count", "index.use_echo_numbers", "index.max_divergent",
	"include.phantom", "include.moco", "include.sbref", "include.derived",
}

// SetConfigValue sets a config value by dot-path key (e.g. "index.pattern").
func (s *Store) SetConfigValue(key, value string) error {
	switch key {
	case "index.style":
		style := strings.ToLower(value)
		if !slices.Contains(index.Styles(), style) {
			return fmt.Errorf("index.style must be one of: %s", strings.Join(index.Styles(), ", "))
		}
		s.Config.Index.Style = style
	case "index.pattern":
		if _, err := filepath.Match(value, ""); err != nil || value == "" {
			return fmt.Errorf("index.pattern must be a valid glob pattern")
		}
		s.Config.Index.Pattern = value
	case "index.min_count":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("index.min_count must be a positive integer")
		}
		s.Config.Index.MinCount = n
	case "index.max_divergent":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("index.max_divergent must be a positive integer")
		}
		s.Config.Index.MaxDivergent = n
	case "index.use_echo_numbers":
		return s.setBool(key, value, &s.Config.Index.UseEchoNumbers)
	case "include.phantom":
		return s.setBool(key, value, &s.Config.Include.Phantom)
	case "include.moco":
		return s.setBool(key, value, &s.Config.Include.Moco)
	case "include.sbref":
		return s.setBool(key, value, &s.Config.Include.Sbref)
	case "include.derived":
		return s.setBool(key, value, &s.Config.Include.Derived)
	default:
		return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(configKeys, ", "))
	}
	return s.SaveConfig()
}

func (s *Store) setBool(key, value string, dst *bool) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%s must be true or false", key)
	}
	*dst = b
	return s.SaveConfig()
}

// Path resolves a path within MRDS_HOME.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Home}, parts...)
	return filepath.Join(all...)
}

// RandomName returns a name for a dataset the user did not name.
func RandomName() string {
	return "ds-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// LogFile returns a fresh timestamped log path for a run over dataset name.
func (s *Store) LogFile(name string, now time.Time) string {
	return s.Path("logs", fmt.Sprintf("%s_%s.log", name, now.Format("20060102_150405")))
}

// CheckHealth verifies MRDS_HOME structure integrity.
func CheckHealth(home string) []Issue {
	var issues []Issue

	p := filepath.Join(home, "logs")
	info, err := os.Stat(p)
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("missing directory: %s", p)})
	} else if !info.IsDir() {
		issues = append(issues, Issue{"error", fmt.Sprintf("expected directory but found file: %s", p)})
	}

	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("cannot read config.yaml: %v", err)})
	} else {
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("config.yaml is not valid YAML: %v", err)})
		} else if cfg.Index.Style != "" && !slices.Contains(index.Styles(), strings.ToLower(cfg.Index.Style)) {
			issues = append(issues, Issue{"warning", fmt.Sprintf("config.yaml: unsupported index.style %q", cfg.Index.Style)})
		}
	}

	return issues
}

// CheckSnapshotIntegrity decodes every snapshot in MRDS_HOME and reports
// the ones that cannot be read back.
func CheckSnapshotIntegrity(home string) []Issue {
	var issues []Issue
	names, err := ListSnapshots(home)
	if err != nil {
		return issues
	}
	for _, name := range names {
		p, err := LoadSnapshot(filepath.Join(home, name+Ext), nil)
		if err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("snapshot %s: %v", name, err)})
			continue
		}
		if p.Len() == 0 {
			issues = append(issues, Issue{"warning", fmt.Sprintf("snapshot %s: dataset is empty", name)})
		}
		if p.Name() != name {
			issues = append(issues, Issue{"warning", fmt.Sprintf("snapshot %s: holds dataset %q", name, p.Name())})
		}
	}
	return issues
}

// FixIssues attempts to repair simple issues in MRDS_HOME.
func FixIssues(home string) []string {
	var fixed []string

	p := filepath.Join(home, "logs")
	if _, err := os.Stat(p); err != nil {
		if err := os.MkdirAll(p, 0755); err == nil {
			fixed = append(fixed, "recreated missing directory: logs")
		}
	}

	cfgPath := filepath.Join(home, "config.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		if writeConfig(home, DefaultConfig()) == nil {
			fixed = append(fixed, "recreated missing config.yaml with defaults")
		}
	}

	return fixed
}
