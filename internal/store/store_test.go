package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInit(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".mrdataset")

	if err := Init(home, false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(home, "logs"))
	if err != nil {
		t.Error("expected logs directory to exist")
	} else if !info.IsDir() {
		t.Error("expected logs to be a directory")
	}

	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Error("expected config.yaml to exist")
	}

	// Second init should fail without force
	if err := Init(home, false); err == nil {
		t.Error("expected error on duplicate init")
	}

	if err := Init(home, true); err != nil {
		t.Errorf("expected force init to succeed: %v", err)
	}
}

func TestLoad(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".mrdataset")
	Init(home, false)

	s, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Home != home {
		t.Errorf("expected Home=%s, got %s", home, s.Home)
	}
}

func TestLoad_MissingHome(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for uninitialized home")
	}
}

func TestPath(t *testing.T) {
	s := &Store{Home: "/tmp/.mrdataset"}
	got := s.Path("logs", "a.log")
	want := filepath.Join("/tmp/.mrdataset", "logs", "a.log")
	if got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
}

func TestCheckHealth(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".mrdataset")
	Init(home, false)

	issues := CheckHealth(home)
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}

	os.RemoveAll(filepath.Join(home, "logs"))
	issues = CheckHealth(home)
	if len(issues) == 0 {
		t.Error("expected issues after removing logs dir")
	}
}

func TestCheckHealth_UnsupportedStyle(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".mrdataset")
	Init(home, false)
	os.WriteFile(filepath.Join(home, "config.yaml"), []byte("index:\n  style: nifti\n"), 0644)

	issues := CheckHealth(home)
	if len(issues) != 1 || issues[0].Severity != "warning" {
		t.Errorf("expected one warning, got %v", issues)
	}
}

func TestHomeEnvVar(t *testing.T) {
	t.Setenv("MRDS_HOME", "/custom/path")
	if got := Home(); got != "/custom/path" {
		t.Errorf("Home() = %s, want /custom/path", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Index.Style != "dicom" {
		t.Errorf("expected default style 'dicom', got %s", cfg.Index.Style)
	}
	if cfg.Index.Pattern != "*" {
		t.Errorf("expected default pattern '*', got %s", cfg.Index.Pattern)
	}
	if cfg.Index.MinCount != 1 {
		t.Errorf("expected min_count 1, got %d", cfg.Index.MinCount)
	}
	if cfg.Index.MaxDivergent != 100 {
		t.Errorf("expected max_divergent 100, got %d", cfg.Index.MaxDivergent)
	}
	if cfg.Include.Phantom || cfg.Include.Moco || cfg.Include.Sbref || cfg.Include.Derived {
		t.Error("expected every special series class excluded by default")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".mrdataset")
	Init(home, false)

	os.WriteFile(filepath.Join(home, "config.yaml"), []byte("version: \"1\"\ninclude:\n  sbref: true\n"), 0644)

	s, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Config.Index.Style != "dicom" {
		t.Errorf("expected default style, got %s", s.Config.Index.Style)
	}
	if s.Config.Index.MaxDivergent != 100 {
		t.Errorf("expected default max_divergent, got %d", s.Config.Index.MaxDivergent)
	}
	if !s.Config.Include.Sbref {
		t.Error("expected include.sbref from file")
	}
}

func TestSetConfigValue(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".mrdataset")
	Init(home, false)
	s, _ := Load(home)

	if err := s.SetConfigValue("index.pattern", "*.dcm"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfigValue("include.moco", "true"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfigValue("index.min_count", "3"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfigValue("index.style", "DICOM"); err != nil {
		t.Fatal(err)
	}

	s2, _ := Load(home)
	if s2.Config.Index.Pattern != "*.dcm" {
		t.Errorf("config not persisted, got %s", s2.Config.Index.Pattern)
	}
	if !s2.Config.Include.Moco {
		t.Error("include.moco not persisted")
	}
	if s2.Config.Index.Style != "dicom" {
		t.Errorf("style not normalized, got %s", s2.Config.Index.Style)
	}
	if s2.Config.Index.MinCount != 3 {
		t.Errorf("min_count not persisted, got %d", s2.Config.Index.MinCount)
	}
}

func TestSetConfigValue_Invalid(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".mrdataset")
	Init(home, false)
	s, _ := Load(home)

	tests := []struct {
		key, value string
	}{
		{"nonexistent.key", "value"},
		{"index.min_count", "notanumber"},
		{"index.max_divergent", "0"},
		{"index.pattern", "[a-"},
		{"include.derived", "maybe"},
		{"index.style", "nifti"},
	}
	for _, tt := range tests {
		if err := s.SetConfigValue(tt.key, tt.value); err == nil {
			t.Errorf("%s=%s: expected error", tt.key, tt.value)
		}
	}
}

func TestFixIssues(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".mrdataset")
	Init(home, false)

	os.RemoveAll(filepath.Join(home, "logs"))
	os.Remove(filepath.Join(home, "config.yaml"))

	fixed := FixIssues(home)
	if len(fixed) != 2 {
		t.Errorf("expected two fixes, got %v", fixed)
	}
	if issues := CheckHealth(home); len(issues) != 0 {
		t.Errorf("expected healthy home after fix, got %v", issues)
	}
}

func TestRandomName(t *testing.T) {
	a, b := RandomName(), RandomName()
	if a == b {
		t.Errorf("expected distinct names, got %s twice", a)
	}
	if !strings.HasPrefix(a, "ds-") || len(a) != 15 {
		t.Errorf("unexpected name format: %s", a)
	}
}

func TestLogFile(t *testing.T) {
	s := &Store{Home: "/tmp/.mrdataset"}
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	want := filepath.Join("/tmp/.mrdataset", "logs", "study_20260304_050607.log")
	if got := s.LogFile("study", at); got != want {
		t.Errorf("LogFile() = %s, want %s", got, want)
	}
}
