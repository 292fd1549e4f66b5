package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.VM.HeapSizeWords != 1<<16 {
		t.Errorf("expected HeapSizeWords=%d, got %d", 1<<16, cfg.VM.HeapSizeWords)
	}
	if cfg.VM.MaxCallDepth != 256 {
		t.Errorf("expected MaxCallDepth=256, got %d", cfg.VM.MaxCallDepth)
	}
	if cfg.Debugger.HistorySize != 1000 {
		t.Errorf("expected HistorySize=1000, got %d", cfg.Debugger.HistorySize)
	}
	if !cfg.Debugger.ShowSource {
		t.Error("expected ShowSource=true")
	}
	if cfg.Display.WordsPerLine != 8 {
		t.Errorf("expected WordsPerLine=8, got %d", cfg.Display.WordsPerLine)
	}
	if cfg.Display.NumberFormat != "hex" {
		t.Errorf("expected NumberFormat=hex, got %s", cfg.Display.NumberFormat)
	}
	if cfg.Trace.MaxEntries != 100000 {
		t.Errorf("expected MaxEntries=100000, got %d", cfg.Trace.MaxEntries)
	}
	if cfg.Statistics.Format != "json" {
		t.Errorf("expected Format=json, got %s", cfg.Statistics.Format)
	}
	if cfg.API.Addr == "" {
		t.Error("expected a non-empty default API address")
	}
}

func TestGetConfigPath(t *testing.T) {
	path := GetConfigPath()
	if path == "" {
		t.Fatal("GetConfigPath returned empty string")
	}
	if filepath.Base(path) != "config.toml" {
		t.Errorf("expected path to end with config.toml, got %s", path)
	}

	switch runtime.GOOS {
	case "darwin", "linux":
		dir := filepath.Dir(path)
		if filepath.Base(dir) != "mwvm" && path != "config.toml" {
			t.Errorf("expected path in mwvm directory or fallback, got %s", path)
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "test_config.toml")

	cfg := DefaultConfig()
	cfg.VM.HeapSizeWords = 4096
	cfg.VM.InstructionBudget = 5000
	cfg.Debugger.HistorySize = 500
	cfg.Display.ColorOutput = false

	if err := cfg.SaveTo(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	loaded, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.VM.HeapSizeWords != 4096 {
		t.Errorf("expected HeapSizeWords=4096, got %d", loaded.VM.HeapSizeWords)
	}
	if loaded.VM.InstructionBudget != 5000 {
		t.Errorf("expected InstructionBudget=5000, got %d", loaded.VM.InstructionBudget)
	}
	if loaded.Debugger.HistorySize != 500 {
		t.Errorf("expected HistorySize=500, got %d", loaded.Debugger.HistorySize)
	}
	if loaded.Display.ColorOutput {
		t.Error("expected ColorOutput=false")
	}
}

func TestLoadNonExistent(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "nonexistent.toml")

	cfg, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("LoadFrom should not error on non-existent file: %v", err)
	}
	if cfg.VM.HeapSizeWords != 1<<16 {
		t.Error("expected default config when file doesn't exist")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "invalid.toml")

	invalidTOML := `
[vm]
heap_size_words = "not a number"
`
	if err := os.WriteFile(configPath, []byte(invalidTOML), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	if _, err := LoadFrom(configPath); err == nil {
		t.Error("expected error when loading invalid TOML")
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "subdir1", "subdir2", "config.toml")

	cfg := DefaultConfig()
	if err := cfg.SaveTo(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Fatal("expected config directory to be created")
	}
}
