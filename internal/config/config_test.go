package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultWhenMissing(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.MaxProfiles != def.MaxProfiles {
		t.Fatalf("MaxProfiles = %d, want %d", cfg.MaxProfiles, def.MaxProfiles)
	}
	if cfg.ImportAttempts != 3 {
		t.Errorf("ImportAttempts = %d, want 3", cfg.ImportAttempts)
	}
	if cfg.Backend != BackendSQLite {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendSQLite)
	}
}

func TestDefaultConfig_Durations(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.OpenTimeout() != 5*time.Second {
		t.Errorf("OpenTimeout() = %v, want 5s", cfg.OpenTimeout())
	}
	if cfg.ImportTimeout() != 10*time.Second {
		t.Errorf("ImportTimeout() = %v, want 10s", cfg.ImportTimeout())
	}
	if cfg.SettleDelay() != 100*time.Millisecond {
		t.Errorf("SettleDelay() = %v, want 100ms", cfg.SettleDelay())
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"max_profiles": 3, "settle_delay_ms": 250}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxProfiles != 3 {
		t.Fatalf("MaxProfiles = %d, want %d", cfg.MaxProfiles, 3)
	}
	if cfg.SettleDelayMs != 250 {
		t.Errorf("SettleDelayMs = %d, want 250", cfg.SettleDelayMs)
	}
	// Untouched fields keep defaults
	if cfg.OpenTimeoutMs != 5000 {
		t.Errorf("OpenTimeoutMs = %d, want 5000", cfg.OpenTimeoutMs)
	}
}

func TestLoad_YAMLFallback(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlConfig := "max_profiles: 4\nbackend: memory\nreserved_stores:\n  - __internal\n"
	if err := os.WriteFile(configPath, []byte(yamlConfig), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxProfiles != 4 {
		t.Errorf("MaxProfiles = %d, want 4", cfg.MaxProfiles)
	}
	if cfg.Backend != BackendMemory {
		t.Errorf("Backend = %q, want %q", cfg.Backend, BackendMemory)
	}
	// Reserved stores merge with the defaults
	if len(cfg.ReservedStores) != 2 || cfg.ReservedStores[1] != "__internal" {
		t.Errorf("ReservedStores = %v, want defaults + __internal", cfg.ReservedStores)
	}
}

func TestLoad_JSONWinsOverYAML(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte(`{"max_profiles": 7}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "config.yaml"), []byte("max_profiles: 2\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxProfiles != 7 {
		t.Errorf("MaxProfiles = %d, want 7", cfg.MaxProfiles)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{not json}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
}

func TestLoadWithRepo_BothPresent(t *testing.T) {
	globalDir := t.TempDir()
	repoRoot := t.TempDir()

	globalConfig := `{"max_profiles": 8, "disabled_tools": ["profile_delete"]}`
	if err := os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(globalConfig), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	repoDir := filepath.Join(repoRoot, ".daydream")
	if err := os.MkdirAll(repoDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	repoConfig := `{"max_profiles": 5, "disabled_tools": ["profile_switch"]}`
	if err := os.WriteFile(filepath.Join(repoDir, "config.json"), []byte(repoConfig), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	nested := filepath.Join(repoRoot, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	cfg, err := LoadWithRepo(globalDir, nested)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}

	if cfg.MaxProfiles != 5 {
		t.Errorf("MaxProfiles = %d, want 5 (repo override)", cfg.MaxProfiles)
	}
	if len(cfg.DisabledTools) != 2 {
		t.Errorf("DisabledTools = %v, want both entries merged", cfg.DisabledTools)
	}
}

func TestLoadWithRepo_NoRepoConfig(t *testing.T) {
	globalDir := t.TempDir()
	startDir := t.TempDir()

	cfg, err := LoadWithRepo(globalDir, startDir)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}
	if cfg.MaxProfiles != DefaultConfig().MaxProfiles {
		t.Errorf("MaxProfiles = %d, want default", cfg.MaxProfiles)
	}
}

func TestMerge_Booleans(t *testing.T) {
	base := &Config{AllowOverLimit: true}
	overlay := &Config{AllowUnsafePaths: true}

	result := Merge(base, overlay)
	if !result.AllowOverLimit || !result.AllowUnsafePaths {
		t.Errorf("Merge booleans = %+v, want both true", result)
	}
}

func TestMergeStringSlice(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want []string
	}{
		{name: "both nil", want: nil},
		{name: "dedup", a: []string{"x", "y"}, b: []string{"y", "z"}, want: []string{"x", "y", "z"}},
		{name: "trims and drops blanks", a: []string{" x ", ""}, b: []string{"  "}, want: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeStringSlice(tt.a, tt.b)
			if len(got) != len(tt.want) {
				t.Fatalf("mergeStringSlice() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("mergeStringSlice()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
