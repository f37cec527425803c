package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OFFSYNC_USER_ID", "u1")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.DebounceQuietSeconds != 30 {
		t.Errorf("DebounceQuietSeconds = %d, want 30", cfg.DebounceQuietSeconds)
	}
	if cfg.DrainBatchSize != 25 {
		t.Errorf("DrainBatchSize = %d, want 25", cfg.DrainBatchSize)
	}
}

func TestLoadFile(t *testing.T) {
	t.Setenv("OFFSYNC_USER_ID", "placeholder") // register cleanup
	_ = os.Unsetenv("OFFSYNC_USER_ID")
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
user_id = "u-file"
data_dir = "/tmp/offsync-test"
max_retries = 5
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "u-file" {
		t.Errorf("UserID = %q, want u-file", cfg.UserID)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if cfg.DBPath() != "/tmp/offsync-test/offsync.db" {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(`user_id = "u-file"`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OFFSYNC_USER_ID", "u-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UserID != "u-env" {
		t.Errorf("UserID = %q, want u-env (env override)", cfg.UserID)
	}
}

func TestMissingUserID(t *testing.T) {
	t.Setenv("OFFSYNC_USER_ID", "placeholder") // register cleanup
	_ = os.Unsetenv("OFFSYNC_USER_ID")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for missing user_id")
	}
}
