package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "buildomat.toml", `
bind = "0.0.0.0:8080"
data_dir = "/var/lib/buildomat"

[admin]
token = "secret"
hold = true

[storage]
prefix = "prod"
region = "auto"
bucket = "artifacts"
access_key_id = "AK"
secret_access_key = "SK"
endpoint = "https://example.com"

[job]
max_input_bytes = 1048576

[archive]
grace = "48h"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bind != "0.0.0.0:8080" {
		t.Errorf("Bind = %q", cfg.Bind)
	}
	if cfg.DataDir != "/var/lib/buildomat" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Admin.Token != "secret" || !cfg.Admin.Hold {
		t.Errorf("Admin = %+v", cfg.Admin)
	}
	if cfg.Storage.Bucket != "artifacts" || cfg.Storage.Prefix != "prod" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Job.MaxInputBytes != 1048576 {
		t.Errorf("MaxInputBytes = %d", cfg.Job.MaxInputBytes)
	}
	if cfg.Archive.Grace.Duration() != 48*time.Hour {
		t.Errorf("Grace = %v", cfg.Archive.Grace.Duration())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "buildomat.yaml", `
data_dir: /data
storage:
  prefix: dev
archive:
  grace: 1h30m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DataDir != "/data" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Archive.Grace.Duration() != 90*time.Minute {
		t.Errorf("Grace = %v", cfg.Archive.Grace.Duration())
	}
}

func TestLoadYAMLRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "buildomat.yaml", `
data_dir: /data
listne: "0.0.0.0:8080"
storage:
  prefix: dev
`)
	if _, err := Load(path); err == nil {
		t.Error("misspelled field was not rejected")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "buildomat.json", `{
  "data_dir": "/data",
  "storage": {"prefix": "dev"},
  "archive": {"grace": "15m"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Archive.Grace.Duration() != 15*time.Minute {
		t.Errorf("Grace = %v", cfg.Archive.Grace.Duration())
	}
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "buildomat.toml", `
data_dir = "/data"

[storage]
prefix = "dev"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Bind != "127.0.0.1:9979" {
		t.Errorf("default Bind = %q", cfg.Bind)
	}
	if cfg.Archive.Grace.Duration() != 24*time.Hour {
		t.Errorf("default Grace = %v", cfg.Archive.Grace.Duration())
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing data_dir", `
[storage]
prefix = "dev"
`},
		{"missing prefix", `
data_dir = "/data"
`},
		{"prefix with slash", `
data_dir = "/data"

[storage]
prefix = "a/b"
`},
	}
	for _, c := range cases {
		path := writeConfig(t, "buildomat.toml", c.content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load did not fail", c.name)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load of a missing file did not fail")
	}
}

func TestDurationParseErrors(t *testing.T) {
	path := writeConfig(t, "buildomat.toml", `
data_dir = "/data"

[storage]
prefix = "dev"

[archive]
grace = "not-a-duration"
`)
	if _, err := Load(path); err == nil {
		t.Error("invalid duration was not rejected")
	}
}
