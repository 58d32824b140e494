package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"grimm.is/paramstrip/internal/rulesync"
)

func TestLoadHCL_FullConfig(t *testing.T) {
	src := `
schema_version = "1.0"
state_dir      = "/tmp/ps"
default_rules  = "/etc/paramstrip/seed.yaml"

engine {
  backend   = "memory"
  max_rules = 100
}

sync {
  edit_reassigns_id = false
  toggle_policy     = "best_effort"
  conflict_retries  = 7
}

api {
  listen     = "0.0.0.0:9000"
  rate_limit = 2.5
  rate_burst = 5
}

logging {
  level = "debug"
  json  = true
}
`
	cfg, err := LoadHCL([]byte(src), "test.hcl")
	if err != nil {
		t.Fatalf("LoadHCL() error = %v", err)
	}

	if cfg.StateDir != "/tmp/ps" {
		t.Errorf("StateDir = %q, want /tmp/ps", cfg.StateDir)
	}
	if cfg.Engine.Backend != BackendMemory || cfg.Engine.MaxRules != 100 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.API.Listen != "0.0.0.0:9000" || cfg.API.RateLimit != 2.5 || cfg.API.RateBurst != 5 {
		t.Errorf("API = %+v", cfg.API)
	}
	if !cfg.Logging.JSON || cfg.Logging.Level != "debug" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	opts, err := cfg.SyncOptions()
	if err != nil {
		t.Fatalf("SyncOptions() error = %v", err)
	}
	if opts.EditReassignsID {
		t.Error("EditReassignsID = true, want false")
	}
	if opts.TogglePolicy != rulesync.ToggleBestEffort {
		t.Errorf("TogglePolicy = %q", opts.TogglePolicy)
	}
	if opts.Retry.MaxAttempts != 8 {
		t.Errorf("Retry.MaxAttempts = %d, want 8", opts.Retry.MaxAttempts)
	}
}

func TestLoadHCL_MissingBlocksTakeDefaults(t *testing.T) {
	cfg, err := LoadHCL([]byte(`state_dir = "/tmp/x"`), "min.hcl")
	if err != nil {
		t.Fatalf("LoadHCL() error = %v", err)
	}

	want := Default()
	if cfg.Engine.Backend != want.Engine.Backend || cfg.Engine.MaxRules != want.Engine.MaxRules {
		t.Errorf("Engine = %+v, want %+v", cfg.Engine, want.Engine)
	}
	if !*cfg.Sync.EditReassignsID {
		t.Error("EditReassignsID should default to true")
	}
	if cfg.Sync.TogglePolicy != string(rulesync.ToggleStrict) {
		t.Errorf("TogglePolicy = %q, want strict", cfg.Sync.TogglePolicy)
	}
	if cfg.SchemaVersion != CurrentSchemaVersion {
		t.Errorf("SchemaVersion = %q", cfg.SchemaVersion)
	}
	if cfg.ReconcileEvery() != DefaultReconcileInterval {
		t.Errorf("ReconcileEvery() = %v, want %v", cfg.ReconcileEvery(), DefaultReconcileInterval)
	}
}

func TestReconcileEvery_Disabled(t *testing.T) {
	cfg, err := LoadHCL([]byte(`sync { reconcile_interval = "0" }`), "off.hcl")
	if err != nil {
		t.Fatalf("LoadHCL() error = %v", err)
	}
	if cfg.ReconcileEvery() != 0 {
		t.Errorf("ReconcileEvery() = %v, want disabled", cfg.ReconcileEvery())
	}
}

func TestLoadHCL_EnvFunction(t *testing.T) {
	t.Setenv("PS_TEST_STATE", "/srv/state")
	cfg, err := LoadHCL([]byte(`state_dir = env("PS_TEST_STATE")`), "env.hcl")
	if err != nil {
		t.Fatalf("LoadHCL() error = %v", err)
	}
	if cfg.StateDir != "/srv/state" {
		t.Errorf("StateDir = %q, want /srv/state", cfg.StateDir)
	}
}

func TestLoadHCL_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", `engine {`, "HCL parse error"},
		{"unknown attribute", `nope = 1`, "HCL decode error"},
		{"version", `schema_version = "2.0"`, "unsupported config schema version"},
		{"bad version", `schema_version = "one"`, "invalid schema version"},
		{"backend", `engine { backend = "chrome" }`, "unknown backend"},
		{"max rules", `engine { max_rules = -1 }`, "max_rules"},
		{"policy", `sync { toggle_policy = "maybe" }`, "toggle_policy"},
		{"retries", `sync { conflict_retries = -2 }`, "conflict_retries"},
		{"log level", `logging { level = "loud" }`, "logging.level"},
		{"reconcile interval", `sync { reconcile_interval = "often" }`, "reconcile_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadHCL([]byte(tt.src), "bad.hcl")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON([]byte(`{"engine": {"backend": "memory"}, "sync": {"edit_reassigns_id": false}}`))
	if err != nil {
		t.Fatalf("LoadJSON() error = %v", err)
	}
	if cfg.Engine.Backend != BackendMemory {
		t.Errorf("Backend = %q", cfg.Engine.Backend)
	}
	if *cfg.Sync.EditReassignsID {
		t.Error("EditReassignsID = true, want false")
	}
}

func TestLoadFile_MissingFallsBackToDefault(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.hcl"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Engine.Backend != BackendState {
		t.Errorf("Backend = %q, want state", cfg.Engine.Backend)
	}
}

func TestSaveFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.StateDir = "/var/tmp/ps"
	cfg.Engine.MaxRules = 42
	cfg.Sync.TogglePolicy = string(rulesync.ToggleBestEffort)

	for _, name := range []string{"paramstrip.hcl", "paramstrip.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "nested", name)
			if err := SaveFile(cfg, path); err != nil {
				t.Fatalf("SaveFile() error = %v", err)
			}
			if _, err := os.Stat(path); err != nil {
				t.Fatalf("file not written: %v", err)
			}

			loaded, err := LoadFile(path)
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			if loaded.StateDir != cfg.StateDir || loaded.Engine.MaxRules != 42 {
				t.Errorf("round trip lost fields: %+v %+v", loaded, loaded.Engine)
			}
			if loaded.Sync.TogglePolicy != string(rulesync.ToggleBestEffort) {
				t.Errorf("TogglePolicy = %q", loaded.Sync.TogglePolicy)
			}
		})
	}
}

func TestGenerateHCL(t *testing.T) {
	out := string(GenerateHCL(Default()))
	for _, want := range []string{"schema_version", "engine {", "backend", "toggle_policy", "logging {"} {
		if !strings.Contains(out, want) {
			t.Errorf("generated HCL missing %q:\n%s", want, out)
		}
	}
}

func TestSeed(t *testing.T) {
	cfg := Default()
	seed, err := cfg.Seed()
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if len(seed) == 0 {
		t.Fatal("built-in seed is empty")
	}

	path := filepath.Join(t.TempDir(), "seed.yaml")
	yaml := `- action:
    type: redirect
    redirect:
      transform:
        queryTransform:
          removeParams: [mc_eid]
  group: Email
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg.DefaultRules = path
	seed, err = cfg.Seed()
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if len(seed) != 1 || seed[0].Key().Value != "mc_eid" {
		t.Errorf("seed = %+v", seed)
	}
}
