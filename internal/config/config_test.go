package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AURADRIVE_DATA_DIR", "AURADRIVE_DB_PATH", "AURADRIVE_SOCKET_PATH",
		"AURADRIVE_LOG_LEVEL", "AURADRIVE_LOG_FORMAT", "AURADRIVE_METRICS_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	clearEnv(t)
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Callbacks.QueueSize != 256 {
		t.Errorf("expected queue size 256, got %d", cfg.Callbacks.QueueSize)
	}
	if cfg.Storage.IDScheme != "uuid" {
		t.Errorf("expected uuid id scheme, got %s", cfg.Storage.IDScheme)
	}
	if !strings.Contains(cfg.DatabasePath(), "auradrive") {
		t.Errorf("database path should contain auradrive: %s", cfg.DatabasePath())
	}
	if !strings.HasSuffix(cfg.IPC.SocketPath, "auradrive.sock") {
		t.Errorf("unexpected socket path: %s", cfg.IPC.SocketPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "auradrive") {
		t.Errorf("config path should contain auradrive: %s", path)
	}
}

func TestDataDirEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("AURADRIVE_DATA_DIR", dir)

	if got := DataDir(); got != dir {
		t.Errorf("DataDir() = %s, expected %s", got, dir)
	}
	cfg := DefaultConfig()
	if cfg.DatabasePath() != filepath.Join(dir, "auradrive.db") {
		t.Errorf("unexpected database path %s", cfg.DatabasePath())
	}
	if cfg.ContentDir() != filepath.Join(dir, "content") {
		t.Errorf("unexpected content dir %s", cfg.ContentDir())
	}
	if cfg.MasterKeyPath() != filepath.Join(dir, "master.key") {
		t.Errorf("unexpected master key path %s", cfg.MasterKeyPath())
	}
}

func TestLoadNonexistent(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Compression != "zstd" {
		t.Errorf("expected default compression, got %s", cfg.Storage.Compression)
	}
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")

	content := `
version = 1

[service]
name = "TestDrive"
data_dir = "/var/lib/auradrive"

[storage]
compression = "lz4"
id_scheme = "sequence"
allowed_roots = ["/srv/share", "/home/shared"]

[callbacks]
queue_size = 16

[modules]
known = ["com.example.alpha", "com.example.beta"]
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Service.Name != "TestDrive" {
		t.Errorf("expected name TestDrive, got %s", cfg.Service.Name)
	}
	if cfg.Storage.Compression != "lz4" || cfg.Storage.IDScheme != "sequence" {
		t.Errorf("storage not loaded: %+v", cfg.Storage)
	}
	if len(cfg.Storage.AllowedRoots) != 2 {
		t.Errorf("expected 2 allowed roots, got %d", len(cfg.Storage.AllowedRoots))
	}
	if cfg.Callbacks.QueueSize != 16 {
		t.Errorf("expected queue size 16, got %d", cfg.Callbacks.QueueSize)
	}
	if len(cfg.Modules.Known) != 2 || cfg.Modules.Known[1] != "com.example.beta" {
		t.Errorf("unexpected modules: %v", cfg.Modules.Known)
	}
	// Untouched sections keep defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level, got %s", cfg.Logging.Level)
	}
	if cfg.DatabasePath() != "/var/lib/auradrive/auradrive.db" {
		t.Errorf("unexpected database path %s", cfg.DatabasePath())
	}
}

func TestLoadJSONAndYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(jsonPath, []byte(`{"logging": {"level": "debug"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(jsonPath)
	if err != nil {
		t.Fatalf("Load JSON: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("JSON level = %s", cfg.Logging.Level)
	}

	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("diagnostics:\n  log_lines: 42\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(yamlPath)
	if err != nil {
		t.Fatalf("Load YAML: %v", err)
	}
	if cfg.Diagnostics.LogLines != 42 {
		t.Errorf("YAML log_lines = %d", cfg.Diagnostics.LogLines)
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("this is not valid toml {{{"), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AURADRIVE_LOG_LEVEL", "DEBUG")
	t.Setenv("AURADRIVE_SOCKET_PATH", "/tmp/x.sock")
	t.Setenv("AURADRIVE_METRICS_ADDR", "127.0.0.1:9999")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s", cfg.Logging.Level)
	}
	if cfg.IPC.SocketPath != "/tmp/x.sock" {
		t.Errorf("socket = %s", cfg.IPC.SocketPath)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"queue too small", func(c *Config) { c.Callbacks.QueueSize = 0 }, "callbacks.queue_size"},
		{"queue too large", func(c *Config) { c.Callbacks.QueueSize = MaxQueueSize + 1 }, "callbacks.queue_size"},
		{"bad compression", func(c *Config) { c.Storage.Compression = "gzip" }, "storage.compression"},
		{"bad id scheme", func(c *Config) { c.Storage.IDScheme = "random" }, "storage.id_scheme"},
		{"zero max file size", func(c *Config) { c.Storage.MaxFileSize = 0 }, "storage.max_file_size"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"file output without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"bad permissions", func(c *Config) { c.IPC.Permissions = "777" }, "ipc.permissions"},
		{"bad timeout", func(c *Config) { c.IPC.RequestTimeout = "soon" }, "ipc.request_timeout"},
		{"bad codec", func(c *Config) { c.IPC.Codec = "xml" }, "ipc.codec"},
		{"log lines", func(c *Config) { c.Diagnostics.LogLines = 0 }, "diagnostics.log_lines"},
		{"duplicate module", func(c *Config) { c.Modules.Known = []string{"a", "a"} }, "modules.known[1]"},
		{"metrics address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "nope" }, "metrics.listen_addr"},
		{"version", func(c *Config) { c.Version = 99 }, "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := ValidateConfig(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error should match ErrInvalidConfig: %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, f := range verrs.Fields() {
				if f == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected field %s in %v", tt.field, verrs.Fields())
			}
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Service.DataDir = filepath.Join(dir, "data")
	cfg.IPC.SocketPath = filepath.Join(dir, "run", "auradrive.sock")
	cfg.Logging.AuditPath = filepath.Join(dir, "logs", "audit.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, d := range []string{cfg.Service.DataDir, cfg.ContentDir(), filepath.Join(dir, "run"), filepath.Join(dir, "logs")} {
		if info, err := os.Stat(d); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", d)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Modules.Known = []string{"a"}
	clone := cfg.Clone()
	clone.Modules.Known[0] = "b"
	clone.Storage.AllowedRoots = append(clone.Storage.AllowedRoots, "/x")

	if cfg.Modules.Known[0] != "a" {
		t.Error("clone shares modules slice")
	}
	if len(cfg.Storage.AllowedRoots) != 0 {
		t.Error("clone shares allowed roots slice")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	clearEnv(t)
	for _, ext := range []string{"toml", "json", "yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config."+ext)
			cfg := DefaultConfig()
			cfg.Storage.IDScheme = "sequence"
			cfg.Modules.Known = []string{"com.example.mod"}

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("config saved with mode %o", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Storage.IDScheme != "sequence" || len(loaded.Modules.Known) != 1 {
				t.Errorf("round trip lost values: %+v", loaded)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("expected existing file to be loaded")
	}
}

func TestLoaderWatchReloads(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := SaveConfig(DefaultConfig(), path); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	changed := make(chan *Config, 4)
	loader.OnChange(func(c *Config) { changed <- c })
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer loader.Close()

	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Logging.Level != "warn" {
			t.Errorf("reloaded level = %s", c.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change not observed")
	}
	if loader.Config().Logging.Level != "warn" {
		t.Errorf("loader config not swapped")
	}
}
