// Package config handles configuration loading, validation, and runtime
// updates for auradrive.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
//
// A *Config handed out by Manager is a shared snapshot and must not be
// modified; use Clone to derive a new one.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Service     ServiceConfig     `toml:"service" json:"service" yaml:"service"`
	IPC         IPCConfig         `toml:"ipc" json:"ipc" yaml:"ipc"`
	Storage     StorageConfig     `toml:"storage" json:"storage" yaml:"storage"`
	Callbacks   CallbackConfig    `toml:"callbacks" json:"callbacks" yaml:"callbacks"`
	Modules     ModulesConfig     `toml:"modules" json:"modules" yaml:"modules"`
	Logging     LoggingConfig     `toml:"logging" json:"logging" yaml:"logging"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics" json:"diagnostics" yaml:"diagnostics"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// ServiceConfig holds service identity and location.
type ServiceConfig struct {
	// Name is reported in status strings.
	Name string `toml:"name" json:"name" yaml:"name"`

	// DataDir holds the database, master key and default content dir.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// RequestTimeout bounds a single client call, as a Go duration string.
	RequestTimeout string `toml:"request_timeout" json:"request_timeout" yaml:"request_timeout"`

	// Codec is the payload encoding clients should use: "json" or "cbor".
	Codec string `toml:"codec" json:"codec" yaml:"codec"`

	// RateLimit is the sustained requests per second allowed per client. 0 disables.
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`

	// RateBurst is the number of requests a client may issue at once.
	RateBurst int `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`
}

// StorageConfig holds the secure file store configuration.
type StorageConfig struct {
	// Database is the SQLite database path. Defaults to <data_dir>/auradrive.db.
	Database string `toml:"database" json:"database" yaml:"database"`

	// MasterKeyPath is the 32-byte master key. Defaults to <data_dir>/master.key.
	MasterKeyPath string `toml:"master_key_path" json:"master_key_path" yaml:"master_key_path"`

	// ContentDir is where uri:// locators resolve. Defaults to <data_dir>/content.
	ContentDir string `toml:"content_dir" json:"content_dir" yaml:"content_dir"`

	// AllowedRoots limits file:// and absolute path locators. ContentDir is always allowed.
	AllowedRoots []string `toml:"allowed_roots" json:"allowed_roots" yaml:"allowed_roots"`

	// MaxFileSize is the largest file accepted by import, in bytes.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`

	// Compression is "none", "lz4" or "zstd".
	Compression string `toml:"compression" json:"compression" yaml:"compression"`

	// IDScheme is "uuid" or "sequence".
	IDScheme string `toml:"id_scheme" json:"id_scheme" yaml:"id_scheme"`
}

// CallbackConfig holds callback delivery configuration.
type CallbackConfig struct {
	// QueueSize is the per-callback delivery queue length.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`
}

// ModulesConfig lists the modules that can be toggled.
type ModulesConfig struct {
	Known []string `toml:"known" json:"known" yaml:"known"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is where logs go: "stderr", "stdout", "file", "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum size of a log file before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the maximum number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the audit trail file. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// DiagnosticsConfig holds diagnostics provider configuration.
type DiagnosticsConfig struct {
	// LogLines is how many recent log records the diagnostics log returns.
	LogLines int `toml:"log_lines" json:"log_lines" yaml:"log_lines"`

	// TPMDevice is probed for presence in system info. Empty skips the probe.
	TPMDevice string `toml:"tpm_device" json:"tpm_device" yaml:"tpm_device"`

	// DBus enables the hostname1 lookup over the system bus.
	DBus bool `toml:"dbus" json:"dbus" yaml:"dbus"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Service: ServiceConfig{
			Name:    "AuraDrive",
			DataDir: dir,
		},
		IPC: IPCConfig{
			SocketPath:     DefaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 32,
			RequestTimeout: "30s",
			Codec:          "json",
			RateLimit:      50,
			RateBurst:      100,
		},
		Storage: StorageConfig{
			AllowedRoots: []string{},
			MaxFileSize:  256 * 1024 * 1024,
			Compression:  "zstd",
			IDScheme:     "uuid",
		},
		Callbacks: CallbackConfig{
			QueueSize: 256,
		},
		Modules: ModulesConfig{
			Known: []string{},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "logs", "auradrived.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			Compress:   true,
			AuditPath:  filepath.Join(dir, "logs", "audit.log"),
		},
		Diagnostics: DiagnosticsConfig{
			LogLines:  200,
			TPMDevice: DefaultTPMPath(),
			DBus:      true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory, honouring AURADRIVE_DATA_DIR.
func DataDir() string {
	if envDir := os.Getenv("AURADRIVE_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// DatabasePath returns the database path.
func (c *Config) DatabasePath() string {
	if c.Storage.Database != "" {
		return c.Storage.Database
	}
	return filepath.Join(c.Service.DataDir, "auradrive.db")
}

// MasterKeyPath returns the master key path.
func (c *Config) MasterKeyPath() string {
	if c.Storage.MasterKeyPath != "" {
		return c.Storage.MasterKeyPath
	}
	return filepath.Join(c.Service.DataDir, "master.key")
}

// ContentDir returns the directory uri:// locators resolve under.
func (c *Config) ContentDir() string {
	if c.Storage.ContentDir != "" {
		return c.Storage.ContentDir
	}
	return filepath.Join(c.Service.DataDir, "content")
}

// RequestTimeout parses IPC.RequestTimeout, falling back to 30s.
func (c *Config) RequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.IPC.RequestTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Service.DataDir,
		filepath.Dir(c.DatabasePath()),
		filepath.Dir(c.MasterKeyPath()),
		c.ContentDir(),
		filepath.Dir(c.IPC.SocketPath),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with AURADRIVE_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("AURADRIVE_DATA_DIR"); v != "" {
		c.Service.DataDir = v
	}
	if v := os.Getenv("AURADRIVE_DB_PATH"); v != "" {
		c.Storage.Database = v
	}
	if v := os.Getenv("AURADRIVE_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("AURADRIVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("AURADRIVE_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("AURADRIVE_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Storage.AllowedRoots = append([]string{}, c.Storage.AllowedRoots...)
	clone.Modules.Known = append([]string{}, c.Modules.Known...)
	return &clone
}
