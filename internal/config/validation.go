package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) true for any ValidationErrors.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// Limits shared by file validation and the runtime schema.
const (
	MinQueueSize = 1
	MaxQueueSize = 65536
	MinLogLines  = 1
	MaxLogLines  = 10000
)

var permissionsPattern = regexp.MustCompile(`^0[0-7]{3}$`)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateService(&c.Service)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateCallbacks(&c.Callbacks)...)
	errs = append(errs, validateModules(&c.Modules)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateDiagnostics(&c.Diagnostics)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateService(s *ServiceConfig) ValidationErrors {
	var errs ValidationErrors
	if s.DataDir == "" {
		errs = append(errs, *RequiredFieldError("service.data_dir"))
	}
	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if i.SocketPath == "" {
		errs = append(errs, *RequiredFieldError("ipc.socket_path"))
	}

	if i.Permissions != "" && !permissionsPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if d, err := time.ParseDuration(i.RequestTimeout); err != nil || d <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ipc.request_timeout",
			Message: fmt.Sprintf("invalid duration: %q", i.RequestTimeout),
		})
	}

	switch i.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, ValidationError{
			Field:   "ipc.codec",
			Message: fmt.Sprintf("invalid codec: %s (valid: json, cbor)", i.Codec),
		})
	}

	if i.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "ipc.rate_limit",
			Message: "rate limit cannot be negative",
		})
	}
	if i.RateLimit > 0 && i.RateBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.rate_burst",
			Message: "burst must be at least 1 when rate limiting is enabled",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.MaxFileSize <= 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_file_size",
			Message: "max file size must be positive",
		})
	}

	switch s.Compression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.compression",
			Message: fmt.Sprintf("invalid compression: %s (valid: none, lz4, zstd)", s.Compression),
		})
	}

	switch s.IDScheme {
	case "uuid", "sequence":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.id_scheme",
			Message: fmt.Sprintf("invalid id scheme: %s (valid: uuid, sequence)", s.IDScheme),
		})
	}

	for i, root := range s.AllowedRoots {
		if root == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("storage.allowed_roots[%d]", i),
				Message: "root cannot be empty",
			})
		}
	}

	return errs
}

func validateCallbacks(c *CallbackConfig) ValidationErrors {
	if c.QueueSize < MinQueueSize || c.QueueSize > MaxQueueSize {
		return ValidationErrors{*RangeError("callbacks.queue_size", MinQueueSize, MaxQueueSize)}
	}
	return nil
}

func validateModules(m *ModulesConfig) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool, len(m.Known))
	for i, pkg := range m.Known {
		field := fmt.Sprintf("modules.known[%d]", i)
		switch {
		case strings.TrimSpace(pkg) == "":
			errs = append(errs, ValidationError{Field: field, Message: "package name cannot be empty"})
		case seen[pkg]:
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate package %s", pkg)})
		}
		seen[pkg] = true
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "discard":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes a file",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both, discard)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateDiagnostics(d *DiagnosticsConfig) ValidationErrors {
	if d.LogLines < MinLogLines || d.LogLines > MaxLogLines {
		return ValidationErrors{*RangeError("diagnostics.log_lines", MinLogLines, MaxLogLines)}
	}
	return nil
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.ListenAddr, err),
		}}
	}
	return nil
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// TypeError creates a validation error for an invalid type.
func TypeError(field, expected string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("expected type %s", expected),
	}
}
