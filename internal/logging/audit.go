package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventFileImport   AuditEventType = "file_import"
	AuditEventFileExport   AuditEventType = "file_export"
	AuditEventIntegrity    AuditEventType = "integrity"
	AuditEventModuleToggle AuditEventType = "module_toggle"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventCallback     AuditEventType = "callback"
	AuditEventPermission   AuditEventType = "permission"
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Client    string         `json:"client,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file. Empty disables the file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// AuditLogger appends JSON lines describing security-relevant actions.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	out     io.Writer
	mu      sync.Mutex
}

// NewAuditLogger creates an AuditLogger writing to cfg.FilePath.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil || cfg.FilePath == "" {
		return NewAuditWriter(io.Discard, "auradrive"), nil
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		out:     rotator,
	}, nil
}

// NewAuditWriter creates an AuditLogger on an arbitrary writer.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	return &AuditLogger{
		config: &AuditLoggerConfig{Component: component},
		out:    w,
	}
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.out.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func resultOf(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// LogFileImport records an import attempt.
func (a *AuditLogger) LogFileImport(ctx context.Context, locator, fileID string, err error) error {
	ev := AuditEvent{
		EventType: AuditEventFileImport,
		Action:    "file_imported",
		Resource:  locator,
		Result:    resultOf(err == nil),
	}
	if fileID != "" {
		ev.Details = map[string]any{"file_id": fileID}
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogFileExport records an export attempt.
func (a *AuditLogger) LogFileExport(ctx context.Context, fileID, destination string, err error) error {
	ev := AuditEvent{
		EventType: AuditEventFileExport,
		Action:    "file_exported",
		Resource:  fileID,
		Result:    resultOf(err == nil),
		Details:   map[string]any{"destination": destination},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogIntegrityFailure records a digest mismatch or tampered record.
func (a *AuditLogger) LogIntegrityFailure(ctx context.Context, fileID string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventIntegrity,
		Action:    "integrity_check",
		Resource:  fileID,
		Result:    ResultFailure,
		Error:     err.Error(),
	})
}

// LogModuleToggle records a module state change.
func (a *AuditLogger) LogModuleToggle(ctx context.Context, pkg string, enabled bool, err error) error {
	ev := AuditEvent{
		EventType: AuditEventModuleToggle,
		Action:    "module_toggled",
		Resource:  pkg,
		Result:    resultOf(err == nil),
		Details:   map[string]any{"enabled": enabled},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogConfigChange records an accepted or rejected configuration update.
func (a *AuditLogger) LogConfigChange(ctx context.Context, settings []string, err error) error {
	ev := AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_updated",
		Result:    resultOf(err == nil),
		Details:   map[string]any{"settings": settings},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// LogCallback records a callback registration change.
func (a *AuditLogger) LogCallback(ctx context.Context, handle, action string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventCallback,
		Action:    action,
		Client:    handle,
		Result:    ResultSuccess,
	})
}

// LogDenied records an operation refused for lack of permission.
func (a *AuditLogger) LogDenied(ctx context.Context, client, operation string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPermission,
		Action:    operation,
		Client:    client,
		Result:    ResultDenied,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    ResultSuccess,
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    ResultSuccess,
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}
