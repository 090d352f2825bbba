package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Runtime-updatable keys.
const (
	KeyLoggingLevel      = "logging.level"
	KeyCallbackQueueSize = "callbacks.queue_size"
	KeyMaxFileSize       = "storage.max_file_size"
	KeyCompression       = "storage.compression"
	KeyIDScheme          = "storage.id_scheme"
	KeyLogLines          = "diagnostics.log_lines"
	KeyRequestTimeout    = "ipc.request_timeout"
	KeyKnownModules      = "modules.known"
)

const runtimeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "logging.level":         {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "callbacks.queue_size":  {"type": "integer", "minimum": 1, "maximum": 65536},
    "storage.max_file_size": {"type": "integer", "exclusiveMinimum": 0},
    "storage.compression":   {"type": "string", "enum": ["none", "lz4", "zstd"]},
    "storage.id_scheme":     {"type": "string", "enum": ["uuid", "sequence"]},
    "diagnostics.log_lines": {"type": "integer", "minimum": 1, "maximum": 10000},
    "ipc.request_timeout":   {"type": "string", "minLength": 2},
    "modules.known":         {"type": "array", "items": {"type": "string", "minLength": 1}, "uniqueItems": true}
  }
}`

var compiledRuntimeSchema = jsonschema.MustCompileString("auradrive-runtime.json", runtimeSchema)

// RuntimeKeys lists the keys Update accepts, sorted.
func RuntimeKeys() []string {
	keys := make([]string, 0, len(appliers))
	for k := range appliers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type applier func(c *Config, v any) error

var appliers = map[string]applier{
	KeyLoggingLevel: func(c *Config, v any) error {
		c.Logging.Level = v.(string)
		return nil
	},
	KeyCallbackQueueSize: func(c *Config, v any) error {
		n, err := v.(json.Number).Int64()
		c.Callbacks.QueueSize = int(n)
		return err
	},
	KeyMaxFileSize: func(c *Config, v any) error {
		n, err := v.(json.Number).Int64()
		c.Storage.MaxFileSize = n
		return err
	},
	KeyCompression: func(c *Config, v any) error {
		c.Storage.Compression = v.(string)
		return nil
	},
	KeyIDScheme: func(c *Config, v any) error {
		c.Storage.IDScheme = v.(string)
		return nil
	},
	KeyLogLines: func(c *Config, v any) error {
		n, err := v.(json.Number).Int64()
		c.Diagnostics.LogLines = int(n)
		return err
	},
	KeyRequestTimeout: func(c *Config, v any) error {
		s := v.(string)
		if _, err := time.ParseDuration(s); err != nil {
			return err
		}
		c.IPC.RequestTimeout = s
		return nil
	},
	KeyKnownModules: func(c *Config, v any) error {
		items := v.([]any)
		known := make([]string, 0, len(items))
		for _, it := range items {
			known = append(known, it.(string))
		}
		c.Modules.Known = known
		return nil
	},
}

// Manager owns the live configuration. Readers get immutable snapshots;
// writers go through Update or Replace, which validate a copy before
// swapping it in.
type Manager struct {
	mu      sync.RWMutex
	current *Config

	// writeMu serializes Update and Replace so each starts from the latest snapshot.
	writeMu   sync.Mutex
	path      string
	preparers []func(old, next *Config) error
	listeners []func(old, new *Config)
}

// NewManager wraps cfg. When path is non-empty, accepted updates are
// persisted there before they take effect.
func NewManager(cfg *Config, path string) *Manager {
	return &Manager{current: cfg, path: path}
}

// Current returns the live configuration snapshot. Do not modify it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers fn to run after every accepted change, outside any lock.
func (m *Manager) OnChange(fn func(old, new *Config)) {
	m.writeMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.writeMu.Unlock()
}

// OnPrepare registers fn to run before a change is committed. An error
// rejects the change and leaves the live configuration untouched.
func (m *Manager) OnPrepare(fn func(old, next *Config) error) {
	m.writeMu.Lock()
	m.preparers = append(m.preparers, fn)
	m.writeMu.Unlock()
}

// Update applies values, keyed by RuntimeKeys, as one unit. On any error
// the live configuration is untouched. It returns the keys that were
// applied, sorted.
func (m *Manager) Update(values map[string]any) ([]string, error) {
	normalized, err := normalize(values)
	if err != nil {
		return nil, err
	}

	var errs ValidationErrors
	for key := range normalized {
		if _, ok := appliers[key]; !ok {
			errs = append(errs, ValidationError{Field: key, Message: "unknown or read-only setting"})
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	if err := compiledRuntimeSchema.Validate(normalized); err != nil {
		return nil, schemaErrors(err)
	}

	keys := make([]string, 0, len(normalized))
	for k := range normalized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return keys, nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.Current()
	next := old.Clone()
	for _, k := range keys {
		if err := appliers[k](next, normalized[k]); err != nil {
			return nil, ValidationErrors{{Field: k, Message: err.Error()}}
		}
	}

	if err := m.commit(old, next); err != nil {
		return nil, err
	}
	return keys, nil
}

// Replace swaps in a whole configuration, e.g. after a file reload.
func (m *Manager) Replace(cfg *Config) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.commit(m.Current(), cfg.Clone())
}

// commit must be called with writeMu held.
func (m *Manager) commit(old, next *Config) error {
	if err := ValidateConfig(next); err != nil {
		return err
	}
	for _, fn := range m.preparers {
		if err := fn(old, next); err != nil {
			return err
		}
	}
	if m.path != "" {
		if err := SaveConfig(next, m.path); err != nil {
			return fmt.Errorf("persist config: %w", err)
		}
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	for _, fn := range m.listeners {
		fn(old, next)
	}
	return nil
}

// Get returns the current value of a runtime key.
func (m *Manager) Get(key string) (any, bool) {
	c := m.Current()
	switch key {
	case KeyLoggingLevel:
		return c.Logging.Level, true
	case KeyCallbackQueueSize:
		return c.Callbacks.QueueSize, true
	case KeyMaxFileSize:
		return c.Storage.MaxFileSize, true
	case KeyCompression:
		return c.Storage.Compression, true
	case KeyIDScheme:
		return c.Storage.IDScheme, true
	case KeyLogLines:
		return c.Diagnostics.LogLines, true
	case KeyRequestTimeout:
		return c.IPC.RequestTimeout, true
	case KeyKnownModules:
		return append([]string{}, c.Modules.Known...), true
	}
	return nil, false
}

// normalize round-trips values through JSON so the schema and the
// appliers see only JSON types, with numbers kept as json.Number.
func normalize(values map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, ValidationErrors{{Field: "(root)", Message: fmt.Sprintf("not representable as JSON: %v", err)}}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := map[string]any{}
	if err := dec.Decode(&out); err != nil {
		return nil, ValidationErrors{{Field: "(root)", Message: err.Error()}}
	}
	return out, nil
}

// schemaErrors flattens a jsonschema failure into ValidationErrors keyed
// by the offending setting.
func schemaErrors(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return ValidationErrors{{Field: "(root)", Message: err.Error()}}
	}

	var errs ValidationErrors
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			errs = append(errs, ValidationError{Field: instanceField(e.InstanceLocation), Message: e.Message})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return errs
}

// instanceField turns "/storage.compression" into "storage.compression".
// JSON pointer escapes are undone; array indices stay as path segments.
func instanceField(loc string) string {
	loc = strings.TrimPrefix(loc, "/")
	if loc == "" {
		return "(root)"
	}
	loc = strings.ReplaceAll(loc, "~1", "/")
	return strings.ReplaceAll(loc, "~0", "~")
}
