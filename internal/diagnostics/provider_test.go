package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auradrive/internal/callback"
	"auradrive/internal/command"
	"auradrive/internal/config"
	"auradrive/internal/health"
	"auradrive/internal/store"
)

type fakeStats struct {
	stats *store.Stats
	err   error
}

func (f fakeStats) Stats(context.Context) (*store.Stats, error) { return f.stats, f.err }

type fakeCallbacks struct{ n int }

func (f fakeCallbacks) Stats() callback.Stats { return callback.Stats{Registered: f.n, Delivered: 9} }

type fakeDispatcher struct{}

func (fakeDispatcher) Stats() command.Stats { return command.Stats{Commands: 12, Executed: 3} }

type fakeModules map[string]bool

func (f fakeModules) Snapshot() map[string]bool { return f }

type fakeLogs []string

func (f fakeLogs) Recent(n int) []string {
	if n > 0 && n < len(f) {
		return f[len(f)-n:]
	}
	return f
}

func newTestProvider(t *testing.T, files fakeStats) *Provider {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()
	cfg.Diagnostics.LogLines = 2

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.CustomCheck(func() error { return nil }))

	return NewProvider(Sources{
		Version:    "1.2.3",
		Protocol:   1,
		StartedAt:  time.Now().Add(-90 * time.Second),
		Config:     func() *config.Config { return cfg },
		Health:     checker,
		Callbacks:  fakeCallbacks{n: 2},
		Files:      files,
		Dispatcher: fakeDispatcher{},
		Modules:    fakeModules{"com.example.alpha": true},
		Logs:       fakeLogs{"one", "two", "three"},
	})
}

func TestServiceVersion(t *testing.T) {
	p := newTestProvider(t, fakeStats{stats: &store.Stats{}})
	assert.Equal(t, "auradrive/1.2.3 (protocol 1)", p.ServiceVersion())
}

func TestOracleDriveStatus(t *testing.T) {
	p := newTestProvider(t, fakeStats{stats: &store.Stats{FileCount: 4, StoredBytes: 2_000_000}})

	line := p.OracleDriveStatus(context.Background())
	assert.False(t, strings.Contains(line, "\n"))
	for _, want := range []string{"state=running", "uptime=1m3", "files=4", "stored=2.0 MB", "callbacks=2", "health=healthy"} {
		assert.Contains(t, line, want)
	}
}

func TestOracleDriveStatusStoreError(t *testing.T) {
	p := newTestProvider(t, fakeStats{err: errors.New("locked")})
	assert.Contains(t, p.OracleDriveStatus(context.Background()), "files=unavailable")
}

func TestDetailedInternalStatus(t *testing.T) {
	p := newTestProvider(t, fakeStats{stats: &store.Stats{
		FileCount: 1, ContentBytes: 300, StoredBytes: 100,
		Oldest: time.Now().Add(-time.Hour), Newest: time.Now(),
	}})

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(p.DetailedInternalStatus(context.Background())), &doc))
	for _, key := range []string{"version", "health", "callbacks", "commands", "modules", "store", "config", "runtime"} {
		assert.Contains(t, doc, key)
	}

	var st storeSection
	require.NoError(t, json.Unmarshal(doc["store"], &st))
	assert.Equal(t, "3.00", st.Ratio)
	assert.EqualValues(t, 1, st.Files)

	var mods map[string]bool
	require.NoError(t, json.Unmarshal(doc["modules"], &mods))
	assert.True(t, mods["com.example.alpha"])
}

func TestDetailedInternalStatusStoreError(t *testing.T) {
	p := newTestProvider(t, fakeStats{err: errors.New("locked")})
	assert.Contains(t, p.DetailedInternalStatus(context.Background()), `"error": "locked"`)
}

func TestInternalDiagnosticsLog(t *testing.T) {
	p := newTestProvider(t, fakeStats{stats: &store.Stats{}})
	assert.Equal(t, "two\nthree", p.InternalDiagnosticsLog())

	empty := NewProvider(Sources{})
	assert.Empty(t, empty.InternalDiagnosticsLog())
}

func TestSystemInfoUsesProbe(t *testing.T) {
	p := newTestProvider(t, fakeStats{stats: &store.Stats{}})
	p.probe = func(context.Context, *config.Config) SystemInfo {
		return SystemInfo{Host: Section{"hostname": "aura"}, TPM: failed(errors.New("no device"))}
	}

	var doc SystemInfo
	require.NoError(t, json.Unmarshal([]byte(p.SystemInfo(context.Background())), &doc))
	assert.Equal(t, "aura", doc.Host["hostname"])
	assert.Equal(t, "no device", doc.TPM["error"])
	assert.Nil(t, doc.DBus)
}

func TestCollectSystemInfo(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Service.DataDir = t.TempDir()
	cfg.Diagnostics.DBus = false
	cfg.Diagnostics.TPMDevice = "/nonexistent/tpm"

	info := CollectSystemInfo(context.Background(), cfg)
	assert.NotEmpty(t, info.Runtime["go_version"])
	assert.NotNil(t, info.Disk)
	assert.Nil(t, info.DBus)
	assert.Equal(t, false, info.TPM["present"])
}
