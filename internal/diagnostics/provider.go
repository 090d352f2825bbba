// Package diagnostics builds the read-only status strings of the service:
// version, one-line status, detailed JSON status, the recent log and
// system information.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"auradrive/internal/callback"
	"auradrive/internal/command"
	"auradrive/internal/config"
	"auradrive/internal/health"
	"auradrive/internal/store"
)

// Sources are the live components the provider reads from. Any field may
// be nil; the matching section is then omitted.
type Sources struct {
	Version  string
	Protocol int

	State     func() string
	StartedAt time.Time
	Config    func() *config.Config

	Health    *health.Checker
	Callbacks interface{ Stats() callback.Stats }
	Files     interface {
		Stats(ctx context.Context) (*store.Stats, error)
	}
	Dispatcher interface{ Stats() command.Stats }
	Modules    interface{ Snapshot() map[string]bool }
	Logs       interface{ Recent(n int) []string }
}

// Provider implements the diagnostics accessors.
type Provider struct {
	src   Sources
	probe func(ctx context.Context, cfg *config.Config) SystemInfo
}

// NewProvider creates a provider over src.
func NewProvider(src Sources) *Provider {
	if src.StartedAt.IsZero() {
		src.StartedAt = time.Now()
	}
	return &Provider{src: src, probe: CollectSystemInfo}
}

func (p *Provider) config() *config.Config {
	if p.src.Config != nil {
		if c := p.src.Config(); c != nil {
			return c
		}
	}
	return config.DefaultConfig()
}

func (p *Provider) state() string {
	if p.src.State != nil {
		return p.src.State()
	}
	return "running"
}

// ServiceVersion returns "auradrive/<version> (protocol <n>)".
func (p *Provider) ServiceVersion() string {
	return fmt.Sprintf("auradrive/%s (protocol %d)", p.src.Version, p.src.Protocol)
}

// OracleDriveStatus returns a single status line.
func (p *Provider) OracleDriveStatus(ctx context.Context) string {
	parts := []string{
		"state=" + p.state(),
		"uptime=" + time.Since(p.src.StartedAt).Round(time.Second).String(),
	}
	if p.src.Files != nil {
		if st, err := p.src.Files.Stats(ctx); err == nil {
			parts = append(parts,
				fmt.Sprintf("files=%d", st.FileCount),
				"stored="+humanize.Bytes(uint64(st.StoredBytes)),
			)
		} else {
			parts = append(parts, "files=unavailable")
		}
	}
	if p.src.Callbacks != nil {
		parts = append(parts, fmt.Sprintf("callbacks=%d", p.src.Callbacks.Stats().Registered))
	}
	if p.src.Health != nil {
		p.src.Health.Check(ctx)
		parts = append(parts, "health="+string(p.src.Health.OverallStatus()))
	}
	return strings.Join(parts, " ")
}

type storeSection struct {
	Files        int64  `json:"files"`
	ContentBytes string `json:"content_bytes"`
	StoredBytes  string `json:"stored_bytes"`
	Ratio        string `json:"compression_ratio,omitempty"`
	Modules      int64  `json:"modules"`
	Enabled      int64  `json:"modules_enabled"`
	Oldest       string `json:"oldest,omitempty"`
	Newest       string `json:"newest,omitempty"`
}

type runtimeSection struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	HeapAlloc  string `json:"heap_alloc"`
	HeapSys    string `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
}

type configSection struct {
	DataDir       string   `json:"data_dir"`
	Socket        string   `json:"socket"`
	Codec         string   `json:"codec"`
	LogLevel      string   `json:"log_level"`
	Compression   string   `json:"compression"`
	IDScheme      string   `json:"id_scheme"`
	MaxFileSize   string   `json:"max_file_size"`
	QueueSize     int      `json:"callback_queue_size"`
	AllowedRoots  []string `json:"allowed_roots"`
	MetricsListen string   `json:"metrics_listen,omitempty"`
}

// DetailedInternalStatus returns indented JSON describing every component.
func (p *Provider) DetailedInternalStatus(ctx context.Context) string {
	out := map[string]any{
		"version":    p.ServiceVersion(),
		"state":      p.state(),
		"started_at": p.src.StartedAt.UTC().Format(time.RFC3339),
		"uptime":     time.Since(p.src.StartedAt).Round(time.Second).String(),
	}

	if p.src.Health != nil {
		out["health"] = p.src.Health.Report(ctx)
	}
	if p.src.Callbacks != nil {
		out["callbacks"] = p.src.Callbacks.Stats()
	}
	if p.src.Dispatcher != nil {
		out["commands"] = p.src.Dispatcher.Stats()
	}
	if p.src.Modules != nil {
		out["modules"] = p.src.Modules.Snapshot()
	}
	if p.src.Files != nil {
		if st, err := p.src.Files.Stats(ctx); err != nil {
			out["store"] = map[string]string{"error": err.Error()}
		} else {
			out["store"] = summarizeStore(st)
		}
	}

	cfg := p.config()
	cs := configSection{
		DataDir:      cfg.Service.DataDir,
		Socket:       cfg.IPC.SocketPath,
		Codec:        cfg.IPC.Codec,
		LogLevel:     cfg.Logging.Level,
		Compression:  cfg.Storage.Compression,
		IDScheme:     cfg.Storage.IDScheme,
		MaxFileSize:  humanize.IBytes(uint64(cfg.Storage.MaxFileSize)),
		QueueSize:    cfg.Callbacks.QueueSize,
		AllowedRoots: cfg.Storage.AllowedRoots,
	}
	if cfg.Metrics.Enabled {
		cs.MetricsListen = cfg.Metrics.ListenAddr
	}
	out["config"] = cs

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out["runtime"] = runtimeSection{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  humanize.IBytes(ms.HeapAlloc),
		HeapSys:    humanize.IBytes(ms.HeapSys),
		NumGC:      ms.NumGC,
	}

	return indent(out)
}

func summarizeStore(st *store.Stats) storeSection {
	s := storeSection{
		Files:        st.FileCount,
		ContentBytes: humanize.Bytes(uint64(st.ContentBytes)),
		StoredBytes:  humanize.Bytes(uint64(st.StoredBytes)),
		Modules:      st.ModuleCount,
		Enabled:      st.EnabledCount,
	}
	if st.StoredBytes > 0 {
		s.Ratio = fmt.Sprintf("%.2f", float64(st.ContentBytes)/float64(st.StoredBytes))
	}
	if !st.Oldest.IsZero() {
		s.Oldest = humanize.Time(st.Oldest)
		s.Newest = humanize.Time(st.Newest)
	}
	return s
}

// InternalDiagnosticsLog returns the most recent log records, one per
// line, oldest first.
func (p *Provider) InternalDiagnosticsLog() string {
	if p.src.Logs == nil {
		return ""
	}
	lines := p.src.Logs.Recent(p.config().Diagnostics.LogLines)
	return strings.Join(lines, "\n")
}

// SystemInfo returns indented JSON with host, memory, CPU, load, disk,
// TPM and D-Bus sections.
func (p *Provider) SystemInfo(ctx context.Context) string {
	return indent(p.probe(ctx, p.config()))
}

func indent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(b)
}
