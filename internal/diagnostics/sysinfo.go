package diagnostics

import (
	"context"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"auradrive/internal/config"
)

// probeTimeout bounds the whole system info collection.
const probeTimeout = 3 * time.Second

// Section is one probe result. A failed probe carries only Error.
type Section map[string]any

func failed(err error) Section {
	return Section{"error": err.Error()}
}

// SystemInfo is the document returned by Provider.SystemInfo.
type SystemInfo struct {
	Host    Section `json:"host"`
	Memory  Section `json:"memory"`
	CPU     Section `json:"cpu"`
	Load    Section `json:"load"`
	Disk    Section `json:"disk"`
	TPM     Section `json:"tpm"`
	DBus    Section `json:"dbus,omitempty"`
	Runtime Section `json:"runtime"`
}

// CollectSystemInfo runs every probe. Probe failures are reported inline.
func CollectSystemInfo(ctx context.Context, cfg *config.Config) SystemInfo {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	info := SystemInfo{
		Host:   hostSection(ctx),
		Memory: memorySection(ctx),
		CPU:    cpuSection(ctx),
		Load:   loadSection(ctx),
		Disk:   diskSection(ctx, cfg.Service.DataDir),
		TPM:    probeTPM(cfg.Diagnostics.TPMDevice),
		Runtime: Section{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"num_cpu":    runtime.NumCPU(),
		},
	}
	if cfg.Diagnostics.DBus {
		info.DBus = probeHostname1(ctx)
	}
	return info
}

func hostSection(ctx context.Context) Section {
	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return failed(err)
	}
	return Section{
		"hostname":         h.Hostname,
		"os":               h.OS,
		"platform":         h.Platform,
		"platform_version": h.PlatformVersion,
		"kernel_version":   h.KernelVersion,
		"kernel_arch":      h.KernelArch,
		"virtualization":   h.VirtualizationSystem,
		"uptime":           (time.Duration(h.Uptime) * time.Second).String(),
		"boot_time":        time.Unix(int64(h.BootTime), 0).UTC().Format(time.RFC3339),
	}
}

func memorySection(ctx context.Context) Section {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return failed(err)
	}
	return Section{
		"total":        humanize.IBytes(v.Total),
		"available":    humanize.IBytes(v.Available),
		"used":         humanize.IBytes(v.Used),
		"used_percent": round2(v.UsedPercent),
	}
}

func cpuSection(ctx context.Context) Section {
	s := Section{}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		s["logical"] = n
	} else {
		s["error"] = err.Error()
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		s["physical"] = n
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		s["model"] = infos[0].ModelName
		s["mhz"] = infos[0].Mhz
	}
	return s
}

func loadSection(ctx context.Context) Section {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return failed(err)
	}
	return Section{
		"load1":  round2(avg.Load1),
		"load5":  round2(avg.Load5),
		"load15": round2(avg.Load15),
	}
}

func diskSection(ctx context.Context, path string) Section {
	if path == "" {
		path = "/"
	}
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return failed(err)
	}
	return Section{
		"path":         u.Path,
		"fstype":       u.Fstype,
		"total":        humanize.IBytes(u.Total),
		"free":         humanize.IBytes(u.Free),
		"used_percent": round2(u.UsedPercent),
	}
}

func round2(f float64) float64 {
	return float64(int64(f*100+0.5)) / 100
}
