package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"auradrive/internal/config"
	"auradrive/internal/ipc"
	"auradrive/internal/logging"
	"auradrive/internal/metrics"
	"auradrive/internal/security"
	"auradrive/internal/service"
)

const (
	protocolVersion = ipc.ProtocolVersion
	lockName        = "auradrived.lock"
	shutdownTimeout = 10 * time.Second
	statusInterval  = 30 * time.Second
)

// Daemon ties the service to its IPC server, metrics endpoint and
// configuration watcher.
type Daemon struct {
	opts       *runOptions
	configPath string

	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.Metrics
	cfg     *config.Manager
	lock    *security.DirLock

	svc     *service.Service
	server  *ipc.Server
	httpSrv *metrics.Server
	loader  *config.Loader
	done    chan struct{}
}

// Start loads the configuration and brings every component up. On error
// whatever was started is stopped again.
func (d *Daemon) Start(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			d.Stop(context.Background())
		}
	}()

	cfg, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	d.opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	if d.lock, err = security.LockDir(cfg.Service.DataDir, lockName); err != nil {
		return fmt.Errorf("data dir %s is in use: %w", cfg.Service.DataDir, err)
	}
	if d.log, err = newLogger(cfg); err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(d.log)
	if d.audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Logging.AuditPath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "auradrived",
	}); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	d.metrics = metrics.New()

	// Runtime updates are persisted only when a file backs the config.
	persist := ""
	if _, statErr := os.Stat(d.configPath); statErr == nil {
		persist = d.configPath
	}
	d.cfg = config.NewManager(cfg, persist)

	if d.svc, err = service.New(service.Options{
		Config:   d.cfg,
		Logger:   d.log,
		Audit:    d.audit,
		Metrics:  d.metrics,
		Version:  Version,
		Protocol: int(protocolVersion),
	}); err != nil {
		return err
	}
	if err := d.svc.Init(ctx); err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	srvCfg, err := ipc.ServerConfigFrom(cfg.IPC, d.svc.ServiceVersion())
	if err != nil {
		return err
	}
	srvCfg.Logger = d.log
	srvCfg.OnRequest = d.metrics.ObserveRPC
	srvCfg.OnDenied = func(clientID string, op ipc.MessageType) {
		d.audit.LogDenied(context.Background(), clientID, op.String())
	}
	d.server = ipc.NewServer(srvCfg, d.svc)
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}

	if cfg.Metrics.Enabled {
		health := d.svc.Health()
		d.httpSrv, err = metrics.Start(cfg.Metrics.ListenAddr, d.metrics, map[string]http.Handler{
			"/healthz": health.LivenessHandler(),
			"/readyz":  health.ReadinessHandler(),
			"/health":  health.HealthHandler(),
		}, d.log)
		if err != nil {
			return err
		}
	}

	if persist != "" {
		d.watch()
	}
	return nil
}

// watch reloads the configuration when its file changes.
func (d *Daemon) watch() {
	d.loader = config.NewLoader(d.configPath)
	d.loader.OnChange(func(next *config.Config) {
		d.replace(next)
	})
	if err := d.loader.Watch(); err != nil {
		d.log.Warn("config watch disabled", "path", d.configPath, "error", err)
		d.loader = nil
		return
	}
	d.done = make(chan struct{})
	go func(errs <-chan error) {
		for {
			select {
			case err := <-errs:
				d.log.Warn("config reload failed", "error", err)
			case <-d.done:
				return
			}
		}
	}(d.loader.Errors())
}

// Reload rereads the configuration file, e.g. on SIGHUP.
func (d *Daemon) Reload() error {
	next, err := config.Load(d.configPath)
	if err != nil {
		return err
	}
	return d.replace(next)
}

func (d *Daemon) replace(next *config.Config) error {
	d.opts.apply(next)
	if err := d.cfg.Replace(next); err != nil {
		d.log.Warn("configuration not reloaded", "error", err)
		return err
	}
	d.log.Info("configuration reloaded", "path", d.configPath)
	return nil
}

// Stop shuts everything down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	var errs []error
	if d.loader != nil {
		errs = append(errs, d.loader.Close())
		close(d.done)
		d.loader = nil
	}
	if d.server != nil {
		errs = append(errs, d.server.Stop())
	}
	if d.httpSrv != nil {
		errs = append(errs, d.httpSrv.Shutdown(ctx))
	}
	if d.svc != nil {
		errs = append(errs, d.svc.Shutdown(ctx))
	}
	if d.audit != nil {
		errs = append(errs, d.audit.Close())
	}
	if d.log != nil {
		d.log.Sync()
	}
	if d.lock != nil {
		errs = append(errs, d.lock.Release())
	}
	return errors.Join(errs...)
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = logging.ParseFormat(cfg.Logging.Format)
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Compress = cfg.Logging.Compress
	lc.Component = "auradrived"
	if cfg.Diagnostics.LogLines > lc.RingSize {
		lc.RingSize = cfg.Diagnostics.LogLines
	}
	return logging.New(lc)
}

func runDaemon(ctx context.Context, opts *runOptions) error {
	d := &Daemon{opts: opts, configPath: opts.path()}
	if err := d.Start(ctx); err != nil {
		return err
	}
	d.log.Info("auradrived ready",
		"version", Version,
		"socket", d.server.SocketPath(),
		"config", d.configPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				d.Reload()
				continue
			}
			d.log.Info("shutting down", "signal", sig.String())
			return d.shutdown()

		case <-ticker.C:
			d.log.Debug("daemon status", "clients", d.server.ClientCount())

		case <-ctx.Done():
			return d.shutdown()
		}
	}
}

func (d *Daemon) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := d.Stop(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auradrived: shutdown: %v\n", err)
	}
	return err
}
