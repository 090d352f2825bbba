// Package service owns the AuraDrive service handle: it wires the
// configuration, callback registry, file store, command dispatcher and
// diagnostics together and exposes the service operations.
//
// A Service is created with New, started with Init and stopped with
// Shutdown. There is no package-level instance.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"auradrive/internal/callback"
	"auradrive/internal/command"
	"auradrive/internal/config"
	"auradrive/internal/diagnostics"
	"auradrive/internal/filestore"
	"auradrive/internal/health"
	"auradrive/internal/logging"
	"auradrive/internal/metrics"
	"auradrive/internal/security"
	"auradrive/internal/store"
)

// Lifecycle errors.
var (
	ErrAlreadyStarted = errors.New("service already started")
	ErrServiceClosed  = errors.New("service closed")
	ErrNotStarted     = errors.New("service not started")
)

// Key derivation labels for the master key.
const (
	labelRowHMAC = "auradrive-row-hmac-v1"
	labelDigest  = "auradrive-content-digest-v1"
)

// minFreeDisk is the data-dir free space below which health degrades.
const minFreeDisk = 64 << 20

type state int32

const (
	stateNew state = iota
	stateRunning
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateNew:
		return "initializing"
	case stateRunning:
		return "running"
	}
	return "stopped"
}

// Options configure a Service.
type Options struct {
	// Config is required.
	Config *config.Manager

	Logger   *logging.Logger
	Audit    *logging.AuditLogger
	Metrics  *metrics.Metrics
	Version  string
	Protocol int

	// Reader and Writer replace the filesystem content access, e.g. in tests.
	Reader filestore.ContentReader
	Writer filestore.ContentWriter
}

// Service is the process-wide service handle.
type Service struct {
	opts  Options
	cfg   *config.Manager
	log   *logging.Logger
	audit *logging.AuditLogger
	m     *metrics.Metrics

	lifecycle sync.Mutex
	state     atomic.Int32
	startedAt time.Time

	db         *store.SecureStore
	files      *filestore.Store
	registry   *callback.Registry
	dispatcher *command.Dispatcher
	modules    *command.Modules
	health     *health.Checker
	diag       *diagnostics.Provider
}

// New creates a Service. Nothing is opened until Init.
func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("service: config manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Audit == nil {
		opts.Audit, _ = logging.NewAuditLogger(nil)
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Protocol == 0 {
		opts.Protocol = 1
	}
	return &Service{
		opts:   opts,
		cfg:    opts.Config,
		log:    opts.Logger.WithComponent("service"),
		audit:  opts.Audit,
		m:      opts.Metrics,
		health: health.NewChecker(),
	}, nil
}

func (s *Service) current() state {
	return state(s.state.Load())
}

// running reports whether operations may proceed.
func (s *Service) running() error {
	switch s.current() {
	case stateRunning:
		return nil
	case stateClosed:
		return ErrServiceClosed
	}
	return ErrNotStarted
}

// Init opens the database, derives keys and builds every component.
func (s *Service) Init(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch s.current() {
	case stateRunning:
		return ErrAlreadyStarted
	case stateClosed:
		return ErrServiceClosed
	}

	cfg := s.cfg.Current()
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	if err := security.EnsureSecureDir(cfg.Service.DataDir); err != nil {
		return fmt.Errorf("secure data dir: %w", err)
	}

	hmacKey, digestKey, err := deriveKeys(cfg.MasterKeyPath())
	if err != nil {
		return err
	}
	defer security.Wipe(hmacKey)
	defer security.Wipe(digestKey)

	db, err := store.OpenSecure(cfg.DatabasePath(), hmacKey)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	verifier, err := filestore.NewBlake3Verifier(digestKey)
	if err != nil {
		db.Close()
		return fmt.Errorf("create verifier: %w", err)
	}

	reader, writer := s.opts.Reader, s.opts.Writer
	if reader == nil || writer == nil {
		fs := filestore.NewFSContent(
			filestore.NewResolver(cfg.ContentDir(), cfg.Storage.AllowedRoots),
			func() int64 { return s.cfg.Current().Storage.MaxFileSize },
		)
		if reader == nil {
			reader = fs
		}
		if writer == nil {
			writer = fs
		}
	}
	files := filestore.New(db, reader, writer, verifier, s.opts.Logger)
	if err := applyStorage(ctx, files, cfg); err != nil {
		db.Close()
		return err
	}

	regOpts := callback.Options{QueueSize: cfg.Callbacks.QueueSize, Logger: s.opts.Logger}
	if s.m != nil {
		regOpts.Observer = s.m.Callbacks()
	}
	registry := callback.NewRegistry(regOpts)

	modules := command.NewModules(db, registry, s.opts.Logger)
	if err := modules.Load(ctx, cfg.Modules.Known); err != nil {
		db.Close()
		return err
	}

	dispatcher := command.NewDispatcher(s.opts.Logger)
	if err := command.RegisterBuiltins(dispatcher, command.Deps{
		Broadcaster:  registry,
		Modules:      modules,
		Files:        files,
		UpdateConfig: s.Configure,
	}); err != nil {
		db.Close()
		return fmt.Errorf("register commands: %w", err)
	}
	if s.m != nil {
		dispatcher.Observe = func(name string, err error) {
			code := command.ErrorCode(err)
			if code == "" {
				code = "OK"
			}
			s.m.Commands.WithLabelValues(name, code).Inc()
		}
	}

	s.db = db
	s.files = files
	s.registry = registry
	s.modules = modules
	s.dispatcher = dispatcher
	s.registerHealth(cfg)
	s.diag = diagnostics.NewProvider(diagnostics.Sources{
		Version:    s.opts.Version,
		Protocol:   s.opts.Protocol,
		State:      func() string { return s.current().String() },
		StartedAt:  time.Now(),
		Config:     s.cfg.Current,
		Health:     s.health,
		Callbacks:  registry,
		Files:      files,
		Dispatcher: dispatcher,
		Modules:    modules,
		Logs:       s.opts.Logger,
	})
	s.cfg.OnPrepare(s.prepareConfig)
	s.cfg.OnChange(s.applyConfig)

	s.startedAt = time.Now()
	s.state.Store(int32(stateRunning))
	s.health.SetReady(true)
	s.refreshGauges(ctx)

	s.audit.LogStartup(ctx, s.opts.Version, map[string]any{
		"data_dir": cfg.Service.DataDir,
		"database": cfg.DatabasePath(),
	})
	s.log.Info("service started",
		"version", s.opts.Version,
		"data_dir", cfg.Service.DataDir,
		"modules", len(modules.Packages()),
		"compression", cfg.Storage.Compression,
		"id_scheme", cfg.Storage.IDScheme,
	)
	return nil
}

func deriveKeys(masterPath string) (hmacKey, digestKey []byte, err error) {
	master, err := security.LoadOrCreateMasterKey(masterPath)
	if err != nil {
		return nil, nil, fmt.Errorf("master key: %w", err)
	}
	defer security.Wipe(master)

	if hmacKey, err = security.DeriveKeyWithLabel(master, labelRowHMAC, 32); err != nil {
		return nil, nil, fmt.Errorf("derive row key: %w", err)
	}
	if digestKey, err = security.DeriveKeyWithLabel(master, labelDigest, 32); err != nil {
		security.Wipe(hmacKey)
		return nil, nil, fmt.Errorf("derive digest key: %w", err)
	}
	return hmacKey, digestKey, nil
}

func applyStorage(ctx context.Context, files *filestore.Store, cfg *config.Config) error {
	c, err := filestore.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return err
	}
	files.SetCompression(c)
	if err := files.SetIDScheme(ctx, cfg.Storage.IDScheme); err != nil {
		return fmt.Errorf("id scheme: %w", err)
	}
	return nil
}

func (s *Service) registerHealth(cfg *config.Config) {
	s.health.RegisterFunc("database", true, health.DatabaseCheck(s.db.Ping))
	s.health.RegisterFunc("service", true, health.CustomCheck(s.running))
	s.health.RegisterFunc("disk", false, health.DiskSpaceCheck(cfg.Service.DataDir, minFreeDisk))
}

// applyConfig pushes an accepted configuration change into the live
// components.
// prepareConfig runs the parts of a change that can fail, so a rejected
// change never reaches applyConfig.
func (s *Service) prepareConfig(old, next *config.Config) error {
	if s.running() != nil {
		return nil
	}
	if old.Storage.IDScheme != next.Storage.IDScheme {
		if err := s.files.PrepareIDScheme(context.Background(), next.Storage.IDScheme); err != nil {
			return fmt.Errorf("id scheme %s: %w", next.Storage.IDScheme, err)
		}
	}
	return nil
}

func (s *Service) applyConfig(old, next *config.Config) {
	if s.running() != nil {
		return
	}
	if old.Logging.Level != next.Logging.Level {
		if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
			s.opts.Logger.SetLevel(lvl)
		}
	}
	if old.Callbacks.QueueSize != next.Callbacks.QueueSize {
		s.registry.SetQueueSize(next.Callbacks.QueueSize)
	}
	if old.Storage.Compression != next.Storage.Compression {
		if c, err := filestore.ParseCompression(next.Storage.Compression); err == nil {
			s.files.SetCompression(c)
		}
	}
	if old.Storage.IDScheme != next.Storage.IDScheme {
		if err := s.files.SetIDScheme(context.Background(), next.Storage.IDScheme); err != nil {
			s.log.Warn("id scheme not applied", "scheme", next.Storage.IDScheme, "error", err)
		}
	}
	if !equalStrings(old.Modules.Known, next.Modules.Known) {
		s.modules.SetKnown(next.Modules.Known)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Shutdown disconnects every callback and closes the database. Calling it
// again is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	prev := s.current()
	s.state.Store(int32(stateClosed))
	if prev != stateRunning {
		return nil
	}

	s.health.SetReady(false)
	s.registry.Close(callback.ReasonShutdown)

	var errs []error
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	s.audit.LogShutdown(ctx, "shutdown requested")
	if err := s.audit.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync audit log: %w", err))
	}
	s.log.Info("service stopped", "uptime", time.Since(s.startedAt).Round(time.Second))
	return errors.Join(errs...)
}

// Health returns the health checker, e.g. for the HTTP endpoints.
func (s *Service) Health() *health.Checker {
	return s.health
}

// Registry returns the callback registry. Nil before Init.
func (s *Service) Registry() *callback.Registry {
	return s.registry
}

// refreshGauges updates the stored-file gauges from the database.
func (s *Service) refreshGauges(ctx context.Context) {
	if s.m == nil {
		return
	}
	s.m.CallbacksActive.Set(float64(s.registry.Len()))
	st, err := s.files.Stats(ctx)
	if err != nil {
		return
	}
	s.m.FilesStored.Set(float64(st.FileCount))
	s.m.StoredBytes.Set(float64(st.StoredBytes))
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinKeys(keys []string) string {
	return strings.Join(keys, ",")
}
