package service

import (
	"context"
	"errors"
	"fmt"

	"auradrive/internal/callback"
	"auradrive/internal/command"
	"auradrive/internal/filestore"
	"auradrive/internal/metrics"
)

// ServiceVersion returns "auradrive/<version> (protocol <n>)".
func (s *Service) ServiceVersion() string {
	if s.diag != nil {
		return s.diag.ServiceVersion()
	}
	return fmt.Sprintf("auradrive/%s (protocol %d)", s.opts.Version, s.opts.Protocol)
}

// RegisterCallback adds cb under h and queues OnConnected to it. It returns
// false when the service is not running.
func (s *Service) RegisterCallback(h callback.Handle, cb callback.Callback) bool {
	if s.running() != nil || cb == nil {
		return false
	}
	if !s.registry.Register(h, cb) {
		return false
	}
	s.audit.LogCallback(context.Background(), string(h), "callback_registered")
	s.refreshCallbacks()
	return true
}

// UnregisterCallback removes h. Unknown handles are ignored.
func (s *Service) UnregisterCallback(h callback.Handle) {
	if s.running() != nil || !s.registry.Registered(h) {
		return
	}
	s.registry.Unregister(h)
	s.audit.LogCallback(context.Background(), string(h), "callback_unregistered")
	s.refreshCallbacks()
}

func (s *Service) refreshCallbacks() {
	if s.m != nil {
		s.m.CallbacksActive.Set(float64(s.registry.Len()))
	}
}

// SubscribeToEvents ORs mask into h's subscription.
func (s *Service) SubscribeToEvents(h callback.Handle, mask callback.EventMask) bool {
	if s.running() != nil {
		return false
	}
	return s.registry.Subscribe(h, mask)
}

// UnsubscribeFromEvents clears mask from h's subscription.
func (s *Service) UnsubscribeFromEvents(h callback.Handle, mask callback.EventMask) bool {
	if s.running() != nil {
		return false
	}
	return s.registry.Unsubscribe(h, mask)
}

// ExecuteCommand runs a named command. Failures are returned as
// "error: <Code>: <message>".
func (s *Service) ExecuteCommand(ctx context.Context, name string, params map[string]any) string {
	if err := s.running(); err != nil {
		return command.FormatError(fmt.Errorf("%w: %v", command.ErrCommandFailed, err))
	}
	out, err := s.dispatcher.Execute(ctx, name, params)
	if err != nil {
		return command.FormatError(err)
	}
	return out
}

// ToggleLSPosedModule enables or disables a known module package.
func (s *Service) ToggleLSPosedModule(ctx context.Context, pkg string, enable bool) string {
	if err := s.running(); err != nil {
		return command.FormatError(fmt.Errorf("%w: %v", command.ErrCommandFailed, err))
	}
	out, err := s.modules.Toggle(ctx, pkg, enable)
	s.audit.LogModuleToggle(ctx, pkg, enable, err)
	if s.m != nil {
		s.m.ModuleToggles.WithLabelValues(outcome(err)).Inc()
	}
	if err != nil {
		s.log.Warn("module toggle failed", "package", pkg, "enable", enable, "code", command.ErrorCode(err), "error", err)
		return command.FormatError(err)
	}
	return out
}

// GetOracleDriveStatus returns the one-line status summary.
func (s *Service) GetOracleDriveStatus(ctx context.Context) string {
	if s.diag == nil {
		return "state=" + s.current().String()
	}
	return s.diag.OracleDriveStatus(ctx)
}

// GetDetailedInternalStatus returns the JSON status document.
func (s *Service) GetDetailedInternalStatus(ctx context.Context) string {
	if s.diag == nil {
		return "{}"
	}
	return s.diag.DetailedInternalStatus(ctx)
}

// GetInternalDiagnosticsLog returns the most recent log records.
func (s *Service) GetInternalDiagnosticsLog() string {
	if s.diag == nil {
		return ""
	}
	return s.diag.InternalDiagnosticsLog()
}

// GetSystemInfo returns the host information document.
func (s *Service) GetSystemInfo(ctx context.Context) string {
	if s.diag == nil {
		return "{}"
	}
	return s.diag.SystemInfo(ctx)
}

// Configure applies values as one atomic runtime update. Accepted
// updates that change something notify subscribers with
// Event(EventTypeConfigUpdated, "<key>,<key>").
func (s *Service) Configure(ctx context.Context, values map[string]any) error {
	if err := s.running(); err != nil {
		return err
	}
	keys, err := s.cfg.Update(values)
	if s.m != nil {
		s.m.ConfigUpdates.WithLabelValues(outcome(err)).Inc()
	}
	if err != nil {
		s.audit.LogConfigChange(ctx, sortedKeys(values), err)
		s.log.Warn("configuration update rejected", "keys", sortedKeys(values), "error", err)
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	s.audit.LogConfigChange(ctx, keys, nil)
	s.log.Info("configuration updated", "keys", keys)
	s.registry.Broadcast(callback.Event(callback.EventTypeConfigUpdated, joinKeys(keys)))
	return nil
}

// UpdateConfiguration is the lossy form of Configure.
func (s *Service) UpdateConfiguration(ctx context.Context, values map[string]any) bool {
	return s.Configure(ctx, values) == nil
}

// Import stores the content at locator and returns its file ID.
func (s *Service) Import(ctx context.Context, locator string) (string, error) {
	if err := s.running(); err != nil {
		return "", err
	}
	id, err := s.files.Import(ctx, locator)
	s.audit.LogFileImport(ctx, locator, id, err)
	s.observeFile("import", err)
	if err != nil {
		s.log.Warn("import failed", "locator", locator, "error", err)
		return "", err
	}
	s.registry.Broadcast(callback.Event(callback.EventTypeFileImported, id))
	s.refreshGauges(ctx)
	return id, nil
}

// ImportFile is the lossy form of Import: "" on any failure.
func (s *Service) ImportFile(ctx context.Context, locator string) string {
	id, _ := s.Import(ctx, locator)
	return id
}

// Export verifies the file and writes it to dest.
func (s *Service) Export(ctx context.Context, id, dest string) error {
	if err := s.running(); err != nil {
		return err
	}
	err := s.files.Export(ctx, id, dest)
	s.audit.LogFileExport(ctx, id, dest, err)
	s.observeFile("export", err)
	if err != nil {
		s.integrityFailure(ctx, id, err)
		s.log.Warn("export failed", "file_id", id, "destination", dest, "error", err)
		return err
	}
	s.registry.Broadcast(callback.Event(callback.EventTypeFileExported, id))
	return nil
}

// ExportFile is the lossy form of Export.
func (s *Service) ExportFile(ctx context.Context, id, dest string) bool {
	return s.Export(ctx, id, dest) == nil
}

// Verify recomputes the digest of a stored file. It never modifies the
// record.
func (s *Service) Verify(ctx context.Context, id string) (bool, error) {
	if err := s.running(); err != nil {
		return false, err
	}
	ok, err := s.files.Verify(ctx, id)
	s.observeFile("verify", err)
	if err != nil {
		s.integrityFailure(ctx, id, err)
		return false, err
	}
	return ok, nil
}

// VerifyFileIntegrity is the lossy form of Verify.
func (s *Service) VerifyFileIntegrity(ctx context.Context, id string) bool {
	ok, _ := s.Verify(ctx, id)
	return ok
}

// integrityFailure reports a digest mismatch to subscribers, the audit
// trail and metrics. Other errors are ignored.
func (s *Service) integrityFailure(ctx context.Context, id string, err error) {
	if !errors.Is(err, filestore.ErrIntegrityMismatch) {
		return
	}
	s.audit.LogIntegrityFailure(ctx, id, err)
	if s.m != nil {
		s.m.IntegrityFailures.Inc()
	}
	s.registry.Broadcast(callback.Error(callback.ErrorCodeIntegrity, "integrity mismatch for "+id))
}

func (s *Service) observeFile(op string, err error) {
	if s.m != nil {
		s.m.ObserveFileOp(op, err == nil)
	}
}

func outcome(err error) string {
	if err != nil {
		return metrics.OutcomeError
	}
	return metrics.OutcomeOK
}
