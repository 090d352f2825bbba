package command

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"auradrive/internal/callback"
	"auradrive/internal/filestore"
)

// FileCatalog is the part of the file store commands can reach.
type FileCatalog interface {
	List(ctx context.Context, limit int) ([]filestore.Summary, error)
	VerifyAll(ctx context.Context) (*filestore.VerifyResult, error)
}

// Deps wires the built-in commands to the rest of the service.
type Deps struct {
	Broadcaster Broadcaster
	Modules     *Modules
	Files       FileCatalog

	// UpdateConfig applies a runtime configuration update atomically.
	UpdateConfig func(ctx context.Context, values map[string]any) error
}

const defaultListLimit = 100

// RegisterBuiltins installs the standard command table on d.
func RegisterBuiltins(d *Dispatcher, deps Deps) error {
	cmds := []Command{
		{
			Name:    "ping",
			Summary: "liveness check",
			Run: func(context.Context, Params) (string, error) {
				return "pong", nil
			},
		},
		{
			Name:    "echo",
			Summary: "return the message",
			Params:  []ParamSpec{{Name: "message", Kind: String, Required: true}},
			Run: func(_ context.Context, p Params) (string, error) {
				return p.Str("message"), nil
			},
		},
		{
			Name:    "list_commands",
			Summary: "names of all commands",
			Run: func(context.Context, Params) (string, error) {
				return marshal(d.Names())
			},
		},
		{
			Name:    "list_modules",
			Summary: "module enable flags",
			Run: func(context.Context, Params) (string, error) {
				return marshal(deps.Modules.Snapshot())
			},
		},
		{
			Name:    "module_state",
			Summary: "enable flag of one module",
			Params:  []ParamSpec{{Name: "package", Kind: String, Required: true}},
			Run: func(_ context.Context, p Params) (string, error) {
				pkg := p.Str("package")
				on, ok := deps.Modules.State(pkg)
				if !ok {
					return "", fmt.Errorf("%w: %s", ErrModuleNotFound, pkg)
				}
				if on {
					return "enabled", nil
				}
				return "disabled", nil
			},
		},
		{
			Name:    "list_files",
			Summary: "stored file summaries, oldest first",
			Params:  []ParamSpec{{Name: "limit", Kind: Int}},
			Run: func(ctx context.Context, p Params) (string, error) {
				limit := int64(defaultListLimit)
				if n, ok := p.Int("limit"); ok {
					if n <= 0 {
						return "", &ParamError{Key: "limit", Reason: "must be positive"}
					}
					limit = n
				}
				files, err := deps.Files.List(ctx, int(limit))
				if err != nil {
					return "", err
				}
				if files == nil {
					files = []filestore.Summary{}
				}
				return marshal(files)
			},
		},
		{
			Name:    "verify_all",
			Summary: "re-verify every stored file",
			Run: func(ctx context.Context, _ Params) (string, error) {
				res, err := deps.Files.VerifyAll(ctx)
				if err != nil {
					return "", err
				}
				for _, id := range res.Failed {
					deps.Broadcaster.Broadcast(callback.Error(callback.ErrorCodeIntegrity, "integrity mismatch for "+id))
				}
				if res.Failed == nil {
					res.Failed = []string{}
				}
				return marshal(res)
			},
		},
		{
			Name:    "emit_event",
			Summary: "broadcast a generic event",
			Params: []ParamSpec{
				{Name: "type", Kind: Int, Required: true},
				{Name: "data", Kind: String, Required: true},
			},
			Run: func(_ context.Context, p Params) (string, error) {
				t, _ := p.Int("type")
				n := deps.Broadcaster.Broadcast(callback.Event(int(t), p.Str("data")))
				return strconv.Itoa(n), nil
			},
		},
		{
			Name:    "system_event",
			Summary: "broadcast a system event",
			Params: []ParamSpec{
				{Name: "type", Kind: Int, Required: true},
				{Name: "data", Kind: String, Required: true},
			},
			Run: func(_ context.Context, p Params) (string, error) {
				t, _ := p.Int("type")
				n := deps.Broadcaster.Broadcast(callback.SystemEvent(int(t), p.Str("data")))
				return strconv.Itoa(n), nil
			},
		},
		{
			Name:    "push_data",
			Summary: "broadcast a data payload",
			Params: []ParamSpec{
				{Name: "type", Kind: String, Required: true},
				{Name: "data", Kind: String, Required: true},
				{Name: "base64", Kind: Bool},
			},
			Run: func(_ context.Context, p Params) (string, error) {
				data := []byte(p.Str("data"))
				if p.Bool("base64") {
					raw, err := base64.StdEncoding.DecodeString(p.Str("data"))
					if err != nil {
						return "", &ParamError{Key: "data", Reason: "invalid base64"}
					}
					data = raw
				}
				n := deps.Broadcaster.Broadcast(callback.DataReceived(p.Str("type"), data))
				return strconv.Itoa(n), nil
			},
		},
		{
			Name:    "status_update",
			Summary: "broadcast a status line",
			Params:  []ParamSpec{{Name: "status", Kind: String, Required: true}},
			Run: func(_ context.Context, p Params) (string, error) {
				n := deps.Broadcaster.Broadcast(callback.StatusUpdate(p.Str("status")))
				return strconv.Itoa(n), nil
			},
		},
		{
			Name:    "set_log_level",
			Summary: "change the log level",
			Params:  []ParamSpec{{Name: "level", Kind: String, Required: true}},
			Run: func(ctx context.Context, p Params) (string, error) {
				level := p.Str("level")
				if err := deps.UpdateConfig(ctx, map[string]any{"logging.level": level}); err != nil {
					return "", &ParamError{Key: "level", Reason: err.Error()}
				}
				return "log level " + level, nil
			},
		},
	}

	for _, c := range cmds {
		if err := d.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
