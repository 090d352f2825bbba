package command

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auradrive/internal/callback"
	"auradrive/internal/filestore"
	"auradrive/internal/store"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []callback.Notification
}

func (b *fakeBroadcaster) Broadcast(n callback.Notification) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, n)
	return 3
}

func (b *fakeBroadcaster) all() []callback.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]callback.Notification(nil), b.sent...)
}

type fakeCatalog struct {
	files  []filestore.Summary
	failed []string
}

func (c *fakeCatalog) List(_ context.Context, limit int) ([]filestore.Summary, error) {
	if limit < len(c.files) {
		return c.files[:limit], nil
	}
	return c.files, nil
}

func (c *fakeCatalog) VerifyAll(context.Context) (*filestore.VerifyResult, error) {
	return &filestore.VerifyResult{Checked: len(c.files), Failed: c.failed}, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeBroadcaster, *fakeModuleStore, map[string]any) {
	t.Helper()
	b := &fakeBroadcaster{}
	db := newFakeModuleStore()
	mods := NewModules(db, b, nil)
	require.NoError(t, mods.Load(context.Background(), []string{"com.example.alpha"}))

	updated := map[string]any{}
	d := NewDispatcher(nil)
	require.NoError(t, RegisterBuiltins(d, Deps{
		Broadcaster: b,
		Modules:     mods,
		Files: &fakeCatalog{
			files:  []filestore.Summary{{ID: "file-001"}, {ID: "file-002"}},
			failed: []string{"file-002"},
		},
		UpdateConfig: func(_ context.Context, v map[string]any) error {
			if v["logging.level"] == "loud" {
				return errors.New("logging.level: must be one of debug, info, warn, error")
			}
			for k, val := range v {
				updated[k] = val
			}
			return nil
		},
	}))
	return d, b, db, updated
}

func TestExecuteBuiltins(t *testing.T) {
	d, b, _, updated := newTestDispatcher(t)
	ctx := context.Background()

	out, err := d.Execute(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)

	out, err = d.Execute(ctx, "echo", Params{"message": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	out, err = d.Execute(ctx, "list_commands", nil)
	require.NoError(t, err)
	var names []string
	require.NoError(t, json.Unmarshal([]byte(out), &names))
	assert.Contains(t, names, "verify_all")

	out, err = d.Execute(ctx, "list_files", Params{"limit": float64(1)})
	require.NoError(t, err)
	assert.Contains(t, out, "file-001")
	assert.NotContains(t, out, "file-002")

	out, err = d.Execute(ctx, "module_state", Params{"package": "com.example.alpha"})
	require.NoError(t, err)
	assert.Equal(t, "disabled", out)

	out, err = d.Execute(ctx, "emit_event", Params{"type": 100, "data": "x"})
	require.NoError(t, err)
	assert.Equal(t, "3", out)

	_, err = d.Execute(ctx, "push_data", Params{"type": "blob", "data": "aGk=", "base64": true})
	require.NoError(t, err)

	_, err = d.Execute(ctx, "set_log_level", Params{"level": "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", updated["logging.level"])

	sent := b.all()
	require.Len(t, sent, 2)
	assert.Equal(t, callback.KindEvent, sent[0].Kind)
	assert.Equal(t, []byte("hi"), sent[1].Data)
}

func TestVerifyAllBroadcastsFailures(t *testing.T) {
	d, b, _, _ := newTestDispatcher(t)

	out, err := d.Execute(context.Background(), "verify_all", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"checked":2,"failed":["file-002"]}`, out)

	sent := b.all()
	require.Len(t, sent, 1)
	assert.Equal(t, callback.KindError, sent[0].Kind)
	assert.Equal(t, callback.ErrorCodeIntegrity, sent[0].Code)
	assert.Contains(t, sent[0].Message, "file-002")
}

func TestExecuteUnknownCommand(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)

	out, err := d.Execute(context.Background(), "reboot", nil)
	assert.Empty(t, out)
	require.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, "UnknownCommand", ErrorCode(err))
	assert.True(t, strings.HasPrefix(FormatError(err), "error: UnknownCommand: "))
}

func TestExecuteInvalidParameters(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		command string
		params  Params
		key     string
	}{
		{"missing required", "echo", Params{}, "message"},
		{"wrong type", "echo", Params{"message": 42}, "message"},
		{"unknown key", "ping", Params{"extra": "x"}, "extra"},
		{"fractional int", "emit_event", Params{"type": 1.5, "data": "x"}, "type"},
		{"string for int", "emit_event", Params{"type": "1", "data": "x"}, "type"},
		{"non-positive limit", "list_files", Params{"limit": 0}, "limit"},
		{"bad base64", "push_data", Params{"type": "t", "data": "%%%", "base64": true}, "data"},
		{"config rejects", "set_log_level", Params{"level": "loud"}, "level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Execute(ctx, tt.command, tt.params)
			require.ErrorIs(t, err, ErrInvalidParameters)
			var pe *ParamError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.key, pe.Key)
			assert.Contains(t, FormatError(err), "InvalidParameters")
		})
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(Command{
		Name: "explode",
		Run:  func(context.Context, Params) (string, error) { panic("kaboom") },
	}))

	_, err := d.Execute(context.Background(), "explode", nil)
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Contains(t, err.Error(), "kaboom")
	assert.EqualValues(t, 1, d.Stats().Failed)
}

func TestExecuteWrapsPlainErrors(t *testing.T) {
	d := NewDispatcher(nil)
	require.NoError(t, d.Register(Command{
		Name: "broken",
		Run:  func(context.Context, Params) (string, error) { return "", errors.New("disk gone") },
	}))

	_, err := d.Execute(context.Background(), "broken", nil)
	require.ErrorIs(t, err, ErrCommandFailed)
	assert.Equal(t, "CommandFailed", ErrorCode(err))
}

func TestRegisterDuplicate(t *testing.T) {
	d := NewDispatcher(nil)
	cmd := Command{Name: "x", Run: func(context.Context, Params) (string, error) { return "", nil }}
	require.NoError(t, d.Register(cmd))
	require.ErrorIs(t, d.Register(cmd), ErrDuplicateCommand)
	assert.Error(t, d.Register(Command{Name: "nil-handler"}))
}

func TestObserveCalled(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	var seen []string
	d.Observe = func(name string, err error) { seen = append(seen, name+":"+ErrorCode(err)) }

	d.Execute(context.Background(), "ping", nil)
	d.Execute(context.Background(), "nope", nil)
	assert.Equal(t, []string{"ping:", "nope:UnknownCommand"}, seen)
}

func TestBindCoercion(t *testing.T) {
	specs := []ParamSpec{
		{Name: "n", Kind: Int},
		{Name: "f", Kind: Float},
		{Name: "b", Kind: Bool},
	}
	got, err := bind(specs, Params{"n": json.Number("7"), "f": 3, "b": true})
	require.NoError(t, err)
	n, ok := got.Int("n")
	require.True(t, ok)
	assert.EqualValues(t, 7, n)
	f, ok := got.Float("f")
	require.True(t, ok)
	assert.Equal(t, 3.0, f)
	assert.True(t, got.Bool("b"))

	_, err = bind(specs, Params{"n": uint64(1 << 63)})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

var _ ModuleStore = (*store.SecureStore)(nil)
