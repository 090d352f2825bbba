package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auradrive/internal/callback"
	"auradrive/internal/config"
	"auradrive/internal/ipc"
	"auradrive/internal/service"
)

type env struct {
	svc     *service.Service
	socket  string
	content string
	noCfg   string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir, err := os.MkdirTemp("", "actl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.Service.DataDir = filepath.Join(dir, "data")
	cfg.IPC.SocketPath = filepath.Join(dir, "s.sock")
	cfg.Logging.AuditPath = ""
	cfg.Diagnostics.TPMDevice = ""
	cfg.Diagnostics.DBus = false
	cfg.Modules.Known = []string{"com.example.mod"}

	svc, err := service.New(service.Options{Config: config.NewManager(cfg, ""), Version: "test"})
	require.NoError(t, err)
	require.NoError(t, svc.Init(context.Background()))
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	srv := ipc.NewServer(ipc.ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Version:        svc.ServiceVersion(),
		RequestTimeout: 5 * time.Second,
	}, svc)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &env{
		svc:     svc,
		socket:  cfg.IPC.SocketPath,
		content: cfg.ContentDir(),
		noCfg:   filepath.Join(dir, "missing.toml"),
	}
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetArgs(append([]string{"--config", e.noCfg, "--socket", e.socket}, args...))
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"message=a=b", "limit:=10", "flags:=[\"x\"]", "on:=true"})
	require.NoError(t, err)
	assert.Equal(t, "a=b", got["message"])
	assert.Equal(t, json.Number("10"), got["limit"])
	assert.Equal(t, []any{"x"}, got["flags"])
	assert.Equal(t, true, got["on"])

	for _, bad := range [][]string{
		{"novalue"},
		{"=x"},
		{":=1"},
		{"n:=nope"},
		{"n:=1 2"},
		{"a=1", "a=2"},
	} {
		_, err := parseAssignments(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestParseSwitch(t *testing.T) {
	for in, want := range map[string]bool{"on": true, "OFF": false, "enable": true, "0": false} {
		got, err := parseSwitch(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := parseSwitch("maybe")
	assert.Error(t, err)
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, "auradrive/1.0 (protocol 1)", "state=running files=2 junk")
	out := buf.String()
	assert.Contains(t, out, "version")
	assert.Contains(t, out, "state    running")
	assert.Contains(t, out, "files    2")
	assert.NotContains(t, out, "junk")
}

func TestStatusAndVersion(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "running")

	out, err = e.run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "auradrive/test (protocol 1)")

	out, err = e.run(t, "detail")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))
}

func TestFileCommands(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.content, "in.txt"), []byte("payload"), 0600))

	out, err := e.run(t, "import", "uri://in.txt")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(id, "file-"))

	out, err = e.run(t, "verify", id)
	require.NoError(t, err)
	assert.Contains(t, out, "OK")

	_, err = e.run(t, "export", id, "uri://out.txt")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(e.content, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = e.run(t, "verify", "file-nope")
	require.ErrorIs(t, err, errCommand)
	assert.Contains(t, err.Error(), ipc.ReasonNotFound)

	_, err = e.run(t, "import", "/etc/passwd")
	assert.ErrorContains(t, err, ipc.ReasonAccessDenied)
}

func TestExecToggleAndConfig(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "exec", "echo", "message=hi there")
	require.NoError(t, err)
	assert.Contains(t, out, "hi there")

	_, err = e.run(t, "exec", "nope")
	assert.ErrorContains(t, err, "UnknownCommand")

	out, err = e.run(t, "toggle", "com.example.mod", "on")
	require.NoError(t, err)
	assert.Contains(t, out, "enabled")

	_, err = e.run(t, "toggle", "com.missing", "off")
	assert.ErrorContains(t, err, "ModuleNotFound")

	_, err = e.run(t, "config", "set", "callbacks.queue_size:=64", "logging.level=debug")
	require.NoError(t, err)

	_, err = e.run(t, "config", "set", "callbacks.queue_size:=0")
	assert.ErrorContains(t, err, ipc.ReasonInvalid)
}

func TestDaemonNotRunning(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "none.toml"), "--socket", filepath.Join(t.TempDir(), "none.sock"), "status"})
	root.SetOut(&bytes.Buffer{})
	assert.ErrorIs(t, root.Execute(), ipc.ErrDaemonNotRunning)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestWatchPrintsNotifications(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	cc := ipc.DefaultClientConfig(e.socket)
	c := ipc.NewClient(cc)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	var buf syncBuffer
	p := newPrinter(&buf)
	done := make(chan error, 1)
	go func() { done <- watch(ctx, c, p, callback.EventGeneric|callback.EventModule, 3) }()

	require.Eventually(t, func() bool {
		m, ok := e.svc.Registry().Mask(callback.Handle(c.ClientID()))
		return ok && m == callback.EventGeneric|callback.EventModule
	}, 2*time.Second, 10*time.Millisecond)

	e.svc.ExecuteCommand(ctx, "status_update", map[string]any{"status": "filtered"})
	e.svc.ExecuteCommand(ctx, "emit_event", map[string]any{"type": 100, "data": "hello"})
	e.svc.ToggleLSPosedModule(ctx, "com.example.mod", false)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not return")
	}

	out := buf.String()
	assert.Contains(t, out, "connected")
	assert.Contains(t, out, "event type=100 hello")
	assert.Contains(t, out, "module com.example.mod disabled")
	assert.NotContains(t, out, "filtered")
}

func TestMaskFlag(t *testing.T) {
	var m maskValue
	require.NoError(t, m.Set("status,error"))
	assert.Equal(t, "status|error", m.String())
	assert.Equal(t, callback.EventStatus|callback.EventError, callback.EventMask(m))
	assert.Error(t, m.Set("bogus"))

	cmd := newWatchCommand(&globalOptions{})
	assert.Equal(t, callback.EventAll.String(), cmd.Flags().Lookup("events").DefValue)
}
