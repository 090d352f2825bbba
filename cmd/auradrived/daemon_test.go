package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auradrive/internal/config"
	"auradrive/internal/ipc"
	"auradrive/internal/logging"
)

// writeTestConfig saves a config rooted in a short temp dir, keeping the
// socket path under the sun_path limit.
func writeTestConfig(t *testing.T, mutate func(*config.Config)) (string, *config.Config) {
	t.Helper()
	dir, err := os.MkdirTemp("", "aurd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.DefaultConfig()
	cfg.Service.DataDir = filepath.Join(dir, "data")
	cfg.IPC.SocketPath = filepath.Join(dir, "d.sock")
	cfg.Logging.Output = "discard"
	cfg.Logging.AuditPath = filepath.Join(dir, "audit.log")
	cfg.Diagnostics.TPMDevice = ""
	cfg.Diagnostics.DBus = false
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))
	return path, cfg
}

func startDaemon(t *testing.T, path string) *Daemon {
	t.Helper()
	d := &Daemon{opts: &runOptions{}, configPath: path}
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background()) })
	return d
}

func TestDaemonServesClients(t *testing.T) {
	path, cfg := writeTestConfig(t, nil)
	d := startDaemon(t, path)
	ctx := context.Background()

	c := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	require.NoError(t, c.Ping(ctx))
	v, err := c.ServiceVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "auradrive/dev (protocol 1)", v)
	assert.Equal(t, 1, d.server.ClientCount())

	require.NoError(t, os.WriteFile(filepath.Join(cfg.ContentDir(), "a.txt"), []byte("abc"), 0600))
	reply, err := c.ImportFile(ctx, "uri://a.txt")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Value)

	ok, err := c.VerifyFileIntegrity(ctx, reply.Value)
	require.NoError(t, err)
	assert.True(t, ok.Value)
}

func TestDaemonRuntimeUpdatesPersist(t *testing.T) {
	path, cfg := writeTestConfig(t, nil)
	startDaemon(t, path)
	ctx := context.Background()

	c := ipc.NewClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath))
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	res, err := c.UpdateConfiguration(ctx, map[string]any{"storage.compression": "lz4"})
	require.NoError(t, err)
	assert.True(t, res.OK)

	saved, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lz4", saved.Storage.Compression)
}

func TestDaemonReload(t *testing.T) {
	path, cfg := writeTestConfig(t, nil)
	d := startDaemon(t, path)
	assert.Equal(t, logging.LevelInfo, d.log.GetLevel())

	cfg.Logging.Level = "debug"
	require.NoError(t, config.SaveConfig(cfg, path))
	require.NoError(t, d.Reload())
	assert.Equal(t, logging.LevelDebug, d.log.GetLevel())
	assert.Equal(t, "debug", d.cfg.Current().Logging.Level)
}

func TestDaemonFlagOverridesSurviveReload(t *testing.T) {
	path, _ := writeTestConfig(t, nil)
	d := &Daemon{opts: &runOptions{logLevel: "warn"}, configPath: path}
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	assert.Equal(t, logging.LevelWarn, d.log.GetLevel())
	require.NoError(t, d.Reload())
	assert.Equal(t, "warn", d.cfg.Current().Logging.Level)
}

func TestDaemonDataDirLock(t *testing.T) {
	path, _ := writeTestConfig(t, nil)
	startDaemon(t, path)

	second := &Daemon{opts: &runOptions{socket: filepath.Join(filepath.Dir(path), "other.sock")}, configPath: path}
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestInitCommandWritesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	root := newRootCommand()
	root.SetArgs([]string{"init", "--config", path})
	root.SetOut(io.Discard)
	require.NoError(t, root.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().IPC.Codec, cfg.IPC.Codec)

	root = newRootCommand()
	root.SetArgs([]string{"init", "--config", path})
	assert.Error(t, root.Execute())
}
