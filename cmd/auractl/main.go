// auractl is the command-line client for auradrived.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"auradrive/internal/config"
	"auradrive/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

type globalOptions struct {
	configPath string
	socket     string
	codec      string
	timeout    time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "auractl: %v\n", err)
			if errors.Is(err, ipc.ErrDaemonNotRunning) {
				fmt.Fprintln(os.Stderr, "  Start the daemon with: auradrived run")
			}
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "auractl",
		Short:         "Control utility for auradrived",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "configuration file used to find the socket")
	pf.StringVarP(&g.socket, "socket", "s", "", "daemon socket path (overrides the config)")
	pf.StringVar(&g.codec, "codec", "", "payload codec: json or cbor (default from config)")
	pf.DurationVar(&g.timeout, "timeout", 0, "per-request timeout (default from config)")

	root.AddCommand(
		newVersionCommand(g),
		newStatusCommand(g),
		newDetailCommand(g),
		newDiagCommand(g),
		newSysinfoCommand(g),
		newExecCommand(g),
		newToggleCommand(g),
		newImportCommand(g),
		newExportCommand(g),
		newVerifyCommand(g),
		newConfigCommand(g),
		newWatchCommand(g),
	)
	return root
}

// clientConfig resolves the connection settings from flags and config.
func (g *globalOptions) clientConfig() (ipc.ClientConfig, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return ipc.ClientConfig{}, fmt.Errorf("load config: %w", err)
	}

	socket := cfg.IPC.SocketPath
	if g.socket != "" {
		socket = g.socket
	}
	cc := ipc.DefaultClientConfig(socket)
	cc.ClientName = "auractl"
	cc.ClientVersion = Version
	cc.RequestTimeout = cfg.RequestTimeout()
	if g.timeout > 0 {
		cc.RequestTimeout = g.timeout
	}

	name := cfg.IPC.Codec
	if g.codec != "" {
		name = g.codec
	}
	if cc.Codec, err = ipc.CodecByName(name); err != nil {
		return ipc.ClientConfig{}, err
	}
	return cc, nil
}

// connect dials the daemon. The caller closes the client.
func (g *globalOptions) connect(ctx context.Context) (*ipc.Client, error) {
	cc, err := g.clientConfig()
	if err != nil {
		return nil, err
	}
	c := ipc.NewClient(cc)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// withClient runs fn against a connected client.
func (g *globalOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *ipc.Client) error) error {
	ctx := cmd.Context()
	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
