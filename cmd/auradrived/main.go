// auradrived runs the AuraDrive service and serves it on a Unix socket.
//
//	auradrived run      Start the service in the foreground
//	auradrived init     Write a default configuration file
//	auradrived version  Print the version
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"auradrive/internal/config"
)

// Version is set at build time.
var Version = "dev"

type runOptions struct {
	configPath string
	dataDir    string
	socket     string
	logLevel   string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "auradrived: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &runOptions{}
	root := &cobra.Command{
		Use:           "auradrived",
		Short:         "AuraDrive service daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (default "+config.ConfigPath()+")")

	run := &cobra.Command{
		Use:   "run",
		Short: "Start the service in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	run.Flags().StringVar(&opts.dataDir, "data-dir", "", "override service.data_dir")
	run.Flags().StringVar(&opts.socket, "socket", "", "override ipc.socket_path")
	run.Flags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := opts.path()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	version := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "auradrived %s (protocol %d)\n", Version, protocolVersion)
		},
	}

	root.AddCommand(run, initCmd, version)
	return root
}

func (o *runOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// apply folds the command-line overrides into cfg.
func (o *runOptions) apply(cfg *config.Config) {
	if o.dataDir != "" {
		cfg.Service.DataDir = o.dataDir
	}
	if o.socket != "" {
		cfg.IPC.SocketPath = o.socket
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
}
