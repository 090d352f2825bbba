package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"auradrive/internal/ipc"
)

// errCommand marks a failure the daemon reported as a string or a reason.
var errCommand = errors.New("request failed")

func failed(op, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: %s", errCommand, op)
	}
	return fmt.Errorf("%w: %s: %s", errCommand, op, reason)
}

func newVersionCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client and daemon versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "auractl   %s (protocol %d)\n", Version, ipc.ProtocolVersion)
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				v, err := c.ServiceVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "daemon    %s\n", v)
				return nil
			})
		},
	}
}

func newStatusCommand(g *globalOptions) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the one-line service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				s, err := c.OracleDriveStatus(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if raw {
					fmt.Fprintln(out, s)
					return nil
				}
				printStatus(out, c.ServerVersion(), s)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the status line unformatted")
	return cmd
}

// printStatus lays the "key=value ..." status line out as a table.
func printStatus(w io.Writer, version, status string) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%s\n", version)
	for _, field := range strings.Fields(status) {
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", k, v)
	}
	tw.Flush()
}

func newDetailCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "detail",
		Short: "Print the detailed internal status document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				s, err := c.DetailedInternalStatus(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func newDiagCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diag",
		Short: "Print the recent daemon log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				s, err := c.InternalDiagnosticsLog(ctx)
				if err != nil {
					return err
				}
				if s != "" {
					fmt.Fprintln(cmd.OutOrStdout(), s)
				}
				return nil
			})
		},
	}
}

func newSysinfoCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Print host information gathered by the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				s, err := c.SystemInfo(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

func newExecCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <name> [key=value | key:=json]...",
		Short: "Run a named service command",
		Long: `Run a named service command.

Parameters are given as key=value (string) or key:=json (any JSON value):

  auractl exec echo message=hello
  auractl exec emit_event type:=100 data=ready
  auractl exec list_files limit:=10`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				out, err := c.ExecuteCommand(ctx, args[0], params)
				if err != nil {
					return err
				}
				if strings.HasPrefix(out, "error:") {
					return fmt.Errorf("%w: %s", errCommand, strings.TrimSpace(strings.TrimPrefix(out, "error:")))
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newToggleCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <package> on|off",
		Short: "Enable or disable a module",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enable, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				out, err := c.ToggleModule(ctx, args[0], enable)
				if err != nil {
					return err
				}
				if strings.HasPrefix(out, "error:") {
					return fmt.Errorf("%w: %s", errCommand, strings.TrimSpace(strings.TrimPrefix(out, "error:")))
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
}

func newImportCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <locator>",
		Short: "Import content into the secure store and print its file ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				r, err := c.ImportFile(ctx, args[0])
				if err != nil {
					return err
				}
				if r.Value == "" {
					return failed("import "+args[0], r.Reason)
				}
				fmt.Fprintln(cmd.OutOrStdout(), r.Value)
				return nil
			})
		},
	}
}

func newExportCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file-id> <destination>",
		Short: "Verify a stored file and write it to a destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				r, err := c.ExportFile(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if !r.Value {
					return failed("export "+args[0], r.Reason)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newVerifyCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file-id>",
		Short: "Recompute the digest of a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				r, err := c.VerifyFileIntegrity(ctx, args[0])
				if err != nil {
					return err
				}
				if !r.Value {
					return failed("verify "+args[0], r.Reason)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", args[0])
				return nil
			})
		},
	}
}

func newConfigCommand(g *globalOptions) *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Change the daemon configuration at runtime",
	}
	set := &cobra.Command{
		Use:   "set <key=value | key:=json>...",
		Short: "Apply settings as one atomic update",
		Long: `Apply settings as one atomic update. Either every setting is applied or none.

  auractl config set logging.level=debug
  auractl config set callbacks.queue_size:=512 storage.compression=lz4`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseAssignments(args)
			if err != nil {
				return err
			}
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				r, err := c.UpdateConfiguration(ctx, values)
				if err != nil {
					return err
				}
				if !r.OK {
					return failed("update configuration", r.Reason)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated %d setting(s)\n", len(values))
				return nil
			})
		},
	}
	cfg.AddCommand(set)
	return cfg
}
