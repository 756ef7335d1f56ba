package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/helmd/pkg/client"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand())
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot wires every subcommand to c.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createListCommand(c, globalFlags),
		createStatusCommand(c, globalFlags),
		createStartCommand(c, globalFlags),
		createStopCommand(c, globalFlags),
		createRestartCommand(c, globalFlags),
		createLogsCommand(c, globalFlags),
		createMetricsCommand(c, globalFlags),
		createReloadCommand(c, globalFlags),
		createServeCommand(c, globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "helmd",
		Short: "Supervisor for locally hosted web applications",
		Long: `helmd starts, stops and monitors the web applications listed in a
service registry, either directly on this host or through a running daemon.

Examples:
  helmd list
  helmd start dashboard --mode=production
  helmd status
  helmd serve --config=helmd.toml           # Start daemon
  helmd status --api-url=http://host:5004/api  # Remote status`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:5004/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	root.PersistentFlags().BoolVar(&flags.APIInsecure, "api-insecure", false, "skip TLS verification of the daemon certificate")
	root.PersistentFlags().StringVar(&flags.APICACert, "api-ca", "", "CA certificate for an HTTPS daemon")
	return root
}

func createListCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *g)
		},
	}
}

func createStatusCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show runtime status of one or all services",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := StatusFlags{}
			if len(args) == 1 {
				f.Name = args[0]
			}
			return c.Status(cmd.Context(), *g, f)
		},
	}
}

func createStartCommand(c command, g *GlobalFlags) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Start(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().StringVar(&f.Mode, "mode", "development", "launch mode: development or production")
	return cmd
}

func createStopCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *g, StopFlags{Name: args[0]})
		},
	}
}

func createRestartCommand(c command, g *GlobalFlags) *cobra.Command {
	f := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "restart <name>",
		Short: "Stop then start a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Restart(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().StringVar(&f.Mode, "mode", "development", "launch mode: development or production")
	return cmd
}

func createLogsCommand(c command, g *GlobalFlags) *cobra.Command {
	f := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Show the tail of a service's log files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Logs(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().IntVar(&f.Lines, "lines", 100, "number of trailing lines")
	cmd.Flags().StringVar(&f.Type, "type", "stderr", "stream: stdout, stderr or both")
	return cmd
}

func createMetricsCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics <name>",
		Short: "Show recent resource samples kept by the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Metrics(cmd.Context(), *g, StatusFlags{Name: args[0]})
		},
	}
}

func createReloadCommand(c command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the daemon to re-read the service registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reload(cmd.Context(), *g)
		},
	}
}

func createServeCommand(c command, g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the helmd daemon in the foreground",
		Long: `Run the REST API, the periodic metrics sampler and optionally the
registry watcher until SIGINT or SIGTERM.

Examples:
  helmd serve --config=helmd.toml
  helmd serve --watch --listen=0.0.0.0:5004`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.Serve(ctx, *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.Watch, "watch", false, "reload the service registry when its file changes")
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override [server].listen")
	return cmd
}
