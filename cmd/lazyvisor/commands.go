package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/lazyvisor/pkg/client"
)

type serverOp func(ctx context.Context, b backend, name string) (client.ServerStatus, error)

func opStart(ctx context.Context, b backend, name string) (client.ServerStatus, error) {
	return b.Start(ctx, name)
}

func opFastStart(ctx context.Context, b backend, name string) (client.ServerStatus, error) {
	return b.FastStart(ctx, name)
}

func opTouch(ctx context.Context, b backend, name string) (client.ServerStatus, error) {
	return b.Touch(ctx, name)
}

func opStop(ctx context.Context, b backend, name string) (client.ServerStatus, error) {
	return b.Stop(ctx, name)
}

func opForceStop(ctx context.Context, b backend, name string) (client.ServerStatus, error) {
	return b.ForceStop(ctx, name)
}

// createStartCommand creates the daemon command
func createStartCommand(g *GlobalFlags, f *DaemonFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the supervisor daemon (reaper and HTTP API)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.Daemonize {
				if err := daemonize(f.PIDFile, f.LogFile); err != nil {
					return err
				}
			}
			return runDaemon(cmd.Context(), g, f)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "detach and run in the background")
	cmd.Flags().StringVar(&f.PIDFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "daemon log file (overrides [log] file)")
	return cmd
}

// createServerCommand creates a one-shot command acting on one server
func createServerCommand(g *GlobalFlags, o *OutputFlags, use, short string, op serverOp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := g.backend(ctx, true)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			st, err := op(ctx, b, args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, o.JSON)
		},
	}
	cmd.Flags().BoolVar(&o.JSON, "json", false, "print JSON")
	return cmd
}

// createStatusCommand prints one server's snapshot
func createStatusCommand(g *GlobalFlags, o *OutputFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <name>",
		Short: "Show a server's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := g.backend(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			st, err := b.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st, o.JSON)
		},
	}
	cmd.Flags().BoolVar(&o.JSON, "json", false, "print JSON")
	return cmd
}

// createListCommand prints every configured server
func createListCommand(g *GlobalFlags, o *OutputFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := g.backend(ctx, false)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()
			list, err := b.List(ctx)
			if err != nil {
				return err
			}
			if o.JSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printTable(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().BoolVar(&o.JSON, "json", false, "print JSON")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "lazyvisor", version)
		},
	}
}
