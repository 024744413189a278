package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	Local      bool
}

// DaemonFlags holds flags for the start command
type DaemonFlags struct {
	Daemonize bool
	PIDFile   string
	LogFile   string
}

// OutputFlags selects the output format
type OutputFlags struct {
	JSON bool
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	daemonFlags := &DaemonFlags{}
	outputFlags := &OutputFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(globalFlags, daemonFlags),
		createServerCommand(globalFlags, outputFlags, "start-server", "Start one server and exit", opStart),
		createServerCommand(globalFlags, outputFlags, "fast-start", "Start a server if needed and record an access", opFastStart),
		createServerCommand(globalFlags, outputFlags, "touch", "Record an access for a running server", opTouch),
		createServerCommand(globalFlags, outputFlags, "stop", "Gracefully stop a server", opStop),
		createServerCommand(globalFlags, outputFlags, "force-stop", "Kill a server without a grace period", opForceStop),
		createStatusCommand(globalFlags, outputFlags),
		createListCommand(globalFlags, outputFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "lazyvisor",
		Short: "Lazy-loading process supervisor",
		Long: `lazyvisor starts configured servers on first demand and stops them
again once they have been idle for longer than their inactivity timeout.

Examples:
  lazyvisor start --config=/etc/lazyvisor.toml      # run the daemon
  lazyvisor fast-start echo                         # start on demand
  lazyvisor status echo --json
  lazyvisor list --api-url=http://remote:7071/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default $LAZYVISOR_CONFIG or ./lazyvisor.toml)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "daemon API request timeout")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification for the daemon API")
	root.PersistentFlags().BoolVar(&flags.Local, "local", false, "do not contact the daemon, operate in-process")
	return root
}
