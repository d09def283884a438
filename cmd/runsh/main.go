package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
}

// RunFlags holds flags for the run command
type RunFlags struct {
	KeepRunning      bool
	ReplaceLeftovers bool
	ShutdownTimeout  time.Duration
}

// ListFlags holds flags for the list command
type ListFlags struct {
	JSON       bool
	Live       bool
	APITimeout time.Duration
}

// LogsFlags holds flags for the logs command
type LogsFlags struct {
	Lines  int
	Follow bool
}

// HistoryFlags holds flags for the history command
type HistoryFlags struct {
	Limit int
	JSON  bool
}

// buildRoot wires every subcommand to a command bound to out/errOut
func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	listFlags := &ListFlags{}
	addFlags := &ProfileFlags{}
	editFlags := &ProfileFlags{}
	logsFlags := &LogsFlags{}
	historyFlags := &HistoryFlags{}

	runshCommand := &command{global: globalFlags, out: out, errOut: errOut}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		createRunCommand(runshCommand, runFlags),
		createListCommand(runshCommand, listFlags),
		createAddCommand(runshCommand, addFlags),
		createEditCommand(runshCommand, editFlags),
		createRemoveCommand(runshCommand),
		createImportCommand(runshCommand),
		createExportCommand(runshCommand),
		createLogsCommand(runshCommand, logsFlags),
		createLogDirCommand(runshCommand),
		createHistoryCommand(runshCommand, historyFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "runsh",
		Short: "Supervise long-running shell scripts",
		Long: `runsh keeps shell scripts running as services: it launches them in their own
process group, restarts them when they exit, and stops them with an escalating
TERM, INT, KILL sequence.

Profiles live in the data directory (profiles.json). Editing commands take the
data directory lock, so they fail while 'runsh run' is active.

Examples:
  runsh add web ./serve.sh --auto-start
  runsh run                        # supervise until SIGINT/SIGTERM
  runsh list --live                # states from the running supervisor
  runsh logs web --follow`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", "", "override data_dir from the config")

	return root
}

// createRunCommand creates the run subcommand
func createRunCommand(runshCommand *command, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start auto-start profiles and supervise until interrupted",
		Long: `Load the profile set, start every enabled auto-start profile and supervise
until SIGINT or SIGTERM. On shutdown the profile set is saved and every script
is stopped unless --keep-running is given.

Scripts left running by an earlier 'runsh run --keep-running' are found through
their PID files under <data_dir>/run and are not started twice. Pass
--replace-leftovers to stop them first.

Examples:
  runsh run
  runsh run --keep-running
  RUNSH_METRICS_ENABLED=true runsh run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.Run(cmd.Context(), *runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.KeepRunning, "keep-running", false, "leave scripts running on exit")
	cmd.Flags().BoolVar(&runFlags.ReplaceLeftovers, "replace-leftovers", false, "stop scripts left running by an earlier supervisor, then start as usual")
	cmd.Flags().DurationVar(&runFlags.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for the observability server to drain")
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(runshCommand *command, listFlags *ListFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Long: `List the stored profiles. With --live the states are read from the
observability endpoint of the running supervisor (metrics.enabled must be set).

Examples:
  runsh list
  runsh list --json
  runsh list --live`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.List(cmd.Context(), *listFlags)
		},
	}
	cmd.Flags().BoolVar(&listFlags.JSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&listFlags.Live, "live", false, "include states from the running supervisor")
	cmd.Flags().DurationVar(&listFlags.APITimeout, "api-timeout", 5*time.Second, "request timeout for --live")
	return cmd
}

// createAddCommand creates the add subcommand
func createAddCommand(runshCommand *command, addFlags *ProfileFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add NAME SCRIPT",
		Short: "Add a profile",
		Long: `Add a profile running SCRIPT under NAME. Unset fields take their defaults:
restart on exit after 5s, no start delay, unlimited restarts, enabled, and a
log file under <data_dir>/logs.

Examples:
  runsh add web /opt/web/serve.sh --auto-start
  runsh add worker ./work.sh --env QUEUE=high --max-restarts 3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.Add(args[0], args[1], addFlags, cmd.Flags().Changed)
		},
	}
	addFlags.bind(cmd)
	return cmd
}

// createEditCommand creates the edit subcommand
func createEditCommand(runshCommand *command, editFlags *ProfileFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit NAME",
		Short: "Change fields of a profile",
		Long: `Change the given fields of profile NAME. Only flags that are set are applied.

Examples:
  runsh edit web --name web-v2
  runsh edit worker --restart-on-exit=false --unset-env QUEUE`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.Edit(args[0], editFlags, cmd.Flags().Changed)
		},
	}
	editFlags.bind(cmd)
	cmd.Flags().StringVar(&editFlags.Name, "name", "", "rename the profile")
	cmd.Flags().StringVar(&editFlags.Script, "script", "", "script path")
	cmd.Flags().StringSliceVar(&editFlags.UnsetEnv, "unset-env", nil, "environment keys to remove")
	return cmd
}

// createRemoveCommand creates the remove subcommand
func createRemoveCommand(runshCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Remove a profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.Remove(args[0])
		},
	}
}

// createImportCommand creates the import subcommand
func createImportCommand(runshCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import profiles from a JSON or YAML file",
		Long: `Import every profile in FILE. A name that is already taken gets a
_1, _2, ... suffix. Nothing is imported when any profile is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.Import(args[0])
		},
	}
}

// createExportCommand creates the export subcommand
func createExportCommand(runshCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "export FILE",
		Short: "Export profiles to a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.Export(args[0])
		},
	}
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(runshCommand *command, logsFlags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs NAME",
		Short: "Print the log file of a profile",
		Long: `Print the last lines of the log file of profile NAME. With --follow new
output is streamed until interrupted.

Examples:
  runsh logs web
  runsh logs web -n 200 -f`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.Logs(cmd.Context(), args[0], *logsFlags)
		},
	}
	cmd.Flags().IntVarP(&logsFlags.Lines, "lines", "n", 50, "number of trailing lines")
	cmd.Flags().BoolVarP(&logsFlags.Follow, "follow", "f", false, "stream appended output")
	return cmd
}

// createLogDirCommand creates the logdir subcommand
func createLogDirCommand(runshCommand *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logdir",
		Short: "Create and print the default log directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.LogDir()
		},
	}
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(runshCommand *command, historyFlags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "Show recorded status changes of a profile",
		Long: `Show the newest status changes of profile NAME from the SQLite history
database (history.enabled must be set; the first sqlite DSN is read).

Examples:
  runsh history web
  runsh history web --limit 100 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runshCommand.History(cmd.Context(), args[0], *historyFlags)
		},
	}
	cmd.Flags().IntVar(&historyFlags.Limit, "limit", 20, "maximum number of events")
	cmd.Flags().BoolVar(&historyFlags.JSON, "json", false, "print JSON")
	return cmd
}
