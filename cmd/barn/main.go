// Command barn is the thin CLI front end: it translates subcommands
// into IPC requests against a running barnd and formats the
// responses for a terminal. Exit codes: 0 success, 1 user error,
// 2 service unreachable, 3 operation-specific failure.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/tabwriter"

	"github.com/samson-media/barn/pkg/ipcclient"
	"github.com/spf13/cobra"
)

const (
	exitOK              = 0
	exitUserError       = 1
	exitServiceDown     = 2
	exitOperationFailed = 3
)

var (
	socketPath string
	barndPath  string
)

func main() {
	os.Exit(mainExitCode())
}

func mainExitCode() int {
	root := &cobra.Command{
		Use:           "barn",
		Short:         "control a barn job-supervisor daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/var/lib/barn/barn.sock", "path to the daemon's control socket")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newShowCmd(),
		newKillCmd(),
		newCleanCmd(),
		newServiceCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "barn: %v\n", err)
		return classify(err)
	}
	return exitOK
}

// classify maps a returned error to the CLI's exit codes.
func classify(err error) int {
	var unreachable *ipcclient.ErrUnreachable
	if as(err, &unreachable) {
		return exitServiceDown
	}
	var reqErr *ipcclient.RequestError
	if as(err, &reqErr) {
		switch reqErr.Code {
		case "INVALID_REQUEST", "JOB_NOT_FOUND":
			return exitUserError
		default:
			return exitOperationFailed
		}
	}
	// Anything else is either our own usageError or a cobra
	// argument-parsing failure (unknown flag, wrong arg count) — both
	// are the caller's mistake, not the daemon's.
	return exitUserError
}

// as is errors.As without importing errors into every call site below.
func as(err error, target any) bool {
	switch t := target.(type) {
	case **ipcclient.ErrUnreachable:
		if e, ok := err.(*ipcclient.ErrUnreachable); ok {
			*t = e
			return true
		}
	case **ipcclient.RequestError:
		if e, ok := err.(*ipcclient.RequestError); ok {
			*t = e
			return true
		}
	}
	return false
}

// usageError marks a bad-flags/bad-argument condition distinct from a
// daemon-reported error.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func client() *ipcclient.Client { return ipcclient.New(socketPath) }

func newRunCmd() *cobra.Command {
	var (
		tag               string
		timeoutSeconds    int
		maxRetries        int
		retryDelaySeconds int
		retryBackoff      float64
		retryOnExitCodes  []int
	)
	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Short: "submit a command for execution",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().RunJob(args, tag, ipcclient.JobConfig{
				DefaultTimeoutSeconds:  timeoutSeconds,
				MaxRetries:             maxRetries,
				RetryDelaySeconds:      retryDelaySeconds,
				RetryBackoffMultiplier: retryBackoff,
				RetryOnExitCodes:       retryOnExitCodes,
			})
			if err != nil {
				return err
			}
			fmt.Printf("submitted job %v\n", job["id"])
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "free-form label for later filtering via status")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "kill the job if it runs longer than this many seconds (0 = no timeout)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "number of times to retry on a retryable exit")
	cmd.Flags().IntVar(&retryDelaySeconds, "retry-delay", 5, "base delay in seconds before the first retry")
	cmd.Flags().Float64Var(&retryBackoff, "retry-backoff", 2, "multiplier applied to the retry delay after each attempt")
	cmd.Flags().IntSliceVar(&retryOnExitCodes, "retry-on-exit-code", nil, "exit codes considered retryable (unset = all nonzero exits are retryable)")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		tag   string
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "list jobs, optionally filtered by tag or state",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := client().GetStatus(ipcclient.StatusFilter{Tag: tag, State: state, Limit: limit})
			if err != nil {
				return err
			}
			printJobTable(jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only show jobs with this tag")
	cmd.Flags().StringVar(&state, "state", "", "only show jobs in this state (queued, running, succeeded, failed, canceled, killed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs to show (0 = unlimited)")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "show the full record for one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().GetJob(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(job, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}
}

func newKillCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill <job-id>",
		Short: "stop a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := client().KillJob(args[0], force)
			if err != nil {
				return err
			}
			fmt.Printf("job %v: %v\n", job["id"], job["state"])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "send SIGKILL to the job's process tree instead of a graceful signal")
	return cmd
}

func newCleanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "delete expired terminal job records",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := client().CleanJobs(dryRun)
			if err != nil {
				return err
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Printf("scanned %d jobs, %s %d\n", result.Scanned, verb, len(result.Deleted))
			for _, id := range result.Deleted {
				fmt.Println(" ", id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "manage the daemon process itself",
	}
	cmd.PersistentFlags().StringVar(&barndPath, "barnd-path", "barnd", "path to the barnd binary, used by \"service start\"")
	cmd.AddCommand(newServiceStartCmd(), newServiceStopCmd(), newServiceStatusCmd(), newServiceReloadCmd())
	return cmd
}

// newServiceStartCmd launches barnd as a detached background process.
// This is the one subcommand that does not speak the IPC protocol: by
// definition the daemon is not listening yet. Platform service
// integration (systemd/launchd units) is out of scope; this is the
// bare-metal equivalent for a host with no init-system glue.
func newServiceStartCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "launch the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs := []string{}
			if configPath != "" {
				cmdArgs = append(cmdArgs, "--config", configPath)
			}
			proc := exec.Command(barndPath, cmdArgs...)
			proc.Stdout = nil
			proc.Stderr = nil
			if err := proc.Start(); err != nil {
				return &usageError{msg: fmt.Sprintf("launch %s: %v", barndPath, err)}
			}
			if err := proc.Process.Release(); err != nil {
				return err
			}
			fmt.Printf("started barnd (pid %d)\n", proc.Process.Pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "configuration file to pass to barnd")
	return cmd
}

func newServiceStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "ask the daemon to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Shutdown(); err != nil {
				return err
			}
			fmt.Println("shutdown requested")
			return nil
		},
	}
}

func newServiceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show daemon health and effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := client().GetServiceStatus()
			if err != nil {
				return err
			}
			fmt.Printf("version:            %s\n", status.Version)
			fmt.Printf("uptime_seconds:     %.0f\n", status.UptimeSeconds)
			fmt.Printf("running_jobs:       %d\n", status.RunningJobs)
			fmt.Printf("max_concurrent_jobs: %d\n", status.MaxConcurrentJobs)
			for k, v := range status.Settings {
				fmt.Printf("  %s: %v\n", k, v)
			}
			return nil
		},
	}
}

func newServiceReloadCmd() *cobra.Command {
	var (
		maxConcurrentJobs   int
		cleanupIntervalSecs int
		logLevel            string
	)
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "apply a subset of settings without restarting",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := map[string]any{}
			if cmd.Flags().Changed("max-concurrent-jobs") {
				settings["max_concurrent_jobs"] = maxConcurrentJobs
			}
			if cmd.Flags().Changed("cleanup-interval-seconds") {
				settings["cleanup_interval_seconds"] = cleanupIntervalSecs
			}
			if cmd.Flags().Changed("log-level") {
				settings["log_level"] = logLevel
			}
			if len(settings) == 0 {
				return &usageError{msg: "reload requires at least one setting flag"}
			}
			result, err := client().Reload(settings)
			if err != nil {
				return err
			}
			fmt.Println("applied:")
			for k, v := range result.Applied {
				fmt.Printf("  %s = %v\n", k, v)
			}
			if len(result.RequiresRestart) > 0 {
				fmt.Printf("requires restart: %s\n", strings.Join(result.RequiresRestart, ", "))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxConcurrentJobs, "max-concurrent-jobs", 0, "new concurrency ceiling")
	cmd.Flags().IntVar(&cleanupIntervalSecs, "cleanup-interval-seconds", 0, "new cleanup sweep interval")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "new log level (debug, info, warn, error)")
	return cmd
}

func printJobTable(jobs []ipcclient.Job) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTAG\tRETRIES\tEXIT")
	for _, job := range jobs {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			job["id"], job["state"], job["tag"], job["retry_count"], formatExit(job["exit_code"]))
	}
	w.Flush()
}

func formatExit(v any) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(v)
}
