/*
Package types defines the core data structures shared across barn.

Job is the only root entity: one user-submitted command, backed by a
directory on disk. Every other package operates on types.Job values or
on the state-machine enums and tagged exit-code variant defined here.

# State machine

	QUEUED --dispatch--> RUNNING --exit 0--> SUCCEEDED (terminal)
	  ^                    |
	  |                    +--nonzero, retries remain--> QUEUED (retry_at set)
	  |                    +--nonzero, exhausted-------> FAILED (terminal)
	  |                    +--kill (ipc)----------------> CANCELED (terminal)
	  |                    +--daemon crashed------------> KILLED (terminal) / QUEUED if retries remain

JobState.Valid and JobState.IsTerminal are the only state queries other
packages should need; nothing outside this package should compare a
JobState against a literal string.

# Exit codes

ExitCode is a tagged union of a numeric process exit status and a
symbolic reason ("timeout", "killed_by_recovery", "orphaned_process").
The zero value is absent (IsPresent reports false) so callers cannot
mistake "no exit code yet" for exit code 0.
*/
package types
