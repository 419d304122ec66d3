// Package ipcclient is a thin wrapper over the daemon's unix-socket
// control protocol: a Client struct holding the transport, one method
// per RPC, with a single newline-delimited JSON round trip per call.
package ipcclient

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client dials the daemon's unix socket for each call. There is no
// persistent connection: the control surface is low-frequency enough
// that a connect-per-call keeps the transport logic trivial and avoids
// any reconnect/keepalive machinery the CLI has no use for.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New returns a Client targeting the given unix socket path.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

// ErrUnreachable wraps any failure to connect to the daemon, so
// callers (the CLI's exit-code logic) can distinguish "service down"
// from a request the daemon rejected.
type ErrUnreachable struct{ err error }

func (e *ErrUnreachable) Error() string { return fmt.Sprintf("service unreachable: %v", e.err) }
func (e *ErrUnreachable) Unwrap() error { return e.err }

// RequestError wraps an error response the daemon returned for a
// well-formed request.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

type request struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type response struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// call sends one request frame and decodes the response payload into out.
func (c *Client) call(reqType string, payload any, out any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return &ErrUnreachable{err: err}
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	data, err := json.Marshal(request{Type: reqType, Payload: payload})
	if err != nil {
		return fmt.Errorf("ipcclient: marshal request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return &ErrUnreachable{err: err}
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return &ErrUnreachable{err: err}
		}
		return &ErrUnreachable{err: fmt.Errorf("connection closed with no response")}
	}

	var resp response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("ipcclient: decode response: %w", err)
	}
	if resp.Status == "error" {
		if resp.Error == nil {
			return &RequestError{Code: "INTERNAL_ERROR", Message: "unknown error"}
		}
		return &RequestError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil || len(resp.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Payload, out)
}

// JobConfig mirrors types.JobConfig without importing the daemon's
// internal package graph into the CLI binary's dependency surface.
type JobConfig struct {
	DefaultTimeoutSeconds  int     `json:"default_timeout_seconds,omitempty"`
	MaxRetries             int     `json:"max_retries,omitempty"`
	RetryDelaySeconds      int     `json:"retry_delay_seconds,omitempty"`
	RetryBackoffMultiplier float64 `json:"retry_backoff_multiplier,omitempty"`
	RetryOnExitCodes       []int   `json:"retry_on_exit_codes,omitempty"`
}

// Job is the CLI's view of a job record, decoded loosely since the
// wire payload is a map and not every field is always present.
type Job map[string]any

// RunJob submits a new job.
func (c *Client) RunJob(command []string, tag string, cfg JobConfig) (Job, error) {
	var job Job
	err := c.call("run_job", map[string]any{"command": command, "tag": tag, "config": cfg}, &job)
	return job, err
}

// GetJob fetches one job by id.
func (c *Client) GetJob(id string) (Job, error) {
	var job Job
	err := c.call("get_job", map[string]any{"id": id}, &job)
	return job, err
}

// StatusFilter narrows a status listing.
type StatusFilter struct {
	Tag   string `json:"tag,omitempty"`
	State string `json:"state,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// GetStatus lists jobs matching filter.
func (c *Client) GetStatus(filter StatusFilter) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.call("get_status", filter, &out)
	return out.Jobs, err
}

// KillJob signals a running job to stop.
func (c *Client) KillJob(id string, force bool) (Job, error) {
	var job Job
	err := c.call("kill_job", map[string]any{"id": id, "force": force}, &job)
	return job, err
}

// CleanResult reports the outcome of a clean_jobs sweep.
type CleanResult struct {
	Scanned int      `json:"scanned"`
	Deleted []string `json:"deleted"`
	DryRun  bool     `json:"dry_run"`
}

// CleanJobs sweeps expired terminal jobs.
func (c *Client) CleanJobs(dryRun bool) (CleanResult, error) {
	var out CleanResult
	err := c.call("clean_jobs", map[string]any{"dry_run": dryRun}, &out)
	return out, err
}

// ServiceStatus is the daemon's own health snapshot.
type ServiceStatus struct {
	UptimeSeconds     float64        `json:"uptime_seconds"`
	Version           string         `json:"version"`
	RunningJobs       int            `json:"running_jobs"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	Settings          map[string]any `json:"settings"`
}

// GetServiceStatus fetches the daemon's health snapshot.
func (c *Client) GetServiceStatus() (ServiceStatus, error) {
	var out ServiceStatus
	err := c.call("get_service_status", nil, &out)
	return out, err
}

// Shutdown asks the daemon to begin graceful shutdown.
func (c *Client) Shutdown() error {
	return c.call("shutdown", nil, nil)
}

// ReloadResult reports which requested settings were applied live.
type ReloadResult struct {
	Applied         map[string]any `json:"applied"`
	RequiresRestart []string       `json:"requires_restart"`
}

// Reload applies the given settings live where possible.
func (c *Client) Reload(settings map[string]any) (ReloadResult, error) {
	var out ReloadResult
	err := c.call("reload", settings, &out)
	return out, err
}
