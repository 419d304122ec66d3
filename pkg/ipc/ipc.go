// Package ipc serves the daemon's control-plane protocol over a local
// unix stream socket: newline-delimited JSON request/response frames,
// one goroutine per connection: a Server struct wrapping a repository,
// one method per RPC, a precondition check before each write, over
// net+bufio+encoding/json for the job-supervisor's local-only control
// surface.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/samson-media/barn/pkg/barnerr"
	"github.com/samson-media/barn/pkg/cleanup"
	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/metrics"
	"github.com/samson-media/barn/pkg/procutil"
	"github.com/samson-media/barn/pkg/types"
)

// Request is one decoded frame read from a connection.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response is one frame written back to a connection.
type Response struct {
	Status  string          `json:"status"`
	Payload any             `json:"payload,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError carries the wire-level error code and message.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ok(payload any) Response {
	return Response{Status: "ok", Payload: payload}
}

// errResponse translates a dispatch error into a wire response. Kinds
// that collapse to INTERNAL_ERROR on the wire (storage errors, lock
// contention) are logged here with their distinguishable kind before
// being flattened, so the operator can still tell them apart even
// though the caller can't.
func errResponse(err error) Response {
	switch {
	case errors.Is(err, barnerr.ErrStorageError):
		log.Errorf("ipc: storage error", err)
	case errors.Is(err, barnerr.ErrLockContended):
		log.Errorf("ipc: lock contended", err)
	}
	return Response{Status: "error", Error: &ResponseError{Code: barnerr.Code(err), Message: err.Error()}}
}

// ServiceStatusFunc returns a snapshot of daemon-wide health, modeled
// on a familiar node-health-snapshot shape.
type ServiceStatusFunc func() (ServiceStatus, error)

// ServiceStatus is the get_service_status payload.
type ServiceStatus struct {
	UptimeSeconds     float64        `json:"uptime_seconds"`
	Version           string         `json:"version"`
	RunningJobs       int            `json:"running_jobs"`
	MaxConcurrentJobs int            `json:"max_concurrent_jobs"`
	Settings          map[string]any `json:"settings"`
}

// ShutdownFunc begins graceful daemon shutdown. It is invoked
// asynchronously: the shutdown response is sent before it completes.
type ShutdownFunc func()

// ReloadFunc applies a subset of settings at runtime and reports which
// requested changes require a restart to take effect.
type ReloadFunc func(payload json.RawMessage) (applied map[string]any, requiresRestart []string, err error)

// Handlers bundles everything the server needs to answer every
// request type. Fields left nil fail closed with INTERNAL_ERROR rather
// than panicking, so a partially-wired Handlers is still safe.
type Handlers struct {
	Store         *jobstore.Store
	Sweeper       *cleanup.Sweeper
	ServiceStatus ServiceStatusFunc
	Shutdown      ShutdownFunc
	Reload        ReloadFunc
}

// Server accepts connections on a unix socket and dispatches frames.
type Server struct {
	socketPath string
	handlers   Handlers

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// New returns a Server bound to socketPath. Listen starts accepting.
func New(socketPath string, handlers Handlers) *Server {
	return &Server{socketPath: socketPath, handlers: handlers}
}

// SetSweeper swaps the cleanup sweeper used by clean_jobs, letting
// reload apply a new sweep interval without restarting the listener.
func (s *Server) SetSweeper(sweeper *cleanup.Sweeper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers.Sweeper = sweeper
}

func (s *Server) sweeper() *cleanup.Sweeper {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers.Sweeper
}

// Listen removes any stale socket file, binds, and begins accepting
// connections on a background goroutine. It returns once the listener
// is bound.
func (s *Server) Listen() error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("ipc: remove stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", s.socketPath, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			log.Errorf("ipc: accept", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// Stop closes the listener and waits for every accepted connection to
// be closed by its client; open connections are not closed from this
// side.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil {
			log.Errorf("ipc: close listener", err)
		}
	}
	s.wg.Wait()
	os.RemoveAll(s.socketPath)
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.handleFrame(line)
		if err := writeResponse(writer, resp); err != nil {
			log.Errorf("ipc: write response", err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Errorf("ipc: read connection", err)
	}
}

func writeResponse(w *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// handleFrame decodes and dispatches one request line, recovering from
// any handler panic so a single bad request never takes the daemon
// down.
func (s *Server) handleFrame(line []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Sprintf("ipc: handler panic: %v", r))
			resp = errResponse(fmt.Errorf("%w: internal handler failure", barnerr.ErrInternal))
		}
	}()

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errResponse(fmt.Errorf("%w: malformed request frame", barnerr.ErrInvalidRequest))
	}
	if req.Type == "" {
		return errResponse(fmt.Errorf("%w: missing request type", barnerr.ErrInvalidRequest))
	}

	timer := metrics.NewTimer()
	payload, err := s.dispatch(req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IPCRequestsTotal.WithLabelValues(req.Type, status).Inc()
	timer.ObserveDurationVec(metrics.IPCRequestDuration, req.Type)

	if err != nil {
		return errResponse(err)
	}
	return ok(payload)
}

func (s *Server) dispatch(req Request) (any, error) {
	switch req.Type {
	case "run_job":
		return s.handleRunJob(req.Payload)
	case "get_job":
		return s.handleGetJob(req.Payload)
	case "get_status":
		return s.handleGetStatus(req.Payload)
	case "kill_job":
		return s.handleKillJob(req.Payload)
	case "clean_jobs":
		return s.handleCleanJobs(req.Payload)
	case "get_service_status":
		return s.handleGetServiceStatus()
	case "shutdown":
		return s.handleShutdown()
	case "reload":
		return s.handleReload(req.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown request type %q", barnerr.ErrInvalidRequest, req.Type)
	}
}

type runJobPayload struct {
	Command []string       `json:"command"`
	Tag     string         `json:"tag"`
	Config  types.JobConfig `json:"config"`
}

func (s *Server) handleRunJob(raw json.RawMessage) (any, error) {
	if s.handlers.Store == nil {
		return nil, barnerr.ErrInternal
	}
	var p runJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid run_job payload", barnerr.ErrInvalidRequest)
	}
	if len(p.Command) == 0 {
		return nil, fmt.Errorf("%w: command must be non-empty", barnerr.ErrInvalidRequest)
	}

	job, err := s.handlers.Store.Create(p.Command, p.Tag, p.Config)
	if err != nil {
		return nil, err
	}
	metrics.JobsSubmittedTotal.Inc()
	return jobView(job), nil
}

type idPayload struct {
	ID string `json:"id"`
}

func (s *Server) handleGetJob(raw json.RawMessage) (any, error) {
	if s.handlers.Store == nil {
		return nil, barnerr.ErrInternal
	}
	var p idPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("%w: missing job id", barnerr.ErrInvalidRequest)
	}

	job, err := s.handlers.Store.FindByID(p.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", barnerr.ErrJobNotFound, p.ID)
	}
	return jobView(job), nil
}

type getStatusPayload struct {
	Tag   string `json:"tag"`
	State string `json:"state"`
	Limit int    `json:"limit"`
}

func (s *Server) handleGetStatus(raw json.RawMessage) (any, error) {
	if s.handlers.Store == nil {
		return nil, barnerr.ErrInternal
	}
	var p getStatusPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: invalid get_status payload", barnerr.ErrInvalidRequest)
		}
	}

	jobs, err := s.handlers.Store.FindAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]map[string]any, 0, len(jobs))
	for _, job := range jobs {
		if p.Tag != "" && job.Tag != p.Tag {
			continue
		}
		if p.State != "" && string(job.State) != p.State {
			continue
		}
		filtered = append(filtered, jobView(job))
		if p.Limit > 0 && len(filtered) >= p.Limit {
			break
		}
	}
	return map[string]any{"jobs": filtered}, nil
}

type killJobPayload struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

func (s *Server) handleKillJob(raw json.RawMessage) (any, error) {
	if s.handlers.Store == nil {
		return nil, barnerr.ErrInternal
	}
	var p killJobPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, fmt.Errorf("%w: missing job id", barnerr.ErrInvalidRequest)
	}

	job, err := s.handlers.Store.FindByID(p.ID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", barnerr.ErrJobNotFound, p.ID)
	}
	if job.State != types.JobStateRunning {
		return nil, fmt.Errorf("%w: job %s is %s, not running", barnerr.ErrInvalidState, p.ID, job.State)
	}

	// Flip state first so the runner's own finish() sees CANCELED once
	// the child actually exits and records the terminal data fields;
	// this handler only signals the process and marks intent.
	if err := s.handlers.Store.UpdateState(p.ID, types.JobStateCanceled); err != nil {
		return nil, err
	}
	if job.PID != 0 {
		procutil.KillTree(job.PID, p.Force)
	}
	return map[string]any{"id": p.ID, "state": string(types.JobStateCanceled)}, nil
}

type cleanJobsPayload struct {
	DryRun bool `json:"dry_run"`
}

func (s *Server) handleCleanJobs(raw json.RawMessage) (any, error) {
	sweeper := s.sweeper()
	if sweeper == nil {
		return nil, barnerr.ErrInternal
	}
	var p cleanJobsPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: invalid clean_jobs payload", barnerr.ErrInvalidRequest)
		}
	}

	result, err := sweeper.Sweep(p.DryRun)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scanned": result.Scanned,
		"deleted": result.Deleted,
		"dry_run": p.DryRun,
	}, nil
}

func (s *Server) handleGetServiceStatus() (any, error) {
	if s.handlers.ServiceStatus == nil {
		return nil, barnerr.ErrInternal
	}
	status, err := s.handlers.ServiceStatus()
	if err != nil {
		return nil, err
	}
	return status, nil
}

func (s *Server) handleShutdown() (any, error) {
	if s.handlers.Shutdown == nil {
		return nil, barnerr.ErrInternal
	}
	go s.handlers.Shutdown()
	return map[string]any{"shutting_down": true}, nil
}

func (s *Server) handleReload(raw json.RawMessage) (any, error) {
	if s.handlers.Reload == nil {
		return nil, barnerr.ErrInternal
	}
	applied, requiresRestart, err := s.handlers.Reload(raw)
	if err != nil {
		if errors.Is(err, barnerr.ErrInvalidRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", barnerr.ErrInternal, err)
	}
	return map[string]any{
		"applied":          applied,
		"requires_restart": requiresRestart,
	}, nil
}

func jobView(job *types.Job) map[string]any {
	view := map[string]any{
		"id":         job.ID,
		"command":    job.Command,
		"tag":        job.Tag,
		"state":      string(job.State),
		"created_at": job.CreatedAt,
		"retry_count": job.RetryCount,
	}
	if !job.StartedAt.IsZero() {
		view["started_at"] = job.StartedAt
	}
	if !job.FinishedAt.IsZero() {
		view["finished_at"] = job.FinishedAt
	}
	if job.ExitCode.IsPresent() {
		view["exit_code"] = job.ExitCode.String()
	}
	if job.Error != "" {
		view["error"] = job.Error
	}
	return view
}
