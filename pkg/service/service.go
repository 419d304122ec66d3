// Package service is the top-level orchestrator: it owns the
// scheduler lock for the daemon's lifetime and sequences startup and
// shutdown across recovery, the scheduler, the IPC server, and the
// cleanup sweeper. The "one object acquires collaborators in order
// and releases them in reverse" shape.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/samson-media/barn/pkg/barnerr"
	"github.com/samson-media/barn/pkg/cleanup"
	"github.com/samson-media/barn/pkg/filelock"
	"github.com/samson-media/barn/pkg/ipc"
	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/metrics"
	"github.com/samson-media/barn/pkg/recovery"
	"github.com/samson-media/barn/pkg/runner"
	"github.com/samson-media/barn/pkg/scheduler"
	"github.com/samson-media/barn/pkg/types"
)

// Version is the build version string, set via ldflags at build time.
var Version = "dev"

// Config is the full set of settings the orchestrator needs to start.
type Config struct {
	BaseDir           string
	SocketPath        string
	MaxConcurrentJobs int
	PollInterval      time.Duration
	StaleThreshold    time.Duration
	ShutdownGrace     time.Duration

	// MetricsAddr, when non-empty, binds a /metrics endpoint at that
	// address alongside the IPC socket. Left empty, no HTTP listener
	// is started.
	MetricsAddr string

	CleanupEnabled  bool
	CleanupInterval time.Duration
	CleanupMaxAge   time.Duration
	KeepFailedJobs  bool
	MaxAgeFailed    time.Duration
}

// Orchestrator wires together every daemon component and sequences
// their startup and shutdown.
type Orchestrator struct {
	cfg    Config
	layout *layout.Layout
	store  *jobstore.Store

	schedulerLock *filelock.Lock
	scheduler     *scheduler.Scheduler
	sweeper       *cleanup.Sweeper
	ipcServer     *ipc.Server
	metricsServer *http.Server

	mu        sync.RWMutex
	startedAt time.Time
	shutdown  chan struct{}
	once      sync.Once
}

// New returns an unstarted Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, shutdown: make(chan struct{})}
}

// Start runs the full startup sequence: initialize the directory
// layout, acquire the scheduler lock (fail if already held), run crash
// recovery, start the scheduler, start the cleanup sweeper if enabled,
// start the IPC server, and start the metrics listener if configured.
func (o *Orchestrator) Start() error {
	o.layout = layout.New(o.cfg.BaseDir)

	// locks/ (and jobs/, logs/) must exist before the scheduler lock can
	// be acquired, so Initialize runs first; a second instance still
	// fails fast on the lock immediately afterward, before recovery runs.
	if err := o.layout.Initialize(); err != nil {
		return fmt.Errorf("service: initialize layout: %w", err)
	}

	lockPath := o.layout.SchedulerLockPath()
	lock, acquired, err := filelock.TryAcquire(lockPath)
	if err != nil {
		return fmt.Errorf("service: acquire scheduler lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("service: another instance already holds the scheduler lock at %s", lockPath)
	}
	o.schedulerLock = lock
	o.store = jobstore.New(o.layout)

	rec := recovery.New(o.store, o.cfg.StaleThreshold)
	result, err := rec.Run()
	if err != nil {
		o.releaseLock()
		return fmt.Errorf("service: crash recovery: %w", err)
	}
	log.Info(fmt.Sprintf("service: recovery scanned=%d orphaned=%d requeued=%d killed=%d",
		result.Scanned, result.Orphaned, result.Requeued, result.Killed))

	r := runner.New(o.layout, o.store, o.cfg.StaleThreshold)
	o.scheduler = scheduler.New(o.store, o.layout, r, scheduler.Config{
		MaxConcurrentJobs: o.cfg.MaxConcurrentJobs,
		PollInterval:      o.cfg.PollInterval,
		ShutdownGrace:     o.cfg.ShutdownGrace,
	})
	o.scheduler.Start()

	if o.cfg.CleanupEnabled {
		o.sweeper = cleanup.New(o.store, cleanup.Config{
			Interval:       o.cfg.CleanupInterval,
			MaxAge:         o.cfg.CleanupMaxAge,
			KeepFailedJobs: o.cfg.KeepFailedJobs,
			MaxAgeFailed:   o.cfg.MaxAgeFailed,
		})
		o.sweeper.Start()
	}

	o.ipcServer = ipc.New(o.cfg.SocketPath, ipc.Handlers{
		Store:         o.store,
		Sweeper:       o.sweeper,
		ServiceStatus: o.serviceStatus,
		Shutdown:      o.requestShutdown,
		Reload:        o.reload,
	})
	if err := o.ipcServer.Listen(); err != nil {
		o.scheduler.Stop()
		if o.sweeper != nil {
			o.sweeper.Stop()
		}
		o.releaseLock()
		return fmt.Errorf("service: start ipc server: %w", err)
	}

	if o.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		o.metricsServer = &http.Server{Addr: o.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := o.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("service: metrics server", err)
			}
		}()
	}

	o.startedAt = time.Now()
	return nil
}

// Stop runs the shutdown sequence in reverse: stop accepting IPC
// connections, stop the cleanup sweeper, stop the scheduler (waiting
// for in-flight runners up to its shutdown grace), then release the
// scheduler lock last.
func (o *Orchestrator) Stop() {
	if o.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			log.Errorf("service: shutdown metrics server", err)
		}
	}
	if o.ipcServer != nil {
		o.ipcServer.Stop()
	}
	if o.sweeper != nil {
		o.sweeper.Stop()
	}
	if o.scheduler != nil {
		o.scheduler.Stop()
	}
	o.releaseLock()
}

// Wait blocks until a caller-triggered shutdown (via the shutdown IPC
// request) closes the internal channel.
func (o *Orchestrator) Wait() {
	<-o.shutdown
}

func (o *Orchestrator) requestShutdown() {
	o.once.Do(func() { close(o.shutdown) })
}

func (o *Orchestrator) releaseLock() {
	if o.schedulerLock == nil {
		return
	}
	if err := o.schedulerLock.Release(); err != nil {
		log.Errorf("service: release scheduler lock", err)
	}
}

func (o *Orchestrator) serviceStatus() (ipc.ServiceStatus, error) {
	running := 0
	if o.store != nil {
		if jobs, err := o.store.FindByState(types.JobStateRunning); err == nil {
			running = len(jobs)
		}
	}
	return ipc.ServiceStatus{
		UptimeSeconds:     time.Since(o.startedAt).Seconds(),
		Version:           Version,
		RunningJobs:       running,
		MaxConcurrentJobs: o.cfg.MaxConcurrentJobs,
		Settings: map[string]any{
			"poll_interval_seconds":   o.cfg.PollInterval.Seconds(),
			"cleanup_enabled":         o.cfg.CleanupEnabled,
			"cleanup_interval_seconds": o.cfg.CleanupInterval.Seconds(),
			"keep_failed_jobs":        o.cfg.KeepFailedJobs,
		},
	}, nil
}

// reloadPayload lists the settings reload may change without a
// restart: cleanup interval, the max-concurrency ceiling, and the log
// level. Retry defaults are not among them; any other requested key
// is reported back as requiring a restart.
type reloadPayload struct {
	CleanupIntervalSeconds *int     `json:"cleanup_interval_seconds"`
	MaxConcurrentJobs      *int     `json:"max_concurrent_jobs"`
	LogLevel               *string  `json:"log_level"`
}

// Reload applies a subset of settings at runtime.
// Exposed publicly so both the ipc "reload" request and a SIGHUP
// handler can drive the same path.
func (o *Orchestrator) Reload(raw json.RawMessage) (map[string]any, []string, error) {
	return o.reload(raw)
}

func (o *Orchestrator) reload(raw json.RawMessage) (map[string]any, []string, error) {
	var p reloadPayload
	var requested map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, fmt.Errorf("%w: invalid reload payload", barnerr.ErrInvalidRequest)
		}
		if err := json.Unmarshal(raw, &requested); err != nil {
			return nil, nil, fmt.Errorf("%w: invalid reload payload", barnerr.ErrInvalidRequest)
		}
	}

	applied := map[string]any{}
	var requiresRestart []string
	for key := range requested {
		switch key {
		case "cleanup_interval_seconds", "max_concurrent_jobs", "log_level":
		default:
			requiresRestart = append(requiresRestart, key)
		}
	}
	sort.Strings(requiresRestart)

	o.mu.Lock()
	if p.MaxConcurrentJobs != nil {
		o.cfg.MaxConcurrentJobs = *p.MaxConcurrentJobs
		o.scheduler.SetConfig(scheduler.Config{
			MaxConcurrentJobs: o.cfg.MaxConcurrentJobs,
			PollInterval:      o.cfg.PollInterval,
			ShutdownGrace:     o.cfg.ShutdownGrace,
		})
		applied["max_concurrent_jobs"] = *p.MaxConcurrentJobs
	}
	if p.CleanupIntervalSeconds != nil {
		o.cfg.CleanupInterval = time.Duration(*p.CleanupIntervalSeconds) * time.Second
		if o.sweeper != nil {
			// The ticker period is fixed at construction, so apply the
			// new interval by swapping in a freshly started sweeper
			// rather than restarting the daemon process.
			o.sweeper.Stop()
			o.sweeper = cleanup.New(o.store, cleanup.Config{
				Interval:       o.cfg.CleanupInterval,
				MaxAge:         o.cfg.CleanupMaxAge,
				KeepFailedJobs: o.cfg.KeepFailedJobs,
				MaxAgeFailed:   o.cfg.MaxAgeFailed,
			})
			o.sweeper.Start()
			if o.ipcServer != nil {
				o.ipcServer.SetSweeper(o.sweeper)
			}
		}
		applied["cleanup_interval_seconds"] = *p.CleanupIntervalSeconds
	}
	o.mu.Unlock()

	if p.LogLevel != nil {
		log.SetLevel(log.Level(*p.LogLevel))
		applied["log_level"] = *p.LogLevel
	}

	return applied, requiresRestart, nil
}
