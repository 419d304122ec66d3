// Command barnd is the job-supervisor daemon. It loads configuration,
// starts the orchestrator, and blocks until an IPC shutdown request or
// an OS signal tells it to stop.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samson-media/barn/pkg/config"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/service"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logJSON    bool

	version = "dev"
)

func main() {
	root := &cobra.Command{
		Use:           "barnd",
		Short:         "barn job-supervisor daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/barn/barn.yaml", "path to the daemon configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON rather than console-formatted")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "barnd: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: logJSON,
	})
	service.Version = version

	orch := service.New(cfg.ServiceConfig())
	if err := orch.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	log.Info(fmt.Sprintf("barnd: started, base_dir=%s socket=%s", cfg.BaseDir, cfg.IPCSocket))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	done := make(chan struct{})
	go func() {
		orch.Wait()
		close(done)
	}()

loop:
	for {
		select {
		case sig := <-sigCh:
			log.Info(fmt.Sprintf("barnd: received %s, shutting down", sig))
			break loop
		case <-hupCh:
			log.Info("barnd: received SIGHUP, reloading configuration")
			reloadFromDisk(orch)
		case <-done:
			log.Info("barnd: shutdown requested over ipc")
			break loop
		}
	}

	orch.Stop()
	log.Info("barnd: shutdown complete")
	return nil
}

// reloadFromDisk re-reads the configuration file and applies the
// subset of settings the orchestrator accepts without a restart.
func reloadFromDisk(orch *service.Orchestrator) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorf("barnd: reload: read config", err)
		return
	}

	payload, err := json.Marshal(map[string]any{
		"max_concurrent_jobs":      cfg.MaxConcurrentJobs,
		"cleanup_interval_seconds": int(cfg.CleanupInterval().Seconds()),
		"log_level":                cfg.LogLevel,
	})
	if err != nil {
		log.Errorf("barnd: reload: marshal payload", err)
		return
	}

	applied, requiresRestart, err := orch.Reload(payload)
	if err != nil {
		log.Errorf("barnd: reload: apply", err)
		return
	}
	log.Info(fmt.Sprintf("barnd: reload applied=%v requires_restart=%v", applied, requiresRestart))
}
