// Command procwatchd is the daemon entrypoint: it loads config.toml, wires
// the Supervisor (Manager), the optional Audit Sink and Metrics Sampler,
// starts the Command Surface's HTTP transport, restores any prior snapshot,
// and saves on shutdown. It does not implement the verb-aliased CLI
// described in spec.md §6 — that front-end is out of scope for this
// repository; this binary only starts and exercises the engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/procwatch/procwatch/internal/auth"
	cfg "github.com/procwatch/procwatch/internal/config"
	"github.com/procwatch/procwatch/internal/history/factory"
	"github.com/procwatch/procwatch/internal/ipc"
	"github.com/procwatch/procwatch/internal/logger"
	"github.com/procwatch/procwatch/internal/manager"
	"github.com/procwatch/procwatch/internal/metrics"
	"github.com/procwatch/procwatch/internal/persistence"
	iserver "github.com/procwatch/procwatch/internal/server"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "procwatchd:", err)
		os.Exit(1)
	}
}

// buildRoot mirrors the teacher CLI's cobra root/persistent-flag shape,
// scaled down to this binary's one job: run the daemon in the foreground.
func buildRoot() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "procwatchd",
		Short: "Run the procwatch supervision daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (default <home>/.pmc/config.toml)")
	return root
}

func run(configPath string) error {
	configDir, err := cfg.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	if configPath == "" {
		configPath, err = cfg.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}
	conf, err := cfg.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logDir := conf.LogDir
	if logDir == "" {
		logDir = filepath.Join(configDir, "logs")
	}
	daemonLog := logger.DaemonLogger(filepath.Join(configDir, "procwatchd.log"))
	defer daemonLog.Close()
	slog.SetDefault(slog.New(slog.NewJSONHandler(daemonLog, nil)))

	slog.Info("procwatchd: starting", "config", configPath, "log_dir", logDir)

	mgr := manager.NewManager()
	mgr.SetGlobalEnv(os.Environ())

	if conf.History != nil && conf.History.Enabled && conf.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(conf.History.DSN)
		if err != nil {
			slog.Warn("procwatchd: audit sink unavailable, continuing without it", "error", err)
		} else {
			mgr.SetHistorySinks(sink)
		}
	}

	metricsInterval := time.Duration(conf.Metrics.IntervalMS) * time.Millisecond
	if metricsInterval <= 0 {
		metricsInterval = time.Second
	}
	collector := metrics.NewProcessMetricsCollector(metrics.ProcessMetricsConfig{
		Enabled:  true,
		Interval: metricsInterval,
	})
	if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		slog.Warn("procwatchd: prometheus registration failed, metrics still sampled locally", "error", err)
	}

	metricsCtx, cancelMetrics := context.WithCancel(context.Background())
	defer cancelMetrics()
	getPIDs := func() map[string]int32 {
		out := make(map[string]int32)
		for _, st := range mgr.List() {
			if st.Running && st.PID > 0 {
				out[st.Name] = int32(st.PID)
			}
		}
		return out
	}
	if err := collector.Start(metricsCtx, getPIDs); err != nil {
		slog.Warn("procwatchd: metrics sampler unavailable", "error", err)
	}

	snapshotPath := persistence.DefaultPath(configDir)
	if err := mgr.Restore(snapshotPath); err != nil {
		slog.Warn("procwatchd: restore completed with errors", "error", err)
	}

	gate := auth.NewGate(conf.Daemon.Token)
	router := iserver.NewRouter(mgr, collector, gate)
	router.SetDefaultLogDir(logDir)
	addr := fmt.Sprintf("%s:%d", conf.Daemon.Bind, conf.Daemon.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router.Handler(""),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("procwatchd: command surface stopped", "error", err)
		}
	}()
	slog.Info("procwatchd: command surface listening", "addr", addr)

	ipcServer := ipc.NewServer(filepath.Join(configDir, ipc.SocketName), mgr, collector, gate)
	if err := ipcServer.ListenAndServe(); err != nil {
		return fmt.Errorf("bind control socket: %w", err)
	}
	defer ipcServer.Close()
	slog.Info("procwatchd: ipc command surface listening", "socket", filepath.Join(configDir, ipc.SocketName))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("procwatchd: shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := mgr.Save(snapshotPath); err != nil {
		slog.Error("procwatchd: final save failed", "error", err)
	}
	collector.Stop()
	mgr.Shutdown()
	slog.Info("procwatchd: stopped")
	return nil
}
