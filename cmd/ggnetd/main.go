// SPDX-License-Identifier: MIT

// ggnetd is the diskless boot orchestrator daemon. It owns the image store,
// the iSCSI target adapter, the PXE boot file generator and the session state
// machine, and exposes them over one HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ggnet/diskless/internal/api"
	"github.com/ggnet/diskless/internal/audit"
	"github.com/ggnet/diskless/internal/bootfile"
	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/config"
	"github.com/ggnet/diskless/internal/convert"
	"github.com/ggnet/diskless/internal/imagestore"
	"github.com/ggnet/diskless/internal/iscsi"
	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/preflight"
	"github.com/ggnet/diskless/internal/runner"
	"github.com/ggnet/diskless/internal/session"
	"github.com/ggnet/diskless/internal/store"
	"github.com/ggnet/diskless/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ggnetd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	if *configPath != "" {
		_ = os.Setenv(config.EnvConfigFile, *configPath)
	}

	os.Exit(run())
}

func run() int {
	// Safe defaults until the config is loaded.
	log.Configure(log.Config{Level: "info", Service: "ggnetd", Version: version.Version})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
		return 2
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "ggnetd", Version: version.Version})
	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version.Version).
		Str("bind_addr", cfg.BindAddr).
		Str("server_ip", cfg.ServerIP).
		Str("storage_dir", cfg.StorageDir).
		Msg("starting diskless boot orchestrator")

	st, err := store.Open(cfg.StateDBPath)
	if err != nil {
		logger.Error().Err(err).Str("event", "store.open_failed").Str("path", cfg.StateDBPath).Msg("failed to open state store")
		return 1
	}
	defer func() { _ = st.Close() }()

	events := bus.New(cfg.EventBufferSize)
	defer events.Close()

	reloadArgv := cfg.ReloadArgv()
	allowed := []string{cfg.TargetCLI, cfg.QemuImg}
	if len(reloadArgv) > 0 {
		allowed = append(allowed, reloadArgv[0])
	}
	run := runner.New(allowed)

	images, err := imagestore.New(st, events, cfg.StorageDir)
	if err != nil {
		logger.Error().Err(err).Str("event", "imagestore.init_failed").Msg("failed to initialize image storage")
		return 1
	}

	mgr := iscsi.New(run, cfg.TargetCLI)
	gen, err := bootfile.New(cfg.TFTPRoot, cfg.DHCPFragmentDir, cfg.ServerIP)
	if err != nil {
		logger.Error().Err(err).Str("event", "bootfile.init_failed").Msg("failed to initialize boot file directories")
		return 1
	}
	reloader := bootfile.NewReloader(run, reloadArgv)

	checks := preflight.New(st, events, mgr, gen, cfg.StorageDir, cfg.DHCPFragmentDir, cfg.TFTPRoot)
	for _, res := range checks.Run(ctx) {
		ev := logger.Info()
		if !res.OK {
			ev = logger.Warn()
		}
		ev.Str("event", "preflight.check").Str("check", res.Name).Bool("ok", res.OK).Str("message", res.Message).Msg("pre-flight")
	}
	if !checks.Healthy() {
		logger.Error().Str("event", "preflight.failed").Msg("pre-flight checks failed, refusing to start")
		return 1
	}

	rec := audit.New(st)
	orch := session.New(st, mgr, gen, reloader, events, checks, rec, session.Options{
		IQNBase:          cfg.IQNBase,
		ServerIP:         cfg.ServerIP,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SweepInterval:    cfg.SweepInterval,
	})
	worker := convert.New(st, images, run, events, convert.Options{
		QemuImg:       cfg.QemuImg,
		Timeout:       cfg.ConversionTimeout,
		StaleClaimAge: cfg.StaleClaimAge,
	})

	if err := recoverState(ctx, st, events, mgr, gen, orch, worker, cfg.IQNBase); err != nil {
		logger.Error().Err(err).Str("event", "daemon.recovery_failed").Msg("startup recovery failed")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.New(st, images, orch, checks, gen, events, cfg.UploadIdleTimeout).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("event", "api.listening").Str("addr", cfg.BindAddr).Msg("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return orch.RunSweeper(gctx) })
	for i := 0; i < cfg.ConversionWorkers; i++ {
		g.Go(func() error { return worker.Run(gctx) })
	}
	g.Go(func() error { return checks.Watch(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str("event", "daemon.failed").Msg("daemon exited with error")
		return 1
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
	return 0
}

// recoverState reconciles persisted state against the kernel after a
// restart: orphaned conversion claims are requeued, transient sessions are
// cleaned up, vanished targets are marked and stale boot files are swept.
func recoverState(ctx context.Context, st store.Store, events bus.Bus, mgr iscsi.Manager, gen *bootfile.Generator, orch *session.Orchestrator, worker *convert.Worker, iqnBase string) error {
	if err := worker.Recover(ctx); err != nil {
		return fmt.Errorf("conversion recovery: %w", err)
	}
	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("session recovery: %w", err)
	}
	if err := iscsi.NewReconciler(st, mgr, events, iqnBase).Reconcile(ctx); err != nil {
		return fmt.Errorf("target reconcile: %w", err)
	}

	active, err := st.ListSessionsByStatus(ctx, model.SessionActive)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	macs := make(map[string]struct{}, len(active))
	for _, sess := range active {
		m, err := st.GetMachine(ctx, sess.MachineID)
		if err != nil {
			continue
		}
		macs[m.MACAddress] = struct{}{}
	}
	if err := gen.Reconcile(ctx, macs); err != nil {
		return fmt.Errorf("boot file reconcile: %w", err)
	}
	return nil
}
