package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"peerguard/internal/enrich"
	"peerguard/internal/guard"
	"peerguard/internal/trust"
)

func runLearn(args []string) error {
	fs := flag.NewFlagSet("learn", flag.ExitOnError)
	dir := fs.String("c", "", "config directory")
	_ = fs.Parse(args)

	cfg, logger, closer, err := setup(*dir)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := newSource(cfg)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	m := guard.NewMetrics(reg)
	serveMetrics(ctx, cfg.MetricsAddr, reg, logger)

	store := trust.NewStore(cfg.TrustFile, cfg.Host)
	col := guard.NewCollector(cfg.Host, store, logger).WithMetrics(m)
	loop := &guard.Loop{Source: src, Host: cfg.Host, Interval: cfg.Interval, StatusEvery: cfg.StatusEvery, Log: logger, Metrics: m}

	logger.Info("learning started, begin the trusted session now", "host", cfg.Host, "interface", cfg.Interface, "trust_file", store.Path())
	_ = loop.Run(ctx, func(_ context.Context, _ time.Time, addrs []string) {
		col.Observe(addrs)
	}, col.LogStatus)
	stop()

	logger.Info("saving collected sources")
	if err := col.Finish(); err != nil {
		return err
	}
	logger.Info("learning finished")
	return nil
}

func runProtect(args []string) error {
	fs := flag.NewFlagSet("protect", flag.ExitOnError)
	dir := fs.String("c", "", "config directory")
	resetOnExit := fs.Bool("reset-on-exit", false, "remove all blocks on exit without asking")
	noPrompt := fs.Bool("no-prompt", false, "do not ask on exit; keep blocks unless --reset-on-exit")
	_ = fs.Parse(args)

	cfg, logger, closer, err := setup(*dir)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := trust.NewStore(cfg.TrustFile, cfg.Host)
	trusted, err := store.Load()
	if err != nil {
		logger.Error("trust list unavailable, nothing is trusted", "err", err)
	}

	be, err := newBackend(cfg, logger)
	if err != nil {
		return err
	}
	if err := be.EnsureBase(ctx); err != nil {
		return err
	}
	src, err := newSource(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	m := guard.NewMetrics(reg)
	serveMetrics(ctx, cfg.MetricsAddr, reg, logger)

	eng := guard.NewEngine(cfg.Host, cfg.Threshold, trusted, be, logger).WithMetrics(m)
	if cfg.GeoIPDir != "" {
		en := enrich.New(cfg.GeoIPDir)
		defer en.Close()
		if !en.Enabled() {
			logger.Warn("no GeoLite2 databases found", "dir", cfg.GeoIPDir)
		}
		eng.WithEnricher(en)
	}
	if len(cfg.TrustHosts) > 0 {
		eng.WithHosts(trust.NewHosts(cfg.TrustHosts, logger))
	}

	loop := &guard.Loop{Source: src, Host: cfg.Host, Interval: cfg.Interval, StatusEvery: cfg.StatusEvery, Log: logger, Metrics: m}
	logger.Info("protection active",
		"host", cfg.Host, "interface", cfg.Interface, "threshold", cfg.Threshold,
		"backend", cfg.Backend, "source", cfg.FlowSource, "trusted", trusted.Sorted())
	_ = loop.Run(ctx, func(ctx context.Context, now time.Time, addrs []string) {
		eng.Observe(ctx, now, addrs)
	}, eng.LogStatus)
	stop()

	logger.Info("shutdown requested", "blocked", len(eng.Blocked()))
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	reset, err := resetDecision(*resetOnExit, *noPrompt, interactive, askReset)
	if err != nil {
		logger.Warn("reset prompt aborted, keeping blocks", "err", err)
	}
	if reset {
		if err := be.ResetAll(context.Background()); err != nil {
			logger.Error("removing blocks failed", "err", err)
		} else {
			logger.Info("all blocks removed")
		}
	}
	logger.Info("protection stopped")
	return nil
}

// resetDecision says whether protect should remove its blocks on exit. The
// flag wins; without one the operator is asked, but only on a terminal.
func resetDecision(resetFlag, noPrompt, interactive bool, ask func() (bool, error)) (bool, error) {
	if resetFlag {
		return true, nil
	}
	if noPrompt || !interactive {
		return false, nil
	}
	ok, err := ask()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func askReset() (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title("Remove all blocks installed by peerguard?").
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	return ok, err
}
