package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peerguard/internal/config"
	"peerguard/internal/firewall"
	nftnl "peerguard/internal/firewall/netlink"
	"peerguard/internal/firewall/nft"
	"peerguard/internal/flow"
	"peerguard/internal/logging"
)

// loadConfig resolves, parses, overrides from the environment and validates.
func loadConfig(dir string) (*config.Config, string, error) {
	path, ok := config.ResolveFile(dir)
	cfg := config.Default()
	if ok {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, path, fmt.Errorf("config %s: %w", path, err)
		}
	} else if dir != "" {
		return nil, path, fmt.Errorf("config %s: %w", path, os.ErrNotExist)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// setup is loadConfig plus the process logger.
func setup(dir string) (*config.Config, *log.Logger, io.Closer, error) {
	cfg, path, err := loadConfig(dir)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(cfg.LogFile, cfg.LogLevel, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return cfg, logger, closer, nil
}

func newSource(cfg *config.Config) (flow.Source, error) {
	if cfg.FlowSource == "netlink" {
		s, err := flow.NewNetlinkSource(cfg.Host, cfg.Proto)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return flow.NewCLISource(cfg.Host, cfg.Proto), nil
}

func newBackend(cfg *config.Config, logger *log.Logger) (firewall.Backend, error) {
	if cfg.Backend == "netlink" {
		b, err := nftnl.New(cfg.Chain, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nft.New(cfg.Chain, logger), nil
}

// serveMetrics exposes reg on addr until ctx is done. An empty addr disables it.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *log.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Info("metrics listening", "addr", addr)
}
