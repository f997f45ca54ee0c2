// Command gateway runs the multi-protocol database gateway: it terminates
// Postgres, MySQL, and TDS connections, routes each by the tenant/source
// identity carried in its login frame, and splices the session to a
// dedicated upstream socket for its lifetime.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tenantproxy/gateway/internal/api"
	"github.com/tenantproxy/gateway/internal/config"
	"github.com/tenantproxy/gateway/internal/health"
	"github.com/tenantproxy/gateway/internal/metrics"
	"github.com/tenantproxy/gateway/internal/proxy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("gateway exiting", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	slog.Info("configuration loaded",
		"postgres_routes", len(cfg.Postgres),
		"mysql_routes", len(cfg.MySQL),
		"sqlserver_routes", len(cfg.SQLServer),
	)

	m := metrics.New()

	checker := health.NewChecker(cfg.Postgres, cfg.MySQL, cfg.SQLServer, m, cfg.HealthCheckInterval, cfg.HealthCheckTimeout)
	checker.Start()

	proxyServer := proxy.NewServer(cfg, m, cfg.HandshakeTimeout)
	proxyErrCh := make(chan error, 1)
	go func() {
		proxyErrCh <- proxyServer.ListenAndServe(cfg.Listen.Host, cfg.Listen.PGPort, cfg.Listen.MySQLPort, cfg.Listen.TDSPort)
	}()

	opsServer := api.NewServer(cfg, checker, m)
	if err := opsServer.Start(cfg.Listen.Host, cfg.Listen.OpsPort); err != nil {
		checker.Stop()
		return fmt.Errorf("starting ops server: %w", err)
	}

	slog.Info("gateway ready",
		"postgres_port", cfg.Listen.PGPort,
		"mysql_port", cfg.Listen.MySQLPort,
		"sqlserver_port", cfg.Listen.TDSPort,
		"ops_port", cfg.Listen.OpsPort,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-proxyErrCh:
		if err != nil {
			slog.Error("proxy server failed", "error", err)
			runErr = fmt.Errorf("proxy server: %w", err)
		}
	}

	proxyServer.Stop()
	if err := opsServer.Stop(); err != nil {
		slog.Warn("ops server shutdown error", "error", err)
	}
	checker.Stop()

	slog.Info("gateway stopped")
	return runErr
}
