// Entry point for the web-agent tool server: MCP stdio by default, optional
// REST adapter, SQLite-backed metrics, periodic session GC.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/tripleyak/web-perception-mcp/dbopen"
	"github.com/tripleyak/web-perception-mcp/guard"
	"github.com/tripleyak/web-perception-mcp/observability"
	"github.com/tripleyak/web-perception-mcp/replay"
	"github.com/tripleyak/web-perception-mcp/server"
	"github.com/tripleyak/web-perception-mcp/session"
)

const version = "1.0.0"

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Logging goes to stderr: stdout belongs to the MCP stdio transport.
	logger := observability.SetupLogger(os.Stderr, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Metrics DB. A failing metrics store disables metrics, never the server.
	var metrics *observability.MetricsManager
	metricsDB, err := dbopen.Open(cfg.MetricsDB, dbopen.WithMkdirAll())
	if err != nil {
		logger.Warn("metrics db unavailable", "path", cfg.MetricsDB, "error", err)
	} else {
		defer metricsDB.Close()
		metrics = observability.NewMetricsManager(metricsDB, 100, 5*time.Second)
		if err := metrics.Init(); err != nil {
			logger.Warn("metrics init failed", "error", err)
			metrics = nil
		} else {
			defer metrics.Close()
		}
	}

	store := replay.NewStore(cfg.TracesDir, logger)

	var recorder session.Recorder
	if metrics != nil {
		recorder = metrics
	}
	mgr := session.NewManager(session.ManagerConfig{
		MaxSessions: cfg.MaxSessions,
		MaxAgeMS:    cfg.SessionMaxAgeMS,
		Rules:       cfg.Rules(),
		PolicyMode:  guard.ParsePolicyMode(cfg.PolicyMode),
		Headless:    cfg.Headless,
		Stealth:     cfg.Stealth,
		Store:       store,
		Logger:      logger,
		Metrics:     recorder,
	})
	mgr.StartJanitor(ctx)
	defer mgr.StopAll()

	svc := server.NewService(mgr, store, metrics, cfg.Rules(), logger)

	switch cfg.Transport {
	case server.TransportREST:
		runREST(ctx, cfg, svc, logger)
	default:
		runStdio(ctx, svc, logger)
	}
}

func runStdio(ctx context.Context, svc *server.Service, logger *slog.Logger) {
	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "web-perception",
		Version: version,
	}, nil)
	svc.RegisterMCP(srv)

	logger.Info("mcp stdio transport starting")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.Error("mcp transport", "error", err)
		os.Exit(1)
	}
}

func runREST(ctx context.Context, cfg server.Config, svc *server.Service, logger *slog.Logger) {
	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("rest transport starting", "addr", cfg.Addr())
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("rest transport", "error", err)
		os.Exit(1)
	}
}
