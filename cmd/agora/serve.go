package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ssd-technologies/agora/internal/attest"
	"github.com/ssd-technologies/agora/internal/engine"
	"github.com/ssd-technologies/agora/internal/feed"
	"github.com/ssd-technologies/agora/internal/logging"
	"github.com/ssd-technologies/agora/internal/metrics"
	"github.com/ssd-technologies/agora/internal/ratelimit"
	"github.com/ssd-technologies/agora/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the HTTP API, the websocket live feed at /api/feed and Prometheus
metrics at /metrics, and run the background workers that expire proposals
and drop idle conversation buffers. Stops cleanly on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Secret == "" {
		logger.Warn("AGORA_SECRET is not set; admin endpoints are disabled")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// The gauges are only read on scrape, after e is set.
	var e *engine.Engine
	m, err := metrics.New(metrics.Gauges{
		PendingProposals: func() float64 { return float64(e.Stats().PendingProposals) },
		ActiveAgents:     func() float64 { return float64(e.Stats().ActiveAgents) },
	})
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	hub := feed.NewHub(logger, m.FeedClients)

	var ledger attest.Ledger = attest.Nop{}
	if cfg.Attest.URL != "" {
		ledger = attest.NewClient(cfg.Attest.URL, cfg.Attest.Timeout)
		logger.Info("attestation enabled", zap.String("url", cfg.Attest.URL))
	}

	e, err = engine.New(db, engine.Options{
		Rules:             rulesFrom(cfg),
		SequenceBuffer:    cfg.Sequences.BufferSize,
		SequenceWindow:    cfg.Sequences.Window,
		IdentityCacheSize: cfg.Identity.CacheSize,
		AttestTimeout:     cfg.Attest.Timeout,
		Attest:            ledger,
		Metrics:           m,
		Feed:              hub,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer e.Close()
	if err := e.Load(ctx); err != nil {
		return fmt.Errorf("load engine: %w", err)
	}

	srv := server.New(e, server.Options{
		Secret:           cfg.Secret,
		CORSOrigins:      cfg.CORSOrigins,
		Metrics:          m,
		Feed:             hub,
		Limiter:          ratelimit.NewKeyed(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		SuggestMinCount:  int64(cfg.Sequences.MinCount),
		SuggestMinAgents: cfg.Sequences.MinAgents,
		Workers: server.Workers{
			SweepInterval: cfg.Workers.SweepInterval,
			EvictInterval: cfg.Workers.EvictInterval,
			PruneInterval: cfg.RateLimit.Window,
		},
		Logger: logger,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agora listening", zap.String("addr", httpSrv.Addr), zap.String("data_dir", cfg.DataDir))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		srv.RunWorkers(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// Websocket connections are hijacked, so Shutdown does not see them.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
		return err
	}
	fmt.Fprintln(os.Stderr, "agora stopped")
	return nil
}
