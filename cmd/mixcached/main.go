package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mixguard/mixcache"
	"github.com/mixguard/mixcache/middleware"
	"github.com/mixguard/mixcache/pkg/events"
	"github.com/mixguard/mixcache/pkg/metrics"
	"github.com/mixguard/mixcache/pkg/tracing"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "mixcached"
	app.Usage = "cache and session layer daemon"
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "",
			Usage:  " YAML configuration `FILE` (defaults when empty)",
			EnvVar: "MIXCACHE_CONFIG",
		},
		cli.StringFlag{
			Name:  "grpc-listen",
			Value: ":50051",
			Usage: " gRPC health and admission `ADDR`",
		},
		cli.StringFlag{
			Name:  "metrics-listen",
			Value: ":9090",
			Usage: " Prometheus scrape `ADDR`",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: " log `LEVEL` [debug|info|warn|error]",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "json",
			Usage: " log `FORMAT` [json|console]",
		},
		cli.DurationFlag{
			Name:  "shutdown-timeout",
			Value: 30 * time.Second,
			Usage: " grace period for shutdown `DURATION`",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mixcached: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := setupLogger(c.String("log-level"), c.String("log-format"))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	config := mixcache.DefaultConfig()
	if path := c.String("config"); path != "" {
		if config, err = mixcache.LoadConfig(path); err != nil {
			return err
		}
	}

	tp, err := tracing.Setup(config.Tracing)
	if err != nil {
		return err
	}

	collector, err := metrics.NewPrometheusCollector()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	opts := []mixcache.Option{
		mixcache.WithLogger(logger),
		mixcache.WithMetrics(collector),
	}
	if tp != nil {
		opts = append(opts, mixcache.WithTracerProvider(tp))
	}
	master, err := mixcache.New(config, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := master.Initialize(ctx); err != nil {
		return err
	}

	healthServer := health.NewServer()
	syncHealth(healthServer, master.LastHealth().Status)
	unsubscribe := master.Events().Subscribe(func(ev events.Event) {
		switch ev.Type {
		case events.SystemWarning, events.SystemCritical:
			syncHealth(healthServer, master.LastHealth().Status)
		}
	})

	// Only the health service is served, so admission interceptors are left
	// to servers that embed the session manager.
	chain := middleware.NewChain(
		middleware.Logging(logger),
		middleware.Metrics(collector),
	).AppendStream(
		middleware.StreamLogging(logger),
		middleware.StreamMetrics(collector),
	)

	handlerOpts := []otelgrpc.Option{}
	if tp != nil {
		handlerOpts = append(handlerOpts, otelgrpc.WithTracerProvider(tp))
	}
	serverOpts := append(chain.ServerOptions(), grpc.StatsHandler(otelgrpc.NewServerHandler(handlerOpts...)))
	grpcServer := grpc.NewServer(serverOpts...)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	lis, err := net.Listen("tcp", c.String("grpc-listen"))
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.GetRegistry(), promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              c.String("metrics-listen"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving grpc", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		pollHealth(gctx, healthServer, master, config.Master.HealthCheckInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
		defer cancel()

		grpcServer.GracefulStop()
		unsubscribe()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			master.Shutdown(shutdownCtx),
			tracing.Shutdown(shutdownCtx, tp),
		)
	})
	return g.Wait()
}

// syncHealth maps the aggregate level onto the gRPC serving status. A
// warning still serves.
func syncHealth(s *health.Server, level mixcache.Level) {
	st := healthpb.HealthCheckResponse_SERVING
	if level == mixcache.Critical {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.SetServingStatus("", st)
	s.SetServingStatus("mixcache", st)
}

// pollHealth picks up recoveries, which publish no event
func pollHealth(ctx context.Context, s *health.Server, master *mixcache.Master, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncHealth(s, master.LastHealth().Status)
		}
	}
}
