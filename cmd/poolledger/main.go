package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"PoolLedger/internal/cache"
	"PoolLedger/internal/config"
	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"
	"PoolLedger/internal/query"
	"PoolLedger/internal/server"
	"PoolLedger/internal/transfer"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// warmKeys bounds how many recent request IDs are loaded into the dedup LRU
const warmKeys = 50_000

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (defaults to .env when present)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := observability.NewLoggerWithLevel("poolledger", observability.ParseLogLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("poolledger stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("postgres connected")
	healthChecker.RegisterCheck("postgres", db.PingContext)

	if cfg.AutoMigrate {
		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
		if err := migrator.Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	healthChecker.RegisterCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats status %s", nc.Status())
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure command stream: %w", err)
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		return fmt.Errorf("ensure outbound stream: %w", err)
	}

	// --- Settlement ---
	payer, err := newPayer(ctx, cfg, js, log)
	if err != nil {
		return err
	}

	// --- Dedup: Redis in front of the event log ---
	pgDedup := persistence.NewPostgresDedupStore(db, 2*time.Second)
	var dedup core.DurableDedupStore = pgDedup
	var redisDedup *cache.DedupStore
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		redisDedup = cache.NewDedupStore(rdb, cfg.RedisTTL, pgDedup, observability.NewLogger("dedup"))
		dedup = redisDedup
		healthChecker.RegisterCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		log.Info().Msg("redis dedup store enabled")
	}

	// --- Channels ---
	// Persistence blocks (backpressure); projections drop and are rebuilt
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	// --- Vault ---
	vault, err := core.New(cfg.VaultConfig(), core.Deps{
		Clock:          core.SystemClock{},
		Payer:          payer,
		Dedup:          dedup,
		Metrics:        metrics,
		Logger:         observability.NewLogger("vault"),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if err != nil {
		return err
	}

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)
	if _, err := persistence.Recover(ctx, snapMgr, vault, metrics, observability.NewLogger("recovery")); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	if err := vault.CheckInvariants(ctx); err != nil {
		return fmt.Errorf("invariants after recovery: %w", err)
	}
	tip, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("read log tip: %w", err)
	}
	if tip != vault.GetSequence()-1 {
		return fmt.Errorf("recovery stopped at sequence %d but log ends at %d", vault.GetSequence()-1, tip)
	}

	keys, err := pgDedup.RecentKeys(ctx, event.EventTypeInvestmentMade.String(), warmKeys)
	if err != nil {
		log.Warn().Err(err).Msg("could not load recent request keys")
	} else if len(keys) > 0 {
		vault.WarmLRU(keys)
		log.Info().Int("keys", len(keys)).Msg("dedup cache warmed")
	}

	// --- Workers ---
	publisher := ingestion.NewOutboundPublisher(js, cfg.PublishChanSize, metrics, observability.NewLogger("publisher"))

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize,
		cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	persistWorker.OnFlushed(func(ctx context.Context, outputs []core.CoreOutput) {
		if redisDedup != nil {
			redisDedup.RememberOutputs(ctx, outputs)
		}
		publisher.Enqueue(ctx, outputs)
	})

	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, observability.NewLogger("projection"))
	snapshotter := persistence.NewSnapshotter(snapMgr, vault, cfg.SnapshotInterval, metrics, observability.NewLogger("snapshot"))

	rawChan := make(chan ingestion.RawCommand, cfg.PersistChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("subscriber"))
	processor := ingestion.NewCommandProcessor(vault, ingestion.DefaultSubjects(), metrics, observability.NewLogger("commands"))

	// --- API ---
	auth := server.NewAuthenticator(cfg.CallerTokens)
	if !auth.Enabled() {
		log.Warn().Msg("no caller tokens configured; x-pool-caller is trusted as declared")
	}
	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Vault:         vault,
		QueryService:  query.NewQueryService(db),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Limiter:       server.NewCallerLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		Auth:          auth,
		Logger:        observability.NewLogger("api"),
	})
	if err != nil {
		return err
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	// Writers get their own context so they can drain after the API stops
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	persistDone := make(chan struct{})

	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()
	go func() {
		_ = projWorker.Run(workerCtx)
	}()
	go func() {
		_ = publisher.Run(workerCtx)
	}()
	go func() {
		if err := snapshotter.Run(ctx, cfg.SnapshotTick); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("snapshotter: %w", err)
		}
	}()
	// Everything that can call into the vault is tracked so the output
	// channels are closed only after the last mutation.
	var intake sync.WaitGroup
	intake.Add(3)
	go func() {
		defer intake.Done()
		_ = processor.Run(ctx, rawChan)
	}()
	go func() {
		defer intake.Done()
		if err := grpcServer.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		defer intake.Done()
		if err := grpcServer.StartHTTPGateway(ctx); err != nil {
			errChan <- fmt.Errorf("http gateway: %w", err)
		}
	}()
	go func() {
		if err := serveMetrics(ctx, cfg.MetricsAddr, registry, log); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	stats := vault.GetPoolStats(ctx)
	log.Info().
		Int64("sequence", vault.GetSequence()).
		Str("owner", stats.Owner.Hex()).
		Int64("interest_rate_bps", stats.InterestRateBps).
		Int64("platform_fee_bps", stats.PlatformFeeBps).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("poolledger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake first, then let the writers drain what the vault emitted.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()
	cancel()
	intake.Wait()

	close(persistChan)
	close(projectionChan)

	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		log.Error().Msg("persistence did not drain in time")
	}
	stopWorkers()

	finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finalCancel()
	if err := snapshotter.TakeSnapshot(finalCtx); err != nil {
		log.Warn().Err(err).Msg("final snapshot failed")
	}

	log.Info().Int64("sequence", vault.GetSequence()).Msg("shutdown complete")
	return nil
}

func newPayer(ctx context.Context, cfg *config.Config, js jetstream.JetStream, log zerolog.Logger) (core.Payer, error) {
	if !cfg.PayoutsViaNATS {
		log.Warn().Msg("payouts settle in memory; no custody service attached")
		return transfer.NewMemoryPayer(), nil
	}
	if err := transfer.EnsurePayoutStream(ctx, js); err != nil {
		return nil, fmt.Errorf("ensure payout stream: %w", err)
	}
	payer := transfer.NewJetStreamPayer(js, 5*time.Second, observability.NewLogger("payer"))
	if err := payer.SetRetryPolicy(cfg.PayoutRetryWindow, 100*time.Millisecond); err != nil {
		return nil, err
	}
	return payer, nil
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
