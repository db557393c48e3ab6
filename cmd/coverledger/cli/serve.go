package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"
	"CoverLedger/internal/state"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the ledger with its gRPC, HTTP and NATS surfaces",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, err := config.New(GetConfigPath())
	if err != nil {
		return err
	}
	log := observability.NewLoggerWithLevel("coverledger", observability.ResolveLevel(cfg.Log.Level))
	log.Info().Str("version", version).Msg("CoverLedger starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("CoverLedger stopped with error")
		return err
	}
	log.Info().Msg("CoverLedger shutdown complete")
	return nil
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	pipe := cfg.Pipeline

	// --- Postgres ---
	db, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Msg("Postgres connected")

	if cfg.Postgres.AutoMigrate {
		if err := persistence.NewMigrator(db, persistence.MigrationSource(cfg.Postgres.MigrationsDir), log).Up(ctx); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	// --- Recovery ---
	params := cfg.Pool.Params()
	defaults := state.Authorities{Judge: params.Judge, Official: params.Official}
	store := persistence.NewStore(db, log)
	snap, err := store.LoadState(ctx, defaults, pipe.WarmKeys)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	tokens, err := devTokens(ctx, cfg.Pool, log, store)
	if err != nil {
		return err
	}

	writer := persistence.NewEventLogWriter(db)
	if err := writer.EnsureAuthorities(ctx, defaults); err != nil {
		return fmt.Errorf("seed authorities: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- NATS (optional) ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.URL != "" {
		conn, stream, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := ingestion.EnsureStreams(ctx, stream, log); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		nc, js = conn, stream
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	} else {
		log.Warn().Msg("nats.url is empty, command subscriber and event publisher disabled")
	}

	// --- Channels ---
	// Persist blocks (backpressure); projection and publish drop.
	persistChan := make(chan core.CoreOutput, pipe.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, pipe.ProjectionChanSize)
	var publishChan chan core.CoreOutput
	if js != nil {
		publishChan = make(chan core.CoreOutput, pipe.PublishChanSize)
	}

	// --- Ledger core ---
	ledgerCfg := core.Config{
		Params:              params,
		Token:               tokens,
		PersistChan:         persistChan,
		ProjectionChan:      projectionChan,
		PublishChan:         publishChan,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db),
		IdempotencyCapacity: pipe.IdempotencyLRUSize,
		Metrics:             metrics,
		Logger:              log.With().Str("component", "core").Logger(),
	}
	l, err := core.NewLedger(ledgerCfg)
	if err != nil {
		return err
	}
	if snap != nil {
		if err := l.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		log.Info().Int64("sequence", snap.Sequence).Int("warm_keys", len(snap.IdempotencyKeys)).Msg("state restored")
	} else {
		log.Info().Msg("empty event log, cold start from sequence 0")
	}

	runner := core.NewRunner(l, pipe.RunnerQueueSize, log.With().Str("component", "runner").Logger())
	dispatcher := ingestion.NewDispatcher(runner, metrics, log)

	svc := server.NewService(server.Deps{
		Dispatcher: dispatcher,
		Runner:     runner,
		History:    query.NewQueryService(db),
		Rebuild: func(ctx context.Context) error {
			return projection.RebuildProjections(ctx, db, store, log)
		},
	})
	srv := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, svc, healthChecker, metrics, log)

	// Messages buffer in rawChan until the dispatcher starts.
	var (
		subscriber *ingestion.NATSSubscriber
		rawChan    chan ingestion.RawEvent
	)
	if js != nil {
		rawChan = make(chan ingestion.RawEvent, pipe.IngestChanSize)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, log)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
	}

	// --- Goroutines ---
	// Serving goroutines stop on ctx. Workers stop when their input channel
	// is closed, which happens only after the runner has exited.
	errChan := make(chan error, 8)
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	var serving, workers sync.WaitGroup
	goServe := func(name string, fn func(context.Context) error) {
		serving.Add(1)
		go func() {
			defer serving.Done()
			if err := fn(serveCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	goWorker := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(context.Background()); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		_ = runner.Run(serveCtx)
	}()

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, pipe.PersistBatchSize, pipe.PersistFlushInterval, metrics, log)
	goWorker("persistence worker", persistWorker.Run)
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, log)
	goWorker("projection worker", projWorker.Run)

	if js != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, log)
		goWorker("outbound publisher", publisher.Run)
		goServe("nats dispatcher", func(ctx context.Context) error {
			return dispatcher.Run(ctx, rawChan)
		})
	}

	goServe("grpc server", srv.StartGRPC)
	goServe("http gateway", srv.StartHTTPGateway)
	goServe("metrics server", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.Server.MetricsAddr, log)
	})
	goServe("channel gauges", func(ctx context.Context) error {
		reportChannels(ctx, metrics, map[string]chan core.CoreOutput{
			"persist":    persistChan,
			"projection": projectionChan,
			"publish":    publishChan,
		})
		return nil
	})

	healthChecker.SetReady(true)
	log.Info().
		Int64("next_sequence", l.GetSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("CoverLedger ready")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errChan:
		log.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancelServe()
	serving.Wait()
	<-runnerDone

	close(persistChan)
	close(projectionChan)
	if publishChan != nil {
		close(publishChan)
	}

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Info().Int64("next_sequence", l.GetSequence()).Msg("pipelines drained")
	case <-time.After(30 * time.Second):
		observability.Critical(&log).Msg("pipelines did not drain within 30s")
	}
	return runErr
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range chans {
				if ch != nil {
					metrics.SetChannelMetrics(name, len(ch), cap(ch))
				}
			}
		}
	}
}
