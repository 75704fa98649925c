package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"PerpVault/internal/config"
	"PerpVault/internal/core"
	"PerpVault/internal/event"
	"PerpVault/internal/fees"
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"PerpVault/internal/oracle"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/server"
	"PerpVault/internal/state"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the exchange with its HTTP, gRPC and NATS surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig("perpvault")
			if err != nil {
				return err
			}
			return serve(cfg, logger)
		},
	}
}

// group runs goroutines that report their exit on a shared channel.
type group struct {
	wg   sync.WaitGroup
	errs chan<- error
}

func (g *group) Go(name string, logger zerolog.Logger, fn func() error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := fn()
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Str("goroutine", name).Msg("goroutine failed")
			g.errs <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// waitTimeout waits for the group, giving up after d.
func (g *group) waitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func serve(cfg *config.Config, logger zerolog.Logger) error {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	logger.Info().Str("http", cfg.Server.HTTPAddr).Str("grpc", cfg.Server.GRPCAddr).Msg("perpvault starting")

	coreCfg, err := cfg.Core()
	if err != nil {
		return err
	}
	products, err := cfg.Products()
	if err != nil {
		return err
	}
	tiers, err := cfg.FeeTiers()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := openDB(sigCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})

	// --- NATS ---
	var (
		nc *nats.Conn
		js jetstream.JetStream
	)
	if cfg.NATS.Enabled {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		if err := ingestion.EnsureStreams(sigCtx, js, logger); err != nil {
			return fmt.Errorf("ensure streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(sigCtx, js, logger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}
		health.AddCheck("nats", func() error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	} else {
		logger.Warn().Msg("NATS disabled: no oracle feed, keeper stream or reward notices")
	}

	// --- Exchange ---
	persistChan := make(chan core.Output, cfg.Persistence.PersistChannel)
	publishChan := make(chan core.Output, cfg.Persistence.PublishChannel)
	prices := oracle.NewPriceStore(cfg.Ingestion.PriceMaxAge, time.Now)

	var (
		calculator fees.Calculator = fees.FlatCalculator{}
		tiered     *fees.TieredCalculator
	)
	if len(tiers) > 0 {
		if tiered, err = fees.NewTieredCalculator(tiers); err != nil {
			return err
		}
		calculator = tiered
	}

	deps := core.Deps{
		Oracle:        prices,
		FeeCalculator: calculator,
		Clock:         time.Now,
		Logger:        logger.With().Str("component", "core").Logger(),
		Metrics:       metrics,
		PersistChan:   persistChan,
		PublishChan:   publishChan,
	}
	if nc != nil {
		deps.ProtocolNotifier = ingestion.NewRewardNotifier(nc, event.RewardProtocol)
		deps.StakingNotifier = ingestion.NewRewardNotifier(nc, event.RewardStaking)
		deps.VaultNotifier = ingestion.NewRewardNotifier(nc, event.RewardVault)
	}
	x, err := core.NewExchange(coreCfg, deps)
	if err != nil {
		return err
	}

	// The persistence worker outlives every producer, so it gets its own
	// context and stops when persistChan is closed.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	errChan := make(chan error, 16)
	workers := &group{errs: errChan}

	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics, logger)
	workers.Go("persistence", logger, func() error { return persistWorker.Run(workerCtx) })

	loader := persistence.NewStateLoader(db)
	if err := restoreOrBootstrap(sigCtx, x, loader, coreCfg.Asset, products, logger); err != nil {
		close(persistChan)
		workers.waitTimeout(cfg.Server.ShutdownTimeout)
		return err
	}
	if tiered != nil {
		volumes, err := loader.LoadTradedVolume(sigCtx)
		if err != nil {
			close(persistChan)
			workers.waitTimeout(cfg.Server.ShutdownTimeout)
			return err
		}
		tiered.Restore(volumes)
		logger.Info().Int("tiers", len(tiers)).Int("accounts", len(volumes)).Msg("fee tier volumes restored")
	}

	// --- Ingestion ---
	lookup := persistence.NewPostgresRequestLookup(db)
	dedup := ingestion.NewDeduplicator(cfg.Ingestion.DedupLRUSize, lookup, metrics, logger)
	if cfg.Ingestion.DedupWarm > 0 {
		ids, err := lookup.RecentRequestIDs(sigCtx, cfg.Ingestion.DedupWarm)
		if err != nil {
			logger.Warn().Err(err).Msg("dedup warm-up skipped")
		} else {
			dedup.Warm(ingestion.KeeperSource, ids)
		}
	}
	rawChan := make(chan ingestion.RawEvent, cfg.Ingestion.EventChannel)
	dispatcher := ingestion.NewDispatcher(prices, x, dedup, metrics, logger.With().Str("component", "dispatcher").Logger())
	admin := ingestion.NewAdminIngest(rawChan)

	// --- Outbound fan-out ---
	hub := server.NewHub(metrics, logger.With().Str("component", "ws").Logger())
	defer hub.Close()
	sinks := []ingestion.Broadcaster{hub}

	var history *projection.HistoryWorker
	if cfg.Projection.Enabled {
		history = projection.NewHistoryWorker(db, cfg.Projection.Buffer, cfg.Projection.CatchUpInterval, metrics,
			logger.With().Str("component", "projection").Logger())
		sinks = append(sinks, history)
	}
	publisher := ingestion.NewOutboundPublisher(js, publishChan, logger, sinks...)
	workers.Go("publisher", logger, func() error { return publisher.Run(workerCtx) })

	projCtx, cancelProjection := context.WithCancel(context.Background())
	defer cancelProjection()
	projections := &group{errs: errChan}
	if history != nil {
		projections.Go("projection", logger, func() error { return history.Run(projCtx) })
	}

	// --- Surfaces ---
	var auth *server.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth, err = server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
	}
	var limiter *server.RateLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = server.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	httpServer, err := server.NewHTTPServer(cfg.Server.HTTPAddr, server.HTTPDeps{
		Exchange: x,
		Admin:    admin,
		Events:   loader,
		History:  query.NewService(db),
		Auth:     auth,
		Limiter:  limiter,
		Hub:      hub,
		Health:   health,
		Metrics:  metrics,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger.With().Str("component", "http").Logger(),
	})
	if err != nil {
		return err
	}
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, health, logger.With().Str("component", "grpc").Logger())

	// --- Intake: everything that can call into the exchange ---
	intakeCtx, cancelIntake := context.WithCancel(sigCtx)
	defer cancelIntake()
	intake := &group{errs: errChan}

	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, logger.With().Str("component", "nats").Logger())
		if err := subscriber.Subscribe(intakeCtx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
	}
	intake.Go("dispatcher", logger, func() error { return dispatcher.Run(intakeCtx, rawChan) })
	intake.Go("http", logger, func() error { return httpServer.Start(intakeCtx) })
	intake.Go("grpc", logger, func() error { return grpcServer.Start(intakeCtx) })
	intake.Go("channel-metrics", logger, func() error {
		sampleChannels(intakeCtx, metrics, persistChan, publishChan, rawChan)
		return nil
	})

	health.SetReady(true)
	logger.Info().Int64("sequence", x.Sequence()).Str("owner", x.Owner().String()).Msg("perpvault ready")

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		logger.Error().Err(err).Msg("shutting down after failure")
	}
	health.SetReady(false)

	// Stop intake first: once nothing can call the exchange, its output
	// channels can be closed and drained.
	cancelIntake()
	if subscriber != nil {
		subscriber.Stop()
	}
	if !intake.waitTimeout(cfg.Server.ShutdownTimeout) {
		// A producer may still send on persistChan, so it stays open.
		logger.Error().Msg("intake did not stop in time; exiting without final flush")
		return errors.New("shutdown timed out")
	}

	close(persistChan)
	close(publishChan)
	if !workers.waitTimeout(cfg.Server.ShutdownTimeout) {
		logger.Error().Msg("persistence did not drain in time")
		cancelWorkers()
		workers.waitTimeout(time.Second)
	}

	cancelProjection()
	projections.waitTimeout(cfg.Server.ShutdownTimeout)

	logger.Info().Int64("sequence", x.Sequence()).Msg("perpvault stopped")
	return nil
}

// restoreOrBootstrap loads persisted state into x, or lists the configured
// products on first start.
func restoreOrBootstrap(ctx context.Context, x *core.Exchange, loader *persistence.StateLoader, asset string, products []state.Product, logger zerolog.Logger) error {
	st, err := loader.Load(ctx, asset)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st != nil {
		if err := x.Restore(st); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
		logger.Info().Int64("sequence", st.Meta.Sequence).Int("positions", len(st.Positions)).Msg("state restored")
		if len(products) > 0 {
			logger.Info().Msg("configured products are only applied on first start")
		}
		return nil
	}

	for _, p := range products {
		if err := x.AddProduct(x.Owner(), p); err != nil {
			return fmt.Errorf("bootstrap product %d: %w", p.ID, err)
		}
	}
	logger.Info().Int("products", len(products)).Msg("fresh exchange bootstrapped")
	return nil
}

func sampleChannels(ctx context.Context, m *observability.Metrics, persist, publish chan core.Output, raw chan ingestion.RawEvent) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetChannelMetrics("persist", len(persist), cap(persist))
			m.SetChannelMetrics("publish", len(publish), cap(publish))
			m.SetChannelMetrics("ingest", len(raw), cap(raw))
		}
	}
}
