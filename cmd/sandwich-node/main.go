package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/admin"
	"github.com/mev-protocol/sandwich/internal/bundle"
	"github.com/mev-protocol/sandwich/internal/classifier"
	"github.com/mev-protocol/sandwich/internal/metrics"
	"github.com/mev-protocol/sandwich/internal/optimizer"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/internal/relay"
	"github.com/mev-protocol/sandwich/internal/rpc"
	"github.com/mev-protocol/sandwich/internal/simulator"
	"github.com/mev-protocol/sandwich/internal/store"
	"github.com/mev-protocol/sandwich/internal/strategy"
	"github.com/mev-protocol/sandwich/internal/stream"
	"github.com/mev-protocol/sandwich/internal/submission"
)

const version = "v0.3.0"

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Str("version", version).Msg("Sandwich node starting")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	logConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Chain access
	rpcPool := rpc.NewPool(cfg.RPC)
	if err := rpcPool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start RPC pool")
	}
	chainID, err := rpcPool.ChainID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read chain id")
	}
	tip, err := rpcPool.HeaderByNumber(ctx, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read chain head")
	}
	block := tip.Number.Uint64()

	// Pool state
	dir, err := pools.OpenSQLiteDirectory(ctx, cfg.PoolsDB)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.PoolsDB).Msg("Failed to open pool directory")
	}
	defer dir.Close()
	go dir.Run(ctx, time.Minute)

	registry := pools.NewRegistry(cfg.Pools, dir, rpcPool)
	for _, meta := range dir.All() {
		registry.Track(meta)
	}
	if err := registry.Prime(ctx, block); err != nil {
		log.Warn().Err(err).Uint64("block", block).Msg("Pool registry prime incomplete, loading lazily")
	}

	// Detection and search
	head := stream.NewHead(block)
	cls := classifier.New(cfg.Classify, dir, rpcPool)
	resolver := classifier.NewResolver(dir, rpcPool, cfg.ResolverSlippageBps)

	sim := simulator.New(simulator.Config{Executor: cfg.Bundle.Executor})
	cfg.Search.Routers = cls.Routers()
	opt := optimizer.New(cfg.Search, sim, head, &optimizer.RegistryQuoter{WETH: cfg.Submit.WETH, Registry: registry})

	// Bundling and submission
	builder := bundle.NewBuilder(cfg.Bundle, head)
	signer, err := bundle.NewSigner(cfg.BotKey, chainID)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid bot key")
	}
	flashbots, err := relay.New(cfg.Relay, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create relay client")
	}

	journal, closeJournal, err := openJournal(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open outcome journal")
	}
	defer closeJournal()

	manager := submission.NewManager(cfg.Submit, flashbots, rpcPool, signer, builder, journal, m)
	if err := manager.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start submission manager")
	}

	adminSrv := admin.New(cfg.Admin, reg, manager.Breaker())
	if err := adminSrv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start admin server")
	}

	// Ingestion and the pipeline
	monitor := stream.NewMonitor(cfg.Stream, rpcPool, m)
	if err := monitor.Start(ctx, block); err != nil {
		log.Fatal().Err(err).Msg("Failed to start stream monitor")
	}

	deps := strategy.Deps{
		Head:       head,
		Classifier: cls,
		Resolver:   resolver,
		Pools:      registry,
		Planner:    opt,
		Builder:    builder,
		Submitter:  manager,
	}
	if !cfg.Search.FlashLoan {
		deps.Inventory = rpcPool
	}
	pipeline := strategy.New(cfg.Strategy, deps, m)

	done := make(chan error, 1)
	go func() {
		done <- pipeline.Run(ctx, monitor.TxChan(), monitor.BlockChan())
	}()

	log.Info().
		Uint64("head", block).
		Str("chain_id", chainID.String()).
		Str("bot", signer.Address().Hex()).
		Msg("All components started successfully")

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("Shutdown signal received")
	case err := <-done:
		log.Error().Err(err).Msg("Strategy pipeline exited")
		done <- err
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	monitor.Stop(shutdownCtx)
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Strategy pipeline did not stop in time")
	}
	adminSrv.Stop(shutdownCtx)
	rpcPool.Stop(shutdownCtx)

	log.Info().Int("in_flight", manager.Active()).Msg("Shutdown complete")
}

// openJournal uses Postgres when a DSN is configured, memory otherwise.
func openJournal(ctx context.Context, dsn string) (store.Journal, func(), error) {
	if dsn == "" {
		log.Info().Msg("DATABASE_URL not set, journaling outcomes in memory")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
