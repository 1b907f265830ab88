package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"quant-trading-engine/config"
	"quant-trading-engine/internal/api"
	"quant-trading-engine/internal/cache"
	"quant-trading-engine/internal/capital"
	"quant-trading-engine/internal/circuit"
	"quant-trading-engine/internal/database"
	"quant-trading-engine/internal/defense"
	"quant-trading-engine/internal/events"
	"quant-trading-engine/internal/execution"
	"quant-trading-engine/internal/exit"
	"quant-trading-engine/internal/gateway"
	"quant-trading-engine/internal/instance"
	"quant-trading-engine/internal/logging"
	"quant-trading-engine/internal/metrics"
	"quant-trading-engine/internal/notification"
	"quant-trading-engine/internal/orders"
	"quant-trading-engine/internal/processor"
	"quant-trading-engine/internal/protection"
	"quant-trading-engine/internal/retry"
	"quant-trading-engine/internal/scheduler"
	"quant-trading-engine/internal/session"
	"quant-trading-engine/internal/vault"
)

var errNoLiveBroker = errors.New("no live broker adapter compiled in")

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Engine stopped with error")
	}
}

// storage bundles the persistence backends chosen at boot
type storage struct {
	db        *database.DB
	cache     *cache.Service
	instances instance.Store
	orders    orders.Store
	capital   capital.Repository
	journal   orders.Journal
	trades    api.TradeReader
}

func (s *storage) close() {
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storage, error) {
	s := &storage{}

	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		s.db = db
		s.orders = database.NewOrderRepository(db)
		s.capital = database.NewCapitalRepository(db)
		trades := database.NewTradeRepository(db)
		s.journal, s.trades = trades, trades
	} else {
		logger.Warn().Msg("Database disabled: orders, capital and trades are kept in memory")
		journal := orders.NewMemoryJournal()
		s.orders = orders.NewMemoryStore()
		s.journal, s.trades = journal, journal
	}

	// cache.New degrades to in-process fallbacks when Redis is unreachable
	var client *redis.Client
	if cfg.RedisConfig.Enabled {
		s.cache = cache.New(cfg.RedisConfig, logger)
		client = s.cache.Client()
	} else {
		logger.Warn().Msg("Redis disabled: instance state is kept in memory")
		s.cache = cache.NewWithClient(nil, logger)
	}
	if client != nil {
		s.instances = database.NewRedisInstanceStore(client, logger)
	} else {
		s.instances = instance.NewMemoryStore()
	}
	return s, nil
}

func newBroker(cfg config.BrokerConfig, logger zerolog.Logger) (*gateway.Paper, error) {
	switch cfg.Mode {
	case "", "paper":
		paper := gateway.NewPaper(gateway.PaperOptions{AutoFill: true, FeePerOrder: 1.0}, logger)
		return paper, nil
	default:
		return nil, fmt.Errorf("broker mode %q: %w", cfg.Mode, errNoLiveBroker)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secrets *vault.Client
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig, logger)
		if err != nil {
			return err
		}
		if err := vc.Apply(ctx, cfg); err != nil {
			return fmt.Errorf("load secrets: %w", err)
		}
		secrets = vc
	}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	paper, err := newBroker(cfg.BrokerConfig, logger)
	if err != nil {
		return err
	}
	gw := gateway.NewRetrying(paper, paper, retry.FromConfig(cfg.RetryConfig), logger)

	bus := events.NewEventBus()
	sessions := session.NewService(logger)
	ledger := capital.NewLedger(store.capital, bus, logger)
	breakers := circuit.NewRegistry(cfg.CircuitBreakerConfig, store.instances, bus, logger)

	for _, st := range cfg.Strategies {
		ledger.Register(st)
		breakers.Register(st)
		if err := ledger.Restore(ctx, st.ID); err != nil {
			logger.Error().Err(err).Int64("strategy_id", st.ID).Msg("Failed to restore capital usage")
		}
		if err := breakers.Restore(ctx, st.ID); err != nil {
			logger.Error().Err(err).Int64("strategy_id", st.ID).Msg("Failed to restore breaker flags")
		}
	}

	fees := exit.DefaultParams()
	tracker := orders.NewTracker(orders.TrackerDeps{
		Store:     store.orders,
		Instances: store.instances,
		Trading:   gw,
		Ledger:    ledger,
		Breakers:  breakers,
		Journal:   store.journal,
		Dedup:     store.cache,
		IDs:       orders.NewClientOrderIDGenerator(store.cache, time.UTC, logger),
		Fees:      fees,
		Bus:       bus,
		DedupTTL:  time.Duration(cfg.OrderConfig.DedupTTLSec) * time.Second,
	}, logger)

	prot := protection.NewService(cfg.ProtectionConfig, protection.Deps{
		Tracker:   tracker,
		Trading:   gw,
		Instances: store.instances,
		Breakers:  breakers,
		Sessions:  sessions,
		Bus:       bus,
	}, logger)
	defer prot.Close()
	tracker.Protector = prot

	breakers.OnTrip(func(ctx context.Context, strategyID int64, reason string) {
		n := prot.TightenAll(ctx, strategyID, cfg.CircuitBreakerConfig.TightenPercent)
		logger.Warn().Int64("strategy_id", strategyID).Int("tightened", n).Str("reason", reason).Msg("Protection tightened after breaker trip")
	})

	exiter := execution.NewExiter(tracker, prot, store.instances, bus, logger)
	sweeper := defense.NewSweeper(cfg.DefenseConfig, defense.Deps{
		Instances: store.instances,
		Trading:   gw,
		Market:    gw,
		Tracker:   tracker,
		Ledger:    ledger,
		Breakers:  breakers,
		Journal:   store.journal,
		Exiter:    exiter,
		Sessions:  sessions,
		Bus:       bus,
	}, logger)

	proc := processor.New(cfg.SchedulerConfig, processor.Deps{
		Instances:  store.instances,
		Ledger:     ledger,
		Breakers:   breakers,
		Protection: prot,
		Tracker:    tracker,
		Exiter:     exiter,
		Trading:    gw,
		Market:     gw,
		Signals:    paper,
		Sessions:   sessions,
		Engine:     exit.NewEngine(fees),
		Bus:        bus,
	}, logger)

	sched := scheduler.NewRegistry(cfg, scheduler.Deps{
		Processor: proc,
		Tracker:   tracker,
		Sweeper:   sweeper,
		Instances: store.instances,
		Ledger:    ledger,
		Sessions:  sessions,
		Bus:       bus,
	}, logger)

	collector := metrics.New(ledger, breakers)
	collector.Attach(bus)
	notification.NewManager(cfg.NotificationConfig, logger).Attach(bus)

	// Only the lock holder trades; a standby keeps serving the API
	lock := database.NewInstanceLock(store.cache.Client(), "", 0, logger)
	lock.SetCallbacks(
		func() {
			if err := sched.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to start scheduler")
			}
		},
		sched.StopAll,
	)

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.ServerConfig.Enabled {
		health := map[string]api.HealthCheck{}
		if cfg.RedisConfig.Enabled {
			health["redis"] = store.cache.Ping
		}
		if secrets != nil {
			health["vault"] = secrets.Health
		}
		if store.db != nil {
			health["postgres"] = store.db.Ping
		}
		server = api.NewServer(cfg.ServerConfig, cfg.AuthConfig, api.Deps{
			Strategies: sched,
			Instances:  store.instances,
			Ledger:     ledger,
			Breakers:   breakers,
			Trades:     store.trades,
			Paper:      paper,
			Metrics:    collector.Handler(),
			Bus:        bus,
			Health:     health,
			IsActive:   lock.IsActive,
		}, logger)
		go func() { serverErr <- server.Start(ctx) }()
	}

	lock.Start(ctx)
	logger.Info().
		Int("strategies", len(cfg.Strategies)).
		Str("broker", "paper").
		Str("instance_id", lock.InstanceID()).
		Bool("active", lock.IsActive()).
		Interface("redis", store.cache.Stats()).
		Msg("Engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	timeout := time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()

	// Stop trading before releasing the lock so a standby never overlaps
	sched.StopAll()
	lock.Stop(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error shutting down HTTP server")
		}
	}
	cancel()
	logger.Info().Msg("Shutdown complete")
	return nil
}
