package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"stablearb/internal/application/engine"
	"stablearb/internal/application/port"
	"stablearb/internal/domain/service"
	"stablearb/internal/infrastructure/config"
	"stablearb/internal/infrastructure/exchange"
	"stablearb/internal/infrastructure/logger"
	"stablearb/internal/infrastructure/pricefeed"
	"stablearb/internal/infrastructure/storage/composite"
	"stablearb/internal/infrastructure/storage/postgres"
	redisrepo "stablearb/internal/infrastructure/storage/redis"
	"stablearb/internal/infrastructure/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	store, err := config.NewStore(*configPath)
	if err != nil {
		logger.Setup("")
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	cfg := store.Snapshot()
	logger.Setup(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeRepos := buildRepository(cfg)
	defer closeRepos()

	ledger := service.NewLedger(cfg.Balances)
	book := service.NewPriceBook(time.Hour)
	detector := service.NewDetector(cfg.PairA(), cfg.PairB())
	tracker := service.NewTracker(repo)

	sim := exchange.NewSim(time.Now().UnixNano(), map[string]float64{
		cfg.PairA(): 0.52,
		cfg.PairB(): 0.52,
	}, 50000)

	var markets port.MarketData = sim
	if cfg.Feed.Mode == "ws" {
		feed := pricefeed.NewWsFeed(cfg.Feed.WsURL, []string{cfg.PairA(), cfg.PairB()})
		if err := feed.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("price feed start failed")
		}
		markets = feed
	}

	executor := service.NewCoordinator(ledger, sim, repo)
	governor := service.NewGovernor(ledger, book, tracker, executor)

	eng := engine.New(engine.Deps{
		Config:   store,
		Markets:  markets,
		Repo:     repo,
		Ledger:   ledger,
		Book:     book,
		Detector: detector,
		Governor: governor,
		Executor: executor,
		Tracker:  tracker,
		QuoteA:   cfg.Market.QuoteA,
		QuoteB:   cfg.Market.QuoteB,
	})

	log.Info().
		Str("config", *configPath).
		Str("pair_a", cfg.PairA()).
		Str("pair_b", cfg.PairB()).
		Str("feed", cfg.Feed.Mode).
		Float64("trade_amount", cfg.Trading.TradeAmount).
		Msg("stablearb started")

	eng.Start(ctx)
	<-ctx.Done()
	eng.Stop()
}

// buildRepository assembles the persistence fan-out: sqlite is always the
// primary store; postgres and redis mirrors attach when configured.
func buildRepository(cfg *config.Config) (port.Repository, func()) {
	var closers []func()
	var repos []port.Repository

	sq, err := sqlite.New(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.SQLitePath).Msg("open sqlite failed")
	}
	repos = append(repos, sq)
	closers = append(closers, func() { _ = sq.Close() })

	if cfg.Storage.PostgresDSN != "" {
		pg, err := postgres.New(cfg.Storage.PostgresDSN)
		if err != nil {
			log.Error().Err(err).Msg("postgres mirror unavailable, continuing without")
		} else {
			repos = append(repos, pg)
			closers = append(closers, func() { _ = pg.Close() })
		}
	}

	if cfg.Storage.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
		rr := redisrepo.New(rdb, cfg.Storage.RedisPrefix)
		repos = append(repos, rr)
		closers = append(closers, func() { _ = rdb.Close() })
	}

	repo := composite.New(repos...)
	return repo, func() {
		for _, c := range closers {
			c()
		}
	}
}
