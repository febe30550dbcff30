// Binary bot runs the full decision loop: bar aggregation, trend gating,
// order dispatch, and reconciliation against the venue's user event stream.
package main

import (
	"context"
	"flag"
	"os"
	ossignal "os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thetopham/tradingview-bot/internal/config"
	"github.com/thetopham/tradingview-bot/internal/decision"
	"github.com/thetopham/tradingview-bot/internal/engine"
	"github.com/thetopham/tradingview-bot/internal/execution"
	"github.com/thetopham/tradingview-bot/internal/market"
	"github.com/thetopham/tradingview-bot/internal/metrics"
	"github.com/thetopham/tradingview-bot/internal/reconcile"
	"github.com/thetopham/tradingview-bot/internal/risk"
	"github.com/thetopham/tradingview-bot/internal/store"
	"github.com/thetopham/tradingview-bot/internal/util"
	"github.com/thetopham/tradingview-bot/internal/venue"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := util.NewLogger("info")
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)

	_ = metrics.Serve(cfg.App.MetricsAddr)
	log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := venue.NewClient(cfg.Venue.BaseURL, venue.Credentials{
		Username: os.Getenv("VENUE_USERNAME"),
		APIKey:   os.Getenv("VENUE_API_KEY"),
	}, time.Duration(cfg.Venue.RequestTimeout)*time.Millisecond, util.Component(log, "venue"))

	pg, err := store.New(ctx, store.Config{
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		Database: cfg.Store.Database,
		User:     cfg.Store.User,
		Password: os.Getenv("PGPASSWORD"),
		PoolMax:  cfg.Store.PoolMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect store")
	}
	defer pg.Close()

	journal, err := reconcile.NewJournal(cfg.Store.FallbackPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open fallback journal")
	}
	defer journal.Close()

	book := reconcile.NewBook()
	worker := reconcile.NewWorker(book, pg, journal, client,
		time.Duration(cfg.Store.GracePeriodSec)*time.Second,
		time.Duration(cfg.Store.SweepIntervalSec)*time.Second,
		util.Component(log, "reconcile"))

	accounts := sortedAccounts(cfg.Venue.Accounts)
	accountIDs := make([]int, len(accounts))
	for i, a := range accounts {
		accountIDs[i] = a.ID
	}

	events := make(chan venue.Event, 256)
	stream := venue.NewStream(cfg.Venue.StreamURL, client.Token, accountIDs, util.Component(log, "stream"))
	go func() {
		if err := stream.Run(ctx, events); err != nil {
			log.Error().Err(err).Msg("event stream stopped")
			cancel()
		}
	}()
	go func() {
		if err := worker.Run(ctx, events); err != nil {
			log.Error().Err(err).Msg("reconcile worker stopped")
			cancel()
		}
	}()

	blackout, err := decision.NewBlackoutWindow(cfg.Decision.BlackoutStart, cfg.Decision.BlackoutEnd, cfg.Decision.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("parse blackout window")
	}
	loc, err := time.LoadLocation(cfg.Decision.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("load timezone")
	}

	cycle := time.Duration(cfg.Execution.CycleIntervalMin) * time.Minute
	timeframes := make([]time.Duration, len(cfg.Market.TimeframesMin))
	for i, m := range cfg.Market.TimeframesMin {
		timeframes[i] = time.Duration(m) * time.Minute
	}

	eng := engine.New(engine.Params{
		Aggregator: market.NewAggregator(pg, time.Minute, timeframes,
			cfg.Market.BarLimit, cfg.Market.EMAPeriod, cfg.Market.SlopeWindow,
			cfg.Market.SlopeThreshold, util.Component(log, "market")),
		Gate:       decision.NewGate(blackout, util.Component(log, "decision")),
		Dispatcher: execution.NewDispatcher(client, book, cfg.Execution.TradeSize, cycle, util.Component(log, "execution")),
		Book:       book,
		Session:    client,
		Trades:     client,
		Risk:       riskParams(cfg.Risk),
		Limits:     risk.Limits{MaxNotionalPerTrade: cfg.Risk.MaxNotionalPerTrade},
		Size:       cfg.Execution.TradeSize,
		Accounts:   accounts,
		Symbol:     cfg.Market.Symbol,
		Cycle:      cycle,
		Enabled:    cfg.Execution.TradingEnabled,
		Location:   loc,
		Log:        util.Component(log, "engine"),
	})

	log.Info().
		Str("symbol", cfg.Market.Symbol).
		Int("accounts", len(accounts)).
		Bool("trading_enabled", cfg.Execution.TradingEnabled).
		Msg("decision loop started")
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("engine stopped")
	}
	log.Info().Msg("shutting down")
}

func riskParams(r config.Risk) risk.Params {
	return risk.Params{
		MaxDailyLoss:         r.MaxDailyLoss,
		DailyProfitTarget:    r.DailyProfitTarget,
		MaxConsecutiveLosses: r.MaxConsecutiveLosses,
	}
}

func sortedAccounts(m map[string]int) []engine.Account {
	accounts := make([]engine.Account, 0, len(m))
	for name, id := range m {
		accounts = append(accounts, engine.Account{Name: name, ID: id})
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts
}
