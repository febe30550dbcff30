// Binary flatten closes every open position on the configured accounts. It is
// the manual kill switch for when the bot must go flat outside its schedule.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/thetopham/tradingview-bot/internal/config"
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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := venue.NewClient(cfg.Venue.BaseURL, venue.Credentials{
		Username: os.Getenv("VENUE_USERNAME"),
		APIKey:   os.Getenv("VENUE_API_KEY"),
	}, time.Duration(cfg.Venue.RequestTimeout)*time.Millisecond, util.Component(log, "venue"))

	failed := false
	for name, id := range cfg.Venue.Accounts {
		positions, err := client.SearchOpenPositions(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("account", name).Msg("position search failed")
			failed = true
			continue
		}
		if len(positions) == 0 {
			log.Info().Str("account", name).Msg("already flat")
			continue
		}
		for _, pos := range positions {
			if err := client.Flatten(ctx, id, pos.Symbol); err != nil {
				log.Error().Err(err).
					Str("account", name).
					Str("symbol", pos.Symbol).
					Msg("flatten failed")
				failed = true
				continue
			}
			log.Info().
				Str("account", name).
				Str("symbol", pos.Symbol).
				Float64("size", pos.Size).
				Msg("position closed")
		}
	}
	if failed {
		os.Exit(1)
	}
}
