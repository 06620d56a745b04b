package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"opus-trader/bus"
	"opus-trader/config"
	"opus-trader/database"
	"opus-trader/exchange"
	"opus-trader/logger"
	"opus-trader/market"
)

func main() {
	cfg := config.LoadFromEnv()
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := bus.New(cfg.Store.RedisURL, "indicator_server", consumerName(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus connection failed")
	}
	defer stream.Close()

	db, err := database.Connect(cfg.Store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	client := exchange.NewRESTClient(cfg.Exchange, log)
	store := market.NewCandleStore(cfg.Indicator.CandleHistoryLimit, database.NewCandleRepository(db), log)
	ws := exchange.NewPublicWS(cfg.Exchange.WSPublicURL, log)
	feed := market.NewFeed(ws, store, cfg.Universe.Instruments, cfg.Universe.Timeframes, log)

	if err := market.NewServer(cfg, stream, client, store, feed, log).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("indicator server exited")
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "indicator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
