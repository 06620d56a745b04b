package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"opus-trader/bus"
	"opus-trader/config"
	"opus-trader/exchange"
	"opus-trader/logger"
	"opus-trader/trade"
)

func main() {
	cfg := config.LoadFromEnv()
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := bus.New(cfg.Store.RedisURL, "trade_server", consumerName(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus connection failed")
	}
	defer stream.Close()

	client := exchange.NewRESTClient(cfg.Exchange, log)
	ws := exchange.NewPrivateWS(cfg.Exchange, log)

	if err := trade.NewServer(cfg, stream, client, ws, log).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("trade server exited")
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "trade"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
