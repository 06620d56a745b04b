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
	"opus-trader/llm"
	"opus-trader/logger"
	"opus-trader/notifications"
	"opus-trader/orchestrator"
)

func main() {
	cfg := config.LoadFromEnv()
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := bus.New(cfg.Store.RedisURL, "orchestrator", consumerName(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("bus connection failed")
	}
	defer stream.Close()

	db, err := database.Connect(cfg.Store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Stream:      stream,
		Exchange:    exchange.NewRESTClient(cfg.Exchange, log),
		Trades:      database.NewTradeRepository(db),
		Rejections:  database.NewRiskRejectionRepository(db),
		Snapshots:   database.NewPerformanceSnapshotRepository(db),
		ScreenLogs:  database.NewScreenerLogRepository(db),
		Research:    database.NewResearchCacheRepository(db),
		Reflection:  database.NewReflectionRepository(db),
		Playbooks:   database.NewPlaybookRepository(db),
		ScreenLLM:   llm.NewClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.ScreenerModel),
		AnalysisLLM: llm.NewClient(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.AnalysisModel),
		ResearchLLM: llm.NewClient(cfg.Research.Endpoint, cfg.Research.APIKey, cfg.Research.Model),
		Webhook:     notifications.NewWebhook(cfg.Alerts.WebhookURL, log),
	}, log)

	if err := orch.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("orchestrator exited")
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "orchestrator"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
