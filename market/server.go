package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/bus"
	"opus-trader/config"
	"opus-trader/exchange"
)

// Server is the indicator service runtime: backfill, live feed, snapshot loop.
type Server struct {
	cfg     *config.Config
	stream  bus.Stream
	client  exchange.Client
	store   *CandleStore
	feed    *Feed
	builder *Builder
	log     zerolog.Logger
}

// NewServer wires the indicator service together.
func NewServer(cfg *config.Config, stream bus.Stream, client exchange.Client, store *CandleStore, feed *Feed, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		stream:  stream,
		client:  client,
		store:   store,
		feed:    feed,
		builder: NewBuilder(client, store, cfg.Universe.Timeframes, cfg.Indicator.OrderbookDepth, log),
		log:     log.With().Str("component", "indicator_server").Logger(),
	}
}

// Run backfills candle history, starts the live feed and drives the snapshot
// loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.backfill(ctx)

	if err := s.feed.Start(); err != nil {
		s.log.Warn().Err(err).Msg("feed subscription setup failed, relying on reconnect")
	}
	go s.feed.Run(ctx)

	interval := time.Duration(s.cfg.Indicator.SnapshotIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().
		Strs("instruments", s.cfg.Universe.Instruments).
		Dur("interval", interval).
		Msg("indicator service started")

	// First snapshot immediately so consumers do not wait a full interval.
	s.snapshotAll(ctx)

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("indicator service stopped")
			return nil
		case <-ticker.C:
			s.snapshotAll(ctx)
		}
	}
}

// backfill seeds every ring from REST history. Failures only warn; the feed
// fills the rings over time regardless.
func (s *Server) backfill(ctx context.Context) {
	limit := s.cfg.Indicator.CandleHistoryLimit
	for _, inst := range s.cfg.Universe.Instruments {
		for _, tf := range s.cfg.Universe.Timeframes {
			candles, err := s.client.GetCandles(ctx, inst, tf, limit)
			if err != nil {
				s.log.Warn().Err(err).Str("instrument", inst).Str("timeframe", tf).Msg("backfill failed")
				continue
			}
			if err := s.store.Backfill(ctx, inst, tf, candles); err != nil {
				s.log.Warn().Err(err).Str("instrument", inst).Str("timeframe", tf).Msg("backfill persist failed")
				continue
			}
			s.log.Info().Str("instrument", inst).Str("timeframe", tf).Int("candles", len(candles)).Msg("backfilled")
		}
	}
}

func (s *Server) snapshotAll(ctx context.Context) {
	for _, inst := range s.cfg.Universe.Instruments {
		if ctx.Err() != nil {
			return
		}
		s.snapshot(ctx, inst)
	}
}

// snapshot builds, publishes and anomaly-checks one instrument. Errors are
// logged and never escape the loop.
func (s *Server) snapshot(ctx context.Context, instrument string) {
	snap := s.builder.Build(ctx, instrument)

	msg, err := bus.NewMessage(bus.SourceIndicator, bus.TypeMarketSnapshot, snap)
	if err != nil {
		s.log.Error().Err(err).Str("instrument", instrument).Msg("snapshot encode failed")
		return
	}
	if _, err := s.stream.Publish(ctx, bus.StreamMarketSnapshots, msg); err != nil {
		s.log.Error().Err(err).Str("instrument", instrument).Msg("snapshot publish failed")
	} else {
		s.log.Debug().
			Str("instrument", instrument).
			Str("regime", string(snap.Regime)).
			Float64("price", snap.Ticker.Last).
			Msg("snapshot published")
	}

	for _, alert := range CheckAnomalies(snap) {
		amsg, err := bus.NewMessage(bus.SourceIndicator, bus.TypeMarketAlert, alert)
		if err != nil {
			s.log.Error().Err(err).Msg("alert encode failed")
			continue
		}
		if _, err := s.stream.Publish(ctx, bus.StreamMarketAlerts, amsg); err != nil {
			s.log.Error().Err(err).Str("trigger", alert.Trigger).Msg("alert publish failed")
		} else {
			s.log.Warn().
				Str("instrument", alert.Instrument).
				Str("trigger", alert.Trigger).
				Float64("value", alert.Value).
				Msg("market anomaly")
		}
	}
}
