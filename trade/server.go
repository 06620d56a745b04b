package trade

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"opus-trader/bus"
	"opus-trader/config"
	"opus-trader/exchange"
	"opus-trader/models"
)

// Server is the trade service runtime. Startup order: seed account state over
// REST, wire and run the private socket, set leverage for the universe, then
// consume trade:orders. Every processed intent publishes a fill, failed ones
// included, so the orchestrator can reconcile.
type Server struct {
	cfg       *config.Config
	stream    bus.Stream
	client    exchange.Client
	ws        *exchange.WS
	positions *PositionManager
	account   *AccountCache
	executor  *Executor
	log       zerolog.Logger

	mu        sync.Mutex
	processed map[string]bool // decision_id dedup against redelivery
}

// NewServer wires the trade service together.
func NewServer(cfg *config.Config, stream bus.Stream, client exchange.Client, ws *exchange.WS, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		stream:    stream,
		client:    client,
		ws:        ws,
		positions: NewPositionManager(stream, log),
		account:   NewAccountCache(log),
		executor:  NewExecutor(client, "cross", log),
		log:       log.With().Str("component", "trade_server").Logger(),
		processed: make(map[string]bool),
	}
}

// Positions exposes the mirror for tests and diagnostics.
func (s *Server) Positions() *PositionManager { return s.positions }

// Account exposes the cached account state.
func (s *Server) Account() models.AccountState { return s.account.Get() }

// Run starts the service and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if state, err := s.client.GetBalance(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial balance read failed")
	} else {
		s.account.Set(state)
	}

	s.ws.On("positions", func(_ exchange.ChannelArg, data json.RawMessage) {
		s.positions.Update(ctx, data)
	})
	s.ws.On("account", func(_ exchange.ChannelArg, data json.RawMessage) {
		s.account.UpdateFromWS(data)
	})
	s.ws.On("orders", func(_ exchange.ChannelArg, data json.RawMessage) {
		s.log.Debug().RawJSON("orders", data).Msg("order update")
	})

	if err := s.ws.Subscribe(
		exchange.ChannelArg{Channel: "orders", InstType: "SWAP"},
		exchange.ChannelArg{Channel: "positions", InstType: "SWAP"},
		exchange.ChannelArg{Channel: "account"},
	); err != nil {
		s.log.Warn().Err(err).Msg("private subscription setup failed, relying on reconnect")
	}
	go s.ws.Run(ctx)

	leverage := strconv.FormatFloat(s.cfg.Risk.MaxLeverage, 'f', -1, 64)
	for _, inst := range s.cfg.Universe.Instruments {
		if err := s.client.SetLeverage(ctx, inst, leverage, "cross"); err != nil {
			s.log.Warn().Err(err).Str("instrument", inst).Msg("startup leverage set failed")
		}
	}

	s.log.Info().Strs("instruments", s.cfg.Universe.Instruments).Msg("trade service started")
	return s.stream.Subscribe(ctx, []string{bus.StreamTradeOrders}, s.handleMessage)
}

// handleMessage consumes one trade:orders entry. It always returns nil so the
// entry is acked; a failed execution is reported through the fill, not
// through redelivery of a non-idempotent write.
func (s *Server) handleMessage(ctx context.Context, stream string, msg *bus.Message) error {
	if msg.Type != bus.TypeTradeOrder {
		return nil
	}

	var intent models.OrderIntent
	if err := msg.DecodePayload(&intent); err != nil {
		s.log.Warn().Err(err).Str("msg_id", msg.MsgID).Msg("undecodable intent")
		return nil
	}

	if intent.DecisionID != "" && !s.markProcessed(intent.DecisionID) {
		s.log.Info().Str("decision_id", intent.DecisionID).Msg("duplicate intent, skipping")
		return nil
	}

	if ok, errs := Validate(intent); !ok {
		s.log.Warn().
			Str("decision_id", intent.DecisionID).
			Strs("errors", errs).
			Msg("intent rejected by validation")
		s.publishFill(ctx, intent, models.OrderResult{
			Success:      false,
			ErrorMessage: "validation failed: " + strings.Join(errs, "; "),
		})
		return nil
	}

	result := s.executor.Execute(ctx, intent)
	s.log.Info().
		Str("decision_id", intent.DecisionID).
		Str("action", string(intent.Action)).
		Bool("success", result.Success).
		Str("order_id", result.OrderID).
		Msg("intent executed")

	s.publishFill(ctx, intent, result)
	return nil
}

// markProcessed records a decision id; the second caller gets false.
func (s *Server) markProcessed(decisionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processed[decisionID] {
		return false
	}
	s.processed[decisionID] = true
	return true
}

func (s *Server) publishFill(ctx context.Context, intent models.OrderIntent, result models.OrderResult) {
	fill := bus.FillEvent{
		DecisionID:   intent.DecisionID,
		Instrument:   intent.Instrument,
		Action:       string(intent.Action),
		Success:      result.Success,
		OrderID:      result.OrderID,
		AlgoID:       result.AlgoID,
		FillPrice:    result.FillPrice,
		FillSize:     result.FillSize,
		ErrorCode:    result.ErrorCode,
		ErrorMessage: result.ErrorMessage,
	}

	msg, err := bus.NewMessage(bus.SourceTradeServer, bus.TypeTradeFill, fill)
	if err != nil {
		s.log.Error().Err(err).Msg("fill encode failed")
		return
	}
	if _, err := s.stream.Publish(ctx, bus.StreamTradeFills, msg); err != nil {
		s.log.Error().Err(err).Str("decision_id", intent.DecisionID).Msg("fill publish failed")
	}
}
