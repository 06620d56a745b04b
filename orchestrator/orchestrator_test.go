package orchestrator

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opus-trader/bus"
	"opus-trader/config"
	"opus-trader/models"
)

type rig struct {
	o          *Orchestrator
	mem        *bus.MemoryBus
	ex         *fakeExchange
	trades     *memTradeStore
	rejections *memRejectionStore
	screenLogs *memScreenLogStore
	screenLLM  *fakeCompleter
	analyzeLLM *fakeCompleter
}

func newRig(t *testing.T) *rig {
	t.Helper()
	cfg := &config.Config{
		Universe: config.UniverseConfig{
			Instruments: []string{"BTC-USDT-SWAP"},
			Timeframes:  []string{"1H", "4H"},
		},
		Trade: config.TradeConfig{OrderTimeoutSeconds: 2},
		Orchestrator: config.OrchestratorConfig{
			DecisionCycleSeconds:     300,
			ReflectionIntervalTrades: 20,
			ReflectionIntervalHours:  6,
			CooldownAfterLossStreak:  1800,
			MaxOpusTimeoutSeconds:    5,
		},
		Screener: config.ScreenerConfig{Enabled: true, BypassOnPosition: true, BypassOnNews: true},
		Risk:     testRiskConfig(),
	}

	r := &rig{
		mem:        bus.NewMemoryBus(),
		ex:         &fakeExchange{balance: models.AccountState{Equity: 10000, Available: 10000}},
		trades:     newMemTradeStore(),
		rejections: &memRejectionStore{},
		screenLogs: &memScreenLogStore{},
		screenLLM:  &fakeCompleter{responses: []string{`{"signal": true, "reason": "setup forming"}`}},
		analyzeLLM: &fakeCompleter{responses: []string{`{"action": "HOLD"}`}},
	}
	r.o = New(cfg, Deps{
		Stream:      r.mem,
		Exchange:    r.ex,
		Trades:      r.trades,
		Rejections:  r.rejections,
		Snapshots:   &memSnapshotStore{},
		ScreenLogs:  r.screenLogs,
		Research:    newMemResearchStore(),
		Reflection:  &memReflectionStore{},
		Playbooks:   &memPlaybookStore{},
		ScreenLLM:   r.screenLLM,
		AnalysisLLM: r.analyzeLLM,
		ResearchLLM: &fakeCompleter{responses: []string{"quiet tape"}},
	}, zerolog.Nop())
	return r
}

func (r *rig) feedSnapshot(t *testing.T, snap models.MarketSnapshot) {
	t.Helper()
	msg, err := bus.NewMessage(bus.SourceIndicator, bus.TypeMarketSnapshot, snap)
	require.NoError(t, err)
	require.NoError(t, r.o.handleEvent(context.Background(), bus.StreamMarketSnapshots, msg))
}

// answerFills acknowledges every published intent with a successful fill,
// standing in for the trade service.
func (r *rig) answerFills(ctx context.Context, t *testing.T) {
	t.Helper()
	go func() {
		seen := 0
		for ctx.Err() == nil {
			orders := r.mem.All(bus.StreamTradeOrders)
			for ; seen < len(orders); seen++ {
				var intent models.OrderIntent
				if err := orders[seen].DecodePayload(&intent); err != nil {
					continue
				}
				fill := bus.FillEvent{
					DecisionID: intent.DecisionID,
					Instrument: intent.Instrument,
					Action:     string(intent.Action),
					Success:    true,
					OrderID:    "ord-" + strconv.Itoa(seen+1),
					AlgoID:     "algo-" + strconv.Itoa(seen+1),
					FillPrice:  "50010",
					FillSize:   intent.Size,
				}
				msg, err := bus.NewMessage(bus.SourceTradeServer, bus.TypeTradeFill, fill)
				if err != nil {
					continue
				}
				_ = r.o.handleEvent(ctx, bus.StreamTradeFills, msg)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func decodeIntents(t *testing.T, msgs []*bus.Message) []models.OrderIntent {
	t.Helper()
	out := make([]models.OrderIntent, 0, len(msgs))
	for _, m := range msgs {
		var intent models.OrderIntent
		require.NoError(t, m.DecodePayload(&intent))
		out = append(out, intent)
	}
	return out
}

func TestCycleHappyPathOpensTrade(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.feedSnapshot(t, testSnapshot("BTC-USDT-SWAP"))
	r.analyzeLLM.responses = []string{`{
		"action": "OPEN_LONG", "size_pct": 0.02, "entry_price": 50000,
		"stop_loss": 49500, "take_profit": 51500, "leverage": 2,
		"strategy": "breakout", "confidence": 0.7, "reasoning": "range break"
	}`}
	r.answerFills(ctx, t)

	r.o.Cycle(ctx, "BTC-USDT-SWAP")

	intents := decodeIntents(t, r.mem.All(bus.StreamTradeOrders))
	require.Len(t, intents, 1)
	intent := intents[0]
	assert.Equal(t, models.ActionOpenLong, intent.Action)
	assert.Equal(t, "buy", intent.Side)
	assert.Equal(t, "long", intent.PosSide)
	// 0.02 * 10000 * 2 / 50000 contracts
	assert.Equal(t, "0.0080", intent.Size)
	assert.Equal(t, "49500", intent.StopLoss)
	assert.Equal(t, "51500", intent.TakeProfit)

	decisions := r.mem.All(bus.StreamOpusDecisions)
	require.Len(t, decisions, 1)

	require.Len(t, r.trades.trades, 1)
	trade := r.trades.trades[0]
	assert.Equal(t, models.TradeOpen, trade.Status)
	assert.Equal(t, "LONG", trade.Direction)
	assert.Equal(t, "50010", trade.EntryPrice, "fill price wins over intended entry")
	assert.Equal(t, "ord-1", trade.OrderID)
	assert.Equal(t, intent.DecisionID, trade.DecisionID)

	// Screener agreement back-filled: signal=true and a non-HOLD action agree.
	require.Len(t, r.screenLogs.entries, 1)
	require.NotNil(t, r.screenLogs.entries[0].agreed)
	assert.True(t, *r.screenLogs.entries[0].agreed)

	assert.Equal(t, StateIdle, r.o.State())
}

func TestCycleHoldPublishesDecisionOnly(t *testing.T) {
	r := newRig(t)
	r.feedSnapshot(t, testSnapshot("BTC-USDT-SWAP"))

	r.o.Cycle(context.Background(), "BTC-USDT-SWAP")

	assert.Empty(t, r.mem.All(bus.StreamTradeOrders))
	assert.Len(t, r.mem.All(bus.StreamOpusDecisions), 1)
	assert.Empty(t, r.trades.trades)

	// Screener said go, analyzer held: disagreement recorded.
	require.Len(t, r.screenLogs.entries, 1)
	require.NotNil(t, r.screenLogs.entries[0].agreed)
	assert.False(t, *r.screenLogs.entries[0].agreed)
}

func TestCycleRiskRejectionIsAudited(t *testing.T) {
	r := newRig(t)
	r.feedSnapshot(t, testSnapshot("BTC-USDT-SWAP"))
	r.analyzeLLM.responses = []string{`{
		"action": "OPEN_LONG", "size_pct": 0.10, "entry_price": 50000,
		"stop_loss": 49500, "take_profit": 51500, "leverage": 2
	}`}

	r.o.Cycle(context.Background(), "BTC-USDT-SWAP")

	assert.Empty(t, r.mem.All(bus.StreamTradeOrders), "rejected decision must not reach the trade stream")
	require.Len(t, r.rejections.entries, 1)
	assert.Contains(t, r.rejections.entries[0].rules, RuleTradeSize)
	assert.Equal(t, StateIdle, r.o.State())
}

func TestCycleDailyLossHalts(t *testing.T) {
	r := newRig(t)
	r.o.Gate().ResetDaily(10000)
	r.ex.setEquity(9600) // 4% down on the day
	r.feedSnapshot(t, testSnapshot("BTC-USDT-SWAP"))
	r.analyzeLLM.responses = []string{`{
		"action": "OPEN_LONG", "size_pct": 0.02, "entry_price": 50000,
		"stop_loss": 49500, "take_profit": 51500, "leverage": 2
	}`}

	r.o.Cycle(context.Background(), "BTC-USDT-SWAP")

	assert.Equal(t, StateHalted, r.o.State())
	assert.Empty(t, r.mem.All(bus.StreamTradeOrders))

	alerts := r.mem.All(bus.StreamSystemAlerts)
	require.Len(t, alerts, 1)
	var alert bus.SystemAlert
	require.NoError(t, alerts[0].DecodePayload(&alert))
	assert.Equal(t, "CRITICAL", alert.Severity)
	assert.Equal(t, RuleDailyLoss, alert.Title)

	// Halted: further cycles are no-ops.
	before := r.analyzeLLM.callCount()
	r.o.Cycle(context.Background(), "BTC-USDT-SWAP")
	assert.Equal(t, before, r.analyzeLLM.callCount())
}

func TestLossStreakEntersCooldownAndSkipsCycles(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	open := func(id string) {
		tr := models.TradeRecord{
			TradeID:    "t-" + id,
			DecisionID: "d-" + id,
			Instrument: "BTC-USDT-SWAP",
			Direction:  "LONG",
			Status:     models.TradeOpen,
			OpenedAt:   time.Now().UTC(),
		}
		_, err := r.trades.Create(ctx, tr)
		require.NoError(t, err)
	}
	closeEvent := func(pnl float64) {
		msg, err := bus.NewMessage(bus.SourceTradeServer, bus.TypePositionUpdate, bus.PositionEvent{
			Instrument: "BTC-USDT-SWAP",
			PosSide:    "long",
			Closed:     true,
			PnLUSD:     pnl,
		})
		require.NoError(t, err)
		require.NoError(t, r.o.handleEvent(ctx, bus.StreamTradePositions, msg))
	}

	for i, pnl := range []float64{-50, -30, -20} {
		open(strconv.Itoa(i))
		closeEvent(pnl)
	}

	assert.Equal(t, StateCooldown, r.o.State())
	until := r.o.Gate().CooldownUntil()
	require.NotNil(t, until)
	assert.WithinDuration(t, time.Now().Add(1800*time.Second), *until, 5*time.Second)

	// Cycles do nothing while cooling down.
	r.feedSnapshot(t, testSnapshot("BTC-USDT-SWAP"))
	before := r.analyzeLLM.callCount()
	r.o.Cycle(ctx, "BTC-USDT-SWAP")
	assert.Equal(t, before, r.analyzeLLM.callCount())

	// All three journal rows were closed with their realized PnL.
	for i, want := range []float64{-50, -30, -20} {
		assert.Equal(t, models.TradeClosed, r.trades.trades[i].Status)
		assert.Equal(t, want, r.trades.trades[i].PnL)
	}
}

func TestCloseJournalRowRecordsExitState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	_, err := r.trades.Create(ctx, models.TradeRecord{
		TradeID:    "t-exit",
		DecisionID: "d-exit",
		Instrument: "BTC-USDT-SWAP",
		Direction:  "SHORT",
		Status:     models.TradeOpen,
		OpenedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)

	snap := testSnapshot("BTC-USDT-SWAP")
	r.feedSnapshot(t, snap)

	msg, err := bus.NewMessage(bus.SourceTradeServer, bus.TypePositionUpdate, bus.PositionEvent{
		Instrument: "BTC-USDT-SWAP",
		PosSide:    "short",
		Closed:     true,
		PnLUSD:     42.5,
		ExitPrice:  "48750.5",
	})
	require.NoError(t, err)
	require.NoError(t, r.o.handleEvent(ctx, bus.StreamTradePositions, msg))

	closed := r.trades.trades[0]
	assert.Equal(t, models.TradeClosed, closed.Status)
	assert.Equal(t, 42.5, closed.PnL)
	assert.Equal(t, "48750.5", closed.ExitPrice)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, snap.Timeframes, closed.ExitIndicators)

	// The persisted close update carries the exit state, not just the
	// status flip. Post-trade reflection may append its own update after.
	updates := r.trades.updates["t-exit"]
	require.NotEmpty(t, updates)
	assert.Equal(t, "48750.5", updates[0]["exit_price"])
	assert.Contains(t, updates[0], "exit_indicators")
}

func TestScreenerBypassOnOpenPosition(t *testing.T) {
	r := newRig(t)
	r.ex.positions = []models.Position{
		{Instrument: "BTC-USDT-SWAP", PosSide: "long", Size: "0.008", AvgEntry: "50000"},
	}
	r.feedSnapshot(t, testSnapshot("BTC-USDT-SWAP"))

	r.o.Cycle(context.Background(), "BTC-USDT-SWAP")

	assert.Zero(t, r.screenLLM.callCount(), "open position bypasses the screener")
	assert.Equal(t, 1, r.analyzeLLM.callCount())
	assert.Empty(t, r.screenLogs.entries)
}

func TestCycleWithoutSnapshotIsNoop(t *testing.T) {
	r := newRig(t)
	r.o.Cycle(context.Background(), "BTC-USDT-SWAP")
	assert.Zero(t, r.screenLLM.callCount())
	assert.Zero(t, r.analyzeLLM.callCount())
	assert.Empty(t, r.mem.All(bus.StreamOpusDecisions))
}

func TestCycleCloseUsesPositionSize(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.ex.positions = []models.Position{
		{Instrument: "BTC-USDT-SWAP", PosSide: "long", Size: "0.008", AvgEntry: "50000", Leverage: "2"},
	}
	r.feedSnapshot(t, testSnapshot("BTC-USDT-SWAP"))
	r.analyzeLLM.responses = []string{`{"action": "CLOSE", "reasoning": "thesis invalidated"}`}
	r.answerFills(ctx, t)

	r.o.Cycle(ctx, "BTC-USDT-SWAP")

	intents := decodeIntents(t, r.mem.All(bus.StreamTradeOrders))
	require.Len(t, intents, 1)
	assert.Equal(t, models.ActionClose, intents[0].Action)
	assert.Equal(t, "sell", intents[0].Side)
	assert.Equal(t, "long", intents[0].PosSide)
	assert.Equal(t, "0.008", intents[0].Size)

	// CLOSE does not create a journal row; the close path is event-driven.
	assert.Empty(t, r.trades.trades)
}

func TestJournalDedupOnDecisionID(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	decision := models.OpusDecision{
		DecisionID: "d-dup",
		Instrument: "BTC-USDT-SWAP",
		Action:     models.ActionOpenLong,
		SizePct:    0.02,
		EntryPrice: 50000,
		Leverage:   2,
	}
	intent := models.OrderIntent{DecisionID: "d-dup", Size: "0.0080", Leverage: "2"}
	snap := testSnapshot("BTC-USDT-SWAP")

	r.o.journal(ctx, decision, intent, bus.FillEvent{}, false, snap, "")
	r.o.journal(ctx, decision, intent, bus.FillEvent{}, false, snap, "")

	assert.Len(t, r.trades.trades, 1)
}

func TestFailedFillJournalsCancelled(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	decision := models.OpusDecision{
		DecisionID: "d-fail",
		Instrument: "BTC-USDT-SWAP",
		Action:     models.ActionOpenShort,
		SizePct:    0.02,
		EntryPrice: 50000,
		Leverage:   2,
	}
	fill := bus.FillEvent{
		DecisionID:   "d-fail",
		Success:      false,
		ErrorCode:    "51008",
		ErrorMessage: "insufficient balance",
	}

	r.o.journal(ctx, decision, models.OrderIntent{DecisionID: "d-fail"}, fill, true, testSnapshot("BTC-USDT-SWAP"), "")

	require.Len(t, r.trades.trades, 1)
	assert.Equal(t, models.TradeCancelled, r.trades.trades[0].Status)
	assert.Contains(t, r.trades.trades[0].ExitReason, "insufficient balance")
	assert.Equal(t, "SHORT", r.trades.trades[0].Direction)
}
