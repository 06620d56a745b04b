package orchestrator

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opus-trader/bus"
	"opus-trader/models"
)

func closedTrade(pnl float64, strategy string, regime models.Regime, closedAgo time.Duration) models.TradeRecord {
	closed := time.Now().UTC().Add(-closedAgo)
	return models.TradeRecord{
		TradeID:      "t-" + strategy,
		Instrument:   "BTC-USDT-SWAP",
		Direction:    "LONG",
		PnL:          pnl,
		StrategyUsed: strategy,
		MarketRegime: regime,
		Status:       models.TradeClosed,
		ClosedAt:     &closed,
	}
}

func TestSummarizeStats(t *testing.T) {
	trades := []models.TradeRecord{
		closedTrade(100, "breakout", models.RegimeTrendingUp, time.Hour),
		closedTrade(-40, "breakout", models.RegimeRanging, time.Hour),
		closedTrade(60, "mean_reversion", models.RegimeRanging, time.Hour),
		closedTrade(-20, "mean_reversion", models.RegimeVolatile, time.Hour),
	}

	s := Summarize(trades)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 0.5, s.WinRate)
	assert.InDelta(t, 100.0, s.TotalPnL, 1e-9)
	assert.InDelta(t, 160.0/60.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 80.0, s.AvgWin, 1e-9)
	assert.InDelta(t, -30.0, s.AvgLoss, 1e-9)
	assert.NotZero(t, s.Sharpe)

	require.Contains(t, s.ByStrategy, "breakout")
	assert.Equal(t, 2, s.ByStrategy["breakout"].Trades)
	assert.Equal(t, 0.5, s.ByStrategy["breakout"].WinRate)
	require.Contains(t, s.ByRegime, "ranging")
	assert.Equal(t, 2, s.ByRegime["ranging"].Trades)
}

func TestSummarizeAllWinsProfitFactor(t *testing.T) {
	trades := []models.TradeRecord{
		closedTrade(50, "breakout", models.RegimeTrendingUp, time.Hour),
		closedTrade(30, "breakout", models.RegimeTrendingUp, time.Hour),
	}
	s := Summarize(trades)
	assert.True(t, math.IsInf(s.ProfitFactor, 1))
	assert.Equal(t, 1.0, s.WinRate)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.WinRate)
	assert.NotNil(t, s.ByStrategy)
}

func newTestReflector(client Completer, trades *memTradeStore) (*Reflector, *memReflectionStore, *memPlaybookStore, *bus.MemoryBus) {
	reflections := &memReflectionStore{}
	playbooks := &memPlaybookStore{}
	mem := bus.NewMemoryBus()
	r := NewReflector(client, trades, reflections, playbooks, mem, zerolog.Nop())
	return r, reflections, playbooks, mem
}

func TestPostTradeStoresReview(t *testing.T) {
	trades := newMemTradeStore()
	trade := closedTrade(-40, "breakout", models.RegimeRanging, time.Minute)
	_, err := trades.Create(context.Background(), trade)
	require.NoError(t, err)

	client := &fakeCompleter{responses: []string{
		`{"verdict": "bad_process", "lesson": "entered against the 4H trend", "review": "stop was too tight"}`,
	}}
	r, _, _, _ := newTestReflector(client, trades)

	r.PostTrade(context.Background(), trade)
	updates := trades.updates[trade.TradeID]
	require.Len(t, updates, 1)
	review, ok := updates[0]["self_review"].(string)
	require.True(t, ok)
	assert.Contains(t, review, "bad_process")
}

func TestShouldDeepReflectTriggers(t *testing.T) {
	trades := newMemTradeStore()
	client := &fakeCompleter{}
	r, reflections, _, _ := newTestReflector(client, trades)

	// No trades at all: never reflect.
	assert.False(t, r.ShouldDeepReflect(context.Background(), 3, 6))

	for i := 0; i < 3; i++ {
		tr := closedTrade(float64(10*i)-10, "breakout", models.RegimeRanging, time.Hour)
		tr.TradeID = tr.TradeID + string(rune('a'+i))
		_, err := trades.Create(context.Background(), tr)
		require.NoError(t, err)
	}
	// Trade-count trigger.
	assert.True(t, r.ShouldDeepReflect(context.Background(), 3, 6))
	assert.False(t, r.ShouldDeepReflect(context.Background(), 10, 6))

	// Before any reflection row the wall clock anchors on the earliest
	// close, so a quiet system under the count threshold still triggers.
	stale := closedTrade(-5, "fade", models.RegimeVolatile, 8*time.Hour)
	_, err := trades.Create(context.Background(), stale)
	require.NoError(t, err)
	assert.True(t, r.ShouldDeepReflect(context.Background(), 10, 6))

	// Wall-clock trigger against the last reflection row.
	old := time.Now().UTC().Add(-7 * time.Hour)
	reflections.last = &old
	assert.True(t, r.ShouldDeepReflect(context.Background(), 10, 6))
}

func TestDeepReflectSavesPlaybookAndAlerts(t *testing.T) {
	trades := newMemTradeStore()
	for i := 0; i < 2; i++ {
		tr := closedTrade(float64(50-60*i), "breakout", models.RegimeTrendingUp, time.Hour)
		tr.TradeID = tr.TradeID + string(rune('a'+i))
		_, err := trades.Create(context.Background(), tr)
		require.NoError(t, err)
	}

	client := &fakeCompleter{responses: []string{`{
		"playbook": {"lessons": ["respect the 4H trend"]},
		"insights": ["winners held longer than losers"],
		"biases": ["overtrading after a loss"],
		"discipline_score": 72,
		"summary": "process is sound, sizing is not"
	}`}}
	r, reflections, playbooks, mem := newTestReflector(client, trades)

	require.NoError(t, r.DeepReflect(context.Background()))

	require.Len(t, playbooks.versions, 1)
	assert.Equal(t, []string{"respect the 4H trend"}, playbooks.versions[0].Lessons)
	require.Len(t, reflections.saves, 1)
	assert.Equal(t, 2, reflections.saves[0])

	alerts := mem.All(bus.StreamSystemAlerts)
	require.Len(t, alerts, 1)
	var alert bus.SystemAlert
	require.NoError(t, alerts[0].DecodePayload(&alert))
	assert.Equal(t, "INFO", alert.Severity)
	assert.Equal(t, 72.0, alert.Score)
}

func TestDeepReflectNoTradesIsNoop(t *testing.T) {
	trades := newMemTradeStore()
	client := &fakeCompleter{}
	r, reflections, playbooks, _ := newTestReflector(client, trades)

	require.NoError(t, r.DeepReflect(context.Background()))
	assert.Empty(t, reflections.saves)
	assert.Empty(t, playbooks.versions)
	assert.Zero(t, client.callCount())
}
