package orchestrator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opus-trader/config"
	"opus-trader/models"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDailyLossPct:        0.03,
		MaxSingleTradePct:      0.05,
		MaxTotalExposurePct:    0.15,
		MaxConcurrentPositions: 3,
		MaxDrawdownPct:         0.10,
		MaxConsecutiveLosses:   3,
		MaxLeverage:            3.0,
		MaxSLDistancePct:       0.03,
		MinRRRatio:             1.5,
	}
}

func testGate() *RiskGate {
	return NewRiskGate(testRiskConfig(), 1800*time.Second, zerolog.Nop())
}

func openLongDecision() models.OpusDecision {
	return models.OpusDecision{
		DecisionID: "d-1",
		Instrument: "BTC-USDT-SWAP",
		Action:     models.ActionOpenLong,
		SizePct:    0.02,
		EntryPrice: 50000,
		StopLoss:   49500,
		TakeProfit: 51500,
		Leverage:   2,
	}
}

func account(equity float64) models.AccountState {
	return models.AccountState{Equity: equity, Available: equity}
}

func TestRiskGateApprovesCleanTrade(t *testing.T) {
	g := testGate()
	g.ObserveEquity(10000)

	verdict := g.Validate(openLongDecision(), account(10000), nil)
	assert.True(t, verdict.Approved)
	assert.Empty(t, verdict.Failures)
}

func TestRiskGateDailyLoss(t *testing.T) {
	g := testGate()
	g.ResetDaily(10000)

	// 4% down on the day, limit is 3%.
	verdict := g.Validate(openLongDecision(), account(9600), nil)
	assert.False(t, verdict.Approved)
	assert.Contains(t, verdict.Failures, RuleDailyLoss)

	// Exactly at the limit still fails: thresholds are inclusive.
	g2 := testGate()
	g2.ResetDaily(10000)
	verdict = g2.Validate(openLongDecision(), account(9700), nil)
	assert.Contains(t, verdict.Failures, RuleDailyLoss)

	// Just under the limit passes.
	g3 := testGate()
	g3.ResetDaily(10000)
	verdict = g3.Validate(openLongDecision(), account(9701), nil)
	assert.NotContains(t, verdict.Failures, RuleDailyLoss)
}

func TestRiskGateDrawdownFromPeak(t *testing.T) {
	g := testGate()
	g.ObserveEquity(10000)
	g.ObserveEquity(12000) // new peak
	g.ResetDaily(11000)

	// 10.8% off the 12000 peak.
	verdict := g.Validate(openLongDecision(), account(10700), nil)
	assert.Contains(t, verdict.Failures, RuleMaxDrawdown)
}

func TestRiskGatePositionCountAndExposure(t *testing.T) {
	g := testGate()
	g.ObserveEquity(10000)

	positions := []models.Position{
		{Instrument: "BTC-USDT-SWAP", PosSide: "long", Size: "0.01", AvgEntry: "50000"},
		{Instrument: "ETH-USDT-SWAP", PosSide: "short", Size: "0.2", AvgEntry: "2500"},
		{Instrument: "SOL-USDT-SWAP", PosSide: "long", Size: "2", AvgEntry: "150"},
	}
	verdict := g.Validate(openLongDecision(), account(10000), positions)
	assert.Contains(t, verdict.Failures, RuleConcurrentPositions)

	// Exposure: 0.04 BTC at 50000 is 2000 notional on 10000 equity, 20%.
	heavy := []models.Position{
		{Instrument: "BTC-USDT-SWAP", PosSide: "long", Size: "0.04", AvgEntry: "50000"},
	}
	verdict = g.Validate(openLongDecision(), account(10000), heavy)
	assert.Contains(t, verdict.Failures, RuleTotalExposure)
}

func TestRiskGatePerTradeRules(t *testing.T) {
	g := testGate()
	g.ObserveEquity(10000)

	d := openLongDecision()
	d.SizePct = 0.10 // limit 0.05
	verdict := g.Validate(d, account(10000), nil)
	assert.Contains(t, verdict.Failures, RuleTradeSize)

	d = openLongDecision()
	d.Leverage = 3.0 // at the limit, inclusive fail
	verdict = g.Validate(d, account(10000), nil)
	assert.Contains(t, verdict.Failures, RuleLeverage)

	d = openLongDecision()
	d.StopLoss = 0
	verdict = g.Validate(d, account(10000), nil)
	assert.Contains(t, verdict.Failures, RuleStopLoss)

	d = openLongDecision()
	d.StopLoss = 48000 // 4% away, limit 3%
	verdict = g.Validate(d, account(10000), nil)
	assert.Contains(t, verdict.Failures, RuleSLDistance)

	d = openLongDecision()
	d.TakeProfit = 50500 // reward 500 on risk 500: RR 1.0 < 1.5
	verdict = g.Validate(d, account(10000), nil)
	assert.Contains(t, verdict.Failures, RuleRRRatio)
}

func TestRiskGateAccumulatesAllFailures(t *testing.T) {
	g := testGate()
	g.ObserveEquity(10000)

	d := openLongDecision()
	d.SizePct = 0.20
	d.Leverage = 10
	d.StopLoss = 0
	verdict := g.Validate(d, account(10000), nil)
	assert.False(t, verdict.Approved)
	assert.GreaterOrEqual(t, len(verdict.Failures), 3)
}

func TestRiskGateCloseBypassesPerTradeRules(t *testing.T) {
	g := testGate()
	g.ObserveEquity(10000)

	positions := []models.Position{
		{Instrument: "BTC-USDT-SWAP", PosSide: "long", Size: "0.01", AvgEntry: "50000"},
		{Instrument: "ETH-USDT-SWAP", PosSide: "short", Size: "0.2", AvgEntry: "2500"},
		{Instrument: "SOL-USDT-SWAP", PosSide: "long", Size: "2", AvgEntry: "150"},
	}
	d := openLongDecision()
	d.Action = models.ActionClose
	d.StopLoss = 0

	verdict := g.Validate(d, account(10000), positions)
	assert.True(t, verdict.Approved, "closing must not be blocked by exposure rules")
}

func TestRiskGateLossStreakCooldown(t *testing.T) {
	g := testGate()
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return base }

	g.UpdateOnTradeClose(-50)
	g.UpdateOnTradeClose(-30)
	assert.False(t, g.InCooldown())

	g.UpdateOnTradeClose(-20)
	require.NotNil(t, g.CooldownUntil())
	assert.Equal(t, base.Add(1800*time.Second), *g.CooldownUntil())
	assert.True(t, g.InCooldown())

	verdict := g.Validate(openLongDecision(), account(10000), nil)
	assert.Contains(t, verdict.Failures, RuleCooldown)

	// Deadline passes: cooldown clears and the streak resets.
	g.now = func() time.Time { return base.Add(1801 * time.Second) }
	assert.False(t, g.InCooldown())
	assert.Zero(t, g.ConsecutiveLosses())
}

func TestRiskGateWinResetsStreak(t *testing.T) {
	g := testGate()
	g.UpdateOnTradeClose(-50)
	g.UpdateOnTradeClose(-30)
	g.UpdateOnTradeClose(10)
	assert.Zero(t, g.ConsecutiveLosses())

	g.UpdateOnTradeClose(-20)
	assert.Nil(t, g.CooldownUntil(), "streak restarted after a win")
}
