package orchestrator

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/config"
	"opus-trader/models"
)

// Rule names as they appear in rejection audits and alerts.
const (
	RuleDailyLoss           = "daily_loss"
	RuleMaxDrawdown         = "max_drawdown"
	RuleConcurrentPositions = "concurrent_positions"
	RuleTotalExposure       = "total_exposure"
	RuleTradeSize           = "trade_size"
	RuleLeverage            = "leverage"
	RuleStopLoss            = "stop_loss"
	RuleSLDistance          = "sl_distance"
	RuleRRRatio             = "rr_ratio"
	RuleCooldown            = "cooldown"
	RuleCorrelation         = "correlation"
)

// RiskResult is the outcome of one gate run. Warnings never reject.
type RiskResult struct {
	Approved bool     `json:"approved"`
	Failures []string `json:"failures"`
	Warnings []string `json:"warnings"`
}

// RiskGate is the hardcoded circuit breaker between analysis and execution.
// The analysis adapter cannot override it. Counters survive across cycles;
// daily_start_equity is reset by the midnight scheduler.
type RiskGate struct {
	cfg      config.RiskConfig
	cooldown time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu                sync.Mutex
	consecutiveLosses int
	cooldownUntil     *time.Time
	peakEquity        float64
	dailyStartEquity  float64
}

// NewRiskGate creates a gate with zeroed counters. cooldown is the pause
// applied after a full loss streak.
func NewRiskGate(cfg config.RiskConfig, cooldown time.Duration, log zerolog.Logger) *RiskGate {
	return &RiskGate{
		cfg:      cfg,
		cooldown: cooldown,
		log:      log.With().Str("component", "risk_gate").Logger(),
		now:      time.Now,
	}
}

// ObserveEquity feeds an equity reading into the peak tracker. The first
// observation also seeds the daily start.
func (g *RiskGate) ObserveEquity(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if equity > g.peakEquity {
		g.peakEquity = equity
	}
	if g.dailyStartEquity == 0 {
		g.dailyStartEquity = equity
	}
}

// ResetDaily restarts the daily-loss baseline, called at 00:00 UTC.
func (g *RiskGate) ResetDaily(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dailyStartEquity = equity
	g.log.Info().Float64("equity", equity).Msg("daily equity baseline reset")
}

// UpdateOnTradeClose feeds one realized PnL into the loss-streak counter.
// Reaching the configured streak sets the cooldown deadline.
func (g *RiskGate) UpdateOnTradeClose(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if pnl < 0 {
		g.consecutiveLosses++
		if g.consecutiveLosses == g.cfg.MaxConsecutiveLosses {
			until := g.now().Add(g.cooldown)
			g.cooldownUntil = &until
			g.log.Warn().
				Int("losses", g.consecutiveLosses).
				Time("until", until).
				Msg("loss streak cooldown engaged")
		}
	} else {
		g.consecutiveLosses = 0
	}
}

// InCooldown reports whether the cooldown deadline is still in the future.
// An expired deadline is cleared as a side effect.
func (g *RiskGate) InCooldown() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cooldownUntil == nil {
		return false
	}
	if g.now().Before(*g.cooldownUntil) {
		return true
	}
	g.cooldownUntil = nil
	g.consecutiveLosses = 0
	return false
}

// CooldownUntil returns the active deadline, or nil.
func (g *RiskGate) CooldownUntil() *time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cooldownUntil
}

// ConsecutiveLosses reports the current streak.
func (g *RiskGate) ConsecutiveLosses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveLosses
}

// Validate runs every rule independently and accumulates failures. HOLD
// bypasses the per-trade rules; CLOSE additionally bypasses the exposure and
// position-count rules since it only reduces risk.
func (g *RiskGate) Validate(decision models.OpusDecision, account models.AccountState, positions []models.Position) RiskResult {
	g.mu.Lock()
	peak := g.peakEquity
	dailyStart := g.dailyStartEquity
	cooldownUntil := g.cooldownUntil
	g.mu.Unlock()

	result := RiskResult{Approved: true}
	fail := func(rule, detail string) {
		result.Approved = false
		result.Failures = append(result.Failures, rule)
		g.log.Warn().Str("rule", rule).Str("detail", detail).Str("decision_id", decision.DecisionID).Msg("risk rule failed")
	}

	reducing := decision.Action == models.ActionClose || decision.Action == models.ActionHold

	// 1: daily loss against the midnight baseline.
	if dailyStart > 0 {
		loss := (dailyStart - account.Equity) / dailyStart
		if loss >= g.cfg.MaxDailyLossPct {
			fail(RuleDailyLoss, fmt.Sprintf("daily loss %.2f%%", loss*100))
		}
	}

	// 2: drawdown from the observed peak.
	if peak > 0 {
		dd := (peak - account.Equity) / peak
		if dd >= g.cfg.MaxDrawdownPct {
			fail(RuleMaxDrawdown, fmt.Sprintf("drawdown %.2f%%", dd*100))
		}
	}

	if !reducing {
		// 3: concurrent position count.
		if len(positions) >= g.cfg.MaxConcurrentPositions {
			fail(RuleConcurrentPositions, fmt.Sprintf("%d open", len(positions)))
		}

		// 4: total exposure of existing positions.
		if account.Equity > 0 {
			exposure := totalNotional(positions) / account.Equity
			if exposure >= g.cfg.MaxTotalExposurePct {
				fail(RuleTotalExposure, fmt.Sprintf("exposure %.2f%%", exposure*100))
			}
		}

		// 5: single trade size.
		if decision.SizePct >= g.cfg.MaxSingleTradePct {
			fail(RuleTradeSize, fmt.Sprintf("size %.2f%%", decision.SizePct*100))
		}

		// 6: leverage cap.
		if decision.Leverage >= g.cfg.MaxLeverage {
			fail(RuleLeverage, fmt.Sprintf("leverage %.1fx", decision.Leverage))
		}

		// 7: a stop loss must exist.
		if decision.StopLoss <= 0 {
			fail(RuleStopLoss, "missing stop loss")
		} else if decision.EntryPrice > 0 {
			// 8: stop distance from entry.
			dist := math.Abs(decision.StopLoss-decision.EntryPrice) / decision.EntryPrice
			if dist >= g.cfg.MaxSLDistancePct {
				fail(RuleSLDistance, fmt.Sprintf("sl distance %.2f%%", dist*100))
			}

			// 9: reward to risk.
			risk := math.Abs(decision.EntryPrice - decision.StopLoss)
			if risk > 0 {
				rr := math.Abs(decision.TakeProfit-decision.EntryPrice) / risk
				if rr < g.cfg.MinRRRatio {
					fail(RuleRRRatio, fmt.Sprintf("r:r %.2f", rr))
				}
			}
		}
	}

	// 10: cooldown deadline.
	if cooldownUntil != nil && g.now().Before(*cooldownUntil) {
		fail(RuleCooldown, fmt.Sprintf("until %s", cooldownUntil.Format(time.RFC3339)))
	}

	// 11: same-instrument correlation is a warning, never a rejection.
	if !reducing {
		for _, p := range positions {
			if p.Instrument == decision.Instrument {
				result.Warnings = append(result.Warnings, RuleCorrelation)
				break
			}
		}
	}

	return result
}

// totalNotional sums |size * avg entry| over the open positions.
func totalNotional(positions []models.Position) float64 {
	total := 0.0
	for _, p := range positions {
		size, _ := strconv.ParseFloat(p.Size, 64)
		entry, _ := strconv.ParseFloat(p.AvgEntry, 64)
		total += math.Abs(size * entry)
	}
	return total
}
