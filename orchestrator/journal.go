package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"opus-trader/bus"
	"opus-trader/models"
)

// journal writes the open TradeRecord. A duplicate decision id updates
// nothing; a confirmed failed fill journals as cancelled.
func (o *Orchestrator) journal(ctx context.Context, decision models.OpusDecision, intent models.OrderIntent, fill bus.FillEvent, confirmed bool, snap models.MarketSnapshot, research string) {
	if decision.Action != models.ActionOpenLong && decision.Action != models.ActionOpenShort {
		o.log.Info().
			Str("decision_id", decision.DecisionID).
			Str("action", string(decision.Action)).
			Msg("non-opening action, no journal row")
		return
	}

	if existing, err := o.trades.GetByDecisionID(ctx, decision.DecisionID); err != nil {
		o.log.Warn().Err(err).Msg("journal dedup check failed")
	} else if existing != nil {
		o.log.Info().Str("decision_id", decision.DecisionID).Msg("already journaled")
		return
	}

	record := models.TradeRecord{
		TradeID:           uuid.NewString(),
		DecisionID:        decision.DecisionID,
		Instrument:        decision.Instrument,
		Direction:         directionOf(decision.Action),
		OpenedAt:          time.Now().UTC(),
		EntryPrice:        formatFloat(decision.EntryPrice),
		StopLoss:          intent.StopLoss,
		TakeProfit:        intent.TakeProfit,
		Size:              intent.Size,
		SizePct:           decision.SizePct,
		Leverage:          intent.Leverage,
		StrategyUsed:      decision.Strategy,
		ConfidenceAtEntry: decision.Confidence,
		MarketRegime:      snap.Regime,
		Reasoning:         decision.Reasoning,
		EntryIndicators:   snap.Timeframes,
		ResearchContext:   research,
		Status:            models.TradeOpen,
	}

	if confirmed {
		record.OrderID = fill.OrderID
		record.AlgoID = fill.AlgoID
		if fill.FillPrice != "" {
			record.EntryPrice = fill.FillPrice
		}
		if fill.FillSize != "" {
			record.Size = fill.FillSize
		}
		if !fill.Success {
			record.Status = models.TradeCancelled
			record.ExitReason = "execution_failed: " + fill.ErrorMessage
		}
	}

	if _, err := o.trades.Create(ctx, record); err != nil {
		o.log.Error().Err(err).Str("decision_id", decision.DecisionID).Msg("journal create failed")
		return
	}
	o.log.Info().
		Str("trade_id", record.TradeID).
		Str("decision_id", decision.DecisionID).
		Str("status", string(record.Status)).
		Msg("trade journaled")
}

// closeJournalRow marks the matching open row closed with the realized PnL,
// the exit price and the indicator state at exit time. Returns the closed
// record for post-trade review.
func (o *Orchestrator) closeJournalRow(ctx context.Context, event bus.PositionEvent) *models.TradeRecord {
	open, err := o.trades.GetOpen(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("open trades read failed")
		return nil
	}

	direction := "LONG"
	if event.PosSide == "short" {
		direction = "SHORT"
	}

	for _, t := range open {
		if t.Instrument != event.Instrument || t.Direction != direction {
			continue
		}
		now := time.Now().UTC()
		fields := map[string]interface{}{
			"status":      string(models.TradeClosed),
			"closed_at":   now,
			"pn_l":        event.PnLUSD,
			"exit_price":  event.ExitPrice,
			"exit_reason": "position_closed",
		}

		// Indicator state at exit comes from the last snapshot seen on the
		// bus for this instrument.
		o.mu.Lock()
		snap, haveSnap := o.latestSnap[event.Instrument]
		o.mu.Unlock()
		if haveSnap && len(snap.Timeframes) > 0 {
			if data, err := json.Marshal(snap.Timeframes); err != nil {
				o.log.Warn().Err(err).Msg("exit indicators encode failed")
			} else {
				fields["exit_indicators"] = data
				t.ExitIndicators = snap.Timeframes
			}
		}

		if err := o.trades.Update(ctx, t.TradeID, fields); err != nil {
			o.log.Error().Err(err).Str("trade_id", t.TradeID).Msg("journal close failed")
			return nil
		}
		t.Status = models.TradeClosed
		t.ClosedAt = &now
		t.PnL = event.PnLUSD
		t.ExitPrice = event.ExitPrice
		t.ExitReason = "position_closed"
		return &t
	}

	o.log.Warn().
		Str("instrument", event.Instrument).
		Str("direction", direction).
		Msg("close event with no matching open trade")
	return nil
}

func directionOf(action models.IntentAction) string {
	if action == models.ActionOpenShort {
		return "SHORT"
	}
	return "LONG"
}
