package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/exchange"
	"opus-trader/models"
)

// Executor turns validated intents into exchange calls. Writes are never
// retried; any failure is captured in the returned OrderResult.
type Executor struct {
	client     exchange.Client
	marginMode string
	log        zerolog.Logger
}

// NewExecutor creates an executor with the given margin mode (cross|isolated).
func NewExecutor(client exchange.Client, marginMode string, log zerolog.Logger) *Executor {
	return &Executor{
		client:     client,
		marginMode: marginMode,
		log:        log.With().Str("component", "executor").Logger(),
	}
}

// Execute dispatches one intent by action and returns the exchange outcome.
func (e *Executor) Execute(ctx context.Context, intent models.OrderIntent) models.OrderResult {
	switch intent.Action {
	case models.ActionOpenLong, models.ActionOpenShort:
		return e.open(ctx, intent)
	case models.ActionClose:
		return e.close(ctx, intent)
	case models.ActionAdd, models.ActionReduce:
		return e.adjust(ctx, intent)
	default:
		return models.OrderResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("unexecutable action: %s", intent.Action),
			Timestamp:    time.Now().UTC(),
		}
	}
}

// open sets leverage (best effort), places the main order and attaches an OCO
// bracket when both stop loss and take profit are present. A failed main
// order terminates the pipeline without attaching algos.
func (e *Executor) open(ctx context.Context, intent models.OrderIntent) models.OrderResult {
	if err := e.client.SetLeverage(ctx, intent.Instrument, intent.Leverage, e.marginMode); err != nil {
		e.log.Warn().Err(err).
			Str("instrument", intent.Instrument).
			Str("leverage", intent.Leverage).
			Msg("set leverage failed, placing order anyway")
	}

	result, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Instrument: intent.Instrument,
		MarginMode: e.marginMode,
		Side:       intent.Side,
		PosSide:    intent.PosSide,
		OrderType:  intent.OrderType,
		Size:       intent.Size,
		Price:      intent.LimitPrice,
	})
	if err != nil || !result.Success {
		e.log.Error().Err(err).
			Str("instrument", intent.Instrument).
			Str("decision_id", intent.DecisionID).
			Str("error_code", result.ErrorCode).
			Msg("main order failed")
		return ensureFailure(result, err)
	}

	if intent.StopLoss != "" && intent.TakeProfit != "" {
		algo, err := e.client.PlaceAlgoOrder(ctx, exchange.AlgoOrderRequest{
			Instrument:      intent.Instrument,
			MarginMode:      e.marginMode,
			Side:            closingSide(intent.PosSide),
			PosSide:         intent.PosSide,
			Size:            intent.Size,
			StopLossPrice:   intent.StopLoss,
			TakeProfitPrice: intent.TakeProfit,
		})
		if err != nil || !algo.Success {
			// The position is open without brackets; the orchestrator sees
			// the missing algo id in the fill and can intervene.
			e.log.Error().Err(err).
				Str("instrument", intent.Instrument).
				Str("order_id", result.OrderID).
				Msg("tp/sl attachment failed")
		} else {
			result.AlgoID = algo.AlgoID
		}
	}

	return result
}

func (e *Executor) close(ctx context.Context, intent models.OrderIntent) models.OrderResult {
	if err := e.client.ClosePosition(ctx, intent.Instrument, e.marginMode, intent.PosSide); err != nil {
		e.log.Error().Err(err).
			Str("instrument", intent.Instrument).
			Str("pos_side", intent.PosSide).
			Msg("close position failed")
		return ensureFailure(models.OrderResult{}, err)
	}
	return models.OrderResult{Success: true, Status: "closed", Timestamp: time.Now().UTC()}
}

func (e *Executor) adjust(ctx context.Context, intent models.OrderIntent) models.OrderResult {
	result, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Instrument: intent.Instrument,
		MarginMode: e.marginMode,
		Side:       intent.Side,
		PosSide:    intent.PosSide,
		OrderType:  intent.OrderType,
		Size:       intent.Size,
		Price:      intent.LimitPrice,
	})
	if err != nil || !result.Success {
		e.log.Error().Err(err).
			Str("instrument", intent.Instrument).
			Str("action", string(intent.Action)).
			Msg("adjust order failed")
		return ensureFailure(result, err)
	}
	return result
}

// ensureFailure guarantees a failed result carries an error message even when
// the exchange adapter returned a bare error.
func ensureFailure(result models.OrderResult, err error) models.OrderResult {
	result.Success = false
	if result.ErrorMessage == "" && err != nil {
		result.ErrorMessage = err.Error()
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = time.Now().UTC()
	}
	return result
}

// closingSide is the order side that reduces a position.
func closingSide(posSide string) string {
	if posSide == "long" {
		return "sell"
	}
	return "buy"
}
