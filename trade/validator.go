// Package trade is the trade service: it owns exchange connectivity, turns
// order intents from the bus into real orders, mirrors positions and account
// state from the private WebSocket, and republishes fills and positions.
package trade

import (
	"fmt"

	"github.com/shopspring/decimal"

	"opus-trader/models"
)

var validActions = map[models.IntentAction]bool{
	models.ActionOpenLong:  true,
	models.ActionOpenShort: true,
	models.ActionClose:     true,
	models.ActionAdd:       true,
	models.ActionReduce:    true,
}

// Validate checks an intent before execution. All violations are collected;
// an invalid intent never reaches the exchange.
func Validate(intent models.OrderIntent) (bool, []string) {
	var errs []string

	if !validActions[intent.Action] {
		errs = append(errs, fmt.Sprintf("invalid action: %s", intent.Action))
	}
	if intent.Side != "buy" && intent.Side != "sell" {
		errs = append(errs, fmt.Sprintf("invalid side: %s", intent.Side))
	}
	if intent.PosSide != "long" && intent.PosSide != "short" {
		errs = append(errs, fmt.Sprintf("invalid pos_side: %s", intent.PosSide))
	}
	if intent.OrderType != "market" && intent.OrderType != "limit" {
		errs = append(errs, fmt.Sprintf("invalid order_type: %s", intent.OrderType))
	}
	if intent.Instrument == "" {
		errs = append(errs, "instrument is required")
	}

	size, err := decimal.NewFromString(intent.Size)
	if err != nil || !size.IsPositive() {
		errs = append(errs, fmt.Sprintf("size must be a positive decimal: %q", intent.Size))
	}
	if lev, err := decimal.NewFromString(intent.Leverage); err != nil || !lev.IsPositive() {
		errs = append(errs, fmt.Sprintf("leverage must be a positive decimal: %q", intent.Leverage))
	}

	var limit decimal.Decimal
	hasLimit := false
	if intent.OrderType == "limit" {
		limit, err = decimal.NewFromString(intent.LimitPrice)
		if err != nil || !limit.IsPositive() {
			errs = append(errs, fmt.Sprintf("limit order requires a positive limit_price: %q", intent.LimitPrice))
		} else {
			hasLimit = true
		}
	} else if intent.LimitPrice != "" {
		if limit, err = decimal.NewFromString(intent.LimitPrice); err == nil && limit.IsPositive() {
			hasLimit = true
		}
	}

	// With a known entry price and both brackets set, the brackets must
	// straddle the entry strictly.
	if hasLimit && intent.StopLoss != "" && intent.TakeProfit != "" {
		sl, slErr := decimal.NewFromString(intent.StopLoss)
		tp, tpErr := decimal.NewFromString(intent.TakeProfit)
		switch {
		case slErr != nil:
			errs = append(errs, fmt.Sprintf("stop_loss is not a decimal: %q", intent.StopLoss))
		case tpErr != nil:
			errs = append(errs, fmt.Sprintf("take_profit is not a decimal: %q", intent.TakeProfit))
		case intent.PosSide == "long" && !(sl.LessThan(limit) && limit.LessThan(tp)):
			errs = append(errs, fmt.Sprintf(
				"long bracket must satisfy stop_loss < limit_price < take_profit (%s, %s, %s)",
				intent.StopLoss, intent.LimitPrice, intent.TakeProfit))
		case intent.PosSide == "short" && !(tp.LessThan(limit) && limit.LessThan(sl)):
			errs = append(errs, fmt.Sprintf(
				"short bracket must satisfy take_profit < limit_price < stop_loss (%s, %s, %s)",
				intent.TakeProfit, intent.LimitPrice, intent.StopLoss))
		}
	}

	return len(errs) == 0, errs
}
