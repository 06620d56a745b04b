// Package exchange normalizes OKX v5 REST and WebSocket access for the rest
// of the system. Return shapes are the data-model types; raw exchange payloads
// never leak past this package.
package exchange

import (
	"context"

	"opus-trader/models"
)

// OrderRequest is a normalized main-order request.
type OrderRequest struct {
	Instrument string
	MarginMode string // cross | isolated
	Side       string // buy | sell
	PosSide    string // long | short
	OrderType  string // market | limit
	Size       string
	Price      string // limit orders only
}

// AlgoOrderRequest is a normalized OCO TP/SL attachment.
type AlgoOrderRequest struct {
	Instrument      string
	MarginMode      string
	Side            string // side that closes the position
	PosSide         string
	Size            string
	StopLossPrice   string
	TakeProfitPrice string // optional
}

// Client is the exchange surface consumed by the trade and indicator services.
// Reads are idempotent and may be retried; writes are never retried.
type Client interface {
	// Trading (writes)
	PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderResult, error)
	PlaceAlgoOrder(ctx context.Context, req AlgoOrderRequest) (models.OrderResult, error)
	CancelOrder(ctx context.Context, instrument, orderID string) error
	ClosePosition(ctx context.Context, instrument, marginMode, posSide string) error
	SetLeverage(ctx context.Context, instrument, leverage, marginMode string) error

	// Account (reads)
	GetBalance(ctx context.Context) (models.AccountState, error)
	GetPositions(ctx context.Context) ([]models.Position, error)

	// Market data (reads)
	GetCandles(ctx context.Context, instrument, bar string, limit int) ([]models.Candle, error)
	GetTicker(ctx context.Context, instrument string) (models.Ticker, error)
	GetOrderbook(ctx context.Context, instrument string, depth int) (models.OrderBook, error)
	GetFundingRate(ctx context.Context, instrument string) (models.FundingRate, error)
	GetOpenInterest(ctx context.Context, instrument string) (float64, error)
	GetLongShortRatio(ctx context.Context, currency string) (float64, error)
	GetTakerVolume(ctx context.Context, currency string) (float64, float64, error)
}
