package models

import (
	"time"
)

// Regime classifies the 4H market condition.
type Regime string

const (
	RegimeTrendingUp   Regime = "trending_up"
	RegimeTrendingDown Regime = "trending_down"
	RegimeRanging      Regime = "ranging"
	RegimeVolatile     Regime = "volatile"
)

// Candle is one OHLCV bar at an aligned time bucket.
// Prices and volume are decimal strings to preserve exchange precision.
type Candle struct {
	Timestamp  time.Time `json:"timestamp"`
	Instrument string    `json:"instrument"`
	Timeframe  string    `json:"timeframe"`
	Open       string    `json:"open"`
	High       string    `json:"high"`
	Low        string    `json:"low"`
	Close      string    `json:"close"`
	Volume     string    `json:"volume"`
}

// MACD holds the MACD line, signal line and histogram.
type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Bollinger holds the 20-period, 2-sigma bands.
type Bollinger struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
}

// StochRSI holds the stochastic RSI K and D lines.
type StochRSI struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// Ichimoku holds the Ichimoku cloud lines.
type Ichimoku struct {
	Tenkan  float64 `json:"tenkan"`
	Kijun   float64 `json:"kijun"`
	SenkouA float64 `json:"senkou_a"`
	SenkouB float64 `json:"senkou_b"`
}

// IndicatorSet is the derived view of one (instrument, timeframe) window.
// Any field may be nil when the input window was too short for it.
type IndicatorSet struct {
	RSI          *float64   `json:"rsi,omitempty"`
	MACD         *MACD      `json:"macd,omitempty"`
	Bollinger    *Bollinger `json:"bollinger,omitempty"`
	EMA20        *float64   `json:"ema_20,omitempty"`
	EMA50        *float64   `json:"ema_50,omitempty"`
	EMA200       *float64   `json:"ema_200,omitempty"`
	ATR          *float64   `json:"atr,omitempty"`
	ATRAvg20     *float64   `json:"atr_avg_20,omitempty"`
	VWAP         *float64   `json:"vwap,omitempty"`
	ADX          *float64   `json:"adx,omitempty"`
	StochRSI     *StochRSI  `json:"stoch_rsi,omitempty"`
	OBV          *float64   `json:"obv,omitempty"`
	Ichimoku     *Ichimoku  `json:"ichimoku,omitempty"`
	Support      *float64   `json:"support,omitempty"`
	Resistance   *float64   `json:"resistance,omitempty"`
	VolumeRatio  *float64   `json:"volume_ratio,omitempty"`
	EMA20Slope   *float64   `json:"ema_20_slope,omitempty"`
	BBPosition   string     `json:"bb_position,omitempty"`   // above_upper, upper_half, lower_half, below_lower
	EMAAlignment string     `json:"ema_alignment,omitempty"` // bullish, bearish, mixed
	MACDSignal   string     `json:"macd_signal,omitempty"`   // bullish, bearish, neutral
}

// Ticker is the normalized exchange ticker.
type Ticker struct {
	Instrument string  `json:"instrument"`
	Last       float64 `json:"last"`
	BidPrice   float64 `json:"bid_price"`
	AskPrice   float64 `json:"ask_price"`
	High24h    float64 `json:"high_24h"`
	Low24h     float64 `json:"low_24h"`
	Volume24h  float64 `json:"volume_24h"`
}

// OrderBookLevel is one price level of the book.
type OrderBookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is the top-N view of the book.
type OrderBook struct {
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Spread    float64          `json:"spread"`
	BidDepth  float64          `json:"bid_depth"`
	AskDepth  float64          `json:"ask_depth"`
	Timestamp time.Time        `json:"timestamp"`
}

// FundingRate is the current and next funding rate of a swap.
type FundingRate struct {
	Current  float64   `json:"current"`
	Next     float64   `json:"next"`
	NextTime time.Time `json:"next_time"`
}

// MarketSnapshot is an atomic, self-contained view of one instrument.
// Produced by the indicator service; never mutated after publish.
type MarketSnapshot struct {
	Instrument     string                  `json:"instrument"`
	Timestamp      time.Time               `json:"timestamp"`
	Ticker         Ticker                  `json:"ticker"`
	Timeframes     map[string]IndicatorSet `json:"timeframes"`
	OrderBook      OrderBook               `json:"order_book"`
	Funding        FundingRate             `json:"funding"`
	OpenInterest   float64                 `json:"open_interest"`
	LongShortRatio float64                 `json:"long_short_ratio"`
	TakerBuyRatio  float64                 `json:"taker_buy_ratio"`
	Regime         Regime                  `json:"regime"`
	PriceChange1h  float64                 `json:"price_change_1h"`
	OIChange4h     float64                 `json:"oi_change_4h"`
}

// IntentAction enumerates what the orchestrator may ask the trade service to do.
type IntentAction string

const (
	ActionOpenLong  IntentAction = "OPEN_LONG"
	ActionOpenShort IntentAction = "OPEN_SHORT"
	ActionClose     IntentAction = "CLOSE"
	ActionAdd       IntentAction = "ADD"
	ActionReduce    IntentAction = "REDUCE"
	ActionHold      IntentAction = "HOLD"
)

// OrderIntent is the orchestrator's request to trade. Sizes and prices that
// cross the exchange boundary are decimal strings.
type OrderIntent struct {
	DecisionID string       `json:"decision_id"`
	Action     IntentAction `json:"action"`
	Instrument string       `json:"instrument"`
	Side       string       `json:"side"`     // buy | sell
	PosSide    string       `json:"pos_side"` // long | short
	OrderType  string       `json:"order_type"`
	Size       string       `json:"size"`
	LimitPrice string       `json:"limit_price,omitempty"`
	StopLoss   string       `json:"stop_loss,omitempty"`
	TakeProfit string       `json:"take_profit,omitempty"`
	Leverage   string       `json:"leverage"`
	Strategy   string       `json:"strategy,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`
	Reasoning  string       `json:"reasoning,omitempty"`
}

// OrderResult is the exchange acknowledgement for one intent.
type OrderResult struct {
	Success      bool      `json:"success"`
	OrderID      string    `json:"order_id,omitempty"`
	AlgoID       string    `json:"algo_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	FillPrice    string    `json:"fill_price,omitempty"`
	FillSize     string    `json:"fill_size,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Position mirrors exchange state for one (instrument, posSide).
type Position struct {
	Instrument  string    `json:"instrument"`
	PosSide     string    `json:"pos_side"`
	Size        string    `json:"size"`
	AvgEntry    string    `json:"avg_entry"`
	UnrealPnL   string    `json:"unreal_pnl"`
	PnLRatio    string    `json:"pnl_ratio"`
	Leverage    string    `json:"leverage"`
	LiqPrice    string    `json:"liq_price"`
	Margin      string    `json:"margin"`
	MarginRatio string    `json:"margin_ratio"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccountState is the cached view of the trading account.
type AccountState struct {
	Equity       float64   `json:"equity"`
	Available    float64   `json:"available"`
	TotalPnL     float64   `json:"total_pnl"`
	DailyPnL     float64   `json:"daily_pnl"`
	MaxDrawdown  float64   `json:"max_drawdown"`
	Timestamp    time.Time `json:"timestamp"`
}

// TradeStatus is the lifecycle state of a journaled trade.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "open"
	TradeClosed    TradeStatus = "closed"
	TradeCancelled TradeStatus = "cancelled"
)

// TradeRecord is one row of the orchestrator's journal, covering a full
// open-to-close lifecycle.
type TradeRecord struct {
	TradeID           string                  `json:"trade_id"`
	DecisionID        string                  `json:"decision_id"`
	Instrument        string                  `json:"instrument"`
	Direction         string                  `json:"direction"` // LONG | SHORT
	OpenedAt          time.Time               `json:"opened_at"`
	ClosedAt          *time.Time              `json:"closed_at,omitempty"`
	EntryPrice        string                  `json:"entry_price"`
	ExitPrice         string                  `json:"exit_price,omitempty"`
	StopLoss          string                  `json:"stop_loss,omitempty"`
	TakeProfit        string                  `json:"take_profit,omitempty"`
	Size              string                  `json:"size"`
	SizePct           float64                 `json:"size_pct"`
	Leverage          string                  `json:"leverage"`
	PnL               float64                 `json:"pnl"`
	Fees              float64                 `json:"fees"`
	StrategyUsed      string                  `json:"strategy_used"`
	ConfidenceAtEntry float64                 `json:"confidence_at_entry"`
	MarketRegime      Regime                  `json:"market_regime"`
	Reasoning         string                  `json:"reasoning"`
	EntryIndicators   map[string]IndicatorSet `json:"entry_indicators,omitempty"`
	ExitIndicators    map[string]IndicatorSet `json:"exit_indicators,omitempty"`
	ResearchContext   string                  `json:"research_context,omitempty"`
	SelfReview        string                  `json:"self_review,omitempty"`
	ExitReason        string                  `json:"exit_reason,omitempty"`
	Status            TradeStatus             `json:"status"`
	OrderID           string                  `json:"order_id,omitempty"`
	AlgoID            string                  `json:"algo_id,omitempty"`
}

// OpusDecision is the parsed output of the analysis adapter.
type OpusDecision struct {
	DecisionID string       `json:"decision_id"`
	Instrument string       `json:"instrument"`
	Action     IntentAction `json:"action"`
	SizePct    float64      `json:"size_pct"`
	EntryPrice float64      `json:"entry_price"`
	StopLoss   float64      `json:"stop_loss"`
	TakeProfit float64      `json:"take_profit"`
	Leverage   float64      `json:"leverage"`
	Strategy   string       `json:"strategy"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
	Timestamp  time.Time    `json:"timestamp"`
}

// PlaybookRegimeRule biases strategy choice in one regime.
type PlaybookRegimeRule struct {
	Preferred          []string `json:"preferred"`
	Avoid              []string `json:"avoid"`
	MaxPositionPct     float64  `json:"max_position_pct"`
	PreferredTimeframe string   `json:"preferred_timeframe"`
}

// PlaybookStrategy is one named strategy definition.
type PlaybookStrategy struct {
	Entry     string  `json:"entry"`
	Exit      string  `json:"exit"`
	Filters   string  `json:"filters"`
	WinRate   float64 `json:"historical_winrate"`
	AvgRR     float64 `json:"avg_rr"`
}

// Playbook is the versioned policy document produced by deep reflection.
// Versions are immutable once written.
type Playbook struct {
	Version        int                           `json:"version"`
	RegimeRules    map[string]PlaybookRegimeRule `json:"regime_rules"`
	Strategies     map[string]PlaybookStrategy   `json:"strategies"`
	Lessons        []string                      `json:"lessons"`
	Calibration    map[string]float64            `json:"confidence_calibration"`
	AvoidHoursUTC  []int                         `json:"avoid_hours_utc"`
	PreferHoursUTC []int                         `json:"prefer_hours_utc"`
	UpdatedAt      time.Time                     `json:"updated_at"`
}

// BreakdownEntry is a per-strategy or per-regime performance slice.
type BreakdownEntry struct {
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	PnL     float64 `json:"pnl"`
}

// PerformanceSummary aggregates closed trades for reflection.
type PerformanceSummary struct {
	Total        int                       `json:"total"`
	Wins         int                       `json:"wins"`
	WinRate      float64                   `json:"win_rate"`
	ProfitFactor float64                   `json:"profit_factor"`
	Sharpe       float64                   `json:"sharpe"`
	TotalPnL     float64                   `json:"total_pnl"`
	AvgWin       float64                   `json:"avg_win"`
	AvgLoss      float64                   `json:"avg_loss"`
	ByStrategy   map[string]BreakdownEntry `json:"by_strategy"`
	ByRegime     map[string]BreakdownEntry `json:"by_regime"`
}
