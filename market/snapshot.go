package market

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/bus"
	"opus-trader/exchange"
	"opus-trader/models"
)

// Anomaly thresholds, checked on every snapshot independently of publishing.
const (
	priceMoveAlertPct  = 0.03   // 3% move over the last hour
	fundingAlertRate   = 0.0005 // 0.05% funding
	oiHistoryRetention = 5 * time.Hour
	barsPerHour5m      = 12
)

type oiSample struct {
	at    time.Time
	value float64
}

// Builder assembles market snapshots from REST reads and the candle store.
// Every REST read already retries internally; a read that still fails leaves
// a neutral zero value so one bad feed never blocks the snapshot.
type Builder struct {
	client         exchange.Client
	store          *CandleStore
	timeframes     []string
	orderbookDepth int
	log            zerolog.Logger

	mu        sync.Mutex
	oiHistory map[string][]oiSample
}

// NewBuilder creates a snapshot builder over the exchange and the candle ring.
func NewBuilder(client exchange.Client, store *CandleStore, timeframes []string, orderbookDepth int, log zerolog.Logger) *Builder {
	return &Builder{
		client:         client,
		store:          store,
		timeframes:     timeframes,
		orderbookDepth: orderbookDepth,
		log:            log.With().Str("component", "snapshot").Logger(),
		oiHistory:      make(map[string][]oiSample),
	}
}

// Build produces one atomic snapshot for an instrument.
func (b *Builder) Build(ctx context.Context, instrument string) models.MarketSnapshot {
	now := time.Now().UTC()
	snap := models.MarketSnapshot{
		Instrument: instrument,
		Timestamp:  now,
		Timeframes: make(map[string]models.IndicatorSet, len(b.timeframes)),
	}

	ticker, err := b.client.GetTicker(ctx, instrument)
	if err != nil {
		b.log.Warn().Err(err).Str("instrument", instrument).Msg("ticker read failed, using neutral default")
	} else {
		snap.Ticker = ticker
		snap.PriceChange1h = b.priceChange1h(instrument, ticker.Last)
	}

	book, err := b.client.GetOrderbook(ctx, instrument, b.orderbookDepth)
	if err != nil {
		b.log.Warn().Err(err).Str("instrument", instrument).Msg("orderbook read failed, using neutral default")
	} else {
		snap.OrderBook = book
	}

	funding, err := b.client.GetFundingRate(ctx, instrument)
	if err != nil {
		b.log.Warn().Err(err).Str("instrument", instrument).Msg("funding read failed, using neutral default")
	} else {
		snap.Funding = funding
	}

	oi, err := b.client.GetOpenInterest(ctx, instrument)
	if err != nil {
		b.log.Warn().Err(err).Str("instrument", instrument).Msg("open interest read failed, using neutral default")
	} else {
		snap.OpenInterest = oi
		snap.OIChange4h = b.trackOI(instrument, now, oi)
	}

	currency := baseCurrency(instrument)
	if ratio, err := b.client.GetLongShortRatio(ctx, currency); err != nil {
		b.log.Warn().Err(err).Str("currency", currency).Msg("long/short ratio read failed, using neutral default")
	} else {
		snap.LongShortRatio = ratio
	}

	if buy, sell, err := b.client.GetTakerVolume(ctx, currency); err != nil {
		b.log.Warn().Err(err).Str("currency", currency).Msg("taker volume read failed, using neutral default")
	} else if sell > 0 {
		snap.TakerBuyRatio = buy / sell
	}

	for _, tf := range b.timeframes {
		candles := b.store.Recent(instrument, tf)
		if len(candles) == 0 {
			continue
		}
		snap.Timeframes[tf] = ComputeIndicators(NewMatrix(candles))
	}

	snap.Regime = ClassifyRegime(snap.Timeframes["4H"])
	return snap
}

// priceChange1h derives the move over the last hour from the candle rings.
// The exchange ticker carries no hourly open, so the reference price is the
// close of the 5m bar twelve bars back; while the 5m ring is still warming
// up the open of the latest 1H bar serves instead.
func (b *Builder) priceChange1h(instrument string, last float64) float64 {
	if last <= 0 {
		return 0
	}

	var ref float64
	if ring := b.store.Recent(instrument, "5m"); len(ring) >= barsPerHour5m {
		ref, _ = strconv.ParseFloat(ring[len(ring)-barsPerHour5m].Close, 64)
	}
	if ref <= 0 {
		if ring := b.store.Recent(instrument, "1H"); len(ring) > 0 {
			ref, _ = strconv.ParseFloat(ring[len(ring)-1].Open, 64)
		}
	}
	if ref <= 0 {
		return 0
	}
	return (last - ref) / ref
}

// trackOI records a sample and returns the relative change against the oldest
// sample at least 4 hours old, or zero while history is still warming up.
func (b *Builder) trackOI(instrument string, now time.Time, value float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	history := append(b.oiHistory[instrument], oiSample{at: now, value: value})
	cutoff := now.Add(-oiHistoryRetention)
	for len(history) > 0 && history[0].at.Before(cutoff) {
		history = history[1:]
	}
	b.oiHistory[instrument] = history

	// History is chronological; the newest sample at or before the 4h mark
	// is the comparison base.
	target := now.Add(-4 * time.Hour)
	var base *oiSample
	for i := range history {
		if history[i].at.After(target) {
			break
		}
		base = &history[i]
	}
	if base == nil || base.value == 0 {
		return 0
	}
	return (value - base.value) / base.value
}

// CheckAnomalies returns alert payloads for any trigger the snapshot crossed.
func CheckAnomalies(snap models.MarketSnapshot) []bus.MarketAlert {
	var alerts []bus.MarketAlert

	if math.Abs(snap.PriceChange1h) > priceMoveAlertPct {
		alerts = append(alerts, bus.MarketAlert{
			Instrument: snap.Instrument,
			Trigger:    "price_move",
			Value:      snap.PriceChange1h,
			Threshold:  priceMoveAlertPct,
			Detail:     fmt.Sprintf("1h price change %.2f%%", snap.PriceChange1h*100),
		})
	}

	if math.Abs(snap.Funding.Current) > fundingAlertRate {
		alerts = append(alerts, bus.MarketAlert{
			Instrument: snap.Instrument,
			Trigger:    "funding_extreme",
			Value:      snap.Funding.Current,
			Threshold:  fundingAlertRate,
			Detail:     fmt.Sprintf("funding rate %.4f%%", snap.Funding.Current*100),
		})
	}

	return alerts
}

// baseCurrency extracts the currency from an instrument id like BTC-USDT-SWAP.
func baseCurrency(instrument string) string {
	if i := strings.Index(instrument, "-"); i > 0 {
		return instrument[:i]
	}
	return instrument
}
