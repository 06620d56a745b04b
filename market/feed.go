package market

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/exchange"
	"opus-trader/models"
)

// Feed routes the public WebSocket candle channels into the candle store.
// One subscription exists per (instrument, timeframe); the socket replays
// them after every reconnect.
type Feed struct {
	ws          *exchange.WS
	store       *CandleStore
	instruments []string
	timeframes  []string
	log         zerolog.Logger
}

// NewFeed wires the public socket to the candle store.
func NewFeed(ws *exchange.WS, store *CandleStore, instruments, timeframes []string, log zerolog.Logger) *Feed {
	return &Feed{
		ws:          ws,
		store:       store,
		instruments: instruments,
		timeframes:  timeframes,
		log:         log.With().Str("component", "feed").Logger(),
	}
}

// Start registers handlers and records subscriptions. The socket itself is
// driven by Run.
func (f *Feed) Start() error {
	f.ws.On("candle", f.onCandle)

	args := make([]exchange.ChannelArg, 0, len(f.instruments)*len(f.timeframes))
	for _, inst := range f.instruments {
		for _, tf := range f.timeframes {
			args = append(args, exchange.ChannelArg{Channel: "candle" + tf, InstID: inst})
		}
	}
	return f.ws.Subscribe(args...)
}

// Run drives the socket until ctx is cancelled, reconnecting as needed.
func (f *Feed) Run(ctx context.Context) {
	f.ws.Run(ctx)
}

// onCandle parses candle rows and appends confirmed bars to the ring.
// Row layout: [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func (f *Feed) onCandle(arg exchange.ChannelArg, data json.RawMessage) {
	timeframe := strings.TrimPrefix(arg.Channel, "candle")

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		f.log.Warn().Err(err).Str("channel", arg.Channel).Msg("bad candle frame")
		return
	}

	for _, row := range rows {
		if len(row) < 9 {
			continue
		}
		// Unconfirmed bars update in place every tick; only closed bars
		// belong in the history ring.
		if row[8] != "1" {
			continue
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			f.log.Warn().Str("ts", row[0]).Msg("bad candle timestamp")
			continue
		}
		f.store.Append(context.Background(), models.Candle{
			Timestamp:  time.UnixMilli(ms).UTC(),
			Instrument: arg.InstID,
			Timeframe:  timeframe,
			Open:       row[1],
			High:       row[2],
			Low:        row[3],
			Close:      row[4],
			Volume:     row[5],
		})
	}
}
