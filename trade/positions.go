package trade

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/bus"
	"opus-trader/models"
)

// wsPosition is one entry of the private positions channel.
type wsPosition struct {
	InstID      string `json:"instId"`
	PosSide     string `json:"posSide"`
	Pos         string `json:"pos"`
	AvgPx       string `json:"avgPx"`
	Upl         string `json:"upl"`
	UplRatio    string `json:"uplRatio"`
	Lever       string `json:"lever"`
	LiqPx       string `json:"liqPx"`
	Margin      string `json:"margin"`
	MgnRatio    string `json:"mgnRatio"`
	RealizedPnl string `json:"realizedPnl"`
	Last        string `json:"last"`
	UTime       string `json:"uTime"`
}

// IsPositionClosed reports whether a raw position size means the position is
// gone. The exchange sends "0" or an empty string for a closed position.
func IsPositionClosed(pos string) bool {
	return pos == "" || pos == "0"
}

type posKey struct {
	instrument string
	posSide    string
}

// PositionManager mirrors exchange positions keyed by (instrument, posSide)
// and republishes every change on trade:positions. A size-zero update removes
// the entry and publishes a closed event carrying the realized PnL.
type PositionManager struct {
	stream bus.Stream
	log    zerolog.Logger

	mu        sync.RWMutex
	positions map[posKey]models.Position
}

// NewPositionManager creates an empty mirror.
func NewPositionManager(stream bus.Stream, log zerolog.Logger) *PositionManager {
	return &PositionManager{
		stream:    stream,
		log:       log.With().Str("component", "positions").Logger(),
		positions: make(map[posKey]models.Position),
	}
}

// Update applies one positions-channel frame. Malformed frames are dropped
// with a warning.
func (p *PositionManager) Update(ctx context.Context, data json.RawMessage) {
	var raw []wsPosition
	if err := json.Unmarshal(data, &raw); err != nil {
		p.log.Warn().Err(err).Msg("bad positions frame")
		return
	}

	for _, wp := range raw {
		if wp.InstID == "" || wp.PosSide == "" {
			continue
		}
		key := posKey{wp.InstID, wp.PosSide}

		if IsPositionClosed(wp.Pos) {
			p.mu.Lock()
			_, existed := p.positions[key]
			delete(p.positions, key)
			p.mu.Unlock()

			if existed {
				pnl, _ := strconv.ParseFloat(wp.RealizedPnl, 64)
				p.publish(ctx, bus.PositionEvent{
					Instrument: wp.InstID,
					PosSide:    wp.PosSide,
					Closed:     true,
					PnLUSD:     pnl,
					ExitPrice:  wp.Last,
				})
				p.log.Info().
					Str("instrument", wp.InstID).
					Str("pos_side", wp.PosSide).
					Float64("pnl_usd", pnl).
					Str("exit_price", wp.Last).
					Msg("position closed")
			}
			continue
		}

		pos := wp.toModel()
		p.mu.Lock()
		p.positions[key] = pos
		p.mu.Unlock()

		p.publish(ctx, bus.PositionEvent{
			Instrument: wp.InstID,
			PosSide:    wp.PosSide,
			Position:   &pos,
		})
	}
}

func (p *PositionManager) publish(ctx context.Context, event bus.PositionEvent) {
	msg, err := bus.NewMessage(bus.SourceTradeServer, bus.TypePositionUpdate, event)
	if err != nil {
		p.log.Error().Err(err).Msg("position event encode failed")
		return
	}
	if _, err := p.stream.Publish(ctx, bus.StreamTradePositions, msg); err != nil {
		p.log.Error().Err(err).Str("instrument", event.Instrument).Msg("position event publish failed")
	}
}

// Get returns one mirrored position.
func (p *PositionManager) Get(instrument, posSide string) (models.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[posKey{instrument, posSide}]
	return pos, ok
}

// GetAll returns every open position.
func (p *PositionManager) GetAll() []models.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]models.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out
}

func (wp wsPosition) toModel() models.Position {
	updated := time.Now().UTC()
	if ms, err := strconv.ParseInt(wp.UTime, 10, 64); err == nil {
		updated = time.UnixMilli(ms).UTC()
	}
	return models.Position{
		Instrument:  wp.InstID,
		PosSide:     wp.PosSide,
		Size:        wp.Pos,
		AvgEntry:    wp.AvgPx,
		UnrealPnL:   wp.Upl,
		PnLRatio:    wp.UplRatio,
		Leverage:    wp.Lever,
		LiqPrice:    wp.LiqPx,
		Margin:      wp.Margin,
		MarginRatio: wp.MgnRatio,
		UpdatedAt:   updated,
	}
}
