// Package market is the indicator service: it maintains bounded candle
// history per (instrument, timeframe), computes indicator sets on a fixed
// cadence, classifies the 4H regime and publishes market snapshots and
// anomaly alerts on the bus.
package market

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"opus-trader/models"
)

// CandlePersister is the durable side of the candle store.
type CandlePersister interface {
	Upsert(ctx context.Context, c models.Candle) error
	BulkInsert(ctx context.Context, candles []models.Candle) error
}

type ringKey struct {
	instrument string
	timeframe  string
}

// CandleStore keeps the last N candles per (instrument, timeframe) in memory
// and mirrors every append to the durable store. Appends at the back evict
// from the front once the ring is full.
type CandleStore struct {
	limit     int
	persister CandlePersister // nil disables persistence (tests)
	log       zerolog.Logger

	mu    sync.RWMutex
	rings map[ringKey][]models.Candle
}

// NewCandleStore creates a store with the given ring capacity.
func NewCandleStore(limit int, persister CandlePersister, log zerolog.Logger) *CandleStore {
	return &CandleStore{
		limit:     limit,
		persister: persister,
		log:       log.With().Str("component", "candle_store").Logger(),
		rings:     make(map[ringKey][]models.Candle),
	}
}

// Append adds one candle at the back of its ring and upserts it durably.
// A persistence failure only logs; the in-memory ring stays authoritative
// for snapshot building.
func (s *CandleStore) Append(ctx context.Context, c models.Candle) {
	key := ringKey{c.Instrument, c.Timeframe}

	s.mu.Lock()
	ring := s.rings[key]
	if len(ring) > 0 && ring[len(ring)-1].Timestamp.Equal(c.Timestamp) {
		ring[len(ring)-1] = c // same bucket updated in place
	} else {
		ring = append(ring, c)
		if len(ring) > s.limit {
			ring = ring[len(ring)-s.limit:]
		}
	}
	s.rings[key] = ring
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Upsert(ctx, c); err != nil {
			s.log.Warn().Err(err).
				Str("instrument", c.Instrument).
				Str("timeframe", c.Timeframe).
				Msg("candle persist failed")
		}
	}
}

// Backfill bulk-loads historical candles, oldest first, filling the ring and
// the durable store. Conflicting rows already stored are left untouched.
func (s *CandleStore) Backfill(ctx context.Context, instrument, timeframe string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	if s.persister != nil {
		if err := s.persister.BulkInsert(ctx, candles); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := ringKey{instrument, timeframe}
	ring := candles
	if len(ring) > s.limit {
		ring = ring[len(ring)-s.limit:]
	}
	s.rings[key] = append([]models.Candle(nil), ring...)
	return nil
}

// Recent returns a copy of the ring, oldest first.
func (s *CandleStore) Recent(instrument, timeframe string) []models.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[ringKey{instrument, timeframe}]
	out := make([]models.Candle, len(ring))
	copy(out, ring)
	return out
}

// Len reports the current ring size.
func (s *CandleStore) Len(instrument, timeframe string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rings[ringKey{instrument, timeframe}])
}
