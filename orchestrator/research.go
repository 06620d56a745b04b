package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/models"
)

const (
	researchCacheTTL    = time.Hour
	researchTimeout     = 30 * time.Second
	researchMaxAttempts = 3
	researchMaxBackoff  = 10 * time.Second
)

const researchSystem = "You are a market research assistant for a crypto derivatives desk. " +
	"Summarize current news, flows and positioning relevant to the question. " +
	"Be factual and concise; cite what moved and why."

// Researcher calls the research provider with an exact-query cache in front.
// Research is advisory: a total failure returns empty context and the cycle
// proceeds without it.
type Researcher struct {
	client Completer
	cache  ResearchStore
	log    zerolog.Logger
	sleep  func(context.Context, time.Duration) bool
}

// NewResearcher creates the research adapter.
func NewResearcher(client Completer, cache ResearchStore, log zerolog.Logger) *Researcher {
	return &Researcher{
		client: client,
		cache:  cache,
		log:    log.With().Str("component", "research").Logger(),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Research answers one query, preferring the cache. Remote calls retry up to
// three times with exponential backoff between one and ten seconds.
func (r *Researcher) Research(ctx context.Context, query string) string {
	if r.cache != nil {
		if cached, err := r.cache.GetCached(ctx, query, researchCacheTTL); err != nil {
			r.log.Warn().Err(err).Msg("research cache read failed")
		} else if cached != "" {
			r.log.Debug().Str("query", query).Msg("research cache hit")
			return cached
		}
	}

	var lastErr error
	for attempt := 0; attempt < researchMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > researchMaxBackoff {
				backoff = researchMaxBackoff
			}
			if !r.sleep(ctx, backoff) {
				return ""
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, researchTimeout)
		text, err := r.client.Complete(callCtx, researchSystem, query)
		cancel()
		if err != nil {
			lastErr = err
			r.log.Warn().Err(err).Int("attempt", attempt+1).Msg("research call failed")
			continue
		}

		if r.cache != nil {
			if _, err := r.cache.Save(ctx, query, text); err != nil {
				r.log.Warn().Err(err).Msg("research cache write failed")
			}
		}
		return text
	}

	r.log.Error().Err(lastErr).Str("query", query).Msg("research exhausted retries")
	return ""
}

// BuildResearchQuery phrases the query from the snapshot triggers so that
// identical market conditions hit the cache.
func BuildResearchQuery(snap models.MarketSnapshot, newsWindow bool) string {
	var triggers []string
	if newsWindow {
		triggers = append(triggers, "a high-impact economic release is imminent")
	}
	if snap.PriceChange1h > 0.03 {
		triggers = append(triggers, "price spiked over 3% in the last hour")
	}
	if snap.PriceChange1h < -0.03 {
		triggers = append(triggers, "price dropped over 3% in the last hour")
	}
	if snap.Funding.Current > 0.0005 || snap.Funding.Current < -0.0005 {
		triggers = append(triggers, "funding rate is at an extreme")
	}
	if snap.OIChange4h > 0.10 || snap.OIChange4h < -0.10 {
		triggers = append(triggers, "open interest moved over 10% in 4 hours")
	}

	return fmt.Sprintf("What is driving %s right now? Context: %s.",
		snap.Instrument, strings.Join(triggers, "; "))
}
