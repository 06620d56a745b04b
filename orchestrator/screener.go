package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"opus-trader/llm"
	"opus-trader/models"
)

const screenerSystem = "You are a fast pre-trade screener for a crypto derivatives desk. " +
	"Given a market snapshot, decide whether the setup deserves a full analysis pass. " +
	"Respond with JSON only: {\"signal\": true|false, \"reason\": \"...\"}."

// ScreenResult is the verdict of one screening pass. LogID points at the
// audit row so analyzer agreement can be back-filled later.
type ScreenResult struct {
	Signal bool
	Reason string
	LogID  uint
}

// Window of recent verdicts sampled for the pass-rate floor, and the
// minimum sample before the floor applies.
const (
	screenWindowSize = 50
	screenWindowMin  = 20
)

// Screener is the cheap pre-analysis filter. It fails open: any adapter
// error or malformed response passes the instrument through to analysis,
// and so does a rejection once the rolling pass rate drops below the
// configured floor. The floor catches a model that has collapsed into
// rejecting everything.
type Screener struct {
	client      Completer
	logs        ScreenerLogStore
	minPassRate float64
	log         zerolog.Logger

	mu     sync.Mutex
	recent []bool
}

// NewScreener creates the screening adapter. A zero minPassRate disables
// the pass-rate floor.
func NewScreener(client Completer, logs ScreenerLogStore, minPassRate float64, log zerolog.Logger) *Screener {
	return &Screener{
		client:      client,
		logs:        logs,
		minPassRate: minPassRate,
		log:         log.With().Str("component", "screener").Logger(),
	}
}

// Screen asks the model whether the snapshot deserves full analysis.
func (s *Screener) Screen(ctx context.Context, snap models.MarketSnapshot) ScreenResult {
	result := s.call(ctx, snap)

	// The rolling window tracks the model's raw verdicts; overrides below
	// do not inflate the rate.
	rate, sampled := s.recordVerdict(result.Signal)
	if !result.Signal && s.minPassRate > 0 && sampled && rate < s.minPassRate {
		s.log.Warn().
			Str("instrument", snap.Instrument).
			Float64("pass_rate", rate).
			Float64("floor", s.minPassRate).
			Msg("screener pass rate below floor, failing open")
		result = ScreenResult{
			Signal: true,
			Reason: fmt.Sprintf("screener pass rate %.2f below floor %.2f", rate, s.minPassRate),
		}
	}

	if s.logs != nil {
		id, err := s.logs.Log(ctx, snap.Instrument, result.Signal, result.Reason)
		if err != nil {
			s.log.Warn().Err(err).Msg("screen log failed")
		} else {
			result.LogID = id
		}
	}

	s.log.Info().
		Str("instrument", snap.Instrument).
		Bool("signal", result.Signal).
		Str("reason", result.Reason).
		Msg("screen complete")
	return result
}

// recordVerdict appends one raw verdict and returns the pass rate over the
// window, or false while the sample is still too small to judge.
func (s *Screener) recordVerdict(signal bool) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent = append(s.recent, signal)
	if len(s.recent) > screenWindowSize {
		s.recent = s.recent[len(s.recent)-screenWindowSize:]
	}
	if len(s.recent) < screenWindowMin {
		return 0, false
	}

	passes := 0
	for _, v := range s.recent {
		if v {
			passes++
		}
	}
	return float64(passes) / float64(len(s.recent)), true
}

func (s *Screener) call(ctx context.Context, snap models.MarketSnapshot) ScreenResult {
	prompt, err := buildScreenerPrompt(snap)
	if err != nil {
		return ScreenResult{Signal: true, Reason: "screener prompt error: " + err.Error()}
	}

	text, err := s.client.Complete(ctx, screenerSystem, prompt)
	if err != nil {
		s.log.Warn().Err(err).Str("instrument", snap.Instrument).Msg("screener call failed, failing open")
		return ScreenResult{Signal: true, Reason: "screener error: " + err.Error()}
	}

	raw, err := llm.ExtractJSON(text)
	if err != nil {
		s.log.Warn().Err(err).Msg("screener returned no JSON, failing open")
		return ScreenResult{Signal: true, Reason: "screener returned malformed response"}
	}

	var verdict struct {
		Signal bool   `json:"signal"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		s.log.Warn().Err(err).Msg("screener JSON unparsable, failing open")
		return ScreenResult{Signal: true, Reason: "screener returned malformed JSON"}
	}
	return ScreenResult{Signal: verdict.Signal, Reason: verdict.Reason}
}

func buildScreenerPrompt(snap models.MarketSnapshot) (string, error) {
	compact := map[string]interface{}{
		"instrument":       snap.Instrument,
		"price":            snap.Ticker.Last,
		"regime":           snap.Regime,
		"price_change_1h":  snap.PriceChange1h,
		"funding_rate":     snap.Funding.Current,
		"long_short_ratio": snap.LongShortRatio,
		"taker_buy_ratio":  snap.TakerBuyRatio,
		"oi_change_4h":     snap.OIChange4h,
	}
	if set, ok := snap.Timeframes["1H"]; ok {
		compact["indicators_1h"] = set
	}

	data, err := json.Marshal(compact)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("<snapshot>\n%s\n</snapshot>\n\nIs this worth a full analysis pass right now?", data), nil
}
