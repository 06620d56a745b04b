package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"opus-trader/llm"
	"opus-trader/models"
)

const analyzerSystem = "You are the head trader of an autonomous crypto derivatives desk. " +
	"You receive structured market context inside XML tags and must output a single trade decision. " +
	"Respond with JSON only: {\"action\": \"OPEN_LONG|OPEN_SHORT|CLOSE|ADD|REDUCE|HOLD\", " +
	"\"size_pct\": 0.0-1.0, \"entry_price\": number, \"stop_loss\": number, \"take_profit\": number, " +
	"\"leverage\": number, \"strategy\": \"...\", \"confidence\": 0.0-1.0, \"reasoning\": \"...\"}. " +
	"When in doubt, HOLD."

// AnalysisInput is everything the analyzer sees for one decision.
type AnalysisInput struct {
	Snapshot     models.MarketSnapshot
	Positions    []models.Position
	Account      models.AccountState
	Research     string
	Playbook     *models.Playbook
	RecentTrades []models.TradeRecord
}

// Analyzer turns a market context into an OpusDecision. It defaults to HOLD
// on timeout, transport error or unparsable output; a missing decision must
// never block the cycle.
type Analyzer struct {
	client  Completer
	timeout time.Duration
	log     zerolog.Logger
}

// NewAnalyzer creates the analysis adapter with its hard timeout.
func NewAnalyzer(client Completer, timeout time.Duration, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		client:  client,
		timeout: timeout,
		log:     log.With().Str("component", "analyzer").Logger(),
	}
}

// Analyze runs one decision. The returned decision always carries a fresh
// decision id, the instrument and a timestamp.
func (a *Analyzer) Analyze(ctx context.Context, in AnalysisInput) models.OpusDecision {
	decision := models.OpusDecision{
		DecisionID: uuid.NewString(),
		Instrument: in.Snapshot.Instrument,
		Action:     models.ActionHold,
		Timestamp:  time.Now().UTC(),
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt, err := buildAnalysisPrompt(in)
	if err != nil {
		decision.Reasoning = "prompt build failed: " + err.Error()
		return decision
	}

	text, err := a.client.Complete(callCtx, analyzerSystem, prompt)
	if err != nil {
		a.log.Warn().Err(err).Str("instrument", in.Snapshot.Instrument).Msg("analysis failed, defaulting to HOLD")
		decision.Reasoning = "analysis unavailable: " + err.Error()
		return decision
	}

	raw, err := llm.ExtractJSON(text)
	if err != nil {
		a.log.Warn().Err(err).Msg("analysis returned no JSON, defaulting to HOLD")
		decision.Reasoning = "analysis returned malformed response"
		return decision
	}

	var parsed struct {
		Action     string  `json:"action"`
		SizePct    float64 `json:"size_pct"`
		EntryPrice float64 `json:"entry_price"`
		StopLoss   float64 `json:"stop_loss"`
		TakeProfit float64 `json:"take_profit"`
		Leverage   float64 `json:"leverage"`
		Strategy   string  `json:"strategy"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		a.log.Warn().Err(err).Msg("analysis JSON unparsable, defaulting to HOLD")
		decision.Reasoning = "analysis returned malformed JSON"
		return decision
	}

	action := models.IntentAction(strings.ToUpper(strings.TrimSpace(parsed.Action)))
	switch action {
	case models.ActionOpenLong, models.ActionOpenShort, models.ActionClose,
		models.ActionAdd, models.ActionReduce, models.ActionHold:
	default:
		a.log.Warn().Str("action", parsed.Action).Msg("unknown action, defaulting to HOLD")
		decision.Reasoning = fmt.Sprintf("unknown action %q", parsed.Action)
		return decision
	}

	decision.Action = action
	decision.SizePct = parsed.SizePct
	decision.EntryPrice = parsed.EntryPrice
	decision.StopLoss = parsed.StopLoss
	decision.TakeProfit = parsed.TakeProfit
	decision.Leverage = parsed.Leverage
	decision.Strategy = parsed.Strategy
	decision.Confidence = parsed.Confidence
	decision.Reasoning = parsed.Reasoning
	return decision
}

// buildAnalysisPrompt lays the context out in XML-tagged sections.
func buildAnalysisPrompt(in AnalysisInput) (string, error) {
	var b strings.Builder

	if err := writeSection(&b, "market_snapshot", in.Snapshot); err != nil {
		return "", err
	}
	if err := writeSection(&b, "open_positions", in.Positions); err != nil {
		return "", err
	}
	if err := writeSection(&b, "account", in.Account); err != nil {
		return "", err
	}
	if in.Research != "" {
		b.WriteString("<research>\n")
		b.WriteString(in.Research)
		b.WriteString("\n</research>\n\n")
	}
	if in.Playbook != nil {
		if err := writeSection(&b, "playbook", in.Playbook); err != nil {
			return "", err
		}
	}
	if len(in.RecentTrades) > 0 {
		if err := writeSection(&b, "recent_trades", in.RecentTrades); err != nil {
			return "", err
		}
	}

	b.WriteString("Decide the single best action for ")
	b.WriteString(in.Snapshot.Instrument)
	b.WriteString(" right now. Respect the playbook's regime rules and lessons.")
	return b.String(), nil
}

func writeSection(b *strings.Builder, tag string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", tag, err)
	}
	fmt.Fprintf(b, "<%s>\n%s\n</%s>\n\n", tag, data, tag)
	return nil
}
