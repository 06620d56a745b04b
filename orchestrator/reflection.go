package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"opus-trader/bus"
	"opus-trader/llm"
	"opus-trader/models"
)

const postTradeSystem = "You review one closed trade of an autonomous crypto desk. " +
	"Compare the entry thesis against the outcome and the indicator state at entry and exit. " +
	"Respond with JSON only: {\"verdict\": \"good_process|bad_process|lucky|unlucky\", " +
	"\"lesson\": \"...\", \"review\": \"...\"}."

const deepReflectSystem = "You are the risk and strategy committee of an autonomous crypto desk. " +
	"Given performance statistics and the current playbook, produce an improved playbook. " +
	"Respond with JSON only: {\"playbook\": {\"regime_rules\": {...}, \"strategies\": {...}, " +
	"\"lessons\": [...], \"confidence_calibration\": {...}, \"avoid_hours_utc\": [...], " +
	"\"prefer_hours_utc\": [...]}, \"insights\": [...], \"biases\": [...], " +
	"\"discipline_score\": 0-100, \"summary\": \"...\"}."

// Summarize aggregates closed trades into the reflection statistics. Profit
// factor is +Inf when there are no losses; Sharpe uses the sample standard
// deviation of per-trade PnL.
func Summarize(trades []models.TradeRecord) models.PerformanceSummary {
	summary := models.PerformanceSummary{
		ByStrategy: make(map[string]models.BreakdownEntry),
		ByRegime:   make(map[string]models.BreakdownEntry),
	}
	if len(trades) == 0 {
		return summary
	}

	pnls := make([]float64, 0, len(trades))
	var grossWin, grossLoss float64
	var winSum, lossSum float64
	var losses int

	for _, t := range trades {
		summary.Total++
		summary.TotalPnL += t.PnL
		pnls = append(pnls, t.PnL)

		if t.PnL >= 0 {
			summary.Wins++
			grossWin += t.PnL
			winSum += t.PnL
		} else {
			losses++
			grossLoss += -t.PnL
			lossSum += t.PnL
		}

		addBreakdown(summary.ByStrategy, t.StrategyUsed, t.PnL)
		addBreakdown(summary.ByRegime, string(t.MarketRegime), t.PnL)
	}

	summary.WinRate = float64(summary.Wins) / float64(summary.Total)
	if grossLoss == 0 {
		summary.ProfitFactor = math.Inf(1)
	} else {
		summary.ProfitFactor = grossWin / grossLoss
	}
	if summary.Wins > 0 {
		summary.AvgWin = winSum / float64(summary.Wins)
	}
	if losses > 0 {
		summary.AvgLoss = lossSum / float64(losses)
	}
	if len(pnls) > 1 {
		mean, std := stat.MeanStdDev(pnls, nil)
		if std > 0 {
			summary.Sharpe = mean / std
		}
	}

	finalizeBreakdown(summary.ByStrategy)
	finalizeBreakdown(summary.ByRegime)
	return summary
}

func addBreakdown(m map[string]models.BreakdownEntry, key string, pnl float64) {
	if key == "" {
		key = "unknown"
	}
	entry := m[key]
	entry.Trades++
	entry.PnL += pnl
	if pnl >= 0 {
		entry.Wins++
	}
	m[key] = entry
}

func finalizeBreakdown(m map[string]models.BreakdownEntry) {
	for key, entry := range m {
		if entry.Trades > 0 {
			entry.WinRate = float64(entry.Wins) / float64(entry.Trades)
		}
		m[key] = entry
	}
}

// Reflector runs post-trade reviews and scheduled deep reflection.
type Reflector struct {
	client      Completer
	trades      TradeStore
	reflections ReflectionStore
	playbooks   PlaybookStore
	stream      bus.Stream
	log         zerolog.Logger
}

// NewReflector creates the reflection subsystem.
func NewReflector(client Completer, trades TradeStore, reflections ReflectionStore, playbooks PlaybookStore, stream bus.Stream, log zerolog.Logger) *Reflector {
	return &Reflector{
		client:      client,
		trades:      trades,
		reflections: reflections,
		playbooks:   playbooks,
		stream:      stream,
		log:         log.With().Str("component", "reflector").Logger(),
	}
}

// PostTrade reviews one closed trade and stores the self-review on the
// journal row. Failures only log; reviews are advisory.
func (r *Reflector) PostTrade(ctx context.Context, trade models.TradeRecord) {
	data, err := json.Marshal(trade)
	if err != nil {
		r.log.Error().Err(err).Msg("trade marshal failed")
		return
	}

	text, err := r.client.Complete(ctx, postTradeSystem,
		fmt.Sprintf("<trade>\n%s\n</trade>\n\nReview this trade.", data))
	if err != nil {
		r.log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("post-trade reflection failed")
		return
	}

	review := text
	if raw, err := llm.ExtractJSON(text); err == nil {
		review = raw
	}
	if err := r.trades.Update(ctx, trade.TradeID, map[string]interface{}{"self_review": review}); err != nil {
		r.log.Warn().Err(err).Str("trade_id", trade.TradeID).Msg("self review save failed")
		return
	}
	r.log.Info().Str("trade_id", trade.TradeID).Msg("post-trade reflection stored")
}

// ShouldDeepReflect applies the trade-count and wall-clock triggers.
func (r *Reflector) ShouldDeepReflect(ctx context.Context, intervalTrades int, intervalHours int) bool {
	last, err := r.reflections.GetLastTime(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("last reflection time read failed")
		return false
	}

	since := time.Time{}
	if last != nil {
		since = *last
	}
	trades, err := r.trades.GetTradesSince(ctx, since)
	if err != nil {
		r.log.Warn().Err(err).Msg("trades since reflection read failed")
		return false
	}
	if len(trades) == 0 {
		return false
	}

	if len(trades) >= intervalTrades {
		return true
	}

	// Wall-clock trigger. Before the first reflection row the clock starts
	// at the earliest close, so a quiet system still reflects eventually.
	anchor := last
	if anchor == nil {
		for i := range trades {
			if trades[i].ClosedAt == nil {
				continue
			}
			if anchor == nil || trades[i].ClosedAt.Before(*anchor) {
				anchor = trades[i].ClosedAt
			}
		}
	}
	return anchor != nil && time.Since(*anchor) >= time.Duration(intervalHours)*time.Hour
}

// DeepReflect aggregates closed trades since the last run, asks the model
// for an updated playbook, saves it as a new immutable version and announces
// the discipline score.
func (r *Reflector) DeepReflect(ctx context.Context) error {
	last, err := r.reflections.GetLastTime(ctx)
	if err != nil {
		return fmt.Errorf("read last reflection: %w", err)
	}
	since := time.Time{}
	if last != nil {
		since = *last
	}

	trades, err := r.trades.GetTradesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	summary := Summarize(trades)
	current, err := r.playbooks.GetLatest(ctx)
	if err != nil {
		return fmt.Errorf("load playbook: %w", err)
	}

	prompt, err := buildDeepReflectPrompt(summary, current)
	if err != nil {
		return err
	}
	text, err := r.client.Complete(ctx, deepReflectSystem, prompt)
	if err != nil {
		return fmt.Errorf("deep reflection call: %w", err)
	}

	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return fmt.Errorf("deep reflection response: %w", err)
	}

	var parsed struct {
		Playbook        models.Playbook `json:"playbook"`
		Insights        []string        `json:"insights"`
		Biases          []string        `json:"biases"`
		DisciplineScore float64         `json:"discipline_score"`
		Summary         string          `json:"summary"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return fmt.Errorf("parse deep reflection: %w", err)
	}

	version, err := r.playbooks.SaveVersion(ctx, parsed.Playbook)
	if err != nil {
		return fmt.Errorf("save playbook: %w", err)
	}

	if _, err := r.reflections.Save(ctx, len(trades), map[string]interface{}{
		"summary":          summary,
		"insights":         parsed.Insights,
		"biases":           parsed.Biases,
		"discipline_score": parsed.DisciplineScore,
		"playbook_version": version,
		"narrative":        parsed.Summary,
	}); err != nil {
		return fmt.Errorf("save reflection: %w", err)
	}

	alert := bus.SystemAlert{
		Severity: "INFO",
		Title:    "deep reflection complete",
		Detail:   parsed.Summary,
		Score:    parsed.DisciplineScore,
	}
	if msg, err := bus.NewMessage(bus.SourceOrchestrator, bus.TypeSystemAlert, alert); err == nil {
		if _, err := r.stream.Publish(ctx, bus.StreamSystemAlerts, msg); err != nil {
			r.log.Warn().Err(err).Msg("reflection alert publish failed")
		}
	}

	r.log.Info().
		Int("trades_reviewed", len(trades)).
		Int("playbook_version", version).
		Float64("discipline_score", parsed.DisciplineScore).
		Msg("deep reflection complete")
	return nil
}

func buildDeepReflectPrompt(summary models.PerformanceSummary, current *models.Playbook) (string, error) {
	sumData, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}

	pbJSON := []byte("null")
	if current != nil {
		if pbJSON, err = json.Marshal(current); err != nil {
			return "", fmt.Errorf("marshal playbook: %w", err)
		}
	}

	return fmt.Sprintf(
		"<performance>\n%s\n</performance>\n\n<current_playbook>\n%s\n</current_playbook>\n\n"+
			"Produce the updated playbook and your findings.",
		sumData, pbJSON), nil
}
