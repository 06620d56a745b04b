// Package orchestrator drives the decision state machine: collect snapshot,
// screen, research, analyze, risk-check, execute, confirm, journal, reflect.
// It is the only writer of trade intent in the system.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"opus-trader/bus"
	"opus-trader/config"
	"opus-trader/exchange"
	"opus-trader/models"
	"opus-trader/notifications"
)

// State is the decision machine state. HALTED is terminal and requires
// operator intervention; COOLDOWN clears itself once the deadline passes.
type State string

const (
	StateIdle        State = "IDLE"
	StateCollecting  State = "COLLECTING"
	StateScreening   State = "SCREENING"
	StateResearching State = "RESEARCHING"
	StateAnalyzing   State = "ANALYZING"
	StateRiskCheck   State = "RISK_CHECK"
	StateExecuting   State = "EXECUTING"
	StateConfirming  State = "CONFIRMING"
	StateJournaling  State = "JOURNALING"
	StateReflecting  State = "REFLECTING"
	StateHalted      State = "HALTED"
	StateCooldown    State = "COOLDOWN"
)

const newsWindowMinutes = 30

// Orchestrator is the decision service runtime.
type Orchestrator struct {
	cfg        *config.Config
	stream     bus.Stream
	client     exchange.Client // read-only: balance, positions
	trades     TradeStore
	rejections RejectionStore
	snapshots  SnapshotStore
	gate       *RiskGate
	screener   *Screener
	analyzer   *Analyzer
	screenLogs ScreenerLogStore
	researcher *Researcher
	reflector  *Reflector
	news       *NewsScheduler
	webhook    *notifications.Webhook
	cron       *cron.Cron
	log        zerolog.Logger

	mu         sync.Mutex
	state      State
	latestSnap map[string]models.MarketSnapshot
	waiters    map[string]chan bus.FillEvent
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Stream      bus.Stream
	Exchange    exchange.Client
	Trades      TradeStore
	Rejections  RejectionStore
	Snapshots   SnapshotStore
	ScreenLogs  ScreenerLogStore
	Research    ResearchStore
	Reflection  ReflectionStore
	Playbooks   PlaybookStore
	ScreenLLM   Completer
	AnalysisLLM Completer
	ResearchLLM Completer
	Webhook     *notifications.Webhook
}

// New wires the orchestrator together.
func New(cfg *config.Config, d Deps, log zerolog.Logger) *Orchestrator {
	olog := log.With().Str("component", "orchestrator").Logger()
	cooldown := time.Duration(cfg.Orchestrator.CooldownAfterLossStreak) * time.Second
	timeout := time.Duration(cfg.Orchestrator.MaxOpusTimeoutSeconds) * time.Second

	return &Orchestrator{
		cfg:        cfg,
		stream:     d.Stream,
		client:     d.Exchange,
		trades:     d.Trades,
		rejections: d.Rejections,
		snapshots:  d.Snapshots,
		gate:       NewRiskGate(cfg.Risk, cooldown, log),
		screener:   NewScreener(d.ScreenLLM, d.ScreenLogs, cfg.Screener.MinPassRate, log),
		analyzer:   NewAnalyzer(d.AnalysisLLM, timeout, log),
		screenLogs: d.ScreenLogs,
		researcher: NewResearcher(d.ResearchLLM, d.Research, log),
		reflector:  NewReflector(d.AnalysisLLM, d.Trades, d.Reflection, d.Playbooks, d.Stream, log),
		news:       NewNewsScheduler(),
		webhook:    d.Webhook,
		cron:       cron.New(cron.WithLocation(time.UTC)),
		log:        olog,
		state:      StateIdle,
		latestSnap: make(map[string]models.MarketSnapshot),
		waiters:    make(map[string]chan bus.FillEvent),
	}
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Gate exposes the risk gate for diagnostics and tests.
func (o *Orchestrator) Gate() *RiskGate { return o.gate }

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	prev := o.state
	o.state = s
	o.mu.Unlock()
	if prev != s {
		o.log.Debug().Str("from", string(prev)).Str("to", string(s)).Msg("state transition")
	}
}

// Run starts the schedulers and the bus subscription, then drives the
// decision timer until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if state, err := o.client.GetBalance(ctx); err != nil {
		o.log.Warn().Err(err).Msg("initial balance read failed")
	} else {
		o.gate.ObserveEquity(state.Equity)
		o.gate.ResetDaily(state.Equity)
	}

	if err := o.scheduleCrons(ctx); err != nil {
		return err
	}
	o.cron.Start()
	defer o.cron.Stop()

	go func() {
		streams := []string{bus.StreamMarketSnapshots, bus.StreamTradeFills, bus.StreamTradePositions}
		if err := o.stream.Subscribe(ctx, streams, o.handleEvent); err != nil {
			o.log.Error().Err(err).Msg("bus subscription ended")
		}
	}()

	interval := time.Duration(o.cfg.Orchestrator.DecisionCycleSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.log.Info().
		Strs("instruments", o.cfg.Universe.Instruments).
		Dur("cycle", interval).
		Msg("orchestrator started")

	for {
		select {
		case <-ctx.Done():
			o.log.Info().Msg("orchestrator stopped")
			return nil
		case <-ticker.C:
			for _, inst := range o.cfg.Universe.Instruments {
				if ctx.Err() != nil {
					return nil
				}
				o.Cycle(ctx, inst)
			}
		}
	}
}

func (o *Orchestrator) scheduleCrons(ctx context.Context) error {
	if _, err := o.cron.AddFunc("0 0 * * *", func() { o.dailyReset(ctx) }); err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	if _, err := o.cron.AddFunc("0 * * * *", func() { o.performanceSnapshot(ctx, "hourly", 24*time.Hour) }); err != nil {
		return fmt.Errorf("schedule hourly snapshot: %w", err)
	}
	if _, err := o.cron.AddFunc("5 0 * * *", func() { o.performanceSnapshot(ctx, "daily", 24*time.Hour) }); err != nil {
		return fmt.Errorf("schedule daily snapshot: %w", err)
	}
	if _, err := o.cron.AddFunc("10 0 * * 1", func() { o.performanceSnapshot(ctx, "weekly", 7*24*time.Hour) }); err != nil {
		return fmt.Errorf("schedule weekly snapshot: %w", err)
	}
	return nil
}

func (o *Orchestrator) dailyReset(ctx context.Context) {
	state, err := o.client.GetBalance(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("daily reset balance read failed")
		return
	}
	o.gate.ObserveEquity(state.Equity)
	o.gate.ResetDaily(state.Equity)
}

func (o *Orchestrator) performanceSnapshot(ctx context.Context, kind string, window time.Duration) {
	if o.snapshots == nil {
		return
	}
	trades, err := o.trades.GetTradesSince(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		o.log.Warn().Err(err).Str("kind", kind).Msg("performance snapshot read failed")
		return
	}
	if _, err := o.snapshots.Save(ctx, kind, Summarize(trades)); err != nil {
		o.log.Warn().Err(err).Str("kind", kind).Msg("performance snapshot save failed")
	}
}

// Cycle runs one decision pass for an instrument. Errors never escape; a
// failed step logs and the machine returns to IDLE.
func (o *Orchestrator) Cycle(ctx context.Context, instrument string) {
	if o.State() == StateHalted {
		return
	}
	if o.State() == StateCooldown {
		if o.gate.InCooldown() {
			o.log.Debug().Str("instrument", instrument).Msg("in cooldown, skipping cycle")
			return
		}
		o.setState(StateIdle)
	}

	// COLLECTING
	o.setState(StateCollecting)
	defer func() {
		if s := o.State(); s != StateHalted && s != StateCooldown {
			o.setState(StateIdle)
		}
	}()

	snap, ok := o.snapshotFor(ctx, instrument)
	if !ok {
		o.log.Debug().Str("instrument", instrument).Msg("no snapshot yet")
		return
	}

	account, err := o.client.GetBalance(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("balance read failed, skipping cycle")
		return
	}
	o.gate.ObserveEquity(account.Equity)

	positions, err := o.client.GetPositions(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("positions read failed, skipping cycle")
		return
	}

	// SCREENING
	var screen ScreenResult
	screened := false
	if o.cfg.Screener.Enabled && !o.bypassScreen(snap, positions) {
		o.setState(StateScreening)
		screen = o.screener.Screen(ctx, snap)
		screened = true
		if !screen.Signal {
			o.log.Info().Str("instrument", instrument).Str("reason", screen.Reason).Msg("screened out")
			return
		}
	}

	// RESEARCHING
	research := ""
	if o.shouldResearch(snap) {
		o.setState(StateResearching)
		research = o.researcher.Research(ctx, BuildResearchQuery(snap, o.news.IsNewsWindow(newsWindowMinutes)))
	}

	// ANALYZING
	o.setState(StateAnalyzing)
	playbook, err := o.reflector.playbooks.GetLatest(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("playbook read failed, analyzing without it")
	}
	recent, err := o.trades.GetRecentClosed(ctx, 10)
	if err != nil {
		o.log.Warn().Err(err).Msg("recent trades read failed")
	}

	decision := o.analyzer.Analyze(ctx, AnalysisInput{
		Snapshot:     snap,
		Positions:    positions,
		Account:      account,
		Research:     research,
		Playbook:     playbook,
		RecentTrades: recent,
	})

	if screened && screen.LogID > 0 {
		agreed := screen.Signal == (decision.Action != models.ActionHold)
		if err := o.screenLogs.UpdateOpusAgreement(ctx, screen.LogID, string(decision.Action), agreed); err != nil {
			o.log.Warn().Err(err).Msg("screen agreement update failed")
		}
	}

	if decision.Action == models.ActionHold {
		o.publishDecision(ctx, decision)
		return
	}

	// RISK_CHECK
	o.setState(StateRiskCheck)
	verdict := o.gate.Validate(decision, account, positions)
	for _, w := range verdict.Warnings {
		o.log.Warn().Str("rule", w).Str("decision_id", decision.DecisionID).Msg("risk warning")
	}
	if !verdict.Approved {
		o.rejectDecision(ctx, decision, verdict, account)
		return
	}

	// EXECUTING
	o.setState(StateExecuting)
	intent, err := o.buildIntent(decision, account, positions)
	if err != nil {
		o.log.Error().Err(err).Str("decision_id", decision.DecisionID).Msg("intent build failed")
		return
	}

	waiter := o.registerWaiter(decision.DecisionID)
	defer o.removeWaiter(decision.DecisionID)

	if err := o.publishIntent(ctx, intent); err != nil {
		o.log.Error().Err(err).Str("decision_id", decision.DecisionID).Msg("intent publish failed")
		return
	}
	o.publishDecision(ctx, decision)

	// CONFIRMING
	o.setState(StateConfirming)
	fill, confirmed := o.awaitFill(ctx, waiter)
	if !confirmed {
		o.log.Warn().
			Str("decision_id", decision.DecisionID).
			Msg("no fill within timeout, journaling from intent")
	}

	// JOURNALING
	o.setState(StateJournaling)
	o.journal(ctx, decision, intent, fill, confirmed, snap, research)

	// REFLECTING
	o.setState(StateReflecting)
	if o.reflector.ShouldDeepReflect(ctx, o.cfg.Orchestrator.ReflectionIntervalTrades, o.cfg.Orchestrator.ReflectionIntervalHours) {
		if err := o.reflector.DeepReflect(ctx); err != nil {
			o.log.Warn().Err(err).Msg("deep reflection failed")
		}
	}
}

// snapshotFor prefers the subscription cache and falls back to a stream peek.
func (o *Orchestrator) snapshotFor(ctx context.Context, instrument string) (models.MarketSnapshot, bool) {
	o.mu.Lock()
	snap, ok := o.latestSnap[instrument]
	o.mu.Unlock()
	if ok {
		return snap, true
	}

	msg, err := o.stream.ReadLatest(ctx, bus.StreamMarketSnapshots)
	if err != nil || msg == nil {
		return models.MarketSnapshot{}, false
	}
	var peeked models.MarketSnapshot
	if err := msg.DecodePayload(&peeked); err != nil || peeked.Instrument != instrument {
		return models.MarketSnapshot{}, false
	}
	return peeked, true
}

func (o *Orchestrator) bypassScreen(snap models.MarketSnapshot, positions []models.Position) bool {
	if o.cfg.Screener.BypassOnPosition {
		for _, p := range positions {
			if p.Instrument == snap.Instrument {
				o.log.Debug().Str("instrument", snap.Instrument).Msg("screen bypass: open position")
				return true
			}
		}
	}
	if o.cfg.Screener.BypassOnNews && o.news.IsNewsWindow(newsWindowMinutes) {
		o.log.Debug().Msg("screen bypass: news window")
		return true
	}
	if math.Abs(snap.PriceChange1h) > 0.03 {
		o.log.Debug().Float64("change", snap.PriceChange1h).Msg("screen bypass: price move")
		return true
	}
	if math.Abs(snap.Funding.Current) > 0.0005 {
		o.log.Debug().Float64("funding", snap.Funding.Current).Msg("screen bypass: funding extreme")
		return true
	}
	return false
}

func (o *Orchestrator) shouldResearch(snap models.MarketSnapshot) bool {
	return o.news.IsNewsWindow(newsWindowMinutes) ||
		math.Abs(snap.PriceChange1h) > 0.03 ||
		math.Abs(snap.Funding.Current) > 0.0005 ||
		math.Abs(snap.OIChange4h) > 0.10
}

func (o *Orchestrator) rejectDecision(ctx context.Context, decision models.OpusDecision, verdict RiskResult, account models.AccountState) {
	o.log.Warn().
		Str("decision_id", decision.DecisionID).
		Strs("failed_rules", verdict.Failures).
		Msg("decision rejected by risk gate")

	if o.rejections != nil {
		if _, err := o.rejections.Log(ctx, decision, verdict.Failures, account); err != nil {
			o.log.Error().Err(err).Msg("rejection audit failed")
		}
	}

	for _, rule := range verdict.Failures {
		if rule == RuleDailyLoss || rule == RuleMaxDrawdown {
			o.halt(ctx, rule, fmt.Sprintf("risk rule %s tripped; trading halted", rule))
			return
		}
	}
}

// halt moves to the terminal state and raises a CRITICAL alert. Only an
// operator restart leaves HALTED.
func (o *Orchestrator) halt(ctx context.Context, title, detail string) {
	o.setState(StateHalted)
	alert := bus.SystemAlert{Severity: "CRITICAL", Title: title, Detail: detail}

	if msg, err := bus.NewMessage(bus.SourceOrchestrator, bus.TypeSystemAlert, alert); err == nil {
		if _, err := o.stream.Publish(ctx, bus.StreamSystemAlerts, msg); err != nil {
			o.log.Error().Err(err).Msg("halt alert publish failed")
		}
	}
	if o.webhook != nil {
		o.webhook.Send(ctx, alert)
	}
	o.log.Error().Str("reason", title).Msg("trading halted")
}

// buildIntent converts an approved decision into the wire intent. Size is
// derived from the equity fraction, leverage and entry price.
func (o *Orchestrator) buildIntent(decision models.OpusDecision, account models.AccountState, positions []models.Position) (models.OrderIntent, error) {
	intent := models.OrderIntent{
		DecisionID: decision.DecisionID,
		Action:     decision.Action,
		Instrument: decision.Instrument,
		OrderType:  "market",
		Strategy:   decision.Strategy,
		Confidence: decision.Confidence,
		Reasoning:  decision.Reasoning,
		Leverage:   formatFloat(decision.Leverage),
	}

	switch decision.Action {
	case models.ActionOpenLong:
		intent.Side, intent.PosSide = "buy", "long"
	case models.ActionOpenShort:
		intent.Side, intent.PosSide = "sell", "short"
	case models.ActionClose, models.ActionAdd, models.ActionReduce:
		pos, ok := findPosition(positions, decision.Instrument)
		if !ok {
			return intent, fmt.Errorf("%s with no open position on %s", decision.Action, decision.Instrument)
		}
		intent.PosSide = pos.PosSide
		if decision.Action == models.ActionAdd {
			intent.Side = openingSide(pos.PosSide)
		} else {
			intent.Side = closingSide(pos.PosSide)
		}
		if decision.Action == models.ActionClose {
			intent.Size = pos.Size
			if intent.Leverage == "0" {
				intent.Leverage = pos.Leverage
			}
			return intent, nil
		}
	default:
		return intent, fmt.Errorf("unbuildable action %s", decision.Action)
	}

	if decision.EntryPrice <= 0 {
		return intent, fmt.Errorf("decision has no entry price")
	}
	size := decision.SizePct * account.Equity * decision.Leverage / decision.EntryPrice
	if size <= 0 {
		return intent, fmt.Errorf("computed size is not positive")
	}
	intent.Size = strconv.FormatFloat(size, 'f', 4, 64)

	if decision.StopLoss > 0 {
		intent.StopLoss = formatFloat(decision.StopLoss)
	}
	if decision.TakeProfit > 0 {
		intent.TakeProfit = formatFloat(decision.TakeProfit)
	}
	return intent, nil
}

func findPosition(positions []models.Position, instrument string) (models.Position, bool) {
	for _, p := range positions {
		if p.Instrument == instrument {
			return p, true
		}
	}
	return models.Position{}, false
}

func openingSide(posSide string) string {
	if posSide == "long" {
		return "buy"
	}
	return "sell"
}

func closingSide(posSide string) string {
	if posSide == "long" {
		return "sell"
	}
	return "buy"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (o *Orchestrator) publishIntent(ctx context.Context, intent models.OrderIntent) error {
	msg, err := bus.NewMessage(bus.SourceOrchestrator, bus.TypeTradeOrder, intent)
	if err != nil {
		return err
	}
	_, err = o.stream.Publish(ctx, bus.StreamTradeOrders, msg)
	return err
}

func (o *Orchestrator) publishDecision(ctx context.Context, decision models.OpusDecision) {
	msg, err := bus.NewMessage(bus.SourceOrchestrator, bus.TypeOpusDecision, decision)
	if err != nil {
		o.log.Error().Err(err).Msg("decision encode failed")
		return
	}
	if _, err := o.stream.Publish(ctx, bus.StreamOpusDecisions, msg); err != nil {
		o.log.Error().Err(err).Str("decision_id", decision.DecisionID).Msg("decision publish failed")
	}
}

func (o *Orchestrator) registerWaiter(decisionID string) chan bus.FillEvent {
	ch := make(chan bus.FillEvent, 1)
	o.mu.Lock()
	o.waiters[decisionID] = ch
	o.mu.Unlock()
	return ch
}

func (o *Orchestrator) removeWaiter(decisionID string) {
	o.mu.Lock()
	delete(o.waiters, decisionID)
	o.mu.Unlock()
}

func (o *Orchestrator) awaitFill(ctx context.Context, waiter chan bus.FillEvent) (bus.FillEvent, bool) {
	timeout := time.Duration(o.cfg.Trade.OrderTimeoutSeconds) * time.Second
	select {
	case fill := <-waiter:
		return fill, true
	case <-time.After(timeout):
		return bus.FillEvent{}, false
	case <-ctx.Done():
		return bus.FillEvent{}, false
	}
}

// handleEvent consumes snapshots, fills and position updates from the bus.
func (o *Orchestrator) handleEvent(ctx context.Context, stream string, msg *bus.Message) error {
	switch stream {
	case bus.StreamMarketSnapshots:
		var snap models.MarketSnapshot
		if err := msg.DecodePayload(&snap); err != nil {
			o.log.Warn().Err(err).Msg("undecodable snapshot")
			return nil
		}
		o.mu.Lock()
		o.latestSnap[snap.Instrument] = snap
		o.mu.Unlock()

	case bus.StreamTradeFills:
		var fill bus.FillEvent
		if err := msg.DecodePayload(&fill); err != nil {
			o.log.Warn().Err(err).Msg("undecodable fill")
			return nil
		}
		o.mu.Lock()
		waiter := o.waiters[fill.DecisionID]
		o.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- fill:
			default:
			}
		}

	case bus.StreamTradePositions:
		var event bus.PositionEvent
		if err := msg.DecodePayload(&event); err != nil {
			o.log.Warn().Err(err).Msg("undecodable position event")
			return nil
		}
		if event.Closed {
			o.onPositionClosed(ctx, event)
		}
	}
	return nil
}

// onPositionClosed is the closing side-channel: close the journal row, feed
// the risk gate, maybe enter cooldown, then run post-trade reflection.
func (o *Orchestrator) onPositionClosed(ctx context.Context, event bus.PositionEvent) {
	o.log.Info().
		Str("instrument", event.Instrument).
		Str("pos_side", event.PosSide).
		Float64("pnl_usd", event.PnLUSD).
		Msg("position close observed")

	record := o.closeJournalRow(ctx, event)

	o.gate.UpdateOnTradeClose(event.PnLUSD)
	if until := o.gate.CooldownUntil(); until != nil && time.Now().Before(*until) {
		o.setState(StateCooldown)
	}

	if record != nil {
		o.reflector.PostTrade(ctx, *record)
	}
}
