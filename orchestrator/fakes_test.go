package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"opus-trader/exchange"
	"opus-trader/models"
)

// fakeCompleter replays scripted responses in order. When the script runs
// out it keeps returning the last entry.
type fakeCompleter struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	prompts   []string
	systems   []string
}

func (f *fakeCompleter) Complete(_ context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, user)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memTradeStore struct {
	mu      sync.Mutex
	trades  []models.TradeRecord
	updates map[string][]map[string]interface{}
}

func newMemTradeStore() *memTradeStore {
	return &memTradeStore{updates: make(map[string][]map[string]interface{})}
}

func (s *memTradeStore) Create(_ context.Context, t models.TradeRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return t.TradeID, nil
}

func (s *memTradeStore) Update(_ context.Context, tradeID string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[tradeID] = append(s.updates[tradeID], fields)
	for i := range s.trades {
		if s.trades[i].TradeID != tradeID {
			continue
		}
		if v, ok := fields["status"].(string); ok {
			s.trades[i].Status = models.TradeStatus(v)
		}
		if v, ok := fields["pn_l"].(float64); ok {
			s.trades[i].PnL = v
		}
		if v, ok := fields["closed_at"].(time.Time); ok {
			s.trades[i].ClosedAt = &v
		}
		if v, ok := fields["self_review"].(string); ok {
			s.trades[i].SelfReview = v
		}
		if v, ok := fields["exit_reason"].(string); ok {
			s.trades[i].ExitReason = v
		}
		if v, ok := fields["exit_price"].(string); ok {
			s.trades[i].ExitPrice = v
		}
		if v, ok := fields["exit_indicators"].([]byte); ok {
			_ = json.Unmarshal(v, &s.trades[i].ExitIndicators)
		}
	}
	return nil
}

func (s *memTradeStore) GetByDecisionID(_ context.Context, decisionID string) (*models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.DecisionID == decisionID {
			copied := t
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memTradeStore) GetOpen(_ context.Context) ([]models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TradeRecord
	for _, t := range s.trades {
		if t.Status == models.TradeOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTradeStore) GetRecentClosed(_ context.Context, limit int) ([]models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TradeRecord
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].Status == models.TradeClosed {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *memTradeStore) GetTradesSince(_ context.Context, since time.Time) ([]models.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TradeRecord
	for _, t := range s.trades {
		if t.Status == models.TradeClosed && t.ClosedAt != nil && t.ClosedAt.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

type memPlaybookStore struct {
	mu       sync.Mutex
	versions []models.Playbook
}

func (s *memPlaybookStore) GetLatest(context.Context) (*models.Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.versions) == 0 {
		return nil, nil
	}
	pb := s.versions[len(s.versions)-1]
	return &pb, nil
}

func (s *memPlaybookStore) SaveVersion(_ context.Context, pb models.Playbook) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb.Version = len(s.versions) + 1
	s.versions = append(s.versions, pb)
	return pb.Version, nil
}

func (s *memPlaybookStore) GetHistory(_ context.Context, limit int) ([]models.Playbook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Playbook, len(s.versions))
	copy(out, s.versions)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type memReflectionStore struct {
	mu    sync.Mutex
	saves []int
	last  *time.Time
}

func (s *memReflectionStore) Save(_ context.Context, tradesReviewed int, _ interface{}) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, tradesReviewed)
	now := time.Now().UTC()
	s.last = &now
	return uint(len(s.saves)), nil
}

func (s *memReflectionStore) GetLastTime(context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, nil
}

type screenLogEntry struct {
	instrument string
	signal     bool
	reason     string
	action     string
	agreed     *bool
}

type memScreenLogStore struct {
	mu      sync.Mutex
	entries []screenLogEntry
}

func (s *memScreenLogStore) Log(_ context.Context, instrument string, signal bool, reason string) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, screenLogEntry{instrument: instrument, signal: signal, reason: reason})
	return uint(len(s.entries)), nil
}

func (s *memScreenLogStore) UpdateOpusAgreement(_ context.Context, id uint, action string, agreed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == 0 || int(id) > len(s.entries) {
		return errors.New("unknown screen log id")
	}
	s.entries[id-1].action = action
	s.entries[id-1].agreed = &agreed
	return nil
}

type memResearchStore struct {
	mu      sync.Mutex
	entries map[string]string
	saved   int
}

func newMemResearchStore() *memResearchStore {
	return &memResearchStore{entries: make(map[string]string)}
}

func (s *memResearchStore) GetCached(_ context.Context, query string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[query], nil
}

func (s *memResearchStore) Save(_ context.Context, query, response string) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[query] = response
	s.saved++
	return uint(s.saved), nil
}

type rejectionEntry struct {
	decision models.OpusDecision
	rules    []string
}

type memRejectionStore struct {
	mu      sync.Mutex
	entries []rejectionEntry
}

func (s *memRejectionStore) Log(_ context.Context, decision models.OpusDecision, failedRules []string, _ models.AccountState) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, rejectionEntry{decision: decision, rules: failedRules})
	return uint(len(s.entries)), nil
}

type memSnapshotStore struct {
	mu    sync.Mutex
	kinds []string
}

func (s *memSnapshotStore) Save(_ context.Context, snapshotType string, _ interface{}) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, snapshotType)
	return uint(len(s.kinds)), nil
}

// fakeExchange serves the orchestrator's read-only surface. Write methods
// exist to satisfy the interface and are never reached from these tests.
type fakeExchange struct {
	mu         sync.Mutex
	balance    models.AccountState
	positions  []models.Position
	balanceErr error
}

func (f *fakeExchange) setEquity(equity float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance.Equity = equity
	f.balance.Available = equity
}

func (f *fakeExchange) GetBalance(context.Context) (models.AccountState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, f.balanceErr
}

func (f *fakeExchange) GetPositions(context.Context) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeExchange) PlaceOrder(context.Context, exchange.OrderRequest) (models.OrderResult, error) {
	return models.OrderResult{}, errors.New("not wired in orchestrator tests")
}

func (f *fakeExchange) PlaceAlgoOrder(context.Context, exchange.AlgoOrderRequest) (models.OrderResult, error) {
	return models.OrderResult{}, errors.New("not wired in orchestrator tests")
}

func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeExchange) ClosePosition(context.Context, string, string, string) error { return nil }

func (f *fakeExchange) SetLeverage(context.Context, string, string, string) error { return nil }

func (f *fakeExchange) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, nil
}

func (f *fakeExchange) GetTicker(context.Context, string) (models.Ticker, error) {
	return models.Ticker{}, nil
}

func (f *fakeExchange) GetOrderbook(context.Context, string, int) (models.OrderBook, error) {
	return models.OrderBook{}, nil
}

func (f *fakeExchange) GetFundingRate(context.Context, string) (models.FundingRate, error) {
	return models.FundingRate{}, nil
}

func (f *fakeExchange) GetOpenInterest(context.Context, string) (float64, error) { return 0, nil }

func (f *fakeExchange) GetLongShortRatio(context.Context, string) (float64, error) { return 1, nil }

func (f *fakeExchange) GetTakerVolume(context.Context, string) (float64, float64, error) {
	return 0, 0, nil
}
