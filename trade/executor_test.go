package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opus-trader/exchange"
	"opus-trader/models"
)

// mockExchange records calls and fails on demand.
type mockExchange struct {
	mu            sync.Mutex
	leverageCalls []string
	orders        []exchange.OrderRequest
	algos         []exchange.AlgoOrderRequest
	closes        []string

	failLeverage bool
	failOrder    bool
	failAlgo     bool
	failClose    bool
}

func (m *mockExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (models.OrderResult, error) {
	m.mu.Lock()
	m.orders = append(m.orders, req)
	m.mu.Unlock()
	if m.failOrder {
		return models.OrderResult{Success: false, ErrorCode: "51000", ErrorMessage: "rejected"},
			errors.New("order rejected")
	}
	return models.OrderResult{Success: true, OrderID: "ord-1", Timestamp: time.Now().UTC()}, nil
}

func (m *mockExchange) PlaceAlgoOrder(_ context.Context, req exchange.AlgoOrderRequest) (models.OrderResult, error) {
	m.mu.Lock()
	m.algos = append(m.algos, req)
	m.mu.Unlock()
	if m.failAlgo {
		return models.OrderResult{Success: false, ErrorMessage: "algo rejected"}, errors.New("algo rejected")
	}
	return models.OrderResult{Success: true, AlgoID: "algo-1"}, nil
}

func (m *mockExchange) CancelOrder(context.Context, string, string) error { return nil }

func (m *mockExchange) ClosePosition(_ context.Context, instrument, _, posSide string) error {
	m.mu.Lock()
	m.closes = append(m.closes, instrument+"/"+posSide)
	m.mu.Unlock()
	if m.failClose {
		return errors.New("close failed")
	}
	return nil
}

func (m *mockExchange) SetLeverage(_ context.Context, instrument, leverage, _ string) error {
	m.mu.Lock()
	m.leverageCalls = append(m.leverageCalls, instrument+"="+leverage)
	m.mu.Unlock()
	if m.failLeverage {
		return errors.New("leverage failed")
	}
	return nil
}

func (m *mockExchange) GetBalance(context.Context) (models.AccountState, error) {
	return models.AccountState{Equity: 10000, Available: 8000}, nil
}
func (m *mockExchange) GetPositions(context.Context) ([]models.Position, error) { return nil, nil }
func (m *mockExchange) GetCandles(context.Context, string, string, int) ([]models.Candle, error) {
	return nil, nil
}
func (m *mockExchange) GetTicker(context.Context, string) (models.Ticker, error) {
	return models.Ticker{}, nil
}
func (m *mockExchange) GetOrderbook(context.Context, string, int) (models.OrderBook, error) {
	return models.OrderBook{}, nil
}
func (m *mockExchange) GetFundingRate(context.Context, string) (models.FundingRate, error) {
	return models.FundingRate{}, nil
}
func (m *mockExchange) GetOpenInterest(context.Context, string) (float64, error) { return 0, nil }
func (m *mockExchange) GetLongShortRatio(context.Context, string) (float64, error) {
	return 0, nil
}
func (m *mockExchange) GetTakerVolume(context.Context, string) (float64, float64, error) {
	return 0, 0, nil
}

func bracketedOpen() models.OrderIntent {
	intent := validOpenLong()
	intent.StopLoss = "49500"
	intent.TakeProfit = "51500"
	return intent
}

func TestExecuteOpenAttachesBracket(t *testing.T) {
	mock := &mockExchange{}
	ex := NewExecutor(mock, "cross", zerolog.Nop())

	result := ex.Execute(context.Background(), bracketedOpen())

	require.True(t, result.Success)
	assert.Equal(t, "ord-1", result.OrderID)
	assert.Equal(t, "algo-1", result.AlgoID)

	require.Len(t, mock.leverageCalls, 1)
	assert.Equal(t, "BTC-USDT-SWAP=2", mock.leverageCalls[0])
	require.Len(t, mock.algos, 1)
	assert.Equal(t, "sell", mock.algos[0].Side) // closes the long
	assert.Equal(t, "49500", mock.algos[0].StopLossPrice)
}

func TestExecuteOpenWithoutBracketSkipsAlgo(t *testing.T) {
	mock := &mockExchange{}
	ex := NewExecutor(mock, "cross", zerolog.Nop())

	result := ex.Execute(context.Background(), validOpenLong())

	assert.True(t, result.Success)
	assert.Empty(t, mock.algos)
}

func TestExecuteMainOrderFailureStopsPipeline(t *testing.T) {
	mock := &mockExchange{failOrder: true}
	ex := NewExecutor(mock, "cross", zerolog.Nop())

	result := ex.Execute(context.Background(), bracketedOpen())

	assert.False(t, result.Success)
	assert.Equal(t, "51000", result.ErrorCode)
	assert.Empty(t, mock.algos) // never attached
}

func TestExecuteLeverageFailureDoesNotAbort(t *testing.T) {
	mock := &mockExchange{failLeverage: true}
	ex := NewExecutor(mock, "cross", zerolog.Nop())

	result := ex.Execute(context.Background(), validOpenLong())

	assert.True(t, result.Success)
	assert.Len(t, mock.orders, 1)
}

func TestExecuteAlgoFailureKeepsMainResult(t *testing.T) {
	mock := &mockExchange{failAlgo: true}
	ex := NewExecutor(mock, "cross", zerolog.Nop())

	result := ex.Execute(context.Background(), bracketedOpen())

	assert.True(t, result.Success)
	assert.Empty(t, result.AlgoID)
}

func TestExecuteClose(t *testing.T) {
	mock := &mockExchange{}
	ex := NewExecutor(mock, "cross", zerolog.Nop())

	intent := validOpenLong()
	intent.Action = models.ActionClose
	result := ex.Execute(context.Background(), intent)

	assert.True(t, result.Success)
	require.Len(t, mock.closes, 1)
	assert.Equal(t, "BTC-USDT-SWAP/long", mock.closes[0])
	assert.Empty(t, mock.orders)
	assert.Empty(t, mock.leverageCalls)
}

func TestExecuteAddPlacesOrderOnly(t *testing.T) {
	mock := &mockExchange{}
	ex := NewExecutor(mock, "cross", zerolog.Nop())

	intent := validOpenLong()
	intent.Action = models.ActionAdd
	result := ex.Execute(context.Background(), intent)

	assert.True(t, result.Success)
	assert.Len(t, mock.orders, 1)
	assert.Empty(t, mock.leverageCalls)
	assert.Empty(t, mock.algos)
}

func TestExecuteHoldIsUnexecutable(t *testing.T) {
	ex := NewExecutor(&mockExchange{}, "cross", zerolog.Nop())

	intent := validOpenLong()
	intent.Action = models.ActionHold
	result := ex.Execute(context.Background(), intent)

	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "unexecutable")
}
