package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/config"
	"opus-trader/models"
)

const (
	requestTimeout = 10 * time.Second
	maxReadRetries = 3
)

// RESTClient talks to the OKX v5 REST API. It implements Client.
type RESTClient struct {
	baseURL    string
	apiKey     string
	secretKey  string
	passphrase string
	simulated  bool
	http       *http.Client
	log        zerolog.Logger
}

// NewRESTClient builds a signed REST client from exchange configuration.
func NewRESTClient(cfg config.ExchangeConfig, log zerolog.Logger) *RESTClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &RESTClient{
		baseURL:    strings.TrimRight(cfg.RESTBaseURL, "/"),
		apiKey:     cfg.APIKey,
		secretKey:  cfg.SecretKey,
		passphrase: cfg.Passphrase,
		simulated:  cfg.Flag == "1",
		http:       &http.Client{Transport: transport, Timeout: requestTimeout},
		log:        log.With().Str("component", "okx_rest").Logger(),
	}
}

// apiResponse is the OKX v5 envelope. Data stays raw until the caller knows
// its shape.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// sign produces the OK-ACCESS-SIGN header value for one request.
func sign(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *RESTClient) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var bodyStr string
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyStr = string(data)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", sign(c.secretKey, timestamp, method, path, bodyStr))
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: http %d: %s", method, path, resp.StatusCode, string(raw))
	}

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Code != "0" {
		return env.Data, &APIError{Code: env.Code, Message: env.Msg}
	}
	return env.Data, nil
}

// APIError is a non-zero OKX response code.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("okx error %s: %s", e.Code, e.Message)
}

// getWithRetry wraps GET calls with exponential backoff. Only reads go through
// here; write paths call do directly because they are not idempotent.
func (c *RESTClient) getWithRetry(ctx context.Context, path string) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < maxReadRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			c.log.Warn().Err(lastErr).Str("path", path).Dur("backoff", delay).Msg("retrying read")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		data, err := c.do(ctx, http.MethodGet, path, nil)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// --- trading (writes, never retried) ---

type orderData struct {
	OrdID   string `json:"ordId"`
	AlgoID  string `json:"algoId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
	ClOrdID string `json:"clOrdId"`
}

func firstOrder(data json.RawMessage) (orderData, error) {
	var rows []orderData
	if err := json.Unmarshal(data, &rows); err != nil {
		return orderData{}, fmt.Errorf("decode order response: %w", err)
	}
	if len(rows) == 0 {
		return orderData{}, fmt.Errorf("empty order response")
	}
	return rows[0], nil
}

// PlaceOrder submits the main order.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (models.OrderResult, error) {
	body := map[string]string{
		"instId":  req.Instrument,
		"tdMode":  req.MarginMode,
		"side":    req.Side,
		"posSide": req.PosSide,
		"ordType": req.OrderType,
		"sz":      req.Size,
	}
	if req.OrderType == "limit" {
		body["px"] = req.Price
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body)
	if err != nil {
		return failedResult(err), err
	}
	row, err := firstOrder(data)
	if err != nil {
		return failedResult(err), err
	}
	if row.SCode != "" && row.SCode != "0" {
		apiErr := &APIError{Code: row.SCode, Message: row.SMsg}
		return failedResult(apiErr), apiErr
	}

	return models.OrderResult{
		Success:   true,
		OrderID:   row.OrdID,
		Status:    "submitted",
		Timestamp: time.Now().UTC(),
	}, nil
}

// PlaceAlgoOrder attaches an OCO TP/SL algo order to an open position.
func (c *RESTClient) PlaceAlgoOrder(ctx context.Context, req AlgoOrderRequest) (models.OrderResult, error) {
	body := map[string]string{
		"instId":      req.Instrument,
		"tdMode":      req.MarginMode,
		"side":        req.Side,
		"posSide":     req.PosSide,
		"ordType":     "oco",
		"sz":          req.Size,
		"slTriggerPx": req.StopLossPrice,
		"slOrdPx":     "-1", // market execution on trigger
	}
	if req.TakeProfitPrice != "" {
		body["tpTriggerPx"] = req.TakeProfitPrice
		body["tpOrdPx"] = "-1"
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v5/trade/order-algo", body)
	if err != nil {
		return failedResult(err), err
	}
	row, err := firstOrder(data)
	if err != nil {
		return failedResult(err), err
	}
	if row.SCode != "" && row.SCode != "0" {
		apiErr := &APIError{Code: row.SCode, Message: row.SMsg}
		return failedResult(apiErr), apiErr
	}

	return models.OrderResult{
		Success:   true,
		AlgoID:    row.AlgoID,
		Status:    "submitted",
		Timestamp: time.Now().UTC(),
	}, nil
}

// CancelOrder cancels a resting order.
func (c *RESTClient) CancelOrder(ctx context.Context, instrument, orderID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", map[string]string{
		"instId": instrument,
		"ordId":  orderID,
	})
	return err
}

// ClosePosition market-closes the whole position on one side.
func (c *RESTClient) ClosePosition(ctx context.Context, instrument, marginMode, posSide string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v5/trade/close-position", map[string]string{
		"instId":  instrument,
		"mgnMode": marginMode,
		"posSide": posSide,
	})
	return err
}

// SetLeverage sets leverage for an instrument.
func (c *RESTClient) SetLeverage(ctx context.Context, instrument, leverage, marginMode string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", map[string]string{
		"instId":  instrument,
		"lever":   leverage,
		"mgnMode": marginMode,
	})
	return err
}

// --- account reads ---

// GetBalance returns the USDT view of the trading account.
func (c *RESTClient) GetBalance(ctx context.Context) (models.AccountState, error) {
	data, err := c.getWithRetry(ctx, "/api/v5/account/balance?ccy=USDT")
	if err != nil {
		return models.AccountState{}, err
	}

	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return models.AccountState{}, fmt.Errorf("decode balance: %w", err)
	}
	if len(rows) == 0 {
		return models.AccountState{}, fmt.Errorf("empty balance response")
	}

	state := models.AccountState{
		Equity:    parseFloat(rows[0].TotalEq),
		Timestamp: time.Now().UTC(),
	}
	for _, d := range rows[0].Details {
		if d.Ccy == "USDT" {
			state.Available = parseFloat(d.AvailBal)
			break
		}
	}
	return state, nil
}

// GetPositions returns all open positions.
func (c *RESTClient) GetPositions(ctx context.Context) ([]models.Position, error) {
	data, err := c.getWithRetry(ctx, "/api/v5/account/positions?instType=SWAP")
	if err != nil {
		return nil, err
	}

	var rows []rawPosition
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	positions := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		if r.Pos == "" || r.Pos == "0" {
			continue
		}
		positions = append(positions, r.normalize())
	}
	return positions, nil
}

// rawPosition mirrors the OKX position payload shared by REST and private WS.
type rawPosition struct {
	InstID   string `json:"instId"`
	PosSide  string `json:"posSide"`
	Pos      string `json:"pos"`
	AvgPx    string `json:"avgPx"`
	Upl      string `json:"upl"`
	UplRatio string `json:"uplRatio"`
	Lever    string `json:"lever"`
	LiqPx    string `json:"liqPx"`
	Margin   string `json:"margin"`
	MgnRatio string `json:"mgnRatio"`
	UTime    string `json:"uTime"`
}

func (r rawPosition) normalize() models.Position {
	return models.Position{
		Instrument:  r.InstID,
		PosSide:     r.PosSide,
		Size:        r.Pos,
		AvgEntry:    r.AvgPx,
		UnrealPnL:   r.Upl,
		PnLRatio:    r.UplRatio,
		Leverage:    r.Lever,
		LiqPrice:    r.LiqPx,
		Margin:      r.Margin,
		MarginRatio: r.MgnRatio,
		UpdatedAt:   parseMillis(r.UTime),
	}
}

// --- market data reads ---

// GetCandles returns up to limit bars, oldest first.
func (c *RESTClient) GetCandles(ctx context.Context, instrument, bar string, limit int) ([]models.Candle, error) {
	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d",
		url.QueryEscape(instrument), url.QueryEscape(bar), limit)
	data, err := c.getWithRetry(ctx, path)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}

	// OKX returns newest first; flip to chronological order.
	candles := make([]models.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp:  parseMillis(row[0]),
			Instrument: instrument,
			Timeframe:  bar,
			Open:       row[1],
			High:       row[2],
			Low:        row[3],
			Close:      row[4],
			Volume:     row[5],
		})
	}
	return candles, nil
}

// GetTicker returns the normalized ticker.
func (c *RESTClient) GetTicker(ctx context.Context, instrument string) (models.Ticker, error) {
	data, err := c.getWithRetry(ctx, "/api/v5/market/ticker?instId="+url.QueryEscape(instrument))
	if err != nil {
		return models.Ticker{}, err
	}

	var rows []struct {
		Last    string `json:"last"`
		BidPx   string `json:"bidPx"`
		AskPx   string `json:"askPx"`
		High24h string `json:"high24h"`
		Low24h  string `json:"low24h"`
		Vol24h  string `json:"vol24h"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return models.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	if len(rows) == 0 {
		return models.Ticker{}, fmt.Errorf("empty ticker response")
	}

	return models.Ticker{
		Instrument: instrument,
		Last:       parseFloat(rows[0].Last),
		BidPrice:   parseFloat(rows[0].BidPx),
		AskPrice:   parseFloat(rows[0].AskPx),
		High24h:    parseFloat(rows[0].High24h),
		Low24h:     parseFloat(rows[0].Low24h),
		Volume24h:  parseFloat(rows[0].Vol24h),
	}, nil
}

// GetOrderbook returns the top-depth view of the book.
func (c *RESTClient) GetOrderbook(ctx context.Context, instrument string, depth int) (models.OrderBook, error) {
	path := fmt.Sprintf("/api/v5/market/books?instId=%s&sz=%d", url.QueryEscape(instrument), depth)
	data, err := c.getWithRetry(ctx, path)
	if err != nil {
		return models.OrderBook{}, err
	}

	var rows []struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		TS   string     `json:"ts"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return models.OrderBook{}, fmt.Errorf("decode orderbook: %w", err)
	}
	if len(rows) == 0 {
		return models.OrderBook{}, fmt.Errorf("empty orderbook response")
	}

	book := models.OrderBook{Timestamp: parseMillis(rows[0].TS)}
	for _, level := range rows[0].Bids {
		if len(level) < 2 {
			continue
		}
		l := models.OrderBookLevel{Price: parseFloat(level[0]), Size: parseFloat(level[1])}
		book.Bids = append(book.Bids, l)
		book.BidDepth += l.Size
	}
	for _, level := range rows[0].Asks {
		if len(level) < 2 {
			continue
		}
		l := models.OrderBookLevel{Price: parseFloat(level[0]), Size: parseFloat(level[1])}
		book.Asks = append(book.Asks, l)
		book.AskDepth += l.Size
	}
	if len(book.Bids) > 0 && len(book.Asks) > 0 {
		book.Spread = book.Asks[0].Price - book.Bids[0].Price
	}
	return book, nil
}

// GetFundingRate returns current and next funding.
func (c *RESTClient) GetFundingRate(ctx context.Context, instrument string) (models.FundingRate, error) {
	data, err := c.getWithRetry(ctx, "/api/v5/public/funding-rate?instId="+url.QueryEscape(instrument))
	if err != nil {
		return models.FundingRate{}, err
	}

	var rows []struct {
		FundingRate     string `json:"fundingRate"`
		NextFundingRate string `json:"nextFundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return models.FundingRate{}, fmt.Errorf("decode funding rate: %w", err)
	}
	if len(rows) == 0 {
		return models.FundingRate{}, fmt.Errorf("empty funding response")
	}

	return models.FundingRate{
		Current:  parseFloat(rows[0].FundingRate),
		Next:     parseFloat(rows[0].NextFundingRate),
		NextTime: parseMillis(rows[0].NextFundingTime),
	}, nil
}

// GetOpenInterest returns contract open interest.
func (c *RESTClient) GetOpenInterest(ctx context.Context, instrument string) (float64, error) {
	data, err := c.getWithRetry(ctx, "/api/v5/public/open-interest?instId="+url.QueryEscape(instrument))
	if err != nil {
		return 0, err
	}

	var rows []struct {
		Oi string `json:"oi"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("decode open interest: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("empty open interest response")
	}
	return parseFloat(rows[0].Oi), nil
}

// GetLongShortRatio returns the latest account long/short ratio for a currency.
func (c *RESTClient) GetLongShortRatio(ctx context.Context, currency string) (float64, error) {
	path := "/api/v5/rubik/stat/contracts/long-short-account-ratio?ccy=" + url.QueryEscape(currency)
	data, err := c.getWithRetry(ctx, path)
	if err != nil {
		return 0, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("decode long/short ratio: %w", err)
	}
	if len(rows) == 0 || len(rows[0]) < 2 {
		return 0, fmt.Errorf("empty long/short response")
	}
	return parseFloat(rows[0][1]), nil
}

// GetTakerVolume returns the latest taker buy and sell volumes for a currency.
func (c *RESTClient) GetTakerVolume(ctx context.Context, currency string) (float64, float64, error) {
	path := "/api/v5/rubik/stat/taker-volume?ccy=" + url.QueryEscape(currency) + "&instType=CONTRACTS"
	data, err := c.getWithRetry(ctx, path)
	if err != nil {
		return 0, 0, err
	}

	var rows [][]string
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, 0, fmt.Errorf("decode taker volume: %w", err)
	}
	if len(rows) == 0 || len(rows[0]) < 3 {
		return 0, 0, fmt.Errorf("empty taker volume response")
	}
	// row layout: [ts, sellVol, buyVol]
	return parseFloat(rows[0][2]), parseFloat(rows[0][1]), nil
}

// --- helpers ---

func failedResult(err error) models.OrderResult {
	res := models.OrderResult{
		Success:      false,
		Status:       "failed",
		ErrorMessage: err.Error(),
		Timestamp:    time.Now().UTC(),
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		res.ErrorCode = apiErr.Code
		res.ErrorMessage = apiErr.Message
	}
	return res
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
