package trade

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"opus-trader/models"
)

// wsAccount is one entry of the private account channel.
type wsAccount struct {
	TotalEq string `json:"totalEq"`
	Details []struct {
		Ccy      string `json:"ccy"`
		AvailBal string `json:"availBal"`
	} `json:"details"`
}

// AccountCache is the trade service's live view of the account, written only
// by the account-channel handler and read by the order pipeline.
type AccountCache struct {
	log zerolog.Logger

	mu    sync.RWMutex
	state models.AccountState
}

// NewAccountCache creates an empty cache.
func NewAccountCache(log zerolog.Logger) *AccountCache {
	return &AccountCache{log: log.With().Str("component", "account").Logger()}
}

// UpdateFromWS applies one account-channel frame: total equity plus the first
// USDT available balance.
func (a *AccountCache) UpdateFromWS(data json.RawMessage) {
	var raw []wsAccount
	if err := json.Unmarshal(data, &raw); err != nil {
		a.log.Warn().Err(err).Msg("bad account frame")
		return
	}
	if len(raw) == 0 {
		return
	}

	equity, _ := strconv.ParseFloat(raw[0].TotalEq, 64)
	available := 0.0
	for _, d := range raw[0].Details {
		if d.Ccy == "USDT" {
			available, _ = strconv.ParseFloat(d.AvailBal, 64)
			break
		}
	}

	a.mu.Lock()
	a.state.Equity = equity
	a.state.Available = available
	a.state.Timestamp = time.Now().UTC()
	a.mu.Unlock()
}

// Set replaces the cached state, used for the initial REST seed.
func (a *AccountCache) Set(state models.AccountState) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

// Get returns the current cached state.
func (a *AccountCache) Get() models.AccountState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}
