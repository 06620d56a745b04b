package market

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opus-trader/models"
)

// syntheticCandles builds n bars with a gentle uptrend and fixed volume.
func syntheticCandles(n int) []models.Candle {
	out := make([]models.Candle, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		price := 100.0 + 0.5*float64(i) + 2*math.Sin(float64(i)/7)
		out[i] = models.Candle{
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
			Instrument: "BTC-USDT-SWAP",
			Timeframe:  "1H",
			Open:       fmt.Sprintf("%.2f", price-0.2),
			High:       fmt.Sprintf("%.2f", price+1),
			Low:        fmt.Sprintf("%.2f", price-1),
			Close:      fmt.Sprintf("%.2f", price),
			Volume:     "100",
		}
	}
	return out
}

func TestComputeIndicatorsFullWindow(t *testing.T) {
	set := ComputeIndicators(NewMatrix(syntheticCandles(200)))

	require.NotNil(t, set.RSI)
	assert.Greater(t, *set.RSI, 50.0) // rising series

	require.NotNil(t, set.MACD)
	require.NotNil(t, set.Bollinger)
	assert.Greater(t, set.Bollinger.Upper, set.Bollinger.Middle)
	assert.Greater(t, set.Bollinger.Middle, set.Bollinger.Lower)

	require.NotNil(t, set.EMA20)
	require.NotNil(t, set.EMA50)
	require.NotNil(t, set.EMA200)
	assert.Equal(t, "bullish", set.EMAAlignment)

	require.NotNil(t, set.ATR)
	require.NotNil(t, set.ATRAvg20)
	require.NotNil(t, set.ADX)
	require.NotNil(t, set.VWAP)
	require.NotNil(t, set.OBV)
	require.NotNil(t, set.StochRSI)
	require.NotNil(t, set.Ichimoku)
	require.NotNil(t, set.EMA20Slope)
	assert.Greater(t, *set.EMA20Slope, 0.0)

	require.NotNil(t, set.Support)
	require.NotNil(t, set.Resistance)
	assert.Greater(t, *set.Resistance, *set.Support)

	require.NotNil(t, set.VolumeRatio)
	assert.InDelta(t, 1.0, *set.VolumeRatio, 0.01) // constant volume
}

func TestComputeIndicatorsShortWindowLeavesFieldsNil(t *testing.T) {
	set := ComputeIndicators(NewMatrix(syntheticCandles(10)))

	assert.Nil(t, set.RSI)
	assert.Nil(t, set.MACD)
	assert.Nil(t, set.Bollinger)
	assert.Nil(t, set.EMA20)
	assert.Nil(t, set.EMA200)
	assert.Nil(t, set.ADX)
	assert.Nil(t, set.Ichimoku)
	assert.Nil(t, set.EMA20Slope)

	// Window-bounded fields still compute.
	assert.NotNil(t, set.VWAP)
	assert.NotNil(t, set.Support)
	assert.NotNil(t, set.Resistance)
}

func TestComputeIndicatorsEmptyWindow(t *testing.T) {
	set := ComputeIndicators(NewMatrix(nil))
	assert.Nil(t, set.RSI)
	assert.Nil(t, set.VWAP)
	assert.Nil(t, set.Support)
}
