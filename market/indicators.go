package market

import (
	"math"
	"strconv"

	talib "github.com/markcheno/go-talib"

	"opus-trader/models"
)

// Matrix is the float view of one candle window, oldest first. Indicator math
// runs in double precision; exactness only matters at the exchange boundary.
type Matrix struct {
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
}

// NewMatrix converts a candle window into parallel OHLCV series. Unparsable
// fields become zero; the window is expected to come from exchange data.
func NewMatrix(candles []models.Candle) Matrix {
	m := Matrix{
		Open:   make([]float64, len(candles)),
		High:   make([]float64, len(candles)),
		Low:    make([]float64, len(candles)),
		Close:  make([]float64, len(candles)),
		Volume: make([]float64, len(candles)),
	}
	for i, c := range candles {
		m.Open[i], _ = strconv.ParseFloat(c.Open, 64)
		m.High[i], _ = strconv.ParseFloat(c.High, 64)
		m.Low[i], _ = strconv.ParseFloat(c.Low, 64)
		m.Close[i], _ = strconv.ParseFloat(c.Close, 64)
		m.Volume[i], _ = strconv.ParseFloat(c.Volume, 64)
	}
	return m
}

// Len reports the window size.
func (m Matrix) Len() int { return len(m.Close) }

func ptr(v float64) *float64 { return &v }

// ComputeIndicators derives the full indicator set for one window. Fields
// whose lookback exceeds the window stay nil; consumers tolerate absence.
func ComputeIndicators(m Matrix) models.IndicatorSet {
	n := m.Len()
	set := models.IndicatorSet{}
	if n == 0 {
		return set
	}
	last := n - 1
	price := m.Close[last]

	if n > 14 {
		rsi := talib.Rsi(m.Close, 14)
		set.RSI = ptr(rsi[last])
	}

	if n >= 35 {
		line, signal, hist := talib.Macd(m.Close, 12, 26, 9)
		set.MACD = &models.MACD{Line: line[last], Signal: signal[last], Histogram: hist[last]}
		switch {
		case line[last] > signal[last]:
			set.MACDSignal = "bullish"
		case line[last] < signal[last]:
			set.MACDSignal = "bearish"
		default:
			set.MACDSignal = "neutral"
		}
	}

	if n >= 20 {
		upper, middle, lower := talib.BBands(m.Close, 20, 2, 2, talib.SMA)
		set.Bollinger = &models.Bollinger{Upper: upper[last], Middle: middle[last], Lower: lower[last]}
		switch {
		case price > upper[last]:
			set.BBPosition = "above_upper"
		case price > middle[last]:
			set.BBPosition = "upper_half"
		case price > lower[last]:
			set.BBPosition = "lower_half"
		default:
			set.BBPosition = "below_lower"
		}
	}

	var ema20 []float64
	if n >= 20 {
		ema20 = talib.Ema(m.Close, 20)
		set.EMA20 = ptr(ema20[last])
	}
	if n >= 50 {
		set.EMA50 = ptr(talib.Ema(m.Close, 50)[last])
	}
	if n >= 200 {
		set.EMA200 = ptr(talib.Ema(m.Close, 200)[last])
	}
	if set.EMA20 != nil && set.EMA50 != nil && set.EMA200 != nil {
		switch {
		case *set.EMA20 > *set.EMA50 && *set.EMA50 > *set.EMA200:
			set.EMAAlignment = "bullish"
		case *set.EMA20 < *set.EMA50 && *set.EMA50 < *set.EMA200:
			set.EMAAlignment = "bearish"
		default:
			set.EMAAlignment = "mixed"
		}
	}

	// Slope measured over the last 5 bars, as a fraction of the older value.
	if len(ema20) >= 26 {
		base := ema20[last-5]
		if base != 0 {
			set.EMA20Slope = ptr((ema20[last] - base) / base)
		}
	}

	if n > 14 {
		atr := talib.Atr(m.High, m.Low, m.Close, 14)
		set.ATR = ptr(atr[last])
		if n >= 34 {
			sum := 0.0
			for _, v := range atr[n-20:] {
				sum += v
			}
			set.ATRAvg20 = ptr(sum / 20)
		}
	}

	set.VWAP = ptr(vwap(m))

	if n >= 28 {
		set.ADX = ptr(talib.Adx(m.High, m.Low, m.Close, 14)[last])
	}

	if n >= 35 {
		k, d := talib.StochRsi(m.Close, 14, 14, 3, talib.SMA)
		set.StochRSI = &models.StochRSI{K: k[last], D: d[last]}
	}

	set.OBV = ptr(talib.Obv(m.Close, m.Volume)[last])

	if n >= 52 {
		tenkan := midpoint(m.High, m.Low, 9)
		kijun := midpoint(m.High, m.Low, 26)
		set.Ichimoku = &models.Ichimoku{
			Tenkan:  tenkan,
			Kijun:   kijun,
			SenkouA: (tenkan + kijun) / 2,
			SenkouB: midpoint(m.High, m.Low, 52),
		}
	}

	window := n
	if window > 50 {
		window = 50
	}
	set.Support = ptr(lowest(m.Low, window))
	set.Resistance = ptr(highest(m.High, window))

	if n >= 20 {
		sum := 0.0
		for _, v := range m.Volume[n-20:] {
			sum += v
		}
		if avg := sum / 20; avg > 0 {
			set.VolumeRatio = ptr(m.Volume[last] / avg)
		}
	}

	return set
}

// vwap is the volume-weighted average of typical prices over the window.
func vwap(m Matrix) float64 {
	var pv, vol float64
	for i := range m.Close {
		typical := (m.High[i] + m.Low[i] + m.Close[i]) / 3
		pv += typical * m.Volume[i]
		vol += m.Volume[i]
	}
	if vol == 0 {
		return 0
	}
	return pv / vol
}

// midpoint is (highest high + lowest low) / 2 over the trailing period.
func midpoint(high, low []float64, period int) float64 {
	return (highest(high, period) + lowest(low, period)) / 2
}

func highest(series []float64, period int) float64 {
	out := math.Inf(-1)
	for _, v := range series[len(series)-period:] {
		if v > out {
			out = v
		}
	}
	return out
}

func lowest(series []float64, period int) float64 {
	out := math.Inf(1)
	for _, v := range series[len(series)-period:] {
		if v < out {
			out = v
		}
	}
	return out
}
