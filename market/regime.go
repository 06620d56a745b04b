package market

import "opus-trader/models"

// Regime thresholds. Comparisons are strict: values landing exactly on a
// threshold do not qualify.
const (
	adxTrendMin    = 25.0
	slopeTrendMin  = 0.002 // 0.2% over the slope lookback
	atrVolatileMin = 1.5   // ATR vs its 20-period average
)

// ClassifyRegime labels the 4H market condition from the 4H indicator set.
// Trending requires ADX above 25 and an EMA20 slope beyond 0.2% in either
// direction, and takes precedence over volatile. A stretched ATR against its
// 20-period average marks volatile. Everything else, missing inputs included,
// is ranging.
func ClassifyRegime(set models.IndicatorSet) models.Regime {
	if set.ADX != nil && set.EMA20Slope != nil && *set.ADX > adxTrendMin {
		if *set.EMA20Slope > slopeTrendMin {
			return models.RegimeTrendingUp
		}
		if *set.EMA20Slope < -slopeTrendMin {
			return models.RegimeTrendingDown
		}
	}

	if set.ATR != nil && set.ATRAvg20 != nil && *set.ATRAvg20 > 0 {
		if *set.ATR / *set.ATRAvg20 > atrVolatileMin {
			return models.RegimeVolatile
		}
	}

	return models.RegimeRanging
}
