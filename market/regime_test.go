package market

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"opus-trader/models"
)

func regimeInput(adx, slope, atr, atrAvg float64) models.IndicatorSet {
	return models.IndicatorSet{
		ADX:        ptr(adx),
		EMA20Slope: ptr(slope),
		ATR:        ptr(atr),
		ATRAvg20:   ptr(atrAvg),
	}
}

func TestClassifyRegimeBoundaries(t *testing.T) {
	tests := []struct {
		name string
		set  models.IndicatorSet
		want models.Regime
	}{
		{"adx exactly 25 is not trending", regimeInput(25.0, 0.003, 1.0, 1.0), models.RegimeRanging},
		{"adx just above 25 trends", regimeInput(25.01, 0.003, 1.0, 1.0), models.RegimeTrendingUp},
		{"slope exactly 0.2pct is not trending", regimeInput(30, 0.002, 1.0, 1.0), models.RegimeRanging},
		{"slope just above 0.2pct trends", regimeInput(30, 0.0021, 1.0, 1.0), models.RegimeTrendingUp},
		{"negative slope trends down", regimeInput(30, -0.003, 1.0, 1.0), models.RegimeTrendingDown},
		{"atr ratio exactly 1.5 is not volatile", regimeInput(20, 0.0, 1.5, 1.0), models.RegimeRanging},
		{"atr ratio just above 1.5 is volatile", regimeInput(20, 0.0, 1.51, 1.0), models.RegimeVolatile},
		{"trending wins over volatile", regimeInput(30, 0.003, 2.0, 1.0), models.RegimeTrendingUp},
		{"strong adx with flat slope can still be volatile", regimeInput(30, 0.001, 2.0, 1.0), models.RegimeVolatile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyRegime(tt.set))
		})
	}
}

func TestClassifyRegimeMissingInputs(t *testing.T) {
	assert.Equal(t, models.RegimeRanging, ClassifyRegime(models.IndicatorSet{}))

	// ADX without a slope cannot be trending.
	assert.Equal(t, models.RegimeRanging, ClassifyRegime(models.IndicatorSet{ADX: ptr(40)}))

	// Zero ATR average never divides.
	assert.Equal(t, models.RegimeRanging, ClassifyRegime(models.IndicatorSet{
		ATR:      ptr(5),
		ATRAvg20: ptr(0),
	}))
}
