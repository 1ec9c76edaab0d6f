package indicators

// SupertrendColor mirrors the regime tag used by the decision layer.
type SupertrendColor string

const (
	Green   SupertrendColor = "green"
	Red     SupertrendColor = "red"
	Neutral SupertrendColor = "neutral"
)

// Supertrend computes the ATR-based flip line. Green means the line sits
// below price (uptrend support), red means above (downtrend resistance).
// Needs at least period+2 bars.
func Supertrend(highs, lows, closes []float64, period int, multiplier float64) (value float64, color SupertrendColor, ok bool) {
	n := len(closes)
	if period <= 0 || n < period+2 || len(highs) != n || len(lows) != n {
		return 0, Neutral, false
	}

	atrSeries, okATR := ATRSeries(highs, lows, closes, period)
	if !okATR {
		return 0, Neutral, false
	}

	// Bars from index `period` onward have an ATR value.
	start := period
	finalUpper := make([]float64, n)
	finalLower := make([]float64, n)
	line := make([]float64, n)
	uptrend := true

	for i := start; i < n; i++ {
		atr := atrSeries[i-start]
		mid := (highs[i] + lows[i]) / 2
		basicUpper := mid + multiplier*atr
		basicLower := mid - multiplier*atr

		if i == start {
			finalUpper[i] = basicUpper
			finalLower[i] = basicLower
			uptrend = closes[i] > basicUpper
		} else {
			if basicUpper < finalUpper[i-1] || closes[i-1] > finalUpper[i-1] {
				finalUpper[i] = basicUpper
			} else {
				finalUpper[i] = finalUpper[i-1]
			}
			if basicLower > finalLower[i-1] || closes[i-1] < finalLower[i-1] {
				finalLower[i] = basicLower
			} else {
				finalLower[i] = finalLower[i-1]
			}

			if uptrend {
				if closes[i] < finalLower[i] {
					uptrend = false
				}
			} else {
				if closes[i] > finalUpper[i] {
					uptrend = true
				}
			}
		}

		if uptrend {
			line[i] = finalLower[i]
		} else {
			line[i] = finalUpper[i]
		}
	}

	color = Red
	if uptrend {
		color = Green
	}
	return line[n-1], color, true
}
