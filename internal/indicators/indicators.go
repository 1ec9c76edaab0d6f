// Package indicators implements pure numeric kernels over ordered price
// series. All functions are deterministic, hold no state, and return
// (value, false) when the input series is too short.
package indicators

import "math"

// SMA returns the simple mean of the last period closes.
func SMA(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	sum := 0.0
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period), true
}

// EMA returns the exponential moving average seeded with the first-period
// SMA, alpha = 2/(period+1).
func EMA(closes []float64, period int) (float64, bool) {
	series, ok := EMASeries(closes, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// EMASeries returns the full EMA series aligned to closes[period-1:].
func EMASeries(closes []float64, period int) ([]float64, bool) {
	if period <= 0 || len(closes) < period {
		return nil, false
	}
	seed := 0.0
	for _, c := range closes[:period] {
		seed += c
	}
	seed /= float64(period)

	alpha := 2.0 / float64(period+1)
	series := make([]float64, 0, len(closes)-period+1)
	series = append(series, seed)
	ema := seed
	for _, c := range closes[period:] {
		ema = (c-ema)*alpha + ema
		series = append(series, ema)
	}
	return series, true
}

// RSI returns the relative strength index with Wilder smoothing over
// gains and losses. Undefined with fewer than period+1 closes.
func RSI(closes []float64, period int) (float64, bool) {
	series, ok := RSISeries(closes, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// RSISeries returns RSI values aligned to closes[period:].
func RSISeries(closes []float64, period int) ([]float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return nil, false
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			avgGain += d
		} else {
			avgLoss -= d
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	series := make([]float64, 0, len(closes)-period)
	series = append(series, rsiValue(avgGain, avgLoss))
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if d > 0 {
			gain = d
		} else {
			loss = -d
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
		series = append(series, rsiValue(avgGain, avgLoss))
	}
	return series, true
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// TrueRange of bar i given the previous close.
func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR returns the Wilder-smoothed average true range. Needs period+1 bars.
func ATR(highs, lows, closes []float64, period int) (float64, bool) {
	series, ok := ATRSeries(highs, lows, closes, period)
	if !ok {
		return 0, false
	}
	return series[len(series)-1], true
}

// ATRSeries returns ATR values aligned to bars[period:].
func ATRSeries(highs, lows, closes []float64, period int) ([]float64, bool) {
	n := len(closes)
	if period <= 0 || n < period+1 || len(highs) != n || len(lows) != n {
		return nil, false
	}
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(highs[i], lows[i], closes[i-1])
	}
	atr /= float64(period)

	series := make([]float64, 0, n-period)
	series = append(series, atr)
	for i := period + 1; i < n; i++ {
		tr := trueRange(highs[i], lows[i], closes[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
		series = append(series, atr)
	}
	return series, true
}

// ADX returns the classic average directional index: DI+/DI- from
// directional movement, DX from their spread, then Wilder smoothing of
// DX. Needs at least 2*period+1 bars.
func ADX(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || n < 2*period+1 || len(highs) != n || len(lows) != n {
		return 0, false
	}

	smTR, smPlusDM, smMinusDM := 0.0, 0.0, 0.0
	for i := 1; i <= period; i++ {
		plusDM, minusDM := directionalMovement(highs, lows, i)
		smTR += trueRange(highs[i], lows[i], closes[i-1])
		smPlusDM += plusDM
		smMinusDM += minusDM
	}

	dxSum := 0.0
	dxCount := 0
	adx := 0.0
	for i := period + 1; i < n; i++ {
		plusDM, minusDM := directionalMovement(highs, lows, i)
		tr := trueRange(highs[i], lows[i], closes[i-1])

		// Wilder running smoothing of TR and DM.
		smTR = smTR - smTR/float64(period) + tr
		smPlusDM = smPlusDM - smPlusDM/float64(period) + plusDM
		smMinusDM = smMinusDM - smMinusDM/float64(period) + minusDM

		dx := 0.0
		if smTR > 0 {
			plusDI := 100 * smPlusDM / smTR
			minusDI := 100 * smMinusDM / smTR
			if sum := plusDI + minusDI; sum > 0 {
				dx = 100 * math.Abs(plusDI-minusDI) / sum
			}
		}

		if dxCount < period {
			dxSum += dx
			dxCount++
			if dxCount == period {
				adx = dxSum / float64(period)
			}
		} else {
			adx = (adx*float64(period-1) + dx) / float64(period)
		}
	}

	if dxCount < period {
		return 0, false
	}
	return adx, true
}

func directionalMovement(highs, lows []float64, i int) (plusDM, minusDM float64) {
	up := highs[i] - highs[i-1]
	down := lows[i-1] - lows[i]
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	return plusDM, minusDM
}

// VolumeMA returns the simple mean of the last period volumes.
func VolumeMA(volumes []float64, period int) (float64, bool) {
	return SMA(volumes, period)
}

// MACD returns the MACD line (EMA fast - EMA slow) and its signal line
// (EMA of the MACD series over signalPeriod).
func MACD(closes []float64, fast, slow, signalPeriod int) (macd, signal float64, ok bool) {
	if fast >= slow || len(closes) < slow+signalPeriod {
		return 0, 0, false
	}
	fastSeries, okF := EMASeries(closes, fast)
	slowSeries, okS := EMASeries(closes, slow)
	if !okF || !okS {
		return 0, 0, false
	}
	// Align: slowSeries starts (slow-fast) entries later.
	offset := slow - fast
	macdSeries := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdSeries[i] = fastSeries[i+offset] - slowSeries[i]
	}
	signalSeries, okSig := EMASeries(macdSeries, signalPeriod)
	if !okSig {
		return 0, 0, false
	}
	return macdSeries[len(macdSeries)-1], signalSeries[len(signalSeries)-1], true
}

// ConfluenceScore is (met / evaluated) x 100, clamped to [0,100].
// Returns 0 when nothing could be evaluated.
func ConfluenceScore(met, evaluated int) float64 {
	if evaluated <= 0 {
		return 0
	}
	if met > evaluated {
		met = evaluated
	}
	if met < 0 {
		met = 0
	}
	return float64(met) / float64(evaluated) * 100
}
