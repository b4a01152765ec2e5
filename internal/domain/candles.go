package domain

import "time"

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// ATR computes the Average True Range of the series over the trailing
// period: the simple mean of true range across the last period bars.
// Returns 0 when the series is shorter than period+1 (true range needs the
// previous close).
func ATR(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	var sum float64
	for i := len(candles) - period; i < len(candles); i++ {
		sum += trueRange(candles[i], candles[i-1].Close)
	}
	return sum / float64(period)
}

func trueRange(c Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if hc := abs(c.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := abs(c.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

// AvgClose returns the mean closing price of the series, 0 when empty.
func AvgClose(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candles {
		sum += c.Close
	}
	return sum / float64(len(candles))
}

// LastVolume returns the volume of the most recent bar, 0 when empty.
func LastVolume(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].Volume
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
