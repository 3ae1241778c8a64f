package engine

import "math"

// Indicator helpers over close-price slices. Outputs are aligned to the input
// length with NaN for warm-up positions.

// SMA computes the simple moving average over the last p points.
func SMA(x []float64, p int) []float64 {
	if p <= 0 {
		return nil
	}
	out := make([]float64, len(x))
	var sum float64
	for i := range x {
		sum += x[i]
		if i < p-1 {
			out[i] = math.NaN()
			continue
		}
		if i >= p {
			sum -= x[i-p]
		}
		out[i] = sum / float64(p)
	}
	return out
}

// EMA computes an exponential moving average with smoothing 2/(p+1), seeded
// with the SMA of the first p points.
func EMA(x []float64, p int) []float64 {
	if p <= 0 {
		return nil
	}
	out := make([]float64, len(x))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(x) < p {
		return out
	}
	var seed float64
	for i := 0; i < p; i++ {
		seed += x[i]
	}
	out[p-1] = seed / float64(p)
	k := 2.0 / float64(p+1)
	for i := p; i < len(x); i++ {
		out[i] = x[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI computes Wilder's relative strength index over period p.
func RSI(x []float64, p int) []float64 {
	out := make([]float64, len(x))
	for i := range out {
		out[i] = math.NaN()
	}
	if p <= 0 || len(x) <= p {
		return out
	}

	var gainSum, lossSum float64
	for i := 1; i <= p; i++ {
		change := x[i] - x[i-1]
		if change >= 0 {
			gainSum += change
		} else {
			lossSum += -change
		}
	}
	avgGain := gainSum / float64(p)
	avgLoss := lossSum / float64(p)
	out[p] = rsiValue(avgGain, avgLoss)

	for i := p + 1; i < len(x); i++ {
		change := x[i] - x[i-1]
		var gain, loss float64
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(p-1) + gain) / float64(p)
		avgLoss = (avgLoss*float64(p-1) + loss) / float64(p)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
