package engine

import (
	"math"

	"creditspread-backtest/services/config"
	"creditspread-backtest/services/marketdata"
)

// SignalRow is a candle annotated with its indicator values and the long
// entry flag. Every value depends only on bars at or before the row itself.
type SignalRow struct {
	marketdata.Candle

	EMA5   float64
	EMA9   float64
	EMA13  float64
	EMA21  float64
	EMA34  float64
	SMA40  float64
	EMA40  float64
	SMA45  float64
	SMA50  float64
	SMA100 float64
	SMA200 float64
	SMA300 float64
	RSI14  float64

	LongSignal bool
}

// GenerateSignals computes the configured indicator set over the coarse
// candle series and flags long entries. Warm-up rows, where any indicator is
// still NaN, are dropped; with defaults that is the longest window (300).
func GenerateSignals(candles []marketdata.Candle, cfg config.Config) []SignalRow {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	ema5 := EMA(closes, cfg.EMA5)
	ema9 := EMA(closes, cfg.EMA9)
	ema13 := EMA(closes, cfg.EMA13)
	ema21 := EMA(closes, cfg.EMA21)
	ema34 := EMA(closes, cfg.EMA34)
	sma40 := SMA(closes, cfg.SMA40)
	ema40 := EMA(closes, cfg.EMA40)
	sma45 := SMA(closes, cfg.SMA45)
	sma50 := SMA(closes, cfg.SMA50)
	sma100 := SMA(closes, cfg.SMA100)
	sma200 := SMA(closes, cfg.SMA200)
	sma300 := SMA(closes, cfg.SMA300)
	rsi14 := RSI(closes, cfg.RSI14)

	rows := make([]SignalRow, 0, len(candles))
	for i, c := range candles {
		row := SignalRow{
			Candle: c,
			EMA5:   ema5[i],
			EMA9:   ema9[i],
			EMA13:  ema13[i],
			EMA21:  ema21[i],
			EMA34:  ema34[i],
			SMA40:  sma40[i],
			EMA40:  ema40[i],
			SMA45:  sma45[i],
			SMA50:  sma50[i],
			SMA100: sma100[i],
			SMA200: sma200[i],
			SMA300: sma300[i],
			RSI14:  rsi14[i],
		}
		if rowIncomplete(row) {
			continue
		}

		body := c.Close - c.Open
		candleRange := c.High - c.Low
		bodyOK := math.Abs(body) >= cfg.BodyRatio*candleRange

		row.LongSignal = row.EMA9 > row.EMA21 &&
			row.EMA21 > row.SMA200 &&
			row.RSI14 > cfg.RSIThreshold &&
			bodyOK
		rows = append(rows, row)
	}
	return rows
}

func rowIncomplete(r SignalRow) bool {
	for _, v := range []float64{
		r.EMA5, r.EMA9, r.EMA13, r.EMA21, r.EMA34, r.SMA40, r.EMA40,
		r.SMA45, r.SMA50, r.SMA100, r.SMA200, r.SMA300, r.RSI14,
	} {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
