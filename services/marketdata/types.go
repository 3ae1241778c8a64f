// Package marketdata supplies spot candle series and option expiry schedules
// to the backtest engine, from either ClickHouse or local CSV exports.
package marketdata

import (
	"context"
	"time"
)

// Candle is a single OHLC bar. Series are always ordered ascending by
// timestamp and never mutated after production.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
}

// CandleSource provides ordered candle series for an instrument at a given
// timeframe ("minute", "5minute", "15minute", "day").
type CandleSource interface {
	Candles(ctx context.Context, instrument string, start, end time.Time, timeframe string) ([]Candle, error)
}

// ExpirySource provides the ascending option expiry schedule covering a
// backtest window.
type ExpirySource interface {
	Expiries(ctx context.Context, underlying string, start, end time.Time) ([]time.Time, error)
}
