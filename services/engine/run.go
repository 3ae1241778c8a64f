// Package engine contains the credit-spread backtest core: signal
// generation, entry resolution, the trade simulation state machine, and the
// aggregate metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"creditspread-backtest/services/config"
	"creditspread-backtest/services/marketdata"
)

// ErrNoData reports that the market data needed to start a run could not be
// loaded at all. Unlike per-trigger misses it aborts the whole run.
var ErrNoData = errors.New("engine: no market data for window")

// ProgressFunc receives coarse run milestones as a stage name plus a
// percentage. It is an optional observer and never influences control flow.
type ProgressFunc func(stage string, pct int)

// Result is the complete outcome of one backtest run.
type Result struct {
	RunID   string
	Config  config.Config
	Start   time.Time
	End     time.Time
	Trades  []Trade
	Skips   []Skip
	Summary Summary
}

// SkipCounts tallies skip reasons for observability.
func (r *Result) SkipCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range r.Skips {
		counts[s.Reason]++
	}
	return counts
}

// Runner wires the data providers to the simulation pipeline. Each run owns
// its collaborators; tick caches must not be shared between concurrent runs.
type Runner struct {
	Candles  marketdata.CandleSource
	Expiries marketdata.ExpirySource
	Ticks    TickSource
	Log      *zap.Logger
	Progress ProgressFunc
}

func (r *Runner) progress(stage string, pct int) {
	if r.Progress != nil {
		r.Progress(stage, pct)
	}
}

// Run executes a full backtest: load data, generate signals, resolve
// entries, simulate trades, aggregate metrics. Per-trigger data misses are
// recorded as skips; only run-level load failures return an error.
func (r *Runner) Run(ctx context.Context, cfg config.Config, start, end time.Time) (*Result, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r.progress("validating configuration", 10)

	runID := uuid.New().String()
	log = log.With(zap.String("run_id", runID))
	log.Info("starting backtest",
		zap.String("underlying", cfg.Underlying),
		zap.String("timeframe", cfg.Timeframe),
		zap.Time("start", start),
		zap.Time("end", end),
	)

	coarse, err := r.Candles.Candles(ctx, cfg.Underlying, start, end, cfg.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("load %s candles: %w", cfg.Timeframe, err)
	}
	minutes, err := r.Candles.Candles(ctx, cfg.Underlying, start, end, "minute")
	if err != nil {
		return nil, fmt.Errorf("load minute candles: %w", err)
	}
	if len(coarse) == 0 || len(minutes) == 0 {
		return nil, fmt.Errorf("%w: %s %s..%s", ErrNoData, cfg.Underlying,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	expiries, err := r.Expiries.Expiries(ctx, cfg.Underlying, start, end)
	if err != nil {
		return nil, fmt.Errorf("load expiries: %w", err)
	}
	r.progress("loading historical data", 20)

	rows := GenerateSignals(coarse, cfg)
	r.progress("generating signals", 40)

	triggers := ResolveEntries(rows)
	log.Info("entries resolved",
		zap.Int("signal_rows", len(rows)),
		zap.Int("triggers", len(triggers)),
	)
	r.progress("matching entries", 60)

	sim := NewSimulator(cfg, r.Ticks, log)
	trades, skips := sim.Run(triggers, minutes, expiries)
	r.progress("running trade simulation", 80)

	summary := Aggregate(trades)
	r.progress("calculating results", 95)

	result := &Result{
		RunID:   runID,
		Config:  cfg,
		Start:   start,
		End:     end,
		Trades:  trades,
		Skips:   skips,
		Summary: summary,
	}
	log.Info("backtest complete",
		zap.Int("trades", len(trades)),
		zap.Int("skips", len(skips)),
		zap.Float64("total_pnl", summary.TotalPNL),
		zap.Bool("empty", summary.Empty),
	)
	r.progress("complete", 100)
	return result, nil
}
