package main

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"creditspread-backtest/services/engine"
)

func writeTrades(path string, trades []engine.Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	headers := []string{
		"signal_time", "entry_time", "entry_price", "stop_price", "target_pnl",
		"expiry", "sell_symbol", "buy_symbol",
		"sell_entry", "buy_entry", "sell_exit", "buy_exit",
		"exit_time", "exit_price", "exit_reason",
		"net_option_pnl", "spot_pnl",
		"sell_max_profit", "sell_max_loss", "buy_max_profit", "buy_max_loss",
	}
	if err := w.Write(headers); err != nil {
		return err
	}

	for _, tr := range trades {
		row := []string{
			tr.SignalTime.Format(time.RFC3339),
			tr.EntryTime.Format(time.RFC3339),
			formatFloat(tr.EntryPrice),
			formatFloat(tr.StopPrice),
			formatFloat(tr.TargetPNL),
			tr.Expiry.Format("2006-01-02"),
			tr.SellLeg.Symbol(),
			tr.BuyLeg.Symbol(),
			formatFloat(tr.SellEntryPrice),
			formatFloat(tr.BuyEntryPrice),
			formatFloat(tr.SellExitPrice),
			formatFloat(tr.BuyExitPrice),
			"",
			formatFloat(tr.ExitPrice),
			tr.ExitReason,
			formatFloat(tr.NetOptionPNL),
			formatFloat(tr.SpotPNL),
			formatFloat(tr.SellMaxProfit),
			formatFloat(tr.SellMaxLoss),
			formatFloat(tr.BuyMaxProfit),
			formatFloat(tr.BuyMaxLoss),
		}
		if !tr.ExitTime.IsZero() {
			row[12] = tr.ExitTime.Format(time.RFC3339)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

func writeSkips(path string, skips []engine.Skip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"signal_time", "execution_time", "reason", "detail"}); err != nil {
		return err
	}
	for _, s := range skips {
		detail := ""
		if s.Err != nil {
			detail = s.Err.Error()
		}
		row := []string{
			s.SignalTime.Format(time.RFC3339),
			s.ExecutionTime.Format(time.RFC3339),
			s.Reason,
			detail,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return w.Error()
}

type runReport struct {
	RunID      string         `json:"run_id"`
	Underlying string         `json:"underlying"`
	Timeframe  string         `json:"timeframe"`
	Start      string         `json:"start"`
	End        string         `json:"end"`
	Trades     int            `json:"trades"`
	Skips      map[string]int `json:"skips"`
	Summary    engine.Summary `json:"summary"`
}

func writeReport(path string, result *engine.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	report := runReport{
		RunID:      result.RunID,
		Underlying: result.Config.Underlying,
		Timeframe:  result.Config.Timeframe,
		Start:      result.Start.Format("2006-01-02"),
		End:        result.End.Format("2006-01-02"),
		Trades:     len(result.Trades),
		Skips:      result.SkipCounts(),
		Summary:    result.Summary,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// formatFloat renders NaN and infinities as empty CSV cells.
func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
