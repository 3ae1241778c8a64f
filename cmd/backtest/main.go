package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"creditspread-backtest/services/config"
	"creditspread-backtest/services/engine"
	"creditspread-backtest/services/marketdata"
	"creditspread-backtest/services/tickstore"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Strategy YAML, merged over the defaults")
	template := flag.String("template", "", "Named strategy preset instead of a config file")
	from := flag.String("from", "", "Backtest start date (YYYY-MM-DD)")
	to := flag.String("to", "", "Backtest end date (YYYY-MM-DD)")

	chDSN := flag.String("ch-dsn", envDefault("CLICKHOUSE_DSN", ""), "ClickHouse DSN for spot candles and expiries")
	chDB := flag.String("ch-db", envDefault("CLICKHOUSE_DB", "backtest"), "ClickHouse database")
	spotCSV := flag.String("spot-csv", "", "Local CSV with coarse spot candles; skips ClickHouse")
	minuteCSV := flag.String("minute-csv", "", "Local CSV with 1-minute spot candles")
	expiryCSV := flag.String("expiries-csv", "", "Local CSV with the expiry schedule")

	tickRoot := flag.String("tick-root", envDefault("TICK_ROOT", ""), "Root directory of the monthly tick zip archives")
	spillDir := flag.String("spill-dir", "", "Optional on-disk cache for parsed tick series")

	tradesOut := flag.String("trades-out", "trades.csv", "Output CSV for trades")
	skipsOut := flag.String("skips-out", "skips.csv", "Output CSV for skipped triggers")
	reportOut := flag.String("report-out", "report.json", "Output JSON for the run summary")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	// Optional .env for ClickHouse credentials and the tick archive root.
	_ = godotenv.Load()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := resolveConfig(*configPath, *template)
	if err != nil {
		logger.Fatal("configuration", zap.Error(err))
	}

	start, end, err := parseWindow(*from, *to)
	if err != nil {
		logger.Fatal("backtest window", zap.Error(err))
	}

	if strings.TrimSpace(*tickRoot) == "" {
		logger.Fatal("no tick data source", zap.String("hint", "set --tick-root or TICK_ROOT"))
	}

	candles, expiries, cleanup, err := openMarketData(*chDSN, *chDB, *spotCSV, *minuteCSV, *expiryCSV, cfg.Timeframe)
	if err != nil {
		logger.Fatal("market data source", zap.Error(err))
	}
	defer cleanup()

	ticks := tickstore.NewStore(*tickRoot, logger)
	defer ticks.Close()
	if *spillDir != "" {
		if err := ticks.EnableSpill(*spillDir); err != nil {
			logger.Fatal("spill cache", zap.String("dir", *spillDir), zap.Error(err))
		}
	}

	runner := &engine.Runner{
		Candles:  candles,
		Expiries: expiries,
		Ticks:    ticks,
		Log:      logger,
		Progress: func(stage string, pct int) {
			logger.Info("progress", zap.String("stage", stage), zap.Int("pct", pct))
		},
	}

	result, err := runner.Run(context.Background(), cfg, start, end)
	if err != nil {
		logger.Fatal("backtest failed", zap.Error(err))
	}

	if err := writeTrades(*tradesOut, result.Trades); err != nil {
		logger.Fatal("write trades", zap.String("path", *tradesOut), zap.Error(err))
	}
	if err := writeSkips(*skipsOut, result.Skips); err != nil {
		logger.Fatal("write skips", zap.String("path", *skipsOut), zap.Error(err))
	}
	if err := writeReport(*reportOut, result); err != nil {
		logger.Fatal("write report", zap.String("path", *reportOut), zap.Error(err))
	}

	logger.Info("done",
		zap.String("run_id", result.RunID),
		zap.Int("trades", len(result.Trades)),
		zap.Int("skips", len(result.Skips)),
		zap.Float64("total_pnl", result.Summary.TotalPNL),
		zap.String("trades_out", *tradesOut),
		zap.String("report_out", *reportOut),
	)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// resolveConfig layers the three sources: defaults, then an optional named
// template, then an optional YAML file. Template and file together are
// ambiguous and rejected.
func resolveConfig(path, template string) (config.Config, error) {
	if path != "" && template != "" {
		return config.Config{}, fmt.Errorf("--config and --template are mutually exclusive")
	}
	if template != "" {
		for _, t := range config.Templates() {
			if strings.EqualFold(t.Name, template) {
				return t.Config, nil
			}
		}
		var names []string
		for _, t := range config.Templates() {
			names = append(names, t.Name)
		}
		return config.Config{}, fmt.Errorf("unknown template %q, have: %s", template, strings.Join(names, ", "))
	}
	if path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	if from == "" || to == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to are required")
	}
	start, err := time.Parse("2006-01-02", from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from %q: %w", from, err)
	}
	end, err := time.Parse("2006-01-02", to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to %q: %w", to, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--to must be after --from")
	}
	// Cover the whole final day.
	return start, end.Add(24*time.Hour - time.Nanosecond), nil
}

// openMarketData picks local CSVs when provided, otherwise ClickHouse.
func openMarketData(dsn, db, spotCSV, minuteCSV, expiryCSV, timeframe string) (marketdata.CandleSource, marketdata.ExpirySource, func(), error) {
	if spotCSV != "" || minuteCSV != "" || expiryCSV != "" {
		if spotCSV == "" || minuteCSV == "" || expiryCSV == "" {
			return nil, nil, nil, fmt.Errorf("CSV mode needs --spot-csv, --minute-csv and --expiries-csv together")
		}
		store := &marketdata.CSVStore{
			CandleFiles: map[string]string{
				timeframe: spotCSV,
				"minute":  minuteCSV,
			},
			ExpiryFile: expiryCSV,
		}
		return store, store, func() {}, nil
	}

	if strings.TrimSpace(dsn) == "" {
		return nil, nil, nil, fmt.Errorf("no candle source: set --ch-dsn or the CSV flags")
	}
	store, err := marketdata.OpenClickHouse(dsn, db)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, store, func() { store.Close() }, nil
}
