// Resamples a minute spot candle CSV into a coarser timeframe for CSV-mode
// backtests, so only the minute export has to be maintained.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"creditspread-backtest/services/marketdata"
)

func main() {
	in := flag.String("in", "", "Input minute CSV (timestamp,open,high,low,close)")
	out := flag.String("out", "", "Output CSV path")
	dst := flag.String("dst", "15minute", "Target timeframe: 5minute or 15minute")
	flag.Parse()

	if *in == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "error: -in and -out are required")
		os.Exit(1)
	}
	var bucket time.Duration
	switch *dst {
	case "5minute":
		bucket = 5 * time.Minute
	case "15minute":
		bucket = 15 * time.Minute
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported -dst %q\n", *dst)
		os.Exit(1)
	}

	minutes, err := marketdata.LoadCandlesCSV(*in)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if len(minutes) == 0 {
		fmt.Fprintln(os.Stderr, "error: no input candles parsed")
		os.Exit(1)
	}

	coarse := resample(minutes, bucket)

	of, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer of.Close()

	w := bufio.NewWriter(of)
	fmt.Fprintln(w, "timestamp,open,high,low,close")
	for _, c := range coarse {
		fmt.Fprintf(w, "%s,%.2f,%.2f,%.2f,%.2f\n",
			c.Timestamp.UTC().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %d %s candles from %d minute candles\n", len(coarse), *dst, len(minutes))
}

// resample buckets minute candles into fixed UTC-aligned intervals. Open is
// the first minute's open, close the last minute's close.
func resample(minutes []marketdata.Candle, bucket time.Duration) []marketdata.Candle {
	agg := make(map[time.Time]*marketdata.Candle)
	var order []time.Time

	for _, m := range minutes {
		start := m.Timestamp.Truncate(bucket)
		c, ok := agg[start]
		if !ok {
			nc := m
			nc.Timestamp = start
			agg[start] = &nc
			order = append(order, start)
			continue
		}
		if m.High > c.High {
			c.High = m.High
		}
		if m.Low < c.Low {
			c.Low = m.Low
		}
		c.Close = m.Close
	}

	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })
	out := make([]marketdata.Candle, 0, len(order))
	for _, ts := range order {
		out = append(out, *agg[ts])
	}
	return out
}
