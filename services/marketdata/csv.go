package marketdata

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// CSVStore serves candles and expiries from local CSV exports. CandleFiles
// maps a timeframe to its file path; files may be UTF-8 or UTF-16 with BOM.
type CSVStore struct {
	CandleFiles map[string]string
	ExpiryFile  string
}

func (s *CSVStore) Candles(_ context.Context, _ string, start, end time.Time, timeframe string) ([]Candle, error) {
	path, ok := s.CandleFiles[timeframe]
	if !ok {
		return nil, fmt.Errorf("no candle file configured for timeframe %q", timeframe)
	}
	all, err := LoadCandlesCSV(path)
	if err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(all))
	for _, c := range all {
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func (s *CSVStore) Expiries(_ context.Context, _ string, start, end time.Time) ([]time.Time, error) {
	return LoadExpiriesCSV(s.ExpiryFile, start, end)
}

// LoadCandlesCSV reads an OHLC CSV with a header row. The timestamp column
// may be "timestamp" (epoch millis) or "time_utc"/"date" (RFC 3339 or
// "2006-01-02 15:04:05").
func LoadCandlesCSV(path string) ([]Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(decodeReader(f))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) <= 1 {
		return nil, errors.New("candle CSV missing rows")
	}

	colIdx := map[string]int{}
	for idx, col := range records[0] {
		colIdx[strings.ToLower(strings.TrimSpace(col))] = idx
	}
	for _, col := range []string{"open", "high", "low", "close"} {
		if _, ok := colIdx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	tsIdx, epochMillis := -1, false
	if idx, ok := colIdx["time_utc"]; ok {
		tsIdx = idx
	} else if idx, ok := colIdx["date"]; ok {
		tsIdx = idx
	} else if idx, ok := colIdx["timestamp"]; ok {
		tsIdx, epochMillis = idx, true
	}
	if tsIdx == -1 {
		return nil, errors.New("missing timestamp, time_utc or date column")
	}

	candles := make([]Candle, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		rec := records[i]
		if len(rec) <= tsIdx {
			continue
		}
		ts, err := parseTimestamp(strings.TrimSpace(rec[tsIdx]), epochMillis)
		if err != nil {
			return nil, fmt.Errorf("row %d timestamp: %w", i, err)
		}
		var c Candle
		c.Timestamp = ts
		if c.Open, err = parseField(rec, colIdx["open"]); err != nil {
			return nil, fmt.Errorf("row %d open: %w", i, err)
		}
		if c.High, err = parseField(rec, colIdx["high"]); err != nil {
			return nil, fmt.Errorf("row %d high: %w", i, err)
		}
		if c.Low, err = parseField(rec, colIdx["low"]); err != nil {
			return nil, fmt.Errorf("row %d low: %w", i, err)
		}
		if c.Close, err = parseField(rec, colIdx["close"]); err != nil {
			return nil, fmt.Errorf("row %d close: %w", i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// LoadExpiriesCSV reads a CSV with an "expiry_date" column in YYYY-MM-DD form
// and returns the ascending dates falling within [start, end].
func LoadExpiriesCSV(path string, start, end time.Time) ([]time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(decodeReader(f))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) <= 1 {
		return nil, errors.New("expiry CSV missing rows")
	}

	expiryIdx := -1
	for idx, col := range records[0] {
		if strings.ToLower(strings.TrimSpace(col)) == "expiry_date" {
			expiryIdx = idx
		}
	}
	if expiryIdx == -1 {
		return nil, errors.New("missing expiry_date column")
	}

	var expiries []time.Time
	for i := 1; i < len(records); i++ {
		rec := records[i]
		if len(rec) <= expiryIdx {
			continue
		}
		expiry, err := time.Parse("2006-01-02", strings.TrimSpace(rec[expiryIdx]))
		if err != nil {
			return nil, fmt.Errorf("row %d expiry: %w", i, err)
		}
		if expiry.Before(start) || expiry.After(end) {
			continue
		}
		expiries = append(expiries, expiry)
	}
	for i := 1; i < len(expiries); i++ {
		if expiries[i].Before(expiries[i-1]) {
			return nil, errors.New("expiry CSV is not sorted ascending")
		}
	}
	return expiries, nil
}

func parseTimestamp(s string, epochMillis bool) (time.Time, error) {
	if epochMillis {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.Parse("2006-01-02 15:04:05", s)
}

func parseField(rec []string, idx int) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(rec[idx]), 64)
}

// decodeReader wraps r with a UTF-16 decoder when a BOM is present; GFDL and
// broker exports frequently carry one.
func decodeReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	head, _ := br.Peek(2)
	if len(head) >= 2 && ((head[0] == 0xFF && head[1] == 0xFE) || (head[0] == 0xFE && head[1] == 0xFF)) {
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	}
	if len(head) >= 2 && head[0] == 0xEF && head[1] == 0xBB {
		// UTF-8 BOM
		return transform.NewReader(br, unicode.UTF8BOM.NewDecoder())
	}
	return br
}
