package tickstore

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
)

// SpillCache persists parsed tick series on disk as zstd-compressed CSV so a
// later run can skip opening the nested archives for the same keys.
type SpillCache struct {
	dir string
}

func NewSpillCache(dir string) (*SpillCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	return &SpillCache{dir: dir}, nil
}

func (c *SpillCache) path(key string) string {
	return filepath.Join(c.dir, key+".csv.zst")
}

// Load returns the cached series for key, or false when absent or unreadable.
func (c *SpillCache) Load(key string) (TickSeries, bool) {
	f, err := os.Open(c.path(key))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, false
	}
	defer dec.Close()

	records, err := csv.NewReader(dec).ReadAll()
	if err != nil || len(records) == 0 {
		return nil, false
	}

	series := make(TickSeries, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) != 2 {
			return nil, false
		}
		secs, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, false
		}
		ltp, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, false
		}
		series = append(series, TickPoint{Time: time.Duration(secs) * time.Second, LTP: ltp})
	}
	return series, true
}

// Store writes the series for key, replacing any previous spill file.
func (c *SpillCache) Store(key string, series TickSeries) error {
	tmp := c.path(key) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}

	w := csv.NewWriter(enc)
	if err := w.Write([]string{"time_s", "ltp"}); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	for _, p := range series {
		row := []string{
			strconv.FormatInt(int64(p.Time/time.Second), 10),
			strconv.FormatFloat(p.LTP, 'f', -1, 64),
		}
		if err := w.Write(row); err != nil {
			enc.Close()
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, c.path(key))
}
