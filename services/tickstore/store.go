package tickstore

import (
	"archive/zip"
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ErrNotFound reports absence of tick data for a (date, symbol) key at any
// tier: missing monthly archive, missing daily inner archive, or missing
// symbol file. It is not a failure; callers treat it as no data.
var ErrNotFound = errors.New("tickstore: series not found")

const dateFolderPrefix = "GFDLNFO_TICK_OPTIONS_"

// TickPoint is one traded print: time of day plus last traded price.
type TickPoint struct {
	Time time.Duration // since midnight
	LTP  float64
}

// TickSeries is the ordered intraday tick sequence for one (date, symbol).
type TickSeries []TickPoint

// After returns the suffix of ticks strictly later than cutoff.
func (s TickSeries) After(cutoff time.Duration) TickSeries {
	i := sort.Search(len(s), func(i int) bool { return s[i].Time > cutoff })
	return s[i:]
}

// FirstAtOrAfter returns the first tick at or later than cutoff.
func (s TickSeries) FirstAtOrAfter(cutoff time.Duration) (TickPoint, bool) {
	i := sort.Search(len(s), func(i int) bool { return s[i].Time >= cutoff })
	if i == len(s) {
		return TickPoint{}, false
	}
	return s[i], true
}

// Store resolves tick series from nested zip archives laid out as
//
//	{root}/{underlying}{yyyy}/{MMM_yyyy}.zip
//	  └── GFDLNFO_TICK_OPTIONS_{ddmmyyyy}*.zip
//	        └── GFDLNFO_TICK_OPTIONS_{ddmmyyyy}/Options/{symbol}.NFO.csv
//
// Three tiers are populated lazily and retained until Close: monthly archive
// handles, resolved inner archive names, and fully parsed series. A Store
// belongs to a single backtest run and must not be shared across runs.
type Store struct {
	root string
	log  *zap.Logger

	archives   map[string]*zip.ReadCloser
	innerNames map[string]string
	series     map[string]TickSeries

	spill *SpillCache
}

// NewStore creates a store rooted at the archive directory.
func NewStore(root string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		root:       root,
		log:        log,
		archives:   make(map[string]*zip.ReadCloser),
		innerNames: make(map[string]string),
		series:     make(map[string]TickSeries),
	}
}

// EnableSpill persists parsed series to dir as zstd-compressed CSV so later
// runs skip the double-zip extraction.
func (s *Store) EnableSpill(dir string) error {
	spill, err := NewSpillCache(dir)
	if err != nil {
		return err
	}
	s.spill = spill
	return nil
}

// Close releases all monthly archive handles. The store is unusable after.
func (s *Store) Close() error {
	var firstErr error
	for path, rc := range s.archives {
		if err := rc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close archive %s: %w", path, err)
		}
		delete(s.archives, path)
	}
	return firstErr
}

// Series returns the tick series for symbol on the given trading date.
// Misses at any tier return ErrNotFound.
func (s *Store) Series(date time.Time, symbol string) (TickSeries, error) {
	dateFolder := dateFolderPrefix + date.Format("02012006")
	key := dateFolder + "_" + symbol

	if series, ok := s.series[key]; ok {
		return series, nil
	}
	if s.spill != nil {
		if series, ok := s.spill.Load(key); ok {
			s.series[key] = series
			return series, nil
		}
	}

	leg, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}

	outer, err := s.monthlyArchive(leg.Underlying, date)
	if err != nil {
		return nil, err
	}
	innerName, err := s.innerArchiveName(outer, dateFolder)
	if err != nil {
		return nil, err
	}

	series, err := s.extractSeries(outer, innerName, dateFolder, symbol)
	if err != nil {
		return nil, err
	}

	s.series[key] = series
	if s.spill != nil {
		if err := s.spill.Store(key, series); err != nil {
			s.log.Warn("tick spill write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return series, nil
}

// monthlyArchive opens (or returns the cached handle for) the month's zip.
func (s *Store) monthlyArchive(underlying string, date time.Time) (*zip.ReadCloser, error) {
	yearFolder := fmt.Sprintf("%s%d", underlying, date.Year())
	monthName := strings.ToUpper(date.Format("Jan_2006")) + ".zip"
	path := filepath.Join(s.root, yearFolder, monthName)

	if rc, ok := s.archives[path]; ok {
		return rc, nil
	}
	rc, err := zip.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	s.archives[path] = rc
	return rc, nil
}

// innerArchiveName resolves which entry of the monthly zip holds the date's
// data, caching the resolved name.
func (s *Store) innerArchiveName(outer *zip.ReadCloser, dateFolder string) (string, error) {
	if name, ok := s.innerNames[dateFolder]; ok {
		return name, nil
	}
	for _, f := range outer.File {
		if strings.HasPrefix(f.Name, dateFolder) && strings.HasSuffix(f.Name, ".zip") {
			s.innerNames[dateFolder] = f.Name
			return f.Name, nil
		}
	}
	return "", ErrNotFound
}

func (s *Store) extractSeries(outer *zip.ReadCloser, innerName, dateFolder, symbol string) (TickSeries, error) {
	var innerFile *zip.File
	for _, f := range outer.File {
		if f.Name == innerName {
			innerFile = f
			break
		}
	}
	if innerFile == nil {
		return nil, ErrNotFound
	}

	rc, err := innerFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open inner archive %s: %w", innerName, err)
	}
	defer rc.Close()

	// Inner zips are read sequentially from the outer archive, so buffer the
	// whole day before random access.
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read inner archive %s: %w", innerName, err)
	}
	inner, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse inner archive %s: %w", innerName, err)
	}

	target := dateFolder + "/Options/" + symbol + ".NFO.csv"
	for _, f := range inner.File {
		if f.Name != target {
			continue
		}
		cr, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", target, err)
		}
		defer cr.Close()
		series, err := parseTickCSV(cr)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", target, err)
		}
		return series, nil
	}
	return nil, ErrNotFound
}

// parseTickCSV reads a GFDL tick CSV, keeping the Time and LTP columns.
func parseTickCSV(r io.Reader) (TickSeries, error) {
	reader := csv.NewReader(bomReader(r))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) <= 1 {
		return nil, ErrNotFound
	}

	timeIdx, ltpIdx := -1, -1
	for idx, col := range records[0] {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "time":
			timeIdx = idx
		case "ltp":
			ltpIdx = idx
		}
	}
	if timeIdx == -1 || ltpIdx == -1 {
		return nil, errors.New("tick CSV missing Time or LTP column")
	}

	series := make(TickSeries, 0, len(records)-1)
	for i := 1; i < len(records); i++ {
		rec := records[i]
		if len(rec) <= timeIdx || len(rec) <= ltpIdx {
			continue
		}
		tod, err := parseTimeOfDay(strings.TrimSpace(rec[timeIdx]))
		if err != nil {
			return nil, fmt.Errorf("row %d time: %w", i, err)
		}
		ltp, err := strconv.ParseFloat(strings.TrimSpace(rec[ltpIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("row %d ltp: %w", i, err)
		}
		series = append(series, TickPoint{Time: tod, LTP: ltp})
	}

	sort.SliceStable(series, func(i, j int) bool { return series[i].Time < series[j].Time })
	return series, nil
}

func parseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04:05", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second, nil
}

// bomReader strips a UTF-8 BOM or decodes UTF-16 when a BOM is present.
func bomReader(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	head, _ := br.Peek(2)
	if len(head) >= 2 && ((head[0] == 0xFF && head[1] == 0xFE) || (head[0] == 0xFE && head[1] == 0xFF)) {
		return transform.NewReader(br, unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	}
	if len(head) >= 2 && head[0] == 0xEF && head[1] == 0xBB {
		return transform.NewReader(br, unicode.UTF8BOM.NewDecoder())
	}
	return br
}

// TimeOfDay converts a timestamp to its duration since midnight, for
// comparison against TickPoint times.
func TimeOfDay(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}
