package data

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tapesim/internal/market"
)

// bucketFile is the self-describing on-disk layout of one cache unit. The
// header lets a reader reject files that drifted from their path.
type bucketFile struct {
	Symbol string         `json:"symbol"`
	Date   string         `json:"date"`
	Kind   string         `json:"kind"`
	Span   string         `json:"span,omitempty"`
	Trades []market.Trade `json:"trades,omitempty"`
	Quotes []market.Quote `json:"quotes,omitempty"`
	Bars   []market.Bar   `json:"bars,omitempty"`
}

func (f *bucketFile) matches(b market.Bucket) bool {
	if !strings.EqualFold(f.Symbol, b.Symbol) || f.Date != b.Date.Format("2006-01-02") {
		return false
	}
	kind, err := market.ParseRecordKind(f.Kind)
	if err != nil || kind != b.Kind {
		return false
	}
	if b.Kind == market.KindBar && f.Span != b.Span.String() {
		return false
	}
	return true
}

func (f *bucketFile) records() []market.Record {
	out := make([]market.Record, 0, len(f.Trades)+len(f.Quotes)+len(f.Bars))
	for _, t := range f.Trades {
		out = append(out, t)
	}
	for _, q := range f.Quotes {
		out = append(out, q)
	}
	for _, b := range f.Bars {
		out = append(out, b)
	}
	return out
}

// readBucketFile loads and validates a cache file. os.ErrNotExist passes
// through untouched; every other failure wraps ErrCacheCorrupt.
func readBucketFile(path string, b market.Bucket) ([]market.Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCacheCorrupt, path, err)
	}
	var f bucketFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrCacheCorrupt, path, err)
	}
	if !f.matches(b) {
		return nil, fmt.Errorf("%w: header of %s does not match bucket %s", ErrCacheCorrupt, path, b.Key())
	}
	return sortRecords(f.records()), nil
}

// writeBucketFile persists records via temp file + atomic rename so no reader
// ever observes a partial write.
func writeBucketFile(path string, b market.Bucket, records []market.Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f := bucketFile{
		Symbol: strings.ToUpper(b.Symbol),
		Date:   b.Date.Format("2006-01-02"),
		Kind:   b.Kind.String(),
	}
	if b.Kind == market.KindBar {
		f.Span = b.Span.String()
	}
	for _, rec := range records {
		switch r := rec.(type) {
		case market.Trade:
			f.Trades = append(f.Trades, r)
		case market.Quote:
			f.Quotes = append(f.Quotes, r)
		case market.Bar:
			f.Bars = append(f.Bars, r)
		default:
			return fmt.Errorf("unsupported record type %T for bucket %s", rec, b.Key())
		}
	}
	raw, err := json.Marshal(&f)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+b.Filename()+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func sortRecords(records []market.Record) []market.Record {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].RecordTime(), records[j].RecordTime()
		if ti.Equal(tj) {
			return records[i].Class() < records[j].Class()
		}
		return ti.Before(tj)
	})
	return records
}
