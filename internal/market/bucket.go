package market

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Bucket is one cache unit: all records of one kind for one symbol covering
// one planner period. Date is the period start as a UTC civil date.
type Bucket struct {
	Symbol string
	Date   time.Time
	Kind   RecordKind
	Span   Span // meaningful for KindBar only
}

// granularity is the filename token: the bar span, or "tick" for tick kinds.
func (b Bucket) granularity() string {
	if b.Kind == KindBar {
		return b.Span.String()
	}
	return "tick"
}

// Key uniquely identifies the bucket; it doubles as the fetch-lock key.
func (b Bucket) Key() string {
	return fmt.Sprintf("%s@%s.%s.%s", strings.ToUpper(b.Symbol), b.Date.Format("2006-01-02"), b.granularity(), b.Kind)
}

// Filename renders {date}.{granularity}.{kind}.json.
func (b Bucket) Filename() string {
	return fmt.Sprintf("%s.%s.%s.json", b.Date.Format("2006-01-02"), b.granularity(), b.Kind)
}

// Path places the bucket file under {root}/{SYMBOL}/.
func (b Bucket) Path(root string) string {
	return filepath.Join(root, strings.ToUpper(b.Symbol), b.Filename())
}

// Start is the inclusive begin of the period the bucket covers.
func (b Bucket) Start() time.Time { return b.Date }

// End is the exclusive end of the period the bucket covers. Tick buckets
// always cover a single day; bar buckets follow the span stepping rule.
func (b Bucket) End() time.Time {
	if b.Kind == KindBar {
		return b.Span.Step(b.Date)
	}
	return b.Date.AddDate(0, 0, 1)
}
