package data

import (
	"context"
	"time"

	"tapesim/internal/market"
)

// FetchRequest asks a provider for one page of records inside a bucket range.
type FetchRequest struct {
	Symbol    string
	Kind      market.RecordKind
	Span      market.Span // bars only
	Start     time.Time   // inclusive
	End       time.Time   // exclusive
	PageToken string      // empty for the first page
	Limit     int         // max records per page
}

// Page is one provider response. A non-empty NextToken means the range is
// not exhausted and the caller must keep paginating.
type Page struct {
	Records   []market.Record
	NextToken string
}

// Source abstracts the remote market-data provider.
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) (Page, error)
	Calendar(ctx context.Context, start, end time.Time) (market.Calendar, error)
	Name() string
}
