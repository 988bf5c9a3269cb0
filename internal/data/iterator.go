package data

import (
	"context"
	"io"
	"time"

	"tapesim/internal/market"
)

// Stream describes one (symbol, kind, span) request over [from, to). It is
// immutable; every Iterator call replays the same logical sequence.
type Stream struct {
	cache   *Cache
	symbol  string
	kind    market.RecordKind
	span    market.Span
	from    time.Time
	to      time.Time
	buckets []market.Bucket
}

func NewStream(cache *Cache, symbol string, kind market.RecordKind, span market.Span, from, to time.Time) *Stream {
	return &Stream{
		cache:   cache,
		symbol:  symbol,
		kind:    kind,
		span:    span,
		from:    from.UTC(),
		to:      to.UTC(),
		buckets: Plan(symbol, kind, span, from, to),
	}
}

func (s *Stream) Symbol() string          { return s.symbol }
func (s *Stream) Kind() market.RecordKind { return s.kind }
func (s *Stream) Span() market.Span       { return s.span }

// Buckets exposes the planner output, mainly for cache warming.
func (s *Stream) Buckets() []market.Bucket {
	return append([]market.Bucket{}, s.buckets...)
}

// Iterator starts a fresh pass over the stream.
func (s *Stream) Iterator() *Iterator {
	return &Iterator{stream: s}
}

// Iterator walks the stream's buckets lazily, one cache resolve at a time,
// yielding records in ascending timestamp order, confined to [from, to).
// Next returns io.EOF once the last bucket's last record has been yielded.
type Iterator struct {
	stream *Stream
	next   int
	buf    []market.Record
	pos    int
}

func (it *Iterator) Next(ctx context.Context) (market.Record, error) {
	for {
		if it.pos < len(it.buf) {
			rec := it.buf[it.pos]
			it.pos++
			return rec, nil
		}
		if it.next >= len(it.stream.buckets) {
			return nil, io.EOF
		}
		bucket := it.stream.buckets[it.next]
		it.next++
		records, err := it.stream.cache.Resolve(ctx, bucket)
		if err != nil {
			return nil, err
		}
		it.buf = it.filter(records)
		it.pos = 0
	}
}

// filter drops records outside [from, to); buckets at the range edges can
// cover more than was asked for.
func (it *Iterator) filter(records []market.Record) []market.Record {
	out := records[:0:0]
	for _, rec := range records {
		ts := rec.RecordTime()
		if ts.Before(it.stream.from) || !ts.Before(it.stream.to) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
