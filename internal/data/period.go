package data

import (
	"time"

	"tapesim/internal/market"
)

// Plan decomposes [from, to) into an ordered, gap-free, non-overlapping
// sequence of bucket keys for one symbol/kind/span. Pure and deterministic.
func Plan(symbol string, kind market.RecordKind, span market.Span, from, to time.Time) []market.Bucket {
	if !from.Before(to) {
		return nil
	}
	// A partial final day still needs its bucket, so the end rounds up.
	if ceil := civilDate(to); ceil.Before(to.UTC()) {
		to = ceil.AddDate(0, 0, 1)
	} else {
		to = ceil
	}
	from = civilDate(from)
	var out []market.Bucket
	for date := alignStart(kind, span, from); date.Before(to); {
		b := market.Bucket{Symbol: symbol, Date: date, Kind: kind, Span: span}
		out = append(out, b)
		date = b.End()
	}
	return out
}

// alignStart snaps the first bucket onto the calendar grid of the span so
// repeated requests over overlapping ranges share cache files.
func alignStart(kind market.RecordKind, span market.Span, from time.Time) time.Time {
	if kind != market.KindBar {
		return from
	}
	switch span {
	case market.SpanWeek:
		// ISO weeks: step back to Monday.
		offset := (int(from.Weekday()) + 6) % 7
		return from.AddDate(0, 0, -offset)
	case market.SpanMonth:
		return time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	case market.SpanQuarter:
		month := ((int(from.Month())-1)/3)*3 + 1
		return time.Date(from.Year(), time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	case market.SpanYear:
		return time.Date(from.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return from
	}
}

func civilDate(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
