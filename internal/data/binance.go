package data

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tapesim/internal/market"

	"github.com/adshao/go-binance/v2/futures"
)

const binanceMaxLimit = 1500

var binanceIntervals = map[market.Span]string{
	market.SpanMinute: "1m",
	market.SpanHour:   "1h",
	market.SpanDay:    "1d",
	market.SpanWeek:   "1w",
	market.SpanMonth:  "1M",
}

// BinanceSource serves bar data from Binance USDT futures klines. Tick-level
// history is not offered by the REST API, so trade/quote requests fail with
// ErrUnavailable. Crypto trades around the clock; Calendar synthesizes
// midnight-to-midnight sessions.
type BinanceSource struct {
	client *futures.Client
}

func NewBinanceSource(base string, timeout time.Duration) *BinanceSource {
	client := futures.NewClient("", "")
	if base != "" {
		client.BaseURL = base
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &BinanceSource{client: client}
}

func (b *BinanceSource) Name() string { return "binance" }

func (b *BinanceSource) Fetch(ctx context.Context, req FetchRequest) (Page, error) {
	if req.Kind != market.KindBar {
		return Page{}, fmt.Errorf("binance serves bars only, not %s: %w", req.Kind, ErrUnavailable)
	}
	interval, ok := binanceIntervals[req.Span]
	if !ok {
		return Page{}, fmt.Errorf("binance does not serve %s bars: %w", req.Span, ErrUnavailable)
	}
	start := req.Start.UTC().UnixMilli()
	if req.PageToken != "" {
		ms, err := strconv.ParseInt(req.PageToken, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("bad page token %q: %w", req.PageToken, err)
		}
		start = ms
	}
	limit := req.Limit
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}
	klines, err := b.client.NewKlinesService().
		Symbol(req.Symbol).
		Interval(interval).
		StartTime(start).
		EndTime(req.End.UTC().UnixMilli() - 1).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return Page{}, err
	}
	page := Page{Records: make([]market.Record, 0, len(klines))}
	var lastClose int64
	for _, k := range klines {
		lastClose = k.CloseTime
		page.Records = append(page.Records, market.Bar{
			Symbol:    req.Symbol,
			Span:      req.Span,
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      parsePrice(k.Open),
			High:      parsePrice(k.High),
			Low:       parsePrice(k.Low),
			Close:     parsePrice(k.Close),
			Volume:    parsePrice(k.Volume),
		})
	}
	if len(klines) == limit {
		page.NextToken = strconv.FormatInt(lastClose+1, 10)
	}
	return page, nil
}

// Calendar emits one 24h session per day; crypto has no auction phases.
func (b *BinanceSource) Calendar(_ context.Context, start, end time.Time) (market.Calendar, error) {
	var cal market.Calendar
	for date := civilDate(start); date.Before(end); date = date.AddDate(0, 0, 1) {
		cal = append(cal, market.Session{
			Date:  date,
			Open:  date,
			Close: date.AddDate(0, 0, 1).Add(-time.Millisecond),
		})
	}
	return cal, nil
}

func parsePrice(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
