package replay

import (
	"context"
	"testing"
	"time"

	"tapesim/internal/broker"
	"tapesim/internal/market"
	"tapesim/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRecorder struct {
	begun  bool
	orders []broker.Order
	equity []float64
	final  *broker.AccountSnapshot
}

func (m *memoryRecorder) BeginRun(string, time.Time, time.Time, []string) error {
	m.begun = true
	return nil
}

func (m *memoryRecorder) RecordOrder(_ string, o broker.Order) error {
	m.orders = append(m.orders, o)
	return nil
}

func (m *memoryRecorder) RecordEquity(_ string, _ time.Time, equity, _ float64) error {
	m.equity = append(m.equity, equity)
	return nil
}

func (m *memoryRecorder) FinishRun(_ string, final broker.AccountSnapshot) error {
	m.final = &final
	return nil
}

// openBuyer submits one market buy at the first session open.
type openBuyer struct {
	strategy.NopHandler
	quantity float64
	bought   bool
	submitAt time.Time
	fillAt   time.Time
}

func (h *openBuyer) OnSessionEvent(b strategy.Broker, ev market.Boundary) {
	if ev.Event != market.EventOpen || h.bought {
		return
	}
	h.bought = true
	h.submitAt = ev.At
	_, err := b.Submit(broker.OrderRequest{
		Symbol: "AAPL", Side: broker.SideBuy, Quantity: h.quantity,
		Type: broker.TypeMarket, TIF: broker.TIFDay,
	})
	if err != nil {
		panic(err)
	}
}

func (h *openBuyer) OnOrderUpdate(_ strategy.Broker, o broker.Order) {
	if o.Status == broker.StatusFilled {
		h.fillAt = o.CompletedAt
	}
}

func dailyBar(day time.Time, open, high, low, close float64) market.Bar {
	return market.Bar{
		Symbol: "AAPL", Span: market.SpanDay, Timestamp: day,
		Open: open, High: high, Low: low, Close: close, Volume: 1e6,
	}
}

func TestRunnerEndToEndDailyBars(t *testing.T) {
	days := []time.Time{
		date(2024, time.March, 4),
		date(2024, time.March, 5),
		date(2024, time.March, 6),
	}
	source := &stubSource{records: map[string][]market.Record{
		stubKey(market.KindBar, days[0]): {dailyBar(days[0], 150, 156, 149, 155)},
		stubKey(market.KindBar, days[1]): {dailyBar(days[1], 156, 157, 149, 150)},
		stubKey(market.KindBar, days[2]): {dailyBar(days[2], 151, 153, 150, 152)},
	}}
	var calendar market.Calendar
	for _, day := range days {
		calendar = append(calendar, nyseLikeSession(day))
	}
	handler := &openBuyer{quantity: 10}
	recorder := &memoryRecorder{}

	runner, err := NewRunner(RunConfig{
		Cache:                 newStubCache(t, source),
		Calendar:              calendar,
		Feeds:                 []FeedSpec{{Symbol: "AAPL", Kind: market.KindBar, Span: market.SpanDay}},
		From:                  days[0],
		To:                    date(2024, time.March, 7),
		Handler:               handler,
		Recorder:              recorder,
		StartingEquity:        100_000,
		BuyingPowerMultiplier: 4,
	})
	require.NoError(t, err)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	// The buy went in at the open boundary and filled when the first daily
	// bar was dispatched at that session's close, at the bar's open price.
	assert.Equal(t, at(days[0], 9, 30), handler.submitAt)
	assert.Equal(t, at(days[0], 16, 0), handler.fillAt)

	require.Len(t, recorder.orders, 1)
	order := recorder.orders[0]
	assert.Equal(t, broker.StatusFilled, order.Status)
	assert.Equal(t, 10.0, order.FilledQuantity)
	assert.Equal(t, 150.0, order.AvgFillPrice)

	// Final marks: 10 shares at the last close of 152.
	assert.InDelta(t, 100_000-1_500, result.Final.Cash, 1e-9)
	assert.InDelta(t, 100_000-1_500+1_520, result.Final.Equity, 1e-9)
	assert.Empty(t, result.Final.OpenOrders)

	assert.True(t, recorder.begun)
	require.NotNil(t, recorder.final)
	// One equity sample per session close plus the terminal one.
	assert.Len(t, recorder.equity, len(days)+1)
}

// lowballBidder rests a far-away day limit order every session open.
type lowballBidder struct {
	strategy.NopHandler
	submitted int
}

func (h *lowballBidder) OnSessionEvent(b strategy.Broker, ev market.Boundary) {
	if ev.Event != market.EventOpen {
		return
	}
	h.submitted++
	_, err := b.Submit(broker.OrderRequest{
		Symbol: "AAPL", Side: broker.SideBuy, Quantity: 10,
		Type: broker.TypeLimit, LimitPrice: 1, TIF: broker.TIFDay,
	})
	if err != nil {
		panic(err)
	}
}

func TestRunnerCancelsDayOrdersAtSessionClose(t *testing.T) {
	days := []time.Time{date(2024, time.March, 4), date(2024, time.March, 5)}
	source := &stubSource{records: map[string][]market.Record{
		stubKey(market.KindBar, days[0]): {dailyBar(days[0], 150, 156, 149, 155)},
		stubKey(market.KindBar, days[1]): {dailyBar(days[1], 156, 157, 149, 150)},
	}}
	handler := &lowballBidder{}
	recorder := &memoryRecorder{}

	runner, err := NewRunner(RunConfig{
		Cache:          newStubCache(t, source),
		Calendar:       market.Calendar{nyseLikeSession(days[0]), nyseLikeSession(days[1])},
		Feeds:          []FeedSpec{{Symbol: "AAPL", Kind: market.KindBar, Span: market.SpanDay}},
		From:           days[0],
		To:             date(2024, time.March, 6),
		Handler:        handler,
		Recorder:       recorder,
		StartingEquity: 100_000,
	})
	require.NoError(t, err)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, handler.submitted)
	require.Len(t, recorder.orders, 2)
	for _, o := range recorder.orders {
		assert.Equal(t, broker.StatusCanceled, o.Status)
		assert.Zero(t, o.FilledQuantity)
	}
	// Each day's order died at that day's close, not at run end.
	assert.Equal(t, at(days[0], 16, 0), recorder.orders[0].CompletedAt)
	assert.Equal(t, at(days[1], 16, 0), recorder.orders[1].CompletedAt)
	assert.InDelta(t, 100_000, result.Final.Equity, 1e-9)
}

// equityAuditor trades through a mixed tape and checks, after every
// dispatched record, that equity equals cash plus positions at the last
// print (trades, bar closes, and its own fills all count as prints).
type equityAuditor struct {
	strategy.NopHandler
	t *testing.T

	marks  map[string]float64
	filled map[string]float64 // order ID -> filled qty seen so far
	avg    map[string]float64 // order ID -> avg fill price seen so far
	opens  int
	checks int
}

func newEquityAuditor(t *testing.T) *equityAuditor {
	return &equityAuditor{
		t:      t,
		marks:  make(map[string]float64),
		filled: make(map[string]float64),
		avg:    make(map[string]float64),
	}
}

func (h *equityAuditor) OnSessionEvent(b strategy.Broker, ev market.Boundary) {
	if ev.Event != market.EventOpen {
		return
	}
	h.opens++
	switch h.opens {
	case 1:
		// Sized so the small trade prints can only partially fill it.
		_, err := b.Submit(broker.OrderRequest{
			Symbol: "AAPL", Side: broker.SideBuy, Quantity: 100,
			Type: broker.TypeMarket, TIF: broker.TIFDay,
		})
		require.NoError(h.t, err)
	case 2:
		_, err := b.Submit(broker.OrderRequest{
			Symbol: "AAPL", Side: broker.SideSell, Quantity: 60,
			Type: broker.TypeLimit, LimitPrice: 52, TIF: broker.TIFDay,
		})
		require.NoError(h.t, err)
	}
}

// OnOrderUpdate recovers the latest fill price from the running average, so
// quote-driven fills mark the symbol the same way the ledger does.
func (h *equityAuditor) OnOrderUpdate(_ strategy.Broker, o broker.Order) {
	prevQty, prevAvg := h.filled[o.ID], h.avg[o.ID]
	if o.FilledQuantity > prevQty {
		delta := o.FilledQuantity - prevQty
		h.marks[o.Symbol] = (o.FilledQuantity*o.AvgFillPrice - prevQty*prevAvg) / delta
	}
	h.filled[o.ID], h.avg[o.ID] = o.FilledQuantity, o.AvgFillPrice
}

func (h *equityAuditor) OnTrade(b strategy.Broker, tr market.Trade) {
	h.marks[tr.Symbol] = tr.Price
	h.check(b)
}

func (h *equityAuditor) OnQuote(b strategy.Broker, _ market.Quote) {
	h.check(b) // quotes are not prints; marks stay as they were
}

func (h *equityAuditor) OnBar(b strategy.Broker, bar market.Bar) {
	h.marks[bar.Symbol] = bar.Close
	h.check(b)
}

func (h *equityAuditor) check(b strategy.Broker) {
	h.checks++
	snap := b.Snapshot()
	want := snap.Cash
	for _, pos := range snap.Positions {
		mark, ok := h.marks[pos.Symbol]
		require.True(h.t, ok, "position in %s with no observed print", pos.Symbol)
		want += pos.Quantity * mark
	}
	assert.InDelta(h.t, want, snap.Equity, 1e-6)
}

func TestRunnerEquityInvariantHoldsAfterEveryRecord(t *testing.T) {
	days := []time.Time{date(2024, time.March, 4), date(2024, time.March, 5)}
	smallTrade := func(day time.Time, h int, price float64, size uint32) market.Trade {
		return market.Trade{Symbol: "AAPL", Timestamp: at(day, h, 0), Price: price, Size: size}
	}
	source := &stubSource{records: map[string][]market.Record{
		stubKey(market.KindTrade, days[0]): {
			smallTrade(days[0], 10, 50, 30),   // partial fill 30
			smallTrade(days[0], 11, 51, 30),   // partial fill 30
			smallTrade(days[0], 13, 50.8, 40), // unrelated print after the quote fill
		},
		stubKey(market.KindQuote, days[0]): {
			// Fills the remaining 40 of the market buy at the ask.
			market.Quote{Symbol: "AAPL", Timestamp: at(days[0], 12, 0), BidPrice: 50.9, BidSize: 200, AskPrice: 51.1, AskSize: 200},
		},
		stubKey(market.KindBar, days[0]): {dailyBar(days[0], 50, 52, 49.5, 51.5)},
		stubKey(market.KindTrade, days[1]): {
			smallTrade(days[1], 10, 52.5, 25), // crosses the 52 sell limit, partial
		},
		stubKey(market.KindQuote, days[1]): {
			// Bid above the limit fills the remaining 35 at the bid.
			market.Quote{Symbol: "AAPL", Timestamp: at(days[1], 11, 0), BidPrice: 52.4, BidSize: 200, AskPrice: 52.6, AskSize: 200},
		},
		stubKey(market.KindBar, days[1]): {dailyBar(days[1], 52.1, 52.8, 51.9, 52.2)},
	}}
	handler := newEquityAuditor(t)

	runner, err := NewRunner(RunConfig{
		Cache:    newStubCache(t, source),
		Calendar: market.Calendar{nyseLikeSession(days[0]), nyseLikeSession(days[1])},
		Feeds: []FeedSpec{
			{Symbol: "AAPL", Kind: market.KindTrade, Span: market.SpanDay},
			{Symbol: "AAPL", Kind: market.KindQuote, Span: market.SpanDay},
			{Symbol: "AAPL", Kind: market.KindBar, Span: market.SpanDay},
		},
		From:                  days[0],
		To:                    date(2024, time.March, 6),
		Handler:               handler,
		StartingEquity:        100_000,
		BuyingPowerMultiplier: 4,
	})
	require.NoError(t, err)

	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	// Every trade, quote and bar was audited.
	assert.Equal(t, 8, handler.checks)
	// 100 bought minus 60 sold leaves 40 long, marked at the last close.
	pos, ok := result.Final.PositionFor("AAPL")
	require.True(t, ok)
	assert.Equal(t, 40.0, pos.Quantity)
	assert.InDelta(t, result.Final.Cash+40*52.2, result.Final.Equity, 1e-6)
}

func TestRunnerSkipGapsKeepsGoing(t *testing.T) {
	day := date(2024, time.March, 4)
	// Bars exist, the trade channel has nothing to serve.
	source := &stubSource{records: map[string][]market.Record{
		stubKey(market.KindBar, day): {dailyBar(day, 150, 156, 149, 155)},
	}}
	source.failKinds = map[market.RecordKind]bool{market.KindTrade: true}

	cfg := RunConfig{
		Cache:    newStubCache(t, source),
		Calendar: market.Calendar{nyseLikeSession(day)},
		Feeds: []FeedSpec{
			{Symbol: "AAPL", Kind: market.KindBar, Span: market.SpanDay},
			{Symbol: "AAPL", Kind: market.KindTrade, Span: market.SpanDay},
		},
		From:           day,
		To:             date(2024, time.March, 5),
		StartingEquity: 100_000,
		SkipGaps:       true,
	}
	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Records) // open, daily bar, close

	cfg.SkipGaps = false
	runner, err = NewRunner(cfg)
	require.NoError(t, err)
	_, err = runner.Run(context.Background())
	assert.Error(t, err)
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner(RunConfig{})
	assert.Error(t, err)

	_, err = NewRunner(RunConfig{
		Cache: newStubCache(t, &stubSource{}),
		Feeds: []FeedSpec{{Symbol: "AAPL", Kind: market.KindTrade}},
		From:  date(2024, time.March, 5),
		To:    date(2024, time.March, 4),
	})
	assert.Error(t, err)
}
