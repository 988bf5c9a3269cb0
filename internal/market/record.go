package market

import (
	"fmt"
	"strings"
	"time"
)

// RecordKind identifies which flavor of historical record a bucket holds.
type RecordKind int

const (
	KindTrade RecordKind = iota
	KindQuote
	KindBar
)

var kindLabels = map[RecordKind]string{
	KindTrade: "trades",
	KindQuote: "quotes",
	KindBar:   "aggregates",
}

func (k RecordKind) String() string {
	if label, ok := kindLabels[k]; ok {
		return label
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseRecordKind accepts the cache-file labels (trades/quotes/aggregates).
func ParseRecordKind(input string) (RecordKind, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "trades", "trade":
		return KindTrade, nil
	case "quotes", "quote":
		return KindQuote, nil
	case "aggregates", "aggregate", "bars", "bar":
		return KindBar, nil
	}
	return 0, fmt.Errorf("unknown record kind: %s", input)
}

// Class orders records that share a timestamp during the replay merge:
// trades, then quotes, then bar closes, then session boundary events.
type Class int

const (
	ClassTrade Class = iota
	ClassQuote
	ClassBar
	ClassSessionEvent
)

// Record is a single replayable market data point.
type Record interface {
	TickerSymbol() string
	RecordTime() time.Time
	Class() Class
}

// Trade is one executed trade on an exchange.
type Trade struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Price      float64   `json:"price"`
	Size       uint32    `json:"size"`
	Exchange   string    `json:"exchange,omitempty"`
	Conditions []string  `json:"conditions,omitempty"`
}

func (t Trade) TickerSymbol() string  { return t.Symbol }
func (t Trade) RecordTime() time.Time { return t.Timestamp }
func (t Trade) Class() Class          { return ClassTrade }

// Quote is an NBBO update.
type Quote struct {
	Symbol      string    `json:"symbol"`
	Timestamp   time.Time `json:"timestamp"`
	BidPrice    float64   `json:"bid_price"`
	BidSize     uint32    `json:"bid_size"`
	BidExchange string    `json:"bid_exchange,omitempty"`
	AskPrice    float64   `json:"ask_price"`
	AskSize     uint32    `json:"ask_size"`
	AskExchange string    `json:"ask_exchange,omitempty"`
}

func (q Quote) TickerSymbol() string  { return q.Symbol }
func (q Quote) RecordTime() time.Time { return q.Timestamp }
func (q Quote) Class() Class          { return ClassQuote }

// Bar aggregates trades over one span period. Timestamp is the period start;
// the replay sequencer dispatches the bar at its close.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Span      Span      `json:"span"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

func (b Bar) TickerSymbol() string  { return b.Symbol }
func (b Bar) RecordTime() time.Time { return b.Timestamp }
func (b Bar) Class() Class          { return ClassBar }

// PeriodEnd returns the nominal end of the bar period (calendar stepping for
// day and wider spans, fixed duration below that).
func (b Bar) PeriodEnd() time.Time {
	if d := b.Span.Duration(); d > 0 {
		return b.Timestamp.Add(d)
	}
	return b.Span.Step(b.Timestamp)
}
