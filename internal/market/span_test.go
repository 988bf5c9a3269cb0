package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSpanStepping(t *testing.T) {
	start := date(2024, time.January, 15)

	assert.Equal(t, date(2024, time.January, 16), SpanMinute.Step(start))
	assert.Equal(t, date(2024, time.January, 16), SpanDay.Step(start))
	assert.Equal(t, date(2024, time.January, 22), SpanWeek.Step(start))
	assert.Equal(t, date(2024, time.February, 15), SpanMonth.Step(start))
	assert.Equal(t, date(2024, time.April, 15), SpanQuarter.Step(start))
	assert.Equal(t, date(2025, time.January, 15), SpanYear.Step(start))
}

func TestSpanDuration(t *testing.T) {
	assert.Equal(t, time.Second, SpanSecond.Duration())
	assert.Equal(t, time.Minute, SpanMinute.Duration())
	assert.Equal(t, time.Hour, SpanHour.Duration())
	assert.Zero(t, SpanDay.Duration())
	assert.Zero(t, SpanYear.Duration())

	assert.True(t, SpanHour.Intraday())
	assert.False(t, SpanDay.Intraday())
}

func TestParseSpan(t *testing.T) {
	span, err := ParseSpan("minute")
	assert.NoError(t, err)
	assert.Equal(t, SpanMinute, span)

	span, err = ParseSpan(" Week ")
	assert.NoError(t, err)
	assert.Equal(t, SpanWeek, span)

	_, err = ParseSpan("fortnight")
	assert.Error(t, err)
}

func TestParseRecordKind(t *testing.T) {
	for input, want := range map[string]RecordKind{
		"trades":     KindTrade,
		"quotes":     KindQuote,
		"aggregates": KindBar,
		"bars":       KindBar,
	} {
		got, err := ParseRecordKind(input)
		assert.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseRecordKind("ticks")
	assert.Error(t, err)
}

func TestBucketNaming(t *testing.T) {
	tick := Bucket{Symbol: "aapl", Date: date(2024, time.March, 4), Kind: KindTrade}
	assert.Equal(t, "AAPL@2024-03-04.tick.trades", tick.Key())
	assert.Equal(t, "2024-03-04.tick.trades.json", tick.Filename())
	assert.Equal(t, "cache/AAPL/2024-03-04.tick.trades.json", tick.Path("cache"))

	bars := Bucket{Symbol: "AAPL", Date: date(2024, time.March, 4), Kind: KindBar, Span: SpanMinute}
	assert.Equal(t, "2024-03-04.minute.aggregates.json", bars.Filename())
}

func TestBucketCoverage(t *testing.T) {
	tick := Bucket{Symbol: "AAPL", Date: date(2024, time.March, 4), Kind: KindQuote}
	assert.Equal(t, date(2024, time.March, 5), tick.End())

	weekly := Bucket{Symbol: "AAPL", Date: date(2024, time.March, 4), Kind: KindBar, Span: SpanWeek}
	assert.Equal(t, date(2024, time.March, 11), weekly.End())
}

func TestBarPeriodEnd(t *testing.T) {
	minute := Bar{Span: SpanMinute, Timestamp: time.Date(2024, time.March, 4, 9, 30, 0, 0, time.UTC)}
	assert.Equal(t, time.Date(2024, time.March, 4, 9, 31, 0, 0, time.UTC), minute.PeriodEnd())

	daily := Bar{Span: SpanDay, Timestamp: date(2024, time.March, 4)}
	assert.Equal(t, date(2024, time.March, 5), daily.PeriodEnd())
}
