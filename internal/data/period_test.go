package data

import (
	"testing"
	"time"

	"tapesim/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestPlanTickBucketsDaily(t *testing.T) {
	buckets := Plan("AAPL", market.KindTrade, market.SpanDay, date(2024, time.March, 4), date(2024, time.March, 7))
	require.Len(t, buckets, 3)
	for i, b := range buckets {
		assert.Equal(t, date(2024, time.March, 4+i), b.Date)
		assert.Equal(t, market.KindTrade, b.Kind)
	}
}

func TestPlanIsGapFree(t *testing.T) {
	buckets := Plan("MSFT", market.KindBar, market.SpanWeek, date(2024, time.January, 3), date(2024, time.February, 1))
	require.NotEmpty(t, buckets)
	for i := 1; i < len(buckets); i++ {
		assert.Equal(t, buckets[i-1].End(), buckets[i].Start(), "bucket %d does not abut its predecessor", i)
	}
	assert.False(t, buckets[0].Start().After(date(2024, time.January, 3)))
	assert.True(t, buckets[len(buckets)-1].End().After(date(2024, time.January, 31)))
}

func TestPlanAlignsWeeksToMonday(t *testing.T) {
	// 2024-01-03 is a Wednesday; the covering week starts Monday the 1st.
	buckets := Plan("AAPL", market.KindBar, market.SpanWeek, date(2024, time.January, 3), date(2024, time.January, 10))
	require.NotEmpty(t, buckets)
	assert.Equal(t, date(2024, time.January, 1), buckets[0].Date)
	assert.Equal(t, time.Monday, buckets[0].Date.Weekday())
}

func TestPlanAlignsMonthsAndQuarters(t *testing.T) {
	monthly := Plan("AAPL", market.KindBar, market.SpanMonth, date(2024, time.March, 15), date(2024, time.April, 1))
	require.NotEmpty(t, monthly)
	assert.Equal(t, date(2024, time.March, 1), monthly[0].Date)

	quarterly := Plan("AAPL", market.KindBar, market.SpanQuarter, date(2024, time.May, 20), date(2024, time.June, 1))
	require.NotEmpty(t, quarterly)
	assert.Equal(t, date(2024, time.April, 1), quarterly[0].Date)
}

func TestPlanDeterministic(t *testing.T) {
	a := Plan("AAPL", market.KindQuote, market.SpanDay, date(2024, time.March, 4), date(2024, time.March, 11))
	b := Plan("AAPL", market.KindQuote, market.SpanDay, date(2024, time.March, 4), date(2024, time.March, 11))
	assert.Equal(t, a, b)
}

func TestPlanEmptyRange(t *testing.T) {
	assert.Nil(t, Plan("AAPL", market.KindTrade, market.SpanDay, date(2024, time.March, 4), date(2024, time.March, 4)))
	assert.Nil(t, Plan("AAPL", market.KindTrade, market.SpanDay, date(2024, time.March, 5), date(2024, time.March, 4)))
}
