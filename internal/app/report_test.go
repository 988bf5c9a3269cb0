package app

import (
	"context"
	"testing"
	"time"

	"tapesim/internal/broker"
	"tapesim/internal/results"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(equity, cash float64) results.EquityPoint {
	return results.EquityPoint{At: time.Now(), Equity: equity, Cash: cash}
}

func TestCurveSummary(t *testing.T) {
	assert.Equal(t, "no equity samples", curveSummary(nil))

	curve := []results.EquityPoint{
		point(100_000, 100_000),
		point(110_000, 50_000), // peak
		point(99_000, 50_000),  // 10% off the peak
		point(105_000, 50_000),
	}
	got := curveSummary(curve)
	assert.Contains(t, got, "4 equity samples")
	assert.Contains(t, got, "100000.00 -> 105000.00")
	assert.Contains(t, got, "(+5.00%)")
	assert.Contains(t, got, "max drawdown 10.00%")

	// A curve that only climbs has no drawdown.
	flat := curveSummary([]results.EquityPoint{point(100, 100), point(120, 100)})
	assert.Contains(t, flat, "max drawdown 0.00%")
}

func TestRunLine(t *testing.T) {
	run := results.Run{
		ID:          "run-1",
		Status:      results.RunStatusDone,
		From:        time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC),
		To:          time.Date(2024, time.March, 7, 0, 0, 0, 0, time.UTC),
		Symbols:     []string{"AAPL", "MSFT"},
		FinalEquity: 101_234.5,
		Orders:      7,
	}
	got := runLine(run)
	assert.Contains(t, got, "run-1 done 2024-03-04..2024-03-07 [AAPL,MSFT]")
	assert.Contains(t, got, "equity 101234.50 orders 7")
	assert.Contains(t, got, "completed -")
}

func TestReportReadsBackPersistedRun(t *testing.T) {
	store, err := results.NewStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	from := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 3)
	require.NoError(t, store.BeginRun("run-1", from, to, []string{"AAPL"}))
	require.NoError(t, store.RecordEquity("run-1", from, 100_000, 100_000))
	require.NoError(t, store.RecordEquity("run-1", to, 101_000, 60_000))
	require.NoError(t, store.FinishRun("run-1", broker.AccountSnapshot{Equity: 101_000, Cash: 60_000}))

	a := &App{store: store}
	a.report(context.Background(), "run-1")

	curve, err := store.EquityCurve(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Contains(t, curveSummary(curve), "100000.00 -> 101000.00 (+1.00%)")
}
