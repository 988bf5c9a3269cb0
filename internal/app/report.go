package app

import (
	"context"
	"fmt"
	"strings"

	"tapesim/internal/logger"
	"tapesim/internal/results"
)

const recentRunLimit = 5

// report reads the run back out of the store, so the log shows what the
// persisted artifacts will answer later.
func (a *App) report(ctx context.Context, runID string) {
	curve, err := a.store.EquityCurve(ctx, runID)
	if err != nil {
		logger.Warnf("[app] reading equity curve for %s: %v", runID, err)
		return
	}
	logger.Infof("[app] run %s: %s", runID, curveSummary(curve))
	runs, err := a.store.ListRuns(ctx, recentRunLimit)
	if err != nil {
		logger.Warnf("[app] listing runs: %v", err)
		return
	}
	for _, r := range runs {
		logger.Infof("[app] recent run %s", runLine(r))
	}
}

// curveSummary condenses an equity curve into one log line: return over the
// run plus the deepest peak-to-trough drawdown.
func curveSummary(curve []results.EquityPoint) string {
	if len(curve) == 0 {
		return "no equity samples"
	}
	first, last := curve[0], curve[len(curve)-1]
	ret := 0.0
	if first.Equity != 0 {
		ret = (last.Equity/first.Equity - 1) * 100
	}
	peak := first.Equity
	maxDrawdown := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			if dd := (peak - p.Equity) / peak * 100; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	return fmt.Sprintf("%d equity samples, %.2f -> %.2f (%+.2f%%), max drawdown %.2f%%",
		len(curve), first.Equity, last.Equity, ret, maxDrawdown)
}

func runLine(r results.Run) string {
	completed := "-"
	if !r.CompletedAt.IsZero() {
		completed = r.CompletedAt.Format("2006-01-02 15:04:05")
	}
	return fmt.Sprintf("%s %s %s..%s [%s] equity %.2f orders %d completed %s",
		r.ID, r.Status,
		r.From.Format("2006-01-02"), r.To.Format("2006-01-02"),
		strings.Join(r.Symbols, ","), r.FinalEquity, r.Orders, completed)
}
