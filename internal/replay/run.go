package replay

import (
	"context"
	"fmt"
	"io"
	"time"

	"tapesim/internal/broker"
	"tapesim/internal/data"
	"tapesim/internal/logger"
	"tapesim/internal/market"
	"tapesim/internal/strategy"

	"github.com/google/uuid"
)

// Recorder persists run artifacts. Nil recorder means a dry run.
type Recorder interface {
	BeginRun(runID string, from, to time.Time, symbols []string) error
	RecordOrder(runID string, o broker.Order) error
	RecordEquity(runID string, at time.Time, equity, cash float64) error
	FinishRun(runID string, final broker.AccountSnapshot) error
}

// FeedSpec names one stream to replay.
type FeedSpec struct {
	Symbol string
	Kind   market.RecordKind
	Span   market.Span
}

// RunConfig wires one backtest run together.
type RunConfig struct {
	Cache    *data.Cache
	Calendar market.Calendar
	Feeds    []FeedSpec
	From     time.Time
	To       time.Time

	Handler  strategy.Handler
	Recorder Recorder

	StartingEquity        float64
	BuyingPowerMultiplier float64
	CommissionPerFill     float64

	WarmParallel int  // prefetch workers; 0 skips warming
	SkipGaps     bool // keep replaying past buckets the provider cannot serve
}

// Result summarizes a finished run.
type Result struct {
	RunID    string
	Records  int
	Elapsed  time.Duration
	Final    broker.AccountSnapshot
}

// Runner replays the merged stream through the matching engine and the
// strategy handler. One runner per run; it is not reusable.
type Runner struct {
	cfg     RunConfig
	runID   string
	engine  *broker.Engine
	handler strategy.Handler
	seq     *Sequencer
}

func NewRunner(cfg RunConfig) (*Runner, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("run needs a data cache")
	}
	if len(cfg.Feeds) == 0 {
		return nil, fmt.Errorf("run needs at least one feed")
	}
	if !cfg.From.Before(cfg.To) {
		return nil, fmt.Errorf("run range is empty: %s .. %s", cfg.From, cfg.To)
	}
	if cfg.Handler == nil {
		cfg.Handler = strategy.NopHandler{}
	}
	r := &Runner{cfg: cfg, runID: uuid.NewString(), handler: cfg.Handler}

	symbols := make([]string, 0, len(cfg.Feeds))
	seen := make(map[string]bool)
	for _, f := range cfg.Feeds {
		if !seen[f.Symbol] {
			seen[f.Symbol] = true
			symbols = append(symbols, f.Symbol)
		}
	}
	engine, err := broker.NewEngine(broker.EngineConfig{
		StartingEquity:        cfg.StartingEquity,
		BuyingPowerMultiplier: cfg.BuyingPowerMultiplier,
		CommissionPerFill:     cfg.CommissionPerFill,
		Symbols:               symbols,
		Observer:              (*runObserver)(r),
	})
	if err != nil {
		return nil, err
	}
	r.engine = engine
	return r, nil
}

func (r *Runner) RunID() string { return r.runID }

// Run executes the replay to completion. The loop is single-goroutine:
// every engine mutation and handler hook happens in sequencer order.
// When the tape runs out, every order still working is canceled, GTC
// included, so the final snapshot carries no open orders.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	started := time.Now()
	streams := make([]*data.Stream, 0, len(r.cfg.Feeds))
	for _, f := range r.cfg.Feeds {
		streams = append(streams, data.NewStream(r.cfg.Cache, f.Symbol, f.Kind, f.Span, r.cfg.From, r.cfg.To))
	}

	if r.cfg.WarmParallel > 0 {
		if err := r.warm(ctx, streams); err != nil {
			return Result{}, err
		}
	}

	if rec := r.cfg.Recorder; rec != nil {
		symbols := make([]string, 0, len(r.cfg.Feeds))
		for _, f := range r.cfg.Feeds {
			symbols = append(symbols, f.Symbol)
		}
		if err := rec.BeginRun(r.runID, r.cfg.From, r.cfg.To, symbols); err != nil {
			return Result{}, err
		}
	}

	r.seq = NewSequencer(SequencerConfig{
		Streams:  streams,
		Calendar: r.cfg.Calendar,
		From:     r.cfg.From,
		To:       r.cfg.To,
		SkipGaps: r.cfg.SkipGaps,
	})
	r.engine.SetClock(r.cfg.From)

	records := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		item, err := r.seq.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Result{}, err
		}
		records++
		r.engine.SetClock(item.At)
		r.dispatch(item)
	}

	// Whatever is still working when the tape runs out gets canceled so the
	// final snapshot has no phantom open orders.
	r.engine.SetClock(r.cfg.To)
	r.engine.CancelDayOrders()
	for _, o := range r.engine.OpenOrders() {
		if err := r.engine.Cancel(o.ID); err != nil {
			logger.Warnf("[replay] canceling %s at end of run: %v", o.ID, err)
		}
	}

	final := r.engine.Snapshot()
	if rec := r.cfg.Recorder; rec != nil {
		if err := rec.RecordEquity(r.runID, r.cfg.To, final.Equity, final.Cash); err != nil {
			return Result{}, err
		}
		if err := rec.FinishRun(r.runID, final); err != nil {
			return Result{}, err
		}
	}
	result := Result{RunID: r.runID, Records: records, Elapsed: time.Since(started), Final: final}
	logger.Infof("[replay] run %s finished: %d records in %s, equity %.2f",
		r.runID, records, result.Elapsed.Round(time.Millisecond), final.Equity)
	return result, nil
}

func (r *Runner) warm(ctx context.Context, streams []*data.Stream) error {
	var buckets []market.Bucket
	seen := make(map[string]bool)
	for _, s := range streams {
		for _, b := range s.Buckets() {
			if !seen[b.Key()] {
				seen[b.Key()] = true
				buckets = append(buckets, b)
			}
		}
	}
	logger.Infof("[replay] warming %d buckets with %d workers", len(buckets), r.cfg.WarmParallel)
	err := r.cfg.Cache.Warm(ctx, buckets, r.cfg.WarmParallel)
	if err != nil && r.cfg.SkipGaps && data.Unavailable(err) {
		logger.Warnf("[replay] warm left gaps, continuing: %v", err)
		return nil
	}
	return err
}

func (r *Runner) dispatch(item Item) {
	if bd := item.Boundary; bd != nil {
		r.handler.OnSessionEvent(r.engine, *bd)
		if bd.Event == market.EventClose {
			r.engine.CancelDayOrders()
			if rec := r.cfg.Recorder; rec != nil {
				snap := r.engine.Snapshot()
				if err := rec.RecordEquity(r.runID, bd.At, snap.Equity, snap.Cash); err != nil {
					logger.Warnf("[replay] recording equity point: %v", err)
				}
			}
		}
		return
	}
	// Matching runs before the strategy sees the datum, so the hook
	// observes post-match account state.
	switch rec := item.Record.(type) {
	case market.Trade:
		r.engine.OnTrade(rec)
		r.handler.OnTrade(r.engine, rec)
	case market.Quote:
		r.engine.OnQuote(rec)
		r.handler.OnQuote(r.engine, rec)
	case market.Bar:
		r.engine.OnBar(rec)
		r.handler.OnBar(r.engine, rec)
	}
}

// runObserver routes engine notifications to the handler and the recorder
// without exposing either on the engine API.
type runObserver Runner

func (o *runObserver) OrderUpdate(order broker.Order) {
	r := (*Runner)(o)
	if rec := r.cfg.Recorder; rec != nil && order.Status.Terminal() {
		if err := rec.RecordOrder(r.runID, order); err != nil {
			logger.Warnf("[replay] recording order %s: %v", order.ID, err)
		}
	}
	r.handler.OnOrderUpdate(r.engine, order)
}

func (o *runObserver) AccountUpdate(snap broker.AccountSnapshot) {
	r := (*Runner)(o)
	r.handler.OnAccountUpdate(r.engine, snap)
}
