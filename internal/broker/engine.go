package broker

import (
	"fmt"
	"math"
	"time"

	"tapesim/internal/logger"
	"tapesim/internal/market"

	"github.com/google/uuid"
)

const fillEpsilon = 1e-9

// Observer receives order and account updates as matching happens. The
// replay runner adapts the strategy handler onto this.
type Observer interface {
	OrderUpdate(Order)
	AccountUpdate(AccountSnapshot)
}

// EngineConfig configures the simulated broker.
type EngineConfig struct {
	StartingEquity        float64
	BuyingPowerMultiplier float64
	CommissionPerFill     float64
	Symbols               []string // tickers the run replays; others are rejected
	Observer              Observer // optional
}

// Engine is the matching engine: it owns the open-order book and the
// portfolio ledger, matching submitted orders against the replayed stream.
// It is single-goroutine by design; one engine belongs to one run.
type Engine struct {
	portfolio *Portfolio
	known     map[string]bool
	orders    map[string]*Order
	book      []*Order // open orders in submission order, for determinism
	observer  Observer
	clock     time.Time
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.StartingEquity <= 0 {
		return nil, fmt.Errorf("starting equity must be positive")
	}
	known := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		known[s] = true
	}
	return &Engine{
		portfolio: NewPortfolio(cfg.StartingEquity, cfg.BuyingPowerMultiplier, cfg.CommissionPerFill),
		known:     known,
		orders:    make(map[string]*Order),
		observer:  cfg.Observer,
	}, nil
}

// SetClock advances the simulation time used for submission/terminal stamps.
func (e *Engine) SetClock(t time.Time) { e.clock = t }

// Submit validates and books an order. Invalid submissions come back
// rejected without touching the book or the ledger.
func (e *Engine) Submit(req OrderRequest) (Order, error) {
	order := Order{
		ID:          uuid.NewString(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Type:        req.Type,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		TIF:         req.TIF,
		Status:      StatusPending,
		SubmittedAt: e.clock,
	}
	if err := req.validate(); err != nil {
		return e.reject(order, err)
	}
	if !e.known[req.Symbol] {
		return e.reject(order, fmt.Errorf("%w: unknown ticker %s", ErrInvalidOrder, req.Symbol))
	}
	if req.Side == SideBuy {
		if cost := e.projectedCost(req); cost > e.portfolio.BuyingPower() {
			return e.reject(order, fmt.Errorf("%w: projected cost %.2f exceeds buying power %.2f",
				ErrInsufficientBuyingPower, cost, e.portfolio.BuyingPower()))
		}
	}
	working := order
	e.orders[working.ID] = &working
	e.book = append(e.book, &working)
	e.notifyOrder(working)
	return working, nil
}

// projectedCost prices the buy for the buying-power check: limit and stop
// orders by their trigger price, market orders by the last known mark (a
// market order before any mark is admitted; there is nothing to price
// it against yet).
func (e *Engine) projectedCost(req OrderRequest) float64 {
	price := 0.0
	switch req.Type {
	case TypeLimit:
		price = req.LimitPrice
	case TypeStop:
		price = req.StopPrice
	default:
		if mark, ok := e.portfolio.MarkPrice(req.Symbol); ok {
			price = mark
		}
	}
	return req.Quantity * price
}

func (e *Engine) reject(order Order, err error) (Order, error) {
	order.Status = StatusRejected
	order.CompletedAt = e.clock
	e.orders[order.ID] = &order
	e.notifyOrder(order)
	return order, err
}

// Cancel terminates a non-terminal order. Filled quantity stays settled;
// the unfilled remainder is canceled. No ledger mutation happens.
func (e *Engine) Cancel(id string) error {
	order, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: no order %s", ErrInvalidOrder, id)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("%w: order %s is already %s", ErrInvalidOrder, id, order.Status)
	}
	e.cancel(order)
	return nil
}

func (e *Engine) cancel(order *Order) {
	order.Status = StatusCanceled
	order.CompletedAt = e.clock
	e.compact()
	e.notifyOrder(*order)
}

// CancelDayOrders force-cancels working day-TIF orders. Called at each
// session close and once more when the replay ends.
func (e *Engine) CancelDayOrders() {
	for _, order := range append([]*Order{}, e.book...) {
		if order.TIF == TIFDay && !order.Status.Terminal() {
			e.cancel(order)
		}
	}
}

// OnTrade matches the book against one trade print, then marks the symbol.
// The caller owns the clock: SetClock runs before each dispatch, so bar
// fills are stamped with the bar's dispatch time, not its nominal period.
func (e *Engine) OnTrade(t market.Trade) {
	for _, order := range e.openFor(t.Symbol) {
		e.matchTrade(order, t)
	}
	e.portfolio.Mark(t.Symbol, t.Price)
}

// OnQuote matches the book against an NBBO update. Quotes represent
// standing liquidity: a crossing order fills its full remainder.
func (e *Engine) OnQuote(q market.Quote) {
	for _, order := range e.openFor(q.Symbol) {
		e.matchQuote(order, q)
	}
}

// OnBar matches the book against a completed bar, then marks the symbol at
// the bar close.
func (e *Engine) OnBar(b market.Bar) {
	for _, order := range e.openFor(b.Symbol) {
		e.matchBar(order, b)
	}
	e.portfolio.Mark(b.Symbol, b.Close)
}

func (e *Engine) matchTrade(order *Order, t market.Trade) {
	// A trade supplies at most its own size; remainders keep working.
	qty := order.Remaining()
	if t.Size > 0 {
		qty = math.Min(qty, float64(t.Size))
	}
	switch order.Type {
	case TypeMarket:
		e.fill(order, qty, t.Price)
	case TypeLimit:
		if order.Side == SideBuy && t.Price <= order.LimitPrice {
			e.fill(order, qty, t.Price)
		} else if order.Side == SideSell && t.Price >= order.LimitPrice {
			e.fill(order, qty, t.Price)
		}
	case TypeStop:
		if !order.triggered {
			if order.Side == SideBuy && t.Price >= order.StopPrice {
				order.triggered = true
			} else if order.Side == SideSell && t.Price <= order.StopPrice {
				order.triggered = true
			}
		}
		if order.triggered {
			e.fill(order, qty, t.Price)
		}
	}
}

func (e *Engine) matchQuote(order *Order, q market.Quote) {
	if order.Type == TypeStop && !order.triggered {
		return // stops trigger on trade prices only
	}
	switch {
	case order.Type == TypeMarket || (order.Type == TypeStop && order.triggered):
		if order.Side == SideBuy && q.AskPrice > 0 {
			e.fill(order, order.Remaining(), q.AskPrice)
		} else if order.Side == SideSell && q.BidPrice > 0 {
			e.fill(order, order.Remaining(), q.BidPrice)
		}
	case order.Type == TypeLimit:
		// Never worse than the limit: the crossing quote sets the price.
		if order.Side == SideBuy && q.AskPrice > 0 && q.AskPrice <= order.LimitPrice {
			e.fill(order, order.Remaining(), q.AskPrice)
		} else if order.Side == SideSell && q.BidPrice > 0 && q.BidPrice >= order.LimitPrice {
			e.fill(order, order.Remaining(), q.BidPrice)
		}
	}
}

func (e *Engine) matchBar(order *Order, b market.Bar) {
	switch order.Type {
	case TypeMarket:
		e.fill(order, order.Remaining(), b.Open)
	case TypeLimit:
		if order.Side == SideBuy {
			if b.Open <= order.LimitPrice {
				e.fill(order, order.Remaining(), b.Open)
			} else if b.Low <= order.LimitPrice {
				e.fill(order, order.Remaining(), order.LimitPrice)
			}
		} else {
			if b.Open >= order.LimitPrice {
				e.fill(order, order.Remaining(), b.Open)
			} else if b.High >= order.LimitPrice {
				e.fill(order, order.Remaining(), order.LimitPrice)
			}
		}
	case TypeStop:
		if order.Side == SideBuy && b.High >= order.StopPrice {
			order.triggered = true
			e.fill(order, order.Remaining(), math.Max(order.StopPrice, b.Open))
		} else if order.Side == SideSell && b.Low <= order.StopPrice {
			order.triggered = true
			e.fill(order, order.Remaining(), math.Min(order.StopPrice, b.Open))
		}
	}
}

func (e *Engine) fill(order *Order, qty, price float64) {
	if qty <= 0 || price <= 0 {
		return
	}
	e.portfolio.ApplyFill(order, qty, price)
	if order.Remaining() <= fillEpsilon {
		order.Status = StatusFilled
		order.CompletedAt = e.clock
		e.compact()
	} else {
		order.Status = StatusPartiallyFilled
	}
	logger.Debugf("[broker] fill %s %s %s %.4f@%.4f (%s)",
		order.ID, order.Side, order.Symbol, qty, price, order.Status)
	e.notifyOrder(*order)
	e.notifyAccount()
}

func (e *Engine) openFor(symbol string) []*Order {
	out := make([]*Order, 0, len(e.book))
	for _, order := range e.book {
		if order.Symbol == symbol && !order.Status.Terminal() {
			out = append(out, order)
		}
	}
	return out
}

func (e *Engine) compact() {
	kept := e.book[:0]
	for _, order := range e.book {
		if !order.Status.Terminal() {
			kept = append(kept, order)
		}
	}
	e.book = kept
}

// OpenOrders returns copies of working orders in submission order.
func (e *Engine) OpenOrders() []Order {
	out := make([]Order, 0, len(e.book))
	for _, order := range e.book {
		out = append(out, *order)
	}
	return out
}

// Lookup returns a copy of any order the engine has seen.
func (e *Engine) Lookup(id string) (Order, bool) {
	order, ok := e.orders[id]
	if !ok {
		return Order{}, false
	}
	return *order, true
}

// Snapshot produces the read-only account view at the current clock.
func (e *Engine) Snapshot() AccountSnapshot {
	return AccountSnapshot{
		At:          e.clock,
		Cash:        e.portfolio.Cash(),
		Equity:      e.portfolio.Equity(),
		BuyingPower: e.portfolio.BuyingPower(),
		Positions:   e.portfolio.Positions(),
		OpenOrders:  e.OpenOrders(),
	}
}

func (e *Engine) notifyOrder(order Order) {
	if e.observer != nil {
		e.observer.OrderUpdate(order)
	}
}

func (e *Engine) notifyAccount() {
	if e.observer != nil {
		e.observer.AccountUpdate(e.Snapshot())
	}
}
