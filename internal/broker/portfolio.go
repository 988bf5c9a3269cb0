package broker

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one open holding. Quantity is signed: negative means short.
type Position struct {
	Symbol   string
	Quantity float64
	AvgCost  float64
}

// AccountSnapshot is the read-only view handed to strategies.
type AccountSnapshot struct {
	At          time.Time
	Cash        float64
	Equity      float64
	BuyingPower float64
	Positions   []Position
	OpenOrders  []Order
}

// PositionFor returns the snapshot position for symbol, if any.
func (s AccountSnapshot) PositionFor(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

type position struct {
	qty     decimal.Decimal
	avgCost decimal.Decimal
}

// Portfolio is the account ledger: cash, positions and marks. ApplyFill is
// the sole mutation entrypoint; everything else derives from it. Money
// arithmetic runs on decimals so repeated fills cannot drift the ledger.
type Portfolio struct {
	cash       decimal.Decimal
	multiplier decimal.Decimal
	commission decimal.Decimal
	positions  map[string]*position
	marks      map[string]decimal.Decimal
	equity     decimal.Decimal
}

func NewPortfolio(cash, buyingPowerMultiplier, commissionPerFill float64) *Portfolio {
	if buyingPowerMultiplier <= 0 {
		buyingPowerMultiplier = 1
	}
	c := decimal.NewFromFloat(cash)
	return &Portfolio{
		cash:       c,
		multiplier: decimal.NewFromFloat(buyingPowerMultiplier),
		commission: decimal.NewFromFloat(commissionPerFill),
		positions:  make(map[string]*position),
		marks:      make(map[string]decimal.Decimal),
		equity:     c,
	}
}

// ApplyFill settles one fill: cash moves by fill value plus commission, the
// position's quantity and weighted average cost update, the order's fill
// accounting updates, and equity is recomputed. Atomic with the match.
func (p *Portfolio) ApplyFill(o *Order, qty, price float64) {
	dq := decimal.NewFromFloat(qty)
	dp := decimal.NewFromFloat(price)
	value := dq.Mul(dp)

	signed := dq
	if o.Side == SideSell {
		signed = dq.Neg()
		p.cash = p.cash.Add(value).Sub(p.commission)
	} else {
		p.cash = p.cash.Sub(value).Sub(p.commission)
	}

	pos, ok := p.positions[o.Symbol]
	if !ok {
		pos = &position{}
		p.positions[o.Symbol] = pos
	}
	newQty := pos.qty.Add(signed)
	switch {
	case pos.qty.IsZero() || pos.qty.Sign() == signed.Sign():
		// Opening or adding: weighted average cost.
		total := pos.qty.Abs().Mul(pos.avgCost).Add(dq.Mul(dp))
		pos.avgCost = total.Div(pos.qty.Abs().Add(dq))
	case newQty.IsZero() || newQty.Sign() != pos.qty.Sign():
		// Flipped through zero: the remainder opens at the fill price.
		pos.avgCost = dp
	default:
		// Plain reduction keeps the average cost.
	}
	pos.qty = newQty
	if pos.qty.IsZero() {
		delete(p.positions, o.Symbol)
	}

	// A simulated fill is a print; it marks the symbol like any trade.
	p.marks[o.Symbol] = dp

	filled := decimal.NewFromFloat(o.FilledQuantity)
	avg := decimal.NewFromFloat(o.AvgFillPrice)
	newFilled := filled.Add(dq)
	o.AvgFillPrice, _ = avg.Mul(filled).Add(value).Div(newFilled).Float64()
	o.FilledQuantity, _ = newFilled.Float64()

	p.recompute()
}

// Mark records the latest trade price for a symbol and recomputes equity,
// eagerly, never lazily.
func (p *Portfolio) Mark(symbol string, price float64) {
	p.marks[symbol] = decimal.NewFromFloat(price)
	p.recompute()
}

func (p *Portfolio) recompute() {
	equity := p.cash
	for symbol, pos := range p.positions {
		mark, ok := p.marks[symbol]
		if !ok {
			mark = pos.avgCost
		}
		equity = equity.Add(pos.qty.Mul(mark))
	}
	p.equity = equity
}

func (p *Portfolio) Cash() float64 {
	f, _ := p.cash.Float64()
	return f
}

func (p *Portfolio) Equity() float64 {
	f, _ := p.equity.Float64()
	return f
}

// BuyingPower is equity times the account multiplier minus margin already
// committed, where margin used is the gross position notional at marks.
func (p *Portfolio) BuyingPower() float64 {
	used := decimal.Zero
	for symbol, pos := range p.positions {
		mark, ok := p.marks[symbol]
		if !ok {
			mark = pos.avgCost
		}
		used = used.Add(pos.qty.Abs().Mul(mark))
	}
	f, _ := p.equity.Mul(p.multiplier).Sub(used).Float64()
	return f
}

// MarkPrice returns the last known trade price for symbol.
func (p *Portfolio) MarkPrice(symbol string) (float64, bool) {
	mark, ok := p.marks[symbol]
	if !ok {
		return 0, false
	}
	f, _ := mark.Float64()
	return f, true
}

// Positions lists open positions sorted by symbol.
func (p *Portfolio) Positions() []Position {
	out := make([]Position, 0, len(p.positions))
	for symbol, pos := range p.positions {
		qty, _ := pos.qty.Float64()
		avg, _ := pos.avgCost.Float64()
		out = append(out, Position{Symbol: symbol, Quantity: qty, AvgCost: avg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
