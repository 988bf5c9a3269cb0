package strategy

import (
	"tapesim/internal/broker"
	"tapesim/internal/logger"
	"tapesim/internal/market"

	"github.com/markcheno/go-talib"
)

// SMACross is the bundled sample strategy: buy when the fast simple moving
// average crosses above the slow one, flatten when it crosses back under.
// One position per symbol, market orders only.
type SMACross struct {
	NopHandler

	Fast     int
	Slow     int
	Quantity float64

	closes map[string][]float64
}

func NewSMACross(fast, slow int, quantity float64) *SMACross {
	if fast <= 0 {
		fast = 10
	}
	if slow <= fast {
		slow = fast * 3
	}
	if quantity <= 0 {
		quantity = 1
	}
	return &SMACross{
		Fast:     fast,
		Slow:     slow,
		Quantity: quantity,
		closes:   make(map[string][]float64),
	}
}

func (s *SMACross) OnBar(b Broker, bar market.Bar) {
	closes := append(s.closes[bar.Symbol], bar.Close)
	if keep := s.Slow + 1; len(closes) > keep {
		closes = closes[len(closes)-keep:]
	}
	s.closes[bar.Symbol] = closes
	if len(closes) < s.Slow+1 {
		return
	}

	fast := talib.Sma(closes, s.Fast)
	slow := talib.Sma(closes, s.Slow)
	last := len(closes) - 1
	crossedUp := fast[last] > slow[last] && fast[last-1] <= slow[last-1]
	crossedDown := fast[last] < slow[last] && fast[last-1] >= slow[last-1]

	snap := b.Snapshot()
	pos, holding := snap.PositionFor(bar.Symbol)
	switch {
	case crossedUp && !holding:
		s.submit(b, bar.Symbol, broker.SideBuy, s.Quantity)
	case crossedDown && holding && pos.Quantity > 0:
		s.submit(b, bar.Symbol, broker.SideSell, pos.Quantity)
	}
}

func (s *SMACross) submit(b Broker, symbol string, side broker.Side, qty float64) {
	_, err := b.Submit(broker.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Type:     broker.TypeMarket,
		TIF:      broker.TIFDay,
	})
	if err != nil {
		logger.Warnf("[strategy] sma-cross %s %s rejected: %v", side, symbol, err)
	}
}

func (s *SMACross) OnOrderUpdate(_ Broker, o broker.Order) {
	if o.Status == broker.StatusFilled {
		logger.Infof("[strategy] sma-cross filled %s %s %.4f@%.4f",
			o.Side, o.Symbol, o.FilledQuantity, o.AvgFillPrice)
	}
}
