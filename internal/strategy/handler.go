package strategy

import (
	"tapesim/internal/broker"
	"tapesim/internal/market"
)

// Broker is the slice of the simulated broker a strategy is allowed to
// touch during a run.
type Broker interface {
	Submit(req broker.OrderRequest) (broker.Order, error)
	Cancel(id string) error
	Snapshot() broker.AccountSnapshot
}

// Handler receives the replayed stream in chronological order. Every hook
// runs on the replay goroutine; handlers never need their own locking.
type Handler interface {
	// OnSessionEvent fires at venue boundaries (pre-open, open, pre-close,
	// close) before any data stamped at or after that instant.
	OnSessionEvent(b Broker, ev market.Boundary)

	OnTrade(b Broker, t market.Trade)
	OnQuote(b Broker, q market.Quote)

	// OnBar fires when the bar's period has fully elapsed, never at its
	// start. Day-and-wider bars arrive at the covering session's close.
	OnBar(b Broker, bar market.Bar)

	OnOrderUpdate(b Broker, o broker.Order)
	OnAccountUpdate(b Broker, s broker.AccountSnapshot)
}

// NopHandler is an embeddable no-op implementation of Handler, so concrete
// strategies only override the hooks they care about.
type NopHandler struct{}

func (NopHandler) OnSessionEvent(Broker, market.Boundary)         {}
func (NopHandler) OnTrade(Broker, market.Trade)                   {}
func (NopHandler) OnQuote(Broker, market.Quote)                   {}
func (NopHandler) OnBar(Broker, market.Bar)                       {}
func (NopHandler) OnOrderUpdate(Broker, broker.Order)             {}
func (NopHandler) OnAccountUpdate(Broker, broker.AccountSnapshot) {}
