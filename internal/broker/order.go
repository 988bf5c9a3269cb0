package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidOrder rejects bad parameters before the order reaches the book.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrInsufficientBuyingPower rejects buys whose projected cost exceeds
	// the account's current buying power.
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
)

type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

type OrderType int

const (
	TypeMarket OrderType = iota
	TypeLimit
	TypeStop
)

func (t OrderType) String() string {
	switch t {
	case TypeLimit:
		return "limit"
	case TypeStop:
		return "stop"
	}
	return "market"
}

// TimeInForce governs how long an unfilled order stays working.
type TimeInForce int

const (
	TIFDay TimeInForce = iota
	TIFGoodTillCanceled
)

func (t TimeInForce) String() string {
	if t == TIFGoodTillCanceled {
		return "gtc"
	}
	return "day"
}

type OrderStatus int

const (
	StatusPending OrderStatus = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCanceled:
		return "canceled"
	case StatusRejected:
		return "rejected"
	}
	return "pending"
}

// Terminal states are absorbing: a terminal order never changes again.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// OrderRequest is what a strategy submits.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   float64
	Type       OrderType
	LimitPrice float64
	StopPrice  float64
	TIF        TimeInForce
}

func (r OrderRequest) validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is empty", ErrInvalidOrder)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if r.Type == TypeLimit && r.LimitPrice <= 0 {
		return fmt.Errorf("%w: limit order needs a limit price", ErrInvalidOrder)
	}
	if r.Type == TypeStop && r.StopPrice <= 0 {
		return fmt.Errorf("%w: stop order needs a stop price", ErrInvalidOrder)
	}
	return nil
}

// Order is one simulated order. Engine hands out value copies; the working
// copy lives in the book.
type Order struct {
	ID             string
	Symbol         string
	Side           Side
	Quantity       float64
	Type           OrderType
	LimitPrice     float64
	StopPrice      float64
	TIF            TimeInForce
	Status         OrderStatus
	FilledQuantity float64
	AvgFillPrice   float64
	SubmittedAt    time.Time
	CompletedAt    time.Time

	// stop orders sit dormant until a trade crosses the stop price, then
	// behave as market orders.
	triggered bool
}

// Remaining is the unfilled quantity.
func (o Order) Remaining() float64 { return o.Quantity - o.FilledQuantity }
