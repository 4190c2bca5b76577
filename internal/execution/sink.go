package execution

import (
	"context"
	"errors"
	"fmt"

	"fibswing/internal/strategy/fib"
)

var (
	ErrInsufficientCash = errors.New("execution: insufficient cash")
	ErrPositionOpen     = errors.New("execution: position already open")
	ErrNoPosition       = errors.New("execution: no open position")
	ErrNoPrice          = errors.New("execution: no mark price")
	ErrInvalidSize      = errors.New("execution: invalid size")
)

// Holding is the sink's view of the open position.
type Holding struct {
	Side       fib.Side `json:"side"`
	Quantity   float64  `json:"quantity"`
	EntryPrice float64  `json:"entry_price"`
	EntryTime  int64    `json:"entry_time"`
	Notional   float64  `json:"notional"`
	EntryFee   float64  `json:"entry_fee"`
}

func (h Holding) IsFlat() bool { return h.Side == fib.Flat || h.Quantity <= 0 }

// Fill is one executed market order. PnL is set on closes only and is net of
// both legs' commission.
type Fill struct {
	Action     string   `json:"action"`
	Side       fib.Side `json:"side"`
	Price      float64  `json:"price"`
	Quantity   float64  `json:"quantity"`
	Notional   float64  `json:"notional"`
	Fee        float64  `json:"fee"`
	Time       int64    `json:"time"`
	EntryPrice float64  `json:"entry_price,omitempty"`
	EntryTime  int64    `json:"entry_time,omitempty"`
	PnL        float64  `json:"pnl,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Sink is where the state machine's intents are executed.
type Sink interface {
	OpenLong(ctx context.Context, size float64) (Fill, error)
	OpenShort(ctx context.Context, size float64) (Fill, error)
	ClosePosition(ctx context.Context) (Fill, error)
	Cash() float64
	Position() Holding
}

// Dispatch executes one intent. ok is false for ActionNone.
func Dispatch(ctx context.Context, sink Sink, intent fib.Intent) (Fill, bool, error) {
	var (
		fill Fill
		err  error
	)
	switch intent.Action {
	case fib.ActionNone:
		return Fill{}, false, nil
	case fib.ActionOpenLong:
		fill, err = sink.OpenLong(ctx, intent.Size)
	case fib.ActionOpenShort:
		fill, err = sink.OpenShort(ctx, intent.Size)
	case fib.ActionClose:
		fill, err = sink.ClosePosition(ctx)
		fill.Reason = string(intent.Reason)
	default:
		return Fill{}, false, fmt.Errorf("execution: unknown action %v", intent.Action)
	}
	if err != nil {
		return Fill{}, false, fmt.Errorf("%s: %w", intent.Action, err)
	}
	return fill, true, nil
}
