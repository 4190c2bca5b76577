package fib

import (
	"fmt"

	"fibswing/internal/market"
)

// Side is the tag of a Position.
type Side int

const (
	Flat Side = iota
	Long
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	switch string(b) {
	case "", "flat":
		*s = Flat
	case "long":
		*s = Long
	case "short":
		*s = Short
	default:
		return fmt.Errorf("unknown side %q", b)
	}
	return nil
}

// Position is the machine's only state. Stop and take-profit are captured at
// entry and stay fixed until the position is closed.
type Position struct {
	Side       Side    `json:"side"`
	Size       float64 `json:"size,omitempty"`
	EntryPrice float64 `json:"entry_price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	OpenedAt   int64   `json:"opened_at,omitempty"`
}

func (p Position) IsFlat() bool { return p.Side == Flat }

// Action is the order intent a step emits for the execution sink.
type Action int

const (
	ActionNone Action = iota
	ActionOpenLong
	ActionOpenShort
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionOpenLong:
		return "open_long"
	case ActionOpenShort:
		return "open_short"
	case ActionClose:
		return "close"
	default:
		return "none"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitEndOfData  ExitReason = "end_of_data"
)

// Intent is what the driver should ask the execution sink to do.
type Intent struct {
	Action Action     `json:"action"`
	Size   float64    `json:"size,omitempty"`
	Price  float64    `json:"price,omitempty"`
	Reason ExitReason `json:"reason,omitempty"`
}

// Input is everything one evaluation reads. Bars must end with the current
// bar and be ordered oldest first.
type Input struct {
	Bars     []market.Candle
	Position Position
	Cash     float64
}

// Step is the result of one evaluation. Skip explains missing levels
// (ErrInsufficientData, ErrDegenerateSwing); it is informational.
type Step struct {
	Position Position  `json:"position"`
	Intent   Intent    `json:"intent"`
	Swing    *Swing    `json:"swing,omitempty"`
	Levels   *LevelSet `json:"levels,omitempty"`
	Skip     error     `json:"-"`
}

// Machine evaluates bars against Fibonacci levels. It holds configuration
// only; state travels through Input and Step.
type Machine struct {
	params Params
}

func NewMachine(p Params) (*Machine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Machine{params: p}, nil
}

func (m *Machine) Params() Params { return m.params }

// Evaluate runs one bar: exits for an open position first (against the stop
// and target captured at entry), then swing detection and levels, then an
// entry check when the machine started the bar flat. A bar that closes a
// position never opens a new one.
func (m *Machine) Evaluate(in Input) Step {
	step := Step{Position: in.Position}
	if len(in.Bars) == 0 {
		step.Skip = ErrInsufficientData
		return step
	}
	cur := in.Bars[len(in.Bars)-1]
	wasFlat := in.Position.IsFlat()
	if !wasFlat {
		step.Intent, step.Position = checkExit(in.Position, cur.Close)
	}

	swing, err := DetectSwing(in.Bars, m.params.Lookback)
	if err != nil {
		step.Skip = err
		return step
	}
	step.Swing = &swing
	set, err := BuildLevelSet(swing, m.params)
	if err != nil {
		step.Skip = err
		return step
	}
	step.Levels = &set
	if !wasFlat || len(in.Bars) < 2 {
		return step
	}

	prev := in.Bars[len(in.Bars)-2].Close
	if intent, pos, ok := m.checkEntry(set, prev, cur, in.Cash); ok {
		step.Intent = intent
		step.Position = pos
	}
	return step
}

func checkExit(pos Position, c float64) (Intent, Position) {
	var reason ExitReason
	switch pos.Side {
	case Long:
		switch {
		case lte(c, pos.StopPrice):
			reason = ExitStopLoss
		case gte(c, pos.TakeProfit):
			reason = ExitTakeProfit
		}
	case Short:
		switch {
		case gte(c, pos.StopPrice):
			reason = ExitStopLoss
		case lte(c, pos.TakeProfit):
			reason = ExitTakeProfit
		}
	}
	if reason == "" {
		return Intent{Action: ActionNone}, pos
	}
	return Intent{Action: ActionClose, Size: pos.Size, Price: c, Reason: reason}, Position{}
}

func (m *Machine) checkEntry(set LevelSet, prev float64, cur market.Candle, cash float64) (Intent, Position, bool) {
	c := cur.Close
	var side Side
	var action Action
	switch set.Swing.Direction {
	case Up:
		// upward cross of the retrace level, stop still below price
		if !(lt(prev, set.Entry) && lte(set.Entry, c) && lt(set.Stop, c)) {
			return Intent{}, Position{}, false
		}
		side, action = Long, ActionOpenLong
	default:
		if !(gt(prev, set.Entry) && gte(set.Entry, c) && gt(set.Stop, c)) {
			return Intent{}, Position{}, false
		}
		side, action = Short, ActionOpenShort
	}
	size := PositionSize(cash, m.params.RiskPerTrade, c, set.Stop)
	if size <= 0 {
		return Intent{}, Position{}, false
	}
	openedAt := cur.CloseTime
	if openedAt == 0 {
		openedAt = cur.OpenTime
	}
	pos := Position{
		Side:       side,
		Size:       size,
		EntryPrice: c,
		StopPrice:  set.Stop,
		TakeProfit: set.Target,
		OpenedAt:   openedAt,
	}
	return Intent{Action: action, Size: size, Price: c}, pos, true
}
