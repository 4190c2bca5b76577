package execution

import (
	"context"
	"math"
	"sync"

	"fibswing/internal/strategy/fib"
)

// DefaultCommission 按名义价值收取，0.05%。
const DefaultCommission = 0.0005

type PaperConfig struct {
	InitialCash float64
	Commission  float64
	SlippageBps float64
	// OnFill 在每笔成交后同步回调（落库、日志）。
	OnFill func(Fill)
}

// Stats 是纸面账户的累计统计。
type Stats struct {
	InitialCash  float64 `json:"initial_cash"`
	Balance      float64 `json:"balance"`
	Equity       float64 `json:"equity"`
	Orders       int     `json:"orders"`
	Positions    int     `json:"positions"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	Rejected     int     `json:"rejected"`
	PeakEquity   float64 `json:"peak_equity"`
	ValleyEquity float64 `json:"valley_equity"`
	MaxDrawdown  float64 `json:"max_drawdown"`
}

// Paper 是单标的纸面撮合：以最近一次 MarkPrice 的价格全额成交，
// 开仓占用名义价值作为保证金，平仓时结算盈亏。
type Paper struct {
	mu sync.Mutex

	cfg      PaperConfig
	balance  float64
	price    float64
	ts       int64
	holding  Holding
	orders   int
	closed   int
	wins     int
	losses   int
	rejected int
	peak     float64
	valley   float64
	maxDD    float64
}

func NewPaper(cfg PaperConfig) *Paper {
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = 10000
	}
	if cfg.Commission < 0 {
		cfg.Commission = 0
	}
	if cfg.SlippageBps < 0 {
		cfg.SlippageBps = 0
	}
	return &Paper{
		cfg:     cfg,
		balance: cfg.InitialCash,
		peak:    cfg.InitialCash,
		valley:  cfg.InitialCash,
	}
}

// MarkPrice 更新撮合价并刷新权益峰谷与回撤。
func (p *Paper) MarkPrice(ts int64, price float64) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = price
	p.ts = ts
	p.trackEquityLocked()
}

func (p *Paper) trackEquityLocked() {
	eq := p.equityLocked()
	p.peak = math.Max(p.peak, eq)
	if eq < p.valley {
		p.valley = eq
	}
	if p.peak > 0 {
		if dd := (p.peak - eq) / p.peak; dd > p.maxDD {
			p.maxDD = dd
		}
	}
}

func (p *Paper) OpenLong(ctx context.Context, size float64) (Fill, error) {
	return p.open(ctx, fib.Long, size)
}

func (p *Paper) OpenShort(ctx context.Context, size float64) (Fill, error) {
	return p.open(ctx, fib.Short, size)
}

func (p *Paper) open(ctx context.Context, side fib.Side, size float64) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return Fill{}, ErrInvalidSize
	}
	p.mu.Lock()
	if !p.holding.IsFlat() {
		p.mu.Unlock()
		return Fill{}, ErrPositionOpen
	}
	if p.price <= 0 {
		p.mu.Unlock()
		return Fill{}, ErrNoPrice
	}
	price := p.slipLocked(side, true)
	notional := size * price
	fee := notional * p.cfg.Commission
	if notional+fee > p.balance {
		p.rejected++
		p.mu.Unlock()
		return Fill{}, ErrInsufficientCash
	}
	p.balance -= fee
	p.holding = Holding{
		Side:       side,
		Quantity:   size,
		EntryPrice: price,
		EntryTime:  p.ts,
		Notional:   notional,
		EntryFee:   fee,
	}
	p.orders++
	action := "open_long"
	if side == fib.Short {
		action = "open_short"
	}
	fill := Fill{
		Action:   action,
		Side:     side,
		Price:    price,
		Quantity: size,
		Notional: notional,
		Fee:      fee,
		Time:     p.ts,
	}
	p.trackEquityLocked()
	hook := p.cfg.OnFill
	p.mu.Unlock()
	if hook != nil {
		hook(fill)
	}
	return fill, nil
}

func (p *Paper) ClosePosition(ctx context.Context) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	p.mu.Lock()
	h := p.holding
	if h.IsFlat() {
		p.mu.Unlock()
		return Fill{}, ErrNoPosition
	}
	if p.price <= 0 {
		p.mu.Unlock()
		return Fill{}, ErrNoPrice
	}
	price := p.slipLocked(h.Side, false)
	notional := h.Quantity * price
	fee := notional * p.cfg.Commission
	gross := (price - h.EntryPrice) * h.Quantity
	if h.Side == fib.Short {
		gross = -gross
	}
	p.balance += gross - fee
	net := gross - fee - h.EntryFee
	if net >= 0 {
		p.wins++
	} else {
		p.losses++
	}
	p.orders++
	p.closed++
	p.holding = Holding{}
	action := "close_long"
	if h.Side == fib.Short {
		action = "close_short"
	}
	fill := Fill{
		Action:     action,
		Side:       h.Side,
		Price:      price,
		Quantity:   h.Quantity,
		Notional:   notional,
		Fee:        fee,
		Time:       p.ts,
		EntryPrice: h.EntryPrice,
		EntryTime:  h.EntryTime,
		PnL:        net,
	}
	p.trackEquityLocked()
	hook := p.cfg.OnFill
	p.mu.Unlock()
	if hook != nil {
		hook(fill)
	}
	return fill, nil
}

// slipLocked 返回含滑点的成交价：买入上浮、卖出下调。
func (p *Paper) slipLocked(side fib.Side, opening bool) float64 {
	slip := p.price * p.cfg.SlippageBps / 10000
	buy := (side == fib.Long) == opening
	if buy {
		return p.price + slip
	}
	return p.price - slip
}

// Cash 是可用于新开仓的资金：余额减去持仓占用的名义价值。
func (p *Paper) Cash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holding.IsFlat() {
		return p.balance
	}
	return p.balance - p.holding.Notional
}

func (p *Paper) Position() Holding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holding
}

func (p *Paper) unrealizedLocked() float64 {
	h := p.holding
	if h.IsFlat() || p.price <= 0 {
		return 0
	}
	if h.Side == fib.Long {
		return (p.price - h.EntryPrice) * h.Quantity
	}
	return (h.EntryPrice - p.price) * h.Quantity
}

func (p *Paper) equityLocked() float64 { return p.balance + p.unrealizedLocked() }

// Value 是按当前标记价计算的账户权益。
func (p *Paper) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equityLocked()
}

func (p *Paper) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		InitialCash:  p.cfg.InitialCash,
		Balance:      p.balance,
		Equity:       p.equityLocked(),
		Orders:       p.orders,
		Positions:    p.closed,
		Wins:         p.wins,
		Losses:       p.losses,
		Rejected:     p.rejected,
		PeakEquity:   p.peak,
		ValleyEquity: p.valley,
		MaxDrawdown:  p.maxDD,
	}
}
