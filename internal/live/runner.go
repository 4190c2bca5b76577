package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fibswing/internal/execution"
	"fibswing/internal/logger"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"
)

const maxRecentFills = 50

// Config 描述实时纸面交易的依赖。
type Config struct {
	Source       market.Source
	Symbol       string
	Interval     string
	Params       fib.Params
	InitialCash  float64
	Commission   float64
	SlippageBps  float64
	HistoryLimit int
}

// Status 是对外暴露的运行快照。
type Status struct {
	Symbol      string           `json:"symbol"`
	Interval    string           `json:"interval"`
	Source      string           `json:"source"`
	Running     bool             `json:"running"`
	Connected   bool             `json:"connected"`
	Bars        int              `json:"bars"`
	Evaluated   int              `json:"evaluated"`
	LastBarTime int64            `json:"last_bar_time,omitempty"`
	LastClose   float64          `json:"last_close,omitempty"`
	Position    fib.Position     `json:"position"`
	Levels      *fib.LevelSet    `json:"levels,omitempty"`
	Skip        string           `json:"skip,omitempty"`
	Params      fib.Params       `json:"params"`
	Account     execution.Stats  `json:"account"`
	Fills       []execution.Fill `json:"fills,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
}

// Runner 用历史 K 线预热窗口，随后逐根消费收盘 K 线：评估、下单到纸面账户。
// 同一时刻只有一个 goroutine 调用 OnBar，状态读写由 mu 保护。
type Runner struct {
	source   market.Source
	symbol   string
	interval market.Interval
	limit    int
	paper    *execution.Paper

	mu        sync.RWMutex
	machine   *fib.Machine
	window    market.Candles
	pos       fib.Position
	levels    *fib.LevelSet
	skip      string
	fills     []execution.Fill
	evaluated int
	running   bool
	connected bool
	lastErr   string
	startedAt time.Time
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Source == nil {
		return nil, errors.New("live: source 不能为空")
	}
	symbol := strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if symbol == "" {
		return nil, errors.New("live: symbol 不能为空")
	}
	iv, err := market.ParseInterval(cfg.Interval)
	if err != nil {
		return nil, err
	}
	machine, err := fib.NewMachine(cfg.Params)
	if err != nil {
		return nil, err
	}
	limit := cfg.HistoryLimit
	if limit < cfg.Params.Lookback+1 {
		limit = cfg.Params.Lookback + 1
	}
	return &Runner{
		source:   cfg.Source,
		symbol:   symbol,
		interval: iv,
		limit:    limit,
		machine:  machine,
		paper: execution.NewPaper(execution.PaperConfig{
			InitialCash: cfg.InitialCash,
			Commission:  cfg.Commission,
			SlippageBps: cfg.SlippageBps,
		}),
	}, nil
}

// UpdateParams 热更新策略参数；已开仓位保留开仓时的止损与目标价。
func (r *Runner) UpdateParams(p fib.Params) error {
	machine, err := fib.NewMachine(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.machine.Params()
	r.machine = machine
	if need := p.Lookback + 1; need > r.limit {
		r.limit = need
	}
	if old != p {
		logger.Infof("[live] %s 参数更新 lookback=%d retrace=%.3f stop=%.3f risk=%.4f target=%s",
			r.symbol, p.Lookback, p.RetraceRatio, p.StopRatio, p.RiskPerTrade, p.TargetMode)
	}
	return nil
}

// Run 预热后订阅收盘 K 线，阻塞直到 ctx 取消或订阅通道关闭。
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Seed(ctx); err != nil {
		return err
	}
	events, err := r.source.Subscribe(ctx, r.symbol, r.interval.Key, market.SubscribeOptions{
		Buffer: 64,
		OnConnect: func() {
			r.setConnected(true, "")
			logger.Infof("[live] %s %s 订阅已连接", r.symbol, r.interval.Key)
		},
		OnDisconnect: func(err error) {
			msg := ""
			if err != nil {
				msg = err.Error()
			}
			r.setConnected(false, msg)
			logger.Warnf("[live] %s %s 订阅断开: %v", r.symbol, r.interval.Key, err)
		},
	})
	if err != nil {
		return fmt.Errorf("live: subscribe %s %s: %w", r.symbol, r.interval.Key, err)
	}
	r.mu.Lock()
	r.running = true
	r.startedAt = time.Now()
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()
	logger.Infof("[live] %s %s 启动，初始资金 %.2f", r.symbol, r.interval.Key, r.paper.Value())

	for {
		select {
		case <-ctx.Done():
			r.logSummary()
			return nil
		case ev, ok := <-events:
			if !ok {
				r.logSummary()
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("live: subscription closed")
			}
			if !ev.Closed {
				continue
			}
			if _, err := r.OnBar(ctx, ev.Candle); err != nil {
				logger.Warnf("[live] %s %v", r.symbol, err)
			}
		}
	}
}

// Seed 拉取最近 limit 根历史 K 线填充窗口，不产生交易。
func (r *Runner) Seed(ctx context.Context) error {
	r.mu.RLock()
	limit := r.limit
	r.mu.RUnlock()
	bars, err := r.source.FetchHistory(ctx, r.symbol, r.interval.Key, limit)
	if err != nil {
		return fmt.Errorf("live: seed %s %s: %w", r.symbol, r.interval.Key, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window = append(market.Candles(nil), bars...)
	if n := len(r.window); n > 0 {
		last := r.window[n-1]
		r.paper.MarkPrice(last.CloseTime, last.Close)
	}
	logger.Infof("[live] %s %s 预热 %d 根 K 线", r.symbol, r.interval.Key, len(r.window))
	return nil
}

// OnBar 处理一根已收盘 K 线。重复或乱序的 K 线被忽略。
func (r *Runner) OnBar(ctx context.Context, bar market.Candle) (fib.Step, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.window); n > 0 && bar.OpenTime <= r.window[n-1].OpenTime {
		return fib.Step{Position: r.pos}, nil
	}
	r.window = append(r.window, bar)
	if over := len(r.window) - r.limit; over > 0 {
		r.window = append(market.Candles(nil), r.window[over:]...)
	}
	r.paper.MarkPrice(bar.CloseTime, bar.Close)

	lookback := r.machine.Params().Lookback
	step := r.machine.Evaluate(fib.Input{
		Bars:     r.window.Tail(lookback + 1),
		Position: r.pos,
		Cash:     r.paper.Cash(),
	})
	r.evaluated++
	r.levels = step.Levels
	r.skip = ""
	if step.Skip != nil {
		r.skip = step.Skip.Error()
	}

	prev := r.pos
	fill, ok, err := execution.Dispatch(ctx, r.paper, step.Intent)
	if err != nil {
		r.lastErr = err.Error()
		if r.paper.Position().IsFlat() {
			r.pos = fib.Position{}
		}
		return step, fmt.Errorf("dispatch %s: %w", step.Intent.Action, err)
	}
	r.pos = step.Position
	if ok {
		r.fills = append(r.fills, fill)
		if over := len(r.fills) - maxRecentFills; over > 0 {
			r.fills = append([]execution.Fill(nil), r.fills[over:]...)
		}
		r.logFill(fill, prev, step.Position)
	}
	return step, nil
}

func (r *Runner) logFill(fill execution.Fill, prev, next fib.Position) {
	switch fill.Action {
	case "open_long", "open_short":
		logger.Infof("[live] %s %s qty=%.6f @ %.4f sl=%.4f tp=%.4f",
			r.symbol, fill.Action, fill.Quantity, fill.Price, next.StopPrice, next.TakeProfit)
	default:
		logger.Infof("[live] %s %s qty=%.6f @ %.4f entry=%.4f pnl=%.2f reason=%s",
			r.symbol, fill.Action, fill.Quantity, fill.Price, prev.EntryPrice, fill.PnL, fill.Reason)
	}
}

func (r *Runner) logSummary() {
	st := r.paper.Stats()
	logger.InfoBlock(strings.Join([]string{
		fmt.Sprintf("[live] %s %s 停止", r.symbol, r.interval.Key),
		fmt.Sprintf("Final Portfolio Value: %.2f", st.Equity),
		fmt.Sprintf("orders=%d positions=%d wins=%d losses=%d rejected=%d", st.Orders, st.Positions, st.Wins, st.Losses, st.Rejected),
		fmt.Sprintf("max drawdown: %.2f%%", st.MaxDrawdown*100),
	}, "\n"))
}

func (r *Runner) setConnected(up bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = up
	if errMsg != "" {
		r.lastErr = errMsg
	}
}

// Status 返回当前快照。
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Status{
		Symbol:    r.symbol,
		Interval:  r.interval.Key,
		Source:    r.source.Name(),
		Running:   r.running,
		Connected: r.connected,
		Bars:      len(r.window),
		Evaluated: r.evaluated,
		Position:  r.pos,
		Levels:    r.levels,
		Skip:      r.skip,
		Params:    r.machine.Params(),
		Account:   r.paper.Stats(),
		Fills:     append([]execution.Fill(nil), r.fills...),
		LastError: r.lastErr,
		StartedAt: r.startedAt,
	}
	if n := len(r.window); n > 0 {
		st.LastBarTime = r.window[n-1].OpenTime
		st.LastClose = r.window[n-1].Close
	}
	return st
}
