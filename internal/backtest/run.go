package backtest

import (
	"time"

	"fibswing/internal/strategy/fib"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录本次模拟的参数快照，便于重放。
type RunConfig struct {
	Symbol       string     `json:"symbol"`
	Interval     string     `json:"interval"`
	Source       string     `json:"source"`
	StartTS      int64      `json:"start_ts"`
	EndTS        int64      `json:"end_ts"`
	InitialCash  float64    `json:"initial_cash"`
	Commission   float64    `json:"commission"`
	SlippageBps  float64    `json:"slippage_bps"`
	Params       fib.Params `json:"params"`
	SkipSnapshot bool       `json:"skip_snapshot,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// RunStats 汇总收益、风控指标，供前端展示。
type RunStats struct {
	StartingValue     float64   `json:"starting_value"`
	FinalBalance      float64   `json:"final_balance"`
	Profit            float64   `json:"profit"`
	ReturnPct         float64   `json:"return_pct"`
	WinRate           float64   `json:"win_rate"`
	MaxDrawdownPct    float64   `json:"max_drawdown_pct"`
	Orders            int       `json:"orders"`
	Positions         int       `json:"positions"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	Rejected          int       `json:"rejected"`
	Bars              int       `json:"bars"`
	SkippedBars       int       `json:"skipped_bars"`
	AvgHoldingMinutes float64   `json:"avg_holding_minutes"`
	Snapshots         int       `json:"snapshots"`
	EquityPeak        float64   `json:"equity_peak"`
	EquityValley      float64   `json:"equity_valley"`
	Notes             []string  `json:"notes,omitempty"`
	FinishedAt        time.Time `json:"finished_at"`
}

// Run 表示一次模拟任务。
type Run struct {
	ID             string    `json:"id"`
	Symbol         string    `json:"symbol"`
	Interval       string    `json:"interval"`
	Status         string    `json:"status"`
	StartTS        int64     `json:"start_ts"`
	EndTS          int64     `json:"end_ts"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	Orders         int       `json:"orders"`
	Positions      int       `json:"positions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Order 记录一次模拟下单行为（开仓/平仓）。
type Order struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Action     string    `json:"action"` // open_long/close_long/open_short/close_short
	Side       string    `json:"side"`   // long/short
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	Notional   float64   `json:"notional"`
	Fee        float64   `json:"fee"`
	Reason     string    `json:"reason,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	ExpectedRR float64   `json:"expected_rr,omitempty"`
}

// Position 记录一次完整持仓的盈亏。
type Position struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	PnLPct     float64   `json:"pnl_pct"`
	HoldingMs  int64     `json:"holding_ms"`
	ExitReason string    `json:"exit_reason"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	ExpectedRR float64   `json:"expected_rr,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Snapshot 保存资金曲线。
type Snapshot struct {
	ID       int64   `json:"id"`
	RunID    string  `json:"run_id"`
	TS       int64   `json:"ts"`
	Equity   float64 `json:"equity"`
	Balance  float64 `json:"balance"`
	Drawdown float64 `json:"drawdown"`
	Exposure float64 `json:"exposure"`
	Note     string  `json:"note,omitempty"`
}

// RunRequest 为 HTTP/CLI 提交使用；零值字段取配置默认值。
type RunRequest struct {
	Symbol       string      `json:"symbol"`
	Interval     string      `json:"interval"`
	Source       string      `json:"source"`
	StartTS      int64       `json:"start_ts"`
	EndTS        int64       `json:"end_ts"`
	InitialCash  float64     `json:"initial_cash"`
	Commission   *float64    `json:"commission,omitempty"`
	SlippageBps  float64     `json:"slippage_bps"`
	Params       *fib.Params `json:"params,omitempty"`
	SkipSnapshot bool        `json:"skip_snapshot,omitempty"`
}

// 行情同步任务

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

type FetchParams struct {
	Source   string `json:"source"`
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// Gap 是缺失的 open_time 闭区间。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps,omitempty"`
}

func (r IntegrityReport) Complete() bool { return len(r.Gaps) == 0 }

type FetchJob struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Completed int64       `json:"completed"`
	Message   string      `json:"message,omitempty"`
	Missing   []Gap       `json:"missing,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *FetchJob) copy() FetchJob {
	out := *j
	out.Missing = append([]Gap(nil), j.Missing...)
	out.Warnings = append([]string(nil), j.Warnings...)
	return out
}
