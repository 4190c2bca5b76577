package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"fibswing/internal/execution"
	"fibswing/internal/logger"
	"fibswing/internal/market"
	"fibswing/internal/strategy/fib"

	"github.com/google/uuid"
)

// Defaults 是 RunRequest 零值字段的回退值。
type Defaults struct {
	Source      string
	Interval    string
	InitialCash float64
	Commission  float64
	SlippageBps float64
	Params      fib.Params
}

type SimulatorConfig struct {
	CandleStore   *Store
	ResultStore   *ResultStore
	Fetcher       *Fetcher
	Defaults      Defaults
	MaxConcurrent int
}

// Simulator 负责将历史 K 线 + 斐波那契状态机推演为资金曲线。
type Simulator struct {
	store    *Store
	results  *ResultStore
	fetcher  *Fetcher
	defaults Defaults

	sem     chan struct{}
	baseCtx context.Context
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.CandleStore == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.ResultStore == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	def := cfg.Defaults
	def.Params = def.Params.WithDefaults()
	if err := def.Params.Validate(); err != nil {
		return nil, err
	}
	if def.Interval == "" {
		def.Interval = "1d"
	}
	if def.InitialCash <= 0 {
		def.InitialCash = 10000
	}
	if def.Commission <= 0 {
		def.Commission = execution.DefaultCommission
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Simulator{
		store:    cfg.CandleStore,
		results:  cfg.ResultStore,
		fetcher:  cfg.Fetcher,
		defaults: def,
		sem:      make(chan struct{}, maxConcurrent),
		baseCtx:  context.Background(),
	}, nil
}

func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

func (s *Simulator) Results() *ResultStore { return s.results }

func (s *Simulator) Store() *Store { return s.store }

// BuildConfig 校验请求并补齐默认值。
func (s *Simulator) BuildConfig(req RunRequest) (RunConfig, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return RunConfig{}, fmt.Errorf("symbol 不能为空")
	}
	interval := req.Interval
	if interval == "" {
		interval = s.defaults.Interval
	}
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return RunConfig{}, fmt.Errorf("interval 无效: %w", err)
	}
	start, end := req.StartTS, req.EndTS
	if start <= 0 || end <= 0 || end <= start {
		return RunConfig{}, fmt.Errorf("start/end 非法")
	}
	start, end = iv.AlignRange(start, end)

	params := s.defaults.Params
	if req.Params != nil {
		params = req.Params.WithDefaults()
	}
	if err := params.Validate(); err != nil {
		return RunConfig{}, err
	}
	cash := req.InitialCash
	if cash <= 0 {
		cash = s.defaults.InitialCash
	}
	commission := s.defaults.Commission
	if req.Commission != nil {
		commission = math.Max(0, *req.Commission)
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = s.defaults.SlippageBps
	}
	source := req.Source
	if source == "" {
		source = s.defaults.Source
	}
	return RunConfig{
		Symbol:       symbol,
		Interval:     iv.Key,
		Source:       strings.ToLower(source),
		StartTS:      start,
		EndTS:        end,
		InitialCash:  cash,
		Commission:   commission,
		SlippageBps:  math.Max(0, slippage),
		Params:       params,
		SkipSnapshot: req.SkipSnapshot,
	}, nil
}

func (s *Simulator) createRun(ctx context.Context, cfg RunConfig) (Run, error) {
	run := Run{
		ID:             uuid.NewString(),
		Symbol:         cfg.Symbol,
		Interval:       cfg.Interval,
		Status:         RunStatusPending,
		StartTS:        cfg.StartTS,
		EndTS:          cfg.EndTS,
		InitialBalance: cfg.InitialCash,
		FinalBalance:   cfg.InitialCash,
		Config:         cfg,
		Stats: RunStats{
			StartingValue: cfg.InitialCash,
			FinalBalance:  cfg.InitialCash,
		},
	}
	if err := s.results.InsertRun(ctx, run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// StartRun 创建回测任务并立即返回，模拟过程在后台进行。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	cfg, err := s.BuildConfig(req)
	if err != nil {
		return Run{}, err
	}
	run, err := s.createRun(s.ctx(), cfg)
	if err != nil {
		return Run{}, err
	}
	go s.runLoop(run.ID, cfg)
	return run, nil
}

// Run 同步执行一次回测，返回落库后的结果（CLI 使用）。
func (s *Simulator) Run(ctx context.Context, req RunRequest) (Run, error) {
	cfg, err := s.BuildConfig(req)
	if err != nil {
		return Run{}, err
	}
	run, err := s.createRun(ctx, cfg)
	if err != nil {
		return Run{}, err
	}
	_ = s.results.UpdateRunStatus(ctx, run.ID, RunStatusRunning, "初始化…")
	if err := newSimRunner(s.store, s.results, s.fetcher, cfg).Run(ctx, run.ID); err != nil {
		_ = s.results.UpdateRunStatus(context.WithoutCancel(ctx), run.ID, RunStatusFailed, err.Error())
		return Run{}, err
	}
	return s.results.GetRun(ctx, run.ID)
}

func (s *Simulator) runLoop(runID string, cfg RunConfig) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] run %s 等待可用 worker", runID)
		select {
		case s.sem <- struct{}{}:
		case <-s.ctx().Done():
			_ = s.results.UpdateRunStatus(context.Background(), runID, RunStatusFailed, "服务已关闭")
			return
		}
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	_ = s.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "初始化…")
	if err := newSimRunner(s.store, s.results, s.fetcher, cfg).Run(ctx, runID); err != nil {
		logger.Warnf("[backtest] run %s 失败: %v", runID, err)
		_ = s.results.UpdateRunStatus(context.WithoutCancel(ctx), runID, RunStatusFailed, err.Error())
	}
}

type simRunner struct {
	store   *Store
	results *ResultStore
	fetcher *Fetcher
	cfg     RunConfig

	// 当前持仓的开仓单，平仓时回填到 Position
	entry *Order
	snaps []Snapshot
	held  int64
	notes []string
}

func newSimRunner(store *Store, results *ResultStore, fetcher *Fetcher, cfg RunConfig) *simRunner {
	return &simRunner{
		store:   store,
		results: results,
		fetcher: fetcher,
		cfg:     cfg,
	}
}

const snapshotBatch = 500

func (r *simRunner) Run(ctx context.Context, runID string) error {
	iv, err := market.ParseInterval(r.cfg.Interval)
	if err != nil {
		return err
	}
	lookback := r.cfg.Params.Lookback
	warmStart := r.cfg.StartTS - int64(lookback+5)*iv.Millis()
	if warmStart < 0 {
		warmStart = 0
	}
	if err := r.ensureData(ctx, runID, warmStart); err != nil {
		return err
	}
	bars, err := r.store.RangeCandles(ctx, r.cfg.Symbol, iv.Key, warmStart, r.cfg.EndTS)
	if err != nil {
		return err
	}
	startIdx := 0
	for startIdx < len(bars) && bars[startIdx].OpenTime < r.cfg.StartTS {
		startIdx++
	}
	if startIdx >= len(bars) {
		return fmt.Errorf("未找到 %s %s 的起始 K 线", r.cfg.Symbol, iv.Key)
	}
	if startIdx < lookback {
		r.notes = append(r.notes, fmt.Sprintf("warmup 仅 %d 根，前 %d 根不产生信号", startIdx, lookback-startIdx))
	}

	machine, err := fib.NewMachine(r.cfg.Params)
	if err != nil {
		return err
	}
	paper := execution.NewPaper(execution.PaperConfig{
		InitialCash: r.cfg.InitialCash,
		Commission:  r.cfg.Commission,
		SlippageBps: r.cfg.SlippageBps,
	})
	logger.Infof("[backtest] run %s Starting Portfolio Value: %.2f", runID, paper.Value())

	total := len(bars) - startIdx
	progressStep := max(10, total/20)
	var pos fib.Position
	skipped := 0

	for i := startIdx; i < len(bars); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		bar := bars[i]
		paper.MarkPrice(bar.CloseTime, bar.Close)
		window := bars[max(0, i-lookback) : i+1]
		step := machine.Evaluate(fib.Input{Bars: window, Position: pos, Cash: paper.Cash()})
		if step.Skip != nil {
			skipped++
		}
		pos = r.apply(ctx, runID, paper, pos, step)

		done := i - startIdx + 1
		if done%progressStep == 0 || i == len(bars)-1 {
			percent := float64(done) / float64(total) * 100
			msg := fmt.Sprintf("processing %d/%d (%.1f%%)", done, total, percent)
			_ = r.results.UpdateRunStatus(ctx, runID, RunStatusRunning, msg)
		}
		r.recordSnapshot(ctx, runID, paper, bar)
	}

	if !pos.IsFlat() {
		last := bars[len(bars)-1]
		intent := fib.Intent{Action: fib.ActionClose, Size: pos.Size, Price: last.Close, Reason: fib.ExitEndOfData}
		pos = r.apply(ctx, runID, paper, pos, fib.Step{Position: fib.Position{}, Intent: intent})
	}
	r.flushSnapshots(ctx, runID)

	stats := r.statsSummary(paper.Stats())
	stats.Bars = total
	stats.SkippedBars = skipped
	stats.Snapshots = r.snapshotsWritten(total)
	logger.Infof("[backtest] run %s Final Portfolio Value: %.2f", runID, stats.FinalBalance)
	msg := fmt.Sprintf("完成：%d 笔交易，收益 %.2f (%.2f%%)", stats.Positions, stats.Profit, stats.ReturnPct*100)
	return r.results.UpdateRunSummary(ctx, runID, RunStatusDone, stats, msg)
}

// ensureData 通过 Fetcher 补齐 [warmStart, end] 的本地缓存；无 Fetcher 时只使用现有数据。
func (r *simRunner) ensureData(ctx context.Context, runID string, warmStart int64) error {
	if r.fetcher == nil {
		return nil
	}
	_ = r.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "同步行情数据…")
	job, err := r.fetcher.Sync(ctx, FetchParams{
		Source:   r.cfg.Source,
		Symbol:   r.cfg.Symbol,
		Interval: r.cfg.Interval,
		Start:    warmStart,
		End:      r.cfg.EndTS,
	})
	if err != nil {
		return err
	}
	if job.Status == JobStatusPartial {
		r.notes = append(r.notes, fmt.Sprintf("数据存在 %d 处缺口", len(job.Missing)))
	}
	return nil
}

// apply 把 step 的意图交给纸面账户执行，返回成交后的持仓状态。
func (r *simRunner) apply(ctx context.Context, runID string, paper *execution.Paper, prev fib.Position, step fib.Step) fib.Position {
	fill, ok, err := execution.Dispatch(ctx, paper, step.Intent)
	if err != nil {
		logger.Warnf("[backtest] run %s %v", runID, err)
		if errors.Is(err, execution.ErrInsufficientCash) {
			r.notes = append(r.notes, fmt.Sprintf("%s size=%.6f 资金不足被拒绝", step.Intent.Action, step.Intent.Size))
		}
		if paper.Position().IsFlat() {
			return fib.Position{}
		}
		return prev
	}
	if !ok {
		return step.Position
	}
	switch step.Intent.Action {
	case fib.ActionOpenLong, fib.ActionOpenShort:
		r.recordOpen(ctx, runID, fill, step.Position)
	case fib.ActionClose:
		r.recordClose(ctx, runID, fill, prev)
	}
	return step.Position
}

func (r *simRunner) recordOpen(ctx context.Context, runID string, fill execution.Fill, pos fib.Position) {
	order := Order{
		RunID:      runID,
		Action:     fill.Action,
		Side:       fill.Side.String(),
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		Notional:   fill.Notional,
		Fee:        fill.Fee,
		ExecutedAt: time.UnixMilli(fill.Time),
		TakeProfit: pos.TakeProfit,
		StopLoss:   pos.StopPrice,
		ExpectedRR: calcExpectedRR(fill.Side, fill.Price, pos.TakeProfit, pos.StopPrice),
	}
	if _, err := r.results.InsertOrder(ctx, &order); err != nil {
		logger.Warnf("[backtest] run %s 记录订单失败: %v", runID, err)
	}
	r.entry = &order
	logger.Debugf("[backtest] run %s %s qty=%.6f @ %.4f sl=%.4f tp=%.4f", runID, fill.Action, fill.Quantity, fill.Price, pos.StopPrice, pos.TakeProfit)
}

func (r *simRunner) recordClose(ctx context.Context, runID string, fill execution.Fill, prev fib.Position) {
	order := Order{
		RunID:      runID,
		Action:     fill.Action,
		Side:       fill.Side.String(),
		Price:      fill.Price,
		Quantity:   fill.Quantity,
		Notional:   fill.Notional,
		Fee:        fill.Fee,
		Reason:     fill.Reason,
		ExecutedAt: time.UnixMilli(fill.Time),
		TakeProfit: prev.TakeProfit,
		StopLoss:   prev.StopPrice,
	}
	if _, err := r.results.InsertOrder(ctx, &order); err != nil {
		logger.Warnf("[backtest] run %s 记录订单失败: %v", runID, err)
	}
	entryNotional := fill.EntryPrice * fill.Quantity
	pnlPct := 0.0
	if entryNotional > 0 {
		pnlPct = fill.PnL / entryNotional
	}
	holding := fill.Time - fill.EntryTime
	position := Position{
		RunID:      runID,
		Symbol:     r.cfg.Symbol,
		Side:       fill.Side.String(),
		EntryPrice: fill.EntryPrice,
		ExitPrice:  fill.Price,
		Quantity:   fill.Quantity,
		PnL:        fill.PnL,
		PnLPct:     pnlPct,
		HoldingMs:  holding,
		ExitReason: fill.Reason,
		TakeProfit: prev.TakeProfit,
		StopLoss:   prev.StopPrice,
		OpenedAt:   time.UnixMilli(fill.EntryTime),
		ClosedAt:   time.UnixMilli(fill.Time),
	}
	if r.entry != nil {
		position.ExpectedRR = r.entry.ExpectedRR
	}
	if _, err := r.results.InsertPosition(ctx, &position); err != nil {
		logger.Warnf("[backtest] run %s 记录持仓失败: %v", runID, err)
	}
	r.entry = nil
	r.held += holding
	logger.Debugf("[backtest] run %s %s @ %.4f reason=%s pnl=%.2f", runID, fill.Action, fill.Price, fill.Reason, fill.PnL)
}

func (r *simRunner) recordSnapshot(ctx context.Context, runID string, paper *execution.Paper, bar market.Candle) {
	if r.cfg.SkipSnapshot {
		return
	}
	st := paper.Stats()
	exposure := 0.0
	if h := paper.Position(); !h.IsFlat() && r.cfg.InitialCash > 0 {
		exposure = math.Abs(h.Notional / r.cfg.InitialCash)
	}
	drawdown := 0.0
	if st.PeakEquity > 0 {
		drawdown = (st.PeakEquity - st.Equity) / st.PeakEquity
	}
	r.snaps = append(r.snaps, Snapshot{
		RunID:    runID,
		TS:       bar.CloseTime,
		Equity:   st.Equity,
		Balance:  st.Balance,
		Drawdown: drawdown,
		Exposure: exposure,
	})
	if len(r.snaps) >= snapshotBatch {
		r.flushSnapshots(ctx, runID)
	}
}

func (r *simRunner) flushSnapshots(ctx context.Context, runID string) {
	if len(r.snaps) == 0 {
		return
	}
	if err := r.results.InsertSnapshots(ctx, r.snaps); err != nil {
		logger.Warnf("[backtest] run %s 写入 snapshot 失败: %v", runID, err)
	}
	r.snaps = r.snaps[:0]
}

func (r *simRunner) snapshotsWritten(bars int) int {
	if r.cfg.SkipSnapshot {
		return 0
	}
	return bars
}

func (r *simRunner) statsSummary(st execution.Stats) RunStats {
	winRate := 0.0
	if st.Positions > 0 {
		winRate = float64(st.Wins) / float64(st.Positions)
	}
	profit := st.Balance - st.InitialCash
	returnPct := 0.0
	if st.InitialCash > 0 {
		returnPct = profit / st.InitialCash
	}
	avgHold := 0.0
	if st.Positions > 0 {
		avgHold = float64(r.held) / float64(st.Positions) / float64(time.Minute.Milliseconds())
	}
	return RunStats{
		StartingValue:     st.InitialCash,
		FinalBalance:      st.Balance,
		Profit:            profit,
		ReturnPct:         returnPct,
		WinRate:           winRate,
		MaxDrawdownPct:    st.MaxDrawdown,
		Orders:            st.Orders,
		Positions:         st.Positions,
		Wins:              st.Wins,
		Losses:            st.Losses,
		Rejected:          st.Rejected,
		AvgHoldingMinutes: avgHold,
		EquityPeak:        st.PeakEquity,
		EquityValley:      st.ValleyEquity,
		Notes:             append([]string(nil), r.notes...),
		FinishedAt:        time.Now(),
	}
}

func calcExpectedRR(side fib.Side, entry, tp, sl float64) float64 {
	if entry <= 0 || tp <= 0 || sl <= 0 {
		return 0
	}
	var reward, risk float64
	switch side {
	case fib.Long:
		reward, risk = tp-entry, entry-sl
	case fib.Short:
		reward, risk = entry-tp, sl-entry
	default:
		return 0
	}
	if risk <= 0 || reward <= 0 {
		return 0
	}
	return reward / risk
}
