package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrRunNotFound 表示 run id 不存在。
var ErrRunNotFound = errors.New("backtest run not found")

type runModel struct {
	ID              string         `gorm:"column:id;primaryKey"`
	Symbol          string         `gorm:"column:symbol;index"`
	Interval        string         `gorm:"column:interval"`
	Status          string         `gorm:"column:status"`
	StartTS         int64          `gorm:"column:start_ts"`
	EndTS           int64          `gorm:"column:end_ts"`
	InitialBalance  float64        `gorm:"column:initial_balance"`
	FinalBalance    float64        `gorm:"column:final_balance"`
	Profit          float64        `gorm:"column:profit"`
	ReturnPct       float64        `gorm:"column:return_pct"`
	WinRate         float64        `gorm:"column:win_rate"`
	MaxDrawdown     float64        `gorm:"column:max_drawdown"`
	Orders          int            `gorm:"column:orders"`
	Positions       int            `gorm:"column:positions"`
	ConfigJSON      datatypes.JSON `gorm:"column:config_json;type:TEXT"`
	StatsJSON       datatypes.JSON `gorm:"column:stats_json;type:TEXT"`
	Message         string         `gorm:"column:message"`
	CreatedAtUnix   int64          `gorm:"column:created_at;index"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
	CompletedAtUnix *int64         `gorm:"column:completed_at"`
}

func (runModel) TableName() string { return "backtest_runs" }

type orderModel struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      string  `gorm:"column:run_id;index"`
	Action     string  `gorm:"column:action"`
	Side       string  `gorm:"column:side"`
	Price      float64 `gorm:"column:price"`
	Quantity   float64 `gorm:"column:quantity"`
	Notional   float64 `gorm:"column:notional"`
	Fee        float64 `gorm:"column:fee"`
	Reason     string  `gorm:"column:reason"`
	ExecutedAt int64   `gorm:"column:executed_at"`
	TakeProfit float64 `gorm:"column:take_profit"`
	StopLoss   float64 `gorm:"column:stop_loss"`
	ExpectedRR float64 `gorm:"column:expected_rr"`
}

func (orderModel) TableName() string { return "backtest_orders" }

type positionModel struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID      string  `gorm:"column:run_id;index"`
	Symbol     string  `gorm:"column:symbol"`
	Side       string  `gorm:"column:side"`
	EntryPrice float64 `gorm:"column:entry_price"`
	ExitPrice  float64 `gorm:"column:exit_price"`
	Quantity   float64 `gorm:"column:quantity"`
	PnL        float64 `gorm:"column:pnl"`
	PnLPct     float64 `gorm:"column:pnl_pct"`
	HoldingMs  int64   `gorm:"column:holding_ms"`
	ExitReason string  `gorm:"column:exit_reason"`
	TakeProfit float64 `gorm:"column:take_profit"`
	StopLoss   float64 `gorm:"column:stop_loss"`
	ExpectedRR float64 `gorm:"column:expected_rr"`
	OpenedAt   int64   `gorm:"column:opened_at"`
	ClosedAt   int64   `gorm:"column:closed_at"`
}

func (positionModel) TableName() string { return "backtest_positions" }

type snapshotModel struct {
	ID       int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RunID    string  `gorm:"column:run_id;index:idx_snapshots_run,priority:1"`
	TS       int64   `gorm:"column:ts;index:idx_snapshots_run,priority:2"`
	Equity   float64 `gorm:"column:equity"`
	Balance  float64 `gorm:"column:balance"`
	Drawdown float64 `gorm:"column:drawdown"`
	Exposure float64 `gorm:"column:exposure"`
	Note     string  `gorm:"column:note"`
}

func (snapshotModel) TableName() string { return "backtest_snapshots" }

// ResultStore 管理 backtest_runs/orders/positions/snapshots 表（gorm + sqlite）。
type ResultStore struct {
	db   *gorm.DB
	path string
}

func NewResultStore(path string) (*ResultStore, error) {
	if path == "" {
		return nil, fmt.Errorf("result store 路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &orderModel{}, &positionModel{}, &snapshotModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func mustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(raw)
}

func unixMilliPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	now := time.Now().UnixMilli()
	m := runModel{
		ID:              run.ID,
		Symbol:          run.Symbol,
		Interval:        run.Interval,
		Status:          run.Status,
		StartTS:         run.StartTS,
		EndTS:           run.EndTS,
		InitialBalance:  run.InitialBalance,
		FinalBalance:    run.FinalBalance,
		Profit:          run.Stats.Profit,
		ReturnPct:       run.Stats.ReturnPct,
		WinRate:         run.Stats.WinRate,
		MaxDrawdown:     run.Stats.MaxDrawdownPct,
		ConfigJSON:      mustJSON(run.Config),
		StatsJSON:       mustJSON(run.Stats),
		Message:         run.Message,
		CreatedAtUnix:   now,
		UpdatedAtUnix:   now,
		CompletedAtUnix: unixMilliPtr(run.CompletedAt),
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func completedAt(status string) *int64 {
	if status == RunStatusDone || status == RunStatusFailed {
		now := time.Now().UnixMilli()
		return &now
	}
	return nil
}

// UpdateRunSummary 更新状态、指标。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id string, status string, stats RunStats, message string) error {
	updates := map[string]any{
		"status":        status,
		"final_balance": stats.FinalBalance,
		"profit":        stats.Profit,
		"return_pct":    stats.ReturnPct,
		"win_rate":      stats.WinRate,
		"max_drawdown":  stats.MaxDrawdownPct,
		"orders":        stats.Orders,
		"positions":     stats.Positions,
		"stats_json":    mustJSON(stats),
		"message":       message,
		"updated_at":    time.Now().UnixMilli(),
	}
	if done := completedAt(status); done != nil {
		updates["completed_at"] = *done
	}
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	updates := map[string]any{
		"status":     status,
		"message":    message,
		"updated_at": time.Now().UnixMilli(),
	}
	if done := completedAt(status); done != nil {
		updates["completed_at"] = *done
	}
	return s.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(updates).Error
}

func (s *ResultStore) InsertOrder(ctx context.Context, order *Order) (int64, error) {
	if order == nil {
		return 0, fmt.Errorf("order 不能为空")
	}
	m := orderModel{
		RunID:      order.RunID,
		Action:     order.Action,
		Side:       order.Side,
		Price:      order.Price,
		Quantity:   order.Quantity,
		Notional:   order.Notional,
		Fee:        order.Fee,
		Reason:     order.Reason,
		ExecutedAt: order.ExecutedAt.UnixMilli(),
		TakeProfit: order.TakeProfit,
		StopLoss:   order.StopLoss,
		ExpectedRR: order.ExpectedRR,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, err
	}
	order.ID = m.ID
	return m.ID, nil
}

func (s *ResultStore) InsertPosition(ctx context.Context, pos *Position) (int64, error) {
	if pos == nil {
		return 0, fmt.Errorf("position 不能为空")
	}
	m := positionModel{
		RunID:      pos.RunID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  pos.ExitPrice,
		Quantity:   pos.Quantity,
		PnL:        pos.PnL,
		PnLPct:     pos.PnLPct,
		HoldingMs:  pos.HoldingMs,
		ExitReason: pos.ExitReason,
		TakeProfit: pos.TakeProfit,
		StopLoss:   pos.StopLoss,
		ExpectedRR: pos.ExpectedRR,
		OpenedAt:   pos.OpenedAt.UnixMilli(),
		ClosedAt:   pos.ClosedAt.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return 0, err
	}
	pos.ID = m.ID
	return m.ID, nil
}

// InsertSnapshots 批量写入资金曲线。
func (s *ResultStore) InsertSnapshots(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	models := make([]snapshotModel, len(snaps))
	for i, snap := range snaps {
		models[i] = snapshotModel{
			RunID:    snap.RunID,
			TS:       snap.TS,
			Equity:   snap.Equity,
			Balance:  snap.Balance,
			Drawdown: snap.Drawdown,
			Exposure: snap.Exposure,
			Note:     snap.Note,
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(models, 200).Error
}

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(models))
	for _, m := range models {
		run, err := m.toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, err
	}
	return m.toRun()
}

func (m runModel) toRun() (Run, error) {
	run := Run{
		ID:             m.ID,
		Symbol:         m.Symbol,
		Interval:       m.Interval,
		Status:         m.Status,
		StartTS:        m.StartTS,
		EndTS:          m.EndTS,
		InitialBalance: m.InitialBalance,
		FinalBalance:   m.FinalBalance,
		Profit:         m.Profit,
		ReturnPct:      m.ReturnPct,
		WinRate:        m.WinRate,
		MaxDrawdownPct: m.MaxDrawdown,
		Message:        m.Message,
		Orders:         m.Orders,
		Positions:      m.Positions,
		CreatedAt:      timeFromMillis(m.CreatedAtUnix),
		UpdatedAt:      timeFromMillis(m.UpdatedAtUnix),
	}
	if m.CompletedAtUnix != nil {
		run.CompletedAt = timeFromMillis(*m.CompletedAtUnix)
	}
	if len(m.ConfigJSON) > 0 {
		if err := json.Unmarshal(m.ConfigJSON, &run.Config); err != nil {
			return Run{}, err
		}
	}
	if len(m.StatsJSON) > 0 {
		if err := json.Unmarshal(m.StatsJSON, &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func (s *ResultStore) ListOrders(ctx context.Context, runID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	var models []orderModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(models))
	for _, m := range models {
		out = append(out, Order{
			ID:         m.ID,
			RunID:      m.RunID,
			Action:     m.Action,
			Side:       m.Side,
			Price:      m.Price,
			Quantity:   m.Quantity,
			Notional:   m.Notional,
			Fee:        m.Fee,
			Reason:     m.Reason,
			ExecutedAt: timeFromMillis(m.ExecutedAt),
			TakeProfit: m.TakeProfit,
			StopLoss:   m.StopLoss,
			ExpectedRR: m.ExpectedRR,
		})
	}
	return out, nil
}

func (s *ResultStore) ListPositions(ctx context.Context, runID string, limit int) ([]Position, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	var models []positionModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(models))
	for _, m := range models {
		out = append(out, Position{
			ID:         m.ID,
			RunID:      m.RunID,
			Symbol:     m.Symbol,
			Side:       m.Side,
			EntryPrice: m.EntryPrice,
			ExitPrice:  m.ExitPrice,
			Quantity:   m.Quantity,
			PnL:        m.PnL,
			PnLPct:     m.PnLPct,
			HoldingMs:  m.HoldingMs,
			ExitReason: m.ExitReason,
			TakeProfit: m.TakeProfit,
			StopLoss:   m.StopLoss,
			ExpectedRR: m.ExpectedRR,
			OpenedAt:   timeFromMillis(m.OpenedAt),
			ClosedAt:   timeFromMillis(m.ClosedAt),
		})
	}
	return out, nil
}

func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 20000 {
		limit = 5000
	}
	var models []snapshotModel
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("ts ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(models))
	for _, m := range models {
		out = append(out, Snapshot{
			ID:       m.ID,
			RunID:    m.RunID,
			TS:       m.TS,
			Equity:   m.Equity,
			Balance:  m.Balance,
			Drawdown: m.Drawdown,
			Exposure: m.Exposure,
			Note:     m.Note,
		})
	}
	return out, nil
}
