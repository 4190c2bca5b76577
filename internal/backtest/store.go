package backtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fibswing/internal/market"

	_ "modernc.org/sqlite"
)

// Manifest 记录某个 symbol@interval 文件的统计信息。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Interval   string `json:"interval"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Store 是本地 K 线缓存：每个 symbol@interval 一个 sqlite 文件。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(symbol, interval string) (*sql.DB, string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" || interval == "" {
		return nil, "", fmt.Errorf("symbol/interval 不能为空")
	}
	iv, err := market.ParseInterval(interval)
	if err != nil {
		return nil, "", err
	}
	key := symbol + "@" + iv.Key
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.dbPath(symbol, iv)
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, symbol, iv.Key); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

// 月线文件名用 1mo，避免与 1m 在大小写不敏感的文件系统上冲突。
func (s *Store) dbPath(symbol string, iv market.Interval) string {
	name := iv.Key
	if iv.Monthly {
		name = "1mo"
	}
	return filepath.Join(s.root, symbol, name+".db")
}

// InsertCandles 批量写入 K 线（重复 open_time 将被覆盖）。
func (s *Store) InsertCandles(ctx context.Context, symbol, interval string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	db, _, err := s.db(symbol, interval)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    close_time=excluded.close_time,
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    trades=excluded.trades`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

// LoadOpenTimes 返回指定区间内已有的 open_time。
func (s *Store) LoadOpenTimes(ctx context.Context, symbol, interval string, start, end int64) ([]int64, error) {
	db, _, err := s.db(symbol, interval)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM candles WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// CheckIntegrity 对比 [start, end] 的周期网格与已有数据，返回缺口。
// 已有 K 线按所在桶匹配，股票日线的开盘时间不必落在 UTC 零点。
func (s *Store) CheckIntegrity(ctx context.Context, symbol string, iv market.Interval, start, end int64) (IntegrityReport, error) {
	start, end = iv.AlignRange(start, end)
	present, err := s.LoadOpenTimes(ctx, symbol, iv.Key, start, iv.NextBucket(end)-1)
	if err != nil {
		return IntegrityReport{}, err
	}
	have := make(map[int64]struct{}, len(present))
	for _, ts := range present {
		have[iv.BucketStart(ts)] = struct{}{}
	}
	report := IntegrityReport{Expected: iv.ExpectedCandles(start, end)}
	var gap *Gap
	for ts := start; ts <= end; ts = iv.NextBucket(ts) {
		if _, ok := have[ts]; ok {
			report.Present++
			if gap != nil {
				report.Gaps = append(report.Gaps, *gap)
				gap = nil
			}
			continue
		}
		if gap == nil {
			gap = &Gap{From: ts}
		}
		gap.To = ts
	}
	if gap != nil {
		report.Gaps = append(report.Gaps, *gap)
	}
	return report, nil
}

func (s *Store) Manifest(ctx context.Context, symbol, interval string) (Manifest, error) {
	db, path, err := s.db(symbol, interval)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT symbol,interval,COALESCE(min_time,0),COALESCE(max_time,0),rows,COALESCE(last_sync_at,0) FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.Symbol, &m.Interval, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM candles),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM candles),
		    rows = (SELECT COUNT(1) FROM candles),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}

func ensureSchema(db *sql.DB, symbol, interval string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			open_time  INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL,
			trades     INTEGER DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO manifest (id, symbol, interval) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, interval=excluded.interval;`, symbol, interval)
	return err
}

const candleColumns = `open_time, close_time, open, high, low, close, volume, trades`

func scanCandles(rows *sql.Rows) ([]market.Candle, error) {
	defer rows.Close()
	var list []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// RangeCandles 返回 start~end 范围内的全部 K 线（开盘时间闭区间，升序）。
func (s *Store) RangeCandles(ctx context.Context, symbol, interval string, start, end int64) ([]market.Candle, error) {
	db, _, err := s.db(symbol, interval)
	if err != nil {
		return nil, err
	}
	if end > 0 && end < start {
		start, end = end, start
	}
	if end <= 0 {
		end = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `SELECT `+candleColumns+` FROM candles
		WHERE open_time BETWEEN ? AND ? ORDER BY open_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	return scanCandles(rows)
}

// TailCandles 返回 open_time <= end 的最近 limit 根（升序）；end=0 表示最新。
func (s *Store) TailCandles(ctx context.Context, symbol, interval string, end int64, limit int) ([]market.Candle, error) {
	db, _, err := s.db(symbol, interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	if end <= 0 {
		end = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `SELECT `+candleColumns+` FROM candles
		WHERE open_time <= ? ORDER BY open_time DESC LIMIT ?`, end, limit)
	if err != nil {
		return nil, err
	}
	list, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}
