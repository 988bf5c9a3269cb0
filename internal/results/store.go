package results

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tapesim/internal/broker"

	_ "modernc.org/sqlite"
)

const (
	RunStatusRunning = "running"
	RunStatusDone    = "done"
)

// Run is one persisted backtest run.
type Run struct {
	ID          string
	Status      string
	From        time.Time
	To          time.Time
	Symbols     []string
	FinalEquity float64
	FinalCash   float64
	Orders      int
	CreatedAt   time.Time
	CompletedAt time.Time
}

// EquityPoint is one sample of the run's equity curve.
type EquityPoint struct {
	At     time.Time
	Equity float64
	Cash   float64
}

// Store persists runs, their terminal orders and equity curves in a local
// sqlite file. One writer at a time; the replay loop is single-goroutine
// anyway, the mutex guards concurrent readers of finished runs.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("results root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			symbols TEXT NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			final_cash REAL NOT NULL DEFAULT 0,
			orders INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS run_orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			tif TEXT NOT NULL,
			status TEXT NOT NULL,
			quantity REAL NOT NULL,
			filled_quantity REAL NOT NULL,
			avg_fill_price REAL NOT NULL,
			limit_price REAL,
			stop_price REAL,
			submitted_at INTEGER NOT NULL,
			completed_at INTEGER,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS run_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			cash REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_run_orders ON run_orders(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_equity ON run_equity(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// BeginRun registers a run before replay starts.
func (s *Store) BeginRun(runID string, from, to time.Time, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO runs (id, status, start_ts, end_ts, symbols, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, RunStatusRunning, from.UnixMilli(), to.UnixMilli(),
		strings.Join(symbols, ","), time.Now().UnixMilli())
	return err
}

// RecordOrder persists a terminal order.
func (s *Store) RecordOrder(runID string, o broker.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO run_orders
			(run_id, order_id, symbol, side, type, tif, status, quantity,
			 filled_quantity, avg_fill_price, limit_price, stop_price,
			 submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, o.ID, o.Symbol, o.Side.String(), o.Type.String(), o.TIF.String(),
		o.Status.String(), o.Quantity, o.FilledQuantity, o.AvgFillPrice,
		nullIfZero(o.LimitPrice), nullIfZero(o.StopPrice),
		o.SubmittedAt.UnixMilli(), nullableTime(o.CompletedAt))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE runs SET orders=orders+1 WHERE id=?`, runID)
	return err
}

// RecordEquity appends one equity curve sample.
func (s *Store) RecordEquity(runID string, at time.Time, equity, cash float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO run_equity (run_id, ts, equity, cash) VALUES (?, ?, ?, ?)`,
		runID, at.UnixMilli(), equity, cash)
	return err
}

// FinishRun marks the run done and stores its final account state.
func (s *Store) FinishRun(runID string, final broker.AccountSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE runs SET status=?, final_equity=?, final_cash=?, completed_at=?
		WHERE id=?`,
		RunStatusDone, final.Equity, final.Cash, time.Now().UnixMilli(), runID)
	return err
}

// ListRuns returns recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, start_ts, end_ts, symbols, final_equity, final_cash,
		       orders, created_at, completed_at
		FROM runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var run Run
		var symbols string
		var startTS, endTS, createdAt int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&run.ID, &run.Status, &startTS, &endTS, &symbols,
			&run.FinalEquity, &run.FinalCash, &run.Orders, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		run.From = timeFromMillis(startTS)
		run.To = timeFromMillis(endTS)
		run.CreatedAt = timeFromMillis(createdAt)
		if completedAt.Valid {
			run.CompletedAt = timeFromMillis(completedAt.Int64)
		}
		if symbols != "" {
			run.Symbols = strings.Split(symbols, ",")
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// EquityCurve returns the run's samples in time order.
func (s *Store) EquityCurve(ctx context.Context, runID string) ([]EquityPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity, cash FROM run_equity WHERE run_id=? ORDER BY ts ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		var ts int64
		if err := rows.Scan(&ts, &p.Equity, &p.Cash); err != nil {
			return nil, err
		}
		p.At = timeFromMillis(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

func nullIfZero(v float64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}
