package tradelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pionex-spot-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// HistoryWriter streams closed-trade summaries into Postgres from a
// bounded queue. Writes never block the trading loop; when the queue is
// full the row is dropped and counted.
type HistoryWriter struct {
	db      *sql.DB
	log     *zap.Logger
	schema  string
	trades  chan Summary
	started atomic.Bool
	dropped atomic.Uint64
}

// NewHistoryWriter connects to Postgres and prepares the trade history
// table. Returns nil, nil when history is disabled.
func NewHistoryWriter(cfg config.HistoryConfig, log *zap.Logger) (*HistoryWriter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	w := &HistoryWriter{
		db:     db,
		log:    log,
		schema: schema,
		trades: make(chan Summary, queueSize),
	}
	if err := w.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *HistoryWriter) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *HistoryWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Enqueue hands a closed trade to the writer without blocking.
func (w *HistoryWriter) Enqueue(s Summary) {
	if w == nil {
		return
	}
	select {
	case w.trades <- s:
	default:
		if w.dropped.Add(1) == 1 && w.log != nil {
			w.log.Warn("trade history queue full")
		}
	}
}

func (w *HistoryWriter) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-w.trades:
			w.writeTrade(ctx, s)
		}
	}
}

func (w *HistoryWriter) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		entry_ts TIMESTAMPTZ,
		exit_ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		executed_qty DOUBLE PRECISION NOT NULL,
		residual_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL,
		pnl_usdt DOUBLE PRECISION NOT NULL,
		pnl_percent DOUBLE PRECISION NOT NULL,
		exit_reason TEXT NOT NULL,
		mode TEXT,
		z_threshold DOUBLE PRECISION,
		entry_z DOUBLE PRECISION,
		PRIMARY KEY (exit_ts, symbol)
	)`, w.table("trades")))
}

func (w *HistoryWriter) writeTrade(ctx context.Context, s Summary) {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(writeCtx, fmt.Sprintf(`INSERT INTO %s (
		entry_ts, exit_ts, symbol, side, quantity, executed_qty, residual_qty,
		entry_price, exit_price, pnl_usdt, pnl_percent, exit_reason,
		mode, z_threshold, entry_z
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (exit_ts, symbol) DO NOTHING`, w.table("trades")),
		s.EntryTime, s.ExitTime, s.Symbol, s.Side, s.Quantity, s.ExecutedQty, s.ResidualQty,
		s.EntryPrice, s.ExitPrice, s.PnLUSDT, s.PnLPercent, s.ExitReason,
		s.Mode, s.ZThreshold, s.EntryZ)
	if err != nil && w.log != nil {
		w.log.Warn("trade history write failed",
			zap.String("symbol", s.Symbol), zap.Error(err))
	}
}

func (w *HistoryWriter) exec(ctx context.Context, query string) error {
	execCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(execCtx, query)
	return err
}

func (w *HistoryWriter) table(name string) string {
	return w.schema + "." + name
}
