// Package engine wires the trading bot together and runs one worker
// per configured symbol.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pionex-spot-bot/internal/alerts"
	"pionex-spot-bot/internal/config"
	"pionex-spot-bot/internal/exec"
	"pionex-spot-bot/internal/metrics"
	"pionex-spot-bot/internal/pionex"
	"pionex-spot-bot/internal/ratelimit"
	"pionex-spot-bot/internal/state"
	"pionex-spot-bot/internal/state/sqlite"
	"pionex-spot-bot/internal/tradelog"

	"go.uber.org/zap"
)

type Engine struct {
	cfg      *config.Config
	log      *zap.Logger
	client   *pionex.Client
	store    *state.FileStore
	journal  *sqlite.Journal
	executor *exec.Executor
	sched    *Scheduler
	risk     *RiskGuard
	met      *metrics.Metrics
	prom     *metrics.Prometheus
	telegram *alerts.Telegram
	history  *tradelog.HistoryWriter
	workers  []*Worker
}

func New(cfg *config.Config, creds config.Credentials, log *zap.Logger) (*Engine, error) {
	limiter := ratelimit.New(cfg.Limits.MaxPerSec)
	client := pionex.New(pionex.Options{
		BaseURL:   cfg.REST.BaseURL,
		Timeout:   cfg.REST.Timeout,
		APIKey:    creds.APIKey,
		APISecret: creds.APISecret,
		DryRun:    cfg.Trading.DryRun,
		Limiter:   limiter,
		Log:       log,
	})

	for _, path := range []string{cfg.State.File, cfg.State.JournalPath} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	store, err := state.NewFileStore(cfg.State.File, log)
	if err != nil {
		return nil, err
	}
	journal, err := sqlite.Open(cfg.State.JournalPath)
	if err != nil {
		return nil, err
	}

	var met *metrics.Metrics
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		met = prom.Metrics
	} else {
		met = metrics.NewNoop()
	}

	executor := exec.New(client, pionex.NewRuleCache(client), journal, exec.Config{
		PreferMaker:    cfg.Exec.PreferMaker,
		MakerOffsetBps: cfg.Exec.MakerOffsetBps,
		EntryTimeout:   cfg.Exec.EntryTimeout,
		ExitTimeout:    cfg.Exec.ExitTimeout,
		PollInterval:   cfg.Exec.PollInterval,
	}, met, log)

	events, err := tradelog.NewTradeLogger(cfg.TradeLog.TradesCSV)
	if err != nil {
		return nil, err
	}
	summary, err := tradelog.NewSummaryLogger(cfg.TradeLog.SummaryCSV)
	if err != nil {
		return nil, err
	}
	history, err := tradelog.NewHistoryWriter(cfg.History, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		client:   client,
		store:    store,
		journal:  journal,
		executor: executor,
		sched:    NewScheduler(cfg.Trading.MaxOpenTrades, cfg.Trading.MaxOpenTradesPerSymbol),
		risk:     NewRiskGuard(cfg.Risk, met, log),
		met:      met,
		prom:     prom,
		telegram: alerts.NewTelegram(cfg.Telegram, log),
		history:  history,
	}

	deps := workerDeps{
		cfg:     cfg,
		market:  client,
		trader:  executor,
		store:   store,
		sched:   e.sched,
		risk:    e.risk,
		met:     met,
		alerts:  e.telegram,
		events:  events,
		summary: summary,
		history: history,
		log:     log,
	}
	for _, sym := range cfg.Trading.Symbols {
		e.workers = append(e.workers, newWorker(sym, deps))
	}
	return e, nil
}

// Run starts every symbol worker and blocks until the context ends and
// all workers have finished their current tick.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	if e.cfg.Trading.DryRun {
		e.log.Warn("dry run enabled, orders are simulated")
	}

	resolutions, err := e.executor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight orders: %w", err)
	}
	for _, r := range resolutions {
		e.reconcile(ctx, r)
	}

	for sym, pos := range e.store.Snapshot() {
		if pos.InPosition {
			e.sched.Seed(sym)
			e.log.Info("resumed open position",
				zap.String("symbol", sym),
				zap.Float64("quantity", pos.Quantity),
				zap.Float64("entry_price", pos.EntryPrice),
				zap.Time("entered_at", pos.EntryAt()))
		}
	}

	e.history.Start(ctx)
	e.serveMetrics(ctx)

	var wg sync.WaitGroup
	for _, w := range e.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			// a worker error is terminal for its symbol only; it has
			// already been logged and alerted
			_ = w.Run(ctx)
		}(w)
	}
	wg.Wait()
	e.log.Info("all workers stopped")
	return nil
}

// reconcile settles one recovered in-flight order against the position
// snapshot. A filled entry with no recorded position is an orphan and
// is closed immediately rather than left unmanaged.
func (e *Engine) reconcile(ctx context.Context, r exec.Resolution) {
	sym := r.Pending.Symbol
	if !r.Filled {
		e.log.Info("cancelled stale order from previous run",
			zap.String("symbol", sym), zap.String("order_id", r.Pending.OrderID))
		return
	}
	pos := e.store.Get(sym)
	switch r.Pending.Kind {
	case exec.KindEntry:
		if pos.InPosition {
			return
		}
		e.log.Warn("orphan entry fill from previous run, closing at market",
			zap.String("symbol", sym),
			zap.String("order_id", r.Pending.OrderID),
			zap.Float64("quantity", r.Result.Quantity))
		if _, err := e.executor.ExitMarket(ctx, sym, r.Result.Quantity); err != nil {
			e.log.Error("failed to close orphan fill, manual intervention required",
				zap.String("symbol", sym), zap.Error(err))
			e.telegram.NotifyFatal(ctx, sym, err)
		}
	case exec.KindExit:
		if !pos.InPosition {
			return
		}
		e.log.Info("exit from previous run completed after restart",
			zap.String("symbol", sym), zap.String("order_id", r.Pending.OrderID))
		if err := e.store.Clear(sym, time.Now()); err != nil {
			e.log.Error("failed to clear reconciled position",
				zap.String("symbol", sym), zap.Error(err))
		}
	}
}

func (e *Engine) serveMetrics(ctx context.Context) {
	if e.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.prom.Handler())
	srv := &http.Server{Addr: e.cfg.Metrics.Listen, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		e.log.Info("metrics listening", zap.String("addr", e.cfg.Metrics.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

func (e *Engine) close() {
	if err := e.journal.Close(); err != nil {
		e.log.Warn("close order journal", zap.Error(err))
	}
	if err := e.history.Close(); err != nil {
		e.log.Warn("close trade history", zap.Error(err))
	}
}
