package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"pionex-spot-bot/internal/alerts"
	"pionex-spot-bot/internal/config"
	"pionex-spot-bot/internal/exec"
	"pionex-spot-bot/internal/metrics"
	"pionex-spot-bot/internal/pionex"
	"pionex-spot-bot/internal/signal"
	"pionex-spot-bot/internal/state"
	"pionex-spot-bot/internal/tradelog"

	"go.uber.org/zap"
)

// marketData is the read-only slice of the exchange client a worker
// uses.
type marketData interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBookTicker(ctx context.Context, symbol string) (pionex.BookTicker, error)
	FreeBalance(ctx context.Context, coin string) (float64, error)
}

// trader executes entries and exits.
type trader interface {
	Entry(ctx context.Context, symbol string, quoteAmount float64) (exec.Result, error)
	ExitMarket(ctx context.Context, symbol string, qty float64) (exec.Result, error)
	ExitMaker(ctx context.Context, symbol string, qty, minPrice float64) (exec.Result, error)
}

// Exit reasons, recorded in logs and trade summaries.
const (
	ReasonForceClose   = "force_close"
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonTrailingStop = "trailing_stop"
)

type workerDeps struct {
	cfg     *config.Config
	market  marketData
	trader  trader
	store   *state.FileStore
	sched   *Scheduler
	risk    *RiskGuard
	met     *metrics.Metrics
	alerts  *alerts.Telegram
	events  *tradelog.TradeLogger
	summary *tradelog.SummaryLogger
	history *tradelog.HistoryWriter
	log     *zap.Logger
}

// Worker runs the full trade lifecycle for one symbol: detect, enter,
// manage, exit. Each symbol gets its own goroutine and detector; shared
// pieces (scheduler, risk guard, store) are concurrency safe.
type Worker struct {
	symbol string
	workerDeps
	det *signal.Detector
	atr *signal.MoveAverage
	now func() time.Time

	lastPrice      float64
	lastActivity   time.Time
	entryZ         float64
	entryThreshold float64
}

func newWorker(symbol string, d workerDeps) *Worker {
	if d.met == nil {
		d.met = metrics.NewNoop()
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	interval := d.cfg.Trading.CheckInterval
	return &Worker{
		symbol:     pionex.NormalizeSymbol(symbol),
		workerDeps: d,
		det:        signal.NewDetector(detectorConfig(d.cfg)),
		atr:        signal.NewMoveAverage(durationTicks(d.cfg.Exit.ATRWindow, interval)),
		now:        time.Now,
	}
}

func detectorConfig(cfg *config.Config) signal.Config {
	return signal.Config{
		Mode:                  cfg.Signal.Mode,
		Direction:             cfg.Signal.Direction,
		BreakoutChangePercent: cfg.Signal.BreakoutChangePercent,
		BreakoutLookback:      durationTicks(cfg.Signal.BreakoutLookback, cfg.Trading.CheckInterval),
		ConfirmTicks:          cfg.Signal.ConfirmTicks,
		EWMLambda:             cfg.Signal.EWMLambda,
		ZThreshold:            cfg.Signal.ZThreshold,
		DynamicZEnabled:       cfg.Signal.DynamicZEnabled,
		DynamicZPercentile:    cfg.Signal.DynamicZPercentile,
		MaxSpreadBps:          cfg.Signal.MaxSpreadBps,
		VolWindow:             cfg.Signal.VolWindow,
		ZHistory:              cfg.Signal.ZHistory,
	}
}

// durationTicks converts a wall-clock window into tick counts at the
// polling interval, minimum one tick.
func durationTicks(window, interval time.Duration) int {
	if interval <= 0 {
		return 1
	}
	ticks := int(window / interval)
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// Run polls the symbol until the context ends or the position becomes
// unclosable. The poll interval stretches to the idle backoff when the
// symbol is flat and either capacity is exhausted or nothing has
// happened for a while.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.String("symbol", w.symbol))
	w.lastActivity = w.now()
	timer := time.NewTimer(w.interval())
	defer timer.Stop()
	for {
		if err := w.tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("worker stopped", zap.String("symbol", w.symbol), zap.Error(err))
			w.alerts.NotifyFatal(ctx, w.symbol, err)
			return err
		}
		timer.Reset(w.interval())
		select {
		case <-ctx.Done():
			w.log.Info("worker shutting down", zap.String("symbol", w.symbol))
			return nil
		case <-timer.C:
		}
	}
}

func (w *Worker) interval() time.Duration {
	base := w.cfg.Trading.CheckInterval
	idle := w.cfg.Trading.IdleBackoff
	if idle <= base {
		return base
	}
	if w.store.Get(w.symbol).InPosition {
		return base
	}
	if w.sched.AtCapacity(w.symbol) {
		return idle
	}
	if w.now().Sub(w.lastActivity) > idle {
		return idle
	}
	return base
}

func (w *Worker) tick(ctx context.Context) error {
	price, err := w.market.GetPrice(ctx, w.symbol)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("price fetch failed", zap.String("symbol", w.symbol), zap.Error(err))
		return nil
	}
	if w.lastPrice > 0 {
		w.atr.Push(price - w.lastPrice)
	}
	side, sm := w.det.Update(price)
	w.lastPrice = price

	pos := w.store.Get(w.symbol)
	if pos.InPosition {
		w.lastActivity = w.now()
		// the monitor may flip force_close in the file while the
		// position is open
		if err := w.store.Reload(); err != nil {
			w.log.Warn("state reload failed", zap.String("symbol", w.symbol), zap.Error(err))
		} else {
			pos = w.store.Get(w.symbol)
		}
		if pos.InPosition {
			return w.manage(ctx, pos, price)
		}
		return nil
	}
	if side == signal.None {
		return nil
	}
	w.lastActivity = w.now()
	w.met.SignalsConfirmed.Inc()
	if side == signal.Sell {
		// long-only: an upward-spike signal is informational
		w.log.Info("sell signal observed while flat, ignored",
			zap.String("symbol", w.symbol), zap.Float64("z", sm.Z))
		return nil
	}
	return w.tryEnter(ctx, sm)
}

func (w *Worker) tryEnter(ctx context.Context, sm signal.Metrics) error {
	pos := w.store.Get(w.symbol)
	if last := pos.LastExitAt(); !last.IsZero() && w.now().Sub(last) < w.cfg.Trading.Cooldown {
		w.log.Debug("cooldown active, entry skipped", zap.String("symbol", w.symbol))
		return nil
	}
	if ok, reason := w.risk.AllowEntry(); !ok {
		w.log.Info("entry blocked by risk guard",
			zap.String("symbol", w.symbol), zap.String("reason", reason))
		return nil
	}
	book, err := w.market.GetBookTicker(ctx, w.symbol)
	if err != nil {
		w.log.Warn("book fetch failed, entry skipped",
			zap.String("symbol", w.symbol), zap.Error(err))
		return nil
	}
	if !w.det.SpreadOK(book.SpreadBps()) {
		w.log.Debug("spread too wide, entry skipped",
			zap.String("symbol", w.symbol), zap.Float64("spread_bps", book.SpreadBps()))
		return nil
	}
	if !w.sched.TryReserve(w.symbol) {
		w.log.Debug("open trade caps reached, entry skipped", zap.String("symbol", w.symbol))
		return nil
	}

	res, err := w.trader.Entry(ctx, w.symbol, w.cfg.Trading.PositionUSDT)
	if err != nil {
		w.sched.Release(w.symbol)
		w.met.EntriesFailed.Inc()
		if apiErr, ok := pionex.IsRejection(err); ok && apiErr.InsufficientFunds() {
			w.risk.RecordFundsRejection()
			w.alerts.NotifyHalt(ctx, "insufficient funds on "+w.symbol)
			return nil
		}
		if pionex.IsConstraint(err) {
			w.log.Warn("entry rejected by symbol constraints",
				zap.String("symbol", w.symbol), zap.Error(err))
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		w.log.Error("entry failed", zap.String("symbol", w.symbol), zap.Error(err))
		return nil
	}

	sl, tp := computeSLTP(w.cfg.Exit, res.AvgPrice, w.atr.Avg())
	now := w.now()
	err = w.store.Update(w.symbol, func(p *state.Position) {
		p.InPosition = true
		p.Side = "BUY"
		p.Quantity = res.Quantity
		p.EntryPrice = res.AvgPrice
		p.StopLoss = sl
		p.TakeProfit = tp
		p.OrderID = res.OrderID
		p.EntryTime = state.Epoch(now)
		p.MaxPriceSinceOpen = res.AvgPrice
		p.ForceClose = false
	})
	if err != nil {
		// an unpersisted open position cannot be trusted after a crash
		return fmt.Errorf("persist entry for %s: %w", w.symbol, err)
	}
	w.entryZ = sm.Z
	w.entryThreshold = sm.Threshold
	w.met.EntriesOpened.Inc()
	w.log.Info("position opened",
		zap.String("symbol", w.symbol),
		zap.Float64("quantity", res.Quantity),
		zap.Float64("price", res.AvgPrice),
		zap.Float64("stop_loss", sl),
		zap.Float64("take_profit", tp),
		zap.Bool("maker", res.Maker),
		zap.Float64("z", sm.Z))
	if err := w.events.Log(tradelog.Event{
		Time: now, Event: "ENTRY", Symbol: w.symbol, Side: "BUY",
		Quantity: res.Quantity, Price: res.AvgPrice,
		StopLoss: sl, TakeProfit: tp, OrderID: res.OrderID,
	}); err != nil {
		w.log.Warn("trade log write failed", zap.Error(err))
	}
	w.alerts.NotifyEntry(ctx, w.symbol, res.Quantity, res.AvgPrice, sl, tp)
	return nil
}

func (w *Worker) manage(ctx context.Context, pos state.Position, price float64) error {
	if price > pos.MaxPriceSinceOpen {
		if err := w.store.Update(w.symbol, func(p *state.Position) {
			p.MaxPriceSinceOpen = price
		}); err != nil {
			return fmt.Errorf("persist peak for %s: %w", w.symbol, err)
		}
		pos.MaxPriceSinceOpen = price
	}

	reason := evalExit(exitCheck{
		exit:       w.cfg.Exit,
		trailing:   w.cfg.Trailing,
		price:      price,
		entry:      pos.EntryPrice,
		peak:       pos.MaxPriceSinceOpen,
		stopLoss:   pos.StopLoss,
		takeProfit: pos.TakeProfit,
		atrAvg:     w.atr.Avg(),
		held:       w.now().Sub(pos.EntryAt()),
		forceClose: pos.ForceClose,
	})
	if reason == "" {
		return nil
	}
	return w.exit(ctx, pos, reason)
}

func (w *Worker) exit(ctx context.Context, pos state.Position, reason string) error {
	var res exec.Result
	var err error
	switch {
	case reason == ReasonTakeProfit && w.cfg.Exec.ExitMakerForTP:
		res, err = w.trader.ExitMaker(ctx, w.symbol, pos.Quantity, pos.TakeProfit)
	case reason == ReasonTrailingStop && w.cfg.Exec.ExitMakerForTrail:
		trail, _ := trailingStop(w.cfg.Trailing, pos.EntryPrice, pos.MaxPriceSinceOpen, w.atr.Avg())
		res, err = w.trader.ExitMaker(ctx, w.symbol, pos.Quantity, trail)
	default:
		res, err = w.trader.ExitMarket(ctx, w.symbol, pos.Quantity)
	}
	if err != nil {
		w.met.ExitsFailed.Inc()
		if pionex.IsConstraint(err) {
			w.log.Error("position cannot be closed within exchange constraints, manual intervention required",
				zap.String("symbol", w.symbol),
				zap.String("reason", reason),
				zap.Float64("quantity", pos.Quantity),
				zap.Float64("entry_price", pos.EntryPrice),
				zap.Error(err))
			return fmt.Errorf("unclosable position on %s: %w", w.symbol, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warn("exit failed, retrying next tick",
			zap.String("symbol", w.symbol), zap.String("reason", reason), zap.Error(err))
		return nil
	}

	now := w.now()
	pnl := (res.AvgPrice-pos.EntryPrice)*res.Quantity - res.Fee
	var pnlPct float64
	if math.Abs(pnl) <= w.cfg.Risk.PnLEpsilonUSDT {
		// fee and rounding dust reads as a flat trade everywhere
		pnl = 0
	} else if pos.EntryPrice > 0 {
		pnlPct = (res.AvgPrice/pos.EntryPrice - 1) * 100
	}
	if err := w.store.Clear(w.symbol, now); err != nil {
		return fmt.Errorf("persist exit for %s: %w", w.symbol, err)
	}
	w.sched.Release(w.symbol)
	w.risk.RecordTrade(pnl)
	w.met.ExitsClosed.Inc()
	w.log.Info("position closed",
		zap.String("symbol", w.symbol),
		zap.String("reason", reason),
		zap.Float64("quantity", res.Quantity),
		zap.Float64("price", res.AvgPrice),
		zap.Float64("pnl_usdt", pnl),
		zap.Float64("pnl_percent", pnlPct),
		zap.Bool("maker", res.Maker))
	if err := w.events.Log(tradelog.Event{
		Time: now, Event: "EXIT", Symbol: w.symbol, Side: "SELL",
		Quantity: res.Quantity, Price: res.AvgPrice, OrderID: res.OrderID,
		PnL: pnl, HasPnL: true, Reason: reason,
	}); err != nil {
		w.log.Warn("trade log write failed", zap.Error(err))
	}
	summary := tradelog.Summary{
		EntryTime:   pos.EntryAt(),
		ExitTime:    now,
		Symbol:      w.symbol,
		Side:        "BUY",
		Quantity:    pos.Quantity,
		ExecutedQty: res.Quantity,
		ResidualQty: pos.Quantity - res.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   res.AvgPrice,
		PnLUSDT:     pnl,
		PnLPercent:  pnlPct,
		ExitReason:  reason,
		Mode:        w.cfg.Signal.Mode,
		ZThreshold:  w.entryThreshold,
		EntryZ:      w.entryZ,
	}
	if err := w.summary.Log(summary); err != nil {
		w.log.Warn("summary log write failed", zap.Error(err))
	}
	w.history.Enqueue(summary)
	w.alerts.NotifyExit(ctx, w.symbol, reason, res.Quantity, res.AvgPrice, pnl, pnlPct)
	if w.cfg.Exit.VerifyAfterTrade {
		w.verifyResidual(ctx, pos.Quantity)
	}
	return nil
}

// verifyResidual cross-checks the base balance after an exit and flags
// leftovers that suggest a partial close.
func (w *Worker) verifyResidual(ctx context.Context, traded float64) {
	free, err := w.market.FreeBalance(ctx, pionex.BaseAsset(w.symbol))
	if err != nil {
		w.log.Warn("post-trade balance check failed",
			zap.String("symbol", w.symbol), zap.Error(err))
		return
	}
	if free > traded*0.01 {
		w.log.Warn("residual base balance after exit",
			zap.String("symbol", w.symbol),
			zap.Float64("free", free),
			zap.Float64("traded", traded))
	}
}

// computeSLTP derives the stop-loss and take-profit levels for a fresh
// long. ATR mode scales them by the recent mean absolute tick move,
// percent mode by fixed percentages of the entry price.
func computeSLTP(cfg config.ExitConfig, entry, atrAvg float64) (sl, tp float64) {
	if cfg.SLTPMode == "atr" && atrAvg > 0 {
		return entry - cfg.ATRStopMult*atrAvg, entry + cfg.ATRProfitMult*atrAvg
	}
	return entry * (1 - cfg.StopLossPercent/100), entry * (1 + cfg.TakeProfitPercent/100)
}

type exitCheck struct {
	exit       config.ExitConfig
	trailing   config.TrailingConfig
	price      float64
	entry      float64
	peak       float64
	stopLoss   float64
	takeProfit float64
	atrAvg     float64
	held       time.Duration
	forceClose bool
}

// trailingStop returns the active trailing floor: the higher of the
// retrace level and the ATR-scaled level under the peak. It reports
// false until the peak has cleared the activation gain.
func trailingStop(t config.TrailingConfig, entry, peak, atrAvg float64) (float64, bool) {
	if !t.Enabled || entry <= 0 || peak < entry*(1+t.ActivationGainPercent/100) {
		return 0, false
	}
	trail := peak * (1 - t.RetracePercent/100)
	if t.ATRMultiplier > 0 && atrAvg > 0 {
		if alt := peak - t.ATRMultiplier*atrAvg; alt > trail {
			trail = alt
		}
	}
	return trail, true
}

// evalExit decides whether the position should close and why. Force
// close wins over everything, including the minimum hold. All price
// triggers carry the hysteresis band so a quote flickering on the
// boundary does not fire them. With a pullback percent configured,
// take-profit waits for the price to retrace that far off the peak
// instead of firing on first touch.
func evalExit(c exitCheck) string {
	if c.forceClose {
		return ReasonForceClose
	}
	if c.held < c.exit.MinHold {
		return ""
	}
	h := c.exit.HysteresisPercent / 100
	if c.stopLoss > 0 && c.price <= c.stopLoss*(1-h) {
		return ReasonStopLoss
	}
	if trail, ok := trailingStop(c.trailing, c.entry, c.peak, c.atrAvg); ok && c.price <= trail {
		return ReasonTrailingStop
	}
	if c.takeProfit > 0 {
		target := c.takeProfit * (1 + h)
		if c.exit.PullbackPercent > 0 {
			if c.peak >= target && c.price <= c.peak*(1-c.exit.PullbackPercent/100) {
				return ReasonTakeProfit
			}
		} else if c.price >= target {
			return ReasonTakeProfit
		}
	}
	return ""
}
