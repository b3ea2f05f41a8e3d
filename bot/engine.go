package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinpilot/events"
	"coinpilot/logger"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/metrics"
	"coinpilot/store"
	"coinpilot/strategy"
)

const (
	backoffFloor = time.Second
	backoffCap   = 60 * time.Second
)

// tickTimeout bounds one tick's exchange and storage I/O.
const tickTimeout = 2 * time.Minute

// Run drives the tick loop until the stop signal. One tick per
// timeframe period; ticks never overlap within a bot.
func (b *Bot) Run() {
	defer close(b.done)

	interval, err := market.TimeframeDuration(b.cfg.Timeframe)
	if err != nil {
		b.fail(fmt.Errorf("%w: %v", ErrInvariant, err))
		return
	}

	logger.Infof("bot %s started: %s %s on %s (%.2f USDT)",
		b.cfg.ID, b.cfg.Strategy, b.cfg.Symbol, b.cfg.Timeframe, b.cfg.AllocatedAmount)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First tick runs immediately.
	b.safeTick()

	for {
		select {
		case <-b.stopCh:
			b.shutdown()
			return
		case <-ticker.C:
			if wait := b.currentBackoff(); wait > 0 {
				select {
				case <-time.After(wait):
				case <-b.stopCh:
					b.shutdown()
					return
				}
			}
			b.safeTick()
		}
	}
}

// shutdown finishes the lifecycle after a stop signal. An open position
// is closed at market so a Stopped bot is always flat.
func (b *Bot) shutdown() {
	b.setState(StateStopping)

	b.mu.Lock()
	pos := b.position
	b.mu.Unlock()
	if pos != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		mark, err := b.d.exchange.GetPrice(closeCtx, b.cfg.Symbol)
		if err == nil {
			if _, err = b.closePosition(closeCtx, mark, store.ExitManual, nil); err == nil {
				logger.Infof("bot %s flattened position on stop", b.cfg.ID)
			}
		}
		if err != nil {
			logger.Errorf("bot %s could not flatten on stop: %v", b.cfg.ID, err)
		}
	}
	b.setState(StateStopped)
	logger.Infof("bot %s stopped", b.cfg.ID)
}

// safeTick runs one tick, classifying failures: transient errors log
// and skip, invariant violations halt the bot.
func (b *Bot) safeTick() {
	if b.State() != StateRunning {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()
	err := b.tick(ctx)
	if err == nil {
		b.resetBackoff()
		return
	}
	if errors.Is(err, ErrInvariant) {
		b.fail(err)
		return
	}
	metrics.TickErrors.WithLabelValues(b.cfg.ID).Inc()
	b.bumpBackoff()
	logger.Warnf("bot %s tick skipped: %v", b.cfg.ID, err)
}

// tick is one full engine iteration in strict order: refresh, risk
// gate, signal, decision, execute, track, learn, broadcast.
func (b *Bot) tick(ctx context.Context) error {
	// 1. Pre-tick refresh; failure skips the remainder.
	window, err := b.d.tracker.TrackPreTrade(ctx, b.cfg.ID, b.cfg.Symbol, b.cfg.Timeframe)
	if err != nil {
		return err
	}

	// Orthogonal: advance any unsealed post-trade windows and the open
	// position window.
	b.d.tracker.UpdateUnsealedPost(ctx, b.cfg.ID)
	if err := b.d.tracker.UpdatePositionTracking(ctx, b.cfg.ID); err != nil {
		logger.Warnf("bot %s position window update: %v", b.cfg.ID, err)
	}

	mark, err := b.d.exchange.GetPrice(ctx, b.cfg.Symbol)
	if err != nil {
		return err
	}

	// 2. Risk gate while a position is open.
	b.mu.Lock()
	pos := b.position
	if pos != nil {
		pos.observe(mark)
		unrealized := pos.UnrealizedPct(mark, b.cfg.Risk.FeeRate)
		if !pos.TPArmed && unrealized >= b.cfg.Risk.TPMinPct {
			pos.TPArmed = true
			logger.Infof("bot %s take-profit armed at %+.2f%%", b.cfg.ID, unrealized)
		}
	}
	b.mu.Unlock()

	if pos != nil {
		if reason := b.riskExit(pos, mark); reason != "" {
			_, err := b.closePosition(ctx, mark, reason, nil)
			return err
		}
	}

	// 3. Signal.
	analysis, err := b.d.strategies.Analyze(b.cfg.Strategy, window, b.cfg.Params)
	if err != nil {
		if errors.Is(err, strategy.ErrStrategyInput) {
			logger.Warnf("bot %s: %v", b.cfg.ID, err)
			return nil
		}
		return err
	}

	b.d.bus.Publish(events.TopicBotAnalysis, map[string]any{
		"bot_id":     b.cfg.ID,
		"symbol":     b.cfg.Symbol,
		"strategy":   b.cfg.Strategy,
		"signal":     string(analysis.Signal),
		"confidence": analysis.Confidence,
		"reason":     analysis.Reason,
	})

	// 4–8. Decision and execution.
	return b.decide(ctx, analysis, mark)
}

// riskExit evaluates stop-loss and trailing take-profit. Returns the
// exit reason, or "" when the position stays.
func (b *Bot) riskExit(pos *Position, mark float64) string {
	unrealized := pos.UnrealizedPct(mark, b.cfg.Risk.FeeRate)

	if unrealized <= b.cfg.Risk.StopLossPct {
		logger.Warnf("bot %s stop-loss at %+.2f%% (threshold %+.2f%%)",
			b.cfg.ID, unrealized, b.cfg.Risk.StopLossPct)
		return store.ExitStopLoss
	}

	if pos.TPArmed {
		best := pos.bestExcursion()
		var retrace float64
		if pos.Direction == Long {
			retrace = (best - mark) / best * 100
		} else {
			retrace = (mark - best) / best * 100
		}
		if retrace >= b.cfg.Risk.TPTrailPct {
			logger.Infof("bot %s trailing take-profit: %.2f%% retrace from %.4f",
				b.cfg.ID, retrace, best)
			return store.ExitTakeProfit
		}
	}
	return ""
}

// decide maps the strategy verdict onto position transitions.
func (b *Bot) decide(ctx context.Context, analysis *strategy.Analysis, mark float64) error {
	b.mu.Lock()
	pos := b.position
	b.mu.Unlock()

	switch analysis.Signal {
	case strategy.SignalHold:
		return nil

	case strategy.SignalBuy:
		if pos == nil {
			return b.openPosition(ctx, Long, mark, analysis)
		}
		if pos.Direction == Short {
			return b.signalClose(ctx, pos, mark, analysis)
		}
		return nil // already long

	case strategy.SignalSell:
		if pos == nil {
			if b.cfg.Mode.CanShort() {
				return b.openPosition(ctx, Short, mark, analysis)
			}
			logger.Debugf("bot %s SELL signal while flat on SPOT, ignoring", b.cfg.ID)
			return nil
		}
		if pos.Direction == Long {
			return b.signalClose(ctx, pos, mark, analysis)
		}
		return nil // already short
	}
	return fmt.Errorf("%w: unknown signal %q", ErrInvariant, analysis.Signal)
}

// signalClose closes a position on a strategy signal, enforcing the
// minimum-take-profit floor. Only stop-loss and trailing take-profit may
// close below it.
func (b *Bot) signalClose(ctx context.Context, pos *Position, mark float64, analysis *strategy.Analysis) error {
	unrealized := pos.UnrealizedPct(mark, b.cfg.Risk.FeeRate)
	if unrealized < b.cfg.Risk.TPMinPct {
		logger.Infof("bot %s SIGNAL exit rejected: unrealized %+.2f%% below +%.2f%% floor",
			b.cfg.ID, unrealized, b.cfg.Risk.TPMinPct)
		return nil
	}
	_, err := b.closePosition(ctx, mark, store.ExitSignal, analysis)
	return err
}

// openPosition sizes and executes an opening order, then starts
// position tracking.
func (b *Bot) openPosition(ctx context.Context, dir Direction, mark float64, analysis *strategy.Analysis) error {
	if dir == Short && !b.cfg.Mode.CanShort() {
		return fmt.Errorf("%w: short requested in %s mode", ErrInvariant, b.cfg.Mode)
	}
	b.mu.Lock()
	if b.position != nil {
		b.mu.Unlock()
		return fmt.Errorf("%w: open requested with position already held", ErrInvariant)
	}
	b.mu.Unlock()

	quantity := b.cfg.AllocatedAmount / mark
	side := market.SideBuy
	if dir == Short {
		side = market.SideSell
	}

	trade, err := b.execute(ctx, side, quantity, mark, analysis, nil, nil)
	if err != nil {
		if errors.Is(err, market.ErrInsufficientBalance) {
			b.d.bus.Publish(events.TopicBotState, map[string]any{
				"bot_id": b.cfg.ID, "symbol": b.cfg.Symbol, "error_kind": "insufficient_balance",
			})
			logger.Warnf("bot %s entry rejected: %v", b.cfg.ID, err)
			return nil
		}
		return err
	}

	now := trade.ExecutionAt
	b.mu.Lock()
	b.position = &Position{
		Direction:     dir,
		EntryPrice:    trade.ExecutionPrice,
		Quantity:      trade.Quantity,
		EntryAt:       now,
		DecisionPrice: trade.DecisionPrice,
		HighestPrice:  trade.ExecutionPrice,
		LowestPrice:   trade.ExecutionPrice,
		BuyTradeID:    trade.ID,
	}
	b.mu.Unlock()
	metrics.OpenPositions.Inc()

	if err := b.d.tracker.StartPositionTracking(b.cfg.ID, b.cfg.Symbol, b.cfg.Timeframe, trade.ID); err != nil {
		logger.Warnf("bot %s position tracking start: %v", b.cfg.ID, err)
	}

	b.d.bus.Publish(events.TopicTradeOpened, map[string]any{
		"bot_id":    b.cfg.ID,
		"trade_id":  trade.ID,
		"symbol":    b.cfg.Symbol,
		"direction": string(dir),
		"price":     trade.ExecutionPrice,
		"quantity":  trade.Quantity,
	})
	logger.Infof("bot %s opened %s %s: qty %.8f @ %.4f",
		b.cfg.ID, dir, b.cfg.Symbol, trade.Quantity, trade.ExecutionPrice)
	return nil
}

// closePosition executes the closing order, seals the during-trade
// window, opens the post-trade window and fires learning.
func (b *Bot) closePosition(ctx context.Context, mark float64, exitReason string, analysis *strategy.Analysis) (*store.Trade, error) {
	b.mu.Lock()
	pos := b.position
	b.mu.Unlock()
	if pos == nil {
		return nil, fmt.Errorf("%w: close requested while flat", ErrInvariant)
	}

	side := market.SideSell
	if pos.Direction == Short {
		side = market.SideBuy
	}

	trade, err := b.execute(ctx, side, pos.Quantity, mark, analysis, pos, &exitReason)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.position = nil
	b.mu.Unlock()
	metrics.OpenPositions.Dec()
	if trade.RealizedPnL != nil {
		metrics.RealizedPnL.WithLabelValues(b.cfg.ID, b.cfg.Symbol).Add(*trade.RealizedPnL)
	}

	// 6. Tracking transitions: seal during, begin post.
	if err := b.d.tracker.StopPositionTracking(b.cfg.ID, pos.BuyTradeID, trade.ID); err != nil {
		logger.Warnf("bot %s position tracking stop: %v", b.cfg.ID, err)
	}
	if err := b.d.tracker.StartPostTrade(b.cfg.ID, b.cfg.Symbol, b.cfg.Timeframe, trade.ID); err != nil {
		logger.Warnf("bot %s post-trade tracking start: %v", b.cfg.ID, err)
	}

	// 7. Learn, fire-and-forget.
	go b.learn(trade, pos)

	// 8. Broadcast.
	payload := map[string]any{
		"bot_id":      b.cfg.ID,
		"trade_id":    trade.ID,
		"symbol":      b.cfg.Symbol,
		"direction":   string(pos.Direction),
		"exit_reason": exitReason,
		"price":       trade.ExecutionPrice,
	}
	if trade.RealizedPnL != nil {
		payload["realized_pnl"] = *trade.RealizedPnL
	}
	b.d.bus.Publish(events.TopicTradeClosed, payload)
	logger.Infof("bot %s closed %s %s via %s @ %.4f",
		b.cfg.ID, pos.Direction, b.cfg.Symbol, exitReason, trade.ExecutionPrice)
	return trade, nil
}

// execute places the market order and persists the Trade with execution
// quality attribution. Writes are not retried; an in-flight order that
// acks always yields a Trade, and a failed record write is logged and
// counted, not retried.
func (b *Bot) execute(ctx context.Context, side market.Side, quantity, decisionPrice float64,
	analysis *strategy.Analysis, closing *Position, exitReason *string) (*store.Trade, error) {

	decisionAt := time.Now().UTC()
	order, err := b.d.exchange.PlaceMarketOrder(ctx, b.cfg.Symbol, side, quantity, b.cfg.Mode)
	if err != nil {
		return nil, err
	}

	execPrice, execQty, commissionQuote := vwap(order.Fills)
	if execPrice <= 0 || execQty <= 0 {
		return nil, fmt.Errorf("%w: order %s acked with no fills", ErrInvariant, order.OrderID)
	}

	trade := &store.Trade{
		ID:             uuid.New().String(),
		BotID:          b.cfg.ID,
		Symbol:         b.cfg.Symbol,
		Side:           string(side),
		Quantity:       execQty,
		DecisionPrice:  decisionPrice,
		ExecutionPrice: execPrice,
		DecisionAt:     decisionAt,
		ExecutionAt:    order.ExecutedAt,
		Strategy:       b.cfg.Strategy,
	}
	if trade.ExecutionAt.Before(decisionAt) {
		// Venue clocks can sit slightly behind; delay is defined >= 0.
		trade.ExecutionAt = decisionAt
	}
	trade.ExecutionDelaySeconds = trade.ExecutionAt.Sub(decisionAt).Seconds()
	trade.PriceSlippagePercent = slippagePct(side, decisionPrice, execPrice)
	if analysis != nil {
		trade.Confidence = analysis.Confidence
		trade.Indicators = analysis.Indicators
	}
	if closing != nil {
		pnl := realizedPct(closing, execPrice, execQty, commissionQuote, b.cfg.Risk.FeeRate)
		trade.RealizedPnL = &pnl
		trade.ExitReason = exitReason
	}

	if err := b.d.trades.Insert(trade); err != nil {
		// The order is already live; losing the record is worse than a
		// degraded metric, so surface loudly but keep the trade object.
		metrics.StorageWriteDrops.Inc()
		logger.Errorf("bot %s trade record write failed (order %s): %v", b.cfg.ID, order.OrderID, err)
	}

	reason := ""
	if exitReason != nil {
		reason = *exitReason
	}
	metrics.TradesTotal.WithLabelValues(string(side), reason).Inc()
	return trade, nil
}

// learn bundles the sealed windows and hands the closed trade to the
// memory layer.
func (b *Bot) learn(trade *store.Trade, pos *Position) {
	bundle := &memory.CandleBundle{}
	if windows, err := b.d.tracker.GetCandles(b.cfg.ID, "all"); err == nil {
		for _, w := range windows {
			switch {
			case w.Phase == store.PhasePreTrade:
				bundle.Pre = w
			case w.Phase == store.PhaseDuringTrade && w.SellTradeID == trade.ID:
				bundle.During = w
			case w.Phase == store.PhasePostTrade && w.SellTradeID == trade.ID:
				bundle.Post = w
			}
		}
	}

	pnl := 0.0
	if trade.RealizedPnL != nil {
		pnl = *trade.RealizedPnL
	}
	outcome := memory.OutcomeNeutral
	switch {
	case pnl > 0.05:
		outcome = memory.OutcomeSuccess
	case pnl < -0.05:
		outcome = memory.OutcomeFailure
	}
	b.d.memory.LearnFromTrade(trade, outcome, pnl, bundle)
}

// fail transitions the bot to the absorbing Errored state.
func (b *Bot) fail(err error) {
	b.mu.Lock()
	b.lastError = err.Error()
	b.mu.Unlock()
	b.setState(StateErrored)
	logger.Errorf("bot %s halted: %v", b.cfg.ID, err)
}

func (b *Bot) currentBackoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoff
}

func (b *Bot) bumpBackoff() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.backoff == 0 {
		b.backoff = backoffFloor
		return
	}
	b.backoff *= 2
	if b.backoff > backoffCap {
		b.backoff = backoffCap
	}
}

func (b *Bot) resetBackoff() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backoff = 0
}

// vwap folds order fills into volume-weighted price, total quantity and
// quote-asset commission. Price and quantity are summed in decimal so a
// single fill reports its exact fill price.
func vwap(fills []market.Fill) (price, quantity, commissionQuote float64) {
	quote, qty := decimal.Zero, decimal.Zero
	for _, f := range fills {
		fq := decimal.NewFromFloat(f.Quantity)
		quote = quote.Add(decimal.NewFromFloat(f.Price).Mul(fq))
		qty = qty.Add(fq)
		if f.CommissionAsset == "USDT" {
			commissionQuote += f.Commission
		}
	}
	if qty.IsPositive() {
		price = quote.Div(qty).InexactFloat64()
	}
	return price, qty.InexactFloat64(), commissionQuote
}

// slippagePct is signed favorable-to-position: filling below decision
// on a BUY, or above on a SELL, is positive.
func slippagePct(side market.Side, decision, exec float64) float64 {
	if decision == 0 {
		return 0
	}
	raw := (exec - decision) / decision * 100
	if side == market.SideBuy {
		return -raw
	}
	return raw
}

// realizedPct nets the round-trip PnL percent. The venue's reported
// quote commission supersedes the flat fee estimate when present.
func realizedPct(pos *Position, exitPrice, quantity, commissionQuote, feeRate float64) float64 {
	var gross float64
	if pos.Direction == Long {
		gross = (exitPrice - pos.EntryPrice) / pos.EntryPrice
	} else {
		gross = (pos.EntryPrice - exitPrice) / pos.EntryPrice
	}
	feePct := 2 * feeRate * 100
	if commissionQuote > 0 && pos.EntryPrice > 0 && quantity > 0 {
		feePct = commissionQuote / (pos.EntryPrice * quantity) * 100
	}
	return gross*100 - feePct
}
