package tracker

import (
	"context"
	"fmt"
	"time"

	"coinpilot/logger"
	"coinpilot/market"
	"coinpilot/store"
)

// Tracker maintains the phase-tagged OHLCV windows around each trade.
// Every window of a bot is mutated by exactly one writer (the bot's
// tick); reads may observe older sealed versions.
type Tracker struct {
	exchange market.Exchange
	candles  *store.CandleStore
}

func New(exchange market.Exchange, candles *store.CandleStore) *Tracker {
	return &Tracker{exchange: exchange, candles: candles}
}

// TrackPreTrade replaces the bot's single pre_trade window with the 200
// most recent candles and returns them for signal evaluation. Called
// every tick. On exchange failure the existing window stays intact and
// the error is returned.
func (t *Tracker) TrackPreTrade(ctx context.Context, botID, symbol, timeframe string) ([]market.Kline, error) {
	klines, err := t.exchange.GetKlines(ctx, symbol, timeframe, store.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("pre-trade refresh for %s: %w", botID, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("pre-trade refresh for %s: empty kline response", botID)
	}

	w := &store.CandleWindow{
		BotID:     botID,
		Symbol:    symbol,
		Timeframe: timeframe,
		Phase:     store.PhasePreTrade,
		Candles:   klines,
		Count:     len(klines),
		StartTS:   klines[0].OpenTime,
		EndTS:     klines[len(klines)-1].CloseTime,
	}
	if err := t.candles.Upsert(w); err != nil {
		return nil, err
	}
	return klines, nil
}

// StartPositionTracking creates an empty open during_trade window.
// Idempotent on buyTradeID.
func (t *Tracker) StartPositionTracking(botID, symbol, timeframe, buyTradeID string) error {
	existing, err := t.candles.Get(botID, store.PhaseDuringTrade, buyTradeID, "")
	if err == nil && existing != nil {
		return nil
	}

	w := &store.CandleWindow{
		BotID:          botID,
		Symbol:         symbol,
		Timeframe:      timeframe,
		Phase:          store.PhaseDuringTrade,
		BuyTradeID:     buyTradeID,
		Candles:        []market.Kline{},
		PositionStatus: store.PositionOpen,
		StartTS:        time.Now().UnixMilli(),
	}
	return t.candles.Upsert(w)
}

// UpdatePositionTracking appends closed candles newer than the open
// during_trade window's end. No-op when the position is flat or no new
// candle has closed.
func (t *Tracker) UpdatePositionTracking(ctx context.Context, botID string) error {
	w, err := t.candles.OpenDuring(botID)
	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	return t.appendNewCandles(ctx, w)
}

// StopPositionTracking seals the bot's open during_trade window,
// attaching the closing trade.
func (t *Tracker) StopPositionTracking(botID, buyTradeID, sellTradeID string) error {
	err := t.candles.Seal(botID, buyTradeID, sellTradeID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("seal position window for %s: %w", botID, err)
	}
	return nil
}

// StartPostTrade creates an empty post_trade window for the closing
// trade. Idempotent on (botID, sellTradeID).
func (t *Tracker) StartPostTrade(botID, symbol, timeframe, sellTradeID string) error {
	existing, err := t.candles.Get(botID, store.PhasePostTrade, "", sellTradeID)
	if err == nil && existing != nil {
		return nil
	}

	w := &store.CandleWindow{
		BotID:       botID,
		Symbol:      symbol,
		Timeframe:   timeframe,
		Phase:       store.PhasePostTrade,
		SellTradeID: sellTradeID,
		Candles:     []market.Kline{},
		StartTS:     time.Now().UnixMilli(),
	}
	return t.candles.Upsert(w)
}

// UpdatePostTrade appends new closed candles to an unsealed post_trade
// window until it converges to 200 candles.
func (t *Tracker) UpdatePostTrade(ctx context.Context, botID, sellTradeID string) error {
	w, err := t.candles.Get(botID, store.PhasePostTrade, "", sellTradeID)
	if err != nil {
		return err
	}
	if w.Count >= store.WindowSize {
		return nil
	}
	return t.appendNewCandles(ctx, w)
}

// UpdateUnsealedPost advances every unsealed post_trade window of a bot.
// Runs at each tick even when the bot is flat.
func (t *Tracker) UpdateUnsealedPost(ctx context.Context, botID string) {
	windows, err := t.candles.UnsealedPost(botID)
	if err != nil {
		logger.Warnf("list unsealed post windows for %s: %v", botID, err)
		return
	}
	for _, w := range windows {
		if err := t.appendNewCandles(ctx, w); err != nil {
			logger.Warnf("post-trade update for %s: %v", botID, err)
		}
	}
}

// GetCandles reads a bot's windows; phase may be a single phase or "all".
func (t *Tracker) GetCandles(botID, phase string) ([]*store.CandleWindow, error) {
	switch phase {
	case store.PhasePreTrade, store.PhaseDuringTrade, store.PhasePostTrade, "all", "":
		return t.candles.List(botID, phase)
	}
	return nil, fmt.Errorf("unknown candle phase %q", phase)
}

// appendNewCandles fetches fresh klines and appends those that closed
// after the window's end. Pre/post windows stop growing at 200. The
// upsert is whole-row, so a fetch failure never partially mutates.
func (t *Tracker) appendNewCandles(ctx context.Context, w *store.CandleWindow) error {
	klines, err := t.exchange.GetKlines(ctx, w.Symbol, w.Timeframe, store.WindowSize)
	if err != nil {
		return err
	}
	if len(klines) < 2 {
		return nil
	}
	// The last candle may still be forming; only closed ones append.
	closed := klines[:len(klines)-1]

	appended := false
	for _, k := range closed {
		if k.OpenTime <= w.EndTS && w.EndTS != 0 {
			continue
		}
		if w.StartTS != 0 && k.CloseTime <= w.StartTS {
			continue
		}
		if w.Phase != store.PhaseDuringTrade && w.Count >= store.WindowSize {
			break
		}
		w.Candles = append(w.Candles, k)
		w.Count = len(w.Candles)
		w.EndTS = k.CloseTime
		appended = true
	}
	if !appended {
		return nil
	}
	return t.candles.Upsert(w)
}
