package bot

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/events"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tracker"
)

// fakeExchange scripts price, klines and fills for engine tests.
type fakeExchange struct {
	mu        sync.Mutex
	price     float64
	fillPrice float64 // 0 = fill at price
	klines    []market.Kline
	orders    []market.Side
	orderErr  error
}

func (f *fakeExchange) setPrice(p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = p
	f.fillPrice = 0
}

func (f *fakeExchange) GetPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeExchange) GetKlines(context.Context, string, string, int) ([]market.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klines, nil
}

func (f *fakeExchange) GetBalance(context.Context, string, market.TradingMode) (float64, error) {
	return 1000, nil
}

func (f *fakeExchange) PlaceMarketOrder(_ context.Context, symbol string, side market.Side, quantity float64, _ market.TradingMode) (*market.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	fill := f.fillPrice
	if fill == 0 {
		fill = f.price
	}
	f.orders = append(f.orders, side)
	return &market.OrderResult{
		OrderID:    "o1",
		Symbol:     symbol,
		Side:       side,
		ExecutedAt: time.Now().UTC(),
		Fills: []market.Fill{{
			Quantity:      quantity,
			QuoteQuantity: quantity * fill,
			Price:         fill,
		}},
	}, nil
}

func (f *fakeExchange) Get24hStats(context.Context, string) (*market.Stats24h, error) {
	return &market.Stats24h{}, nil
}

func (f *fakeExchange) ListTradableSymbols(context.Context, string) ([]string, error) {
	return nil, nil
}

// harness wires a bot onto fakes with a scripted strategy.
type harness struct {
	ex *fakeExchange
	st *store.Store
	b  *Bot

	mu     sync.Mutex
	signal strategy.Signal
}

func (h *harness) setSignal(s strategy.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signal = s
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.b.safeTick()
}

func newHarness(t *testing.T, mode market.TradingMode) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		ex: &fakeExchange{
			price: 100,
			klines: []market.Kline{
				{OpenTime: 0, Open: 100, High: 101, Low: 99, Close: 100, CloseTime: 59_999},
				{OpenTime: 60_000, Open: 100, High: 101, Low: 99, Close: 100, CloseTime: 119_999},
			},
		},
		st:     st,
		signal: strategy.SignalHold,
	}

	reg := strategy.NewRegistry()
	reg.Register(strategy.Strategy{
		Name:      "scripted",
		MinWindow: 1,
		Analyze: func([]market.Kline, strategy.Params) *strategy.Analysis {
			h.mu.Lock()
			defer h.mu.Unlock()
			return &strategy.Analysis{Signal: h.signal, Confidence: 0.7, Reason: "scripted"}
		},
	})

	bus := events.NewBus(nil)
	mem := memory.New(st.Memory())
	tr := tracker.New(h.ex, st.Candles())

	manager := NewManager(h.ex, reg, tr, st, mem, bus, RiskParams{
		StopLossPct: -5, TPMinPct: 2, TPTrailPct: 3, FeeRate: 0,
	})
	b, err := manager.Create(Config{
		ID:              "b1",
		Symbol:          "ETHUSDT",
		Strategy:        "scripted",
		Timeframe:       "5m",
		Mode:            mode,
		AllocatedAmount: 100,
		CreatedBy:       "test",
	})
	require.NoError(t, err)

	b.mu.Lock()
	b.state = StateRunning
	b.mu.Unlock()

	h.b = b
	return h
}

func (h *harness) trades(t *testing.T) []*store.Trade {
	t.Helper()
	trades, err := h.st.Trades().List(store.ListFilter{BotID: "b1", Limit: 50})
	require.NoError(t, err)
	return trades
}

// S1: a long rides the trailing take-profit out.
func TestLongWinsOnTrailingTakeProfit(t *testing.T) {
	h := newHarness(t, market.ModeSpot)

	// Tick 0: BUY at decision 2000, filled 2001.
	h.ex.setPrice(2000)
	h.ex.fillPrice = 2001
	h.setSignal(strategy.SignalBuy)
	h.tick(t)

	require.NotNil(t, h.b.position)
	assert.Equal(t, Long, h.b.position.Direction)
	assert.Equal(t, 2001.0, h.b.position.EntryPrice)

	opening := h.trades(t)
	require.Len(t, opening, 1)
	// Signed favorable-to-position: paying 2001 on a 2000 decision is
	// 0.05% against the long.
	assert.InDelta(t, -0.05, opening[0].PriceSlippagePercent, 0.001)
	assert.GreaterOrEqual(t, opening[0].ExecutionDelaySeconds, 0.0)

	// Ticks 1-5: price runs to 2080; the take-profit arms past +2%.
	h.setSignal(strategy.SignalHold)
	for _, p := range []float64{2020, 2045, 2060, 2075, 2080} {
		h.ex.setPrice(p)
		h.tick(t)
	}
	assert.True(t, h.b.position.TPArmed)
	assert.Equal(t, 2080.0, h.b.position.HighestPrice)

	// Tick 6: retrace to 2016 is ~3.08% off the peak: trail fires.
	h.ex.setPrice(2016)
	h.tick(t)

	assert.Nil(t, h.b.position)
	trades := h.trades(t)
	require.Len(t, trades, 2)
	closing := trades[0]
	require.NotNil(t, closing.ExitReason)
	assert.Equal(t, store.ExitTakeProfit, *closing.ExitReason)
	require.NotNil(t, closing.RealizedPnL)
	assert.InDelta(t, 0.75, *closing.RealizedPnL, 0.01) // (2016-2001)/2001

	// One sealed during-trade window links both trade ids.
	sealed, err := h.st.Candles().Get("b1", store.PhaseDuringTrade, opening[0].ID, closing.ID)
	require.NoError(t, err)
	assert.True(t, sealed.Sealed())

	// The post-trade window began accumulating.
	post, err := h.st.Candles().Get("b1", store.PhasePostTrade, "", closing.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhasePostTrade, post.Phase)
}

// S2: the stop-loss bypasses the minimum-profit guard.
func TestStopLossBypassesMinimumProfitGuard(t *testing.T) {
	h := newHarness(t, market.ModeSpot)

	h.ex.setPrice(50_000)
	h.setSignal(strategy.SignalBuy)
	h.tick(t)
	require.NotNil(t, h.b.position)

	// Price falls 5%: the risk gate fires before the signal gate even
	// though the strategy screams SELL at a loss.
	h.ex.setPrice(47_500)
	h.setSignal(strategy.SignalSell)
	h.tick(t)

	assert.Nil(t, h.b.position)
	trades := h.trades(t)
	require.Len(t, trades, 2)
	require.NotNil(t, trades[0].ExitReason)
	assert.Equal(t, store.ExitStopLoss, *trades[0].ExitReason)
	assert.InDelta(t, -5.0, *trades[0].RealizedPnL, 0.001)
}

// S3: a SIGNAL sell below the +2% floor is rejected.
func TestSignalSellRejectedUnderMinimumProfit(t *testing.T) {
	h := newHarness(t, market.ModeSpot)

	h.ex.setPrice(100)
	h.setSignal(strategy.SignalBuy)
	h.tick(t)
	require.NotNil(t, h.b.position)

	h.ex.setPrice(101.5)
	h.setSignal(strategy.SignalSell)
	h.tick(t)

	// Engine logs and holds; no closing trade written.
	assert.NotNil(t, h.b.position)
	assert.Len(t, h.trades(t), 1)
}

// Boundary: exactly +2.00% is permitted, +1.99% is not.
func TestMinimumProfitBoundary(t *testing.T) {
	h := newHarness(t, market.ModeSpot)
	h.ex.setPrice(100)
	h.setSignal(strategy.SignalBuy)
	h.tick(t)

	h.ex.setPrice(101.99)
	h.setSignal(strategy.SignalSell)
	h.tick(t)
	assert.NotNil(t, h.b.position, "1.99%% must be rejected")

	h.ex.setPrice(102.00)
	h.tick(t)
	assert.Nil(t, h.b.position, "2.00%% must pass")

	trades := h.trades(t)
	require.Len(t, trades, 2)
	assert.Equal(t, store.ExitSignal, *trades[0].ExitReason)
}

// S4: a short on MARGIN opens on SELL and exits on the trailing stop.
func TestShortOnMarginTrailingExit(t *testing.T) {
	h := newHarness(t, market.ModeMargin)

	h.ex.setPrice(50_000)
	h.setSignal(strategy.SignalSell)
	h.tick(t)

	require.NotNil(t, h.b.position)
	assert.Equal(t, Short, h.b.position.Direction)

	// +3% in the short's favor arms the take-profit.
	h.setSignal(strategy.SignalHold)
	h.ex.setPrice(48_500)
	h.tick(t)
	assert.True(t, h.b.position.TPArmed)
	assert.Equal(t, 48_500.0, h.b.position.LowestPrice)

	// Bounce to 49956 retraces just past 3% off the low: trail fires
	// with a covering BUY.
	h.ex.setPrice(49_956)
	h.tick(t)

	assert.Nil(t, h.b.position)
	trades := h.trades(t)
	require.Len(t, trades, 2)
	assert.Equal(t, string(market.SideBuy), trades[0].Side)
	assert.Equal(t, store.ExitTakeProfit, *trades[0].ExitReason)
	assert.Greater(t, *trades[0].RealizedPnL, 0.0)
}

// A SELL signal while flat on SPOT must not open a short.
func TestNoShortOnSpot(t *testing.T) {
	h := newHarness(t, market.ModeSpot)

	h.ex.setPrice(100)
	h.setSignal(strategy.SignalSell)
	h.tick(t)

	assert.Nil(t, h.b.position)
	assert.Empty(t, h.trades(t))
	assert.Equal(t, StateRunning, h.b.State())
}

// Transient exchange failures skip the tick and back off; they never
// halt the bot.
func TestTransientErrorSkipsTick(t *testing.T) {
	h := newHarness(t, market.ModeSpot)

	h.ex.mu.Lock()
	h.ex.klines = nil
	h.ex.mu.Unlock()

	h.tick(t)
	assert.Equal(t, StateRunning, h.b.State())
	assert.Equal(t, backoffFloor, h.b.currentBackoff())

	h.tick(t)
	assert.Equal(t, 2*backoffFloor, h.b.currentBackoff())
}

func TestInsufficientBalanceKeepsBotAlive(t *testing.T) {
	h := newHarness(t, market.ModeSpot)

	h.ex.orderErr = market.ErrInsufficientBalance
	h.ex.setPrice(100)
	h.setSignal(strategy.SignalBuy)
	h.tick(t)

	assert.Nil(t, h.b.position)
	assert.Equal(t, StateRunning, h.b.State())
	assert.Zero(t, h.b.currentBackoff())
}

func TestSlippageSignConvention(t *testing.T) {
	// BUY below decision is favorable.
	assert.InDelta(t, 0.05, slippagePct(market.SideBuy, 2000, 1999), 0.0001)
	// SELL above decision is favorable.
	assert.InDelta(t, 0.05, slippagePct(market.SideSell, 2000, 2001), 0.0001)
	// BUY above decision is adverse.
	assert.InDelta(t, -0.05, slippagePct(market.SideBuy, 2000, 2001), 0.0001)
}

func TestVWAPOverFills(t *testing.T) {
	price, qty, commission := vwap([]market.Fill{
		{Quantity: 1, QuoteQuantity: 100, Price: 100, Commission: 0.1, CommissionAsset: "USDT"},
		{Quantity: 3, QuoteQuantity: 330, Price: 110, Commission: 0.2, CommissionAsset: "ETH"},
	})
	assert.InDelta(t, 107.5, price, 0.0001)
	assert.InDelta(t, 4.0, qty, 0.0001)
	assert.InDelta(t, 0.1, commission, 0.0001) // quote-asset fees only
}

func TestRealizedPctFeeHandling(t *testing.T) {
	pos := &Position{Direction: Long, EntryPrice: 100}
	// Flat estimate: 1% gross minus 0.2% round-trip fee.
	assert.InDelta(t, 0.8, realizedPct(pos, 101, 1, 0, 0.001), 0.0001)
	// Venue-reported commission supersedes the estimate.
	assert.InDelta(t, 0.5, realizedPct(pos, 101, 1, 0.5, 0.001), 0.0001)
}
