package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/market"
	"coinpilot/store"
)

// fakeExchange serves a scripted kline series. The last candle is
// treated as in-progress by the tracker.
type fakeExchange struct {
	klines []market.Kline
	err    error
}

func (f *fakeExchange) GetKlines(_ context.Context, _, _ string, limit int) ([]market.Kline, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.klines) > limit {
		return f.klines[len(f.klines)-limit:], nil
	}
	return f.klines, nil
}

func (f *fakeExchange) GetPrice(context.Context, string) (float64, error) { return 0, nil }
func (f *fakeExchange) GetBalance(context.Context, string, market.TradingMode) (float64, error) {
	return 0, nil
}
func (f *fakeExchange) PlaceMarketOrder(context.Context, string, market.Side, float64, market.TradingMode) (*market.OrderResult, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeExchange) Get24hStats(context.Context, string) (*market.Stats24h, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeExchange) ListTradableSymbols(context.Context, string) ([]string, error) {
	return nil, errors.New("not implemented")
}

func series(n int, startMinute int64) []market.Kline {
	klines := make([]market.Kline, n)
	for i := range klines {
		open := (startMinute + int64(i)) * 60_000
		klines[i] = market.Kline{
			OpenTime:  open,
			Open:      100,
			High:      101,
			Low:       99,
			Close:     100 + float64(i%5),
			Volume:    10,
			CloseTime: open + 59_999,
		}
	}
	return klines
}

func newTestTracker(t *testing.T) (*Tracker, *fakeExchange, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ex := &fakeExchange{klines: series(store.WindowSize, 0)}
	return New(ex, st.Candles()), ex, st
}

func TestTrackPreTradeHolds200MostRecent(t *testing.T) {
	tr, _, st := newTestTracker(t)

	klines, err := tr.TrackPreTrade(context.Background(), "b1", "ETHUSDT", "1m")
	require.NoError(t, err)
	assert.Len(t, klines, store.WindowSize)

	windows, err := st.Candles().List("b1", store.PhasePreTrade)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, store.WindowSize, windows[0].Count)
}

func TestTrackPreTradeIsIdempotentOnUnchangedMarket(t *testing.T) {
	tr, _, st := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tr.TrackPreTrade(ctx, "b1", "ETHUSDT", "1m")
		require.NoError(t, err)
	}

	windows, err := st.Candles().List("b1", store.PhasePreTrade)
	require.NoError(t, err)
	require.Len(t, windows, 1)

	first := windows[0].Candles
	_, err = tr.TrackPreTrade(ctx, "b1", "ETHUSDT", "1m")
	require.NoError(t, err)
	windows, _ = st.Candles().List("b1", store.PhasePreTrade)
	assert.Equal(t, first, windows[0].Candles)
}

func TestTrackPreTradeLeavesWindowIntactOnFailure(t *testing.T) {
	tr, ex, st := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.TrackPreTrade(ctx, "b1", "ETHUSDT", "1m")
	require.NoError(t, err)

	ex.err = market.ErrNetwork
	_, err = tr.TrackPreTrade(ctx, "b1", "ETHUSDT", "1m")
	require.Error(t, err)

	windows, err := st.Candles().List("b1", store.PhasePreTrade)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, store.WindowSize, windows[0].Count)
}

func TestPositionTrackingLifecycle(t *testing.T) {
	tr, ex, st := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartPositionTracking("b1", "ETHUSDT", "1m", "buy1"))
	// Idempotent on the buy trade id.
	require.NoError(t, tr.StartPositionTracking("b1", "ETHUSDT", "1m", "buy1"))

	open, err := st.Candles().OpenDuring("b1")
	require.NoError(t, err)
	require.NotNil(t, open)
	assert.Equal(t, 0, open.Count)

	// New candles land after the position opened.
	ex.klines = series(40, 10_000)
	open.StartTS = ex.klines[0].OpenTime // opened at the first new candle
	require.NoError(t, st.Candles().Upsert(open))

	require.NoError(t, tr.UpdatePositionTracking(ctx, "b1"))
	open, err = st.Candles().OpenDuring("b1")
	require.NoError(t, err)
	assert.Equal(t, 39, open.Count) // last candle in progress

	// Same market: no growth.
	require.NoError(t, tr.UpdatePositionTracking(ctx, "b1"))
	open, _ = st.Candles().OpenDuring("b1")
	assert.Equal(t, 39, open.Count)

	require.NoError(t, tr.StopPositionTracking("b1", "buy1", "sell1"))
	sealed, err := st.Candles().Get("b1", store.PhaseDuringTrade, "buy1", "sell1")
	require.NoError(t, err)
	assert.True(t, sealed.Sealed())
	assert.Equal(t, 39, sealed.Count)

	// A flat bot's update is a no-op, not an error.
	require.NoError(t, tr.UpdatePositionTracking(ctx, "b1"))
}

func TestPostTradeConvergesTo200(t *testing.T) {
	tr, ex, st := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.StartPostTrade("b1", "ETHUSDT", "1m", "sell1"))
	require.NoError(t, tr.StartPostTrade("b1", "ETHUSDT", "1m", "sell1")) // idempotent

	w, err := st.Candles().Get("b1", store.PhasePostTrade, "", "sell1")
	require.NoError(t, err)
	w.StartTS = 0
	require.NoError(t, st.Candles().Upsert(w))

	// One fetch yields at most 199 closed candles (the last is still
	// forming), so convergence takes a second pass over a fresher feed.
	ex.klines = series(store.WindowSize+50, 20_000)
	require.NoError(t, tr.UpdatePostTrade(ctx, "b1", "sell1"))
	w, err = st.Candles().Get("b1", store.PhasePostTrade, "", "sell1")
	require.NoError(t, err)
	assert.Equal(t, store.WindowSize-1, w.Count)
	assert.False(t, w.Sealed())

	ex.klines = series(store.WindowSize+100, 20_000)
	require.NoError(t, tr.UpdatePostTrade(ctx, "b1", "sell1"))
	w, err = st.Candles().Get("b1", store.PhasePostTrade, "", "sell1")
	require.NoError(t, err)
	assert.Equal(t, store.WindowSize, w.Count)
	assert.True(t, w.Sealed())

	// Further updates are no-ops once sealed.
	require.NoError(t, tr.UpdatePostTrade(ctx, "b1", "sell1"))
	w, _ = st.Candles().Get("b1", store.PhasePostTrade, "", "sell1")
	assert.Equal(t, store.WindowSize, w.Count)
}

func TestGetCandlesRejectsUnknownPhase(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	_, err := tr.GetCandles("b1", "mid_trade")
	assert.Error(t, err)
}
