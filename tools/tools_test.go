package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/autopilot"
	"coinpilot/bot"
	"coinpilot/events"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tracker"
)

type fakeExchange struct {
	price float64
	err   error
}

func (f *fakeExchange) GetPrice(context.Context, string) (float64, error) {
	return f.price, f.err
}
func (f *fakeExchange) GetKlines(context.Context, string, string, int) ([]market.Kline, error) {
	return []market.Kline{{Close: f.price}}, f.err
}
func (f *fakeExchange) GetBalance(context.Context, string, market.TradingMode) (float64, error) {
	return 500, f.err
}
func (f *fakeExchange) PlaceMarketOrder(_ context.Context, symbol string, side market.Side, qty float64, _ market.TradingMode) (*market.OrderResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &market.OrderResult{
		OrderID: "o1", Symbol: symbol, Side: side, ExecutedAt: time.Now(),
		Fills: []market.Fill{{Quantity: qty, QuoteQuantity: qty * f.price, Price: f.price}},
	}, nil
}
func (f *fakeExchange) Get24hStats(context.Context, string) (*market.Stats24h, error) {
	return &market.Stats24h{HighPrice: 110, LowPrice: 100}, f.err
}
func (f *fakeExchange) ListTradableSymbols(context.Context, string) ([]string, error) {
	return []string{"ETHUSDT"}, f.err
}

func newRegistry(t *testing.T) (*Registry, *fakeExchange) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tools.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ex := &fakeExchange{price: 2500}
	bus := events.NewBus(nil)
	mem := memory.New(st.Memory())
	tr := tracker.New(ex, st.Candles())
	manager := bot.NewManager(ex, strategy.Default, tr, st, mem, bus,
		bot.RiskParams{StopLossPct: -5, TPMinPct: 2, TPTrailPct: 3})
	ctrl := autopilot.New(autopilot.Config{
		Interval: time.Minute, MaxAutonomous: 2, MinScore: 0.3,
		MinBudget: 10, DefaultAmount: 100, ReapAge: time.Hour,
	}, ex, manager, strategy.Default, mem, st.Candles(), nil, bus)

	return New(Deps{
		Exchange:   ex,
		Manager:    manager,
		Tracker:    tr,
		Trades:     st.Trades(),
		Memory:     mem,
		Controller: ctrl,
		Strategies: strategy.Default,
	}), ex
}

func invoke(r *Registry, caller Caller, name, params string) Result {
	return r.Invoke(context.Background(), caller, name, json.RawMessage(params))
}

func TestUnknownToolYieldsErrorKind(t *testing.T) {
	r, _ := newRegistry(t)
	res := invoke(r, Caller{}, "no_such_tool", `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, KindUnknownTool, res.ErrorKind)
	assert.NotEmpty(t, res.Message)
}

func TestGetCurrentPriceEnvelope(t *testing.T) {
	r, _ := newRegistry(t)

	res := invoke(r, Caller{}, "get_current_price", `{"symbol":"ETHUSDT"}`)
	require.True(t, res.OK, res.Message)
	payload := res.Result.(map[string]any)
	assert.Equal(t, 2500.0, payload["price"])

	// Missing argument surfaces as tool_args, never a panic or raise.
	res = invoke(r, Caller{}, "get_current_price", `{}`)
	assert.False(t, res.OK)
	assert.Equal(t, KindToolArgs, res.ErrorKind)

	// Malformed JSON is tool_args too.
	res = invoke(r, Caller{}, "get_current_price", `{"symbol":`)
	assert.Equal(t, KindToolArgs, res.ErrorKind)
}

func TestExchangeErrorTranslation(t *testing.T) {
	r, ex := newRegistry(t)

	ex.err = market.ErrRateLimited
	res := invoke(r, Caller{}, "get_current_price", `{"symbol":"ETHUSDT"}`)
	assert.Equal(t, KindRateLimited, res.ErrorKind)

	ex.err = market.ErrAuth
	res = invoke(r, Caller{}, "get_account_balance", `{"asset":"USDT"}`)
	assert.Equal(t, KindAuth, res.ErrorKind)

	ex.err = market.ErrModeUnsupported
	res = invoke(r, Caller{}, "get_account_balance", `{"asset":"USDT","mode":"FUTURES"}`)
	assert.Equal(t, KindModeUnsupported, res.ErrorKind)
}

func TestExecuteOrderRequiresScope(t *testing.T) {
	r, _ := newRegistry(t)
	params := `{"symbol":"ETHUSDT","side":"BUY","quantity":0.5}`

	res := invoke(r, Caller{Name: "agent"}, "execute_order", params)
	assert.False(t, res.OK)
	assert.Equal(t, KindUnauthorized, res.ErrorKind)

	res = invoke(r, Caller{Name: "agent", Scopes: []string{ScopeExecute}}, "execute_order", params)
	require.True(t, res.OK, res.Message)
	order := res.Result.(*market.OrderResult)
	assert.Equal(t, market.SideBuy, order.Side)
}

func TestExecuteOrderValidatesArgs(t *testing.T) {
	r, _ := newRegistry(t)
	caller := Caller{Scopes: []string{ScopeExecute}}

	res := invoke(r, caller, "execute_order", `{"symbol":"ETHUSDT","side":"HODL","quantity":1}`)
	assert.Equal(t, KindToolArgs, res.ErrorKind)

	res = invoke(r, caller, "execute_order", `{"symbol":"ETHUSDT","side":"BUY","quantity":-1}`)
	assert.Equal(t, KindToolArgs, res.ErrorKind)

	res = invoke(r, caller, "execute_order", `{"symbol":"ETHUSDT","side":"BUY","quantity":1,"order_type":"LIMIT"}`)
	assert.Equal(t, KindToolArgs, res.ErrorKind)
}

func TestStartAutonomousBotRequiresScope(t *testing.T) {
	r, _ := newRegistry(t)
	res := invoke(r, Caller{}, "start_autonomous_bot", `{"symbol":"ETHUSDT","strategy":"rsi"}`)
	assert.Equal(t, KindUnauthorized, res.ErrorKind)
}

func TestBotToolsRoundTrip(t *testing.T) {
	r, _ := newRegistry(t)
	caller := Caller{Name: "op", Scopes: []string{ScopeExecute}}

	res := invoke(r, caller, "start_autonomous_bot", `{"symbol":"ETHUSDT","strategy":"rsi","timeframe":"5m"}`)
	require.True(t, res.OK, res.Message)
	botID := res.Result.(map[string]any)["bot_id"].(string)

	res = invoke(r, Caller{}, "get_bot_status", `{"bot_id":"`+botID+`"}`)
	require.True(t, res.OK)
	status := res.Result.(bot.Status)
	assert.Equal(t, "ETHUSDT", status.Symbol)
	assert.True(t, status.Autonomous)

	res = invoke(r, Caller{}, "get_autonomous_bots_status", `{}`)
	require.True(t, res.OK)
	assert.Len(t, res.Result.([]bot.Status), 1)

	res = invoke(r, Caller{}, "list_bots", `{}`)
	require.True(t, res.OK)

	res = invoke(r, Caller{}, "get_bot_candles", `{"bot_id":"`+botID+`","phase":"pre_trade"}`)
	require.True(t, res.OK)
}

func TestPatternInsightsTool(t *testing.T) {
	r, _ := newRegistry(t)
	res := invoke(r, Caller{}, "pattern_insights", `{"symbol":"ETHUSDT","strategy":"rsi"}`)
	require.True(t, res.OK)
	insight := res.Result.(*memory.PatternInsight)
	assert.Equal(t, memory.RecommendNeutral, insight.Recommendation)

	res = invoke(r, Caller{}, "pattern_insights", `{"symbol":"ETHUSDT"}`)
	assert.Equal(t, KindToolArgs, res.ErrorKind)
}

func TestListDescribesAllTools(t *testing.T) {
	r, _ := newRegistry(t)
	names := map[string]bool{}
	for _, tool := range r.List() {
		names[tool.Name] = true
		assert.NotEmpty(t, tool.Description)
	}
	for _, want := range []string{
		"get_current_price", "get_market_data", "get_account_balance",
		"execute_order", "get_bot_status", "list_bots", "get_bot_candles",
		"get_trade_history", "analyze_optimal_coins", "start_autonomous_bot",
		"get_autonomous_bots_status", "pattern_insights",
	} {
		assert.True(t, names[want], want)
	}
}
