package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/autopilot"
	"coinpilot/bot"
	"coinpilot/config"
	"coinpilot/events"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tools"
	"coinpilot/tracker"
)

type fakeExchange struct{}

func (fakeExchange) GetPrice(context.Context, string) (float64, error) { return 2500, nil }
func (fakeExchange) GetKlines(context.Context, string, string, int) ([]market.Kline, error) {
	return []market.Kline{{Close: 2500}}, nil
}
func (fakeExchange) GetBalance(context.Context, string, market.TradingMode) (float64, error) {
	return 1000, nil
}
func (fakeExchange) PlaceMarketOrder(context.Context, string, market.Side, float64, market.TradingMode) (*market.OrderResult, error) {
	return nil, market.ErrModeUnsupported
}
func (fakeExchange) Get24hStats(context.Context, string) (*market.Stats24h, error) {
	return &market.Stats24h{Symbol: "ETHUSDT", PriceChangePct: 4, HighPrice: 110, LowPrice: 100}, nil
}
func (fakeExchange) ListTradableSymbols(context.Context, string) ([]string, error) {
	return []string{"ETHUSDT"}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		DefaultStrategy: "rsi",
		DefaultSymbol:   "BTCUSDT",
		DefaultAmount:   100,
		ListenAddr:      ":0",
	}
	ex := fakeExchange{}
	bus := events.NewBus(nil)
	mem := memory.New(st.Memory())
	tr := tracker.New(ex, st.Candles())
	manager := bot.NewManager(ex, strategy.Default, tr, st, mem, bus,
		bot.RiskParams{StopLossPct: -5, TPMinPct: 2, TPTrailPct: 3})
	ctrl := autopilot.New(autopilot.Config{
		Interval: time.Minute, MaxAutonomous: 2, MinScore: 0.3,
		MinBudget: 10, DefaultAmount: 100, ReapAge: time.Hour,
	}, ex, manager, strategy.Default, mem, st.Candles(), nil, bus)
	registry := tools.New(tools.Deps{
		Exchange: ex, Manager: manager, Tracker: tr, Trades: st.Trades(),
		Memory: mem, Controller: ctrl, Strategies: strategy.Default,
	})

	srv := NewServer(cfg, ex, manager, ctrl, tr, st, mem, registry, strategy.Default, bus)
	t.Cleanup(func() {
		for _, s := range manager.List() {
			if s.State == bot.StateRunning {
				_ = manager.Stop(s.ID)
			}
		}
	})
	return srv.Router()
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthReportsSubsystems(t *testing.T) {
	router := newTestRouter(t)
	w := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["exchange"])
	assert.Equal(t, true, body["storage"])
	assert.Equal(t, true, body["controller"])
}

func TestStrategiesEndpoint(t *testing.T) {
	router := newTestRouter(t)
	w := do(router, http.MethodGet, "/api/strategies", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ma_crossover")
}

func TestBotStartStopFlow(t *testing.T) {
	router := newTestRouter(t)

	w := do(router, http.MethodPost, "/api/bot/start",
		`{"symbol":"ETHUSDT","strategy":"rsi","timeframe":"5m","trading_mode":"SPOT","amount":50}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	botID := created["bot_id"].(string)

	w = do(router, http.MethodGet, "/api/bots", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), botID)

	w = do(router, http.MethodGet, "/api/bot/status?bot_id="+botID, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodPost, "/api/bot/stop/"+botID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(router, http.MethodPost, "/api/bot/stop/"+botID, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "double stop rejected")
}

func TestBotStartRejectsMissingSymbol(t *testing.T) {
	router := newTestRouter(t)
	w := do(router, http.MethodPost, "/api/bot/start", `{"strategy":"rsi"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error_kind")
}

func TestTradesEndpointFilters(t *testing.T) {
	router := newTestRouter(t)
	w := do(router, http.MethodGet, "/api/trades?limit=5&exit_reason=STOP_LOSS", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["count"])
}

func TestToolInvocationOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/mcp/tools", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "get_current_price")

	w = do(router, http.MethodPost, "/api/mcp/tools/get_current_price",
		`{"parameters":{"symbol":"ETHUSDT"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)

	w = do(router, http.MethodPost, "/api/mcp/tools/no_such_tool", `{"parameters":{}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_tool")
}

func TestMemoryRoutes(t *testing.T) {
	router := newTestRouter(t)

	w := do(router, http.MethodGet, "/api/memory/some-agent", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/memory/some-agent/lessons", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(router, http.MethodGet, "/api/memory/pattern/ETHUSDT/rsi", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "NEUTRAL")

	w = do(router, http.MethodGet, "/api/memory/insights/collective", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestOriginAllowList(t *testing.T) {
	open := []string(nil)
	assert.True(t, originAllowed(open, "https://evil.example"), "no list configured")

	list := []string{"https://a.example", "https://b.example"}
	assert.True(t, originAllowed(list, "https://a.example"))
	assert.False(t, originAllowed(list, "https://evil.example"))
	assert.True(t, originAllowed(list, ""), "non-browser client without Origin")

	assert.True(t, originAllowed([]string{"*"}, "https://anywhere.example"))
}

func TestVolatileEndpoint(t *testing.T) {
	router := newTestRouter(t)
	w := do(router, http.MethodGet, "/api/market/volatile", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ETHUSDT")
}
