package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"coinpilot/autopilot"
	"coinpilot/bot"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tracker"
)

// Tool-surface error kinds on the wire.
const (
	KindUnknownTool         = "unknown_tool"
	KindToolArgs            = "tool_args"
	KindAuth                = "auth_error"
	KindRateLimited         = "rate_limited"
	KindNetwork             = "network_error"
	KindSymbolUnsupported   = "symbol_unsupported"
	KindModeUnsupported     = "mode_unsupported"
	KindInsufficientBalance = "insufficient_balance"
	KindStrategyInput       = "strategy_input"
	KindUnauthorized        = "unauthorized"
	KindInternal            = "internal_error"
)

// Tool-surface sentinel errors.
var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrToolArgs     = errors.New("invalid tool arguments")
	ErrUnauthorized = errors.New("missing authorization scope")
)

// ScopeExecute is required by side-effecting order tools.
const ScopeExecute = "trade:execute"

// Result is the uniform tool envelope. Tools never raise to callers.
type Result struct {
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Caller carries the invoker's authorization scopes into a tool call.
type Caller struct {
	Name   string
	Scopes []string
}

func (c Caller) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Handler executes one tool against decoded parameters.
type Handler func(ctx context.Context, caller Caller, params json.RawMessage) (any, error)

// Tool is one named, typed, side-effecting operation.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	handler     Handler
}

// Registry is the flat namespace of tools consumed by external agents
// and the HTTP facade.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// Deps wires the registry onto the core components.
type Deps struct {
	Exchange   market.Exchange
	Manager    *bot.Manager
	Tracker    *tracker.Tracker
	Trades     *store.TradeStore
	Memory     *memory.Service
	Controller *autopilot.Controller
	Strategies *strategy.Registry
}

// New builds the registry with every core tool registered.
func New(d Deps) *Registry {
	r := &Registry{tools: make(map[string]Tool)}

	r.register("get_current_price", "Latest trade price for a symbol", d.getCurrentPrice)
	r.register("get_market_data", "OHLCV window for a symbol and timeframe", d.getMarketData)
	r.register("get_account_balance", "Free balance of an asset per trading mode", d.getAccountBalance)
	r.register("execute_order", "Place a market order (requires trade:execute scope)", d.executeOrder)
	r.register("get_bot_status", "Snapshot of one bot", d.getBotStatus)
	r.register("list_bots", "Snapshot of all bots", d.listBots)
	r.register("get_bot_candles", "Phase-tagged candle windows of a bot", d.getBotCandles)
	r.register("get_trade_history", "Recent trades, newest first", d.getTradeHistory)
	r.register("analyze_optimal_coins", "Single-shot controller scoring over a candidate set", d.analyzeOptimalCoins)
	r.register("start_autonomous_bot", "Spawn an autonomous bot through the controller", d.startAutonomousBot)
	r.register("get_autonomous_bots_status", "Snapshot of autonomous bots only", d.getAutonomousBots)
	r.register("pattern_insights", "Aggregated (symbol, strategy) trade outcomes", d.patternInsights)

	return r
}

func (r *Registry) register(name, description string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = Tool{Name: name, Description: description, handler: h}
}

// List describes the registered tools, sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs a named tool. Errors are translated into the envelope;
// Invoke itself never returns an error.
func (r *Registry) Invoke(ctx context.Context, caller Caller, name string, params json.RawMessage) Result {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{OK: false, ErrorKind: KindUnknownTool, Message: fmt.Sprintf("unknown tool %q", name)}
	}

	value, err := t.handler(ctx, caller, params)
	if err != nil {
		kind := classify(err)
		return Result{OK: false, ErrorKind: kind, Message: err.Error()}
	}
	return Result{OK: true, Result: value}
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrToolArgs):
		return KindToolArgs
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, market.ErrAuth):
		return KindAuth
	case errors.Is(err, market.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, market.ErrNetwork), errors.Is(err, market.ErrStaleData):
		return KindNetwork
	case errors.Is(err, market.ErrSymbolUnsupported), errors.Is(err, strategy.ErrUnknownStrategy):
		return KindSymbolUnsupported
	case errors.Is(err, market.ErrModeUnsupported):
		return KindModeUnsupported
	case errors.Is(err, market.ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, strategy.ErrStrategyInput):
		return KindStrategyInput
	}
	return KindInternal
}

func decode(params json.RawMessage, into any) error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return fmt.Errorf("%w: %v", ErrToolArgs, err)
	}
	return nil
}

// ============================================
// Handlers
// ============================================

func (d Deps) getCurrentPrice(ctx context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		Symbol string `json:"symbol"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrToolArgs)
	}
	price, err := d.Exchange.GetPrice(ctx, args.Symbol)
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbol": args.Symbol, "price": price}, nil
}

func (d Deps) getMarketData(ctx context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		Symbol    string `json:"symbol"`
		Timeframe string `json:"timeframe"`
		Limit     int    `json:"limit"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.Symbol == "" || args.Timeframe == "" {
		return nil, fmt.Errorf("%w: symbol and timeframe are required", ErrToolArgs)
	}
	if args.Limit <= 0 {
		args.Limit = 100
	}
	klines, err := d.Exchange.GetKlines(ctx, args.Symbol, args.Timeframe, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbol": args.Symbol, "timeframe": args.Timeframe, "candles": klines}, nil
}

func (d Deps) getAccountBalance(ctx context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		Asset string `json:"asset"`
		Mode  string `json:"mode"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.Asset == "" {
		args.Asset = "USDT"
	}
	mode := market.TradingMode(args.Mode)
	if args.Mode == "" {
		mode = market.ModeSpot
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: invalid mode %q", ErrToolArgs, args.Mode)
	}
	balance, err := d.Exchange.GetBalance(ctx, args.Asset, mode)
	if err != nil {
		return nil, err
	}
	return map[string]any{"asset": args.Asset, "mode": string(mode), "free_balance": balance}, nil
}

func (d Deps) executeOrder(ctx context.Context, caller Caller, params json.RawMessage) (any, error) {
	if !caller.HasScope(ScopeExecute) {
		return nil, fmt.Errorf("%w: execute_order requires %s", ErrUnauthorized, ScopeExecute)
	}
	var args struct {
		Symbol    string  `json:"symbol"`
		Side      string  `json:"side"`
		Quantity  float64 `json:"quantity"`
		OrderType string  `json:"order_type"`
		Mode      string  `json:"mode"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.Symbol == "" || args.Quantity <= 0 {
		return nil, fmt.Errorf("%w: symbol and positive quantity are required", ErrToolArgs)
	}
	side := market.Side(args.Side)
	if side != market.SideBuy && side != market.SideSell {
		return nil, fmt.Errorf("%w: side must be BUY or SELL", ErrToolArgs)
	}
	if args.OrderType != "" && args.OrderType != "MARKET" {
		return nil, fmt.Errorf("%w: only MARKET orders are supported", ErrToolArgs)
	}
	mode := market.TradingMode(args.Mode)
	if args.Mode == "" {
		mode = market.ModeSpot
	}
	order, err := d.Exchange.PlaceMarketOrder(ctx, args.Symbol, side, args.Quantity, mode)
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (d Deps) getBotStatus(_ context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		BotID string `json:"bot_id"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.BotID == "" {
		return d.Manager.List(), nil
	}
	b, err := d.Manager.Get(args.BotID)
	if err != nil {
		return nil, err
	}
	return b.Status(), nil
}

func (d Deps) listBots(context.Context, Caller, json.RawMessage) (any, error) {
	return d.Manager.List(), nil
}

func (d Deps) getBotCandles(_ context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		BotID string `json:"bot_id"`
		Phase string `json:"phase"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.BotID == "" {
		return nil, fmt.Errorf("%w: bot_id is required", ErrToolArgs)
	}
	if args.Phase == "" {
		args.Phase = "all"
	}
	windows, err := d.Tracker.GetCandles(args.BotID, args.Phase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolArgs, err)
	}
	return windows, nil
}

func (d Deps) getTradeHistory(_ context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		Limit      int    `json:"limit"`
		BotID      string `json:"bot_id"`
		ExitReason string `json:"exit_reason"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	trades, err := d.Trades.List(store.ListFilter{Limit: args.Limit, BotID: args.BotID, ExitReason: args.ExitReason})
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (d Deps) analyzeOptimalCoins(ctx context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		MaxCoins int      `json:"max_coins"`
		MinScore float64  `json:"min_score"`
		Exclude  []string `json:"exclude"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.MaxCoins <= 0 || args.MaxCoins > 20 {
		args.MaxCoins = 10
	}
	excluded := map[string]bool{}
	for _, s := range args.Exclude {
		excluded[s] = true
	}

	symbols, err := d.Exchange.ListTradableSymbols(ctx, "USDT")
	if err != nil {
		return nil, err
	}
	var scored []autopilot.CoinScore
	for _, sym := range symbols {
		if excluded[sym] {
			continue
		}
		cs, err := d.Controller.ScoreCoin(ctx, sym)
		if err != nil {
			continue
		}
		if cs.Score >= args.MinScore {
			scored = append(scored, *cs)
		}
		if len(scored) >= args.MaxCoins*3 {
			break
		}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > args.MaxCoins {
		scored = scored[:args.MaxCoins]
	}
	return scored, nil
}

func (d Deps) startAutonomousBot(ctx context.Context, caller Caller, params json.RawMessage) (any, error) {
	if !caller.HasScope(ScopeExecute) {
		return nil, fmt.Errorf("%w: start_autonomous_bot requires %s", ErrUnauthorized, ScopeExecute)
	}
	var args struct {
		Symbol    string `json:"symbol"`
		Strategy  string `json:"strategy"`
		Timeframe string `json:"timeframe"`
		Mode      string `json:"mode"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.Symbol == "" || args.Strategy == "" {
		return nil, fmt.Errorf("%w: symbol and strategy are required", ErrToolArgs)
	}
	botID, err := d.Controller.SpawnRequest(ctx, args.Symbol, args.Strategy, args.Timeframe, market.TradingMode(args.Mode))
	if err != nil {
		return nil, err
	}
	return map[string]any{"bot_id": botID}, nil
}

func (d Deps) getAutonomousBots(context.Context, Caller, json.RawMessage) (any, error) {
	return d.Manager.ListAutonomous(), nil
}

func (d Deps) patternInsights(_ context.Context, _ Caller, params json.RawMessage) (any, error) {
	var args struct {
		Symbol   string `json:"symbol"`
		Strategy string `json:"strategy"`
		SinceDays int   `json:"since_days"`
	}
	if err := decode(params, &args); err != nil {
		return nil, err
	}
	if args.Symbol == "" || args.Strategy == "" {
		return nil, fmt.Errorf("%w: symbol and strategy are required", ErrToolArgs)
	}
	since := time.Time{}
	if args.SinceDays > 0 {
		since = time.Now().AddDate(0, 0, -args.SinceDays)
	}
	return d.Memory.PatternInsights(args.Symbol, args.Strategy, since), nil
}
