package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"coinpilot/market"
)

// Signal is a strategy verdict.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// ErrStrategyInput means the window is too short for the strategy.
var ErrStrategyInput = errors.New("insufficient window for strategy")

// ErrUnknownStrategy means the name is not registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Analysis is the pure output of a strategy over one OHLCV window.
type Analysis struct {
	Signal     Signal             `json:"signal"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason"`
	Indicators map[string]float64 `json:"indicators"`
}

// Params are per-bot overrides on a strategy's defaults.
type Params map[string]float64

// Get returns the override for key or def.
func (p Params) Get(key string, def float64) float64 {
	if p == nil {
		return def
	}
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// AnalyzeFunc maps an OHLCV window to a verdict. No I/O, no mutation of
// the window; identical input yields identical output.
type AnalyzeFunc func(window []market.Kline, params Params) *Analysis

// Strategy is a registered signal strategy.
type Strategy struct {
	Name      string
	MinWindow int
	Analyze   AnalyzeFunc
}

// Registry holds strategies by name. The zero value is unusable; use
// NewRegistry or the package-level Default.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name] = s
}

// Get looks a strategy up by name.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Names lists registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Analyze runs the named strategy after the window-length gate.
func (r *Registry) Analyze(name string, window []market.Kline, params Params) (*Analysis, error) {
	s, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if len(window) < s.MinWindow {
		return nil, fmt.Errorf("%w: %s needs %d candles, got %d", ErrStrategyInput, name, s.MinWindow, len(window))
	}
	return s.Analyze(window, params), nil
}

// Default is the process registry with all built-in strategies.
var Default = NewRegistry()

func init() {
	Default.Register(Strategy{Name: "ma_crossover", MinWindow: 52, Analyze: analyzeMACrossover})
	Default.Register(Strategy{Name: "rsi", MinWindow: 17, Analyze: analyzeRSI})
	Default.Register(Strategy{Name: "macd", MinWindow: 36, Analyze: analyzeMACD})
	Default.Register(Strategy{Name: "bollinger_bands", MinWindow: 22, Analyze: analyzeBollinger})
	Default.Register(Strategy{Name: "combined", MinWindow: 52, Analyze: analyzeCombined})
	Default.Register(Strategy{Name: "grid", MinWindow: 21, Analyze: analyzeGrid})
}

func closes(window []market.Kline) []float64 {
	out := make([]float64, len(window))
	for i, k := range window {
		out[i] = k.Close
	}
	return out
}

func hold(reason string, indicators map[string]float64) *Analysis {
	return &Analysis{Signal: SignalHold, Confidence: 0, Reason: reason, Indicators: indicators}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
