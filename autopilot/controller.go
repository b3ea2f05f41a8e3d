package autopilot

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"coinpilot/bot"
	"coinpilot/events"
	"coinpilot/logger"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/metrics"
	"coinpilot/store"
	"coinpilot/strategy"
)

// NewsScorer supplies an external relevance score in [0,1] for a
// symbol. The default returns 0 when no news backend is wired.
type NewsScorer interface {
	Score(ctx context.Context, symbol string) float64
}

// NoopNewsScorer is the default collaborator-less scorer.
type NoopNewsScorer struct{}

func (NoopNewsScorer) Score(context.Context, string) float64 { return 0 }

// Composite score weights.
const (
	weightConfidence = 0.4
	weightTrend      = 0.2
	weightVolatility = 0.2
	weightNews       = 0.2

	fallbackMinScore = 0.2
	scanTopK         = 50
	capitalCapPct    = 0.4

	windowPruneAge = 30 * 24 * time.Hour
)

// scanTimeframes are evaluated per candidate; the best strategy verdict
// across all of them wins.
var scanTimeframes = []string{"5m", "15m", "1h", "4h"}

// Config tunes the controller.
type Config struct {
	Interval      time.Duration
	MaxAutonomous int
	MinScore      float64
	MinBudget     float64
	DefaultAmount float64
	ReapAge       time.Duration
	QuoteAsset    string
	Timeframe     string // timeframe spawned bots run on
}

// CoinScore is one scored candidate.
type CoinScore struct {
	Symbol       string  `json:"symbol"`
	Score        float64 `json:"score"`
	BestStrategy string  `json:"best_strategy"`
	Confidence   float64 `json:"confidence"`
	TrendScore   float64 `json:"trend_score"`
	Volatility   float64 `json:"volatility_score"`
	NewsScore    float64 `json:"news_score"`
	QuoteVolume  float64 `json:"quote_volume_24h"`
}

// Controller periodically scans the symbol universe, spawns autonomous
// bots under budget and concurrency caps, and reaps losers.
type Controller struct {
	cfg        Config
	exchange   market.Exchange
	manager    *bot.Manager
	strategies *strategy.Registry
	mem        *memory.Service
	candles    *store.CandleStore
	news       NewsScorer
	bus        *events.Bus

	cycleMu sync.Mutex // single-flight guard
	stopCh  chan struct{}
	done    chan struct{}
}

func New(cfg Config, exchange market.Exchange, manager *bot.Manager, strategies *strategy.Registry,
	mem *memory.Service, candles *store.CandleStore, news NewsScorer, bus *events.Bus) *Controller {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.Timeframe == "" {
		cfg.Timeframe = "5m"
	}
	if news == nil {
		news = NoopNewsScorer{}
	}
	return &Controller{
		cfg:        cfg,
		exchange:   exchange,
		manager:    manager,
		strategies: strategies,
		mem:        mem,
		candles:    candles,
		news:       news,
		bus:        bus,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run drives cycles until Stop. Cancellation is cooperative at cycle
// boundaries.
func (c *Controller) Run(ctx context.Context) {
	defer close(c.done)
	logger.Infof("autonomous controller started: interval %v, max %d bots",
		c.cfg.Interval, c.cfg.MaxAutonomous)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunCycle(ctx)
	for {
		select {
		case <-c.stopCh:
			logger.Info("autonomous controller stopped")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunCycle(ctx)
		}
	}
}

// Stop ends the loop after the in-flight cycle.
func (c *Controller) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.done
}

// Healthy reports liveness for the health endpoint.
func (c *Controller) Healthy() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// RunCycle executes one scan/spawn/reap pass. Concurrent invocations
// collapse: the overlapping caller returns immediately.
func (c *Controller) RunCycle(ctx context.Context) {
	if !c.cycleMu.TryLock() {
		metrics.ControllerCycles.WithLabelValues("overlapped").Inc()
		return
	}
	defer c.cycleMu.Unlock()
	started := time.Now()

	// Precondition: skip the whole cycle if the venue is unreachable.
	symbols, err := c.exchange.ListTradableSymbols(ctx, c.cfg.QuoteAsset)
	if err != nil {
		logger.Warnf("controller cycle skipped, exchange unavailable: %v", err)
		metrics.ControllerCycles.WithLabelValues("skipped").Inc()
		return
	}

	spawned := c.spawnPass(ctx, symbols)
	reaped := c.reapPass()
	c.housekeeping()

	metrics.ControllerCycles.WithLabelValues("completed").Inc()
	metrics.ControllerCycleSeconds.Observe(time.Since(started).Seconds())
	c.bus.Publish(events.TopicControllerCycle, map[string]any{
		"spawned":  spawned,
		"reaped":   reaped,
		"universe": len(symbols),
		"duration": time.Since(started).Seconds(),
	})
}

// spawnPass scans, scores, filters and spawns up to the free capacity.
func (c *Controller) spawnPass(ctx context.Context, symbols []string) int {
	running := c.manager.RunningAutonomousCount()
	capacity := c.cfg.MaxAutonomous - running
	if capacity <= 0 {
		logger.Debugf("controller at capacity (%d/%d), no spawns", running, c.cfg.MaxAutonomous)
		return 0
	}

	owned := map[string]bool{}
	for _, s := range c.manager.ListAutonomous() {
		if s.State == bot.StateRunning {
			owned[s.Symbol] = true
		}
	}

	candidates := c.rankByVolume(ctx, symbols, owned, scanTopK)
	scores := c.scoreCandidates(ctx, candidates)

	passing := filterScores(scores, c.cfg.MinScore)
	if len(passing) == 0 && capacity > 0 {
		passing = filterScores(scores, fallbackMinScore)
		if len(passing) > 0 {
			logger.Infof("controller falling back to min score %.2f", fallbackMinScore)
		}
	}
	if len(passing) == 0 {
		return 0
	}

	budget, avgRunning, capital, err := c.budgetPerBot(ctx)
	if err != nil {
		logger.Warnf("controller budget unavailable: %v", err)
		return 0
	}
	// Allocations never breach the 40% capital cap. When the floor
	// itself would (MIN_BUDGET > 0.4*capital), spawning pauses until
	// capital recovers.
	if capPct := capitalCapPct * capital; budget > capPct {
		logger.Warnf("controller budget %.2f exceeds %.0f%% capital cap %.2f, no spawns",
			budget, capitalCapPct*100, capPct)
		return 0
	}

	spawned := 0
	for _, cs := range passing {
		if spawned >= capacity {
			break
		}
		if err := c.spawn(cs, budget, avgRunning, capital); err != nil {
			logger.Warnf("controller spawn %s failed: %v", cs.Symbol, err)
			continue
		}
		spawned++
	}
	return spawned
}

// spawn creates and starts one autonomous bot with provenance.
func (c *Controller) spawn(cs CoinScore, budget, avgRunning, capital float64) error {
	strategyName := cs.BestStrategy
	if strategyName == "" {
		strategyName = "combined"
	}
	b, err := c.manager.Create(bot.Config{
		Symbol:          cs.Symbol,
		Strategy:        strategyName,
		Timeframe:       c.cfg.Timeframe,
		Mode:            market.ModeSpot,
		AllocatedAmount: budget,
		Autonomous:      true,
		CreatedBy:       "AutonomousController",
	})
	if err != nil {
		return err
	}
	if err := c.manager.Start(b.ID()); err != nil {
		return err
	}

	metrics.ControllerSpawns.Inc()
	c.mem.Store("AutonomousController", store.MemoryAnalysis, map[string]any{
		"action":            "spawn",
		"bot_id":            b.ID(),
		"symbol":            cs.Symbol,
		"strategy":          strategyName,
		"score":             cs.Score,
		"allocated_amount":  budget,
		"avg_running":       avgRunning,
		"available_capital": capital,
	}, nil)
	logger.Infof("controller spawned %s on %s (score %.2f, budget %.2f)",
		strategyName, cs.Symbol, cs.Score, budget)
	return nil
}

// reapPass stops aged autonomous bots whose pattern insight went
// negative.
func (c *Controller) reapPass() int {
	reaped := 0
	for _, s := range c.manager.ListAutonomous() {
		if s.State != bot.StateRunning {
			continue
		}
		if time.Since(s.CreatedAt) < c.cfg.ReapAge {
			continue
		}
		insight := c.mem.PatternInsights(s.Symbol, s.Strategy, time.Time{})
		if insight.Recommendation != memory.RecommendNegative {
			continue
		}
		logger.Infof("controller reaping bot %s: %s/%s success %.0f%%, avg pnl %.2f%%",
			s.ID, s.Symbol, s.Strategy, insight.SuccessRate, insight.AvgPnL)
		if err := c.manager.Stop(s.ID); err != nil {
			logger.Warnf("controller reap of %s failed: %v", s.ID, err)
			continue
		}
		metrics.ControllerReaps.Inc()
		reaped++
	}
	return reaped
}

// housekeeping rides storage GC on the controller's ticker.
func (c *Controller) housekeeping() {
	if n, err := c.candles.PruneSealedBefore(time.Now().Add(-windowPruneAge)); err == nil && n > 0 {
		logger.Infof("pruned %d sealed candle windows", n)
	}
	c.mem.Compact()
}

// rankByVolume orders the universe by 24h quote volume, excluding
// symbols already owned by running autonomous bots, and keeps the top K.
func (c *Controller) rankByVolume(ctx context.Context, symbols []string, owned map[string]bool, k int) []CoinScore {
	var ranked []CoinScore
	for _, sym := range symbols {
		if owned[sym] {
			continue
		}
		stats, err := c.exchange.Get24hStats(ctx, sym)
		if err != nil {
			continue
		}
		ranked = append(ranked, CoinScore{Symbol: sym, QuoteVolume: stats.QuoteVolume})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].QuoteVolume > ranked[j].QuoteVolume })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// scoreCandidates computes the composite score per candidate.
func (c *Controller) scoreCandidates(ctx context.Context, candidates []CoinScore) []CoinScore {
	scored := make([]CoinScore, 0, len(candidates))
	for _, cs := range candidates {
		s, err := c.ScoreCoin(ctx, cs.Symbol)
		if err != nil {
			logger.Debugf("controller scoring %s failed: %v", cs.Symbol, err)
			continue
		}
		s.QuoteVolume = cs.QuoteVolume
		scored = append(scored, *s)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

// ScoreCoin scores a single symbol: best strategy confidence across the
// scan timeframes, trend alignment, 24h volatility band and news, all
// normalized to [0,1].
func (c *Controller) ScoreCoin(ctx context.Context, symbol string) (*CoinScore, error) {
	cs := &CoinScore{Symbol: symbol}

	for _, tf := range scanTimeframes {
		window, err := c.exchange.GetKlines(ctx, symbol, tf, 120)
		if err != nil {
			continue
		}
		for _, name := range c.strategies.Names() {
			analysis, err := c.strategies.Analyze(name, window, nil)
			if err != nil {
				continue
			}
			if analysis.Signal == strategy.SignalBuy && analysis.Confidence > cs.Confidence {
				cs.Confidence = analysis.Confidence
				cs.BestStrategy = name
			}
		}
		if tf == "1h" {
			cs.TrendScore = trendScore(window)
		}
	}

	stats, err := c.exchange.Get24hStats(ctx, symbol)
	if err != nil {
		return nil, err
	}
	cs.Volatility = volatilityScore(stats)
	cs.NewsScore = clamp01(c.news.Score(ctx, symbol))

	cs.Score = weightConfidence*cs.Confidence +
		weightTrend*cs.TrendScore +
		weightVolatility*cs.Volatility +
		weightNews*cs.NewsScore
	return cs, nil
}

// SpawnRequest drives the tool-surface start_autonomous_bot pathway
// through the same caps and budget logic as the scan loop.
func (c *Controller) SpawnRequest(ctx context.Context, symbol, strategyName, timeframe string, mode market.TradingMode) (string, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	running := c.manager.RunningAutonomousCount()
	if running >= c.cfg.MaxAutonomous {
		return "", fmt.Errorf("autonomous capacity reached (%d/%d)", running, c.cfg.MaxAutonomous)
	}
	budget, _, capital, err := c.budgetPerBot(ctx)
	if err != nil {
		return "", err
	}
	if capPct := capitalCapPct * capital; budget > capPct {
		return "", fmt.Errorf("%w: budget %.2f exceeds %.0f%% capital cap %.2f",
			market.ErrInsufficientBalance, budget, capitalCapPct*100, capPct)
	}
	if timeframe == "" {
		timeframe = c.cfg.Timeframe
	}
	if !mode.Valid() {
		mode = market.ModeSpot
	}

	b, err := c.manager.Create(bot.Config{
		Symbol:          symbol,
		Strategy:        strategyName,
		Timeframe:       timeframe,
		Mode:            mode,
		AllocatedAmount: budget,
		Autonomous:      true,
		CreatedBy:       "AutonomousController",
	})
	if err != nil {
		return "", err
	}
	if err := c.manager.Start(b.ID()); err != nil {
		return "", err
	}
	metrics.ControllerSpawns.Inc()
	return b.ID(), nil
}

// budgetPerBot derives the allocation for one new bot:
// max(MinBudget, min(mean running allocation, 0.4 * free balance)).
// The MinBudget floor can sit above the 40% cap on a drained account;
// callers refuse to spawn in that case rather than over-allocate.
func (c *Controller) budgetPerBot(ctx context.Context) (budget, avgRunning, capital float64, err error) {
	capital, err = c.exchange.GetBalance(ctx, c.cfg.QuoteAsset, market.ModeSpot)
	if err != nil {
		return 0, 0, 0, err
	}

	var total float64
	var n int
	for _, s := range c.manager.List() {
		if s.State == bot.StateRunning {
			total += s.AllocatedAmount
			n++
		}
	}
	avgRunning = c.cfg.DefaultAmount
	if n > 0 {
		avgRunning = total / float64(n)
	}

	capPct := capitalCapPct * capital
	budget = avgRunning
	if capPct < budget {
		budget = capPct
	}
	if budget < c.cfg.MinBudget {
		budget = c.cfg.MinBudget
	}
	return budget, avgRunning, capital, nil
}

func filterScores(scores []CoinScore, minScore float64) []CoinScore {
	var out []CoinScore
	for _, s := range scores {
		if s.Score >= minScore {
			out = append(out, s)
		}
	}
	return out
}

// trendScore maps SMA(20)/SMA(50) alignment onto [0,1].
func trendScore(window []market.Kline) float64 {
	if len(window) < 50 {
		return 0.5
	}
	var fast, slow float64
	n := len(window)
	for _, k := range window[n-20:] {
		fast += k.Close
	}
	fast /= 20
	for _, k := range window[n-50:] {
		slow += k.Close
	}
	slow /= 50
	switch {
	case fast > slow*1.005:
		return 1
	case fast < slow*0.995:
		return 0
	}
	return 0.5
}

// volatilityScore normalizes the 24h high-low band; a 10% band scores 1.
func volatilityScore(stats *market.Stats24h) float64 {
	if stats.LowPrice <= 0 {
		return 0
	}
	band := (stats.HighPrice - stats.LowPrice) / stats.LowPrice
	return clamp01(band / 0.10)
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
