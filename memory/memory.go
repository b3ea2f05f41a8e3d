package memory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"coinpilot/logger"
	"coinpilot/metrics"
	"coinpilot/store"
)

// Outcome of a closed trade.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeNeutral Outcome = "neutral"
)

// Recommendation derived from pattern insights.
type Recommendation string

const (
	RecommendPositive Recommendation = "POSITIVE"
	RecommendNeutral  Recommendation = "NEUTRAL"
	RecommendNegative Recommendation = "NEGATIVE"
)

// Lesson extraction thresholds.
const (
	fastExecutionSeconds = 2.0
	slowExecutionSeconds = 10.0
	favorableSlippagePct = 0.1
	adverseSlippagePct   = -0.2
	missedTPMarginPct    = 2.0
	continuationPct      = 1.0
	highConfidence       = 0.75

	// DefaultRetention is how long memories live before compaction.
	DefaultRetention = 90 * 24 * time.Hour

	// insightSampleSize is how many recent trade learnings feed one
	// pattern insight.
	insightSampleSize = 50
)

// CandleBundle carries the phase windows around a closed trade into
// learning.
type CandleBundle struct {
	Pre    *store.CandleWindow
	During *store.CandleWindow
	Post   *store.CandleWindow
}

// PatternInsight is a derived view over (symbol, strategy) outcomes.
// Always recomputed on demand, never cached.
type PatternInsight struct {
	Symbol         string         `json:"symbol"`
	Strategy       string         `json:"strategy"`
	TotalTrades    int            `json:"total_trades"`
	SuccessRate    float64        `json:"success_rate"`
	AvgPnL         float64        `json:"avg_pnl"`
	Recommendation Recommendation `json:"recommendation"`
	Lessons        []string       `json:"lessons"`
}

// Service is the append-only memory layer. Writes are best-effort and
// never fail the trading path; reads return empty on backend outage.
type Service struct {
	records   *store.MemoryStore
	retention time.Duration
}

func New(records *store.MemoryStore) *Service {
	return &Service{records: records, retention: DefaultRetention}
}

// Store appends a structured memory to an agent's stream. Errors are
// swallowed after logging: memory loss must never block a trade.
func (s *Service) Store(agent, recordType string, content, metadata map[string]any) {
	rec := &store.MemoryRecord{
		ID:        uuid.New().String(),
		Agent:     agent,
		Type:      recordType,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.records.Insert(rec); err != nil {
		metrics.StorageWriteDrops.Inc()
		logger.Warnf("memory write dropped for agent %s: %v", agent, err)
	}
}

// Retrieve reads an agent's stream, newest first. Returns empty on
// backend outage.
func (s *Service) Retrieve(agent, recordType string, since time.Time, limit int) []*store.MemoryRecord {
	records, err := s.records.List(store.MemoryFilter{
		Agent: agent,
		Type:  recordType,
		Since: since,
		Limit: limit,
	})
	if err != nil {
		logger.Warnf("memory read failed for agent %s: %v", agent, err)
		return nil
	}
	return records
}

// LearnFromTrade synthesizes a trade_learning record and extracted
// lessons from a closed trade and its candle windows. Best-effort.
func (s *Service) LearnFromTrade(trade *store.Trade, outcome Outcome, pnl float64, bundle *CandleBundle) {
	lessons := extractLessons(trade, outcome, pnl, bundle)

	content := map[string]any{
		"symbol":   trade.Symbol,
		"strategy": trade.Strategy,
		"outcome":  string(outcome),
		"pnl":      pnl,
		"lessons":  lessons,
	}
	metadata := map[string]any{
		"trade_id":         trade.ID,
		"confidence":       trade.Confidence,
		"execution_delay":  trade.ExecutionDelaySeconds,
		"slippage_percent": trade.PriceSlippagePercent,
	}
	if trade.ExitReason != nil {
		metadata["exit_reason"] = *trade.ExitReason
	}

	s.Store(trade.BotID, store.MemoryTradeLearning, content, metadata)
	// Shared copy feeds the collective stream that every agent reads.
	s.Store(store.CollectiveAgent, store.MemoryCollective, content, metadata)
}

// PatternInsights aggregates the last trade learnings for a
// (symbol, strategy) pair. Recomputed on every call.
func (s *Service) PatternInsights(symbol, strategyName string, since time.Time) *PatternInsight {
	if since.IsZero() {
		since = time.Now().Add(-DefaultRetention)
	}
	records, err := s.records.List(store.MemoryFilter{
		Type:  store.MemoryTradeLearning,
		Since: since,
		Limit: 1000,
	})
	if err != nil {
		logger.Warnf("pattern insight read failed for %s/%s: %v", symbol, strategyName, err)
		records = nil
	}

	insight := &PatternInsight{Symbol: symbol, Strategy: strategyName, Recommendation: RecommendNeutral}
	var totalPnL float64
	var successes int
	lessonCounts := map[string]int{}

	for _, r := range records {
		if insight.TotalTrades >= insightSampleSize {
			break
		}
		if str(r.Content["symbol"]) != symbol || str(r.Content["strategy"]) != strategyName {
			continue
		}
		insight.TotalTrades++
		if str(r.Content["outcome"]) == string(OutcomeSuccess) {
			successes++
		}
		if pnl, ok := r.Content["pnl"].(float64); ok {
			totalPnL += pnl
		}
		if raw, ok := r.Content["lessons"].([]any); ok {
			for _, l := range raw {
				lessonCounts[str(l)]++
			}
		}
	}

	if insight.TotalTrades == 0 {
		return insight
	}
	insight.SuccessRate = float64(successes) / float64(insight.TotalTrades) * 100
	insight.AvgPnL = totalPnL / float64(insight.TotalTrades)
	insight.Recommendation = recommend(insight.SuccessRate, insight.AvgPnL)

	// Surface the recurring lessons, most common first, capped.
	for lesson, count := range lessonCounts {
		if count >= 2 || insight.TotalTrades < 4 {
			insight.Lessons = append(insight.Lessons, lesson)
		}
	}
	sort.Slice(insight.Lessons, func(i, j int) bool {
		ci, cj := lessonCounts[insight.Lessons[i]], lessonCounts[insight.Lessons[j]]
		if ci != cj {
			return ci > cj
		}
		return insight.Lessons[i] < insight.Lessons[j]
	})
	if len(insight.Lessons) > 8 {
		insight.Lessons = insight.Lessons[:8]
	}
	return insight
}

// Compact removes records older than the retention window.
func (s *Service) Compact() {
	n, err := s.records.DeleteOlderThan(time.Now().Add(-s.retention))
	if err != nil {
		logger.Warnf("memory compaction failed: %v", err)
		return
	}
	if n > 0 {
		logger.Infof("memory compaction removed %d records", n)
	}
}

func recommend(successRate, avgPnL float64) Recommendation {
	switch {
	case successRate > 60 && avgPnL > 0:
		return RecommendPositive
	case successRate < 40 || (successRate < 50 && avgPnL < 0):
		return RecommendNegative
	}
	return RecommendNeutral
}

func extractLessons(trade *store.Trade, outcome Outcome, pnl float64, bundle *CandleBundle) []string {
	var lessons []string

	// Strategy confidence vs outcome.
	if trade.Confidence >= highConfidence {
		if outcome == OutcomeFailure {
			lessons = append(lessons, fmt.Sprintf("high-confidence %s signal still failed on %s", trade.Strategy, trade.Symbol))
		} else if outcome == OutcomeSuccess {
			lessons = append(lessons, fmt.Sprintf("high-confidence %s signals are paying off on %s", trade.Strategy, trade.Symbol))
		}
	} else if trade.Confidence > 0 && trade.Confidence < 0.6 && outcome == OutcomeFailure {
		lessons = append(lessons, fmt.Sprintf("low-confidence %s entries are losing; raise the entry bar", trade.Strategy))
	}

	// Execution delay.
	if trade.ExecutionDelaySeconds < fastExecutionSeconds {
		lessons = append(lessons, "execution delay under 2s, attribution clean")
	} else if trade.ExecutionDelaySeconds > slowExecutionSeconds {
		lessons = append(lessons, fmt.Sprintf("execution delay %.1fs exceeds 10s, decision price unreliable", trade.ExecutionDelaySeconds))
	}

	// Slippage.
	if trade.PriceSlippagePercent > favorableSlippagePct {
		lessons = append(lessons, fmt.Sprintf("favorable slippage %.3f%%", trade.PriceSlippagePercent))
	} else if trade.PriceSlippagePercent < adverseSlippagePct {
		lessons = append(lessons, fmt.Sprintf("adverse slippage %.3f%%, consider limit entries on %s", trade.PriceSlippagePercent, trade.Symbol))
	}

	if bundle == nil {
		return lessons
	}

	// Pre-trade trend direction vs outcome.
	if trend, ok := windowTrend(bundle.Pre); ok {
		switch {
		case trend > 0 && outcome == OutcomeFailure:
			lessons = append(lessons, "entered with the uptrend but lost; trend alone is not enough")
		case trend < 0 && outcome == OutcomeFailure:
			lessons = append(lessons, "entered against a downtrend and lost; respect the pre-entry trend")
		case trend > 0 && outcome == OutcomeSuccess:
			lessons = append(lessons, "uptrend entries keep working")
		}
	}

	// Max favorable excursion vs realized.
	if mfe, ok := maxFavorableExcursion(bundle.During, trade); ok {
		if mfe > pnl+missedTPMarginPct {
			lessons = append(lessons, fmt.Sprintf("peak excursion %.2f%% vs realized %.2f%%: take-profit left on the table", mfe, pnl))
		}
	}

	// Post-trade continuation.
	if cont, ok := postContinuation(bundle.Post); ok {
		switch {
		case cont > continuationPct && pnl > 0:
			lessons = append(lessons, fmt.Sprintf("price ran %.2f%% further after exit; exited too early", cont))
		case cont < -continuationPct && pnl < 0:
			lessons = append(lessons, fmt.Sprintf("price kept falling %.2f%% after exit; held too long before cutting", cont))
		}
	}

	return lessons
}

// windowTrend compares first and last close of a window. Returns +1/-1/0.
func windowTrend(w *store.CandleWindow) (int, bool) {
	if w == nil || len(w.Candles) < 2 {
		return 0, false
	}
	first := w.Candles[0].Close
	last := w.Candles[len(w.Candles)-1].Close
	if first == 0 {
		return 0, false
	}
	change := (last - first) / first * 100
	switch {
	case change > 0.5:
		return 1, true
	case change < -0.5:
		return -1, true
	}
	return 0, true
}

// maxFavorableExcursion returns the best unrealized percent reached
// while the position was open. The during-window opens at entry, so its
// first candle's open stands in for the entry price.
func maxFavorableExcursion(w *store.CandleWindow, trade *store.Trade) (float64, bool) {
	if w == nil || len(w.Candles) == 0 {
		return 0, false
	}
	entry := w.Candles[0].Open
	if entry == 0 {
		return 0, false
	}
	best := math.Inf(-1)
	for _, k := range w.Candles {
		// The closing trade side tells the position direction: a SELL
		// closed a LONG, a BUY covered a SHORT.
		var excursion float64
		if trade.Side == "SELL" {
			excursion = (k.High - entry) / entry * 100
		} else {
			excursion = (entry - k.Low) / entry * 100
		}
		if excursion > best {
			best = excursion
		}
	}
	return best, true
}

// postContinuation measures percent drift from the first to the last
// close after exit.
func postContinuation(w *store.CandleWindow) (float64, bool) {
	if w == nil || len(w.Candles) < 2 {
		return 0, false
	}
	first := w.Candles[0].Close
	last := w.Candles[len(w.Candles)-1].Close
	if first == 0 {
		return 0, false
	}
	return (last - first) / first * 100, true
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
