package memory

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinpilot/market"
	"coinpilot/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st.Memory()), st
}

func closingTrade(delay, slippage, confidence float64) *store.Trade {
	reason := store.ExitSignal
	return &store.Trade{
		ID: "sell1", BotID: "b1", Symbol: "ETHUSDT", Side: "SELL",
		Quantity: 1, DecisionPrice: 2000, ExecutionPrice: 2001,
		DecisionAt: time.Now(), ExecutionAt: time.Now(),
		ExecutionDelaySeconds: delay,
		PriceSlippagePercent:  slippage,
		ExitReason:            &reason,
		Strategy:              "rsi",
		Confidence:            confidence,
	}
}

func TestStoreAndRetrieve(t *testing.T) {
	svc, _ := newTestService(t)

	svc.Store("agent1", store.MemoryAnalysis, map[string]any{"note": "scan"}, nil)
	records := svc.Retrieve("agent1", store.MemoryAnalysis, time.Time{}, 10)
	require.Len(t, records, 1)
	assert.Equal(t, "scan", records[0].Content["note"])

	// Foreign agent stream stays invisible.
	assert.Empty(t, svc.Retrieve("agent2", "", time.Time{}, 10))
}

func TestLearnFromTradeWritesOwnAndCollectiveStreams(t *testing.T) {
	svc, _ := newTestService(t)

	svc.LearnFromTrade(closingTrade(0.5, 0.2, 0.9), OutcomeSuccess, 2.5, nil)

	own := svc.Retrieve("b1", store.MemoryTradeLearning, time.Time{}, 10)
	require.Len(t, own, 1)
	assert.Equal(t, "success", own[0].Content["outcome"])

	shared := svc.Retrieve(store.CollectiveAgent, store.MemoryCollective, time.Time{}, 10)
	assert.Len(t, shared, 1)
}

func TestLessonExtractionThresholds(t *testing.T) {
	// Fast execution and favorable slippage on a winner.
	lessons := extractLessons(closingTrade(0.5, 0.2, 0.9), OutcomeSuccess, 2.5, nil)
	assert.Contains(t, lessons, "execution delay under 2s, attribution clean")
	hasFavorable := false
	for _, l := range lessons {
		if l == "favorable slippage 0.200%" {
			hasFavorable = true
		}
	}
	assert.True(t, hasFavorable, "favorable slippage lesson missing: %v", lessons)

	// Slow execution and adverse slippage on a loser.
	lessons = extractLessons(closingTrade(12, -0.3, 0.9), OutcomeFailure, -3, nil)
	joined := fmt.Sprint(lessons)
	assert.Contains(t, joined, "exceeds 10s")
	assert.Contains(t, joined, "adverse slippage")
	assert.Contains(t, joined, "high-confidence rsi signal still failed")
}

func TestLessonFromCandleBundle(t *testing.T) {
	during := &store.CandleWindow{
		Phase: store.PhaseDuringTrade,
		Candles: []market.Kline{
			{Open: 2000, High: 2100, Low: 1990, Close: 2080},
			{Open: 2080, High: 2120, Low: 2000, Close: 2016},
		},
	}
	post := &store.CandleWindow{
		Phase: store.PhasePostTrade,
		Candles: []market.Kline{
			{Close: 2016}, {Close: 2050}, {Close: 2090},
		},
	}
	// Realized +0.8% while the during-window peaked at +6%: missed TP,
	// and the post window kept running up: exited too early.
	lessons := extractLessons(closingTrade(1, 0, 0.7), OutcomeSuccess, 0.8,
		&CandleBundle{During: during, Post: post})
	joined := fmt.Sprint(lessons)
	assert.Contains(t, joined, "take-profit left on the table")
	assert.Contains(t, joined, "exited too early")
}

func TestRecommendationMapping(t *testing.T) {
	cases := []struct {
		successRate, avgPnL float64
		want                Recommendation
	}{
		{70, 1.5, RecommendPositive},
		{70, -0.5, RecommendNeutral},
		{55, 1.0, RecommendNeutral},
		{35, 1.0, RecommendNegative},
		{45, -1.0, RecommendNegative},
		{45, 1.0, RecommendNeutral},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, recommend(tc.successRate, tc.avgPnL),
			"success=%.0f pnl=%.1f", tc.successRate, tc.avgPnL)
	}
}

func TestPatternInsightsAggregates(t *testing.T) {
	svc, _ := newTestService(t)

	// 25 trades on XYZUSDT/macd: 7 wins, 18 losses, negative average.
	for i := 0; i < 25; i++ {
		outcome, pnl := OutcomeFailure, -2.0
		if i < 7 {
			outcome, pnl = OutcomeSuccess, 1.0
		}
		trade := closingTrade(1, 0, 0.6)
		trade.ID = fmt.Sprintf("t%d", i)
		trade.Symbol = "XYZUSDT"
		trade.Strategy = "macd"
		svc.LearnFromTrade(trade, outcome, pnl, nil)
	}

	insight := svc.PatternInsights("XYZUSDT", "macd", time.Time{})
	assert.Equal(t, 25, insight.TotalTrades)
	assert.InDelta(t, 28.0, insight.SuccessRate, 0.1)
	assert.Less(t, insight.AvgPnL, 0.0)
	assert.Equal(t, RecommendNegative, insight.Recommendation)
}

func TestPatternInsightsEmptyWithoutHistory(t *testing.T) {
	svc, _ := newTestService(t)
	insight := svc.PatternInsights("NOPEUSDT", "rsi", time.Time{})
	assert.Zero(t, insight.TotalTrades)
	assert.Equal(t, RecommendNeutral, insight.Recommendation)
}

func TestCompactRemovesExpired(t *testing.T) {
	svc, st := newTestService(t)

	require.NoError(t, st.Memory().Insert(&store.MemoryRecord{
		ID: "old", Agent: "b1", Type: store.MemoryAnalysis,
		Content:   map[string]any{},
		CreatedAt: time.Now().Add(-120 * 24 * time.Hour),
	}))
	svc.Store("b1", store.MemoryAnalysis, map[string]any{}, nil)

	svc.Compact()
	records := svc.Retrieve("b1", store.MemoryAnalysis, time.Time{}, 10)
	assert.Len(t, records, 1)
}
