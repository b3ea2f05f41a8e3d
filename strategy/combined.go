package strategy

import (
	"fmt"

	"coinpilot/market"
)

// analyzeCombined votes ma_crossover, rsi and macd together. BUY or SELL
// requires at least two of the three to agree; confidence is
// 0.6 + 0.1 per agreeing strategy.
func analyzeCombined(window []market.Kline, params Params) *Analysis {
	votes := []*Analysis{
		analyzeMACrossover(window, params),
		analyzeRSI(window, params),
		analyzeMACD(window, params),
	}

	counts := map[Signal]int{}
	indicators := map[string]float64{}
	for i, v := range votes {
		counts[v.Signal]++
		for k, val := range v.Indicators {
			indicators[k] = val
		}
		indicators[fmt.Sprintf("vote_%d", i)] = voteValue(v.Signal)
	}

	for _, sig := range []Signal{SignalBuy, SignalSell} {
		if k := counts[sig]; k >= 2 {
			return &Analysis{
				Signal:     sig,
				Confidence: 0.6 + 0.1*float64(k),
				Reason:     fmt.Sprintf("%d/3 strategies agree on %s", k, sig),
				Indicators: indicators,
			}
		}
	}
	return hold("no 2/3 agreement", indicators)
}

func voteValue(s Signal) float64 {
	switch s {
	case SignalBuy:
		return 1
	case SignalSell:
		return -1
	}
	return 0
}
