package strategy

import (
	"math"

	"github.com/cinar/indicator"

	"coinpilot/market"
)

// analyzeMACD signals on the MACD line (EMA12−EMA26) crossing its EMA9
// signal line. Confidence grows with the histogram relative to price.
func analyzeMACD(window []market.Kline, params Params) *Analysis {
	prices := closes(window)
	macd, signal := indicator.Macd(prices)

	n := len(prices)
	curHist := macd[n-1] - signal[n-1]
	prevHist := macd[n-2] - signal[n-2]

	confidence := clamp01(0.6 + math.Abs(curHist)/prices[n-1]*200)
	if confidence > 0.9 {
		confidence = 0.9
	}

	indicators := map[string]float64{
		"macd":      macd[n-1],
		"signal":    signal[n-1],
		"histogram": curHist,
		"price":     prices[n-1],
	}

	switch {
	case prevHist <= 0 && curHist > 0:
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     "MACD crossed above signal line",
			Indicators: indicators,
		}
	case prevHist >= 0 && curHist < 0:
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     "MACD crossed below signal line",
			Indicators: indicators,
		}
	}
	return hold("no MACD crossover", indicators)
}
