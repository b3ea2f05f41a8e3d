package strategy

import (
	"fmt"
	"math"

	"github.com/cinar/indicator"

	"coinpilot/market"
)

// analyzeMACrossover signals on the fast SMA crossing the slow SMA.
// Confidence scales with the normalized gap between the averages.
func analyzeMACrossover(window []market.Kline, params Params) *Analysis {
	fast := int(params.Get("fast", 20))
	slow := int(params.Get("slow", 50))
	if fast >= slow {
		fast, slow = 20, 50
	}

	prices := closes(window)
	fastSMA := indicator.Sma(fast, prices)
	slowSMA := indicator.Sma(slow, prices)

	n := len(prices)
	curFast, prevFast := fastSMA[n-1], fastSMA[n-2]
	curSlow, prevSlow := slowSMA[n-1], slowSMA[n-2]

	gap := math.Abs(curFast-curSlow) / curSlow
	confidence := clamp01(0.55 + gap*40)
	if confidence > 0.95 {
		confidence = 0.95
	}

	indicators := map[string]float64{
		"sma_fast": curFast,
		"sma_slow": curSlow,
		"price":    prices[n-1],
	}

	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("SMA%d crossed above SMA%d", fast, slow),
			Indicators: indicators,
		}
	case prevFast >= prevSlow && curFast < curSlow:
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("SMA%d crossed below SMA%d", fast, slow),
			Indicators: indicators,
		}
	}
	return hold("no crossover", indicators)
}
