package strategy

import (
	"fmt"

	"github.com/cinar/indicator"

	"coinpilot/market"
)

// analyzeRSI signals on RSI(14) leaving the oversold/overbought bands.
// A cross out of deep oversold (<25) or deep overbought (>75) boosts
// confidence to 0.85.
func analyzeRSI(window []market.Kline, params Params) *Analysis {
	oversold := params.Get("oversold", 30)
	overbought := params.Get("overbought", 70)
	deepOversold := params.Get("deep_oversold", 25)
	deepOverbought := params.Get("deep_overbought", 75)

	prices := closes(window)
	_, rsi := indicator.Rsi(prices)

	n := len(rsi)
	cur, prev := rsi[n-1], rsi[n-2]

	indicators := map[string]float64{
		"rsi":   cur,
		"price": prices[n-1],
	}

	switch {
	case prev < oversold && cur >= oversold:
		confidence := 0.7
		if prev < deepOversold {
			confidence = 0.85
		}
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("RSI crossed above %.0f from %.1f", oversold, prev),
			Indicators: indicators,
		}
	case prev > overbought && cur <= overbought:
		confidence := 0.7
		if prev > deepOverbought {
			confidence = 0.85
		}
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("RSI crossed below %.0f from %.1f", overbought, prev),
			Indicators: indicators,
		}
	}
	return hold(fmt.Sprintf("RSI %.1f in neutral band", cur), indicators)
}
