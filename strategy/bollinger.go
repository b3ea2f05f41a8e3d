package strategy

import (
	"fmt"

	"github.com/cinar/indicator"

	"coinpilot/market"
)

// analyzeBollinger signals on bounces off the SMA(20)±2σ bands: BUY when
// price re-enters from below the lower band, SELL when it re-enters from
// above the upper. An overshoot beyond the band on the previous close
// raises confidence to 0.8.
func analyzeBollinger(window []market.Kline, params Params) *Analysis {
	prices := closes(window)
	_, upper, lower := indicator.BollingerBands(prices)

	n := len(prices)
	cur, prev := prices[n-1], prices[n-2]
	curLower, prevLower := lower[n-1], lower[n-2]
	curUpper, prevUpper := upper[n-1], upper[n-2]

	indicators := map[string]float64{
		"bb_upper": curUpper,
		"bb_lower": curLower,
		"price":    cur,
	}

	switch {
	case prev <= prevLower && cur > curLower:
		confidence := 0.65
		if prev < prevLower*(1-overshootPct(params)) {
			confidence = 0.8
		}
		return &Analysis{
			Signal:     SignalBuy,
			Confidence: confidence,
			Reason:     fmt.Sprintf("bounce off lower band %.4f", curLower),
			Indicators: indicators,
		}
	case prev >= prevUpper && cur < curUpper:
		confidence := 0.65
		if prev > prevUpper*(1+overshootPct(params)) {
			confidence = 0.8
		}
		return &Analysis{
			Signal:     SignalSell,
			Confidence: confidence,
			Reason:     fmt.Sprintf("rejection off upper band %.4f", curUpper),
			Indicators: indicators,
		}
	}
	return hold("price inside bands", indicators)
}

func overshootPct(params Params) float64 {
	return params.Get("overshoot_pct", 0.5) / 100
}
