package strategy

import (
	"fmt"

	"github.com/cinar/indicator"

	"coinpilot/market"
)

// analyzeGrid trades a static grid around an SMA(20) reference: BUY when
// price touches a level below the reference, SELL at a level above.
// Deeper levels carry more confidence.
func analyzeGrid(window []market.Kline, params Params) *Analysis {
	spacing := params.Get("spacing_pct", 1.0) / 100
	levels := int(params.Get("levels", 3))
	if levels < 1 {
		levels = 3
	}

	prices := closes(window)
	ref := indicator.Sma(20, prices)[len(prices)-1]
	price := prices[len(prices)-1]

	indicators := map[string]float64{
		"grid_reference": ref,
		"grid_spacing":   spacing * 100,
		"price":          price,
	}

	// Walk outermost-in so the deepest touched level wins.
	for i := levels; i >= 1; i-- {
		lower := ref * (1 - float64(i)*spacing)
		upper := ref * (1 + float64(i)*spacing)
		if price <= lower {
			indicators["grid_level"] = -float64(i)
			return &Analysis{
				Signal:     SignalBuy,
				Confidence: clamp01(0.6 + 0.05*float64(i)),
				Reason:     fmt.Sprintf("price %.4f at grid level -%d (%.4f)", price, i, lower),
				Indicators: indicators,
			}
		}
		if price >= upper {
			indicators["grid_level"] = float64(i)
			return &Analysis{
				Signal:     SignalSell,
				Confidence: clamp01(0.6 + 0.05*float64(i)),
				Reason:     fmt.Sprintf("price %.4f at grid level +%d (%.4f)", price, i, upper),
				Indicators: indicators,
			}
		}
	}
	return hold("price between grid levels", indicators)
}
