package market

import (
	"context"
	"fmt"
	"time"
)

// TradingMode selects the venue account a bot trades against.
type TradingMode string

const (
	ModeSpot    TradingMode = "SPOT"
	ModeMargin  TradingMode = "MARGIN"
	ModeFutures TradingMode = "FUTURES"
)

// CanShort reports whether the mode permits opening short positions.
func (m TradingMode) CanShort() bool { return m == ModeMargin || m == ModeFutures }

// Valid reports whether m is a recognized trading mode.
func (m TradingMode) Valid() bool {
	return m == ModeSpot || m == ModeMargin || m == ModeFutures
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Kline is one OHLCV candle. OpenTime/CloseTime are Unix milliseconds.
type Kline struct {
	OpenTime    int64   `json:"open_time"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	CloseTime   int64   `json:"close_time"`
	QuoteVolume float64 `json:"quote_volume"`
}

// Fill is a single execution inside a market order.
type Fill struct {
	Quantity      float64 `json:"quantity"`
	QuoteQuantity float64 `json:"quote_quantity"`
	Price         float64 `json:"price"`
	Commission    float64 `json:"commission"`
	CommissionAsset string `json:"commission_asset,omitempty"`
}

// OrderResult is the normalized acknowledgement of a market order.
type OrderResult struct {
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Fills      []Fill    `json:"fills"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Stats24h is the rolling 24 hour ticker for a symbol.
type Stats24h struct {
	Symbol         string  `json:"symbol"`
	QuoteVolume    float64 `json:"quote_volume"`
	PriceChangePct float64 `json:"price_change_pct"`
	HighPrice      float64 `json:"high_price"`
	LowPrice       float64 `json:"low_price"`
	LastPrice      float64 `json:"last_price"`
}

// Exchange is the normalized market-data and order-placement surface.
// Implementations are safe for concurrent use. Reads are idempotent;
// writes are never retried internally.
type Exchange interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error)
	GetBalance(ctx context.Context, asset string, mode TradingMode) (float64, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, mode TradingMode) (*OrderResult, error)
	Get24hStats(ctx context.Context, symbol string) (*Stats24h, error)
	ListTradableSymbols(ctx context.Context, quote string) ([]string, error)
}

// TimeframeDuration converts a venue timeframe identifier ("5m", "1h",
// "4h", "1d") to a duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var n int
	if _, err := fmt.Sscanf(tf[:len(tf)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	switch tf[len(tf)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid timeframe %q", tf)
}
