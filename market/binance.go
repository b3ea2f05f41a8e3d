package market

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"coinpilot/logger"
)

const (
	maxKlineLimit = 1000
	priceCacheTTL = 3 * time.Second

	// staleRunLength is how many identical consecutive closes mark a
	// symbol's feed as frozen (teacher-style DOGEUSDT freeze guard).
	staleRunLength = 8
)

type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

type symbolFilter struct {
	stepSize decimal.Decimal
	minQty   decimal.Decimal
}

// BinanceExchange implements Exchange over the Binance REST API.
// Spot and margin are served directly; futures is rejected with
// ErrModeUnsupported when the venue (e.g. spot testnet) cannot serve it.
type BinanceExchange struct {
	client *binance.Client

	mu      sync.RWMutex
	prices  map[string]cachedPrice
	filters map[string]symbolFilter

	futuresEnabled bool
}

// NewBinanceExchange creates the adapter. testnet switches the whole
// client to the sandbox venue, where margin and futures are unavailable.
func NewBinanceExchange(apiKey, apiSecret string, testnet bool) *BinanceExchange {
	binance.UseTestnet = testnet
	return &BinanceExchange{
		client:         binance.NewClient(apiKey, apiSecret),
		prices:         make(map[string]cachedPrice),
		filters:        make(map[string]symbolFilter),
		futuresEnabled: !testnet,
	}
}

// GetPrice returns the latest trade price, served from a short-lived
// cache to absorb repeated controller reads.
func (b *BinanceExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	b.mu.RLock()
	if c, ok := b.prices[symbol]; ok && time.Since(c.fetchedAt) < priceCacheTTL {
		b.mu.RUnlock()
		return c.price, nil
	}
	b.mu.RUnlock()

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classifyErr(err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrSymbolUnsupported, symbol)
	}
	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price for %s: %w", symbol, err)
	}

	b.mu.Lock()
	b.prices[symbol] = cachedPrice{price: price, fetchedAt: time.Now()}
	b.mu.Unlock()
	return price, nil
}

// GetKlines returns up to limit candles ascending by open time. The last
// candle may still be in progress.
func (b *BinanceExchange) GetKlines(ctx context.Context, symbol, timeframe string, limit int) ([]Kline, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	raw, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		parsed, err := convertKline(k)
		if err != nil {
			return nil, fmt.Errorf("parse kline for %s: %w", symbol, err)
		}
		klines = append(klines, parsed)
	}
	if isStale(klines) {
		logger.Warnf("%s %s feed frozen for %d candles, rejecting as stale", symbol, timeframe, staleRunLength)
		return nil, fmt.Errorf("%w: %s %s", ErrStaleData, symbol, timeframe)
	}
	return klines, nil
}

// GetBalance returns the free balance of an asset in the account that
// backs the given trading mode.
func (b *BinanceExchange) GetBalance(ctx context.Context, asset string, mode TradingMode) (float64, error) {
	switch mode {
	case ModeSpot:
		account, err := b.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return 0, classifyErr(err)
		}
		for _, bal := range account.Balances {
			if bal.Asset == asset {
				free, _ := strconv.ParseFloat(bal.Free, 64)
				return free, nil
			}
		}
		return 0, nil
	case ModeMargin:
		account, err := b.client.NewGetMarginAccountService().Do(ctx)
		if err != nil {
			return 0, classifyErr(err)
		}
		for _, ua := range account.UserAssets {
			if ua.Asset == asset {
				free, _ := strconv.ParseFloat(ua.Free, 64)
				return free, nil
			}
		}
		return 0, nil
	case ModeFutures:
		if !b.futuresEnabled {
			return 0, fmt.Errorf("%w: FUTURES on testnet", ErrModeUnsupported)
		}
		// Futures margin balances live on the same USDT-M wallet as the
		// margin account for this deployment profile.
		return b.GetBalance(ctx, asset, ModeMargin)
	}
	return 0, fmt.Errorf("%w: %s", ErrModeUnsupported, mode)
}

// PlaceMarketOrder submits a market order. The quantity is quantized to
// the symbol's lot step before submission; fills come back with exact
// decimal arithmetic so persisted records carry no binary-float drift.
// Orders are never retried here.
func (b *BinanceExchange) PlaceMarketOrder(ctx context.Context, symbol string, side Side, quantity float64, mode TradingMode) (*OrderResult, error) {
	if mode == ModeFutures && !b.futuresEnabled {
		return nil, fmt.Errorf("%w: FUTURES on testnet", ErrModeUnsupported)
	}
	qty, err := b.quantize(ctx, symbol, quantity)
	if err != nil {
		return nil, err
	}

	var resp *binance.CreateOrderResponse
	switch mode {
	case ModeSpot:
		resp, err = b.client.NewCreateOrderService().
			Symbol(symbol).
			Side(binance.SideType(side)).
			Type(binance.OrderTypeMarket).
			Quantity(qty).
			Do(ctx)
	case ModeMargin, ModeFutures:
		resp, err = b.client.NewCreateMarginOrderService().
			Symbol(symbol).
			Side(binance.SideType(side)).
			Type(binance.OrderTypeMarket).
			Quantity(qty).
			SideEffectType(binance.SideEffectTypeMarginBuy).
			Do(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrModeUnsupported, mode)
	}
	if err != nil {
		return nil, classifyErr(err)
	}

	result := &OrderResult{
		OrderID:    strconv.FormatInt(resp.OrderID, 10),
		Symbol:     symbol,
		Side:       side,
		ExecutedAt: time.UnixMilli(resp.TransactTime),
	}
	for _, f := range resp.Fills {
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			return nil, fmt.Errorf("parse fill price: %w", err)
		}
		fqty, err := decimal.NewFromString(f.Quantity)
		if err != nil {
			return nil, fmt.Errorf("parse fill quantity: %w", err)
		}
		commission, _ := decimal.NewFromString(f.Commission)
		result.Fills = append(result.Fills, Fill{
			Quantity:        fqty.InexactFloat64(),
			QuoteQuantity:   price.Mul(fqty).InexactFloat64(),
			Price:           price.InexactFloat64(),
			Commission:      commission.InexactFloat64(),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return result, nil
}

// Get24hStats returns the rolling 24 hour ticker.
func (b *BinanceExchange) Get24hStats(ctx context.Context, symbol string) (*Stats24h, error) {
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}
	if len(stats) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymbolUnsupported, symbol)
	}
	s := stats[0]
	quoteVol, _ := strconv.ParseFloat(s.QuoteVolume, 64)
	changePct, _ := strconv.ParseFloat(s.PriceChangePercent, 64)
	high, _ := strconv.ParseFloat(s.HighPrice, 64)
	low, _ := strconv.ParseFloat(s.LowPrice, 64)
	last, _ := strconv.ParseFloat(s.LastPrice, 64)
	return &Stats24h{
		Symbol:         s.Symbol,
		QuoteVolume:    quoteVol,
		PriceChangePct: changePct,
		HighPrice:      high,
		LowPrice:       low,
		LastPrice:      last,
	}, nil
}

// ListTradableSymbols returns all symbols currently trading against the
// given quote asset. The call also refreshes the lot-size filter cache.
func (b *BinanceExchange) ListTradableSymbols(ctx context.Context, quote string) ([]string, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, classifyErr(err)
	}

	var symbols []string
	b.mu.Lock()
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.QuoteAsset != quote {
			continue
		}
		symbols = append(symbols, s.Symbol)
		if lot := s.LotSizeFilter(); lot != nil {
			step, err1 := decimal.NewFromString(lot.StepSize)
			minQty, err2 := decimal.NewFromString(lot.MinQuantity)
			if err1 == nil && err2 == nil {
				b.filters[s.Symbol] = symbolFilter{stepSize: step, minQty: minQty}
			}
		}
	}
	b.mu.Unlock()
	return symbols, nil
}

// quantize snaps quantity down to the symbol's lot step. Symbols never
// seen through ListTradableSymbols fall back to the raw quantity string.
func (b *BinanceExchange) quantize(ctx context.Context, symbol string, quantity float64) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("quantity must be positive, got %v", quantity)
	}
	qty := decimal.NewFromFloat(quantity)

	b.mu.RLock()
	filter, ok := b.filters[symbol]
	b.mu.RUnlock()
	if !ok {
		if _, err := b.ListTradableSymbols(ctx, "USDT"); err == nil {
			b.mu.RLock()
			filter, ok = b.filters[symbol]
			b.mu.RUnlock()
		}
	}
	if ok && filter.stepSize.IsPositive() {
		qty = qty.Div(filter.stepSize).Floor().Mul(filter.stepSize)
		if qty.LessThan(filter.minQty) {
			return "", fmt.Errorf("%w: quantity %s below lot minimum %s for %s",
				ErrInsufficientBalance, qty, filter.minQty, symbol)
		}
	}
	return qty.String(), nil
}

func convertKline(k *binance.Kline) (Kline, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return Kline{}, err
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return Kline{}, err
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return Kline{}, err
	}
	closePrice, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return Kline{}, err
	}
	volume, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return Kline{}, err
	}
	quoteVol, _ := strconv.ParseFloat(k.QuoteAssetVolume, 64)
	return Kline{
		OpenTime:    k.OpenTime,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePrice,
		Volume:      volume,
		CloseTime:   k.CloseTime,
		QuoteVolume: quoteVol,
	}, nil
}

// isStale reports whether the last staleRunLength closed candles all
// carry the same close and a zero high-low range. A frozen feed must
// not reach the strategies.
func isStale(klines []Kline) bool {
	if len(klines) < staleRunLength+1 {
		return false
	}
	// Ignore the in-progress last candle.
	closed := klines[:len(klines)-1]
	last := closed[len(closed)-1]
	for i := len(closed) - staleRunLength; i < len(closed); i++ {
		if closed[i].Close != last.Close || closed[i].High != closed[i].Low {
			return false
		}
	}
	return true
}
