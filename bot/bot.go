package bot

import (
	"errors"
	"sync"
	"time"

	"coinpilot/events"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tracker"
)

// State of a bot's lifecycle. Errored is absorbing.
type State string

const (
	StateIdle     State = "Idle"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateStopped  State = "Stopped"
	StateErrored  State = "Errored"
)

// Direction of an open position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// ErrInvariant marks an internal contract violation. It halts the
// affected bot but never the process.
var ErrInvariant = errors.New("bot invariant violation")

// Position is the single open position a bot may hold.
type Position struct {
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	EntryAt       time.Time `json:"entry_timestamp"`
	DecisionPrice float64   `json:"decision_price"`
	HighestPrice  float64   `json:"highest_price"`
	LowestPrice   float64   `json:"lowest_price"`
	BuyTradeID    string    `json:"buy_trade_id"`
	TPArmed       bool      `json:"tp_armed"`
}

// UnrealizedPct is the open PnL in percent at mark, net of the
// round-trip fee estimate.
func (p *Position) UnrealizedPct(mark, feeRate float64) float64 {
	var gross float64
	if p.Direction == Long {
		gross = (mark - p.EntryPrice) / p.EntryPrice
	} else {
		gross = (p.EntryPrice - mark) / p.EntryPrice
	}
	return gross*100 - 2*feeRate*100
}

// observe folds a new mark into the trailing-stop accumulators.
func (p *Position) observe(mark float64) {
	if mark > p.HighestPrice {
		p.HighestPrice = mark
	}
	if mark < p.LowestPrice || p.LowestPrice == 0 {
		p.LowestPrice = mark
	}
}

// bestExcursion is the most favorable mark seen since entry.
func (p *Position) bestExcursion() float64 {
	if p.Direction == Long {
		return p.HighestPrice
	}
	return p.LowestPrice
}

// RiskParams are the mandatory per-bot risk rules, in percent.
type RiskParams struct {
	StopLossPct float64 // negative, e.g. -5
	TPMinPct    float64 // e.g. 2
	TPTrailPct  float64 // e.g. 3
	FeeRate     float64 // per side, e.g. 0.001
}

// Config describes one bot.
type Config struct {
	ID              string
	Symbol          string
	Strategy        string
	Timeframe       string
	Mode            market.TradingMode
	AllocatedAmount float64
	Autonomous      bool
	CreatedBy       string
	Params          strategy.Params
	Risk            RiskParams
}

// deps are the collaborators a bot engine drives.
type deps struct {
	exchange   market.Exchange
	strategies *strategy.Registry
	tracker    *tracker.Tracker
	trades     *store.TradeStore
	bots       *store.BotStore
	memory     *memory.Service
	bus        *events.Bus
}

// Bot is one strategy-driven trading bot. All mutable state sits behind
// mu; the tick loop is the only writer while running.
type Bot struct {
	cfg       Config
	createdAt time.Time
	d         deps

	mu        sync.Mutex
	state     State
	position  *Position
	lastError string
	backoff   time.Duration

	stopCh chan struct{}
	done   chan struct{}
}

// Status is a point-in-time snapshot of a bot for listings and events.
type Status struct {
	ID              string             `json:"bot_id"`
	Symbol          string             `json:"symbol"`
	Strategy        string             `json:"strategy_name"`
	Timeframe       string             `json:"timeframe"`
	TradingMode     market.TradingMode `json:"trading_mode"`
	AllocatedAmount float64            `json:"allocated_amount"`
	Autonomous      bool               `json:"autonomous"`
	CreatedBy       string             `json:"created_by"`
	CreatedAt       time.Time          `json:"created_at"`
	State           State              `json:"state"`
	Position        *Position          `json:"position,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
}

// Status snapshots the bot.
func (b *Bot) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	var pos *Position
	if b.position != nil {
		copied := *b.position
		pos = &copied
	}
	return Status{
		ID:              b.cfg.ID,
		Symbol:          b.cfg.Symbol,
		Strategy:        b.cfg.Strategy,
		Timeframe:       b.cfg.Timeframe,
		TradingMode:     b.cfg.Mode,
		AllocatedAmount: b.cfg.AllocatedAmount,
		Autonomous:      b.cfg.Autonomous,
		CreatedBy:       b.cfg.CreatedBy,
		CreatedAt:       b.createdAt,
		State:           b.state,
		Position:        pos,
		LastError:       b.lastError,
	}
}

// State returns the current lifecycle state.
func (b *Bot) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ID returns the bot identifier.
func (b *Bot) ID() string { return b.cfg.ID }

// Autonomous reports controller ownership.
func (b *Bot) Autonomous() bool { return b.cfg.Autonomous }

// Age is the time since creation, used by the controller's reaper.
func (b *Bot) Age() time.Duration { return time.Since(b.createdAt) }

func (b *Bot) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()

	if err := b.d.bots.UpdateState(b.cfg.ID, string(s)); err != nil {
		// State persistence is advisory; the in-memory state rules.
		b.d.bus.Publish(events.TopicBotState, map[string]any{
			"bot_id": b.cfg.ID, "state": string(s), "persist_error": err.Error(),
		})
		return
	}
	b.d.bus.Publish(events.TopicBotState, map[string]any{
		"bot_id": b.cfg.ID, "symbol": b.cfg.Symbol, "state": string(s),
	})
}
