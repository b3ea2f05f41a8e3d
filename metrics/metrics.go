package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom prometheus registry for coinpilot metrics.
var Registry = prometheus.NewRegistry()

var (
	// ============================================
	// Fleet
	// ============================================

	// BotsByState tracks the number of bots per lifecycle state.
	BotsByState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coinpilot",
			Subsystem: "bot",
			Name:      "count",
			Help:      "Number of bots by state",
		},
		[]string{"state"},
	)

	// OpenPositions tracks currently open positions across the fleet.
	OpenPositions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coinpilot",
			Subsystem: "bot",
			Name:      "open_positions",
			Help:      "Open positions across all bots",
		},
	)

	// TickErrors counts tick-level transient failures per bot.
	TickErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpilot",
			Subsystem: "bot",
			Name:      "tick_errors_total",
			Help:      "Transient tick failures",
		},
		[]string{"bot_id"},
	)

	// ============================================
	// Trades
	// ============================================

	// TradesTotal counts executed trades by side and exit reason.
	TradesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpilot",
			Subsystem: "trade",
			Name:      "total",
			Help:      "Executed trades",
		},
		[]string{"side", "exit_reason"},
	)

	// RealizedPnL tracks cumulative realized PnL in quote currency per bot.
	RealizedPnL = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coinpilot",
			Subsystem: "trade",
			Name:      "realized_pnl",
			Help:      "Cumulative realized PnL in quote currency",
		},
		[]string{"bot_id", "symbol"},
	)

	// ============================================
	// Controller
	// ============================================

	// ControllerCycles counts autonomous controller cycles by outcome.
	ControllerCycles = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpilot",
			Subsystem: "controller",
			Name:      "cycles_total",
			Help:      "Controller cycles by outcome",
		},
		[]string{"outcome"}, // "completed", "skipped", "overlapped"
	)

	// ControllerSpawns counts bots spawned by the controller.
	ControllerSpawns = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "coinpilot",
			Subsystem: "controller",
			Name:      "spawns_total",
			Help:      "Autonomous bots spawned",
		},
	)

	// ControllerReaps counts bots reaped by the controller.
	ControllerReaps = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "coinpilot",
			Subsystem: "controller",
			Name:      "reaps_total",
			Help:      "Autonomous bots reaped",
		},
	)

	// ControllerCycleSeconds observes cycle wall time.
	ControllerCycleSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "coinpilot",
			Subsystem: "controller",
			Name:      "cycle_seconds",
			Help:      "Controller cycle duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	// ============================================
	// Infrastructure
	// ============================================

	// EventsDropped counts events dropped on slow subscribers per topic.
	EventsDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coinpilot",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped for lagging subscribers",
		},
		[]string{"topic"},
	)

	// StorageWriteDrops counts best-effort writes lost to storage outage.
	StorageWriteDrops = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: "coinpilot",
			Subsystem: "storage",
			Name:      "write_drops_total",
			Help:      "Best-effort writes dropped on storage failure",
		},
	)
)
