package bot

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinpilot/events"
	"coinpilot/logger"
	"coinpilot/market"
	"coinpilot/memory"
	"coinpilot/metrics"
	"coinpilot/store"
	"coinpilot/strategy"
	"coinpilot/tracker"
)

// stopDeadline bounds the wait for a bot's current tick on Stop.
const stopDeadline = 30 * time.Second

// Manager owns the bot registry and lifecycles. Reads snapshot via
// copy; the registry lock never spans exchange I/O.
type Manager struct {
	exchange   market.Exchange
	strategies *strategy.Registry
	tracker    *tracker.Tracker
	st         *store.Store
	mem        *memory.Service
	bus        *events.Bus
	risk       RiskParams

	mu   sync.RWMutex
	bots map[string]*Bot
}

func NewManager(exchange market.Exchange, strategies *strategy.Registry, tr *tracker.Tracker,
	st *store.Store, mem *memory.Service, bus *events.Bus, risk RiskParams) *Manager {
	return &Manager{
		exchange:   exchange,
		strategies: strategies,
		tracker:    tr,
		st:         st,
		mem:        mem,
		bus:        bus,
		risk:       risk,
		bots:       make(map[string]*Bot),
	}
}

// Create registers a new bot in Idle state and persists it.
func (m *Manager) Create(cfg Config) (*Bot, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("invalid trading mode %q", cfg.Mode)
	}
	if cfg.AllocatedAmount <= 0 {
		return nil, fmt.Errorf("allocated amount must be positive, got %.2f", cfg.AllocatedAmount)
	}
	if _, err := m.strategies.Get(cfg.Strategy); err != nil {
		return nil, err
	}
	if _, err := market.TimeframeDuration(cfg.Timeframe); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Risk == (RiskParams{}) {
		cfg.Risk = m.risk
	}

	b := &Bot{
		cfg:       cfg,
		createdAt: time.Now().UTC(),
		state:     StateIdle,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		d: deps{
			exchange:   m.exchange,
			strategies: m.strategies,
			tracker:    m.tracker,
			trades:     m.st.Trades(),
			bots:       m.st.Bots(),
			memory:     m.mem,
			bus:        m.bus,
		},
	}

	record := &store.BotRecord{
		ID:              cfg.ID,
		Symbol:          cfg.Symbol,
		Strategy:        cfg.Strategy,
		Timeframe:       cfg.Timeframe,
		TradingMode:     string(cfg.Mode),
		AllocatedAmount: cfg.AllocatedAmount,
		Autonomous:      cfg.Autonomous,
		CreatedBy:       cfg.CreatedBy,
		CreatedAt:       b.createdAt,
		State:           string(StateIdle),
	}
	if err := m.st.Bots().Create(record); err != nil {
		return nil, fmt.Errorf("persist bot: %w", err)
	}

	m.mu.Lock()
	m.bots[cfg.ID] = b
	m.mu.Unlock()

	m.bus.Publish(events.TopicBotState, map[string]any{
		"bot_id": cfg.ID, "symbol": cfg.Symbol, "state": string(StateIdle),
		"created_by": cfg.CreatedBy,
	})
	m.refreshGauges()
	return b, nil
}

// Start spawns the bot's tick loop. Create happens-before any tick.
func (m *Manager) Start(id string) error {
	b, err := m.Get(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	switch b.state {
	case StateIdle, StateStopped:
		// restartable
	case StateRunning, StateStopping:
		b.mu.Unlock()
		return fmt.Errorf("bot %s already running", id)
	case StateErrored:
		b.mu.Unlock()
		return fmt.Errorf("bot %s is halted: %s", id, b.lastError)
	}
	b.stopCh = make(chan struct{})
	b.done = make(chan struct{})
	b.mu.Unlock()

	// The transition is visible before Start returns so capacity
	// counters never undercount.
	b.setState(StateRunning)
	go b.Run()
	m.refreshGauges()
	return nil
}

// Stop signals the bot and waits for the current tick to finish,
// bounded by the kill deadline. After return, the bot observes
// state = Stopped; when the deadline passes first, the overrun is logged
// and the bot is marked Stopped without an error.
func (m *Manager) Stop(id string) error {
	b, err := m.Get(id)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.state == StateIdle {
		// No loop to signal yet.
		b.mu.Unlock()
		b.setState(StateStopped)
		m.refreshGauges()
		return nil
	}
	if b.state != StateRunning {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("bot %s not running (state %s)", id, state)
	}
	select {
	case <-b.stopCh:
	default:
		close(b.stopCh)
	}
	done := b.done
	b.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopDeadline):
		logger.Errorf("bot %s exceeded stop deadline", id)
		b.setState(StateStopped)
	}
	m.refreshGauges()
	return nil
}

// Get returns the live bot by id.
func (m *Manager) Get(id string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s not found", id)
	}
	return b, nil
}

// List returns a consistent snapshot of all bots, oldest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	bots := make([]*Bot, 0, len(m.bots))
	for _, b := range m.bots {
		bots = append(bots, b)
	}
	m.mu.RUnlock()

	statuses := make([]Status, 0, len(bots))
	for _, b := range bots {
		statuses = append(statuses, b.Status())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.Before(statuses[j].CreatedAt)
	})
	return statuses
}

// ListAutonomous snapshots only controller-owned bots.
func (m *Manager) ListAutonomous() []Status {
	var out []Status
	for _, s := range m.List() {
		if s.Autonomous {
			out = append(out, s)
		}
	}
	return out
}

// RunningAutonomousCount is the controller's concurrency gauge.
func (m *Manager) RunningAutonomousCount() int {
	n := 0
	for _, s := range m.List() {
		if s.Autonomous && s.State == StateRunning {
			n++
		}
	}
	return n
}

// SubscribeEvents exposes the bus to facade consumers.
func (m *Manager) SubscribeEvents() (<-chan events.Event, func()) {
	return m.bus.Subscribe()
}

// Recover reloads persisted bots after a restart. They come back
// Stopped and flat; the operator or controller restarts them.
func (m *Manager) Recover() error {
	records, err := m.st.Bots().List()
	if err != nil {
		return fmt.Errorf("recover bots: %w", err)
	}
	for _, r := range records {
		if State(r.State) == StateErrored {
			continue
		}
		m.mu.Lock()
		if _, exists := m.bots[r.ID]; exists {
			m.mu.Unlock()
			continue
		}
		b := &Bot{
			cfg: Config{
				ID:              r.ID,
				Symbol:          r.Symbol,
				Strategy:        r.Strategy,
				Timeframe:       r.Timeframe,
				Mode:            market.TradingMode(r.TradingMode),
				AllocatedAmount: r.AllocatedAmount,
				Autonomous:      r.Autonomous,
				CreatedBy:       r.CreatedBy,
				Risk:            m.risk,
			},
			createdAt: r.CreatedAt,
			state:     StateStopped,
			stopCh:    make(chan struct{}),
			done:      make(chan struct{}),
			d: deps{
				exchange:   m.exchange,
				strategies: m.strategies,
				tracker:    m.tracker,
				trades:     m.st.Trades(),
				bots:       m.st.Bots(),
				memory:     m.mem,
				bus:        m.bus,
			},
		}
		m.bots[r.ID] = b
		m.mu.Unlock()
		_ = m.st.Bots().UpdateState(r.ID, string(StateStopped))
	}
	logger.Infof("recovered %d persisted bots", len(records))
	m.refreshGauges()
	return nil
}

func (m *Manager) refreshGauges() {
	counts := map[State]int{}
	for _, s := range m.List() {
		counts[s.State]++
	}
	for _, state := range []State{StateIdle, StateRunning, StateStopping, StateStopped, StateErrored} {
		metrics.BotsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
