package store

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"time"
)

// Exit reasons for closing trades.
const (
	ExitSignal     = "SIGNAL"
	ExitStopLoss   = "STOP_LOSS"
	ExitTakeProfit = "TAKE_PROFIT"
	ExitManual     = "MANUAL"
)

// Trade is an append-only record of one fill group. Immutable once
// written.
type Trade struct {
	ID                    string             `json:"trade_id"`
	BotID                 string             `json:"bot_id"`
	Symbol                string             `json:"symbol"`
	Side                  string             `json:"side"`
	Quantity              float64            `json:"quantity"`
	DecisionPrice         float64            `json:"decision_price"`
	ExecutionPrice        float64            `json:"execution_price"`
	DecisionAt            time.Time          `json:"decision_timestamp"`
	ExecutionAt           time.Time          `json:"execution_timestamp"`
	ExecutionDelaySeconds float64            `json:"execution_delay_seconds"`
	PriceSlippagePercent  float64            `json:"price_slippage_percent"`
	RealizedPnL           *float64           `json:"realized_pnl,omitempty"`
	ExitReason            *string            `json:"exit_reason,omitempty"`
	Strategy              string             `json:"strategy"`
	Confidence            float64            `json:"confidence"`
	Indicators            map[string]float64 `json:"indicators,omitempty"`
}

type TradeStore struct {
	db *sql.DB
}

func (s *TradeStore) initTables() error {
	// Prices and quantities persist as decimal strings: the exact float
	// round-trips through strconv without binary drift.
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			bot_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			decision_price TEXT NOT NULL,
			execution_price TEXT NOT NULL,
			decision_ts INTEGER NOT NULL,
			execution_ts INTEGER NOT NULL,
			execution_delay_seconds REAL NOT NULL,
			price_slippage_percent REAL NOT NULL,
			realized_pnl REAL,
			exit_reason TEXT,
			strategy TEXT NOT NULL DEFAULT '',
			confidence REAL NOT NULL DEFAULT 0,
			indicators TEXT NOT NULL DEFAULT '{}'
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_bot_id ON trades(bot_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_execution_ts ON trades(execution_ts)`)
	return nil
}

func (s *TradeStore) Insert(t *Trade) error {
	indicators, err := json.Marshal(t.Indicators)
	if err != nil {
		indicators = []byte("{}")
	}
	_, err = s.db.Exec(`
		INSERT INTO trades (id, bot_id, symbol, side, quantity, decision_price, execution_price,
			decision_ts, execution_ts, execution_delay_seconds, price_slippage_percent,
			realized_pnl, exit_reason, strategy, confidence, indicators)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.BotID, t.Symbol, t.Side,
		formatFloat(t.Quantity), formatFloat(t.DecisionPrice), formatFloat(t.ExecutionPrice),
		t.DecisionAt.UnixMilli(), t.ExecutionAt.UnixMilli(),
		t.ExecutionDelaySeconds, t.PriceSlippagePercent,
		t.RealizedPnL, t.ExitReason, t.Strategy, t.Confidence, string(indicators))
	return err
}

// ListFilter narrows List. Zero values mean "no filter".
type ListFilter struct {
	BotID      string
	ExitReason string
	Limit      int
}

func (s *TradeStore) List(f ListFilter) ([]*Trade, error) {
	query := `
		SELECT id, bot_id, symbol, side, quantity, decision_price, execution_price,
			decision_ts, execution_ts, execution_delay_seconds, price_slippage_percent,
			realized_pnl, exit_reason, strategy, confidence, indicators
		FROM trades WHERE 1=1`
	var args []any
	if f.BotID != "" {
		query += ` AND bot_id = ?`
		args = append(args, f.BotID)
	}
	if f.ExitReason != "" {
		query += ` AND exit_reason = ?`
		args = append(args, f.ExitReason)
	}
	query += ` ORDER BY execution_ts DESC, rowid DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *TradeStore) Get(id string) (*Trade, error) {
	row := s.db.QueryRow(`
		SELECT id, bot_id, symbol, side, quantity, decision_price, execution_price,
			decision_ts, execution_ts, execution_delay_seconds, price_slippage_percent,
			realized_pnl, exit_reason, strategy, confidence, indicators
		FROM trades WHERE id = ?
	`, id)
	return scanTrade(row)
}

func scanTrade(row rowScanner) (*Trade, error) {
	var t Trade
	var quantity, decisionPrice, executionPrice, indicators string
	var decisionTS, executionTS int64
	var realizedPnL sql.NullFloat64
	var exitReason sql.NullString
	err := row.Scan(&t.ID, &t.BotID, &t.Symbol, &t.Side, &quantity, &decisionPrice, &executionPrice,
		&decisionTS, &executionTS, &t.ExecutionDelaySeconds, &t.PriceSlippagePercent,
		&realizedPnL, &exitReason, &t.Strategy, &t.Confidence, &indicators)
	if err != nil {
		return nil, err
	}
	t.Quantity, _ = strconv.ParseFloat(quantity, 64)
	t.DecisionPrice, _ = strconv.ParseFloat(decisionPrice, 64)
	t.ExecutionPrice, _ = strconv.ParseFloat(executionPrice, 64)
	t.DecisionAt = time.UnixMilli(decisionTS).UTC()
	t.ExecutionAt = time.UnixMilli(executionTS).UTC()
	if realizedPnL.Valid {
		v := realizedPnL.Float64
		t.RealizedPnL = &v
	}
	if exitReason.Valid {
		v := exitReason.String
		t.ExitReason = &v
	}
	_ = json.Unmarshal([]byte(indicators), &t.Indicators)
	return &t, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
