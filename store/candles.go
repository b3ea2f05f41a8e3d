package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"coinpilot/market"
)

// Window phases.
const (
	PhasePreTrade    = "pre_trade"
	PhaseDuringTrade = "during_trade"
	PhasePostTrade   = "post_trade"

	PositionOpen   = "open"
	PositionClosed = "closed"
)

// WindowSize is the converged size of pre_trade and post_trade windows.
const WindowSize = 200

// CandleWindow is a phase-tagged OHLCV window around a trade.
type CandleWindow struct {
	BotID          string         `json:"bot_id"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	Phase          string         `json:"phase"`
	BuyTradeID     string         `json:"buy_trade_id,omitempty"`
	SellTradeID    string         `json:"sell_trade_id,omitempty"`
	Candles        []market.Kline `json:"candles"`
	Count          int            `json:"count"`
	PositionStatus string         `json:"position_status,omitempty"`
	StartTS        int64          `json:"start_ts"`
	EndTS          int64          `json:"end_ts"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Sealed reports whether the window is immutable: a closed during_trade
// window, or a pre/post window that reached WindowSize.
func (w *CandleWindow) Sealed() bool {
	switch w.Phase {
	case PhaseDuringTrade:
		return w.PositionStatus == PositionClosed
	default:
		return w.Count >= WindowSize
	}
}

type CandleStore struct {
	db *sql.DB
}

func (s *CandleStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bot_candles (
			bot_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			phase TEXT NOT NULL,
			buy_trade_id TEXT NOT NULL DEFAULT '',
			sell_trade_id TEXT NOT NULL DEFAULT '',
			candles TEXT NOT NULL DEFAULT '[]',
			count INTEGER NOT NULL DEFAULT 0,
			position_status TEXT NOT NULL DEFAULT '',
			start_ts INTEGER NOT NULL DEFAULT 0,
			end_ts INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(bot_id, phase, buy_trade_id, sell_trade_id)
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_bot_candles_bot ON bot_candles(bot_id, phase)`)
	return nil
}

// Upsert writes the whole window row. The write is atomic: a failed
// call leaves the previous row intact.
func (s *CandleStore) Upsert(w *CandleWindow) error {
	candles, err := json.Marshal(w.Candles)
	if err != nil {
		return fmt.Errorf("marshal candles: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO bot_candles (bot_id, symbol, timeframe, phase, buy_trade_id, sell_trade_id,
			candles, count, position_status, start_ts, end_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(bot_id, phase, buy_trade_id, sell_trade_id) DO UPDATE SET
			symbol = excluded.symbol,
			timeframe = excluded.timeframe,
			candles = excluded.candles,
			count = excluded.count,
			position_status = excluded.position_status,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			updated_at = CURRENT_TIMESTAMP
	`, w.BotID, w.Symbol, w.Timeframe, w.Phase, w.BuyTradeID, w.SellTradeID,
		string(candles), w.Count, w.PositionStatus, w.StartTS, w.EndTS)
	return err
}

// Seal closes the open during_trade window for a bot, attaching the
// closing trade id.
func (s *CandleStore) Seal(botID, buyTradeID, sellTradeID string, endTS int64) error {
	res, err := s.db.Exec(`
		UPDATE bot_candles
		SET sell_trade_id = ?, position_status = ?, end_ts = ?, updated_at = CURRENT_TIMESTAMP
		WHERE bot_id = ? AND phase = ? AND buy_trade_id = ? AND position_status = ?
	`, sellTradeID, PositionClosed, endTS, botID, PhaseDuringTrade, buyTradeID, PositionOpen)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Get fetches one window by its identity. Missing ids match ''.
func (s *CandleStore) Get(botID, phase, buyTradeID, sellTradeID string) (*CandleWindow, error) {
	row := s.db.QueryRow(`
		SELECT bot_id, symbol, timeframe, phase, buy_trade_id, sell_trade_id,
			candles, count, position_status, start_ts, end_ts, updated_at
		FROM bot_candles
		WHERE bot_id = ? AND phase = ? AND buy_trade_id = ? AND sell_trade_id = ?
	`, botID, phase, buyTradeID, sellTradeID)
	return scanWindow(row)
}

// OpenDuring returns the bot's open during_trade window, or nil.
func (s *CandleStore) OpenDuring(botID string) (*CandleWindow, error) {
	row := s.db.QueryRow(`
		SELECT bot_id, symbol, timeframe, phase, buy_trade_id, sell_trade_id,
			candles, count, position_status, start_ts, end_ts, updated_at
		FROM bot_candles
		WHERE bot_id = ? AND phase = ? AND position_status = ?
	`, botID, PhaseDuringTrade, PositionOpen)
	w, err := scanWindow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// List returns a bot's windows; phase "all" or empty returns every phase.
func (s *CandleStore) List(botID, phase string) ([]*CandleWindow, error) {
	query := `
		SELECT bot_id, symbol, timeframe, phase, buy_trade_id, sell_trade_id,
			candles, count, position_status, start_ts, end_ts, updated_at
		FROM bot_candles WHERE bot_id = ?`
	args := []any{botID}
	if phase != "" && phase != "all" {
		query += ` AND phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []*CandleWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// UnsealedPost returns post_trade windows still accumulating candles for
// a bot.
func (s *CandleStore) UnsealedPost(botID string) ([]*CandleWindow, error) {
	rows, err := s.db.Query(`
		SELECT bot_id, symbol, timeframe, phase, buy_trade_id, sell_trade_id,
			candles, count, position_status, start_ts, end_ts, updated_at
		FROM bot_candles
		WHERE bot_id = ? AND phase = ? AND count < ?
	`, botID, PhasePostTrade, WindowSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []*CandleWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// PruneSealedBefore deletes sealed windows last touched before cutoff.
func (s *CandleStore) PruneSealedBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM bot_candles
		WHERE updated_at < ?
		AND (
			(phase = ? AND position_status = ?)
			OR (phase IN (?, ?) AND count >= ?)
		)
	`, cutoff.UTC().Format("2006-01-02 15:04:05"),
		PhaseDuringTrade, PositionClosed,
		PhasePreTrade, PhasePostTrade, WindowSize)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanWindow(row rowScanner) (*CandleWindow, error) {
	var w CandleWindow
	var candles, updatedAt string
	err := row.Scan(&w.BotID, &w.Symbol, &w.Timeframe, &w.Phase, &w.BuyTradeID, &w.SellTradeID,
		&candles, &w.Count, &w.PositionStatus, &w.StartTS, &w.EndTS, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(candles), &w.Candles); err != nil {
		return nil, fmt.Errorf("unmarshal candles: %w", err)
	}
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}
