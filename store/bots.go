package store

import (
	"database/sql"
	"time"
)

// BotRecord is the persisted shape of a bot. The runtime Position never
// persists: a stopped bot is flat by invariant.
type BotRecord struct {
	ID              string    `json:"id"`
	Symbol          string    `json:"symbol"`
	Strategy        string    `json:"strategy"`
	Timeframe       string    `json:"timeframe"`
	TradingMode     string    `json:"trading_mode"`
	AllocatedAmount float64   `json:"allocated_amount"`
	Autonomous      bool      `json:"autonomous"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	State           string    `json:"state"`
}

type BotStore struct {
	db *sql.DB
}

func (s *BotStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			strategy TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			trading_mode TEXT NOT NULL,
			allocated_amount REAL NOT NULL,
			autonomous BOOLEAN NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			state TEXT NOT NULL DEFAULT 'Idle'
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_bots_state ON bots(state)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_bots_autonomous ON bots(autonomous)`)
	return nil
}

func (s *BotStore) Create(b *BotRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO bots (id, symbol, strategy, timeframe, trading_mode, allocated_amount, autonomous, created_by, created_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Symbol, b.Strategy, b.Timeframe, b.TradingMode, b.AllocatedAmount,
		b.Autonomous, b.CreatedBy, b.CreatedAt.UTC().Format(time.RFC3339), b.State)
	return err
}

func (s *BotStore) UpdateState(id, state string) error {
	_, err := s.db.Exec(`UPDATE bots SET state = ? WHERE id = ?`, state, id)
	return err
}

func (s *BotStore) Get(id string) (*BotRecord, error) {
	row := s.db.QueryRow(`
		SELECT id, symbol, strategy, timeframe, trading_mode, allocated_amount, autonomous, created_by, created_at, state
		FROM bots WHERE id = ?
	`, id)
	return scanBot(row)
}

func (s *BotStore) List() ([]*BotRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, symbol, strategy, timeframe, trading_mode, allocated_amount, autonomous, created_by, created_at, state
		FROM bots ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*BotRecord
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*BotRecord, error) {
	var b BotRecord
	var createdAt string
	err := row.Scan(&b.ID, &b.Symbol, &b.Strategy, &b.Timeframe, &b.TradingMode,
		&b.AllocatedAmount, &b.Autonomous, &b.CreatedBy, &createdAt, &b.State)
	if err != nil {
		return nil, err
	}
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}
