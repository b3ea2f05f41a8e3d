package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer. Sub-stores own their
// tables and schema migration, one per logical collection.
type Store struct {
	db      *sql.DB
	bots    *BotStore
	trades  *TradeStore
	candles *CandleStore
	memory  *MemoryStore
}

// Open opens (or creates) the database at path and initializes the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; one writer connection avoids
	// SQLITE_BUSY churn under concurrent bot ticks.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		bots:    &BotStore{db: db},
		trades:  &TradeStore{db: db},
		candles: &CandleStore{db: db},
		memory:  &MemoryStore{db: db},
	}
	for _, init := range []func() error{
		s.bots.initTables,
		s.trades.initTables,
		s.candles.initTables,
		s.memory.initTables,
	} {
		if err := init(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Bots() *BotStore      { return s.bots }
func (s *Store) Trades() *TradeStore  { return s.trades }
func (s *Store) Candles() *CandleStore { return s.candles }
func (s *Store) Memory() *MemoryStore { return s.memory }

// Ping reports storage liveness for the health endpoint.
func (s *Store) Ping() error { return s.db.Ping() }

func (s *Store) Close() error { return s.db.Close() }

// IntegrityCheck verifies startup invariants. A non-nil error means the
// persisted state contradicts the data model and the process must not
// trade on top of it.
func (s *Store) IntegrityCheck() error {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT bot_id FROM bot_candles
			WHERE phase = 'during_trade' AND position_status = 'open'
			GROUP BY bot_id HAVING COUNT(*) > 1
		)
	`).Scan(&n)
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("integrity check: %d bot(s) with more than one open position window", n)
	}
	return nil
}
