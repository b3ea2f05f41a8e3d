package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Memory record types.
const (
	MemoryTradeLearning = "trade_learning"
	MemoryAnalysis      = "analysis"
	MemoryCollective    = "collective"
)

// CollectiveAgent is the shared stream every agent may read.
const CollectiveAgent = "collective"

// MemoryRecord is one append-only structured memory.
type MemoryRecord struct {
	ID        string         `json:"id"`
	Agent     string         `json:"agent_name"`
	Type      string         `json:"type"`
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}

type MemoryStore struct {
	db *sql.DB
}

func (s *MemoryStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_memories_agent_type ON memories(agent, type, created_at)`)
	return nil
}

func (s *MemoryStore) Insert(r *MemoryRecord) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}
	_, err = s.db.Exec(`
		INSERT INTO memories (id, agent, type, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Agent, r.Type, string(content), string(metadata), r.CreatedAt.UnixMilli())
	return err
}

// MemoryFilter narrows List. Zero values mean "no filter".
type MemoryFilter struct {
	Agent string
	Type  string
	Since time.Time
	Limit int
}

func (s *MemoryStore) List(f MemoryFilter) ([]*MemoryRecord, error) {
	query := `SELECT id, agent, type, content, metadata, created_at FROM memories WHERE 1=1`
	var args []any
	if f.Agent != "" {
		query += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*MemoryRecord
	for rows.Next() {
		var r MemoryRecord
		var content, metadata string
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Agent, &r.Type, &content, &metadata, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(content), &r.Content)
		_ = json.Unmarshal([]byte(metadata), &r.Metadata)
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, &r)
	}
	return records, rows.Err()
}

// DeleteOlderThan removes records past the retention window.
func (s *MemoryStore) DeleteOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM memories WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
