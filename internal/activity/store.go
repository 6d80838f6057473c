package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/paseo/paseo/internal/db"
	"github.com/paseo/paseo/pkg/protocol"
)

// Store provides SQLite persistence for the daemon activity log.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewStore wraps a connection pool and initializes the schema.
func NewStore(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("activity schema init: %w", err)
	}
	return s, nil
}

const createTablesSQL = `
	CREATE TABLE IF NOT EXISTS activity_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		client_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_activity_log_created_at ON activity_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_activity_log_agent_id ON activity_log(agent_id);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(createTablesSQL)
	return err
}

// entryRow mirrors an activity_log row.
type entryRow struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	Kind      string    `db:"kind"`
	AgentID   string    `db:"agent_id"`
	ClientID  string    `db:"client_id"`
	Message   string    `db:"message"`
}

func (r entryRow) toEntry() protocol.ActivityEntry {
	return protocol.ActivityEntry{
		ID:        r.ID,
		CreatedAt: r.CreatedAt.UTC(),
		Kind:      r.Kind,
		AgentID:   r.AgentID,
		ClientID:  r.ClientID,
		Message:   r.Message,
	}
}

// Insert appends an entry and fills in its ID and CreatedAt.
func (s *Store) Insert(ctx context.Context, e *protocol.ActivityEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (created_at, kind, agent_id, client_id, message)
		VALUES (?, ?, ?, ?, ?)`,
		e.CreatedAt, e.Kind, e.AgentID, e.ClientID, e.Message)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// Query narrows a List call. Tail must be positive.
type Query struct {
	Tail    int
	AgentID string

	// Filter keeps entries whose kind or message contains the string
	// (case-insensitive for ASCII, matching SQLite LIKE).
	Filter string
}

// List returns the newest matching entries, oldest first.
func (s *Store) List(ctx context.Context, q Query) ([]protocol.ActivityEntry, error) {
	query := `SELECT * FROM activity_log WHERE 1=1`
	var args []interface{}
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.Filter != "" {
		pattern := "%" + q.Filter + "%"
		query += ` AND (kind LIKE ? OR message LIKE ?)`
		args = append(args, pattern, pattern)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, q.Tail)

	var rows []entryRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	entries := make([]protocol.ActivityEntry, len(rows))
	for i, r := range rows {
		entries[len(rows)-1-i] = r.toEntry()
	}
	return entries, nil
}

// Prune deletes entries older than cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
