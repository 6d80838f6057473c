package db

import "github.com/jmoiron/sqlx"

// Pool pairs a write connection with a read-only connection pool.
//
// SQLite in WAL mode supports many concurrent readers but only one writer.
// Keeping the two on separate connection sets lets SELECTs run against WAL
// snapshots without queueing behind writes, while the single writer
// connection serializes mutations and avoids SQLITE_BUSY.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps existing writer and reader connections. Tests commonly pass
// the same *sqlx.DB for both.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE, DELETE, and
// schema statements.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
