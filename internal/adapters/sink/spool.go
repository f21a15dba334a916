package sink

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"costops/pkg/errors"
	"costops/pkg/logger"
)

const spoolSchema = `
CREATE TABLE IF NOT EXISTS spool (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT    NOT NULL,
	body       BLOB    NOT NULL,
	spooled_at INTEGER NOT NULL
)`

// SpoolEntry is one event waiting for redelivery
type SpoolEntry struct {
	Seq       int64
	EventID   string
	Body      []byte
	SpooledAt time.Time
}

// Spool is a local, append-only FIFO of undelivered events backed by SQLite.
// Sequence numbers only grow, so replay order is append order.
type Spool struct {
	db  *sql.DB
	log *logger.Logger
}

// OpenSpool opens (or creates) the spool database at path
func OpenSpool(path string, log *logger.Logger) (*Spool, error) {
	if log == nil {
		log = logger.Get()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open spool")
	}
	// single writer keeps sequence order and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		spoolSchema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "init spool: %s", stmt)
		}
	}

	s := &Spool{db: db, log: log.WithComponent("audit_spool")}
	if n, err := s.Depth(context.Background()); err == nil && n > 0 {
		s.log.Infow("Spool has undelivered events", "path", path, "depth", n)
	}
	return s, nil
}

// Append stores an event at the tail
func (s *Spool) Append(ctx context.Context, eventID string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spool (event_id, body, spooled_at) VALUES (?, ?, ?)`,
		eventID, body, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "append to spool")
	}
	return nil
}

// Peek returns up to limit entries from the head
func (s *Spool) Peek(ctx context.Context, limit int) ([]SpoolEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, event_id, body, spooled_at FROM spool ORDER BY seq ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "read spool")
	}
	defer rows.Close()

	var out []SpoolEntry
	for rows.Next() {
		var (
			e  SpoolEntry
			ms int64
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &e.Body, &ms); err != nil {
			return nil, errors.Wrap(err, "scan spool")
		}
		e.SpooledAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Remove deletes a delivered entry
func (s *Spool) Remove(ctx context.Context, seq int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE seq = ?`, seq); err != nil {
		return errors.Wrap(err, "remove from spool")
	}
	return nil
}

// Depth returns the number of spooled events
func (s *Spool) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spool`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count spool")
	}
	return n, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}
