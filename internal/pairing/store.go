package pairing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pairing_requests (
	channel    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	code       TEXT NOT NULL UNIQUE,
	id_line    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (channel, sender_id)
);
CREATE INDEX IF NOT EXISTS idx_pairing_requests_expiry ON pairing_requests(expires_at);

CREATE TABLE IF NOT EXISTS pairing_approved (
	channel     TEXT NOT NULL,
	sender_id   TEXT NOT NULL,
	code        TEXT NOT NULL DEFAULT '',
	approved_at INTEGER NOT NULL,
	PRIMARY KEY (channel, sender_id)
);
`

// Store persists pairing requests and approved senders in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the pairing database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pairing dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pairing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const requestColumns = `channel, sender_id, code, id_line, created_at, expires_at`

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var r Request
	var created, expires int64
	if err := row.Scan(&r.Channel, &r.SenderID, &r.Code, &r.IDLine, &created, &expires); err != nil {
		return Request{}, err
	}
	r.CreatedAt = time.UnixMilli(created)
	r.ExpiresAt = time.UnixMilli(expires)
	r.Status = StatusPending
	return r, nil
}

func (s *Store) pendingBySender(ctx context.Context, channel, senderID string) (Request, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pairing_requests WHERE channel = ? AND sender_id = ?`,
		channel, senderID)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}
	return r, true, nil
}

func (s *Store) codeInUse(ctx context.Context, code string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pairing_requests WHERE code = ?`, code).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) countPending(ctx context.Context, channel string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pairing_requests WHERE channel = ?`, channel).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) insertPending(ctx context.Context, r Request) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Channel, r.SenderID, r.Code, r.IDLine, r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli())
	return err
}

// purgeExpired drops requests whose expiry is at or before now.
func (s *Store) purgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// resolve atomically removes the live request with code on channel and, when
// approve is set, records the sender as approved. Exactly one caller can win
// for a given code.
func (s *Store) resolve(ctx context.Context, channel, code string, now time.Time, approve bool) (Request, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM pairing_requests WHERE channel = ? AND code = ? AND expires_at > ?`,
		channel, code, now.UnixMilli())
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE channel = ? AND code = ?`, channel, code)
	if err != nil {
		return Request{}, false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return Request{}, false, nil
	}
	if approve {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pairing_approved (channel, sender_id, code, approved_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(channel, sender_id) DO UPDATE SET code = excluded.code, approved_at = excluded.approved_at
		`, r.Channel, r.SenderID, r.Code, now.UnixMilli()); err != nil {
			return Request{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Request{}, false, err
	}
	return r, true, nil
}

func (s *Store) listPending(ctx context.Context, channel string) ([]Request, error) {
	q := `SELECT ` + requestColumns + ` FROM pairing_requests`
	var args []any
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY created_at, channel, sender_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) isApproved(ctx context.Context, channel, senderID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM pairing_approved WHERE channel = ? AND sender_id = ?`,
		channel, senderID).Scan(&n)
	return n > 0, err
}

func (s *Store) listApproved(ctx context.Context, channel string) ([]Approval, error) {
	q := `SELECT channel, sender_id, code, approved_at FROM pairing_approved`
	var args []any
	if channel != "" {
		q += ` WHERE channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY approved_at, channel, sender_id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		var a Approval
		var at int64
		if err := rows.Scan(&a.Channel, &a.SenderID, &a.Code, &at); err != nil {
			return nil, err
		}
		a.ApprovedAt = time.UnixMilli(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) revoke(ctx context.Context, channel, senderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_approved WHERE channel = ? AND sender_id = ?`, channel, senderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
