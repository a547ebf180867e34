package approval

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_approvals (
	request_id   TEXT PRIMARY KEY,
	request_json TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	state        TEXT NOT NULL,
	matched_rule TEXT NOT NULL
);`

// createdAtLayout is fixed-width so ORDER BY created_at is chronological.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps the queue in a pending_approvals table. The primary key
// on request_id enforces the no-overwrite rule inside the database.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Add(p Pending) error {
	_, err := s.db.Exec(`INSERT INTO pending_approvals (request_id, request_json, created_at, state, matched_rule)
VALUES (?, ?, ?, ?, ?)`,
		p.RequestID, string(p.Request), p.CreatedAt.UTC().Format(createdAtLayout), p.State, p.MatchedRule)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, p.RequestID)
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) Get(requestID string) (Pending, error) {
	row := s.db.QueryRow(`SELECT request_id, request_json, created_at, state, matched_rule
FROM pending_approvals WHERE request_id = ?`, requestID)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pending{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return p, err
}

func (s *SQLiteStore) List() ([]Pending, error) {
	rows, err := s.db.Query(`SELECT request_id, request_json, created_at, state, matched_rule
FROM pending_approvals
ORDER BY created_at ASC, request_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Pending{}
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Remove(requestID string) error {
	res, err := s.db.Exec(`DELETE FROM pending_approvals WHERE request_id = ?`, requestID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPending(row scanner) (Pending, error) {
	var p Pending
	var reqJSON, createdAt string
	if err := row.Scan(&p.RequestID, &reqJSON, &createdAt, &p.State, &p.MatchedRule); err != nil {
		return Pending{}, err
	}
	p.Request = []byte(reqJSON)
	ts, err := time.Parse(createdAtLayout, createdAt)
	if err != nil {
		return Pending{}, fmt.Errorf("parse created_at for %s: %w", p.RequestID, err)
	}
	p.CreatedAt = ts
	return p, nil
}

// isUniqueViolation matches the driver's constraint error by message.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
