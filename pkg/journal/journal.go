// Package journal keeps an audit trail of peer connections in sqlite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-realms/pkg/realm"
)

// fixed width so that text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Journal struct {
	database *sql.DB
}

// Open opens (or creates) the sqlite database at path and ensures the
// sessions table exists. Use ":memory:" for a throwaway journal.
func Open(path string) (*Journal, error) {
	slog.Info("Opening journal", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// sqlite only tolerates one writer, and ":memory:" is per connection
	db.SetMaxOpenConns(1)
	j := &Journal{database: db}
	if err := j.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init() error {
	if _, err := j.database.Exec(
		`CREATE TABLE IF NOT EXISTS sessions (
		id text not null primary key,
		subscriber integer not null,
		realm text not null,
		read_only integer not null,
		joined_at text not null,
		left_at text,
		outcome text,
		clients text
		)`,
	); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.database.Close()
}

func (j *Journal) RecordJoin(ctx context.Context, s realm.Session) error {
	if _, err := j.database.ExecContext(
		ctx, `INSERT INTO sessions (id, subscriber, realm, read_only, joined_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Subscriber, s.Realm, s.ReadOnly, s.JoinedAt.UTC().Format(timeLayout),
	); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (j *Journal) RecordLeave(ctx context.Context, s realm.Session) error {
	res, err := j.database.ExecContext(
		ctx, `UPDATE sessions SET left_at = ?, outcome = ?, clients = ? WHERE id = ?`,
		s.LeftAt.UTC().Format(timeLayout), s.Outcome, joinClients(s.Clients), s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update session: %s was never recorded", s.ID)
	}
	return nil
}

// Sessions lists the most recent sessions of a realm, newest first.
func (j *Journal) Sessions(ctx context.Context, realmName string, limit int) ([]realm.Session, error) {
	rows, err := j.database.QueryContext(
		ctx, `SELECT id, subscriber, realm, read_only, joined_at, left_at, outcome, clients
		FROM sessions WHERE realm = ? ORDER BY joined_at DESC LIMIT ?`,
		realmName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	var out []realm.Session
	for rows.Next() {
		var s realm.Session
		var joinedAt string
		var leftAt, outcome, clients sql.NullString
		if err := rows.Scan(&s.ID, &s.Subscriber, &s.Realm, &s.ReadOnly, &joinedAt, &leftAt, &outcome, &clients); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		if s.JoinedAt, err = time.Parse(timeLayout, joinedAt); err != nil {
			return nil, fmt.Errorf("failed to parse joined_at: %w", err)
		}
		if leftAt.Valid {
			if s.LeftAt, err = time.Parse(timeLayout, leftAt.String); err != nil {
				return nil, fmt.Errorf("failed to parse left_at: %w", err)
			}
		}
		s.Outcome = outcome.String
		if s.Clients, err = splitClients(clients.String); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func joinClients(ids []uint64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitClients(raw string) ([]uint64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		id, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse client id %q: %w", p, err)
		}
		out[i] = id
	}
	return out, nil
}
