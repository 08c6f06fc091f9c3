package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wablast/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Fixed width so that text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, name, state, total, sent, failed, pending, err, started_at, finished_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, sent=excluded.sent, failed=excluded.failed,
		   pending=excluded.pending, err=excluded.err, finished_at=excluded.finished_at`,
		r.ID, nullStr(r.Name), r.State, r.Total, r.Sent, r.Failed, r.Pending, nullStr(r.Error),
		r.StartedAt.UTC().Format(tsLayout), r.FinishedAt.UTC().Format(tsLayout),
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, total, sent, failed, pending, err, started_at, finished_at
		 FROM runs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                   RunRecord
			name, errText       sql.NullString
			startedAt, finished string
		)
		if err := rows.Scan(&r.ID, &name, &r.State, &r.Total, &r.Sent, &r.Failed, &r.Pending, &errText, &startedAt, &finished); err != nil {
			return nil, err
		}
		r.Name = name.String
		r.Error = errText.String
		r.StartedAt, _ = time.Parse(tsLayout, startedAt)
		r.FinishedAt, _ = time.Parse(tsLayout, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
