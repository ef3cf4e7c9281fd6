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

	logx "fogworker/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	max int
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (History, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history migrate: %w", err)
	}
	return &sqliteStore{db: db, max: cfg.MaxEntries, log: log}, nil
}

func (s *sqliteStore) Append(ctx context.Context, r CycleRecord) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycle_history(id, task_id, prompt_id, status, err, files, uploaded, failed_uploads, started_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, nullStr(r.PromptID), r.Status, nullStr(r.Error),
		r.Files, r.Uploaded, r.FailedUploads, r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM cycle_history WHERE seq <= (SELECT MAX(seq) FROM cycle_history) - ?`, s.max)
	return err
}

func (s *sqliteStore) List(ctx context.Context, q Query) ([]CycleRecord, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	limit := q.Limit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, prompt_id, status, err, files, uploaded, failed_uploads, started_at, ended_at
		 FROM (
		   SELECT * FROM cycle_history WHERE (? = '' OR status = ?) ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		q.Status, q.Status, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CycleRecord{}
	for rows.Next() {
		var (
			r                 CycleRecord
			promptID, errText sql.NullString
			started, ended    int64
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &promptID, &r.Status, &errText,
			&r.Files, &r.Uploaded, &r.FailedUploads, &started, &ended); err != nil {
			return nil, err
		}
		r.PromptID = promptID.String
		r.Error = errText.String
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM cycle_history`)
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM cycle_history WHERE ended_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
