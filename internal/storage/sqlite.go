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

	"walletwatch/internal/stats"
	logx "walletwatch/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

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

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) PutResult(ctx context.Context, r stats.CheckResult) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results(address, kind, amount, reason, at) VALUES(?,?,?,?,?)
		 ON CONFLICT(address) DO UPDATE SET
		   kind=excluded.kind, amount=excluded.amount, reason=excluded.reason, at=excluded.at
		 WHERE excluded.at >= results.at`,
		r.Address, r.Outcome.Kind.String(), r.Outcome.Amount, nullStr(r.Outcome.Reason), r.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Checked(ctx context.Context) (map[string]struct{}, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM results WHERE kind <> ?`, stats.KindError.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		out[addr] = struct{}{}
	}
	return out, rows.Err()
}

func (s *sqliteStore) Results(ctx context.Context) ([]stats.CheckResult, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT address, kind, amount, reason, at FROM results ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stats.CheckResult
	for rows.Next() {
		var (
			rec    record
			reason sql.NullString
		)
		if err := rows.Scan(&rec.Address, &rec.Kind, &rec.Amount, &reason, &rec.At); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		r, err := rec.result()
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", rec.Address, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
