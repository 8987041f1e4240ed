package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "trigd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

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

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Upsert(ctx context.Context, ownerID string, executeAt time.Time) error {
	if ownerID == "" {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending(owner_id, execute_at, created_at, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET execute_at=excluded.execute_at, updated_at=excluded.updated_at`,
		ownerID, executeAt.UnixMilli(), now, now,
	)
	return unavailable(err)
}

func (s *sqliteStore) Clear(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending WHERE owner_id = ?`, ownerID)
	return unavailable(err)
}

func (s *sqliteStore) Read(ctx context.Context, ownerID string) (PendingOccurrence, bool, error) {
	var row PendingOccurrence
	var execAt, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, execute_at, created_at, updated_at FROM pending WHERE owner_id = ?`,
		ownerID,
	).Scan(&row.OwnerID, &execAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingOccurrence{}, false, nil
	}
	if err != nil {
		return PendingOccurrence{}, false, unavailable(err)
	}
	row.ExecuteAt = time.UnixMilli(execAt)
	row.CreatedAt = time.UnixMilli(createdAt)
	row.UpdatedAt = time.UnixMilli(updatedAt)
	return row, true, nil
}

func (s *sqliteStore) Due(ctx context.Context, asOf time.Time) ([]PendingOccurrence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, execute_at, created_at, updated_at FROM pending
		 WHERE execute_at <= ? ORDER BY execute_at ASC, owner_id ASC`,
		asOf.UnixMilli(),
	)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []PendingOccurrence
	for rows.Next() {
		var row PendingOccurrence
		var execAt, createdAt, updatedAt int64
		if err := rows.Scan(&row.OwnerID, &execAt, &createdAt, &updatedAt); err != nil {
			return nil, unavailable(err)
		}
		row.ExecuteAt = time.UnixMilli(execAt)
		row.CreatedAt = time.UnixMilli(createdAt)
		row.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, row)
	}
	return out, unavailable(rows.Err())
}

// unavailable tags driver errors so callers can treat them as transient.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
