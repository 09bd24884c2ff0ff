package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/zerocode-chat/backend/internal/storage/migrations"
)

// SQLite persists namespaces in a single kv table.
type SQLite struct {
	db *sql.DB
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, ".")
}

// OpenSQLite opens (or creates) the database at dsn and migrates it.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite 只允许单写者；":memory:" 也依赖单连接保持同一个库。
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Namespace implements Backend.
func (s *SQLite) Namespace(profile string) Store {
	return &sqliteNamespace{db: s.db, profile: profile}
}

type sqliteNamespace struct {
	db      *sql.DB
	profile string
}

func (n *sqliteNamespace) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := n.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE profile = ? AND key = ?`, n.profile, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (n *sqliteNamespace) Set(ctx context.Context, key string, value []byte) error {
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO kv (profile, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (profile, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		n.profile, key, value, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (n *sqliteNamespace) Remove(ctx context.Context, key string) error {
	if _, err := n.db.ExecContext(ctx, `DELETE FROM kv WHERE profile = ? AND key = ?`, n.profile, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
