package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// OpenSQLite opens the sqlite file at path and applies pending migrations.
func OpenSQLite(path string) Opener {
	return func() (Backend, error) {
		db, err := sqlx.Connect("sqlite", fmt.Sprintf("%s?_journal=WAL&_timeout=5000&_fk=true", path))
		if err != nil {
			return nil, fmt.Errorf("connecting to db : %w", err)
		}
		db.SetMaxOpenConns(1)

		if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
		if err := migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		return &sqliteBackend{db: db}, nil
	}
}

func migrate(db *sqlx.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(string(goose.DialectSQLite3)); err != nil {
		return fmt.Errorf("setting dialect for migrations : %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("applying migration : %w", err)
	}
	return nil
}

type sqliteBackend struct {
	db *sqlx.DB
}

func (b *sqliteBackend) EnsureCollection(ctx context.Context, name string) error {
	var n int
	if err := b.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM collections WHERE name = ?`, name); err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if n > 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO collections (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", name, err)
	}
	return nil
}

func (b *sqliteBackend) Put(ctx context.Context, collection, key string, value []byte) error {
	query := `INSERT INTO records (collection, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := b.db.ExecContext(ctx, query, collection, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upserting record: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.GetContext(ctx, &value, `SELECT value FROM records WHERE collection = ? AND key = ?`, collection, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting record: %w", err)
	}
	return value, true, nil
}

func (b *sqliteBackend) Delete(ctx context.Context, collection, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND key = ?`, collection, key); err != nil {
		return fmt.Errorf("deleting record: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Scan(ctx context.Context, collection string, fn func(key string, value []byte) error) error {
	rows, err := b.db.QueryxContext(ctx, `SELECT key, value FROM records WHERE collection = ? ORDER BY key`, collection)
	if err != nil {
		return fmt.Errorf("scanning records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (b *sqliteBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("closing sqlite : %w", err)
	}
	return nil
}
