package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open returns a pgx-backed pool that has answered a ping.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	conn, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Saves hold a row lock for one short transaction; a small pool is plenty.
	conn.SetConnMaxIdleTime(5 * time.Minute)
	conn.SetConnMaxLifetime(30 * time.Minute)
	conn.SetMaxIdleConns(5)
	conn.SetMaxOpenConns(16)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, unavailable("ping db", err)
	}
	return conn, nil
}

// OpenPostgresStore connects, brings the schema up to date from
// migrationsDir (or the embedded set when empty) and returns the store.
func OpenPostgresStore(ctx context.Context, databaseURL, migrationsDir string) (*PostgresStore, error) {
	conn, err := Open(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	source, err := MigrationSource(migrationsDir)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migration source: %w", err)
	}
	if err := ApplyMigrations(ctx, conn, source); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return NewPostgresStore(conn), nil
}
