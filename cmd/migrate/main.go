// Command migrate manages the platform database schema via goose.
//
// Usage:
//
//	migrate up               apply all pending migrations
//	migrate down             roll back the most recent migration
//	migrate status           show applied and pending migrations
//	migrate version          print the current schema version
//	migrate up-to <n>        migrate up to version n
//	migrate down-to <n>      roll back to version n
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

const migrationsDir = "migrations"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: migrate <up|down|status|version|redo|up-to|down-to> [args]")
	}

	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	command := args[0]
	if err := goose.RunContext(context.Background(), command, db, migrationsDir, args[1:]...); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return nil
}
