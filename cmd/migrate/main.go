package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"

	"SettledForward/internal/observability"
	"SettledForward/internal/persistence"
	"SettledForward/migrations"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|list>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println("  list - print the migrations that would be applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  FWD_POSTGRES_DSN    - Postgres connection string")
		fmt.Println("  FWD_MIGRATIONS_DIR  - migrations directory (default: the embedded set)")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	var files fs.FS = migrations.FS
	if dir := os.Getenv("FWD_MIGRATIONS_DIR"); dir != "" {
		files = os.DirFS(dir)
	}

	if os.Args[1] == "list" {
		ups, err := persistence.ListMigrations(files, ".up.sql")
		if err != nil {
			logger.Fatal().Err(err).Msg("list migrations")
		}
		for _, f := range ups {
			fmt.Printf("%s\t%s\n", persistence.ExtractVersion(f), f)
		}
		return
	}

	pgURL := os.Getenv("FWD_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/settledforward?sslmode=disable"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, files, logger)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'list')\n", os.Args[1])
		os.Exit(1)
	}
}
