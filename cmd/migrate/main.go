package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"PoolLedger/internal/config"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/persistence"
	"PoolLedger/internal/projection"

	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
)

func usage() {
	fmt.Println("Usage: migrate [--config FILE] <up|down|status|rebuild-projections>")
	fmt.Println("  up                   - apply all pending migrations")
	fmt.Println("  down                 - roll back the last migration")
	fmt.Println("  status               - list migrations and whether they are applied")
	fmt.Println("  rebuild-projections  - rebuild read-side tables from the event log")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  POOL_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  POOL_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	configPath := pflag.StringP("config", "c", "", "config file (defaults to .env when present)")
	pflag.Usage = usage
	pflag.Parse()

	if pflag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	// Only the database settings matter here, so the vault section is not validated
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, log)

	switch cmd := pflag.Arg(0); cmd {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate status")
		}
		for _, st := range statuses {
			state := "pending"
			if st.Applied {
				state = "applied"
			}
			fmt.Printf("%-8s %-8s %s\n", st.Version, state, st.Filename)
		}

	case "rebuild-projections":
		if err := projection.RebuildProjections(ctx, db, log); err != nil {
			log.Fatal().Err(err).Msg("rebuild projections")
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}
