// Command mailauth-migrate applies the record store schema to PostgreSQL.
//
// The connection string comes from -dsn, or DATABASE_URL in the environment
// or a local .env file.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrEthical07/mailauth/store/postgres"
)

func main() {
	_ = godotenv.Load()

	var (
		dsn     = flag.String("dsn", "", "postgres connection string; defaults to DATABASE_URL")
		timeout = flag.Duration("timeout", 2*time.Minute, "overall migration timeout")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *dsn == "" {
		*dsn = os.Getenv("DATABASE_URL")
	}
	if *dsn == "" {
		logger.Error("no database configured", "hint", "set -dsn or DATABASE_URL")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, *dsn, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dsn string, logger *slog.Logger) error {
	db, err := postgres.Open(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	start := time.Now()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	logger.Info("migrations applied", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
