// Package main applies the aurora-server database schema out of band. The
// server runs migrations itself at startup; this tool covers deploys where
// schema changes land before the new binary does.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aurorapos/aurora-server/internal/db"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "database URL (defaults to DATABASE_URL)")
	flag.Usage = usage
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}
	if command == "list" {
		return list(logger)
	}

	if *dbURL == "" {
		logger.Error().Msg("database URL required: pass -db or set DATABASE_URL")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// The tool runs a handful of statements; a big pool buys nothing.
	cfg := db.DefaultConfig(*dbURL)
	cfg.MaxConns = 2
	cfg.MinConns = 1

	database, err := db.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		return 1
	}
	defer database.Close()

	switch command {
	case "up":
		if err := database.Migrate(ctx); err != nil {
			logger.Error().Err(err).Msg("migration failed")
			return 1
		}
		fallthrough
	case "status":
		version, err := database.CurrentVersion(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("could not read schema version")
			return 1
		}
		fmt.Printf("schema version %d\n", version)
	default:
		usage()
		return 2
	}
	return 0
}

func list(logger zerolog.Logger) int {
	migrations, err := db.GetMigrations()
	if err != nil {
		logger.Error().Err(err).Msg("could not read embedded migrations")
		return 1
	}
	for _, m := range migrations {
		fmt.Printf("%04d  %s\n", m.Version, m.Name)
	}
	return 0
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "usage: migrate [-db URL] [up|status|list]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  up      apply pending migrations (default)")
	fmt.Fprintln(out, "  status  print the current schema version")
	fmt.Fprintln(out, "  list    list the embedded migrations")
	fmt.Fprintln(out)
	flag.PrintDefaults()
}
