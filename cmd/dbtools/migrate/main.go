// cmd/dbtools/migrate/main.go
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/db"
)

func main() {
	var (
		dbPath         = flag.String("db", "", "Path to SQLite database")
		migrationsPath = flag.String("migrations", "", "Path to migrations directory (defaults to the embedded set)")
		command        = flag.String("command", "", "Command to run (up, down, version, force)")
		version        = flag.Int("version", -1, "Target version for force")
	)
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *dbPath == "" || *command == "" {
		flag.Usage()
		os.Exit(1)
	}

	m, closeFn, err := newMigrator(*dbPath, *migrationsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration init failed")
	}
	defer closeFn()

	if err := run(m, *command, *version); err != nil {
		log.Error().Err(err).Str("command", *command).Msg("Migration failed")
		closeFn()
		os.Exit(1)
	}
}

func newMigrator(dbPath, migrationsPath string) (*migrate.Migrate, func(), error) {
	if migrationsPath != "" {
		m, err := migrate.New(
			fmt.Sprintf("file://%s", migrationsPath),
			fmt.Sprintf("sqlite3://%s", dbPath),
		)
		if err != nil {
			return nil, nil, err
		}
		return m, func() { m.Close() }, nil
	}

	sqlDB, err := sql.Open("sqlite3", dbPath+"?_fk=1")
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	m, err := db.NewMigrator(sqlDB)
	if err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	return m, func() { m.Close() }, nil
}

func run(m *migrate.Migrate, command string, version int) error {
	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("up: %w", err)
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("down: %w", err)
		}
	case "force":
		if version < 0 {
			return fmt.Errorf("force requires -version")
		}
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force: %w", err)
		}
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Version: none")
			return nil
		}
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		fmt.Printf("Version: %d, Dirty: %v\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	log.Info().Str("command", command).Msg("Migration complete")
	return nil
}
