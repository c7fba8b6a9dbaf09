package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/joao-fontenele/harborline/internal/config"
)

const usage = "usage: migrate <up|down|version|force VERSION>"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	flag.Parse()
	if flag.NArg() < 1 {
		logger.Error(usage)
		os.Exit(2)
	}

	cfg, err := config.LoadMigrate()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	m, err := migrate.New(cfg.MigrationsPath, cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to create migrate instance", "error", err, "path", cfg.MigrationsPath)
		os.Exit(1)
	}
	defer func() { _, _ = m.Close() }()

	if err := run(m, flag.Args(), logger); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(m *migrate.Migrate, args []string, logger *slog.Logger) error {
	switch args[0] {
	case "up":
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("schema already up to date")
			return nil
		}
		if err != nil {
			return err
		}

	case "down":
		err := m.Steps(-1)
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("nothing to roll back")
			return nil
		}
		if err != nil {
			return err
		}

	case "version":

	case "force":
		if len(args) < 2 {
			return errors.New(usage)
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := m.Force(version); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown command %q", args[0])
	}

	return logVersion(m, logger)
}

func logVersion(m *migrate.Migrate, logger *slog.Logger) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	logger.Info("schema version", "version", version, "dirty", dirty)
	return nil
}
