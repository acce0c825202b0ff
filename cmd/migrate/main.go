package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/example/sessioncore/internal/config"
	"github.com/example/sessioncore/migrations"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

func main() {
	var (
		command = flag.String("command", "up", "Migration command: up, down, version, force")
		steps   = flag.Int("steps", 0, "Number of migration steps (for up/down)")
		version = flag.Uint("version", 0, "Target version (for force command)")
	)
	flag.Parse()

	log := logrus.New()
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}

	dialect, dsn, err := target(cfg)
	if err != nil {
		log.Fatal(err)
	}
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		log.Fatalf("opening database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		log.Fatalf("database ping failed: %v", err)
	}
	m, err := migrations.New(db, dialect)
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	switch *command {
	case "up":
		if err := run(m, true, *steps); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Info("Migrations applied successfully")
	case "down":
		if err := run(m, false, *steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Info("Migrations rolled back successfully")
	case "version":
		v, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			v, dirty, err = 0, false, nil
		}
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if dirty {
			log.Errorf("Database is in a dirty state (version %d)", v)
			os.Exit(1)
		}
		fmt.Printf("Current migration version: %d\n", v)
	case "force":
		if *version == 0 {
			log.Fatal("Version required for force command (use -version flag)")
		}
		if err := m.Force(int(*version)); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Infof("Forced database to version %d", *version)
	default:
		log.Fatalf("Unknown command: %s (supported: up, down, version, force)", *command)
	}
}

// target resolves the driver name and DSN. The memory adapter has nothing
// to migrate ahead of time.
func target(cfg *config.Config) (string, string, error) {
	switch cfg.DBAdapter {
	case "postgres":
		return "postgres", cfg.PostgresDSN, nil
	case "sqlite":
		return "sqlite", cfg.SQLiteFile, nil
	}
	return "", "", fmt.Errorf("migrations need a persistent database. Current adapter: %s", cfg.DBAdapter)
}

func run(m *migrate.Migrate, up bool, steps int) error {
	var err error
	switch {
	case steps > 0 && up:
		err = m.Steps(steps)
	case steps > 0:
		err = m.Steps(-steps)
	case up:
		err = m.Up()
	default:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
