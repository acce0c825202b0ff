package main

import (
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/migrations"
	"github.com/sirupsen/logrus"
)

// ApplyMigrations brings the schema of db up to date using the embedded
// migrations for its dialect.
func ApplyMigrations(db *store.DB, log logrus.FieldLogger) error {
	from, to, err := migrations.Up(db.SQL(), string(db.Dialect()))
	if err != nil {
		return err
	}
	if from != to {
		log.Infof("Migrated from version %d to %d", from, to)
	} else {
		log.Infof("Database is up to date (version %d)", to)
	}
	return nil
}
