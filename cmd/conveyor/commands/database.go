package commands

import (
	"database/sql"

	"github.com/ferrule/conveyor/config"
	"github.com/ferrule/conveyor/db"
	"github.com/ferrule/conveyor/errors"
	"github.com/ferrule/conveyor/logger"
)

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it comes from config (and DB_PATH overrides both).
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "conveyor.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.Open(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", dbPath)
	}

	return database, nil
}
