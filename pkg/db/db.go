package db

import (
	"github.com/comfygate/comfygate/internal/models"
	"github.com/comfygate/comfygate/pkg/env"
	"github.com/comfygate/comfygate/pkg/log"
	_ "github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Connection opens the backing store configured by the
// environment. Postgres is the production target; sqlite
// covers single-node and development deployments.
func Connection() (*gorm.DB, error) {
	var (
		gdb *gorm.DB
		err error
	)

	switch env.Variables().DatabaseType {
	case "sqlite":
		gdb, err = gorm.Open(
			sqlite.Open(env.Variables().DatabaseDSN),
			&gorm.Config{},
		)
	case "postgres":
		fallthrough
	default:
		gdb, err = gorm.Open(
			postgres.Open(env.Variables().DatabaseDSN),
			&gorm.Config{},
		)
	}

	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	return gdb, nil
}

// Migrate applies the schema for all gateway models.
func Migrate(gdb *gorm.DB) error {
	log.Info("migrating database", "models", len(models.All))
	return gdb.AutoMigrate(models.All...)
}
