package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const migrationsTable = "arque_schema_migrations"

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrateUp applies the embedded migrations to schema over a dedicated
// connection.
func migrateUp(ctx context.Context, connConfig *pgx.ConnConfig, schema string, log *slog.Logger) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	db := stdlib.OpenDB(*connConfig.Copy())
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("failed to close migration connection", slog.Any("error", err))
		}
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{
		SchemaName:      schema,
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			log.Warn("failed to close migrate", slog.Any("source_error", srcErr), slog.Any("db_error", dbErr))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("schema up to date", slog.String("schema", schema))
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("schema migrated", slog.String("schema", schema))
	return nil
}
