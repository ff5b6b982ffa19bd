package pg

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"github.com/eternisai/seo-research/internal/logger"
)

// VersionTable records applied schema versions.
const VersionTable = "research_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies pending schema migrations and logs each one applied.
func Migrate(ctx context.Context, db *sql.DB, log *logger.Logger) error {
	p, err := newMigrator(db)
	if err != nil {
		return err
	}

	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		log.Info("applied migration",
			slog.Int64("version", r.Source.Version),
			slog.String("file", r.Source.Path),
			slog.Duration("duration", r.Duration))
	}
	return nil
}

func newMigrator(db *sql.DB) (*goose.Provider, error) {
	sources, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	store, err := database.NewStore(database.DialectPostgres, VersionTable)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration store: %w", err)
	}
	p, err := goose.NewProvider("", db, sources,
		goose.WithStore(store),
		goose.WithDisableGlobalRegistry(true))
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	return p, nil
}
