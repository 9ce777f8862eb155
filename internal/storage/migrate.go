package storage

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	logx "classbell/pkg/logx"

	"github.com/pressly/goose/v3"
)

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string, log logx.Logger) error {
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		log.Info("migration applied", logx.Int64("version", r.Source.Version), logx.Duration("took", r.Duration))
	}
	return nil
}
