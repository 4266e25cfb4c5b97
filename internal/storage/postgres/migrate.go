package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	if dsn == "" {
		return fmt.Errorf("db.dsn is required")
	}
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer func() {
		_ = db.Close()
	}()
	return migrateDB(ctx, db)
}

func migrateDB(ctx context.Context, db *sql.DB) error {
	goose.SetLogger(gooseLogger{})
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the global zap logger.
type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) { zap.S().Infof(format, v...) }
func (gooseLogger) Fatalf(format string, v ...any) { zap.S().Fatalf(format, v...) }
