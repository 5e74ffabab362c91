package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"qrattend/internal/attendance"
)

const pgUniqueViolation = "23505"

// NewDB opens a Postgres pool through pgx with sane defaults.
func NewDB(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return db, nil
}

// NewPostgres creates the Postgres-backed store and applies the schema.
func NewPostgres(ctx context.Context, db *sql.DB) (*SQL, error) {
	return newSQL(ctx, db, dialect{
		name:           "postgres",
		numbered:       true,
		insertConflict: pgInsertConflict,
	})
}

func pgInsertConflict(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return nil
	}
	switch pgErr.ConstraintName {
	case "credentials_pkey":
		return attendance.ErrDuplicateToken
	case "credentials_holder_valid_idx":
		return attendance.ErrHolderExists
	}
	return nil
}
