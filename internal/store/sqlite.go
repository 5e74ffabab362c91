package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"qrattend/internal/attendance"
)

// NewSQLite opens (creating if needed) a single-file store at dbPath.
func NewSQLite(ctx context.Context, dbPath string) (*SQL, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite dir")
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// one writer at a time; transactions queue on the pool instead of
	// failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	s, err := newSQL(ctx, db, dialect{
		name:           "sqlite",
		insertConflict: sqliteInsertConflict,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteInsertConflict(err error) error {
	var sqErr sqlite3.Error
	if !errors.As(err, &sqErr) {
		return nil
	}
	switch sqErr.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey:
		return attendance.ErrDuplicateToken
	case sqlite3.ErrConstraintUnique:
		return attendance.ErrHolderExists
	}
	return nil
}
