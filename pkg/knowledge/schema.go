package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sodateru/sodateru/pkg/config"
	"github.com/sodateru/sodateru/pkg/logger"
)

// SQLSTATE codes raised when a concurrent creator won the race.
var alreadyExistsCodes = map[string]bool{
	"42P04": true, // duplicate_database
	"42P07": true, // duplicate_table
	"42710": true, // duplicate_object
	"23505": true, // unique_violation on the catalog
}

func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && alreadyExistsCodes[pgErr.Code]
}

// SchemaManager creates the target database and the graph tables. Both
// operations are idempotent and safe to run on every start.
type SchemaManager struct {
	db         *sql.DB
	dialect    dialect
	driver     string
	adminDSN   string
	dbName     string
	sqlitePath string
}

// EnsureDatabase creates the target database when it does not exist. On
// sqlite it creates the directory holding the database file.
func (m *SchemaManager) EnsureDatabase(ctx context.Context) error {
	if m.dialect.name == config.DialectSQLite {
		if m.sqlitePath == "" {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(m.sqlitePath), 0755); err != nil {
			return &SchemaError{Op: "create data dir", Err: err}
		}
		return nil
	}

	admin, err := sql.Open(m.driver, m.adminDSN)
	if err != nil {
		return &SchemaError{Op: "connect admin database", Err: err}
	}
	defer admin.Close()

	var one int
	err = admin.QueryRowContext(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, m.dbName).Scan(&one)
	switch {
	case err == nil:
		logger.DebugCF("knowledge", "Database exists", map[string]interface{}{"database": m.dbName})
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return &SchemaError{Op: "check database", Err: err}
	}

	stmt := "CREATE DATABASE " + pgx.Identifier{m.dbName}.Sanitize()
	if _, err := admin.ExecContext(ctx, stmt); err != nil {
		if isAlreadyExists(err) {
			return nil
		}
		return &SchemaError{Op: "create database", Err: err}
	}
	logger.InfoCF("knowledge", "Database created", map[string]interface{}{"database": m.dbName})
	return nil
}

// EnsureSchema creates the nodes and edges tables and their indexes.
func (m *SchemaManager) EnsureSchema(ctx context.Context) error {
	for _, ddl := range m.dialect.schema {
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			if isAlreadyExists(err) {
				continue
			}
			return &SchemaError{Op: "create schema", Err: fmt.Errorf("%s: %w", firstLine(ddl), err)}
		}
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' || r == '(' {
			return s[:i]
		}
	}
	return s
}
