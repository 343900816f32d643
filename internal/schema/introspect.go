package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codeanatomy/codeanatomy/internal/logging"
)

// Extractor introspects a live database connection. Only what the
// connection reports exists; no tables are read from files or added by
// hand.
type Extractor struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger
}

// normalizeDriver maps user-facing driver names onto registered sql
// driver names.
func normalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "mysql":
		return "mysql", nil
	case "postgres", "postgresql":
		return "pgx", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported driver %q (use mysql, postgres or sqlite)", driver)
	}
}

// Connect opens the database and verifies connectivity.
func Connect(ctx context.Context, driver, dsn string) (*Extractor, error) {
	name, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, name, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	logger := logging.Component("schema")
	logger.Debug("database connected", "driver", name)
	return &Extractor{db: db, driver: name, logger: logger}, nil
}

// Close releases the underlying connection.
func (e *Extractor) Close() error {
	return e.db.Close()
}

// Extract reads the full schema: base tables of the connected database
// with their columns in ordinal order.
func (e *Extractor) Extract(ctx context.Context) (*Schema, error) {
	var s *Schema
	var err error
	switch e.driver {
	case "mysql":
		s, err = e.extractMySQL(ctx)
	case "pgx":
		s, err = e.extractPostgres(ctx)
	default:
		s, err = e.extractSQLite(ctx)
	}
	if err != nil {
		return nil, err
	}
	e.logger.Info("schema extracted", "database", s.Database, "tables", len(s.Tables))
	return s, nil
}

func (e *Extractor) extractPostgres(ctx context.Context) (*Schema, error) {
	var dbName string
	if err := e.db.GetContext(ctx, &dbName, "SELECT current_database()"); err != nil {
		return nil, fmt.Errorf("current database: %w", err)
	}
	s := &Schema{Database: dbName}

	var names []string
	err := e.db.SelectContext(ctx, &names,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		 ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	for _, name := range names {
		var cols []Column
		err := e.db.SelectContext(ctx, &cols,
			`SELECT column_name AS name, data_type AS type
			 FROM information_schema.columns
			 WHERE table_schema = 'public' AND table_name = $1
			 ORDER BY ordinal_position`, name)
		if err != nil {
			return nil, fmt.Errorf("columns of %s: %w", name, err)
		}
		s.Tables = append(s.Tables, Table{Name: name, Columns: cols})
	}
	return s, nil
}

func (e *Extractor) extractMySQL(ctx context.Context) (*Schema, error) {
	var dbName sql.NullString
	if err := e.db.GetContext(ctx, &dbName, "SELECT DATABASE()"); err != nil {
		return nil, fmt.Errorf("current database: %w", err)
	}
	if !dbName.Valid || dbName.String == "" {
		return nil, fmt.Errorf("connection has no default database selected")
	}
	s := &Schema{Database: dbName.String}

	var names []string
	err := e.db.SelectContext(ctx, &names,
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
		 ORDER BY TABLE_NAME`, s.Database)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	for _, name := range names {
		var cols []Column
		err := e.db.SelectContext(ctx, &cols,
			`SELECT COLUMN_NAME AS name, DATA_TYPE AS type
			 FROM INFORMATION_SCHEMA.COLUMNS
			 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
			 ORDER BY ORDINAL_POSITION`, s.Database, name)
		if err != nil {
			return nil, fmt.Errorf("columns of %s: %w", name, err)
		}
		s.Tables = append(s.Tables, Table{Name: name, Columns: cols})
	}
	return s, nil
}

func (e *Extractor) extractSQLite(ctx context.Context) (*Schema, error) {
	s := &Schema{Database: "main"}

	var names []string
	err := e.db.SelectContext(ctx, &names,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	for _, name := range names {
		// PRAGMA arguments cannot be bound; the name came from
		// sqlite_master, quoting is enough.
		var cols []struct {
			CID     int            `db:"cid"`
			Name    string         `db:"name"`
			Type    string         `db:"type"`
			NotNull int            `db:"notnull"`
			Default sql.NullString `db:"dflt_value"`
			PK      int            `db:"pk"`
		}
		query := fmt.Sprintf("PRAGMA table_info(%q)", name)
		if err := e.db.SelectContext(ctx, &cols, query); err != nil {
			return nil, fmt.Errorf("columns of %s: %w", name, err)
		}
		t := Table{Name: name}
		for _, c := range cols {
			t.Columns = append(t.Columns, Column{Name: c.Name, Type: c.Type})
		}
		s.Tables = append(s.Tables, t)
	}
	return s, nil
}
