package core

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (config *SQLiteDBOption) DSN(sb *strings.Builder) {
	if config == nil {
		return
	}
	sep := "?"
	add := func(k, v string) {
		if v == "" {
			return
		}
		sb.WriteString(sep)
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(v)
		sep = "&"
	}
	add("mode", config.Mode)
	add("cache", config.Cache)
	add("_journal_mode", config.JournalMode)
}

// SQLiteDB is the local database holding client state that outlives the process.
type SQLiteDB struct {
	*sql.DB
	file string
}

func NewSQLiteDB(file string, config *SQLiteDBOption) (*SQLiteDB, error) {
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(file)
	config.DSN(&dsn)

	d, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	return &SQLiteDB{DB: d, file: file}, nil
}

// Migrate applies the migrations embedded in the binary.
func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose.SetDialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose.Up: %w", err)
	}
	return nil
}
