package sqlite

import (
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/procfleet/internal/metadata"
)

// New opens the metadata mirror in a SQLite database at path (modernc.org/sqlite,
// CGO-free). Use ":memory:" for an in-memory catalogue.
func New(path string) (*metadata.SQLStore, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" a single database
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	_, _ = d.Exec("PRAGMA foreign_keys=ON;")
	return metadata.NewSQLStore(d, metadata.DialectSQLite), nil
}
