package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/procfleet/internal/metadata"
)

// New opens the metadata mirror in PostgreSQL through pgx's database/sql driver.
func New(dsn string) (*metadata.SQLStore, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return metadata.NewSQLStore(d, metadata.DialectPostgres), nil
}
