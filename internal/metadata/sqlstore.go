package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on database/sql. The sqlite and postgres
// sub-packages open the connection with the right driver.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS apps(
			name TEXT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS images(
			name TEXT PRIMARY KEY
		);`,
		`CREATE TABLE IF NOT EXISTS builds(
			id ` + id + `,
			app TEXT NOT NULL REFERENCES apps(name),
			tag TEXT NOT NULL,
			os_image TEXT NOT NULL DEFAULT '',
			UNIQUE(app, tag, os_image)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_builds_app_tag ON builds(app, tag);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) PutApp(ctx context.Context, a App) error {
	if a.Name == "" {
		return errors.New("empty app name")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO apps(name) VALUES(?) ON CONFLICT(name) DO NOTHING;`), a.Name)
	return err
}

func (s *SQLStore) PutImage(ctx context.Context, img Image) error {
	if img.Name == "" {
		return errors.New("empty image name")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO images(name) VALUES(?) ON CONFLICT(name) DO NOTHING;`), img.Name)
	return err
}

// PutBuild records b, creating its app and image rows when missing.
func (s *SQLStore) PutBuild(ctx context.Context, b Build) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO apps(name) VALUES(?) ON CONFLICT(name) DO NOTHING;`), b.App); err != nil {
		return err
	}
	image := ""
	if b.OSImage != nil && b.OSImage.Name != "" {
		image = b.OSImage.Name
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO images(name) VALUES(?) ON CONFLICT(name) DO NOTHING;`), image); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO builds(app, tag, os_image) VALUES(?, ?, ?)
		ON CONFLICT(app, tag, os_image) DO NOTHING;`), b.App, b.Tag, image); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) FindBuildsByAppAndTag(ctx context.Context, app, tag string) ([]Build, error) {
	var name string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT name FROM apps WHERE name = ?;`), app).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", app, ErrAppNotFound)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT app, tag, os_image FROM builds WHERE app = ? AND tag = ? ORDER BY id;`), app, tag)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	builds := make([]Build, 0)
	for rows.Next() {
		var b Build
		var image string
		if err := rows.Scan(&b.App, &b.Tag, &image); err != nil {
			return nil, err
		}
		if image != "" {
			b.OSImage = &Image{Name: image}
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *SQLStore) Close() error { return s.db.Close() }

var _ Store = (*SQLStore)(nil)
