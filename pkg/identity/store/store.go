// Package store is the document store behind the identity core. Users,
// roles and groups are persisted as JSON documents in a single SQLite
// table, keyed by (collection, id), with expression indexes enforcing
// username and email uniqueness. The engine is embedded (modernc.org,
// no cgo) and schema changes ship as goose migrations.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	goerr "errors"
	"fmt"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/adcplatform/adc/pkg/errors"
)

// Collections used by the identity core.
const (
	CollectionUsers  = "users"
	CollectionRoles  = "roles"
	CollectionGroups = "groups"
)

// DB wraps the SQLite handle.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the database at the DSN and applies
// pending migrations. Use ":memory:" for tests.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.NewConfigError("document store dsn is required", nil)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.NewDependencyError("cannot open document store", err)
	}
	// SQLite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY under concurrent writes and keeps :memory: databases
	// on one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.NewDependencyError("cannot migrate document store", err)
	}
	return &DB{sql: db}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Insert stores a new document. An existing id or a violated unique
// index yields a conflict error.
func (d *DB) Insert(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	_, err = d.sql.ExecContext(ctx,
		`INSERT INTO documents (collection, id, doc) VALUES (?, ?, ?)`,
		collection, id, string(data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("", "document already exists")
		}
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// Update replaces an existing document.
func (d *DB) Update(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling document: %w", err)
	}
	res, err := d.sql.ExecContext(ctx,
		`UPDATE documents SET doc = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE collection = ? AND id = ?`,
		string(data), collection, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("", "document already exists")
		}
		return fmt.Errorf("updating document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading update result: %w", err)
	}
	if n == 0 {
		return errors.NewNotFoundError("document not found", nil)
	}
	return nil
}

// Get decodes the document into out.
func (d *DB) Get(ctx context.Context, collection, id string, out any) error {
	var data string
	err := d.sql.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&data)
	if goerr.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("document not found", nil)
	}
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("unmarshaling document: %w", err)
	}
	return nil
}

// Delete removes a document.
func (d *DB) Delete(ctx context.Context, collection, id string) error {
	res, err := d.sql.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading delete result: %w", err)
	}
	if n == 0 {
		return errors.NewNotFoundError("document not found", nil)
	}
	return nil
}

// List returns the raw documents of a collection in insertion order.
func (d *DB) List(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT doc FROM documents WHERE collection = ? ORDER BY created_at, id`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return out, nil
}

// FindByField returns all documents whose top-level field equals value.
func (d *DB) FindByField(ctx context.Context, collection, field, value string) ([]json.RawMessage, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT doc FROM documents
		 WHERE collection = ? AND json_extract(doc, '$.'||?) = ?
		 ORDER BY created_at, id`,
		collection, field, value,
	)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return out, nil
}

// FindOneByField decodes the single document whose field equals value.
func (d *DB) FindOneByField(ctx context.Context, collection, field, value string, out any) error {
	docs, err := d.FindByField(ctx, collection, field, value)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return errors.NewNotFoundError("document not found", nil)
	}
	if err := json.Unmarshal(docs[0], out); err != nil {
		return fmt.Errorf("unmarshaling document: %w", err)
	}
	return nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if goerr.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
