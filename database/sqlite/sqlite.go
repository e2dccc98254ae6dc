// Package sqlite stores documents in a single SQLite table keyed by
// collection and id.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/drblury/chassis/database"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

const (
	// ProviderName is the database provider value selecting sqlite.
	ProviderName = "sqlite"
	// DefaultFile is used when the configuration names no file.
	DefaultFile = "chassis_documents.db"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (collection, id)
);`

// Register adds the sqlite store to r.
func Register(r *database.Registry) {
	r.Register(ProviderName, func(ctx context.Context, cfg configpkg.DatabaseConfig, logger loggingpkg.ServiceLogger) (database.Store, error) {
		return Open(ctx, cfg, logger)
	})
}

type Store struct {
	db     *sql.DB
	logger loggingpkg.ServiceLogger
}

// Open opens cfg.File, creating the documents table when missing.
func Open(ctx context.Context, cfg configpkg.DatabaseConfig, logger loggingpkg.ServiceLogger) (*Store, error) {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	file := cfg.File
	if file == "" {
		file = DefaultFile
	}
	db, err := sql.Open("sqlite3", file+"?_busy_timeout=5000")
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "sqlite.open", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.open", err)
	}
	logger = logger.With(loggingpkg.LogFields{"provider": ProviderName, "file": file})
	logger.Debug("sqlite document store opened", nil)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Insert(ctx context.Context, collection string, docs ...database.Document) (err error) {
	if err := database.RequireCollection("sqlite.insert", collection); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.insert", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO documents (collection, id, body) VALUES (?, ?, ?)`)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.insert", err)
	}
	defer stmt.Close()

	for _, doc := range docs {
		id, err := database.IDOf(doc)
		if err != nil {
			return err
		}
		body, err := jsoncodec.Marshal(doc)
		if err != nil {
			return errspkg.Wrap(errspkg.KindEncoding, "sqlite.insert", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, id, body); err != nil {
			if isConstraint(err) {
				return database.ErrDuplicate("sqlite.insert", collection, id)
			}
			return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.insert", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields database.Document) (err error) {
	if err := database.RequireCollection("sqlite.update", collection); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.update", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	doc, err := getDocument(ctx, tx, collection, id)
	if err != nil {
		return err
	}
	body, err := jsoncodec.Marshal(database.Merge(doc, fields))
	if err != nil {
		return errspkg.Wrap(errspkg.KindEncoding, "sqlite.update", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE documents SET body = ? WHERE collection = ? AND id = ?`, body, collection, id); err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.update", err)
	}
	if err := tx.Commit(); err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.update", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := database.RequireCollection("sqlite.delete", collection); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return database.ErrMissing("sqlite.delete", collection, id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (database.Document, error) {
	return getDocument(ctx, s.db, collection, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDocument(ctx context.Context, q queryer, collection, id string) (database.Document, error) {
	var body []byte
	err := q.QueryRowContext(ctx, `SELECT body FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrMissing("sqlite.get", collection, id)
	}
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.get", err)
	}
	var doc database.Document
	if err := jsoncodec.Unmarshal(body, &doc); err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "sqlite.get", err)
	}
	return doc, nil
}

// Count returns the number of documents in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.count", err)
	}
	return n, nil
}

func (s *Store) Truncate(ctx context.Context, collections ...string) error {
	query := `DELETE FROM documents`
	args := make([]any, len(collections))
	if len(collections) > 0 {
		query += ` WHERE collection IN (?` + strings.Repeat(`, ?`, len(collections)-1) + `)`
		for i, c := range collections {
			args[i] = c
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "sqlite.truncate", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("sqlite documents truncated", loggingpkg.LogFields{"rows": n, "collections": collections})
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}
