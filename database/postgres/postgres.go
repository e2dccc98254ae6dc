// Package postgres stores documents as JSONB rows of a single PostgreSQL
// table keyed by collection and id.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/drblury/chassis/database"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// ProviderName is the database provider value selecting postgres.
const ProviderName = "postgres"

const uniqueViolation = "23505"

const schema = `
CREATE SCHEMA IF NOT EXISTS chassis;
CREATE TABLE IF NOT EXISTS chassis.documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);`

// Register adds the postgres store to r.
func Register(r *database.Registry) {
	r.Register(ProviderName, func(ctx context.Context, cfg configpkg.DatabaseConfig, logger loggingpkg.ServiceLogger) (database.Store, error) {
		return Open(ctx, cfg, logger)
	})
}

type Store struct {
	db     *sql.DB
	logger loggingpkg.ServiceLogger
}

// Open connects to cfg.URL and creates the documents table when missing.
func Open(ctx context.Context, cfg configpkg.DatabaseConfig, logger loggingpkg.ServiceLogger) (*Store, error) {
	if cfg.URL == "" {
		return nil, errspkg.New(errspkg.KindConfiguration, "postgres.open", "postgres connection url is required")
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindConfiguration, "postgres.open", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.open", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.open", err)
	}
	logger = logger.With(loggingpkg.LogFields{"provider": ProviderName})
	logger.Debug("postgres document store opened", nil)
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Insert(ctx context.Context, collection string, docs ...database.Document) (err error) {
	if err := database.RequireCollection("postgres.insert", collection); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.insert", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, doc := range docs {
		id, err := database.IDOf(doc)
		if err != nil {
			return err
		}
		body, err := jsoncodec.Marshal(doc)
		if err != nil {
			return errspkg.Wrap(errspkg.KindEncoding, "postgres.insert", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO chassis.documents (collection, id, body) VALUES ($1, $2, $3)`, collection, id, body)
		if err != nil {
			if isUniqueViolation(err) {
				return database.ErrDuplicate("postgres.insert", collection, id)
			}
			return errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.insert", err)
	}
	return nil
}

// Update merges in SQL with the jsonb || operator after dropping nil fields,
// so concurrent updates of different fields do not overwrite each other.
func (s *Store) Update(ctx context.Context, collection, id string, fields database.Document) error {
	if err := database.RequireCollection("postgres.update", collection); err != nil {
		return err
	}
	patch, err := jsoncodec.Marshal(database.Merge(nil, fields))
	if err != nil {
		return errspkg.Wrap(errspkg.KindEncoding, "postgres.update", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chassis.documents SET body = body || $3::jsonb, updated_at = NOW() WHERE collection = $1 AND id = $2`,
		collection, id, patch)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return database.ErrMissing("postgres.update", collection, id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := database.RequireCollection("postgres.delete", collection); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chassis.documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.delete", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return database.ErrMissing("postgres.delete", collection, id)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (database.Document, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM chassis.documents WHERE collection = $1 AND id = $2`, collection, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrMissing("postgres.get", collection, id)
	}
	if err != nil {
		return nil, errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.get", err)
	}
	var doc database.Document
	if err := jsoncodec.Unmarshal(body, &doc); err != nil {
		return nil, errspkg.Wrap(errspkg.KindEncoding, "postgres.get", err)
	}
	return doc, nil
}

func (s *Store) Truncate(ctx context.Context, collections ...string) error {
	var (
		res sql.Result
		err error
	)
	if len(collections) == 0 {
		res, err = s.db.ExecContext(ctx, `DELETE FROM chassis.documents`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM chassis.documents WHERE collection = ANY($1)`, pq.Array(collections))
	}
	if err != nil {
		return errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.truncate", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Info("postgres documents truncated", loggingpkg.LogFields{"rows": n, "collections": collections})
	return nil
}

// Count returns the number of documents in collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chassis.documents WHERE collection = $1`, collection).Scan(&n)
	if err != nil {
		return 0, errspkg.Wrap(errspkg.KindProviderUnavailable, "postgres.count", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
