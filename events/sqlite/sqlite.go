// Package sqlite is a durable event provider backed by a SQLite log.
//
// Every topic is an append-only table partition numbered from zero. The
// committed position of each (topic, event) pair lives in a second table, so
// consumers resume where they stopped and can be rewound with ResetOffset.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/chassis/events"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// ProviderName is the events.provider value selecting this provider.
const ProviderName = "sqlite"

const (
	// DefaultPollInterval is how often idle consumers look for new records.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultFile is used when no file is configured.
	DefaultFile = "chassis_events.db"

	batchSize = 256
)

var capabilities = events.Capabilities{
	Name:             ProviderName,
	Durable:          true,
	Replay:           true,
	TimestampOffsets: true,
}

// Register adds the sqlite provider to r.
func Register(r *events.Registry) {
	r.Register(ProviderName, Build, capabilities)
}

// Build creates a provider from the events.sqlite section.
func Build(_ context.Context, cfg configpkg.EventsConfig, logger loggingpkg.ServiceLogger) (events.Provider, error) {
	return New(Config{File: cfg.SQLite.File, PollInterval: cfg.SQLite.PollInterval}, logger), nil
}

// Config holds SQLite-specific configuration.
type Config struct {
	// File is the path to the database. Use ":memory:" in tests.
	File string
	// PollInterval is the interval for polling new records.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.File == "" {
		c.File = DefaultFile
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Provider implements events.Provider on SQLite. The database is opened by
// Start and closed by End.
type Provider struct {
	config Config
	logger loggingpkg.ServiceLogger

	mu        sync.Mutex
	db        *sql.DB
	consumers map[string]*consumer
	wg        sync.WaitGroup
}

func New(cfg Config, logger loggingpkg.ServiceLogger) *Provider {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Provider{
		config:    cfg.withDefaults(),
		logger:    logger.With(loggingpkg.LogFields{"provider": ProviderName}),
		consumers: make(map[string]*consumer),
	}
}

func (p *Provider) Name() string { return ProviderName }

func (p *Provider) Capabilities() events.Capabilities { return capabilities }

func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite3", p.config.File+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// offset assignment.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	p.db = db
	p.logger.Debug("event log opened", loggingpkg.LogFields{"file": p.config.File})
	return nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		topic TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event TEXT NOT NULL,
		data BLOB,
		ts INTEGER NOT NULL,
		PRIMARY KEY (topic, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_records_topic_ts ON records(topic, ts);

	CREATE TABLE IF NOT EXISTS commits (
		topic TEXT NOT NULL,
		event TEXT NOT NULL,
		position INTEGER NOT NULL,
		generation INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (topic, event)
	);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

// End stops every consumer, waits for them and closes the database.
func (p *Provider) End(context.Context) error {
	p.mu.Lock()
	db := p.db
	p.db = nil
	for topic, c := range p.consumers {
		c.cancel()
		delete(p.consumers, topic)
	}
	p.mu.Unlock()

	p.wg.Wait()
	if db == nil {
		return nil
	}
	return db.Close()
}

func (p *Provider) conn(op string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil, errspkg.New(errspkg.KindProviderUnavailable, op, "provider is not running")
	}
	return p.db, nil
}

// Append writes records in one transaction and wakes the topic's consumer.
func (p *Provider) Append(ctx context.Context, topic string, records []events.Record) ([]int64, error) {
	db, err := p.conn("sqlite.append")
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			p.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM records WHERE topic = ?`, topic,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("failed to read tail of %s: %w", topic, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (topic, seq, event, data, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	ts := time.Now().UnixMilli()
	offsets := make([]int64, len(records))
	for i, rec := range records {
		if _, err := stmt.ExecContext(ctx, topic, next, rec.Event, rec.Data, ts); err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
		offsets[i] = next
		next++
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.wake(topic)
	return offsets, nil
}

// Subscribe creates the committed position of event at the tail unless one
// exists, then attaches deliver to the topic's consumer.
func (p *Provider) Subscribe(ctx context.Context, topic, event string, deliver events.Delivery) error {
	db, err := p.conn("sqlite.subscribe")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO commits (topic, event, position)
		SELECT ?, ?, COALESCE(MAX(seq) + 1, 0) FROM records WHERE topic = ?`,
		topic, event, topic,
	); err != nil {
		return fmt.Errorf("failed to create committed position: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return errspkg.New(errspkg.KindProviderUnavailable, "sqlite.subscribe", "provider is not running")
	}
	c, ok := p.consumers[topic]
	if !ok {
		c = newConsumer(p, topic)
		p.consumers[topic] = c
		p.wg.Add(1)
		go c.run()
	}
	c.attach(event, deliver)
	c.notify()
	return nil
}

// Unsubscribe detaches event. The last detach cancels the consumer without
// waiting for it.
func (p *Provider) Unsubscribe(topic, event string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[topic]
	if !ok {
		return
	}
	if c.detach(event) == 0 {
		c.cancel()
		delete(p.consumers, topic)
	}
}

func (p *Provider) Offset(ctx context.Context, topic string, hint int64) (int64, error) {
	db, err := p.conn("sqlite.offset")
	if err != nil {
		return 0, err
	}

	var tail int64
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM records WHERE topic = ?`, topic,
	).Scan(&tail); err != nil {
		return 0, fmt.Errorf("failed to read tail of %s: %w", topic, err)
	}
	if hint == events.OffsetLatest {
		return tail, nil
	}

	var first sql.NullInt64
	query := `SELECT MIN(seq) FROM records WHERE topic = ?`
	args := []any{topic}
	if hint >= 0 {
		query += ` AND ts >= ?`
		args = append(args, hint)
	}
	if err := db.QueryRowContext(ctx, query, args...).Scan(&first); err != nil {
		return 0, fmt.Errorf("failed to resolve offset of %s: %w", topic, err)
	}
	if !first.Valid {
		return tail, nil
	}
	return first.Int64, nil
}

// ResetOffset moves the committed position of event to base. Bumping the
// generation makes an in-flight consumer batch drop its stale commits.
func (p *Provider) ResetOffset(ctx context.Context, topic, event string, base int64) error {
	db, err := p.conn("sqlite.reset_offset")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO commits (topic, event, position) VALUES (?, ?, ?)
		ON CONFLICT (topic, event) DO UPDATE SET
			position = excluded.position,
			generation = commits.generation + 1`,
		topic, event, base,
	); err != nil {
		return fmt.Errorf("failed to reset committed position: %w", err)
	}
	p.logger.Debug("committed position reset", loggingpkg.LogFields{
		"topic": topic,
		"event": event,
		"base":  base,
	})
	p.wake(topic)
	return nil
}

func (p *Provider) wake(topic string) {
	p.mu.Lock()
	c := p.consumers[topic]
	p.mu.Unlock()
	if c != nil {
		c.notify()
	}
}
