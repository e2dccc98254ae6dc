package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/chassis/events"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// consumer walks one topic in offset order on its own goroutine.
type consumer struct {
	p      *Provider
	topic  string
	logger loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	wakeCh chan struct{}

	mu   sync.Mutex
	subs map[string]events.Delivery
}

type commit struct {
	position   int64
	generation int64
}

func newConsumer(p *Provider, topic string) *consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumer{
		p:      p,
		topic:  topic,
		logger: p.logger.With(loggingpkg.LogFields{"topic": topic}),
		ctx:    ctx,
		cancel: cancel,
		wakeCh: make(chan struct{}, 1),
		subs:   make(map[string]events.Delivery),
	}
}

func (c *consumer) attach(event string, deliver events.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[event] = deliver
}

func (c *consumer) detach(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, event)
	return len(c.subs)
}

func (c *consumer) lookup(event string) events.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[event]
}

func (c *consumer) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.subs))
	for name := range c.subs {
		names = append(names, name)
	}
	return names
}

func (c *consumer) notify() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

func (c *consumer) run() {
	defer c.p.wg.Done()
	c.logger.Debug("consumer started", nil)
	defer c.logger.Debug("consumer stopped", nil)

	ticker := time.NewTicker(c.p.config.PollInterval)
	defer ticker.Stop()

	for {
		again := c.poll()
		if c.ctx.Err() != nil {
			return
		}
		if again {
			continue
		}
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		case <-c.wakeCh:
		}
	}
}

// poll delivers every pending record once. It reports whether a committed
// position was reset underneath it, in which case the caller polls again.
func (c *consumer) poll() bool {
	db, err := c.p.conn("sqlite.poll")
	if err != nil {
		return false
	}

	commits, err := c.loadCommits(db)
	if err != nil {
		if c.ctx.Err() != nil {
			return false
		}
		c.logger.Error("failed to load committed positions", err, nil)
		return false
	}
	if len(commits) == 0 {
		return false
	}

	from := int64(-1)
	for _, cm := range commits {
		if from < 0 || cm.position < from {
			from = cm.position
		}
	}

	scanned := from
	for {
		batch, err := c.fetch(db, from)
		if err != nil {
			if c.ctx.Err() != nil {
				return false
			}
			c.logger.Error("failed to read records", err, nil)
			return false
		}

		for _, rec := range batch {
			if c.ctx.Err() != nil {
				return false
			}
			cm, ok := commits[rec.Event]
			if !ok || rec.Offset < cm.position {
				continue
			}
			deliver := c.lookup(rec.Event)
			if deliver == nil {
				delete(commits, rec.Event)
				continue
			}

			deliver(c.ctx, rec)

			current, err := c.commit(db, rec.Event, cm, rec.Offset+1)
			if err != nil {
				c.logger.Error("failed to commit position", err, loggingpkg.LogFields{
					"event":  rec.Event,
					"offset": rec.Offset,
				})
				return false
			}
			if !current {
				return true
			}
			cm.position = rec.Offset + 1
			commits[rec.Event] = cm
		}

		if len(batch) > 0 {
			scanned = batch[len(batch)-1].Offset + 1
		}
		if len(batch) < batchSize {
			break
		}
		from = scanned
	}

	// Records of other events were skipped; move the remaining positions past
	// them so the next poll does not scan them again.
	for event, cm := range commits {
		if cm.position >= scanned {
			continue
		}
		current, err := c.commit(db, event, cm, scanned)
		if err != nil {
			c.logger.Error("failed to commit position", err, loggingpkg.LogFields{"event": event})
			return false
		}
		if !current {
			return true
		}
		if deliver := c.lookup(event); deliver != nil {
			deliver(c.ctx, events.Record{Offset: scanned - 1, Event: event, Passed: true})
		}
	}
	return false
}

func (c *consumer) loadCommits(db *sql.DB) (map[string]commit, error) {
	wanted := c.subscribed()
	if len(wanted) == 0 {
		return nil, nil
	}

	rows, err := db.QueryContext(c.ctx, `SELECT event, position, generation FROM commits WHERE topic = ?`, c.topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all := make(map[string]commit)
	for rows.Next() {
		var (
			event string
			cm    commit
		)
		if err := rows.Scan(&event, &cm.position, &cm.generation); err != nil {
			return nil, err
		}
		all[event] = cm
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	commits := make(map[string]commit, len(wanted))
	for _, event := range wanted {
		if cm, ok := all[event]; ok {
			commits[event] = cm
		}
	}
	return commits, nil
}

// fetch reads one batch fully before returning. Delivery may write to the
// database, and the pool holds a single connection.
func (c *consumer) fetch(db *sql.DB, from int64) ([]events.Record, error) {
	rows, err := db.QueryContext(c.ctx,
		`SELECT seq, event, data, ts FROM records WHERE topic = ? AND seq >= ? ORDER BY seq LIMIT ?`,
		c.topic, from, batchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batch []events.Record
	for rows.Next() {
		var (
			rec events.Record
			ts  int64
		)
		if err := rows.Scan(&rec.Offset, &rec.Event, &rec.Data, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts)
		batch = append(batch, rec)
	}
	return batch, rows.Err()
}

// commit stores position unless the generation moved on. It reports false
// when a reset happened since cm was read.
func (c *consumer) commit(db *sql.DB, event string, cm commit, position int64) (bool, error) {
	res, err := db.ExecContext(context.WithoutCancel(c.ctx),
		`UPDATE commits SET position = ? WHERE topic = ? AND event = ? AND generation = ?`,
		position, c.topic, event, cm.generation,
	)
	if err != nil {
		return false, fmt.Errorf("update commits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
