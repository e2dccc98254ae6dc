package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/chassis/events"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
	"github.com/drblury/chassis/internal/runtime/metadata"
)

const reconnectDelay = time.Second

type subscription struct {
	deliver  events.Delivery
	position int64
	gen      int
}

// consumer reads partition 0 of one topic with a dedicated client. Rewinding
// closes the client and opens a new one at the lowest subscribed position.
type consumer struct {
	p      *Provider
	topic  string
	logger loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	subs          map[string]*subscription
	cursor        int64
	reseekPending bool
	pollCancel    context.CancelFunc
}

func newConsumer(p *Provider, topic string) *consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumer{
		p:      p,
		topic:  topic,
		logger: p.logger.With(loggingpkg.LogFields{"topic": topic}),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

func (c *consumer) attach(event string, deliver events.Delivery, position int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[event] = &subscription{deliver: deliver, position: position}
	if position < c.cursor {
		c.requestReseekLocked()
	}
}

func (c *consumer) detach(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, event)
	return len(c.subs)
}

func (c *consumer) rewind(event string, base int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[event]
	if !ok {
		return
	}
	s.position = base
	s.gen++
	if base < c.cursor {
		c.requestReseekLocked()
	}
}

func (c *consumer) requestReseekLocked() {
	c.reseekPending = true
	if c.pollCancel != nil {
		c.pollCancel()
	}
}

// startOffset returns the lowest subscribed position and arms a poll context
// that a rewind can cancel.
func (c *consumer) startOffset() (int64, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := int64(-1)
	for _, s := range c.subs {
		if from < 0 || s.position < from {
			from = s.position
		}
	}
	if from < 0 {
		from = 0
	}
	c.cursor = from
	c.reseekPending = false
	pollCtx, cancel := context.WithCancel(c.ctx)
	c.pollCancel = cancel
	return from, pollCtx
}

func (c *consumer) run() {
	defer c.p.wg.Done()
	c.logger.Debug("consumer started", nil)
	defer c.logger.Debug("consumer stopped", nil)

	for c.ctx.Err() == nil {
		from, pollCtx := c.startOffset()
		opts := append(c.p.baseOpts(), kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			c.topic: {partition: kgo.NewOffset().At(from)},
		}))
		cl, err := kgo.NewClient(opts...)
		if err != nil {
			c.logger.Error("failed to create consumer client", err, nil)
			select {
			case <-c.ctx.Done():
			case <-time.After(reconnectDelay):
			}
			continue
		}
		c.consume(pollCtx, cl)
		cl.Close()
	}
}

func (c *consumer) consume(pollCtx context.Context, cl *kgo.Client) {
	for {
		fetches := cl.PollFetches(pollCtx)
		if pollCtx.Err() != nil || fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, p int32, err error) {
			c.logger.Warn("fetch failed", loggingpkg.LogFields{
				"partition": p,
				"error":     err.Error(),
			})
		})
		iter := fetches.RecordIter()
		for !iter.Done() {
			if !c.handle(iter.Next()) {
				return
			}
		}
	}
}

// handle delivers rec when its event is subscribed at or before rec's offset
// and reports it as passed to the other subscriptions. It returns false once
// the client has to be replaced.
func (c *consumer) handle(rec *kgo.Record) bool {
	event := eventOf(rec)

	c.mu.Lock()
	if c.reseekPending || c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.cursor = rec.Offset + 1
	var passed []events.Delivery
	for name, other := range c.subs {
		if name != event && other.position <= rec.Offset {
			passed = append(passed, other.deliver)
		}
	}
	s, ok := c.subs[event]
	due := ok && rec.Offset >= s.position
	var (
		deliver events.Delivery
		gen     int
	)
	if due {
		deliver, gen = s.deliver, s.gen
	}
	c.mu.Unlock()

	for _, pass := range passed {
		pass(c.ctx, events.Record{Offset: rec.Offset, Event: event, Passed: true})
	}
	if !due {
		return true
	}

	deliver(c.ctx, events.Record{
		Offset:    rec.Offset,
		Event:     event,
		Data:      rec.Value,
		Timestamp: rec.Timestamp,
	})

	_, admin, err := c.p.clients("kafka.commit")
	if err != nil {
		return false
	}
	if err := c.p.commit(context.WithoutCancel(c.ctx), admin, c.topic, event, rec.Offset+1); err != nil {
		c.logger.Error("failed to commit position", err, loggingpkg.LogFields{
			"event":  event,
			"offset": rec.Offset,
		})
	}

	c.mu.Lock()
	if s.gen == gen && s.position <= rec.Offset {
		s.position = rec.Offset + 1
	}
	c.mu.Unlock()
	return true
}

func eventOf(rec *kgo.Record) string {
	for _, h := range rec.Headers {
		if h.Key == metadata.KeyEvent {
			return string(h.Value)
		}
	}
	return ""
}
