package events

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Topic is a named stream of records shared by all its event names.
type Topic struct {
	name   string
	bus    *Bus
	logger loggingpkg.ServiceLogger

	// subMu serialises provider Subscribe/Unsubscribe calls. It is never
	// held while listeners run.
	subMu sync.Mutex

	mu         sync.RWMutex
	listeners  map[string][]*Handle
	subscribed map[string]bool

	progressMu sync.Mutex
	delivered  int64
	walked     map[string]int64
	progress   chan struct{}
}

func newTopic(name string, bus *Bus) *Topic {
	return &Topic{
		name:       name,
		bus:        bus,
		logger:     bus.logger.With(loggingpkg.LogFields{"topic": name}),
		listeners:  make(map[string][]*Handle),
		subscribed: make(map[string]bool),
		delivered:  -1,
		walked:     make(map[string]int64),
		progress:   make(chan struct{}),
	}
}

func (t *Topic) Name() string { return t.name }

// On registers listener for event. Listeners of an event run sequentially in
// registration order for every delivered record.
func (t *Topic) On(ctx context.Context, event string, listener Listener) (*Handle, error) {
	if event == "" {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "events.on", errspkg.ErrEventRequired)
	}
	if listener == nil {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "events.on", errspkg.ErrListenerRequired)
	}
	if err := t.bus.requireStarted("events.on"); err != nil {
		return nil, err
	}

	h := &Handle{event: event, listener: listener}

	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.mu.Lock()
	t.listeners[event] = append(t.listeners[event], h)
	needSubscribe := !t.subscribed[event]
	t.mu.Unlock()

	if !needSubscribe {
		return h, nil
	}
	if err := t.bus.provider.Subscribe(ctx, t.name, event, t.deliverer(event)); err != nil {
		t.mu.Lock()
		t.removeLocked(h)
		t.mu.Unlock()
		return nil, providerError("events.on", err)
	}
	t.mu.Lock()
	t.subscribed[event] = true
	t.mu.Unlock()
	return h, nil
}

// RemoveListener unregisters h. Unknown or nil handles are ignored.
func (t *Topic) RemoveListener(h *Handle) {
	if h == nil {
		return
	}
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.mu.Lock()
	if !t.removeLocked(h) {
		t.mu.Unlock()
		return
	}
	drop := len(t.listeners[h.event]) == 0 && t.subscribed[h.event]
	if drop {
		delete(t.subscribed, h.event)
	}
	t.mu.Unlock()

	if drop {
		t.bus.provider.Unsubscribe(t.name, h.event)
	}
}

// RemoveAllListeners unregisters every listener of event.
func (t *Topic) RemoveAllListeners(event string) {
	t.subMu.Lock()
	defer t.subMu.Unlock()

	t.mu.Lock()
	delete(t.listeners, event)
	drop := t.subscribed[event]
	delete(t.subscribed, event)
	t.mu.Unlock()

	if drop {
		t.bus.provider.Unsubscribe(t.name, event)
	}
}

// removeLocked drops h from its event list, building a new slice so that
// snapshots held by in-flight deliveries stay intact.
func (t *Topic) removeLocked(h *Handle) bool {
	list := t.listeners[h.event]
	for i, candidate := range list {
		if candidate != h {
			continue
		}
		if len(list) == 1 {
			delete(t.listeners, h.event)
			return true
		}
		next := make([]*Handle, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		t.listeners[h.event] = next
		return true
	}
	return false
}

// ListenerCount returns the number of listeners registered for event.
func (t *Topic) ListenerCount(event string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners[event])
}

// HasListeners reports whether event has at least one listener.
func (t *Topic) HasListeners(event string) bool {
	return t.ListenerCount(event) > 0
}

// Emit encodes every payload with the event's schema and appends them to the
// topic. The returned offsets are in payload order. With a synchronous
// provider every listener has completed when Emit returns.
func (t *Topic) Emit(ctx context.Context, event string, payloads ...any) ([]int64, error) {
	if event == "" {
		return nil, errspkg.Wrap(errspkg.KindInvalidArgument, "events.emit", errspkg.ErrEventRequired)
	}
	if err := t.bus.requireStarted("events.emit"); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	schema := t.bus.schemaFor(t.name, event)
	records := make([]Record, len(payloads))
	for i, payload := range payloads {
		data, err := schema.Encode(payload)
		if err != nil {
			if errspkg.KindOf(err) != errspkg.KindEncoding {
				err = errspkg.Wrap(errspkg.KindEncoding, "events.emit", err)
			}
			return nil, err
		}
		records[i] = Record{Event: event, Data: data}
	}

	offsets, err := t.bus.provider.Append(ctx, t.name, records)
	if err != nil {
		return nil, providerError("events.emit", err)
	}
	if t.bus.provider.Capabilities().Synchronous && len(offsets) > 0 {
		t.markDelivered(offsets[len(offsets)-1])
	}
	return offsets, nil
}

// Offset resolves a position hint: OffsetLatest, OffsetEarliest, or a unix
// millisecond timestamp on providers that support it.
func (t *Topic) Offset(ctx context.Context, hint int64) (int64, error) {
	if err := t.bus.requireStarted("events.offset"); err != nil {
		return 0, err
	}
	if hint < OffsetEarliest {
		return 0, errspkg.Newf(errspkg.KindInvalidArgument, "events.offset", "invalid offset hint %d", hint)
	}
	offset, err := t.bus.provider.Offset(ctx, t.name, hint)
	if err != nil {
		return 0, providerError("events.offset", err)
	}
	return offset, nil
}

// ResetOffset rewinds the committed position of event so its consumer
// replays from base. Providers without replay support return an Unsupported
// error.
func (t *Topic) ResetOffset(ctx context.Context, event string, base int64) error {
	if event == "" {
		return errspkg.Wrap(errspkg.KindInvalidArgument, "events.reset_offset", errspkg.ErrEventRequired)
	}
	if base < 0 {
		return errspkg.Newf(errspkg.KindInvalidArgument, "events.reset_offset", "invalid base offset %d", base)
	}
	if err := t.bus.requireStarted("events.reset_offset"); err != nil {
		return err
	}
	if !t.bus.provider.Capabilities().Replay {
		return errspkg.Newf(errspkg.KindUnsupported, "events.reset_offset",
			"provider %s cannot replay topic %s", t.bus.provider.Name(), t.name)
	}
	t.progressMu.Lock()
	t.walked[event] = base - 1
	t.progressMu.Unlock()
	return providerError("events.reset_offset", t.bus.provider.ResetOffset(ctx, t.name, event, base))
}

// WaitForOffset blocks until a record at or past target was delivered on
// this topic, or ctx is done.
func (t *Topic) WaitForOffset(ctx context.Context, target int64) error {
	for {
		t.progressMu.Lock()
		if t.delivered >= target {
			t.progressMu.Unlock()
			return nil
		}
		ch := t.progress
		t.progressMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForEventOffset blocks until the consumer of event walked to target,
// delivering the record or passing over it, or ctx is done. ResetOffset
// restarts the progress of event just before its base.
func (t *Topic) WaitForEventOffset(ctx context.Context, event string, target int64) error {
	for {
		t.progressMu.Lock()
		walked, ok := t.walked[event]
		if ok && walked >= target {
			t.progressMu.Unlock()
			return nil
		}
		ch := t.progress
		t.progressMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Topic) markDelivered(offset int64) {
	t.progressMu.Lock()
	defer t.progressMu.Unlock()
	if offset <= t.delivered {
		return
	}
	t.delivered = offset
	t.broadcastLocked()
}

func (t *Topic) markWalked(event string, offset int64) {
	t.progressMu.Lock()
	defer t.progressMu.Unlock()
	if walked, ok := t.walked[event]; ok && offset <= walked {
		return
	}
	t.walked[event] = offset
	t.broadcastLocked()
}

func (t *Topic) broadcastLocked() {
	close(t.progress)
	t.progress = make(chan struct{})
}

func (t *Topic) deliverer(event string) Delivery {
	return func(ctx context.Context, rec Record) {
		if rec.Passed {
			t.markWalked(event, rec.Offset)
			return
		}
		defer t.markDelivered(rec.Offset)
		defer t.markWalked(event, rec.Offset)

		t.mu.RLock()
		handles := t.listeners[event]
		t.mu.RUnlock()
		if len(handles) == 0 {
			return
		}

		payload, err := t.bus.schemaFor(t.name, event).Decode(rec.Data)
		if err != nil {
			t.logger.Error("dropping undecodable record", err, loggingpkg.LogFields{
				"event":  event,
				"offset": rec.Offset,
			})
			return
		}

		mc := Context{Offset: rec.Offset, Topic: t.name, Event: event, Timestamp: rec.Timestamp}
		for _, h := range handles {
			t.invoke(ctx, h, payload, mc)
		}
	}
}

func (t *Topic) invoke(ctx context.Context, h *Handle, payload any, mc Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("listener panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{
				"event":  mc.Event,
				"offset": mc.Offset,
			})
		}
	}()
	if err := h.listener(ctx, payload, mc); err != nil {
		t.logger.Error("listener failed", err, loggingpkg.LogFields{
			"event":  mc.Event,
			"offset": mc.Offset,
		})
	}
}
