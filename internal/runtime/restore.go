package runtime

import (
	"context"
	"slices"
	"sync"

	"github.com/drblury/chassis/database"
	"github.com/drblury/chassis/events"
	"github.com/drblury/chassis/internal/runtime/endpoint"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	loggingpkg "github.com/drblury/chassis/internal/runtime/logging"
)

// Suffixes of the events restore replays for a resource.
const (
	SuffixCreated  = "Created"
	SuffixModified = "Modified"
	SuffixDeleted  = "Deleted"
)

// RestoreOptions is the per resource part of a restore payload.
type RestoreOptions struct {
	Offset       int64   `json:"offset"`
	IgnoreOffset []int64 `json:"ignore_offset"`
}

type restoreSetup struct {
	resource string
	topic    *events.Topic
	store    database.Store
	opts     RestoreOptions
}

// Restore replays the resource topics named in payload into their stores,
// from payload[resource].offset up to the tail seen when the command
// started. Completion is reported with a restoreResponse event per
// resource. Failures after validation are reported with a restoreCommand
// event and an {"error": msg} result.
func (c *CommandInterface) Restore(ctx context.Context, payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, errspkg.New(errspkg.KindInvalidArgument, "command.restore", "invalid payload for restore command")
	}

	var resources []string
	for _, resource := range sortedKeys(payload) {
		_, hasTopic := c.conf.ResourceTopic(resource)
		_, _, hasStore := c.conf.DatabaseFor(resource)
		if hasTopic && hasStore {
			resources = append(resources, resource)
			continue
		}
		c.logger.Warn("resource is not restorable", loggingpkg.LogFields{
			"resource":  resource,
			"has_topic": hasTopic,
			"has_store": hasStore,
		})
	}
	if len(resources) == 0 {
		return nil, errspkg.New(errspkg.KindInvalidArgument, "command.restore", "no restorable resource in payload")
	}

	setups := make([]restoreSetup, 0, len(resources))
	for _, resource := range resources {
		setup, err := c.prepareRestore(ctx, resource, payload[resource])
		if err != nil {
			return c.restoreFailed(ctx, err), nil
		}
		setups = append(setups, setup)
	}

	c.logger.Warn("restoring data", loggingpkg.LogFields{"resources": resources})
	for _, setup := range setups {
		if err := c.startRestore(ctx, setup); err != nil {
			return c.restoreFailed(ctx, err), nil
		}
	}
	c.logger.Debug("waiting until all messages are processed", nil)
	return map[string]any{}, nil
}

func (c *CommandInterface) prepareRestore(ctx context.Context, resource string, raw any) (restoreSetup, error) {
	topicName, _ := c.conf.ResourceTopic(resource)
	dbName, _, _ := c.conf.DatabaseFor(resource)

	opts, err := endpoint.As[RestoreOptions](raw)
	if err != nil {
		return restoreSetup{}, err
	}
	store, err := c.stores.Get(ctx, dbName)
	if err != nil {
		return restoreSetup{}, err
	}
	topic, err := c.bus.Topic(topicName)
	if err != nil {
		return restoreSetup{}, err
	}
	return restoreSetup{resource: resource, topic: topic, store: store, opts: opts}, nil
}

func (c *CommandInterface) startRestore(ctx context.Context, setup restoreSetup) error {
	tail, err := setup.topic.Offset(ctx, events.OffsetLatest)
	if err != nil {
		return err
	}
	waitCtx, stopWaiting := context.WithCancel(c.restoreCtx)
	run := &restoreRun{
		command:      c,
		setup:        setup,
		targetOffset: tail - 1,
		eventNames: []string{
			setup.resource + SuffixCreated,
			setup.resource + SuffixModified,
			setup.resource + SuffixDeleted,
		},
		stopWaiting: stopWaiting,
	}
	log := c.logger.With(loggingpkg.LogFields{"topic": setup.topic.Name(), "resource": setup.resource})
	log.Debug("topic has current offset", loggingpkg.LogFields{"target_offset": run.targetOffset})

	if run.targetOffset < 0 || setup.opts.Offset > run.targetOffset {
		run.finish(ctx, run.targetOffset)
		return nil
	}

	mutations := map[string]func(context.Context, database.Document) error{
		run.eventNames[0]: run.created,
		run.eventNames[1]: run.modified,
		run.eventNames[2]: run.deleted,
	}
	for _, name := range run.eventNames {
		if _, err := setup.topic.On(ctx, name, run.listener(name, mutations[name], log)); err != nil {
			stopWaiting()
			run.removeListeners()
			return err
		}
	}
	for _, name := range run.eventNames {
		log.Debug("resetting commit offset", loggingpkg.LogFields{"event": name, "offset": setup.opts.Offset})
		if err := setup.topic.ResetOffset(ctx, name, setup.opts.Offset); err != nil {
			stopWaiting()
			run.removeListeners()
			return err
		}
	}

	// The tail record may belong to another event, in which case no listener
	// sees the horizon and the consumer's progress completes the run.
	c.restores.Add(1)
	go func() {
		defer c.restores.Done()
		if err := setup.topic.WaitForEventOffset(waitCtx, run.eventNames[0], run.targetOffset); err != nil {
			return
		}
		run.finish(waitCtx, run.targetOffset)
	}()
	return nil
}

func (c *CommandInterface) restoreFailed(ctx context.Context, err error) map[string]any {
	msg := errspkg.Message(err)
	c.logger.Error("Error occurred while restoring the system", err, nil)
	c.emit(ctx, EventRestoreCommand, c.services, map[string]any{"error": msg})
	return map[string]any{"error": msg}
}

// restoreRun is the replay of one resource topic.
type restoreRun struct {
	command      *CommandInterface
	setup        restoreSetup
	targetOffset int64
	eventNames   []string
	stopWaiting  context.CancelFunc
	once         sync.Once
}

func (r *restoreRun) listener(event string, apply func(context.Context, database.Document) error, log loggingpkg.ServiceLogger) events.Listener {
	return func(ctx context.Context, payload any, mc events.Context) error {
		log.Trace("received message", loggingpkg.LogFields{"offset": mc.Offset, "target_offset": r.targetOffset, "event": event})
		if !slices.Contains(r.setup.opts.IgnoreOffset, mc.Offset) {
			doc, err := endpoint.As[database.Document](payload)
			if err == nil {
				err = apply(ctx, doc)
			}
			if err != nil {
				log.Error("restore mutation failed", err, loggingpkg.LogFields{"offset": mc.Offset, "event": event})
			}
		}
		if mc.Offset >= r.targetOffset {
			r.finish(ctx, mc.Offset)
		}
		return nil
	}
}

func (r *restoreRun) created(ctx context.Context, doc database.Document) error {
	return r.setup.store.Insert(ctx, r.setup.resource, doc)
}

func (r *restoreRun) modified(ctx context.Context, doc database.Document) error {
	id, err := database.IDOf(doc)
	if err != nil {
		return err
	}
	return r.setup.store.Update(ctx, r.setup.resource, id, doc)
}

func (r *restoreRun) deleted(ctx context.Context, doc database.Document) error {
	id, err := database.IDOf(doc)
	if err != nil {
		return err
	}
	return r.setup.store.Delete(ctx, r.setup.resource, id)
}

// finish runs once per resource, whichever event reaches the horizon first.
// Removing the listeners may stop the consumer that is delivering to ctx, so
// the response is emitted on a context that outlives it.
func (r *restoreRun) finish(ctx context.Context, offset int64) {
	r.once.Do(func() {
		r.stopWaiting()
		r.removeListeners()
		r.command.emit(context.WithoutCancel(ctx), EventRestoreResponse, r.command.services, map[string]any{
			"topic":  r.setup.topic.Name(),
			"offset": offset,
		})
		r.command.logger.Info("restore process done", loggingpkg.LogFields{"resource": r.setup.resource})
	})
}

func (r *restoreRun) removeListeners() {
	for _, name := range r.eventNames {
		r.setup.topic.RemoveAllListeners(name)
	}
}
