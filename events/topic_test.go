package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/chassis/events"
	"github.com/drblury/chassis/events/local"
	"github.com/drblury/chassis/internal/runtime/codec"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/logging/logtest"
)

func newStartedBus(t *testing.T, opts ...events.BusOption) (*events.Bus, *logtest.Recorder) {
	t.Helper()
	rec := logtest.New()
	bus, err := events.NewBus(local.New(rec), rec, opts...)
	require.NoError(t, err)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.End(context.Background()) })
	return bus, rec
}

func noop(context.Context, any, events.Context) error { return nil }

func TestBusTopic(t *testing.T) {
	bus, _ := newStartedBus(t)

	a, err := bus.Topic("io.chassis.user")
	require.NoError(t, err)
	b, err := bus.Topic("io.chassis.user")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "io.chassis.user", a.Name())

	_, err = bus.Topic("")
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestNewBusRequiresDependencies(t *testing.T) {
	_, err := events.NewBus(nil, logtest.New())
	assert.ErrorIs(t, err, errspkg.ErrProviderRequired)
	_, err = events.NewBus(local.New(nil), nil)
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestOffsetAdvancesByEmitCount(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, err := bus.Topic("orders")
	require.NoError(t, err)
	ctx := context.Background()

	for _, n := range []int{1, 3, 0, 7} {
		before, err := topic.Offset(ctx, events.OffsetLatest)
		require.NoError(t, err)
		for i := 0; i < n; i++ {
			offsets, err := topic.Emit(ctx, "orderCreated", map[string]any{"n": i})
			require.NoError(t, err)
			require.Equal(t, []int64{before + int64(i)}, offsets)
		}
		after, err := topic.Offset(ctx, events.OffsetLatest)
		require.NoError(t, err)
		assert.Equal(t, before+int64(n), after)
	}
}

func TestEmitDeliversInRegistrationOrderBeforeReturning(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	var trail []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := topic.On(ctx, "userCreated", func(_ context.Context, payload any, mc events.Context) error {
			trail = append(trail, name+":"+payload.(map[string]any)["id"].(string))
			assert.Equal(t, "users", mc.Topic)
			assert.Equal(t, "userCreated", mc.Event)
			assert.False(t, mc.Timestamp.IsZero())
			return nil
		})
		require.NoError(t, err)
	}

	offsets, err := topic.Emit(ctx, "userCreated", map[string]any{"id": "a"}, map[string]any{"id": "b"})
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, offsets)
	assert.Equal(t, []string{"first:a", "second:a", "third:a", "first:b", "second:b", "third:b"}, trail)
}

func TestListenerErrorsAreLoggedAndDoNotStopDelivery(t *testing.T) {
	bus, rec := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	_, err := topic.On(ctx, "userCreated", func(context.Context, any, events.Context) error {
		return errors.New("broken listener")
	})
	require.NoError(t, err)
	_, err = topic.On(ctx, "userCreated", func(context.Context, any, events.Context) error {
		panic("worse listener")
	})
	require.NoError(t, err)
	called := false
	_, err = topic.On(ctx, "userCreated", func(context.Context, any, events.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)

	_, err = topic.Emit(ctx, "userCreated", "payload")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Len(t, rec.Find("error", "listener failed"), 1)
	assert.Len(t, rec.Find("error", "listener panicked"), 1)
}

func TestRemoveListener(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	assert.Equal(t, 0, topic.ListenerCount("userCreated"))
	assert.False(t, topic.HasListeners("userCreated"))
	topic.RemoveListener(nil)
	topic.RemoveAllListeners("userCreated")

	h, err := topic.On(ctx, "userCreated", noop)
	require.NoError(t, err)
	assert.Equal(t, "userCreated", h.Event())

	other, _ := bus.Topic("other")
	stranger, err := other.On(ctx, "userCreated", noop)
	require.NoError(t, err)

	topic.RemoveListener(stranger)
	assert.Equal(t, 1, topic.ListenerCount("userCreated"), "removing a foreign handle is a no-op")

	topic.RemoveListener(h)
	topic.RemoveListener(h)
	assert.Equal(t, 0, topic.ListenerCount("userCreated"))
}

func TestRemoveAllListeners(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		_, err := topic.On(ctx, "userCreated", func(context.Context, any, events.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}
	_, err := topic.On(ctx, "userDeleted", noop)
	require.NoError(t, err)

	topic.RemoveAllListeners("userCreated")
	assert.Equal(t, 0, topic.ListenerCount("userCreated"))
	assert.False(t, topic.HasListeners("userCreated"))
	assert.True(t, topic.HasListeners("userDeleted"))

	_, err = topic.Emit(ctx, "userCreated", "ignored")
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestListenerMayUnsubscribeDuringDelivery(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	calls := 0
	_, err := topic.On(ctx, "userCreated", func(context.Context, any, events.Context) error {
		calls++
		topic.RemoveAllListeners("userCreated")
		return nil
	})
	require.NoError(t, err)

	_, err = topic.Emit(ctx, "userCreated", 1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestListenerMayEmitOnSameTopic(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	var got []string
	_, err := topic.On(ctx, "userCreated", func(ctx context.Context, payload any, _ events.Context) error {
		_, err := topic.Emit(ctx, "userAudited", payload)
		return err
	})
	require.NoError(t, err)
	_, err = topic.On(ctx, "userAudited", func(_ context.Context, payload any, _ events.Context) error {
		got = append(got, payload.(string))
		return nil
	})
	require.NoError(t, err)

	_, err = topic.Emit(ctx, "userCreated", "ada")
	require.NoError(t, err)
	assert.Equal(t, []string{"ada"}, got)
}

func TestConcurrentRegistration(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	var wg sync.WaitGroup
	handles := make(chan *events.Handle, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := topic.On(ctx, "userCreated", noop)
			if err == nil {
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)
	assert.Equal(t, 50, topic.ListenerCount("userCreated"))

	for h := range handles {
		wg.Add(1)
		go func(h *events.Handle) {
			defer wg.Done()
			topic.RemoveListener(h)
		}(h)
	}
	wg.Wait()
	assert.Equal(t, 0, topic.ListenerCount("userCreated"))
}

func TestBusMustBeStarted(t *testing.T) {
	bus, err := events.NewBus(local.New(nil), logtest.New())
	require.NoError(t, err)
	topic, err := bus.Topic("users")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = topic.Emit(ctx, "userCreated", "x")
	assert.ErrorIs(t, err, errspkg.ErrNoProvider)
	_, err = topic.On(ctx, "userCreated", noop)
	assert.ErrorIs(t, err, errspkg.ErrNoProvider)
	_, err = topic.Offset(ctx, events.OffsetLatest)
	assert.ErrorIs(t, err, errspkg.ErrNoProvider)

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, bus.Start(ctx))
	assert.True(t, bus.Started())
	require.NoError(t, bus.End(ctx))
	require.NoError(t, bus.End(ctx))

	_, err = topic.Emit(ctx, "userCreated", "x")
	assert.ErrorIs(t, err, errspkg.ErrNoProvider)
}

func TestEmitEncodingError(t *testing.T) {
	bus, _ := newStartedBus(t, events.WithSchema("users", "userCreated", codec.ProtoSchema(&structpb.Struct{})))
	topic, _ := bus.Topic("users")

	_, err := topic.Emit(context.Background(), "userCreated", map[string]any{"id": "plain map"})
	assert.ErrorIs(t, err, errspkg.ErrEncoding)

	_, err = topic.Emit(context.Background(), "userCreated", make(chan int))
	assert.ErrorIs(t, err, errspkg.ErrEncoding)

	_, err = topic.Emit(context.Background(), "", "x")
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestProtoSchemaRoundTripThroughBus(t *testing.T) {
	bus, _ := newStartedBus(t)
	bus.RegisterSchema("users", "userCreated", codec.ProtoSchema(&structpb.Struct{}))
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	in, err := structpb.NewStruct(map[string]any{"id": "u1", "name": "Ada"})
	require.NoError(t, err)

	var got proto.Message
	_, err = topic.On(ctx, "userCreated", func(_ context.Context, payload any, _ events.Context) error {
		got = payload.(proto.Message)
		return nil
	})
	require.NoError(t, err)
	_, err = topic.Emit(ctx, "userCreated", in)
	require.NoError(t, err)
	assert.True(t, proto.Equal(in, got))
}

func TestResetOffsetUnsupportedOnLocalProvider(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	err := topic.ResetOffset(ctx, "userCreated", 0)
	assert.ErrorIs(t, err, errspkg.ErrUnsupported)

	assert.ErrorIs(t, topic.ResetOffset(ctx, "userCreated", -5), errspkg.ErrInvalidArgument)
	assert.ErrorIs(t, topic.ResetOffset(ctx, "", 0), errspkg.ErrInvalidArgument)
	_, err = topic.Offset(ctx, -3)
	assert.ErrorIs(t, err, errspkg.ErrInvalidArgument)
}

func TestWaitForOffset(t *testing.T) {
	bus, _ := newStartedBus(t)
	topic, _ := bus.Topic("users")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		done <- topic.WaitForOffset(waitCtx, 2)
	}()

	_, err := topic.Emit(ctx, "userCreated", 1, 2, 3)
	require.NoError(t, err)
	require.NoError(t, <-done)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, topic.WaitForOffset(short, 10), context.DeadlineExceeded)
}
