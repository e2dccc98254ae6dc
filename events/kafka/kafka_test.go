package kafka

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/drblury/chassis/events"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/logging/logtest"
	"github.com/drblury/chassis/internal/runtime/metadata"
)

func TestBuildRequiresBrokers(t *testing.T) {
	_, err := Build(context.Background(), configpkg.EventsConfig{Provider: ProviderName}, logtest.New())
	assert.ErrorIs(t, err, errspkg.ErrConfiguration)

	p, err := Build(context.Background(), configpkg.EventsConfig{
		Provider: ProviderName,
		Kafka:    configpkg.KafkaEventsConfig{Brokers: []string{"localhost:9092"}},
	}, logtest.New())
	require.NoError(t, err)
	assert.Equal(t, ProviderName, p.Name())
	assert.True(t, p.Capabilities().Replay)
}

func TestGroupName(t *testing.T) {
	assert.Equal(t, "chassis.users.userCreated", Config{}.GroupName("users", "userCreated"))
	assert.Equal(t, "svc.users.userCreated", Config{Group: "svc"}.GroupName("users", "userCreated"))
}

func TestNotRunning(t *testing.T) {
	p := New(Config{Brokers: []string{"localhost:9092"}}, nil)
	_, err := p.Append(context.Background(), "users", []events.Record{{Event: "userCreated"}})
	assert.ErrorIs(t, err, errspkg.ErrProviderUnavailable)
	_, err = p.Offset(context.Background(), "users", events.OffsetLatest)
	assert.ErrorIs(t, err, errspkg.ErrProviderUnavailable)
	require.NoError(t, p.End(context.Background()))
}

func TestEventOf(t *testing.T) {
	rec := &kgo.Record{Headers: []kgo.RecordHeader{
		{Key: "other", Value: []byte("x")},
		{Key: metadata.KeyEvent, Value: []byte("userCreated")},
	}}
	assert.Equal(t, "userCreated", eventOf(rec))
	assert.Equal(t, "", eventOf(&kgo.Record{}))
}

func TestKgoLoggerLevels(t *testing.T) {
	rec := logtest.New()
	l := newKgoLogger(rec)
	assert.Equal(t, kgo.LogLevelInfo, l.Level())

	l.Log(kgo.LogLevelError, "broken", "broker", 1, "err", errors.New("boom"))
	l.Log(kgo.LogLevelWarn, "slow", "err", errors.New("late"))
	l.Log(kgo.LogLevelInfo, "connected", "broker", 1)

	errs := rec.Find("error", "broken")
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0].Err, "boom")
	assert.Equal(t, 1, errs[0].Fields["broker"])

	warns := rec.Find("warn", "slow")
	require.Len(t, warns, 1)
	assert.Equal(t, "late", warns[0].Fields["error"])
	assert.Len(t, rec.Find("debug", "connected"), 1)
}

// TestReplayAgainstBroker needs a reachable cluster, for example
// CHASSIS_KAFKA_BROKERS=localhost:9092.
func TestReplayAgainstBroker(t *testing.T) {
	brokers := os.Getenv("CHASSIS_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("CHASSIS_KAFKA_BROKERS not set")
	}
	ctx := context.Background()
	rec := logtest.New()
	p := New(Config{Brokers: strings.Split(brokers, ","), Group: "chassis-test"}, rec)
	bus, err := events.NewBus(p, rec)
	require.NoError(t, err)
	require.NoError(t, bus.Start(ctx))
	defer bus.End(ctx)

	topic, err := bus.Topic("chassis-test-" + time.Now().Format("150405.000000"))
	require.NoError(t, err)

	offsets, err := topic.Emit(ctx, "userCreated", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, offsets)

	var mu sync.Mutex
	var got []int64
	_, err = topic.On(ctx, "userCreated", func(_ context.Context, _ any, mc events.Context) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, mc.Offset)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, topic.ResetOffset(ctx, "userCreated", 0))

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, topic.WaitForOffset(waitCtx, 1))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{0, 1}, got)
}
