package events_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chassis/events"
	"github.com/drblury/chassis/events/local"
	configpkg "github.com/drblury/chassis/internal/runtime/config"
	errspkg "github.com/drblury/chassis/internal/runtime/errors"
	"github.com/drblury/chassis/internal/runtime/logging/logtest"
)

func TestRegistryBuild(t *testing.T) {
	r := events.NewRegistry()
	local.Register(r)

	assert.True(t, r.Has(local.ProviderName))
	assert.Equal(t, []string{local.ProviderName}, r.Names())
	caps, ok := r.Capabilities(local.ProviderName)
	require.True(t, ok)
	assert.True(t, caps.Synchronous)
	assert.False(t, caps.Replay)

	p, err := r.Build(context.Background(), configpkg.EventsConfig{Provider: "local"}, logtest.New())
	require.NoError(t, err)
	assert.Equal(t, local.ProviderName, p.Name())
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := events.NewRegistry()
	_, err := r.Build(context.Background(), configpkg.EventsConfig{Provider: "carrier-pigeon"}, logtest.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrConfiguration)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}
