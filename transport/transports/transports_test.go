package transports_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chassis/transport"
	"github.com/drblury/chassis/transport/pipe"
	"github.com/drblury/chassis/transport/transports"
)

func TestRegisterAll(t *testing.T) {
	r, dir := transports.NewRegistry()
	require.NotNil(t, dir)
	assert.Equal(t, []string{"http", "pipe"}, r.Names())
	assert.True(t, r.Capabilities("http").Remote)
	assert.False(t, r.Capabilities("pipe").Remote)
}

func TestRegisterAllSharesDirectory(t *testing.T) {
	shared := pipe.NewDirectory()
	a := transport.NewRegistry()
	b := transport.NewRegistry()
	assert.Same(t, shared, transports.RegisterAll(a, transports.WithDirectory(shared)))
	assert.Same(t, shared, transports.RegisterAll(b, transports.WithDirectory(shared)))
}
