package mdns

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "bench", Config{Name: "bench"}.InstanceName())

	host, _ := os.Hostname()
	assert.Equal(t, "caniper-"+host, Config{}.InstanceName())
}

func TestStartDisabled(t *testing.T) {
	stop, err := Start(context.Background(), Config{}, 3241, nil, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, stop)
	stop()
}
