package redis

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/config"
)

func testConfig(t *testing.T, addr string) *config.Config {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &config.Config{
		Redis: config.RedisConfig{
			Host:        host,
			Port:        port,
			PoolSize:    5,
			DialTimeout: time.Second,
			ReadTimeout: time.Second,
		},
	}
}

func TestInit(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Init(testConfig(t, mr.Addr()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(); Client = nil })

	assert.Same(t, client, GetClient())
	assert.NoError(t, Health())
}

func TestInitUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr.Addr())
	mr.Close()

	_, err := Init(cfg)
	assert.Error(t, err)
}

func TestHealthUninitialized(t *testing.T) {
	Client = nil
	assert.Error(t, Health())
	assert.NoError(t, Close())
}
