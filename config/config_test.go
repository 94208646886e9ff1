package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joomcode/errorx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/siderkv/sider/config"
	"github.com/siderkv/sider/redis"
	"github.com/siderkv/sider/siderconn"
)

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", c.Host)
	assert.Equal(t, 6379, c.Port)
	assert.Equal(t, 1, c.PoolSize)
	assert.Equal(t, siderconn.DefaultReadBufferInitial, c.ReadBufferInitial)
	assert.Equal(t, siderconn.DefaultReadBufferMax, c.ReadBufferMax)
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
host: redis.internal
port: 6380
db: 3
password: sesame
name: worker-1
poolSize: 16
readBufferInitial: 8192
dialTimeoutMs: 250
ioTimeoutMs: 500
`))
	require.NoError(t, err)
	assert.Equal(t, "redis.internal", c.Host)
	assert.Equal(t, 6380, c.Port)
	assert.Equal(t, 3, c.DB)
	assert.Equal(t, "sesame", c.Password)
	assert.Equal(t, 16, c.PoolSize)
	// unset fields keep their defaults
	assert.Equal(t, siderconn.DefaultReadBufferMax, c.ReadBufferMax)

	opts := c.ConnOpts()
	assert.Equal(t, "redis.internal", opts.Host)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, "worker-1", opts.Name)
	assert.Equal(t, 8192, opts.ReadBufferInitial)
	assert.Equal(t, 250*time.Millisecond, opts.DialTimeout)
	assert.Equal(t, 500*time.Millisecond, opts.IOTimeout)

	popts := c.PoolOpts()
	assert.Equal(t, 16, popts.Size)
	assert.Equal(t, opts, popts.Conn)
}

func TestParseError(t *testing.T) {
	_, err := Parse([]byte("host: [unterminated"))
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, redis.ErrUsage))
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REDIS_HOST", "10.0.0.5")
	t.Setenv("REDIS_PORT", "7000")
	c, err := Parse([]byte("host: ignored\nport: 1"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", c.Host)
	assert.Equal(t, 7000, c.Port)

	t.Setenv("REDIS_PORT", "not-a-number")
	c, err = Parse([]byte("port: 6400"))
	require.NoError(t, err)
	assert.Equal(t, 6400, c.Port)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 6390\n"), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6390, c.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errorx.IsOfType(err, redis.ErrUsage))
}
