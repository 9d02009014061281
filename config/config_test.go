package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.Nil(t, NewDefaultConfig().Validate())
	require.Nil(t, NewTestConfig().Validate())
}

func TestValidate(t *testing.T) {
	c := NewDefaultConfig()
	c.Engine = "rocks"
	assert.NotNil(t, c.Validate())

	c = NewDefaultConfig()
	c.Dir = ""
	assert.NotNil(t, c.Validate())

	c = NewTestConfig()
	c.SchemaLockTimeout = NewDuration(0)
	assert.NotNil(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinygraph.toml")
	content := `
dir = "/var/lib/tinygraph"
engine = "badger"
schema-lock-timeout = "3s"
data-lock-timeout = "1500ms"

[storage]
block-cache-size = "64MB"
sync-writes = true
`
	require.Nil(t, os.WriteFile(path, []byte(content), 0644))
	c, err := LoadFile(path)
	require.Nil(t, err)
	assert.Equal(t, "/var/lib/tinygraph", c.Dir)
	assert.Equal(t, 3*time.Second, c.SchemaLockTimeout.Duration)
	assert.Equal(t, 1500*time.Millisecond, c.DataLockTimeout.Duration)
	assert.Equal(t, ByteSize(64*units.MiB), c.Storage.BlockCacheSize)
	assert.True(t, c.Storage.SyncWrites)
	// Untouched keys keep their defaults.
	assert.Equal(t, NewDefaultConfig().StatisticsInterval, c.StatisticsInterval)
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinygraph.toml")
	require.Nil(t, os.WriteFile(path, []byte("no-such-key = 1\n"), 0644))
	_, err := LoadFile(path)
	assert.NotNil(t, err)
}

func TestResolveSchemaLockTimeout(t *testing.T) {
	c := NewTestConfig()
	assert.Equal(t, c.SchemaLockTimeout.Duration, c.ResolveSchemaLockTimeout(Session{}, Transaction{}))
	assert.Equal(t, time.Second, c.ResolveSchemaLockTimeout(Session{LockTimeout: time.Second}, Transaction{}))
	assert.Equal(t, time.Minute, c.ResolveSchemaLockTimeout(
		Session{LockTimeout: time.Second}, Transaction{LockTimeout: time.Minute}))
}

func TestResolveDataLockTimeout(t *testing.T) {
	c := NewTestConfig()
	c.DataLockTimeout = NewDuration(time.Hour)
	assert.Equal(t, time.Hour, c.ResolveDataLockTimeout(Session{}, Transaction{}))
	assert.Equal(t, time.Second, c.ResolveDataLockTimeout(Session{LockTimeout: time.Second}, Transaction{}))
	assert.Equal(t, time.Minute, c.ResolveDataLockTimeout(
		Session{LockTimeout: time.Second}, Transaction{LockTimeout: time.Minute}))
}
