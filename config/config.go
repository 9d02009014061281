package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

const (
	EngineBadger = "badger"
	EngineMemory = "memory"
)

type Config struct {
	Dir      string `toml:"dir"`       // Directory holding one sub-directory per database.
	LogLevel string `toml:"log-level"` // One of debug, info, warn, error.
	Engine   string `toml:"engine"`    // badger or memory.

	SchemaLockTimeout  Duration `toml:"schema-lock-timeout"`  // Wait budget for the exclusive schema lock.
	DataLockTimeout    Duration `toml:"data-lock-timeout"`    // Wait budget for the shared schema lock of a data write.
	StatisticsInterval Duration `toml:"statistics-interval"` // Period of the statistics compensator, 0 disables it.

	Storage Storage `toml:"storage"` // Engine options.
}

type Storage struct {
	ValueThreshold    int64    `toml:"value-threshold"`      // If value size >= this threshold, only store value offsets in tree.
	BlockCacheSize    ByteSize `toml:"block-cache-size"`     // Size of the block cache, e.g. "256MB".
	IndexCacheSize    ByteSize `toml:"index-cache-size"`     // Size of the index cache, 0 keeps indices in memory.
	NumCompactors     int      `toml:"num-compactors"`       // Number of concurrent compactors.
	NumVersionsToKeep int      `toml:"num-versions-to-keep"` // Versions kept below the discard sequence.

	// Sync all writes to disk. Setting this to true slows down commits significantly.
	SyncWrites bool `toml:"sync-writes"`
}

// Session carries per-session options. Zero values inherit from Config.
type Session struct {
	// LockTimeout bounds every schema lock wait of the session: the write lock of
	// a schema session and the shared lock of a data write transaction.
	LockTimeout time.Duration
}

// Transaction carries per-transaction options. Zero values inherit from the session.
type Transaction struct {
	LockTimeout time.Duration
}

// ResolveSchemaLockTimeout resolves the lock timeout of a transaction opened in a session.
func (c *Config) ResolveSchemaLockTimeout(s Session, t Transaction) time.Duration {
	switch {
	case t.LockTimeout > 0:
		return t.LockTimeout
	case s.LockTimeout > 0:
		return s.LockTimeout
	}
	return c.SchemaLockTimeout.Duration
}

// ResolveDataLockTimeout resolves how long a data write transaction waits for
// the shared schema lock.
func (c *Config) ResolveDataLockTimeout(s Session, t Transaction) time.Duration {
	switch {
	case t.LockTimeout > 0:
		return t.LockTimeout
	case s.LockTimeout > 0:
		return s.LockTimeout
	}
	return c.DataLockTimeout.Duration
}

func (c *Config) Validate() error {
	if c.Dir == "" && c.Engine != EngineMemory {
		return fmt.Errorf("dir must be set for the %s engine", c.Engine)
	}
	if c.Engine != EngineBadger && c.Engine != EngineMemory {
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.SchemaLockTimeout.Duration <= 0 {
		return fmt.Errorf("schema-lock-timeout must be greater than 0")
	}
	if c.DataLockTimeout.Duration <= 0 {
		return fmt.Errorf("data-lock-timeout must be greater than 0")
	}
	if c.StatisticsInterval.Duration < 0 {
		return fmt.Errorf("statistics-interval must not be negative")
	}
	if c.Storage.NumVersionsToKeep < 1 {
		return fmt.Errorf("num-versions-to-keep must be at least 1")
	}
	return nil
}

// LoadFile overlays the TOML file at path onto the defaults.
func LoadFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config %s has unknown keys %v", path, undecoded)
	}
	return c, c.Validate()
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Dir:                "/tmp/tinygraph",
		LogLevel:           getLogLevel(),
		Engine:             EngineBadger,
		SchemaLockTimeout:  NewDuration(10 * time.Second),
		DataLockTimeout:    NewDuration(10 * time.Second),
		StatisticsInterval: NewDuration(time.Second),
		Storage: Storage{
			ValueThreshold:    1 << 10,
			BlockCacheSize:    256 * units.MiB,
			IndexCacheSize:    0,
			NumCompactors:     4,
			NumVersionsToKeep: 1,
			SyncWrites:        false,
		},
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:           getLogLevel(),
		Engine:             EngineMemory,
		SchemaLockTimeout:  NewDuration(200 * time.Millisecond),
		DataLockTimeout:    NewDuration(200 * time.Millisecond),
		StatisticsInterval: NewDuration(20 * time.Millisecond),
		Storage: Storage{
			BlockCacheSize:    16 * units.MiB,
			NumCompactors:     2,
			NumVersionsToKeep: 1,
		},
	}
}

// Duration is a time.Duration written as a string such as "10s" in TOML.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// ByteSize is a size in bytes written as a human readable string such as "64MB" in TOML.
type ByteSize uint64

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	if v < 0 {
		return fmt.Errorf("negative size %q", text)
	}
	*b = ByteSize(v)
	return nil
}
