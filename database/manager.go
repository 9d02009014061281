package database

import (
	"os"
	"regexp"
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/tinygraph-incubator/tinygraph/config"
	"go.uber.org/zap"
)

var databaseNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]*$`)

// Manager is the registry of the databases under one directory.
type Manager struct {
	cfg *config.Config

	mu        sync.Mutex
	databases map[string]*Database
	closed    bool
}

// NewManager loads every database found under cfg.Dir.
func NewManager(cfg *config.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{cfg: cfg, databases: make(map[string]*Database)}
	if cfg.Engine == config.EngineMemory {
		return m, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !databaseNamePattern.MatchString(entry.Name()) {
			continue
		}
		d, err := newDatabase(m, entry.Name(), false)
		if err != nil {
			m.Close()
			return nil, errors.Annotatef(err, "load database %s", entry.Name())
		}
		m.databases[d.Name()] = d
	}
	log.Info("databases loaded", zap.String("dir", cfg.Dir), zap.Int("count", len(m.databases)))
	return m, nil
}

// Create creates and opens a new database.
func (m *Manager) Create(name string) (*Database, error) {
	if !databaseNamePattern.MatchString(name) {
		return nil, errors.Annotatef(ErrInvalidDatabaseName, "%q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrResourceClosed
	}
	if _, ok := m.databases[name]; ok {
		return nil, errors.Annotatef(ErrDatabaseExists, "%s", name)
	}
	d, err := newDatabase(m, name, true)
	if err != nil {
		return nil, err
	}
	m.databases[name] = d
	return d, nil
}

func (m *Manager) Get(name string) (*Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.databases[name]
	if !ok {
		return nil, errors.Annotatef(ErrDatabaseNotFound, "%s", name)
	}
	return d, nil
}

func (m *Manager) Contains(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.databases[name]
	return ok
}

// All returns the open databases sorted by name.
func (m *Manager) All() []*Database {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Database, 0, len(m.databases))
	for _, d := range m.databases {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

func (m *Manager) remove(d *Database) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.databases[d.Name()] == d {
		delete(m.databases, d.Name())
	}
}

// Close closes every database.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	databases := make([]*Database, 0, len(m.databases))
	for _, d := range m.databases {
		databases = append(databases, d)
	}
	m.mu.Unlock()

	var firstErr error
	for _, d := range databases {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
