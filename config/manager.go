package config

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/floegence/mtrelay/internal/relerr"
)

// Manager owns the current Snapshot and performs reloads (§4.5). Check
// re-parses the file without installing the result; Reload installs only
// on success, leaving the current snapshot untouched on failure.
type Manager struct {
	mu      sync.RWMutex
	path    string
	current Snapshot

	checkCalls    uint64
	reloadCalls   uint64
	reloadSuccess uint64
	lastError     string
}

// NewManager loads path once to populate the initial snapshot.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	snap, err := m.readAndParse()
	if err != nil {
		return nil, err
	}
	m.current = snap
	return m, nil
}

// Current returns the currently installed snapshot.
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Check re-reads and parses the config file, returning a new Snapshot
// without installing it.
func (m *Manager) Check() (Snapshot, error) {
	m.mu.Lock()
	m.checkCalls++
	m.mu.Unlock()

	snap, err := m.readAndParse()
	if err != nil {
		m.mu.Lock()
		m.lastError = err.Error()
		m.mu.Unlock()
		return Snapshot{}, err
	}
	return snap, nil
}

// Reload calls Check and installs the result only on success. On failure
// the previously installed snapshot remains current.
func (m *Manager) Reload() (Snapshot, error) {
	m.mu.Lock()
	m.reloadCalls++
	m.mu.Unlock()

	snap, err := m.Check()
	if err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	m.current = snap
	m.reloadSuccess++
	m.lastError = ""
	m.mu.Unlock()
	return snap, nil
}

// Counters is a point-in-time view of the manager's reload statistics.
type Counters struct {
	CheckCalls    uint64
	ReloadCalls   uint64
	ReloadSuccess uint64
	LastError     string
}

// Stats returns the manager's current counters.
func (m *Manager) Stats() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Counters{
		CheckCalls:    m.checkCalls,
		ReloadCalls:   m.reloadCalls,
		ReloadSuccess: m.reloadSuccess,
		LastError:     m.lastError,
	}
}

func (m *Manager) readAndParse() (Snapshot, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return Snapshot{}, relerr.Wrap(relerr.StageConfig, relerr.CodeConfigReadError, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return Snapshot{}, err
	}
	sum := md5.Sum(raw)
	return Snapshot{
		Config:     cfg,
		LoadedAt:   time.Now(),
		SourcePath: m.path,
		ByteCount:  len(raw),
		MD5Hex:     hex.EncodeToString(sum[:]),
	}, nil
}
