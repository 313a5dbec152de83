// Package state persists snapshots of the tree topology so that tools can
// inspect the last known tree after a process exits.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/10yihang/treenet/internal/topology"
)

const (
	snapshotFileName     = "topology.json"
	saveDebounceDuration = 100 * time.Millisecond
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("state: no snapshot")

// Manager writes the most recently observed topology to
// <dataDir>/topology.json, coalescing bursts of changes.
type Manager struct {
	dataDir string
	session string
	log     *slog.Logger

	latest atomic.Pointer[topology.Topology]
	dirty  atomic.Bool
	mu     sync.Mutex
	now    func() time.Time

	saveCh chan struct{}
	doneCh chan struct{}
	wg     sync.WaitGroup
}

func NewManager(dataDir string, log *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		dataDir: dataDir,
		log:     log.With(slog.String("component", "state")),
		now:     time.Now,
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.saveLoop()

	return m, nil
}

// SetSession names the network session recorded in later snapshots.
func (m *Manager) SetSession(session string) {
	m.mu.Lock()
	m.session = session
	m.mu.Unlock()
	m.MarkDirty()
}

// Observe records t as the tree to save next. It has the signature of a
// network topology observer.
func (m *Manager) Observe(t *topology.Topology) {
	m.latest.Store(t)
	m.MarkDirty()
}

func (m *Manager) saveLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if m.dirty.Load() {
				if err := m.save(); err != nil {
					m.log.Warn("topology snapshot failed", "error", err)
				}
			}

		case <-m.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func (m *Manager) MarkDirty() {
	if m.dirty.CompareAndSwap(false, true) {
		select {
		case m.saveCh <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.latest.Load()
	if t == nil {
		m.dirty.Store(false)
		return nil
	}
	// Cleared before reading so a change during the write marks it again.
	m.dirty.Store(false)

	snap := Snapshot{
		Version:         CurrentSnapshotVersion,
		Session:         m.session,
		Root:            uint32(t.Root()),
		TopologyVersion: t.Version(),
		Graph:           t.String(),
		Nodes:           nodeInfos(t),
		SavedAt:         m.now().UTC().Format(time.RFC3339Nano),
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := m.FilePath()
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		m.dirty.Store(true)
		return fmt.Errorf("write temp file: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		m.dirty.Store(true)
		return fmt.Errorf("rename snapshot file: %w", err)
	}

	m.log.Debug("topology snapshot saved", "version", snap.TopologyVersion, "nodes", len(snap.Nodes))
	return nil
}

// Save writes the latest observed topology now.
func (m *Manager) Save() error {
	return m.save()
}

// Close stops the save loop and flushes a pending snapshot.
func (m *Manager) Close() error {
	close(m.doneCh)
	m.wg.Wait()

	if m.dirty.Load() {
		return m.save()
	}
	return nil
}

func (m *Manager) FilePath() string {
	return filepath.Join(m.dataDir, snapshotFileName)
}

// Load reads the snapshot saved under dataDir.
func Load(dataDir string) (*Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, snapshotFileName))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Version != CurrentSnapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version: %d", snap.Version)
	}
	return &snap, nil
}
