// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package opstate persists the daemon's operational state — where the
// last sync cycle left off, the last applied filter hash, and summary
// statistics — as a single flat JSON document, written atomically and
// kept one generation deep so a crash mid-write never destroys both
// copies.
package opstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the full operational state document. Every field is
// exported so it serializes directly to JSON with no intermediate
// shape; mutation always goes through Manager's methods.
type State struct {
	SchemaVersion int `json:"schema_version"`

	// LastPage is the next upstream page the initial sync has not yet
	// consumed. Zero means initial sync has not started.
	LastPage int `json:"last_page"`
	// InitialSyncComplete is set once every upstream page has been
	// walked at least once.
	InitialSyncComplete bool `json:"initial_sync_complete"`

	// LastIncrementalSyncAt is the upstream updates-feed cursor: the
	// unix timestamp through which the catalog has been diffed.
	LastIncrementalSyncAt int64 `json:"last_incremental_sync_at"`

	// LastFilterHash is the filter fingerprint last applied to the
	// cache. A mismatch against the live configuration's hash triggers
	// re-evaluation of every FILTERED show.
	LastFilterHash string `json:"last_filter_hash"`

	// LastCycleStartedAt and LastCycleFinishedAt bound the most
	// recently completed sync cycle.
	LastCycleStartedAt  time.Time `json:"last_cycle_started_at,omitempty"`
	LastCycleFinishedAt time.Time `json:"last_cycle_finished_at,omitempty"`
	LastCycleSuccessful bool      `json:"last_cycle_successful"`
	LastCycleError      string    `json:"last_cycle_error,omitempty"`

	// SelectionReconciliationComplete is set once the startup-only pass
	// that submits selection-matching PENDING/FILTERED shows missing
	// downstream has run successfully.
	SelectionReconciliationComplete bool `json:"selection_reconciliation_complete"`
}

const currentSchemaVersion = 1

// Default returns a fresh State for a daemon that has never run.
func Default() State {
	return State{SchemaVersion: currentSchemaVersion}
}

// Manager owns the on-disk state document: path, the in-memory
// working copy, and the mutex serializing reads against writes.
type Manager struct {
	mu   sync.Mutex
	path string
	bak  string
	s    State
}

// Load reads the state document at path, recovering from the backup
// copy if the primary is missing or corrupt, and falling back to
// fresh defaults if both are unusable. Load never returns an error for
// a missing or corrupt file — only for a directory it cannot create.
func Load(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating state directory")
	}

	m := &Manager{path: path, bak: path + ".bak"}

	if s, ok := readValid(path); ok {
		m.s = s
		return m, nil
	}
	if s, ok := readValid(m.bak); ok {
		m.s = s
		return m, nil
	}
	m.s = Default()
	return m, nil
}

func readValid(path string) (State, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, false
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false
	}
	if s.SchemaVersion == 0 {
		return State{}, false
	}
	return s, true
}

// Get returns a copy of the current in-memory state.
func (m *Manager) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// Update applies fn to a copy of the state, persists the result
// atomically, and on success swaps it in as the new working copy. If
// the write fails the in-memory state is left unchanged.
func (m *Manager) Update(fn func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.s
	fn(&next)

	if err := m.saveLocked(next); err != nil {
		return err
	}
	m.s = next
	return nil
}

// saveLocked writes state to path.tmp in the same directory, then
// renames it into place. Rename is atomic on the same filesystem, so a
// crash mid-save leaves either the old or new state intact under path,
// never a half-written file.
func (m *Manager) saveLocked(s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling operational state")
	}

	tmpName := m.path + ".tmp"
	if err := os.WriteFile(tmpName, data, 0o644); err != nil {
		return errors.Wrap(err, "writing temp state file")
	}

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "renaming temp state file into place")
	}
	return nil
}

// Backup copies the current primary state file to path.bak. It is
// called once per successful sync cycle, after the final save, so the
// backup is always a known-good generation rather than an arbitrary
// mid-cycle checkpoint.
func (m *Manager) Backup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err != nil {
		return errors.Wrap(err, "reading state file for backup")
	}
	return errors.Wrap(copyFile(m.path, m.bak), "backing up state file")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
