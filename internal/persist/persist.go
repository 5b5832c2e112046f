// Copyright (c) 2017 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist maintains the single child-status file a node keeps
// across restarts: the last-known child list and state per nexus, used
// to resume Partial rebuilds and to refuse onlining a known-faulted
// child without explicit admin intervention.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"
)

// ChildStatus is the persisted state of one child of one nexus.
type ChildStatus struct {
	URI           string   `yaml:"uri"`
	State         string   `yaml:"state"`
	Reason        string   `yaml:"reason,omitempty"`
	DirtySegments []bool   `yaml:"dirty_segments,omitempty"`
}

// NexusStatus is the persisted state of one nexus: its child list and
// their last-known states.
type NexusStatus struct {
	UUID     string        `yaml:"uuid"`
	Children []ChildStatus `yaml:"children"`
}

// document is the on-disk shape of the whole file.
type document struct {
	Nexuses map[string]NexusStatus `yaml:"nexuses"`
}

// Store is the single child-status file for this node. All writes go
// through a temp-file-then-rename to keep the file atomically
// consistent even if the process is killed mid-write.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

// Open loads path if it exists, or starts an empty Store otherwise; a
// missing file is not an error since a fresh node has no prior state.
func Open(path string) (*Store, error) {
	s := &Store{path: path, doc: document{Nexuses: make(map[string]NexusStatus)}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading child-status file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parsing child-status file %s: %w", path, err)
	}
	if s.doc.Nexuses == nil {
		s.doc.Nexuses = make(map[string]NexusStatus)
	}

	return s, nil
}

// Put records the current child list for a nexus and persists it
// immediately via a temp-file-then-rename atomic update.
func (s *Store) Put(status NexusStatus) error {
	s.mu.Lock()
	s.doc.Nexuses[status.UUID] = status
	s.mu.Unlock()

	return s.flush()
}

// Remove drops a nexus's persisted status, e.g. on destroy.
func (s *Store) Remove(nexusUUID string) error {
	s.mu.Lock()
	delete(s.doc.Nexuses, nexusUUID)
	s.mu.Unlock()

	return s.flush()
}

// Get returns the persisted status for a nexus, if any.
func (s *Store) Get(nexusUUID string) (NexusStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.doc.Nexuses[nexusUUID]
	return st, ok
}

// All returns every persisted nexus status, for replay on restart.
func (s *Store) All() []NexusStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NexusStatus, 0, len(s.doc.Nexuses))
	for _, st := range s.doc.Nexuses {
		out = append(out, st)
	}
	return out
}

// RefuseOnline reports whether a child's last-known persisted state
// was Faulted, in which case the caller must require an explicit admin
// OnlineChild rather than silently resuming it on restart.
func (s *Store) RefuseOnline(nexusUUID, childURI string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Nexuses[nexusUUID]
	if !ok {
		return false
	}
	for _, c := range st.Children {
		if c.URI == childURI {
			return c.State == "faulted"
		}
	}
	return false
}

// DirtyBitmap satisfies rebuild.DirtyMapSource: it returns the
// persisted dirty-segment map recorded during a degraded window, sized
// to segments, or nil if nothing was recorded (forcing a Full rebuild).
func (s *Store) DirtyBitmap(nexusUUID, childURI string, segments uint64) []bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.doc.Nexuses[nexusUUID]
	if !ok {
		return nil
	}
	for _, c := range st.Children {
		if c.URI == childURI && len(c.DirtySegments) > 0 {
			out := make([]bool, segments)
			copy(out, c.DirtySegments)
			return out
		}
	}
	return nil
}

func (s *Store) flush() error {
	s.mu.Lock()
	data, err := yaml.Marshal(s.doc)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshaling child-status file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".child-status-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp child-status file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp child-status file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp child-status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp child-status file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp child-status file into place: %w", err)
	}

	return nil
}
