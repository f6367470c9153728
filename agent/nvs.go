package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	atomicfile "github.com/natefinch/atomic"
)

// persistedState is the small non-volatile record spec.md §6 "Persisted
// state" describes: the last-acknowledged Registry CRC and, optionally, a
// factory-provisioned node id.
//
// The original keeps this in two NVS keys; here it is one JSON file
// written atomically (temp file + fsync + rename, the same durability
// shape as the teacher's pkg/fs.AtomicWriter) via natefinch/atomic, so a
// crash mid-write never leaves a half-written file for the next boot to
// trip over.
type persistedState struct {
	MetaCRC uint32 `json:"meta_crc"`
	NodeID  string `json:"node_id,omitempty"`
}

// StateStore loads and durably persists persistedState to a single file
// path.
type StateStore struct {
	path string
}

// NewStateStore returns a StateStore backed by path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads the persisted state, returning a zero-value state (CRC 0, no
// node id) if the file does not yet exist — the same "first boot" shape
// as an unprogrammed NVS key.
func (s *StateStore) Load() (metaCRC uint32, nodeID string, err error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", nil
		}
		return 0, "", fmt.Errorf("agent: read persisted state %q: %w", s.path, err)
	}
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return 0, "", fmt.Errorf("agent: decode persisted state %q: %w", s.path, err)
	}
	return st.MetaCRC, st.NodeID, nil
}

// SaveMetaCRC persists a new last-acknowledged CRC, preserving whatever
// node id is already on disk.
func (s *StateStore) SaveMetaCRC(crc uint32) error {
	_, nodeID, err := s.Load()
	if err != nil {
		return err
	}
	return s.save(persistedState{MetaCRC: crc, NodeID: nodeID})
}

// SaveNodeID persists a factory-provisioned node id, preserving whatever
// CRC is already on disk.
func (s *StateStore) SaveNodeID(nodeID string) error {
	crc, _, err := s.Load()
	if err != nil {
		return err
	}
	return s.save(persistedState{MetaCRC: crc, NodeID: nodeID})
}

func (s *StateStore) save(st persistedState) error {
	out, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("agent: encode persisted state: %w", err)
	}
	if err := atomicfile.WriteFile(s.path, bytes.NewReader(out)); err != nil {
		return fmt.Errorf("agent: persist state %q: %w", s.path, err)
	}
	return nil
}
