package routemon

import "sync"

type storeKey struct {
	device string
	table  string
}

// Store keeps the most recent snapshot per (device, table).
type Store struct {
	mu    sync.RWMutex
	snaps map[storeKey]*Snapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{snaps: make(map[storeKey]*Snapshot)}
}

// Previous returns the stored snapshot for (deviceID, table), or nil.
func (s *Store) Previous(deviceID, table string) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snaps[storeKey{deviceID, table}]
}

// Commit replaces the stored snapshot for snap's device and table.
func (s *Store) Commit(snap *Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[storeKey{snap.DeviceID, snap.Table}] = snap
}

// Len returns the number of stored snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}
