// Package routemon captures routing-table snapshots from devices and
// reports what changed between consecutive snapshots of the same table.
package routemon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/newtron-network/newtops/pkg/device"
)

// DefaultTable is the routing table of the default VRF.
const DefaultTable = device.DefaultTable

// DefaultProtocols are the route sources tracked when none are configured.
var DefaultProtocols = []string{"bgp", "ospf", "isis", "static"}

// Key identifies a route within a snapshot.
type Key struct {
	Prefix   string `json:"prefix"`
	Protocol string `json:"protocol"`
}

func (k Key) String() string {
	return k.Prefix + "/" + k.Protocol
}

// Snapshot is the set of tracked routes observed in one table at one time.
// Entries map each (prefix, protocol) to its canonical next hop.
type Snapshot struct {
	DeviceID   string
	Table      string
	CapturedAt time.Time
	Entries    map[Key]string
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot(deviceID, table string, at time.Time) *Snapshot {
	return &Snapshot{
		DeviceID:   deviceID,
		Table:      table,
		CapturedAt: at,
		Entries:    make(map[Key]string),
	}
}

// Add records a route. A later entry for the same key replaces the earlier one.
func (s *Snapshot) Add(prefix, protocol, nextHop string) {
	s.Entries[Key{Prefix: prefix, Protocol: normalizeProtocol(protocol)}] = nextHop
}

// Len returns the number of routes.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Entries)
}

// NextHop returns the next hop for key.
func (s *Snapshot) NextHop(k Key) (string, bool) {
	if s == nil {
		return "", false
	}
	nh, ok := s.Entries[k]
	return nh, ok
}

// ByProtocol counts routes per protocol.
func (s *Snapshot) ByProtocol() map[string]int {
	counts := make(map[string]int)
	if s == nil {
		return counts
	}
	for k := range s.Entries {
		counts[k.Protocol]++
	}
	return counts
}

// Keys returns the snapshot keys sorted by prefix, then protocol.
func (s *Snapshot) Keys() []Key {
	if s == nil {
		return nil
	}
	keys := make([]Key, 0, len(s.Entries))
	for k := range s.Entries {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Prefix != keys[j].Prefix {
			return keys[i].Prefix < keys[j].Prefix
		}
		return keys[i].Protocol < keys[j].Protocol
	})
}

func normalizeProtocol(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// Capture queries every route of table and keeps those whose protocol is
// in protocols (DefaultProtocols if empty).
func Capture(ctx context.Context, p device.Provider, s device.Session, table string, protocols []string) (*Snapshot, error) {
	if table == "" {
		table = DefaultTable
	}
	if len(protocols) == 0 {
		protocols = DefaultProtocols
	}
	tracked := make(map[string]bool, len(protocols))
	for _, proto := range protocols {
		tracked[normalizeProtocol(proto)] = true
	}

	q := device.NewQuery(device.QueryRoutes,
		device.ArgTable, table,
		device.ArgProtocols, strings.Join(protocols, ","))
	res, err := p.RunQuery(ctx, s, q)
	if err != nil {
		return nil, fmt.Errorf("capturing %s routes on %s: %w", table, s.DisplayName(), err)
	}

	snap := NewSnapshot(s.DeviceID, table, time.Now())
	for _, r := range res.Routes {
		if !tracked[normalizeProtocol(r.Protocol)] {
			continue
		}
		snap.Add(r.Prefix, r.Protocol, r.NextHopKey())
	}
	return snap, nil
}
