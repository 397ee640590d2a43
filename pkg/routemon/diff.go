package routemon

import (
	"sort"
	"time"
)

// Change is one route that differs between two snapshots.
type Change struct {
	Prefix   string `json:"prefix"`
	Protocol string `json:"protocol"`
	Previous string `json:"previous_next_hop,omitempty"`
	Current  string `json:"current_next_hop,omitempty"`
}

// Delta is the difference between consecutive snapshots of one table.
type Delta struct {
	DeviceID string    `json:"device"`
	Table    string    `json:"table"`
	At       time.Time `json:"at"`
	// Baseline is set when there was no previous snapshot to compare with.
	Baseline bool `json:"baseline,omitempty"`

	Added   []Change `json:"added,omitempty"`
	Removed []Change `json:"removed,omitempty"`
	Flapped []Change `json:"flapped,omitempty"`

	// Counts is the number of tracked routes per protocol in the current snapshot.
	Counts map[string]int `json:"counts,omitempty"`
}

// Empty reports whether nothing was added, removed or flapped.
func (d *Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Flapped) == 0
}

// AddedPrefixes returns the distinct added prefixes, sorted.
func (d *Delta) AddedPrefixes() []string { return prefixes(d.Added) }

// RemovedPrefixes returns the distinct removed prefixes, sorted.
func (d *Delta) RemovedPrefixes() []string { return prefixes(d.Removed) }

// FlappedPrefixes returns the distinct flapped prefixes, sorted.
func (d *Delta) FlappedPrefixes() []string { return prefixes(d.Flapped) }

func prefixes(changes []Change) []string {
	seen := make(map[string]bool, len(changes))
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		if !seen[c.Prefix] {
			seen[c.Prefix] = true
			out = append(out, c.Prefix)
		}
	}
	sort.Strings(out)
	return out
}

// Diff compares current against previous. Routes are matched on (prefix,
// protocol): a key only in current is added, a key only in previous is
// removed, and a key in both whose next hop changed is flapped. A nil
// previous is treated as empty and marks the delta as a baseline.
func Diff(previous, current *Snapshot) *Delta {
	d := &Delta{Baseline: previous == nil}
	if current != nil {
		d.DeviceID, d.Table, d.At = current.DeviceID, current.Table, current.CapturedAt
	} else if previous != nil {
		d.DeviceID, d.Table = previous.DeviceID, previous.Table
	}
	d.Counts = current.ByProtocol()

	for _, k := range current.Keys() {
		cur := current.Entries[k]
		prev, ok := previous.NextHop(k)
		switch {
		case !ok:
			d.Added = append(d.Added, Change{Prefix: k.Prefix, Protocol: k.Protocol, Current: cur})
		case prev != cur:
			d.Flapped = append(d.Flapped, Change{Prefix: k.Prefix, Protocol: k.Protocol, Previous: prev, Current: cur})
		}
	}
	for _, k := range previous.Keys() {
		if _, ok := current.NextHop(k); !ok {
			d.Removed = append(d.Removed, Change{Prefix: k.Prefix, Protocol: k.Protocol, Previous: previous.Entries[k]})
		}
	}
	return d
}
