// Package monitor observes the gateway: which storage nodes answer, which
// commands were routed where, and the health of the host it runs on.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/ssd-technologies/shardfs/internal/category"
)

// NodeInfo describes one storage node as seen by the gateway.
type NodeInfo struct {
	Category  string    `json:"category"`
	Address   string    `json:"address"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"last_seen"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures"`
}

// TrackerStats contains summary statistics for the tracker.
type TrackerStats struct {
	NodesOnline int `json:"nodes_online"`
	NodesTotal  int `json:"nodes_total"`
}

// Tracker is an in-memory registry of storage node reachability, keyed by
// category. Nodes start offline until the first successful contact.
type Tracker struct {
	mu    sync.RWMutex
	nodes map[category.Category]*NodeInfo
}

// NewTracker creates a Tracker for the given address table.
func NewTracker(addrs map[category.Category]string) *Tracker {
	t := &Tracker{nodes: make(map[category.Category]*NodeInfo)}
	for c, a := range addrs {
		t.Register(c, a)
	}
	return t
}

// Register adds or replaces a node entry.
func (t *Tracker) Register(c category.Category, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[c] = &NodeInfo{Category: c.String(), Address: addr}
}

// Heartbeat records a successful contact with the node owning c.
func (t *Tracker) Heartbeat(c category.Category) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[c]; ok {
		n.LastSeen = time.Now()
		n.Online = true
		n.LastError = ""
		n.Failures = 0
	}
}

// MarkFailed records a failed contact with the node owning c.
func (t *Tracker) MarkFailed(c category.Category, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[c]; ok {
		n.Online = false
		n.Failures++
		if err != nil {
			n.LastError = err.Error()
		}
	}
}

// Online reports whether the node owning c answered its last contact.
func (t *Tracker) Online(c category.Category) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[c]
	return ok && n.Online
}

// Nodes returns a snapshot of every node in category merge order.
func (t *Tracker) Nodes() []NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]category.Category, 0, len(t.nodes))
	for c := range t.nodes {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	result := make([]NodeInfo, 0, len(keys))
	for _, c := range keys {
		result = append(result, *t.nodes[c])
	}
	return result
}

// PruneOffline marks nodes as offline if their LastSeen exceeds the timeout.
func (t *Tracker) PruneOffline(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	for _, n := range t.nodes {
		if n.LastSeen.Before(cutoff) {
			n.Online = false
		}
	}
}

// Stats returns summary statistics for the tracker.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats TrackerStats
	stats.NodesTotal = len(t.nodes)
	for _, n := range t.nodes {
		if n.Online {
			stats.NodesOnline++
		}
	}
	return stats
}
