// Package core implements the discovery, peer-table and gossip subsystem
// of the agentnet mesh. Nodes resolve each other through a central
// registry with a DNS fallback, keep an in-memory table of known peers
// with health and freshness tracking, and spread peer knowledge through
// periodic gossip rounds so the mesh survives registry outages.
//
// All peer state is best-effort and in memory: there is no consensus,
// no causal ordering and no persistence. Concurrent updates resolve by
// last write wins.
package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// recentlySeenWindow is how long an unknown-health peer still counts as
// usable after it was last seen.
const recentlySeenWindow = 5 * time.Minute

// probeTimeout bounds direct liveness checks against a peer.
const probeTimeout = 2 * time.Second

// SelectionPolicy decides whether a peer is usable for gossip and
// collaboration given its health state and freshness. hasHealth is
// false when the table holds no health record for the peer at all.
type SelectionPolicy func(health HealthStatus, hasHealth bool, lastSeen, now time.Time) bool

// DefaultSelectionPolicy gives peers the benefit of the doubt: a peer
// is usable when it is healthy, when its health is unknown but it was
// seen recently, or when no health was ever recorded. Treating
// unknown-but-recent as usable can mask genuinely failed peers; swap in
// a stricter policy via PeerTableOptions if that matters for your mesh.
func DefaultSelectionPolicy(health HealthStatus, hasHealth bool, lastSeen, now time.Time) bool {
	if !hasHealth {
		return true
	}
	if health == HealthHealthy {
		return true
	}
	return health == HealthUnknown && now.Sub(lastSeen) < recentlySeenWindow
}

// PeerTableOptions configures a PeerTable.
type PeerTableOptions struct {
	SelfID string
	Logger Logger
	Policy SelectionPolicy
	// ProbeClient overrides the HTTP client used for health probes.
	ProbeClient *http.Client
}

// PeerTable is the concurrent registry of known peers. One mutex covers
// the record, health and last-seen maps as a single atomic unit; every
// read hands out copies so the lock is never held across network calls.
type PeerTable struct {
	selfID string
	logger Logger
	policy SelectionPolicy
	probe  *http.Client

	mu       sync.Mutex
	records  map[string]*AgentRecord
	health   map[string]HealthStatus
	lastSeen map[string]time.Time
	addrs    map[string]Address
}

// NewPeerTable creates a peer table for the given local node id.
func NewPeerTable(opts PeerTableOptions) *PeerTable {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Policy == nil {
		opts.Policy = DefaultSelectionPolicy
	}
	if opts.ProbeClient == nil {
		opts.ProbeClient = &http.Client{Timeout: probeTimeout}
	}
	return &PeerTable{
		selfID:   opts.SelfID,
		logger:   opts.Logger,
		policy:   opts.Policy,
		probe:    opts.ProbeClient,
		records:  make(map[string]*AgentRecord),
		health:   make(map[string]HealthStatus),
		lastSeen: make(map[string]time.Time),
		addrs:    make(map[string]Address),
	}
}

// SelfID returns the local node id the table excludes.
func (t *PeerTable) SelfID() string {
	return t.selfID
}

// Upsert inserts or replaces a peer record, refreshes its last-seen
// time and resolves its address once. Health is initialized to unknown
// only on first insertion. Upserting the local node's own id is a
// no-op and returns false: the table never contains self.
func (t *PeerTable) Upsert(id string, record *AgentRecord) bool {
	if id == t.selfID || record == nil {
		return false
	}
	addr := ResolveAddress(record, t.logger)

	t.mu.Lock()
	defer t.mu.Unlock()

	_, known := t.records[id]
	t.records[id] = record.Clone()
	t.lastSeen[id] = time.Now()
	t.addrs[id] = addr
	if !known {
		t.health[id] = HealthUnknown
		t.logger.Debug("Added new peer", map[string]interface{}{"peer_id": id})
	} else {
		t.logger.Debug("Updated existing peer", map[string]interface{}{"peer_id": id})
	}
	return true
}

// Remove deletes the peer from the table. Returns whether it existed.
func (t *PeerTable) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

func (t *PeerTable) removeLocked(id string) bool {
	if _, ok := t.records[id]; !ok {
		return false
	}
	delete(t.records, id)
	delete(t.health, id)
	delete(t.lastSeen, id)
	delete(t.addrs, id)
	return true
}

// Get returns a copy of the peer's record.
func (t *PeerTable) Get(id string) (*AgentRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// All returns a snapshot of every known peer record.
func (t *PeerTable) All() map[string]*AgentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*AgentRecord, len(t.records))
	for id, rec := range t.records {
		out[id] = rec.Clone()
	}
	return out
}

// IDs returns the ids of all known peers.
func (t *PeerTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.records))
	for id := range t.records {
		out = append(out, id)
	}
	return out
}

// Len returns the number of known peers.
func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Health returns the peer's recorded health state.
func (t *PeerTable) Health(id string) (HealthStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.health[id]
	return h, ok
}

// SetHealth records a health state for the peer and refreshes its
// last-seen time. Unknown peers are ignored.
func (t *PeerTable) SetHealth(id string, status HealthStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		return
	}
	t.health[id] = status
	t.lastSeen[id] = time.Now()
}

// LastSeen returns when the peer was last seen.
func (t *PeerTable) LastSeen(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSeen[id]
	return ts, ok
}

// Addr returns the peer's address as resolved at insertion time.
func (t *PeerTable) Addr(id string) (Address, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.addrs[id]
	if !ok || addr.IsZero() {
		return Address{}, false
	}
	return addr, true
}

// UsablePeers returns the peers the selection policy accepts. When the
// policy rejects everything but the table is non-empty, the full table
// is returned instead: a mesh with only suspect peers still beats an
// empty round.
func (t *PeerTable) UsablePeers() map[string]*AgentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	usable := make(map[string]*AgentRecord)
	for id, rec := range t.records {
		health, hasHealth := t.health[id]
		if t.policy(health, hasHealth, t.lastSeen[id], now) {
			usable[id] = rec.Clone()
		}
	}

	if len(usable) == 0 && len(t.records) > 0 {
		t.logger.Warn("No peers accepted by selection policy, falling back to all peers", map[string]interface{}{
			"peer_count": len(t.records),
		})
		for id, rec := range t.records {
			usable[id] = rec.Clone()
		}
	}
	return usable
}

// EvictStale removes every peer whose last-seen time is older than the
// TTL and returns the removed ids. Eviction is lazy: the gossip engine
// calls this at the start of each round rather than running a timer.
func (t *PeerTable) EvictStale(ttl time.Duration) []string {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for id, seen := range t.lastSeen {
		if now.Sub(seen) > ttl {
			t.removeLocked(id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		t.logger.Info("Evicted stale peers", map[string]interface{}{
			"count": len(removed),
			"ttl":   ttl.String(),
		})
	}
	return removed
}

// Probe performs a direct liveness check against the peer's health
// endpoint, updates the table and returns the resulting state: healthy
// on a 2xx response, unhealthy on request failure or any other status,
// unknown when the peer's address cannot be determined.
func (t *PeerTable) Probe(ctx context.Context, id string) HealthStatus {
	rec, ok := t.Get(id)
	if !ok {
		return HealthUnknown
	}

	addr, ok := t.Addr(id)
	if !ok {
		t.logger.Warn("Cannot determine host for peer", map[string]interface{}{"peer_id": id})
		t.SetHealth(id, HealthUnknown)
		return HealthUnknown
	}

	path := "/health"
	if p, ok := rec.Endpoints["ping"]; ok && p != "" {
		path = p
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr.URL(path), nil)
	if err != nil {
		t.SetHealth(id, HealthUnknown)
		return HealthUnknown
	}

	resp, err := t.probe.Do(req)
	if err != nil {
		t.logger.Warn("Health check failed for peer", map[string]interface{}{
			"peer_id": id,
			"error":   err.Error(),
		})
		t.SetHealth(id, HealthUnhealthy)
		return HealthUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		t.SetHealth(id, HealthHealthy)
		return HealthHealthy
	}
	t.logger.Warn("Peer health endpoint returned non-2xx", map[string]interface{}{
		"peer_id": id,
		"status":  fmt.Sprintf("%d", resp.StatusCode),
	})
	t.SetHealth(id, HealthUnhealthy)
	return HealthUnhealthy
}
