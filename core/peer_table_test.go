package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func newTestTable(selfID string) *PeerTable {
	return NewPeerTable(PeerTableOptions{SelfID: selfID})
}

func testRecord(id string) *AgentRecord {
	return &AgentRecord{ID: id, Host: "localhost", Port: 8000}
}

func TestPeerTableUpsertAndGet(t *testing.T) {
	table := newTestTable("self.agents.local")

	if !table.Upsert("a.agents.local", testRecord("a.agents.local")) {
		t.Fatal("expected insert to succeed")
	}
	rec, ok := table.Get("a.agents.local")
	if !ok {
		t.Fatal("expected peer to be present")
	}
	if rec.Host != "localhost" {
		t.Errorf("host = %q", rec.Host)
	}

	// New peers start with unknown health.
	health, ok := table.Health("a.agents.local")
	if !ok || health != HealthUnknown {
		t.Errorf("health = %v, %v", health, ok)
	}
}

func TestPeerTableExcludesSelf(t *testing.T) {
	table := newTestTable("self.agents.local")

	if table.Upsert("self.agents.local", testRecord("self.agents.local")) {
		t.Error("upserting self should be a no-op")
	}
	if table.Len() != 0 {
		t.Errorf("table length = %d, want 0", table.Len())
	}
}

func TestPeerTableUpsertPreservesHealth(t *testing.T) {
	table := newTestTable("self")
	table.Upsert("a.agents.local", testRecord("a.agents.local"))
	table.SetHealth("a.agents.local", HealthHealthy)

	// A record refresh must not reset an established health state.
	table.Upsert("a.agents.local", testRecord("a.agents.local"))
	health, _ := table.Health("a.agents.local")
	if health != HealthHealthy {
		t.Errorf("health after re-upsert = %v, want healthy", health)
	}
}

func TestPeerTableSnapshotIsolation(t *testing.T) {
	table := newTestTable("self")
	table.Upsert("a.agents.local", &AgentRecord{ID: "a.agents.local", Host: "h", Port: 1, Capabilities: []string{"chat"}})

	snap := table.All()
	snap["a.agents.local"].Capabilities[0] = "mutated"

	rec, _ := table.Get("a.agents.local")
	if rec.Capabilities[0] != "chat" {
		t.Error("snapshot mutation leaked into the table")
	}
}

func TestPeerTableEvictStale(t *testing.T) {
	table := newTestTable("self")
	table.Upsert("old.agents.local", testRecord("old.agents.local"))
	table.Upsert("fresh.agents.local", testRecord("fresh.agents.local"))

	// Backdate one peer past the TTL.
	table.mu.Lock()
	table.lastSeen["old.agents.local"] = time.Now().Add(-2 * time.Hour)
	table.mu.Unlock()

	removed := table.EvictStale(time.Hour)
	if len(removed) != 1 || removed[0] != "old.agents.local" {
		t.Fatalf("removed = %v", removed)
	}
	if _, ok := table.Get("old.agents.local"); ok {
		t.Error("stale peer still present")
	}
	if _, ok := table.Get("fresh.agents.local"); !ok {
		t.Error("fresh peer was evicted")
	}
}

func TestPeerTableEvictStaleBoundary(t *testing.T) {
	table := newTestTable("self")
	table.Upsert("edge.agents.local", testRecord("edge.agents.local"))

	// Exactly at the TTL is not yet stale; eviction needs strictly
	// greater age.
	table.mu.Lock()
	table.lastSeen["edge.agents.local"] = time.Now().Add(-time.Hour + time.Second)
	table.mu.Unlock()

	if removed := table.EvictStale(time.Hour); len(removed) != 0 {
		t.Errorf("removed = %v, want none", removed)
	}
}

func TestUsablePeersPolicy(t *testing.T) {
	table := newTestTable("self")
	table.Upsert("healthy.agents.local", testRecord("healthy.agents.local"))
	table.Upsert("unhealthy.agents.local", testRecord("unhealthy.agents.local"))
	table.Upsert("unknown-recent.agents.local", testRecord("unknown-recent.agents.local"))
	table.Upsert("unknown-old.agents.local", testRecord("unknown-old.agents.local"))

	table.SetHealth("healthy.agents.local", HealthHealthy)
	table.SetHealth("unhealthy.agents.local", HealthUnhealthy)
	table.mu.Lock()
	table.lastSeen["unknown-old.agents.local"] = time.Now().Add(-10 * time.Minute)
	table.mu.Unlock()

	usable := table.UsablePeers()
	if _, ok := usable["healthy.agents.local"]; !ok {
		t.Error("healthy peer should be usable")
	}
	if _, ok := usable["unknown-recent.agents.local"]; !ok {
		t.Error("recently seen unknown peer should be usable")
	}
	if _, ok := usable["unhealthy.agents.local"]; ok {
		t.Error("unhealthy peer should not be usable")
	}
	if _, ok := usable["unknown-old.agents.local"]; ok {
		t.Error("stale unknown peer should not be usable")
	}
}

func TestUsablePeersFallbackToAll(t *testing.T) {
	table := newTestTable("self")
	table.Upsert("a.agents.local", testRecord("a.agents.local"))
	table.Upsert("b.agents.local", testRecord("b.agents.local"))
	table.SetHealth("a.agents.local", HealthUnhealthy)
	table.SetHealth("b.agents.local", HealthUnhealthy)

	usable := table.UsablePeers()
	if len(usable) != 2 {
		t.Errorf("fallback should return all %d peers, got %d", 2, len(usable))
	}
}

func TestUsablePeersCustomPolicy(t *testing.T) {
	strict := func(health HealthStatus, hasHealth bool, lastSeen, now time.Time) bool {
		return hasHealth && health == HealthHealthy
	}
	table := NewPeerTable(PeerTableOptions{SelfID: "self", Policy: strict})
	table.Upsert("a.agents.local", testRecord("a.agents.local"))
	table.Upsert("b.agents.local", testRecord("b.agents.local"))
	table.SetHealth("a.agents.local", HealthHealthy)

	usable := table.UsablePeers()
	if len(usable) != 1 {
		t.Fatalf("usable = %d peers, want 1", len(usable))
	}
	if _, ok := usable["a.agents.local"]; !ok {
		t.Error("healthy peer missing under strict policy")
	}
}

func TestProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe hit %s, want /health", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	table := newTestTable("self")
	table.Upsert("up.agents.local", recordForServer("up.agents.local", healthy.URL))
	table.Upsert("down.agents.local", recordForServer("down.agents.local", failing.URL))
	table.Upsert("unreachable.agents.local", &AgentRecord{ID: "unreachable.agents.local", Host: "127.0.0.1", Port: 1})

	ctx := context.Background()
	if got := table.Probe(ctx, "up.agents.local"); got != HealthHealthy {
		t.Errorf("probe up = %v", got)
	}
	if got := table.Probe(ctx, "down.agents.local"); got != HealthUnhealthy {
		t.Errorf("probe down = %v", got)
	}
	if got := table.Probe(ctx, "unreachable.agents.local"); got != HealthUnhealthy {
		t.Errorf("probe unreachable = %v", got)
	}
	if got := table.Probe(ctx, "missing.agents.local"); got != HealthUnknown {
		t.Errorf("probe missing = %v", got)
	}
}

// recordForServer builds a record whose address resolves to an
// httptest server.
func recordForServer(id, serverURL string) *AgentRecord {
	u, _ := url.Parse(serverURL)
	port, _ := strconv.Atoi(u.Port())
	return &AgentRecord{ID: id, Host: u.Hostname(), Port: port}
}
