package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRegistry(t *testing.T, handler http.Handler) (*RegistryClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewRegistryClient(RegistryClientOptions{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewRegistryClient: %v", err)
	}
	return client, server
}

func TestRegistryClientRegister(t *testing.T) {
	client, _ := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/registerAgent" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var rec AgentRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			t.Fatalf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(registerResponse{
			Status:  "registered",
			Message: "ok",
			Agent:   &rec,
		})
	}))

	rec, err := client.Register(context.Background(), &AgentRecord{ID: "a.agents.local", Port: 8000})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if rec.ID != "a.agents.local" {
		t.Errorf("returned id = %q", rec.ID)
	}
}

func TestRegistryClientGetNotFound(t *testing.T) {
	client, _ := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := client.Get(context.Background(), "ghost.agents.local")
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
	// A 404 is an answer, not a failure: the breaker must stay closed.
	if client.breaker.State() != StateClosed {
		t.Errorf("breaker state = %v", client.breaker.State())
	}
}

func TestRegistryClientList(t *testing.T) {
	client, _ := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("capability"); got != "chat" {
			t.Errorf("capability = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		json.NewEncoder(w).Encode(listResponse{Agents: []*AgentRecord{
			{ID: "a.agents.local"},
			{ID: "b.agents.local"},
		}})
	}))

	records, err := client.List(context.Background(), ListQuery{Capability: "chat", Limit: 5})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("got %d records", len(records))
	}
}

func TestRegistryClientHeartbeat(t *testing.T) {
	known := true
	client, _ := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		if !known {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "success"})
	}))

	result, err := client.Heartbeat(context.Background(), "a.agents.local")
	if err != nil || result.NotFound {
		t.Fatalf("heartbeat = %+v, %v", result, err)
	}

	// A 404 heartbeat is a result that drives re-registration, never an
	// error.
	known = false
	result, err = client.Heartbeat(context.Background(), "a.agents.local")
	if err != nil {
		t.Fatalf("heartbeat 404 returned error: %v", err)
	}
	if !result.NotFound {
		t.Error("expected NotFound result")
	}
}

func TestRegistryClientBreakerOpensOnFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // every request now fails at the transport level

	client, err := NewRegistryClient(RegistryClientOptions{
		BaseURL: server.URL,
		Breaker: NewCircuitBreaker(CircuitBreakerOptions{FailureThreshold: 2}),
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), "a.agents.local"); err == nil {
			t.Fatal("expected transport failure")
		}
	}
	if client.breaker.State() != StateOpen {
		t.Fatalf("breaker state = %v, want open", client.breaker.State())
	}

	_, err = client.Get(context.Background(), "a.agents.local")
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("err = %v, want ErrCircuitBreakerOpen", err)
	}
}

func TestRegistryClientUnregister(t *testing.T) {
	client, _ := newTestRegistry(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/agents/a.agents.local" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}))

	if err := client.Unregister(context.Background(), "a.agents.local"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}
