package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Node ties the discovery cache, peer table and gossip engine together
// behind one HTTP surface and keeps the node registered with the
// registry. It owns the background loops; the components stay free of
// lifecycle concerns.
type Node struct {
	cfg       *Config
	record    *AgentRecord
	logger    Logger
	telemetry Telemetry

	directory Directory
	discovery *DiscoveryCache
	table     *PeerTable
	gossip    *GossipEngine

	server *http.Server

	// registration state, guarded by regMu
	regMu        sync.Mutex
	registered   bool
	regAttempts  int
	regBackoffTo time.Time
	regLimiter   *rate.Limiter

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NodeOptions configures a Node. Config is required; everything else
// has a working default.
type NodeOptions struct {
	Config    *Config
	Logger    Logger
	Telemetry Telemetry
	// Directory overrides the registry client, mainly for tests.
	Directory Directory
	// DNS overrides the fallback resolver.
	DNS NameResolver
	// Store overrides the discovery cache backend.
	Store CacheStore
	// Middleware wraps the node's HTTP handler, e.g. for request
	// tracing.
	Middleware func(http.Handler) http.Handler
}

// NewNode wires up a node from configuration.
func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Config == nil {
		return nil, NewAgentError("node.New", "node", ErrMissingConfiguration)
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &NoOpTelemetry{}
	}

	directory := opts.Directory
	if directory == nil && cfg.RegistryURL != "" {
		rc, err := NewRegistryClient(RegistryClientOptions{
			BaseURL: cfg.RegistryURL,
			Logger:  opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		directory = rc
	}

	dns := opts.DNS
	if dns == nil && cfg.DNSServer != "" {
		dns = NewDNSResolver(cfg.DNSServer, cfg.DNSPort, opts.Logger)
	}

	discovery := NewDiscoveryCache(DiscoveryCacheOptions{
		Directory: directory,
		DNS:       dns,
		Store:     opts.Store,
		CacheTTL:  cfg.CacheTTL,
		Logger:    opts.Logger,
		Telemetry: opts.Telemetry,
	})

	table := NewPeerTable(PeerTableOptions{
		SelfID: cfg.ID,
		Logger: opts.Logger,
	})

	n := &Node{
		cfg:        cfg,
		record:     cfg.Record(),
		logger:     opts.Logger,
		telemetry:  opts.Telemetry,
		directory:  directory,
		discovery:  discovery,
		table:      table,
		regLimiter: rate.NewLimiter(rate.Every(cfg.RegistrationCooldown), 1),
	}

	n.gossip = NewGossipEngine(GossipEngineOptions{
		SelfID:             cfg.ID,
		Table:              table,
		Cache:              discovery,
		Logger:             opts.Logger,
		Telemetry:          opts.Telemetry,
		Interval:           cfg.GossipInterval,
		Fanout:             cfg.GossipFanout,
		MaxPeersToExchange: cfg.MaxPeersToExchange,
		PeerTTL:            cfg.PeerTTL,
	})

	var handler http.Handler = n.routes()
	if opts.Middleware != nil {
		handler = opts.Middleware(handler)
	}
	n.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return n, nil
}

// ID returns the node's agent id.
func (n *Node) ID() string { return n.cfg.ID }

// Peers exposes the node's peer table.
func (n *Node) Peers() *PeerTable { return n.table }

// Discovery exposes the node's discovery cache.
func (n *Node) Discovery() *DiscoveryCache { return n.discovery }

// Gossip exposes the node's gossip engine.
func (n *Node) Gossip() *GossipEngine { return n.gossip }

// Start registers with the registry, seeds the peer table, launches the
// background loops and begins serving HTTP. Registration failure is not
// fatal: the heartbeat loop keeps retrying.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return NewAgentError("node.Start", "node", ErrAlreadyStarted)
	}
	n.running = true
	n.stop = make(chan struct{})
	n.mu.Unlock()

	if n.directory != nil {
		if err := n.register(ctx); err != nil {
			n.logger.Warn("Initial registration failed, will retry", map[string]interface{}{
				"error": err.Error(),
			})
		}
		n.seedPeers(ctx)
	}

	n.wg.Add(2)
	go n.heartbeatLoop()
	go n.refreshLoop()

	if n.cfg.GossipEnabled {
		if err := n.gossip.Start(); err != nil {
			n.logger.Error("Failed to start gossip engine", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	n.logger.Info("Node started", map[string]interface{}{
		"agent_id": n.cfg.ID,
		"port":     n.cfg.Port,
	})

	err := n.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts down the loops, the gossip engine and the HTTP server, and
// unregisters from the registry.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return NewAgentError("node.Stop", "node", ErrNotRunning)
	}
	n.running = false
	close(n.stop)
	n.mu.Unlock()

	if n.gossip.Running() {
		if err := n.gossip.Stop(); err != nil {
			n.logger.Warn("Gossip stop failed", map[string]interface{}{"error": err.Error()})
		}
	}
	n.wg.Wait()

	if n.directory != nil {
		if err := n.directory.Unregister(ctx, n.cfg.ID); err != nil {
			n.logger.Warn("Unregister failed", map[string]interface{}{"error": err.Error()})
		}
	}

	err := n.server.Shutdown(ctx)
	n.logger.Info("Node stopped", map[string]interface{}{"agent_id": n.cfg.ID})
	return err
}

// register performs one registration attempt under the cooldown
// limiter and the attempt/backoff budget.
func (n *Node) register(ctx context.Context) error {
	n.regMu.Lock()
	if time.Now().Before(n.regBackoffTo) {
		n.regMu.Unlock()
		return nil
	}
	if !n.regLimiter.Allow() {
		n.regMu.Unlock()
		return nil
	}
	n.regAttempts++
	attempts := n.regAttempts
	n.regMu.Unlock()

	n.record.LastUpdate = time.Now()
	if _, err := n.directory.Register(ctx, n.record); err != nil {
		n.regMu.Lock()
		if attempts >= n.cfg.MaxRegistrationTries {
			// Budget spent: pause before the counter resets and the
			// node tries again.
			n.regBackoffTo = time.Now().Add(n.cfg.RegistrationBackoff)
			n.regAttempts = 0
			n.logger.Warn("Registration attempts exhausted, backing off", map[string]interface{}{
				"attempts": attempts,
				"backoff":  n.cfg.RegistrationBackoff.String(),
			})
		}
		n.regMu.Unlock()
		return err
	}

	n.regMu.Lock()
	n.registered = true
	n.regAttempts = 0
	n.regBackoffTo = time.Time{}
	n.regMu.Unlock()

	n.logger.Info("Registered with registry", map[string]interface{}{"agent_id": n.cfg.ID})
	n.telemetry.RecordMetric("node.registrations", 1, nil)
	return nil
}

// Registered reports whether the registry currently knows this node.
func (n *Node) Registered() bool {
	n.regMu.Lock()
	defer n.regMu.Unlock()
	return n.registered
}

// heartbeatLoop keeps the registration alive. A heartbeat that comes
// back not_found flips the node to unregistered so the next tick
// re-registers.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.RegistrationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
		}
		if n.directory == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		n.heartbeatTick(ctx)
		cancel()
	}
}

func (n *Node) heartbeatTick(ctx context.Context) {
	if !n.Registered() {
		if err := n.register(ctx); err != nil {
			n.logger.Warn("Registration retry failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}

	result, err := n.directory.Heartbeat(ctx, n.cfg.ID)
	if err != nil {
		n.logger.Warn("Heartbeat failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if result.NotFound {
		n.logger.Warn("Registry no longer knows this node, re-registering", nil)
		n.regMu.Lock()
		n.registered = false
		n.regMu.Unlock()
		return
	}
	n.logger.Debug("Heartbeat ok", map[string]interface{}{"status": result.Status})
}

// refreshLoop periodically re-seeds the peer table from the registry
// and refreshes stale discovery cache entries.
func (n *Node) refreshLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if n.directory != nil {
			n.seedPeers(ctx)
		}
		n.discovery.Refresh(ctx)
		cancel()
	}
}

// seedPeers pulls the registry listing plus agents sharing our
// capabilities into the peer table.
func (n *Node) seedPeers(ctx context.Context) {
	records, err := n.directory.List(ctx, ListQuery{})
	if err != nil {
		n.logger.Warn("Peer seeding failed", map[string]interface{}{"error": err.Error()})
	}
	added := 0
	for _, rec := range records {
		rec.Provenance = ProvenanceRegistry
		if n.table.Upsert(rec.ID, rec) {
			added++
		}
	}

	for _, capability := range n.cfg.Capabilities {
		for _, rec := range n.discovery.ResolveByCapability(ctx, capability) {
			if n.table.Upsert(rec.ID, rec) {
				added++
			}
		}
	}

	n.logger.Info("Seeded peer table", map[string]interface{}{
		"known_peers": n.table.Len(),
	})
}

// routes builds the node's HTTP surface.
func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", n.handleHealth)
	mux.HandleFunc("/metadata", n.handleMetadata)
	mux.HandleFunc("/peers", n.handlePeers)
	mux.HandleFunc("/discover", n.handleDiscover)
	mux.HandleFunc("/search", n.handleSearch)
	mux.HandleFunc("/resolve/", n.handleResolve)
	mux.HandleFunc("/gossip/stats", n.handleGossipStats)
	mux.HandleFunc("/gossip/start", n.handleGossipStart)
	mux.HandleFunc("/gossip/stop", n.handleGossipStop)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (n *Node) handleMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.record)
}

// handlePeers serves the gossip exchange contract: GET returns the ids
// this node knows, POST accepts a peer-id list and reports which ids
// were new.
func (n *Node) handlePeers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids := n.table.IDs()
		if ids == nil {
			ids = []string{}
		}
		writeJSON(w, http.StatusOK, peersMessage{Peers: ids})
	case http.MethodPost:
		var msg peersMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid peer list")
			return
		}
		added := n.gossip.ReceivePeers(r.Context(), msg.Peers, r.RemoteAddr)
		if added == nil {
			added = []string{}
		}
		writeJSON(w, http.StatusOK, peersResponse{
			Status:     "ok",
			AddedPeers: added,
			TotalPeers: n.table.Len(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (n *Node) handleDiscover(w http.ResponseWriter, r *http.Request) {
	capability := r.URL.Query().Get("capability")
	if capability == "" {
		writeError(w, http.StatusBadRequest, "capability parameter required")
		return
	}
	records := n.discovery.ResolveByCapability(r.Context(), capability)
	if records == nil {
		records = []*AgentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": records})
}

func (n *Node) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var criteria SearchCriteria
	if err := json.NewDecoder(r.Body).Decode(&criteria); err != nil {
		writeError(w, http.StatusBadRequest, "invalid search criteria")
		return
	}
	records := n.discovery.ResolveByCriteria(r.Context(), criteria)
	if records == nil {
		records = []*AgentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": records})
}

func (n *Node) handleResolve(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/resolve/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "agent id required")
		return
	}
	rec, ok := n.discovery.Resolve(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("agent %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (n *Node) handleGossipStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, n.gossip.Stats())
}

func (n *Node) handleGossipStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := n.gossip.Start(); err != nil {
		writeError(w, http.StatusConflict, "gossip already running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (n *Node) handleGossipStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := n.gossip.Stop(); err != nil {
		writeError(w, http.StatusConflict, "gossip not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
