package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultGossipInterval is the pause between gossip rounds.
	DefaultGossipInterval = 60 * time.Second
	// DefaultFanout is how many peers each round contacts.
	DefaultFanout = 3
	// DefaultMaxPeersToExchange caps the peer-id sample sent per message.
	DefaultMaxPeersToExchange = 10
	// DefaultPeerTTL is the idle time after which a peer is evicted.
	DefaultPeerTTL = time.Hour
	// DefaultMaxConcurrentExchanges bounds the per-round worker pool so
	// one slow peer cannot serialize the whole round.
	DefaultMaxConcurrentExchanges = 5

	exchangeTimeout = 5 * time.Second

	// stopSliceInterval slices the between-round sleep so Stop is
	// honored within about a second.
	stopSliceInterval = time.Second
)

// GossipStats are the protocol's monotonic counters. They reset only on
// process restart.
type GossipStats struct {
	Rounds             uint64    `json:"rounds"`
	MessagesSent       uint64    `json:"messages_sent"`
	MessagesReceived   uint64    `json:"messages_received"`
	PeersSent          uint64    `json:"peers_sent"`
	PeersReceived      uint64    `json:"peers_received"`
	NewPeersDiscovered uint64    `json:"new_peers_discovered"`
	StalePeersRemoved  uint64    `json:"stale_peers_removed"`
	Errors             uint64    `json:"errors"`
	LastRound          time.Time `json:"last_round,omitempty"`
	Running            bool      `json:"running"`
}

// ExchangeResult records the outcome of one exchange with one target.
type ExchangeResult struct {
	Peer          string   `json:"peer"`
	Err           error    `json:"-"`
	Error         string   `json:"error,omitempty"`
	PeersSent     int      `json:"peers_sent"`
	PeersReceived int      `json:"peers_received"`
	NewPeers      []string `json:"new_peers,omitempty"`
}

// RoundResult summarizes one gossip round for observability.
type RoundResult struct {
	Targets      []string         `json:"targets"`
	Results      []ExchangeResult `json:"results"`
	StaleRemoved []string         `json:"stale_removed,omitempty"`
	Duration     time.Duration    `json:"duration"`
}

// peersMessage is the wire shape of the peer listing contract.
type peersMessage struct {
	Peers []string `json:"peers"`
}

// peersResponse is the reply to a peer-list push.
type peersResponse struct {
	Status     string   `json:"status"`
	AddedPeers []string `json:"added_peers"`
	TotalPeers int      `json:"total_peers"`
}

// GossipEngine drives periodic peer-knowledge exchange. Each round it
// evicts stale peers, picks a random fanout-sized subset of usable
// peers and swaps peer-id lists with them; ids it learns are resolved
// through the discovery cache before entering the peer table, or stored
// as placeholders when resolution fails so they are not silently lost.
//
// The engine owns all round logic; peer state is touched only through
// the PeerTable's synchronized API.
type GossipEngine struct {
	selfID    string
	table     *PeerTable
	cache     *DiscoveryCache
	logger    Logger
	telemetry Telemetry
	client    *http.Client

	interval    time.Duration
	fanout      int
	maxExchange int
	peerTTL     time.Duration
	workers     int64

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
	stats   GossipStats

	randMu sync.Mutex
	rand   *rand.Rand
}

// GossipEngineOptions configures a GossipEngine.
type GossipEngineOptions struct {
	SelfID             string
	Table              *PeerTable
	Cache              *DiscoveryCache
	Logger             Logger
	Telemetry          Telemetry
	Interval           time.Duration
	Fanout             int
	MaxPeersToExchange int
	PeerTTL            time.Duration
	MaxConcurrent      int
	// Client overrides the HTTP client used for exchanges.
	Client *http.Client
}

// NewGossipEngine creates a gossip engine over the given peer table and
// discovery cache.
func NewGossipEngine(opts GossipEngineOptions) *GossipEngine {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &NoOpTelemetry{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultGossipInterval
	}
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	if opts.MaxPeersToExchange <= 0 {
		opts.MaxPeersToExchange = DefaultMaxPeersToExchange
	}
	if opts.PeerTTL <= 0 {
		opts.PeerTTL = DefaultPeerTTL
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrentExchanges
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: exchangeTimeout}
	}
	return &GossipEngine{
		selfID:      opts.SelfID,
		table:       opts.Table,
		cache:       opts.Cache,
		logger:      opts.Logger,
		telemetry:   opts.Telemetry,
		client:      opts.Client,
		interval:    opts.Interval,
		fanout:      opts.Fanout,
		maxExchange: opts.MaxPeersToExchange,
		peerTTL:     opts.PeerTTL,
		workers:     int64(opts.MaxConcurrent),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the gossip loop. A second Start while running is
// rejected with ErrAlreadyStarted.
func (g *GossipEngine) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return NewAgentError("gossip.Start", "gossip", ErrAlreadyStarted)
	}
	g.running = true
	g.stop = make(chan struct{})
	g.wg.Add(1)
	go g.loop(g.stop)

	g.logger.Info("Gossip engine started", map[string]interface{}{
		"interval": g.interval.String(),
		"fanout":   g.fanout,
	})
	return nil
}

// Stop requests a cooperative shutdown and waits for the loop to exit.
// The between-round sleep is sliced so this returns within about a
// second plus any in-flight exchanges.
func (g *GossipEngine) Stop() error {
	// The stopped state must flip under the same lock that checks it,
	// before the channel close: concurrent Stop calls would otherwise
	// both pass the check and close the channel twice.
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return NewAgentError("gossip.Stop", "gossip", ErrNotRunning)
	}
	g.running = false
	stop := g.stop
	g.mu.Unlock()

	close(stop)
	g.wg.Wait()

	g.logger.Info("Gossip engine stopped", nil)
	return nil
}

// Running reports whether the gossip loop is active.
func (g *GossipEngine) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Stats returns a snapshot of the protocol counters.
func (g *GossipEngine) Stats() GossipStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.stats
	out.Running = g.running
	return out
}

func (g *GossipEngine) loop(stop <-chan struct{}) {
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		result := g.RunRound(ctx)
		if len(result.Targets) > 0 {
			g.logger.Info("Gossip round completed", map[string]interface{}{
				"targets":       len(result.Targets),
				"stale_removed": len(result.StaleRemoved),
				"duration":      result.Duration.String(),
			})
		}

		// Sleep in one-second slices so a stop request is honored
		// quickly even with long intervals.
		remaining := g.interval
		if remaining < stopSliceInterval {
			remaining = stopSliceInterval
		}
		for remaining > 0 {
			slice := stopSliceInterval
			if remaining < slice {
				slice = remaining
			}
			select {
			case <-stop:
				return
			case <-time.After(slice):
			}
			remaining -= slice
		}
	}
}

// RunRound performs a single gossip round and returns its result. An
// empty round (no peers to contact) is a valid no-op, not an error.
func (g *GossipEngine) RunRound(ctx context.Context) RoundResult {
	start := time.Now()
	ctx, span := g.telemetry.StartSpan(ctx, "gossip.Round")
	defer span.End()

	removed := g.table.EvictStale(g.peerTTL)

	targets := g.selectTargets()
	result := RoundResult{
		Targets:      targets,
		StaleRemoved: removed,
	}

	if len(targets) > 0 {
		result.Results = g.exchangeAll(ctx, targets)
	} else {
		g.logger.Debug("No peers available for gossip", nil)
	}

	result.Duration = time.Since(start)

	g.mu.Lock()
	g.stats.Rounds++
	g.stats.StalePeersRemoved += uint64(len(removed))
	g.stats.LastRound = start
	for _, r := range result.Results {
		if r.Err != nil {
			g.stats.Errors++
		}
	}
	g.mu.Unlock()

	g.telemetry.RecordMetric("gossip.rounds", 1, nil)
	g.telemetry.RecordMetric("gossip.round.duration_ms", float64(result.Duration.Milliseconds()), nil)
	return result
}

// selectTargets picks the round's targets: a uniform sample of size
// fanout from the usable peers, padded with other known ids when usable
// peers run short. No peers at all means an empty round.
func (g *GossipEngine) selectTargets() []string {
	usable := make([]string, 0)
	usableSet := make(map[string]struct{})
	for id := range g.table.UsablePeers() {
		usable = append(usable, id)
		usableSet[id] = struct{}{}
	}

	if len(usable) >= g.fanout {
		return g.sample(usable, g.fanout)
	}

	targets := usable
	var others []string
	for _, id := range g.table.IDs() {
		if _, ok := usableSet[id]; !ok {
			others = append(others, id)
		}
	}
	targets = append(targets, g.sample(others, g.fanout-len(targets))...)
	return targets
}

// sample returns n elements drawn uniformly without replacement. When n
// meets or exceeds the population, the whole population is returned
// (shuffled).
func (g *GossipEngine) sample(population []string, n int) []string {
	if len(population) == 0 || n <= 0 {
		return nil
	}
	g.randMu.Lock()
	perm := g.rand.Perm(len(population))
	g.randMu.Unlock()

	if n > len(population) {
		n = len(population)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = population[perm[i]]
	}
	return out
}

// exchangeAll runs the per-target exchanges under a bounded worker
// pool. One unreachable peer never aborts the round.
func (g *GossipEngine) exchangeAll(ctx context.Context, targets []string) []ExchangeResult {
	sem := semaphore.NewWeighted(g.workers)
	results := make([]ExchangeResult, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = ExchangeResult{Peer: target, Err: err, Error: err.Error()}
			continue
		}
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = g.exchange(ctx, target)
		}(i, target)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err == nil {
			// A completed exchange is the strongest liveness signal
			// we get without a dedicated probe.
			g.table.SetHealth(r.Peer, HealthHealthy)
		} else {
			g.logger.Warn("Gossip exchange failed", map[string]interface{}{
				"peer_id": r.Peer,
				"error":   r.Error,
			})
		}
	}
	return results
}

// exchange performs one full exchange with one target: fetch its peer
// list, push our own sample, then fold the ids it told us about back
// through discovery into the peer table.
func (g *GossipEngine) exchange(ctx context.Context, target string) ExchangeResult {
	result := ExchangeResult{Peer: target}

	addr, ok := g.table.Addr(target)
	if !ok {
		return fail(result, fmt.Errorf("cannot determine address for peer %s", target))
	}
	endpoint := addr.URL(g.peersPath(target))

	theirPeers, err := g.fetchPeers(ctx, endpoint)
	if err != nil {
		return fail(result, fmt.Errorf("failed to get peers: %w", err))
	}
	result.PeersReceived = len(theirPeers)

	ourSample := g.samplePeersFor(target)
	if err := g.pushPeers(ctx, endpoint, ourSample); err != nil {
		return fail(result, fmt.Errorf("failed to send peers: %w", err))
	}
	result.PeersSent = len(ourSample)

	g.mu.Lock()
	g.stats.MessagesSent++
	g.stats.PeersSent += uint64(len(ourSample))
	g.stats.PeersReceived += uint64(len(theirPeers))
	g.mu.Unlock()

	result.NewPeers = g.absorb(ctx, theirPeers, target)
	return result
}

func fail(result ExchangeResult, err error) ExchangeResult {
	result.Err = err
	result.Error = err.Error()
	return result
}

// peersPath returns the target's advertised peers endpoint path,
// defaulting to /peers.
func (g *GossipEngine) peersPath(target string) string {
	if rec, ok := g.table.Get(target); ok {
		if p, ok := rec.Endpoints["peers"]; ok && p != "" {
			return p
		}
	}
	return "/peers"
}

func (g *GossipEngine) fetchPeers(ctx context.Context, endpoint string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("peer returned status %d: %w", resp.StatusCode, ErrRequestFailed)
	}
	var msg peersMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, err
	}
	return msg.Peers, nil
}

func (g *GossipEngine) pushPeers(ctx context.Context, endpoint string, peers []string) error {
	body, err := json.Marshal(peersMessage{Peers: peers})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("peer returned status %d: %w", resp.StatusCode, ErrRequestFailed)
	}
	var ack peersResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return err
	}
	return nil
}

// samplePeersFor picks which peer ids to tell the target about: every
// known id except the target itself (self is never in the table),
// uniformly sampled down to the exchange cap.
func (g *GossipEngine) samplePeersFor(target string) []string {
	ids := g.table.IDs()
	candidates := ids[:0]
	for _, id := range ids {
		if id != target && id != g.selfID {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) > g.maxExchange {
		return g.sample(candidates, g.maxExchange)
	}
	return candidates
}

// absorb folds ids learned from a peer into the table: unknown ids are
// resolved through the discovery cache, ids that cannot be resolved
// right now enter as placeholders so they are not silently lost, and
// placeholders met again get another resolution attempt.
func (g *GossipEngine) absorb(ctx context.Context, ids []string, source string) []string {
	var added []string
	for _, id := range ids {
		if id == g.selfID || id == source {
			continue
		}
		if existing, known := g.table.Get(id); known {
			// Meeting a placeholder again is another chance to turn
			// it into a full record.
			if existing.NeedsResolution && g.cache != nil {
				if rec, ok := g.cache.Resolve(ctx, id); ok {
					g.table.Upsert(id, rec)
					g.logger.Debug("Resolved placeholder peer", map[string]interface{}{
						"peer_id": id,
					})
				}
			}
			continue
		}

		if g.cache != nil {
			if rec, ok := g.cache.Resolve(ctx, id); ok {
				if g.table.Upsert(id, rec) {
					added = append(added, id)
					g.mu.Lock()
					g.stats.NewPeersDiscovered++
					g.mu.Unlock()
				}
				continue
			}
		}

		placeholder := &AgentRecord{
			ID:              id,
			Provenance:      ProvenanceGossip,
			NeedsResolution: true,
		}
		if g.table.Upsert(id, placeholder) {
			added = append(added, id)
			g.logger.Debug("Added placeholder peer pending resolution", map[string]interface{}{
				"peer_id": id,
				"via":     source,
			})
		}
	}
	return added
}

// ReceivePeers handles an inbound peer-list push: the node's POST
// /peers handler delegates here so inbound and outbound gossip share
// one absorption path.
func (g *GossipEngine) ReceivePeers(ctx context.Context, ids []string, source string) []string {
	g.mu.Lock()
	g.stats.MessagesReceived++
	g.stats.PeersReceived += uint64(len(ids))
	g.mu.Unlock()

	return g.absorb(ctx, ids, source)
}
