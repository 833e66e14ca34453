package core

import (
	"context"
	"time"
)

// DefaultCacheTTL bounds how long a discovery result is served without
// re-resolution.
const DefaultCacheTTL = 10 * time.Minute

// DiscoveryCache unifies the registry and the DNS fallback behind one
// lookup API with a time-bounded cache. Every external call is wrapped
// so failures degrade to "no result": discovery never raises, callers
// simply see fewer peers.
//
// The cache backend is pluggable (in-memory by default, Redis for
// shared deployments); a hit is valid only while the record's CacheTime
// is younger than the TTL.
type DiscoveryCache struct {
	directory Directory
	dns       NameResolver
	store     CacheStore
	ttl       time.Duration
	methods   []Provenance
	logger    Logger
	telemetry Telemetry
}

// DiscoveryCacheOptions configures a DiscoveryCache.
type DiscoveryCacheOptions struct {
	Directory Directory
	DNS       NameResolver // optional fallback
	Store     CacheStore   // defaults to an in-memory store
	CacheTTL  time.Duration
	// Methods orders the resolution attempts for single-id lookups.
	// Defaults to registry first, then dns.
	Methods   []Provenance
	Logger    Logger
	Telemetry Telemetry
}

// NewDiscoveryCache creates a discovery cache over the given directory
// and optional DNS fallback.
func NewDiscoveryCache(opts DiscoveryCacheOptions) *DiscoveryCache {
	if opts.Store == nil {
		opts.Store = NewMemoryCacheStore()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if len(opts.Methods) == 0 {
		opts.Methods = []Provenance{ProvenanceRegistry, ProvenanceDNS}
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Telemetry == nil {
		opts.Telemetry = &NoOpTelemetry{}
	}
	return &DiscoveryCache{
		directory: opts.Directory,
		dns:       opts.DNS,
		store:     opts.Store,
		ttl:       opts.CacheTTL,
		methods:   opts.Methods,
		logger:    opts.Logger,
		telemetry: opts.Telemetry,
	}
}

// Resolve finds an agent by id: fresh cache hit, then the configured
// methods in order (registry, then DNS fallback). Returns (nil, false)
// when every method fails; errors are logged, never propagated.
func (d *DiscoveryCache) Resolve(ctx context.Context, id string) (*AgentRecord, bool) {
	ctx, span := d.telemetry.StartSpan(ctx, "discovery.Resolve")
	defer span.End()
	span.SetAttribute("agent.id", id)

	if rec := d.cachedFresh(ctx, id); rec != nil {
		d.telemetry.RecordMetric("discovery.cache.hits", 1, map[string]string{"op": "resolve"})
		return rec, true
	}
	d.telemetry.RecordMetric("discovery.cache.misses", 1, map[string]string{"op": "resolve"})

	for _, method := range d.methods {
		var (
			rec *AgentRecord
			err error
		)
		switch method {
		case ProvenanceRegistry:
			if d.directory == nil {
				continue
			}
			rec, err = d.directory.Get(ctx, id)
		case ProvenanceDNS:
			if d.dns == nil {
				continue
			}
			rec, err = d.dns.ResolveAgent(ctx, id)
		default:
			continue
		}

		if err != nil || rec == nil {
			if err != nil {
				d.logger.Warn("Discovery method failed", map[string]interface{}{
					"agent_id": id,
					"method":   string(method),
					"error":    err.Error(),
				})
			}
			continue
		}

		d.cache(ctx, rec, method)
		d.logger.Info("Discovered agent", map[string]interface{}{
			"agent_id": id,
			"method":   string(method),
		})
		return rec, true
	}

	d.logger.Error("Agent not found via any discovery method", map[string]interface{}{
		"agent_id": id,
	})
	return nil, false
}

// ResolveByCapability finds agents advertising a capability. This goes
// through the registry only: the name service cannot enumerate agents,
// so there is no fallback for capability search.
func (d *DiscoveryCache) ResolveByCapability(ctx context.Context, capability string) []*AgentRecord {
	ctx, span := d.telemetry.StartSpan(ctx, "discovery.ResolveByCapability")
	defer span.End()
	span.SetAttribute("capability", capability)

	if d.directory == nil {
		return nil
	}
	records, err := d.directory.List(ctx, ListQuery{Capability: capability})
	if err != nil {
		d.logger.Warn("Capability discovery failed", map[string]interface{}{
			"capability": capability,
			"error":      err.Error(),
		})
		return nil
	}

	for _, rec := range records {
		d.cache(ctx, rec, ProvenanceRegistry)
	}
	d.logger.Info("Discovered agents by capability", map[string]interface{}{
		"capability": capability,
		"count":      len(records),
	})
	return records
}

// ResolveByCriteria searches the registry with the full criteria
// surface. Like capability search, it has no DNS fallback.
//
// The listing endpoint takes a single capability filter; when the
// criteria carry several, the first narrows the registry query and the
// rest are enforced here.
func (d *DiscoveryCache) ResolveByCriteria(ctx context.Context, criteria SearchCriteria) []*AgentRecord {
	ctx, span := d.telemetry.StartSpan(ctx, "discovery.ResolveByCriteria")
	defer span.End()

	if d.directory == nil {
		return nil
	}

	query := ListQuery{
		Query:    criteria.Query,
		Protocol: criteria.Protocol,
		Provider: criteria.Provider,
		Limit:    criteria.Limit,
		Offset:   criteria.Offset,
	}
	if len(criteria.Capabilities) > 0 {
		query.Capability = criteria.Capabilities[0]
	}

	records, err := d.directory.List(ctx, query)
	if err != nil {
		d.logger.Warn("Criteria discovery failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}

	// AND-match any remaining capabilities locally.
	if len(criteria.Capabilities) > 1 {
		filtered := records[:0]
		for _, rec := range records {
			matches := true
			for _, c := range criteria.Capabilities[1:] {
				if !rec.HasCapability(c) {
					matches = false
					break
				}
			}
			if matches {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	for _, rec := range records {
		d.cache(ctx, rec, ProvenanceRegistry)
	}
	return records
}

// Invalidate drops the cached record for an id.
func (d *DiscoveryCache) Invalidate(ctx context.Context, id string) {
	if err := d.store.Delete(ctx, id); err != nil {
		d.logger.Warn("Failed to invalidate cached record", map[string]interface{}{
			"agent_id": id,
			"error":    err.Error(),
		})
	}
}

// Clear drops the whole cache.
func (d *DiscoveryCache) Clear(ctx context.Context) {
	if err := d.store.Clear(ctx); err != nil {
		d.logger.Warn("Failed to clear discovery cache", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Refresh re-resolves every cached id. Fresh entries are served from
// cache and skipped; stale ones go back through the discovery methods.
func (d *DiscoveryCache) Refresh(ctx context.Context) {
	ids, err := d.store.IDs(ctx)
	if err != nil {
		d.logger.Warn("Failed to enumerate cache for refresh", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	for _, id := range ids {
		if _, ok := d.Resolve(ctx, id); !ok {
			d.logger.Debug("Failed to refresh agent", map[string]interface{}{"agent_id": id})
		}
	}
	d.logger.Info("Discovery cache refresh complete", map[string]interface{}{
		"count": len(ids),
	})
}

func (d *DiscoveryCache) cachedFresh(ctx context.Context, id string) *AgentRecord {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		d.logger.Warn("Cache read failed", map[string]interface{}{
			"agent_id": id,
			"error":    err.Error(),
		})
		return nil
	}
	if rec == nil {
		return nil
	}
	if time.Since(rec.CacheTime) >= d.ttl {
		return nil
	}
	return rec
}

func (d *DiscoveryCache) cache(ctx context.Context, rec *AgentRecord, method Provenance) {
	rec.Provenance = method
	rec.CacheTime = time.Now()
	if err := d.store.Set(ctx, rec, d.ttl); err != nil {
		d.logger.Warn("Failed to cache discovery result", map[string]interface{}{
			"agent_id": rec.ID,
			"error":    err.Error(),
		})
	}
}
