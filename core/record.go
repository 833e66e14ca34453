package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Provenance records how an agent record was learned.
type Provenance string

const (
	ProvenanceRegistry Provenance = "registry"
	ProvenanceDNS      Provenance = "dns"
	ProvenanceGossip   Provenance = "gossip"
)

// AgentRecord describes one agent as known to this node. Records are
// immutable by replacement: a fresher discovery produces a new record,
// existing ones are never patched in place.
type AgentRecord struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name,omitempty" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description"`
	Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities"`
	Interfaces   map[string]string `json:"interfaces,omitempty" yaml:"interfaces"`
	Endpoints    map[string]string `json:"endpoints,omitempty" yaml:"endpoints"`
	Host         string            `json:"host,omitempty" yaml:"host"`
	Port         int               `json:"port,omitempty" yaml:"port"`
	Version      string            `json:"version,omitempty" yaml:"version"`
	Protocols    []string          `json:"protocols,omitempty" yaml:"protocols"`
	Owner        string            `json:"owner,omitempty" yaml:"owner"`
	LastUpdate   time.Time         `json:"last_update,omitempty" yaml:"-"`

	// Provenance and cache bookkeeping, set by the discovery layer.
	Provenance      Provenance `json:"provenance,omitempty" yaml:"-"`
	NeedsResolution bool       `json:"needs_resolution,omitempty" yaml:"-"`
	CacheTime       time.Time  `json:"cache_time,omitempty" yaml:"-"`

	// invalidPort notes that the wire payload carried a port that
	// could not be parsed, so address resolution can warn before
	// falling through the chain.
	invalidPort bool
}

// UnmarshalJSON tolerates loosely typed registry payloads: ports arrive
// as numbers or strings and timestamps as RFC 3339 or Unix seconds,
// depending on who registered the agent. An unparseable port decodes to
// zero and falls through the address resolution chain instead of
// failing the whole record.
func (r *AgentRecord) UnmarshalJSON(data []byte) error {
	type alias AgentRecord
	aux := struct {
		*alias
		Port       json.RawMessage `json:"port,omitempty"`
		LastUpdate json.RawMessage `json:"last_update,omitempty"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Port, r.invalidPort = parseLoosePort(aux.Port)
	r.LastUpdate = parseLooseTime(aux.LastUpdate)
	return nil
}

func parseLooseTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var ts time.Time
	if err := json.Unmarshal(raw, &ts); err == nil {
		return ts
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
	}
	return time.Time{}
}

// parseLoosePort returns the decoded port and whether the raw payload,
// when present, was unparseable.
func parseLoosePort(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, false
		}
	}
	return 0, true
}

// Clone returns a deep copy so table and cache snapshots never alias
// maps held by callers.
func (r *AgentRecord) Clone() *AgentRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = append([]string(nil), r.Capabilities...)
	}
	if r.Protocols != nil {
		out.Protocols = append([]string(nil), r.Protocols...)
	}
	if r.Interfaces != nil {
		out.Interfaces = make(map[string]string, len(r.Interfaces))
		for k, v := range r.Interfaces {
			out.Interfaces[k] = v
		}
	}
	if r.Endpoints != nil {
		out.Endpoints = make(map[string]string, len(r.Endpoints))
		for k, v := range r.Endpoints {
			out.Endpoints[k] = v
		}
	}
	return &out
}

// HasCapability reports whether the record advertises the capability.
func (r *AgentRecord) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ListQuery carries the directory listing filters. Zero values are
// omitted from the request.
type ListQuery struct {
	Capability string
	Query      string
	Protocol   string
	Provider   string
	Limit      int
	Offset     int
}

// SearchCriteria is the richer search surface: the directory AND-matches
// the capability list and fuzzy-matches the query over name/description.
type SearchCriteria struct {
	Capabilities []string `json:"capabilities,omitempty"`
	Query        string   `json:"query,omitempty"`
	Protocol     string   `json:"protocol,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	Offset       int      `json:"offset,omitempty"`
}

// DefaultPeerPort is assumed when a record carries no usable port.
// Agents in the mesh expose their HTTP surface on 8000 unless the
// record says otherwise.
const DefaultPeerPort = 8000

// Address is a peer's already-resolved network location, computed once
// when a record enters the peer table.
type Address struct {
	Host string
	Port int
}

// IsZero reports whether no host could be determined.
func (a Address) IsZero() bool {
	return a.Host == ""
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// URL builds an http URL for the given path on this address.
func (a Address) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("http://%s:%d%s", a.Host, a.Port, path)
}

// ResolveAddress derives a peer's (host, port) from its record. The
// fallback chain is deliberate policy - peer exchange depends on it:
//
//  1. explicit port and host fields on the record
//  2. host/port parsed from the registered "rest" interface URL
//  3. host from the id's leading label (the part before the first dot)
//  4. port defaults to DefaultPeerPort
//
// Returns a zero Address when no host can be determined at all.
func ResolveAddress(record *AgentRecord, logger Logger) Address {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if record == nil {
		return Address{}
	}

	host := record.Host
	port := 0
	if record.Port > 0 {
		port = record.Port
	} else if record.Port < 0 {
		logger.Warn("Ignoring invalid port in agent record", map[string]interface{}{
			"agent_id": record.ID,
			"port":     record.Port,
		})
	} else if record.invalidPort {
		logger.Warn("Ignoring unparseable port in agent record", map[string]interface{}{
			"agent_id": record.ID,
		})
	}

	if host == "" || port == 0 {
		if rest, ok := record.Interfaces["rest"]; ok && rest != "" {
			parsed, err := url.Parse(rest)
			if err != nil {
				logger.Warn("Failed to parse rest interface URL", map[string]interface{}{
					"agent_id": record.ID,
					"url":      rest,
					"error":    err.Error(),
				})
			} else if parsed.Host != "" {
				if host == "" {
					host = parsed.Hostname()
				}
				if port == 0 && parsed.Port() != "" {
					p, err := strconv.Atoi(parsed.Port())
					if err != nil {
						logger.Warn("Invalid port in rest interface URL", map[string]interface{}{
							"agent_id": record.ID,
							"url":      rest,
						})
					} else {
						port = p
					}
				}
			}
		}
	}

	// Domain-like ids carry the service name as their leading label.
	if host == "" && strings.Contains(record.ID, ".") {
		host = record.ID[:strings.Index(record.ID, ".")]
		logger.Debug("Derived host from agent id", map[string]interface{}{
			"agent_id": record.ID,
			"host":     host,
		})
	}

	if host == "" {
		return Address{}
	}
	if port == 0 {
		port = DefaultPeerPort
	}
	return Address{Host: host, Port: port}
}
