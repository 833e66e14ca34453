package core

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// dnsService is the SRV/TXT owner name prefix for agent records.
const dnsService = "_llm-agent._tcp."

const dnsDialTimeout = 2 * time.Second

// DNSResolver resolves agent ids through name-service records:
// an SRV record at _llm-agent._tcp.{id} carries (host, port) and a TXT
// record at the same name carries caps=, desc= and ver= tokens. It is
// the fallback path when the registry cannot answer; it cannot
// enumerate agents, only resolve known ids.
type DNSResolver struct {
	serverAddr string
	resolver   *net.Resolver
	logger     Logger
}

// NewDNSResolver creates a resolver pointed at the given DNS server.
// A hostname is resolved to an IP up front; when that fails the
// resolver falls back to 127.0.0.1 rather than erroring, matching the
// degrade-to-nothing policy of the discovery layer.
func NewDNSResolver(server string, port int, logger Logger) *DNSResolver {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if port <= 0 {
		port = 53
	}

	ip := server
	if net.ParseIP(server) == nil {
		addrs, err := net.LookupHost(server)
		if err != nil || len(addrs) == 0 {
			logger.Warn("Could not resolve DNS server hostname, using 127.0.0.1", map[string]interface{}{
				"dns_server": server,
			})
			ip = "127.0.0.1"
		} else {
			ip = addrs[0]
			logger.Info("Resolved DNS server hostname", map[string]interface{}{
				"dns_server": server,
				"ip":         ip,
			})
		}
	}

	serverAddr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	r := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: dnsDialTimeout}
			return d.DialContext(ctx, network, serverAddr)
		},
	}

	logger.Info("Initialized DNS resolver", map[string]interface{}{
		"nameserver": serverAddr,
	})
	return &DNSResolver{
		serverAddr: serverAddr,
		resolver:   r,
		logger:     logger,
	}
}

// ResolveAgent looks up the agent's SRV and TXT records and builds a
// record tagged with DNS provenance. A missing SRV record yields
// ErrNoRecordFound; TXT metadata is optional.
func (d *DNSResolver) ResolveAgent(ctx context.Context, id string) (*AgentRecord, error) {
	name := dnsService + id

	_, srvs, err := d.resolver.LookupSRV(ctx, "", "", name)
	if err != nil {
		return nil, &AgentError{Op: "dns.ResolveAgent", Kind: "dns", ID: id, Err: fmt.Errorf("SRV lookup for %s: %w", name, err)}
	}
	if len(srvs) == 0 {
		d.logger.Warn("No SRV record found for agent", map[string]interface{}{"agent_id": id})
		return nil, &AgentError{Op: "dns.ResolveAgent", Kind: "dns", ID: id, Err: ErrNoRecordFound}
	}

	srv := srvs[0]
	record := &AgentRecord{
		ID:         id,
		Host:       strings.TrimSuffix(srv.Target, "."),
		Port:       int(srv.Port),
		Version:    "1.0",
		Provenance: ProvenanceDNS,
	}

	// TXT holds capability and description metadata. Its absence is
	// not an error: the SRV record alone is enough to reach the peer.
	txts, err := d.resolver.LookupTXT(ctx, name)
	if err != nil {
		d.logger.Debug("No TXT record for agent", map[string]interface{}{
			"agent_id": id,
			"error":    err.Error(),
		})
		return record, nil
	}
	// Each TXT string is one key=value token.
	for _, token := range txts {
		switch {
		case strings.HasPrefix(token, "caps="):
			record.Capabilities = splitNonEmpty(strings.TrimPrefix(token, "caps="), ",")
		case strings.HasPrefix(token, "desc="):
			record.Description = strings.TrimPrefix(token, "desc=")
		case strings.HasPrefix(token, "ver="):
			record.Version = strings.TrimPrefix(token, "ver=")
		}
	}
	return record, nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
