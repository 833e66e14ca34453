package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	registryTimeout  = 10 * time.Second
	heartbeatTimeout = 5 * time.Second
)

// RegistryClient talks to the central registry over HTTP. It implements
// the Directory interface. A circuit breaker fails calls fast while the
// registry is down so the background loops degrade to DNS and gossip
// instead of stalling on timeouts.
type RegistryClient struct {
	baseURL  string
	client   *http.Client
	hbClient *http.Client
	breaker  *CircuitBreaker
	logger   Logger
}

// RegistryClientOptions configures a RegistryClient.
type RegistryClientOptions struct {
	BaseURL string
	Logger  Logger
	// Client overrides the HTTP client used for all calls except
	// heartbeats, which use a shorter timeout.
	Client  *http.Client
	Breaker *CircuitBreaker
}

// NewRegistryClient creates a registry client for the given base URL.
func NewRegistryClient(opts RegistryClientOptions) (*RegistryClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("registry base URL is required: %w", ErrMissingConfiguration)
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: registryTimeout}
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(CircuitBreakerOptions{
			Name:   "registry",
			Logger: opts.Logger,
		})
	}

	opts.Logger.Info("Initialized registry client", map[string]interface{}{
		"base_url": opts.BaseURL,
	})
	return &RegistryClient{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   opts.Client,
		hbClient: &http.Client{Timeout: heartbeatTimeout},
		breaker:  opts.Breaker,
		logger:   opts.Logger,
	}, nil
}

type registerResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Agent   *AgentRecord `json:"agent"`
}

type listResponse struct {
	Agents []*AgentRecord `json:"agents"`
}

// Register registers the agent record with the registry and returns the
// stored record.
func (c *RegistryClient) Register(ctx context.Context, record *AgentRecord) (*AgentRecord, error) {
	if !c.breaker.CanExecute() {
		return nil, NewAgentError("registry.Register", "registry", ErrCircuitBreakerOpen)
	}

	body, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent record for %s: %w", record.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/registerAgent", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Error("Failed to register with registry", map[string]interface{}{
			"agent_id": record.ID,
			"error":    err.Error(),
		})
		return nil, &AgentError{Op: "registry.Register", Kind: "registry", ID: record.ID, Err: ErrRegistryUnavailable}
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return nil, c.statusError("registry.Register", record.ID, resp)
	}
	c.breaker.RecordSuccess()

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}
	c.logger.Info("Registered agent with registry", map[string]interface{}{
		"agent_id": record.ID,
		"status":   out.Status,
	})
	if out.Agent != nil {
		return out.Agent, nil
	}
	return record, nil
}

// Get fetches a single agent record by id. A 404 maps to
// ErrAgentNotFound.
func (c *RegistryClient) Get(ctx context.Context, id string) (*AgentRecord, error) {
	if !c.breaker.CanExecute() {
		return nil, NewAgentError("registry.Get", "registry", ErrCircuitBreakerOpen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &AgentError{Op: "registry.Get", Kind: "registry", ID: id, Err: ErrRegistryUnavailable}
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		// The registry answered; the agent just is not there.
		c.breaker.RecordSuccess()
		return nil, &AgentError{Op: "registry.Get", Kind: "registry", ID: id, Err: ErrAgentNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return nil, c.statusError("registry.Get", id, resp)
	}
	c.breaker.RecordSuccess()

	var record AgentRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode agent record for %s: %w", id, err)
	}
	return &record, nil
}

// List fetches agents matching the query filters. An empty query
// returns the full listing.
func (c *RegistryClient) List(ctx context.Context, query ListQuery) ([]*AgentRecord, error) {
	if !c.breaker.CanExecute() {
		return nil, NewAgentError("registry.List", "registry", ErrCircuitBreakerOpen)
	}

	params := url.Values{}
	if query.Capability != "" {
		params.Set("capability", query.Capability)
	}
	if query.Query != "" {
		params.Set("query", query.Query)
	}
	if query.Protocol != "" {
		params.Set("protocol", query.Protocol)
	}
	if query.Provider != "" {
		params.Set("provider", query.Provider)
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		params.Set("offset", strconv.Itoa(query.Offset))
	}

	endpoint := c.baseURL + "/agents"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Error("Failed to list agents from registry", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, &AgentError{Op: "registry.List", Kind: "registry", Err: ErrRegistryUnavailable}
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return nil, c.statusError("registry.List", "", resp)
	}
	c.breaker.RecordSuccess()

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode agent listing: %w", err)
	}
	return out.Agents, nil
}

// Heartbeat touches the agent's last_update timestamp. A 404 is not an
// error: it reports NotFound so the caller can re-register.
func (c *RegistryClient) Heartbeat(ctx context.Context, id string) (HeartbeatResult, error) {
	if !c.breaker.CanExecute() {
		return HeartbeatResult{}, NewAgentError("registry.Heartbeat", "registry", ErrCircuitBreakerOpen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/agents/"+url.PathEscape(id)+"/heartbeat", nil)
	if err != nil {
		return HeartbeatResult{}, err
	}

	resp, err := c.hbClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return HeartbeatResult{}, &AgentError{Op: "registry.Heartbeat", Kind: "registry", ID: id, Err: ErrRegistryUnavailable}
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		c.breaker.RecordSuccess()
		c.logger.Warn("Agent not found in registry during heartbeat", map[string]interface{}{
			"agent_id": id,
		})
		return HeartbeatResult{NotFound: true, Status: "not_found"}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return HeartbeatResult{}, c.statusError("registry.Heartbeat", id, resp)
	}
	c.breaker.RecordSuccess()
	return HeartbeatResult{Status: "success"}, nil
}

// Unregister removes the agent from the registry.
func (c *RegistryClient) Unregister(ctx context.Context, id string) error {
	if !c.breaker.CanExecute() {
		return NewAgentError("registry.Unregister", "registry", ErrCircuitBreakerOpen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/agents/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return &AgentError{Op: "registry.Unregister", Kind: "registry", ID: id, Err: ErrRegistryUnavailable}
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		c.breaker.RecordSuccess()
		return &AgentError{Op: "registry.Unregister", Kind: "registry", ID: id, Err: ErrAgentNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.breaker.RecordFailure()
		return c.statusError("registry.Unregister", id, resp)
	}
	c.breaker.RecordSuccess()
	c.logger.Info("Unregistered agent from registry", map[string]interface{}{"agent_id": id})
	return nil
}

func (c *RegistryClient) statusError(op, id string, resp *http.Response) error {
	c.logger.Error("Registry request failed", map[string]interface{}{
		"op":       op,
		"agent_id": id,
		"status":   resp.StatusCode,
	})
	return &AgentError{
		Op:      op,
		Kind:    "registry",
		ID:      id,
		Message: fmt.Sprintf("registry returned status %d", resp.StatusCode),
		Err:     ErrRequestFailed,
	}
}

// drain reads the body to completion so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
