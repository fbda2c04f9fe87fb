package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

// AdminClient calls the coordinator's /admin endpoints with a bearer token
type AdminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAdminClient creates an admin client
func NewAdminClient(baseURL, token string, timeout time.Duration) *AdminClient {
	return &AdminClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx answer from the coordinator
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *AdminClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/admin"+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach coordinator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		msg := string(data)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListAgents returns every agent record
func (c *AdminClient) ListAgents(ctx context.Context) ([]api.AgentView, error) {
	var resp api.AgentListResponse
	err := c.do(ctx, http.MethodGet, "/agents", nil, &resp)
	return resp.Agents, err
}

// GetAgent returns one agent
func (c *AdminClient) GetAgent(ctx context.Context, id string) (api.AgentView, error) {
	var resp api.AgentView
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve admits an agent
func (c *AdminClient) Approve(ctx context.Context, id string) (api.AgentView, error) {
	var resp api.AgentView
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/approve", nil, &resp)
	return resp, err
}

// Revoke bans an agent
func (c *AdminClient) Revoke(ctx context.Context, id string) (api.AgentView, error) {
	var resp api.AgentView
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(id)+"/revoke", nil, &resp)
	return resp, err
}

// Rename changes an agent's label
func (c *AdminClient) Rename(ctx context.Context, id, name string) (api.AgentView, error) {
	var resp api.AgentView
	err := c.do(ctx, http.MethodPatch, "/agents/"+url.PathEscape(id), api.RenameRequest{Name: name}, &resp)
	return resp, err
}

// Provision creates an agent with a server-generated key
func (c *AdminClient) Provision(ctx context.Context, name string) (api.ProvisionResponse, error) {
	var resp api.ProvisionResponse
	err := c.do(ctx, http.MethodPost, "/agents", api.ProvisionRequest{Name: name}, &resp)
	return resp, err
}

// Status returns the fleet summary
func (c *AdminClient) Status(ctx context.Context) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

// Schedule returns the current slot table
func (c *AdminClient) Schedule(ctx context.Context) (api.ScheduleView, error) {
	var resp api.ScheduleView
	err := c.do(ctx, http.MethodGet, "/schedule", nil, &resp)
	return resp, err
}

// Pause stands the direct collector down
func (c *AdminClient) Pause(ctx context.Context) (api.CollectorState, error) {
	var resp api.CollectorState
	err := c.do(ctx, http.MethodPost, "/collector/pause", nil, &resp)
	return resp, err
}

// Resume re-enables the direct collector
func (c *AdminClient) Resume(ctx context.Context) (api.CollectorState, error) {
	var resp api.CollectorState
	err := c.do(ctx, http.MethodPost, "/collector/resume", nil, &resp)
	return resp, err
}

// EventQuery filters the coordinator's event log
type EventQuery struct {
	Type    string
	AgentID string
	Limit   int
	Since   time.Time
}

// Events returns recent fleet events
func (c *AdminClient) Events(ctx context.Context, q EventQuery) ([]observability.Event, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.AgentID != "" {
		params.Set("agent", q.AgentID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	path := "/events"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp struct {
		Events []observability.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Events, err
}
