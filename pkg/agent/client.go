package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/identity"
)

// DefaultRequestTimeout bounds one exchange with the coordinator
const DefaultRequestTimeout = 15 * time.Second

const maxResponseSize = 1 << 20

var (
	// ErrUnknownAgent means the coordinator has no record of our key
	ErrUnknownAgent = errors.New("coordinator does not know this agent")

	// ErrAlreadyRegistered is returned by Register for a known key
	ErrAlreadyRegistered = errors.New("agent already registered")
)

// NotApprovedError is returned when the coordinator answers 403 for a
// validly signed request
type NotApprovedError struct {
	Status string
}

func (e *NotApprovedError) Error() string {
	return fmt.Sprintf("agent is %s", e.Status)
}

// IsNotApproved reports whether err is a *NotApprovedError
func IsNotApproved(err error) bool {
	var na *NotApprovedError
	return errors.As(err, &na)
}

// HTTPError is any other non-2xx coordinator answer
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("coordinator returned HTTP %d: %s", e.StatusCode, e.Message)
}

// ClientConfig contains configuration for Client
type ClientConfig struct {
	BaseURL    string
	Signer     *identity.Signer
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the coordinator's agent endpoints. Checkin and Report are
// signed with the agent key.
type Client struct {
	baseURL string
	signer  *identity.Signer
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a coordinator client
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("coordinator url is required")
	}
	if config.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		signer:  config.Signer,
		http:    config.HTTPClient,
		logger:  config.Logger,
	}, nil
}

// Register announces the public key. It is unsigned.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (api.RegisterResponse, error) {
	var resp api.RegisterResponse
	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("failed to marshal register request: %w", err)
	}
	err = c.do(ctx, api.PathRegister, body, false, &resp)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
		return resp, ErrAlreadyRegistered
	}
	return resp, err
}

// Checkin refreshes liveness, optionally carrying a hibernation probe
// result, and returns the current schedule
func (c *Client) Checkin(ctx context.Context, probe *api.ProbeResult) (api.ScheduleResponse, error) {
	return c.exchange(ctx, api.PathCheckin, api.CheckinRequest{Probe: probe})
}

// Report sends one fetch outcome and returns the current schedule
func (c *Client) Report(ctx context.Context, report api.ReportRequest) (api.ScheduleResponse, error) {
	return c.exchange(ctx, api.PathReport, report)
}

func (c *Client) exchange(ctx context.Context, path string, payload any) (api.ScheduleResponse, error) {
	var sched api.ScheduleResponse
	body, err := json.Marshal(payload)
	if err != nil {
		return sched, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.do(ctx, path, body, true, &sched); err != nil {
		return sched, err
	}
	return sched, nil
}

func (c *Client) do(ctx context.Context, path string, body []byte, signed bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if err := c.signer.SignRequest(req, body); err != nil {
			return fmt.Errorf("failed to sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	var apiErr api.ErrorResponse
	_ = json.Unmarshal(data, &apiErr)

	switch {
	case resp.StatusCode == http.StatusForbidden && apiErr.Status != "":
		return &NotApprovedError{Status: apiErr.Status}
	case resp.StatusCode == http.StatusUnauthorized && apiErr.Code == api.CodeUnknownAgent:
		return ErrUnknownAgent
	}

	msg := apiErr.Error
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}
	c.logger.Debug("Coordinator rejected request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.String("error", msg),
	)
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}
