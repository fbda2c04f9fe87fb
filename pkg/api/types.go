package api

import (
	"encoding/json"
	"time"
)

// Wire types shared by the coordinator, the agent runtime and plowctl.

// Agent endpoints
const (
	PathRegister = "/agents/register"
	PathCheckin  = "/agents/checkin"
	PathReport   = "/agents/report"
)

// RegisterRequest is the unsigned self-registration body
type RegisterRequest struct {
	PublicKey  string `json:"public_key"`
	Name       string `json:"name,omitempty"`
	SystemInfo string `json:"system_info,omitempty"`
}

// RegisterResponse acknowledges a registration
type RegisterResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// ProbeResult is the outcome of the single fetch a hibernating agent makes
// before checking in
type ProbeResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// CheckinRequest is the signed liveness body. An empty body is accepted.
type CheckinRequest struct {
	Probe *ProbeResult `json:"probe,omitempty"`
}

// ReportRequest carries one fetch outcome. Payload is the raw upstream
// document and is only present on success.
type ReportRequest struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ScheduleResponse is returned by every successful signed exchange
type ScheduleResponse struct {
	AgentID         string            `json:"agent_id"`
	N               int               `json:"n"`
	Slot            int               `json:"slot"`
	GlobalInterval  float64           `json:"global_interval"`
	IntervalSeconds float64           `json:"interval_seconds"`
	OffsetSeconds   float64           `json:"offset_seconds"`
	LivenessSeconds float64           `json:"liveness_seconds,omitempty"`
	FetchURL        string            `json:"fetch_url"`
	Headers         map[string]string `json:"headers,omitempty"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Period is the agent's fetch cadence
func (s ScheduleResponse) Period() time.Duration {
	return seconds(s.IntervalSeconds)
}

// Offset is the agent's phase within the period
func (s ScheduleResponse) Offset() time.Duration {
	return seconds(s.OffsetSeconds)
}

// LivenessWindow is how recently the agent must have been seen to keep
// its slot. Zero when the coordinator did not say.
func (s ScheduleResponse) LivenessWindow() time.Duration {
	return seconds(s.LivenessSeconds)
}

// ErrorResponse is the body of every non-2xx response. Status is set when
// a validly signed agent is refused because it is pending or revoked; Code
// is a stable label such as "unknown_agent".
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status string `json:"status,omitempty"`
}

// Error codes
const (
	CodeUnknownAgent = "unknown_agent"
	CodeNotApproved  = "not_approved"
	CodeNotFound     = "not_found"
	CodeConflict     = "duplicate_identity"
	CodeBadRequest   = "bad_request"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal"
)

// AgentView is an agent record as shown to operators
type AgentView struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Status              string    `json:"status"`
	Health              string    `json:"health"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalReports        int64     `json:"total_reports"`
	FailedReports       int64     `json:"failed_reports"`
	LastError           string    `json:"last_error,omitempty"`
	LastSeenAt          time.Time `json:"last_seen_at,omitempty"`
	IP                  string    `json:"ip,omitempty"`
	SystemInfo          string    `json:"system_info,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// AgentListResponse wraps the operator agent listing
type AgentListResponse struct {
	Agents []AgentView `json:"agents"`
}

// ProvisionRequest asks the coordinator to mint a keypair
type ProvisionRequest struct {
	Name string `json:"name"`
}

// ProvisionResponse carries the private key. It is the only response that
// ever does.
type ProvisionResponse struct {
	Agent      AgentView `json:"agent"`
	PrivateKey string    `json:"private_key"`
}

// RenameRequest changes an agent's label
type RenameRequest struct {
	Name string `json:"name"`
}

// StatusResponse summarises the fleet and the direct collector
type StatusResponse struct {
	TotalAgents      int            `json:"total_agents"`
	LiveAgents       int            `json:"live_agents"`
	ByStatus         map[string]int `json:"by_status"`
	ByHealth         map[string]int `json:"by_health"`
	AgentsCovering   bool           `json:"agents_covering"`
	CollectorPaused  bool           `json:"collector_paused"`
	CollectorEnabled bool           `json:"collector_enabled"`
	LastDecision     string         `json:"last_decision,omitempty"`
	LastDirectFetch  time.Time      `json:"last_direct_fetch,omitempty"`
	LastDirectError  string         `json:"last_direct_error,omitempty"`
	GlobalInterval   float64        `json:"global_interval"`
}

// ScheduleSlot is one row of the operator schedule view
type ScheduleSlot struct {
	AgentID         string  `json:"agent_id"`
	Name            string  `json:"name,omitempty"`
	Slot            int     `json:"slot"`
	IntervalSeconds float64 `json:"interval_seconds"`
	OffsetSeconds   float64 `json:"offset_seconds"`
}

// ScheduleView is the full current schedule
type ScheduleView struct {
	N              int            `json:"n"`
	GlobalInterval float64        `json:"global_interval"`
	ComputedAt     time.Time      `json:"computed_at"`
	Slots          []ScheduleSlot `json:"slots"`
}

// CollectorState reports the pause flag after a toggle
type CollectorState struct {
	Paused bool `json:"paused"`
}
