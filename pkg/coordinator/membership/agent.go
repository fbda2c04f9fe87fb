package membership

import (
	"time"
)

// Status is the admission state of an agent. Only operator actions move
// an agent between statuses.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRevoked  Status = "revoked"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRevoked:
		return true
	}
	return false
}

// Agent is the registry record of a polling agent
type Agent struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	PublicKey           string    `json:"public_key"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalReports        int64     `json:"total_reports"`
	FailedReports       int64     `json:"failed_reports"`
	LastError           string    `json:"last_error,omitempty"`
	LastSeenAt          time.Time `json:"last_seen_at"`
	IP                  string    `json:"ip,omitempty"`
	SystemInfo          string    `json:"system_info,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Clone returns a copy safe to hand out of the store
func (a *Agent) Clone() *Agent {
	c := *a
	return &c
}

// Health returns the health tier derived from the failure counter
func (a *Agent) Health() HealthTier {
	return HealthTierFor(a.ConsecutiveFailures)
}

// SeenSince reports whether the agent made an accepted request at or after cutoff
func (a *Agent) SeenSince(cutoff time.Time) bool {
	return !a.LastSeenAt.IsZero() && !a.LastSeenAt.Before(cutoff)
}

// Live reports whether the agent is approved and seen at or after cutoff
func (a *Agent) Live(cutoff time.Time) bool {
	return a.Status == StatusApproved && a.SeenSince(cutoff)
}

// Outcome is the result of one upstream fetch attempt as reported by an agent
type Outcome struct {
	Success bool
	Kind    string
	Error   string
}
