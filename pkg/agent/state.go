package agent

import "time"

// State is the runtime mode of an agent. It is a pure function of the
// local consecutive failure counter.
type State string

const (
	StateNormal      State = "normal"
	StateDegraded    State = "degraded"
	StateHibernating State = "hibernating"
)

const (
	DegradedThreshold  = 5
	HibernateThreshold = 30

	// MaxBackoff caps the degraded-mode wait
	MaxBackoff = 10 * time.Minute

	// HibernatePeriod is the wait between probes while hibernating
	HibernatePeriod = 10 * time.Minute

	// ApprovalPollInterval is how often a pending or revoked agent checks in
	ApprovalPollInterval = 30 * time.Second
)

// States lists every state
func States() []State {
	return []State{StateNormal, StateDegraded, StateHibernating}
}

// StateFor maps a consecutive failure count onto a state
func StateFor(failures int) State {
	switch {
	case failures >= HibernateThreshold:
		return StateHibernating
	case failures >= DegradedThreshold:
		return StateDegraded
	default:
		return StateNormal
	}
}

// Backoff returns min(base * 2^(failures-5), MaxBackoff). Below the
// degraded threshold it is base.
func Backoff(failures int, base time.Duration) time.Duration {
	if failures < DegradedThreshold {
		return base
	}
	exp := failures - DegradedThreshold
	if exp >= 32 {
		return MaxBackoff
	}
	d := base << uint(exp)
	if d <= 0 || d > MaxBackoff {
		return MaxBackoff
	}
	return d
}
