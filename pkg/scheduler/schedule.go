package scheduler

import (
	"sort"
	"time"
)

// DefaultGlobalInterval is the target spacing between fleet-wide fetches
const DefaultGlobalInterval = 6 * time.Second

// Assignment is one agent's place in the rotation
type Assignment struct {
	AgentID        string        `json:"agent_id"`
	Slot           int           `json:"slot"`
	N              int           `json:"n"`
	GlobalInterval time.Duration `json:"global_interval"`
}

// Period is how often this agent fetches: N * global interval
func (a Assignment) Period() time.Duration {
	n := a.N
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * a.GlobalInterval
}

// Offset is the agent's phase within the period: slot * global interval
func (a Assignment) Offset() time.Duration {
	return time.Duration(a.Slot) * a.GlobalInterval
}

// SoloAssignment is used when an agent is not part of a computed
// schedule; it fetches alone at the global interval.
func SoloAssignment(agentID string, globalInterval time.Duration) Assignment {
	return Assignment{AgentID: agentID, Slot: 0, N: 1, GlobalInterval: globalInterval}
}

// Schedule is the slot layout for one live set. It is derived on demand
// and never stored.
type Schedule struct {
	GlobalInterval time.Duration `json:"global_interval"`
	ComputedAt     time.Time     `json:"computed_at"`
	Assignments    []Assignment  `json:"assignments"`
}

// Compute orders the ids and gives slot i to the i-th one. Duplicate and
// empty ids are ignored.
func Compute(agentIDs []string, globalInterval time.Duration, now time.Time) *Schedule {
	if globalInterval <= 0 {
		globalInterval = DefaultGlobalInterval
	}

	ids := make([]string, 0, len(agentIDs))
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s := &Schedule{
		GlobalInterval: globalInterval,
		ComputedAt:     now,
		Assignments:    make([]Assignment, len(ids)),
	}
	for i, id := range ids {
		s.Assignments[i] = Assignment{
			AgentID:        id,
			Slot:           i,
			N:              len(ids),
			GlobalInterval: globalInterval,
		}
	}
	return s
}

// N is the size of the live set
func (s *Schedule) N() int {
	return len(s.Assignments)
}

// For returns the assignment of agentID, if it is in the live set
func (s *Schedule) For(agentID string) (Assignment, bool) {
	i := sort.Search(len(s.Assignments), func(i int) bool {
		return s.Assignments[i].AgentID >= agentID
	})
	if i < len(s.Assignments) && s.Assignments[i].AgentID == agentID {
		return s.Assignments[i], true
	}
	return Assignment{}, false
}
