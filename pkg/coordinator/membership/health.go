package membership

// HealthTier is a read-time classification of an agent's failure counter
type HealthTier string

const (
	HealthHealthy     HealthTier = "healthy"
	HealthDegraded    HealthTier = "degraded"
	HealthHibernating HealthTier = "hibernating"
)

// Failure counter thresholds shared by the coordinator and the agent runtime
const (
	DegradedThreshold  = 5
	HibernateThreshold = 30
)

// HealthTierFor maps a consecutive failure count onto a tier
func HealthTierFor(consecutiveFailures int) HealthTier {
	switch {
	case consecutiveFailures >= HibernateThreshold:
		return HealthHibernating
	case consecutiveFailures >= DegradedThreshold:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// HealthTiers lists every tier, in severity order
func HealthTiers() []HealthTier {
	return []HealthTier{HealthHealthy, HealthDegraded, HealthHibernating}
}
