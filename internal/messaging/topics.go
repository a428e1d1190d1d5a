package messaging

// Topic suffixes, joined to the configured prefix as "<prefix>.<suffix>".
const (
	TopicShares  = "shares"  // share submissions, verdicts and dropped candidates
	TopicDevices = "devices" // unit completions, health and intensity changes
	TopicPool    = "pool"    // connection state, jobs, rejection alerts, engine stop
	TopicStats   = "stats"   // periodic statistics snapshots (JSON)
)

// TopicFor picks the topic suffix for an event kind.
func TopicFor(kind string) string {
	switch kind {
	case "share_submitted", "share_resolved", "candidate_invalid", "candidate_discarded":
		return TopicShares
	case "unit_completed", "device_health_changed", "intensity_changed":
		return TopicDevices
	default:
		return TopicPool
	}
}

// Topic joins a prefix and a suffix.
func Topic(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
