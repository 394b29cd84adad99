package agent

// Session-limit recommendations.
const (
	RecommendContinue   = "continue"
	RecommendCheckpoint = "checkpoint"
	RecommendHandoff    = "handoff"
)

// handoffUtilization is the point past which checkpointing alone is not
// enough and the conversation should be handed off to a fresh session.
const handoffUtilization = 0.97

// SessionLimitStatus reports how close a conversation is to the provider's
// context window.
type SessionLimitStatus struct {
	NearLimit      bool    `json:"near_limit"`
	CurrentTokens  int     `json:"current_tokens"`
	Utilization    float64 `json:"utilization"`
	Recommendation string  `json:"recommendation"`
}

// DetectSessionLimit estimates context-window pressure from the serialized
// conversation state. tokenLimit is the window size; warnUtilization is the
// fraction at which a checkpoint is recommended. A non-positive limit
// disables detection.
func DetectSessionLimit(conversation []byte, tokenLimit int, warnUtilization float64) SessionLimitStatus {
	tokens := EstimateTokens(conversation)
	status := SessionLimitStatus{
		CurrentTokens:  tokens,
		Recommendation: RecommendContinue,
	}
	if tokenLimit <= 0 {
		return status
	}

	status.Utilization = float64(tokens) / float64(tokenLimit)
	if status.Utilization >= handoffUtilization {
		status.NearLimit = true
		status.Recommendation = RecommendHandoff
	} else if status.Utilization >= warnUtilization {
		status.NearLimit = true
		status.Recommendation = RecommendCheckpoint
	}
	return status
}

// EstimateTokens approximates the token count of serialized conversation
// state. Four bytes per token tracks English prose closely enough for
// threshold checks.
func EstimateTokens(conversation []byte) int {
	return len(conversation) / 4
}
