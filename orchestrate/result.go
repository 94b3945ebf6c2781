package orchestrate

import (
	"github.com/hivekit/swarm-go/agent"
	"github.com/hivekit/swarm-go/hive"
)

// ResultFromOutcome projects a finished run outcome into an agent result:
// the flow value becomes Output and the metadata channel becomes Metadata.
// Returns nil for non-finished outcomes.
func ResultFromOutcome(outcome hive.Outcome) *agent.Result {
	if outcome.Kind != hive.OutcomeFinished {
		return nil
	}
	result := &agent.Result{Metadata: map[string]any{}}
	if v, ok := outcome.Output[ChannelCurrent].(string); ok {
		result.Output = v
	}
	if md, ok := outcome.Output[ChannelMetadata].(map[string]any); ok {
		result.Metadata = md
	}
	return result
}
