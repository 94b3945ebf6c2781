package agent

import (
	"github.com/hivekit/swarm-go/model"
)

// MemoryConfig controls derivation of the LLM input from the canonical
// message history.
type MemoryConfig struct {
	// MaxTokens is the budget for the derived LLM input. 0 disables
	// compaction.
	MaxTokens int

	// PreserveLastMessages is how many trailing messages survive
	// compaction. Default 10.
	PreserveLastMessages int

	// Tokenizer counts tokens. Required when MaxTokens > 0.
	Tokenizer model.Tokenizer

	// Summarize, when set, produces a summary of the dropped messages
	// that is prepended to the compacted input as a system message.
	Summarize func(dropped []model.Message) string
}

// ReduceHistory is the canonical message-history reducer: ordinary messages
// append, a message with Op=remove_all drops everything before and
// including it, and a message whose ID matches an existing one replaces it.
// This is the reducer orchestration installs on each agent's messages
// channel.
func ReduceHistory(current, update []model.Message) []model.Message {
	out := append([]model.Message{}, current...)
	for _, msg := range update {
		if msg.Op == model.OpRemoveAll {
			out = out[:0]
			continue
		}
		replaced := false
		for i := range out {
			if out[i].ID != "" && out[i].ID == msg.ID {
				out[i] = msg
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, msg)
		}
	}
	return out
}

// BuildLLMInput derives the provider prompt from the canonical history.
// Under budget the history passes through unchanged. Over budget the
// leading system message is kept, an optional summary of the dropped middle
// is prepended, and the last PreserveLastMessages messages (always
// including the trailing user message) survive.
//
// The derived slice is ephemeral: it is recomputed before every model call
// and never checkpointed.
func BuildLLMInput(messages []model.Message, cfg MemoryConfig) []model.Message {
	if cfg.MaxTokens <= 0 || cfg.Tokenizer == nil {
		return messages
	}
	if cfg.Tokenizer.CountTokens(messages) <= cfg.MaxTokens {
		return messages
	}

	preserve := cfg.PreserveLastMessages
	if preserve <= 0 {
		preserve = 10
	}

	var system *model.Message
	body := messages
	if len(body) > 0 && body[0].Role == model.RoleSystem {
		system = &body[0]
		body = body[1:]
	}

	tailStart := len(body) - preserve
	if tailStart < 0 {
		tailStart = 0
	}
	// The current user message must survive even when it falls outside
	// the preserved tail.
	for i := len(body) - 1; i >= 0; i-- {
		if body[i].Role == model.RoleUser {
			if i < tailStart {
				tailStart = i
			}
			break
		}
	}

	dropped := body[:tailStart]
	tail := body[tailStart:]

	var out []model.Message
	if system != nil {
		out = append(out, *system)
	}
	if cfg.Summarize != nil && len(dropped) > 0 {
		out = append(out, model.Message{
			Role:    model.RoleSystem,
			Content: cfg.Summarize(dropped),
		})
	}
	return append(out, tail...)
}
