package llm

import (
	"context"
	"fmt"
)

// defaultThresholdRatio is the fraction of a model's input limit at which
// the turn engine proactively compacts history, ahead of actually hitting
// a context-overflow error from the provider.
const defaultThresholdRatio = 0.8

// CompactionConfig tunes when and how aggressively history gets shrunk.
type CompactionConfig struct {
	// ThresholdRatio triggers compaction once estimated tokens reach this
	// fraction of the model's input limit.
	ThresholdRatio float64

	// MaxToolResultChars bounds an individual tool result kept in history
	// after compaction; older, larger results are the first candidates for
	// the micro-compaction pass.
	MaxToolResultChars int

	// RecentToolResultsToKeep is the number of most recent tool results
	// left untouched by micro-compaction regardless of size, so the model
	// doesn't lose the output it's actively working from.
	RecentToolResultsToKeep int

	// MinSavingsChars is the minimum byte reduction micro-compaction must
	// achieve to be worth doing; below this it's skipped in favor of a
	// full compaction pass.
	MinSavingsChars int
}

// DefaultCompactionConfig returns the engine's default compaction tuning.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		ThresholdRatio:          defaultThresholdRatio,
		MaxToolResultChars:      4_000,
		RecentToolResultsToKeep: 4,
		MinSavingsChars:         2_000,
	}
}

// CompactionTrigger records why compaction ran, for the phase event an
// observer sees.
type CompactionTrigger string

const (
	// TriggerThreshold fires when estimated history size crosses
	// ThresholdRatio of the model's input limit.
	TriggerThreshold CompactionTrigger = "threshold"
	// TriggerOverflow fires reactively after a provider rejects a request
	// as too large, as a last-resort recovery before failing the turn.
	TriggerOverflow CompactionTrigger = "overflow"
)

// CompactionResult is the outcome of a compaction pass: the non-system
// messages a turn should continue with in place of the ones it replaced.
type CompactionResult struct {
	NewMessages []Message
	Trigger     CompactionTrigger
	Tier        string // "micro" or "full", for diagnostics/telemetry
	SavedChars  int
}

// compactableTools lists tool names whose results are safe to shrink or
// drop without changing the model's understanding of what happened — the
// tool's own confirmation/summary text survives, only the bulk payload
// (file contents, command output, search results) is truncated.
var compactableTools = map[string]bool{
	"read": true, "bash": true, "grep": true, "glob": true,
	"web_search": true, "read_url": true, "edit": true, "write": true,
	"read_file": true, "shell": true, "edit_file": true, "write_file": true,
}

// Compact shrinks nonSystemMessages to fit comfortably under the model's
// input limit. It first attempts a cheap micro-compaction — truncating
// older, large tool results in place, which costs no model call — and
// only falls back to a full LLM-summarized compaction when micro-compaction
// can't free enough space (typically because the bulk of history is user
// and assistant text rather than tool output).
func Compact(ctx context.Context, provider Provider, model, systemPrompt string, nonSystemMessages []Message, cfg CompactionConfig) (*CompactionResult, error) {
	if micro, saved := microCompact(nonSystemMessages, cfg); saved >= cfg.MinSavingsChars {
		return &CompactionResult{NewMessages: micro, Trigger: TriggerThreshold, Tier: "micro", SavedChars: saved}, nil
	}

	summarized, err := fullCompact(ctx, provider, model, systemPrompt, nonSystemMessages, cfg)
	if err != nil {
		// Full compaction needs a model call; if it fails, falling back to
		// whatever micro-compaction managed is still strictly better than
		// leaving history untouched and re-hitting the same overflow.
		micro, saved := microCompact(nonSystemMessages, cfg)
		if saved > 0 {
			return &CompactionResult{NewMessages: micro, Trigger: TriggerThreshold, Tier: "micro", SavedChars: saved}, nil
		}
		return nil, fmt.Errorf("compaction failed: %w", err)
	}
	return summarized, nil
}

// microCompact truncates the content of older tool results in place,
// leaving the most recent RecentToolResultsToKeep untouched. Returns the
// rewritten messages and the number of characters freed.
func microCompact(messages []Message, cfg CompactionConfig) ([]Message, int) {
	type resultRef struct{ msgIdx, partIdx int }
	var refs []resultRef
	for mi, msg := range messages {
		for pi, part := range msg.Parts {
			if part.Type == PartToolResult && part.ToolResult != nil && compactableTools[part.ToolResult.Name] {
				refs = append(refs, resultRef{mi, pi})
			}
		}
	}
	keep := cfg.RecentToolResultsToKeep
	if keep < 0 {
		keep = 0
	}
	cutoff := len(refs) - keep
	if cutoff <= 0 {
		return messages, 0
	}

	out := make([]Message, len(messages))
	copy(out, messages)
	saved := 0
	for i := 0; i < cutoff; i++ {
		ref := refs[i]
		msg := out[ref.msgIdx]
		parts := make([]Part, len(msg.Parts))
		copy(parts, msg.Parts)
		tr := *parts[ref.partIdx].ToolResult
		if len(tr.Content) > cfg.MaxToolResultChars {
			before := len(tr.Content)
			tr.Content = TruncateToolResult(tr.Content, cfg.MaxToolResultChars)
			tr.ContentParts = nil
			saved += before - len(tr.Content)
		}
		parts[ref.partIdx] = Part{Type: PartToolResult, ToolResult: &tr}
		msg.Parts = parts
		out[ref.msgIdx] = msg
	}
	return out, saved
}

// fullCompact asks the model itself to summarize everything but the most
// recent turn into a single synthetic user message, replacing the rest of
// history. This is the expensive tier: it costs one model call but can
// shrink arbitrarily large histories regardless of what's in them.
func fullCompact(ctx context.Context, provider Provider, model, systemPrompt string, messages []Message, cfg CompactionConfig) (*CompactionResult, error) {
	if len(messages) == 0 {
		return &CompactionResult{NewMessages: messages, Trigger: TriggerThreshold, Tier: "full"}, nil
	}

	keepFrom := len(messages) - 1
	toSummarize := messages[:keepFrom]
	tail := messages[keepFrom:]

	before := EstimateMessageTokens(toSummarize) * 4

	summaryReq := Request{
		Model: model,
		Messages: append([]Message{
			SystemText("Summarize the conversation so far into a compact brief a continuing assistant can pick up from. " +
				"Preserve: the user's goal, decisions made, files touched and why, and any unresolved next step. Drop tool output detail; keep only conclusions."),
		}, toSummarize...),
		MaxOutputTokens: 2000,
	}

	stream, err := provider.Stream(ctx, summaryReq)
	if err != nil {
		return nil, fmt.Errorf("summarization request failed: %w", err)
	}
	defer stream.Close()

	var summary string
	for {
		event, err := stream.Recv()
		if err != nil {
			break
		}
		if event.Type == EventTextDelta {
			summary += event.Text
		}
		if event.Type == EventError && event.Err != nil {
			return nil, fmt.Errorf("summarization stream error: %w", event.Err)
		}
	}
	if summary == "" {
		return nil, fmt.Errorf("summarization produced no output")
	}

	newMessages := append([]Message{UserText("[earlier conversation summarized]\n\n" + summary)}, tail...)
	after := EstimateMessageTokens(newMessages) * 4
	saved := before - after
	if saved < 0 {
		saved = 0
	}
	return &CompactionResult{NewMessages: newMessages, Trigger: TriggerThreshold, Tier: "full", SavedChars: saved}, nil
}
