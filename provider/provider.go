// Package provider defines the contract for streamed chat completions
// against an upstream model vendor. Implementations translate the
// domain messages into the vendor wire format and hand results back as
// a channel of stream events.
package provider

import (
	"context"

	"github.com/go-openapi/strfmt"

	"github.com/loomchat/loom/chat"
)

// CompletionParams is the resolved request bundle for one completion
// call. APIKey is per-request: each generation authenticates with the
// key the resolver picked for it.
type CompletionParams struct {
	Model       string
	APIKey      string
	Messages    []chat.Message
	Rules       []chat.Rule
	Temperature float64
	MaxTokens   int64
}

// GenerationStats is the vendor's authoritative usage accounting for a
// single generation, fetched after the stream ends.
type GenerationStats struct {
	ID               string  `json:"id"`
	Model            string  `json:"model"`
	TokensPrompt     int64   `json:"tokens_prompt"`
	TokensCompletion int64   `json:"tokens_completion"`
	TotalCost        float64 `json:"total_cost"`
	GenerationTime   int64   `json:"generation_time"`
	Cancelled        bool    `json:"cancelled"`
	FinishReason     string  `json:"finish_reason"`
}

// StreamEvent is one item in a completion stream.
type StreamEvent interface {
	streamEvent()
}

// Delta carries an incremental content fragment. GenerationID is the
// vendor's id for this completion call, repeated on every delta.
type Delta struct {
	Content      string          `json:"content"`
	GenerationID string          `json:"generation_id"`
	Timestamp    strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Delta) streamEvent() {}

// Done marks the natural end of the stream.
type Done struct {
	GenerationID string          `json:"generation_id"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Timestamp    strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Done) streamEvent() {}

// Error terminates the stream abnormally.
type Error struct {
	Err       error           `json:"error"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Error) streamEvent() {}

func (e Error) Error() string { return e.Err.Error() }

// Provider is a streaming-completion vendor with an
// OpenAI-compatible chat surface.
type Provider interface {
	// ChatCompletion opens a streamed completion. The returned channel
	// closes when the stream ends; cancelling ctx stops consumption
	// between chunks.
	ChatCompletion(ctx context.Context, params CompletionParams) (<-chan StreamEvent, error)
	// Complete issues a single non-streamed completion and returns the
	// message content. Used for auxiliary calls like title generation.
	Complete(ctx context.Context, params CompletionParams) (string, error)
	// GenerationStats fetches usage/cost accounting for a finished
	// generation. Stats may lag stream completion, callers retry.
	GenerationStats(ctx context.Context, generationID, apiKey string) (GenerationStats, error)
}
