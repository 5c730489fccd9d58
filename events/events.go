// Package events defines the generation lifecycle events published
// per conversation. Readers subscribe through a broker instead of
// polling the store; the persisted state stays authoritative either
// way.
package events

import (
	"errors"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/loomchat/loom/chat"
)

var (
	startedJSON   = []byte(`{"type":"started"}`)
	chunkJSON     = []byte(`{"type":"chunk"}`)
	completedJSON = []byte(`{"type":"completed"}`)
	failedJSON    = []byte(`{"type":"failed"}`)
)

// Event is one generation lifecycle notification.
type Event interface {
	event()
}

// Started is published when the assistant message placeholder exists
// and streaming is about to begin.
type Started struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	Model          string          `json:"model"`
	Timestamp      strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Started) event() {}

// Chunk carries one incremental content fragment.
type Chunk struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	Content        string          `json:"content"`
	Timestamp      strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Chunk) event() {}

// Completed is published after finalization, carrying whatever usage
// accounting reconciliation produced.
type Completed struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	GenerationID   string          `json:"generation_id,omitempty"`
	TokenCount     int64           `json:"token_count,omitempty"`
	CostUSD        float64         `json:"cost_usd,omitempty"`
	Timestamp      strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Completed) event() {}

// Failed is published for errored and cancelled generations.
type Failed struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id,omitempty"`
	Kind           chat.ErrorKind  `json:"kind"`
	Detail         string          `json:"detail"`
	Timestamp      strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Failed) event() {}

// Hook receives events for one subscription. Implementations must be
// non-blocking, slow hooks get evicted by the broker.
type Hook interface {
	OnStarted(Started)
	OnChunk(Chunk)
	OnCompleted(Completed)
	OnFailed(Failed)
}

// ToJSON serializes an event with its type marker so FromJSON can
// dispatch on the other side of a broker.
func ToJSON(event Event) ([]byte, error) {
	switch e := event.(type) {
	case Started:
		return marshalEvent(startedJSON, map[string]any{
			"conversation_id": e.ConversationID,
			"message_id":      e.MessageID,
			"model":           e.Model,
		}, e.Timestamp)
	case Chunk:
		return marshalEvent(chunkJSON, map[string]any{
			"conversation_id": e.ConversationID,
			"message_id":      e.MessageID,
			"content":         e.Content,
		}, e.Timestamp)
	case Completed:
		return marshalEvent(completedJSON, map[string]any{
			"conversation_id": e.ConversationID,
			"message_id":      e.MessageID,
			"generation_id":   e.GenerationID,
			"token_count":     e.TokenCount,
			"cost_usd":        e.CostUSD,
		}, e.Timestamp)
	case Failed:
		return marshalEvent(failedJSON, map[string]any{
			"conversation_id": e.ConversationID,
			"message_id":      e.MessageID,
			"kind":            string(e.Kind),
			"detail":          e.Detail,
		}, e.Timestamp)
	default:
		return nil, fmt.Errorf("unknown event type %T", event)
	}
}

func marshalEvent(base []byte, fields map[string]any, ts strfmt.DateTime) ([]byte, error) {
	result := base
	var err error
	for key, value := range fields {
		result, err = sjson.SetBytes(result, key, value)
		if err != nil {
			return nil, err
		}
	}
	if !ts.IsZero() {
		result, err = sjson.SetBytes(result, "timestamp", ts.String())
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// FromJSON rebuilds an event from its ToJSON form.
func FromJSON(data []byte) (Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid event json: %s", data)
	}
	parsed := gjson.ParseBytes(data)
	typ := parsed.Get("type")
	if !typ.Exists() {
		return nil, errors.New("missing event type")
	}

	var ts strfmt.DateTime
	if raw := parsed.Get("timestamp"); raw.Exists() {
		if err := ts.UnmarshalText([]byte(raw.String())); err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
	}

	switch typ.String() {
	case "started":
		return Started{
			ConversationID: parsed.Get("conversation_id").String(),
			MessageID:      parsed.Get("message_id").String(),
			Model:          parsed.Get("model").String(),
			Timestamp:      ts,
		}, nil
	case "chunk":
		return Chunk{
			ConversationID: parsed.Get("conversation_id").String(),
			MessageID:      parsed.Get("message_id").String(),
			Content:        parsed.Get("content").String(),
			Timestamp:      ts,
		}, nil
	case "completed":
		return Completed{
			ConversationID: parsed.Get("conversation_id").String(),
			MessageID:      parsed.Get("message_id").String(),
			GenerationID:   parsed.Get("generation_id").String(),
			TokenCount:     parsed.Get("token_count").Int(),
			CostUSD:        parsed.Get("cost_usd").Float(),
			Timestamp:      ts,
		}, nil
	case "failed":
		return Failed{
			ConversationID: parsed.Get("conversation_id").String(),
			MessageID:      parsed.Get("message_id").String(),
			Kind:           chat.ErrorKind(parsed.Get("kind").String()),
			Detail:         parsed.Get("detail").String(),
			Timestamp:      ts,
		}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", typ.String())
	}
}
