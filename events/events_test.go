package events

import (
	"testing"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/loomchat/loom/chat"
)

func TestToJSONTypeMarkers(t *testing.T) {
	tests := []struct {
		event Event
		typ   string
	}{
		{Started{ConversationID: "c1", MessageID: "m1", Model: "openai/gpt-4o"}, "started"},
		{Chunk{ConversationID: "c1", MessageID: "m1", Content: "hi"}, "chunk"},
		{Completed{ConversationID: "c1", MessageID: "m1", GenerationID: "g1"}, "completed"},
		{Failed{ConversationID: "c1", Kind: chat.ErrCancelled, Detail: "Cancelled by user"}, "failed"},
	}
	for _, tt := range tests {
		data, err := ToJSON(tt.event)
		require.NoError(t, err)
		require.True(t, gjson.ValidBytes(data))
		assert.Equal(t, tt.typ, gjson.GetBytes(data, "type").String())
		assert.Equal(t, "c1", gjson.GetBytes(data, "conversation_id").String())
	}
}

func TestRoundTripStarted(t *testing.T) {
	in := Started{ConversationID: "c1", MessageID: "m1", Model: "openai/gpt-4o"}
	data, err := ToJSON(in)
	require.NoError(t, err)

	out, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRoundTripChunk(t *testing.T) {
	in := Chunk{ConversationID: "c1", MessageID: "m1", Content: "partial text"}
	data, err := ToJSON(in)
	require.NoError(t, err)

	out, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRoundTripCompleted(t *testing.T) {
	in := Completed{
		ConversationID: "c1",
		MessageID:      "m1",
		GenerationID:   "gen-1",
		TokenCount:     42,
		CostUSD:        0.001,
	}
	data, err := ToJSON(in)
	require.NoError(t, err)

	out, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRoundTripFailed(t *testing.T) {
	in := Failed{
		ConversationID: "c1",
		MessageID:      "m1",
		Kind:           chat.ErrProviderCall,
		Detail:         "Stream processing error: boom",
	}
	data, err := ToJSON(in)
	require.NoError(t, err)

	out, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTimestampSurvivesTransport(t *testing.T) {
	now := strfmt.DateTime(time.Now().UTC().Truncate(time.Millisecond))
	data, err := ToJSON(Chunk{ConversationID: "c1", MessageID: "m1", Content: "x", Timestamp: now})
	require.NoError(t, err)

	out, err := FromJSON(data)
	require.NoError(t, err)
	chunk, ok := out.(Chunk)
	require.True(t, ok)
	assert.True(t, time.Time(chunk.Timestamp).Equal(time.Time(now)))
}

func TestFromJSONRejectsGarbage(t *testing.T) {
	_, err := FromJSON([]byte("not json"))
	assert.Error(t, err)

	_, err = FromJSON([]byte(`{"conversation_id":"c1"}`))
	assert.ErrorContains(t, err, "missing event type")

	_, err = FromJSON([]byte(`{"type":"mystery"}`))
	assert.ErrorContains(t, err, "unknown event type")
}
