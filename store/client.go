// Package store is the RPC façade over the external conversation
// store. Every mutation the generation pipeline performs funnels
// through Client, so the rest of the codebase never speaks the wire
// protocol directly.
package store

import (
	"context"
	"errors"

	"github.com/loomchat/loom/chat"
)

var (
	// ErrUnauthorized means the session token was rejected by the store.
	ErrUnauthorized = errors.New("store: unauthorized")
	// ErrNotFound means the requested record does not exist or is not
	// owned by the caller.
	ErrNotFound = errors.New("store: not found")
)

// CreateMessageArgs are the fields accepted by the message-create
// mutation. Optional fields stay nil when unused.
type CreateMessageArgs struct {
	ConversationID string
	Role           chat.Role
	Content        string
	ContentHTML    string
	ModelID        string
	Provider       string
	WebSearch      bool
	Images         []chat.ImageAttachment
}

// FinalizeMessageArgs patch a streamed assistant message with the
// usage accounting gathered after the stream ended. Nil pointers leave
// the corresponding field untouched.
type FinalizeMessageArgs struct {
	MessageID    string
	TokenCount   *int64
	CostUSD      *float64
	GenerationID string
	ContentHTML  string
}

// Client is the query/mutation surface the orchestrator needs. All
// calls authenticate with the caller's session token; implementations
// map store-side auth failures to ErrUnauthorized and missing records
// to ErrNotFound.
type Client interface {
	// CreateConversation inserts a conversation together with its first
	// user message and returns both ids. The conversation starts with
	// generating=true and a placeholder title taken from the message.
	CreateConversation(ctx context.Context, session string, msg CreateMessageArgs) (conversationID, messageID string, err error)
	GetConversation(ctx context.Context, session, conversationID string) (chat.Conversation, error)
	SetGenerating(ctx context.Context, session, conversationID string, generating bool) error
	UpdateTitle(ctx context.Context, session, conversationID, title string) error
	// AddCost increments the conversation's cumulative cost, it never
	// overwrites.
	AddCost(ctx context.Context, session, conversationID string, costUSD float64) error
	SetPublic(ctx context.Context, session, conversationID string, public bool) error

	CreateMessage(ctx context.Context, session string, msg CreateMessageArgs) (messageID string, err error)
	ListMessages(ctx context.Context, session, conversationID string) ([]chat.Message, error)
	// UpdateContent replaces the message content with the full
	// accumulated text. Writes must be applied in call order.
	UpdateContent(ctx context.Context, session, messageID, content string) error
	FinalizeMessage(ctx context.Context, session string, args FinalizeMessageArgs) error
	// SetError writes the error text on a message. When messageID is
	// empty an error-bearing assistant message is created first, so the
	// failure is visible even if generation died before the placeholder
	// existed.
	SetError(ctx context.Context, session, conversationID, messageID, errText string) error

	EnabledModel(ctx context.Context, session, provider, modelID string) (chat.EnabledModel, error)
	// ProviderKey returns the user's own API key for the provider, or
	// "" when none is configured.
	ProviderKey(ctx context.Context, session, provider string) (string, error)
	Rules(ctx context.Context, session string) ([]chat.Rule, error)
	Settings(ctx context.Context, session string) (chat.Settings, error)
	IncrementFreeMessages(ctx context.Context, session string) error
}
