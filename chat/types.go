// Package chat defines the domain model shared by the generation
// pipeline: conversations, messages, user rules, and the error
// taxonomy surfaced on failed generations.
package chat

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AttachMode controls when a rule is attached to a generation.
type AttachMode string

const (
	// AttachAlways rules are included in every generation.
	AttachAlways AttachMode = "always"
	// AttachManual rules are included only when mentioned as @name
	// in a message.
	AttachManual AttachMode = "manual"
)

// Conversation is the stored conversation record. The generating flag
// is true for the whole interval between accepting a user message and
// finalizing (or erroring) the assistant reply.
type Conversation struct {
	ID         string  `json:"_id"`
	UserID     string  `json:"user_id"`
	Title      string  `json:"title"`
	Generating bool    `json:"generating"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	UpdatedAt  int64   `json:"updated_at,omitempty"`
	Public     bool    `json:"public"`
	Pinned     bool    `json:"pinned,omitempty"`
}

// ImageAttachment is an image sent along with a user message. URL is
// what gets forwarded to the model provider, StorageID references the
// uploaded blob in the store.
type ImageAttachment struct {
	URL       string `json:"url"`
	StorageID string `json:"storage_id"`
	FileName  string `json:"fileName,omitempty"`
}

// Message is a single stored chat message. Assistant messages start
// empty and are rewritten repeatedly while the stream is in flight,
// then patched once more at finalization with usage accounting and
// rendered HTML.
type Message struct {
	ID             string            `json:"_id"`
	ConversationID string            `json:"conversation_id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	ContentHTML    string            `json:"content_html,omitempty"`
	Error          string            `json:"error,omitempty"`
	ModelID        string            `json:"model_id,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	TokenCount     *int64            `json:"token_count,omitempty"`
	CostUSD        *float64          `json:"cost_usd,omitempty"`
	GenerationID   string            `json:"generation_id,omitempty"`
	WebSearch      bool              `json:"web_search_enabled,omitempty"`
	Images         []ImageAttachment `json:"images,omitempty"`
}

// Rule is a user-defined instruction snippet. Manual rules are pulled
// in by @name mentions; always rules ride along on every generation.
// Messages never hold a strong reference to a rule, only the rendered
// rule text at generation time.
type Rule struct {
	ID     string     `json:"_id"`
	UserID string     `json:"user_id"`
	Name   string     `json:"name"`
	Attach AttachMode `json:"attach"`
	Rule   string     `json:"rule"`
}

// EnabledModel is a model the user switched on, pinned to the provider
// that serves it.
type EnabledModel struct {
	ModelID  string `json:"model_id"`
	Provider string `json:"provider"`
	Name     string `json:"name,omitempty"`
}

// Settings carries the per-user counters the quota policy reads.
type Settings struct {
	FreeMessagesUsed int `json:"free_messages_used"`
}
