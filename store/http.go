package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/loomchat/loom/chat"
)

// HTTP speaks the store's query/mutation-by-name protocol: POST
// /api/query or /api/mutation with {"path": "table:fn", "args": {...}}
// and a {"status", "value" | "errorMessage"} envelope back.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP builds a client for the store deployment at baseURL.
func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// NewHTTPWithClient is NewHTTP with a caller-supplied http.Client,
// used by tests and by deployments that need custom transports.
func NewHTTPWithClient(baseURL string, client *http.Client) *HTTP {
	h := NewHTTP(baseURL)
	h.client = client
	return h
}

func (h *HTTP) call(ctx context.Context, kind, path string, args []byte) (gjson.Result, error) {
	body, err := sjson.SetBytes([]byte(`{}`), "path", path)
	if err != nil {
		return gjson.Result{}, err
	}
	body, err = sjson.SetRawBytes(body, "args", args)
	if err != nil {
		return gjson.Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/"+kind, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to build %s request for %s: %w", kind, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s %s failed: %w", kind, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read %s response for %s: %w", kind, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("%s %s returned status %d", kind, path, resp.StatusCode)
	}

	envelope := gjson.ParseBytes(raw)
	if envelope.Get("status").String() != "success" {
		return gjson.Result{}, storeError(path, envelope.Get("errorMessage").String())
	}
	return envelope.Get("value"), nil
}

// storeError maps the store's string errors onto the sentinel errors
// callers check with errors.Is.
func storeError(path, msg string) error {
	switch {
	case strings.Contains(msg, "Unauthorized"):
		return fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "Not found"):
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	default:
		return fmt.Errorf("%s: store error: %s", path, msg)
	}
}

func (h *HTTP) query(ctx context.Context, path string, args []byte) (gjson.Result, error) {
	return h.call(ctx, "query", path, args)
}

func (h *HTTP) mutation(ctx context.Context, path string, args []byte) (gjson.Result, error) {
	return h.call(ctx, "mutation", path, args)
}

// argsBuilder accumulates sparse JSON arguments. Zero-valued optional
// fields are simply never set, which keeps the wire payload identical
// to what the store's validators expect.
type argsBuilder struct {
	buf []byte
	err error
}

func newArgs(session string) *argsBuilder {
	b := &argsBuilder{buf: []byte(`{}`)}
	b.set("session_token", session)
	return b
}

func (b *argsBuilder) set(key string, value any) *argsBuilder {
	if b.err != nil {
		return b
	}
	b.buf, b.err = sjson.SetBytes(b.buf, key, value)
	return b
}

func (b *argsBuilder) setRaw(key string, value any) *argsBuilder {
	if b.err != nil {
		return b
	}
	raw, err := json.Marshal(value)
	if err != nil {
		b.err = err
		return b
	}
	b.buf, b.err = sjson.SetRawBytes(b.buf, key, raw)
	return b
}

func (b *argsBuilder) build() ([]byte, error) { return b.buf, b.err }

func messageArgs(session string, msg CreateMessageArgs) *argsBuilder {
	b := newArgs(session).
		set("content", msg.Content).
		set("role", string(msg.Role))
	if msg.ConversationID != "" {
		b.set("conversation_id", msg.ConversationID)
	}
	if msg.ContentHTML != "" {
		b.set("content_html", msg.ContentHTML)
	}
	if msg.ModelID != "" {
		b.set("model_id", msg.ModelID)
	}
	if msg.Provider != "" {
		b.set("provider", msg.Provider)
	}
	if msg.WebSearch {
		b.set("web_search_enabled", true)
	}
	if len(msg.Images) > 0 {
		b.setRaw("images", msg.Images)
	}
	return b
}

// placeholderTitle derives the provisional conversation title shown
// until the generated one lands: the first sentence of the message,
// capped at 35 characters.
func placeholderTitle(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "New Chat"
	}
	if i := strings.IndexAny(content, ".!?\n"); i >= 0 {
		if s := strings.TrimSpace(content[:i]); s != "" {
			content = s
		}
	}
	if runes := []rune(content); len(runes) > 35 {
		content = strings.TrimSpace(string(runes[:35]))
	}
	return content
}

func (h *HTTP) CreateConversation(ctx context.Context, session string, msg CreateMessageArgs) (string, string, error) {
	args, err := messageArgs(session, msg).
		set("title", placeholderTitle(msg.Content)).
		build()
	if err != nil {
		return "", "", err
	}
	value, err := h.mutation(ctx, "conversations:createAndAddMessage", args)
	if err != nil {
		return "", "", err
	}
	return value.Get("conversationId").String(), value.Get("messageId").String(), nil
}

func (h *HTTP) GetConversation(ctx context.Context, session, conversationID string) (chat.Conversation, error) {
	args, err := newArgs(session).set("conversation_id", conversationID).build()
	if err != nil {
		return chat.Conversation{}, err
	}
	value, err := h.query(ctx, "conversations:getById", args)
	if err != nil {
		return chat.Conversation{}, err
	}
	if value.Type == gjson.Null {
		return chat.Conversation{}, fmt.Errorf("conversations:getById: %w", ErrNotFound)
	}
	var conv chat.Conversation
	if err := json.Unmarshal([]byte(value.Raw), &conv); err != nil {
		return chat.Conversation{}, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return conv, nil
}

func (h *HTTP) SetGenerating(ctx context.Context, session, conversationID string, generating bool) error {
	args, err := newArgs(session).
		set("conversation_id", conversationID).
		set("generating", generating).
		build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "conversations:updateGenerating", args)
	return err
}

func (h *HTTP) UpdateTitle(ctx context.Context, session, conversationID, title string) error {
	args, err := newArgs(session).
		set("conversation_id", conversationID).
		set("title", title).
		build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "conversations:updateTitle", args)
	return err
}

func (h *HTTP) AddCost(ctx context.Context, session, conversationID string, costUSD float64) error {
	args, err := newArgs(session).
		set("conversation_id", conversationID).
		set("cost_usd", costUSD).
		build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "conversations:updateCostUsd", args)
	return err
}

func (h *HTTP) SetPublic(ctx context.Context, session, conversationID string, public bool) error {
	args, err := newArgs(session).
		set("conversation_id", conversationID).
		set("public", public).
		build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "conversations:setPublic", args)
	return err
}

func (h *HTTP) CreateMessage(ctx context.Context, session string, msg CreateMessageArgs) (string, error) {
	args, err := messageArgs(session, msg).build()
	if err != nil {
		return "", err
	}
	value, err := h.mutation(ctx, "messages:create", args)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (h *HTTP) ListMessages(ctx context.Context, session, conversationID string) ([]chat.Message, error) {
	args, err := newArgs(session).set("conversation_id", conversationID).build()
	if err != nil {
		return nil, err
	}
	value, err := h.query(ctx, "messages:getAllFromConversation", args)
	if err != nil {
		return nil, err
	}
	var msgs []chat.Message
	if err := json.Unmarshal([]byte(value.Raw), &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

func (h *HTTP) UpdateContent(ctx context.Context, session, messageID, content string) error {
	args, err := newArgs(session).
		set("message_id", messageID).
		set("content", content).
		build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "messages:updateContent", args)
	return err
}

func (h *HTTP) FinalizeMessage(ctx context.Context, session string, fin FinalizeMessageArgs) error {
	b := newArgs(session).set("message_id", fin.MessageID)
	if fin.TokenCount != nil {
		b.set("token_count", *fin.TokenCount)
	}
	if fin.CostUSD != nil {
		b.set("cost_usd", *fin.CostUSD)
	}
	if fin.GenerationID != "" {
		b.set("generation_id", fin.GenerationID)
	}
	if fin.ContentHTML != "" {
		b.set("content_html", fin.ContentHTML)
	}
	args, err := b.build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "messages:updateMessage", args)
	return err
}

func (h *HTTP) SetError(ctx context.Context, session, conversationID, messageID, errText string) error {
	b := newArgs(session).
		set("conversation_id", conversationID).
		set("error", errText)
	if messageID != "" {
		b.set("message_id", messageID)
	}
	args, err := b.build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "messages:updateError", args)
	return err
}

func (h *HTTP) EnabledModel(ctx context.Context, session, provider, modelID string) (chat.EnabledModel, error) {
	args, err := newArgs(session).
		set("provider", provider).
		set("model_id", modelID).
		build()
	if err != nil {
		return chat.EnabledModel{}, err
	}
	value, err := h.query(ctx, "user_enabled_models:get", args)
	if err != nil {
		return chat.EnabledModel{}, err
	}
	if value.Type == gjson.Null {
		return chat.EnabledModel{}, fmt.Errorf("user_enabled_models:get: %w", ErrNotFound)
	}
	var model chat.EnabledModel
	if err := json.Unmarshal([]byte(value.Raw), &model); err != nil {
		return chat.EnabledModel{}, fmt.Errorf("failed to decode enabled model: %w", err)
	}
	return model, nil
}

func (h *HTTP) ProviderKey(ctx context.Context, session, provider string) (string, error) {
	args, err := newArgs(session).set("provider", provider).build()
	if err != nil {
		return "", err
	}
	value, err := h.query(ctx, "user_keys:get", args)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

func (h *HTTP) Rules(ctx context.Context, session string) ([]chat.Rule, error) {
	args, err := newArgs(session).build()
	if err != nil {
		return nil, err
	}
	value, err := h.query(ctx, "user_rules:all", args)
	if err != nil {
		return nil, err
	}
	var rules []chat.Rule
	if err := json.Unmarshal([]byte(value.Raw), &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return rules, nil
}

func (h *HTTP) Settings(ctx context.Context, session string) (chat.Settings, error) {
	args, err := newArgs(session).build()
	if err != nil {
		return chat.Settings{}, err
	}
	value, err := h.query(ctx, "user_settings:get", args)
	if err != nil {
		return chat.Settings{}, err
	}
	var settings chat.Settings
	if value.Type != gjson.Null {
		if err := json.Unmarshal([]byte(value.Raw), &settings); err != nil {
			return chat.Settings{}, fmt.Errorf("failed to decode settings: %w", err)
		}
	}
	return settings, nil
}

func (h *HTTP) IncrementFreeMessages(ctx context.Context, session string) error {
	args, err := newArgs(session).build()
	if err != nil {
		return err
	}
	_, err = h.mutation(ctx, "user_settings:incrementFreeMessageCount", args)
	return err
}

var _ Client = (*HTTP)(nil)
