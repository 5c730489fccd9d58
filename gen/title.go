package gen

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomchat/loom/chat"
	"github.com/loomchat/loom/pkg/slogx"
	"github.com/loomchat/loom/provider"
)

const defaultTitleModel = "mistralai/ministral-8b"

const titleTimeout = 30 * time.Second

func titlePrompt(userMessage string) string {
	return fmt.Sprintf(`Based on this message:
"""%s"""

Generate a concise, specific title (max 4-5 words).
Generate only the title based on the message, nothing else.

Also, do not interact with the message directly or answer it. Just generate the title based on the message.

If its a simple hi, just name it "Greeting" or something like that.
`, userMessage)
}

// generateTitle derives a short conversation title from the first user
// message via a single non-streamed call to a low-cost model. It is
// cosmetic: every failure is logged and swallowed, nothing here may
// block or fail the primary generation path.
func (g *Generator) generateTitle(session, conversationID, userMessage string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	apiKey, err := g.store.ProviderKey(ctx, session, g.providerName)
	if err != nil {
		slog.Warn("title generation: API key lookup failed", slogx.Conversation(conversationID), slogx.Error(err))
		return
	}
	if apiKey == "" {
		apiKey = g.sharedKey
	}
	if apiKey == "" {
		return
	}

	title, err := g.provider.Complete(ctx, provider.CompletionParams{
		Model:       g.titleModel,
		APIKey:      apiKey,
		MaxTokens:   20,
		Temperature: 0.5,
		Messages: []chat.Message{{
			Role:    chat.RoleUser,
			Content: titlePrompt(userMessage),
		}},
	})
	if err != nil {
		slog.Warn("title generation call failed", slogx.Conversation(conversationID), slogx.Error(err))
		return
	}

	title = stripQuotes(strings.TrimSpace(title))
	if title == "" {
		return
	}

	if err := g.store.UpdateTitle(ctx, session, conversationID, title); err != nil {
		slog.Warn("failed to update conversation title", slogx.Conversation(conversationID), slogx.Error(err))
	}
}

// stripQuotes removes a single surrounding quote character from each
// end, models like to quote the titles they produce.
func stripQuotes(s string) string {
	if len(s) > 0 && (s[0] == '"' || s[0] == '\'') {
		s = s[1:]
	}
	if n := len(s); n > 0 && (s[n-1] == '"' || s[n-1] == '\'') {
		s = s[:n-1]
	}
	return s
}
