package gen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-openapi/strfmt"

	"github.com/loomchat/loom/chat"
	"github.com/loomchat/loom/events"
	"github.com/loomchat/loom/internal/broker"
	"github.com/loomchat/loom/pkg/slogx"
	"github.com/loomchat/loom/provider"
)

type streamInput struct {
	session        string
	conversationID string
	messageID      string
	params         provider.CompletionParams
}

type streamOutcome struct {
	content      string
	generationID string
	chunks       int
}

// streamCompletion drives one provider stream to completion. genCtx is
// the cancellable generation context; opCtx survives cancellation so
// that the accumulated content written so far is never lost to a
// half-dead context.
func (g *Generator) streamCompletion(genCtx, opCtx context.Context, topic broker.Topic, in streamInput) (streamOutcome, *chat.GenError) {
	var out streamOutcome

	ch, err := g.provider.ChatCompletion(genCtx, in.params)
	if err != nil {
		return out, chat.WrapError(chat.ErrProviderCall, "Failed to create stream: "+err.Error(), err)
	}

	for {
		select {
		case <-genCtx.Done():
			drain(ch)
			return out, chat.WrapError(chat.ErrCancelled, "Cancelled by user", genCtx.Err())
		case ev, ok := <-ch:
			if !ok {
				if out.content == "" || out.generationID == "" {
					return out, chat.Errorf(chat.ErrProviderCall, "Provider returned an empty response")
				}
				return out, nil
			}

			switch ev := ev.(type) {
			case provider.Delta:
				out.chunks++
				out.content += ev.Content
				if out.content == "" {
					continue
				}
				out.generationID = ev.GenerationID

				if err := g.store.UpdateContent(opCtx, in.session, in.messageID, out.content); err != nil {
					slog.Warn("failed to persist streamed content", slogx.Message(in.messageID), slogx.Error(err))
				}
				topic.Publish(opCtx, events.Chunk{
					ConversationID: in.conversationID,
					MessageID:      in.messageID,
					Content:        ev.Content,
					Timestamp:      strfmt.DateTime(time.Now()),
				})

			case provider.Done:
				if out.generationID == "" {
					out.generationID = ev.GenerationID
				}

			case provider.Error:
				drain(ch)
				if errors.Is(ev.Err, context.Canceled) || errors.Is(ev.Err, context.DeadlineExceeded) {
					return out, chat.WrapError(chat.ErrCancelled, "Cancelled by user", ev.Err)
				}
				return out, chat.WrapError(chat.ErrProviderCall, "Stream processing error: "+ev.Err.Error(), ev.Err)
			}
		}
	}
}

// drain consumes the remaining events of an abandoned stream so the
// producing goroutine is never left blocked on a full channel.
func drain(ch <-chan provider.StreamEvent) {
	go func() {
		for range ch {
		}
	}()
}
