// Package gen drives a single chat generation end to end: resolve the
// caller's model, key, rules and settings, stream the completion into
// the store, then reconcile usage and cost once the vendor's
// accounting is available. Generations run detached from the request
// that started them and are cancellable through the registry.
package gen

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"

	"github.com/loomchat/loom/chat"
	"github.com/loomchat/loom/events"
	"github.com/loomchat/loom/internal/broker"
	"github.com/loomchat/loom/pkg/retryx"
	"github.com/loomchat/loom/pkg/slogx"
	"github.com/loomchat/loom/provider"
	"github.com/loomchat/loom/store"
)

// StartParams is one generation request. ConversationID empty means a
// new conversation is created around the message.
type StartParams struct {
	Session        string
	ConversationID string
	Message        string
	ModelID        string
	Images         []chat.ImageAttachment
	WebSearch      bool
}

// Generator owns the full generation pipeline. One instance serves the
// whole process; per-request state lives in the handles and contexts
// it creates.
type Generator struct {
	store    store.Client
	provider provider.Provider
	broker   broker.Broker

	registry *Registry
	resolver *Resolver
	tasks    *taskPool

	providerName      string
	sharedKey         string
	freeMessageLimit  int
	titleModel        string
	temperature       float64
	reconcileAttempts int
	reconcileDelay    time.Duration
	budget            time.Duration
}

var (
	// WithSharedKey sets the server-side fallback API key used when the
	// caller has not configured their own.
	WithSharedKey = opts.ForName[Generator, string]("sharedKey")
	// WithFreeMessageLimit caps shared-key generations per user.
	WithFreeMessageLimit = opts.ForName[Generator, int]("freeMessageLimit")
	// WithTitleModel overrides the model used for title generation.
	WithTitleModel = opts.ForName[Generator, string]("titleModel")
	// WithProviderName sets the provider slug recorded on messages and
	// used for key lookups.
	WithProviderName = opts.ForName[Generator, string]("providerName")
	// WithTemperature sets the sampling temperature for completions.
	WithTemperature = opts.ForName[Generator, float64]("temperature")
	// WithBudget bounds each generation's total wall-clock time.
	WithBudget = opts.ForName[Generator, time.Duration]("budget")
	// WithReconcileAttempts sets how often the stats fetch is retried.
	WithReconcileAttempts = opts.ForName[Generator, int]("reconcileAttempts")
	// WithReconcileDelay sets the pause between stats fetch attempts.
	WithReconcileDelay = opts.ForName[Generator, time.Duration]("reconcileDelay")
)

// New builds a Generator over the given store, provider and broker.
func New(st store.Client, prov provider.Provider, brk broker.Broker, options ...opts.Option[Generator]) *Generator {
	g := &Generator{
		store:             st,
		provider:          prov,
		broker:            brk,
		providerName:      "openrouter",
		freeMessageLimit:  10,
		titleModel:        defaultTitleModel,
		temperature:       0.7,
		reconcileAttempts: 3,
		reconcileDelay:    500 * time.Millisecond,
		budget:            10 * time.Minute,
	}
	if err := opts.Apply(g, options); err != nil {
		panic(err)
	}

	g.registry = NewRegistry(g.budget)
	g.resolver = NewResolver(st, g.providerName)
	g.tasks = newTaskPool()
	return g
}

// Errors exposes failures from detached generation tasks. Callers
// drain it into their logs; an undrained channel is safe, errors are
// dropped after logging at source.
func (g *Generator) Errors() <-chan error { return g.tasks.Errors() }

// Wait blocks until all in-flight background tasks finish. Used for
// graceful shutdown and tests.
func (g *Generator) Wait() { g.tasks.Wait() }

// Active reports whether a generation is running for the conversation.
func (g *Generator) Active(conversationID string) bool {
	return g.registry.Active(conversationID)
}

// Start persists the user message, flips the conversation to
// generating and hands the rest of the pipeline to a background task.
// It returns the conversation id as soon as the generation is
// registered; callers observe progress through the broker or the
// store, not through this call.
func (g *Generator) Start(ctx context.Context, p StartParams) (string, error) {
	if p.Session == "" {
		return "", chat.Errorf(chat.ErrUnauthorized, "Unauthorized")
	}

	userMsg := store.CreateMessageArgs{
		ConversationID: p.ConversationID,
		Role:           chat.RoleUser,
		Content:        p.Message,
		ModelID:        p.ModelID,
		Provider:       g.providerName,
		WebSearch:      p.WebSearch,
		Images:         p.Images,
	}

	conversationID := p.ConversationID
	newConversation := conversationID == ""
	if newConversation {
		convID, _, err := g.store.CreateConversation(ctx, p.Session, userMsg)
		if err != nil {
			return "", classifyStore(err, "Failed to create conversation")
		}
		conversationID = convID
	} else {
		if _, err := g.store.CreateMessage(ctx, p.Session, userMsg); err != nil {
			return "", classifyStore(err, "Failed to add message")
		}
		if err := g.store.SetGenerating(ctx, p.Session, conversationID, true); err != nil {
			return "", classifyStore(err, "Failed to mark conversation as generating")
		}
	}

	handle := g.registry.Register(conversationID)

	if newConversation {
		session, message := p.Session, p.Message
		g.tasks.Go(func() error {
			g.generateTitle(session, conversationID, message)
			return nil
		})
	}

	g.tasks.Go(func() error {
		return g.generate(handle, conversationID, p)
	})

	return conversationID, nil
}

// Cancel stops the in-flight generation for the conversation after
// verifying the caller owns it. It reports whether a generation was
// actually running.
func (g *Generator) Cancel(ctx context.Context, session, conversationID string) (bool, error) {
	conv, err := g.store.GetConversation(ctx, session, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			return false, chat.WrapError(chat.ErrUnauthorized, "Unauthorized", err)
		}
		if errors.Is(err, store.ErrNotFound) {
			return false, chat.WrapError(chat.ErrNotFound, "Conversation not found", err)
		}
		return false, err
	}

	cancelled := g.registry.Cancel(conversationID)
	if cancelled || conv.Generating {
		if err := g.store.SetGenerating(ctx, session, conversationID, false); err != nil {
			slog.Warn("failed to reset generating flag on cancel", slogx.Conversation(conversationID), slogx.Error(err))
		}
	}
	return cancelled, nil
}

// generate is the detached body of one generation. genCtx is
// cancellable; every store write after stream start uses opCtx so
// that error and cleanup patches land even when the generation was
// cancelled mid-stream.
func (g *Generator) generate(handle *Handle, conversationID string, p StartParams) error {
	genCtx := handle.Context()
	opCtx := context.WithoutCancel(genCtx)
	session := p.Session

	topic := g.broker.Topic(opCtx, conversationID)

	var (
		messageID string
		finalized bool
	)
	defer func() {
		if !finalized {
			if err := g.store.SetGenerating(opCtx, session, conversationID, false); err != nil {
				slog.Error("failed to reset generating flag", slogx.Conversation(conversationID), slogx.Error(err))
			}
		}
		g.registry.Release(handle)
	}()

	fail := func(genErr *chat.GenError) error {
		if err := g.store.SetError(opCtx, session, conversationID, messageID, genErr.Persisted()); err != nil {
			slog.Error("failed to persist generation error", slogx.Conversation(conversationID), slogx.Error(err))
		}
		if err := topic.Publish(opCtx, events.Failed{
			ConversationID: conversationID,
			MessageID:      messageID,
			Kind:           genErr.Kind,
			Detail:         genErr.Detail,
			Timestamp:      strfmt.DateTime(time.Now()),
		}); err != nil {
			slog.Warn("failed to publish failure event", slogx.Conversation(conversationID), slogx.Error(err))
		}
		slog.Error("generation failed", slogx.Conversation(conversationID), slogx.Error(genErr))
		return genErr
	}

	// The context resolution and history fetch are independent reads,
	// run them side by side.
	type resolved struct {
		gc  *Context
		err error
	}
	resCh := make(chan resolved, 1)
	go func() {
		gc, err := g.resolver.Resolve(genCtx, session, p.ModelID)
		resCh <- resolved{gc: gc, err: err}
	}()

	history, histErr := g.store.ListMessages(genCtx, session, conversationID)
	res := <-resCh

	if res.err != nil {
		return fail(asGenError(res.err))
	}
	if histErr != nil {
		return fail(classifyStore(histErr, "Failed to load conversation history"))
	}
	gc := res.gc

	model := gc.Model.ModelID
	if p.WebSearch {
		model += ":online"
	}

	assistantID, err := g.store.CreateMessage(opCtx, session, store.CreateMessageArgs{
		ConversationID: conversationID,
		Role:           chat.RoleAssistant,
		ModelID:        p.ModelID,
		Provider:       g.providerName,
		WebSearch:      p.WebSearch,
	})
	if err != nil {
		return fail(classifyStore(err, "Failed to create assistant message"))
	}
	messageID = assistantID

	// Free-tier exemption keys off the model id itself, not the
	// decorated request model, so a ":free" model stays exempt when the
	// ":online" suffix is appended.
	if gc.UserKey == "" && !strings.HasSuffix(gc.Model.ModelID, ":free") {
		if gc.Settings.FreeMessagesUsed >= g.freeMessageLimit {
			return fail(chat.Errorf(chat.ErrQuotaExceeded,
				"Free message limit reached (%d/%d). Add your own API key to continue.",
				gc.Settings.FreeMessagesUsed, g.freeMessageLimit))
		}
		if err := g.store.IncrementFreeMessages(opCtx, session); err != nil {
			return fail(classifyStore(err, "Failed to record free message usage"))
		}
	}

	apiKey := gc.UserKey
	if apiKey == "" {
		apiKey = g.sharedKey
	}
	if apiKey == "" {
		return fail(chat.Errorf(chat.ErrProviderCall, "No API key available"))
	}

	if err := topic.Publish(opCtx, events.Started{
		ConversationID: conversationID,
		MessageID:      messageID,
		Model:          model,
		Timestamp:      strfmt.DateTime(time.Now()),
	}); err != nil {
		slog.Warn("failed to publish start event", slogx.Conversation(conversationID), slogx.Error(err))
	}

	out, streamErr := g.streamCompletion(genCtx, opCtx, topic, streamInput{
		session:        session,
		conversationID: conversationID,
		messageID:      messageID,
		params: provider.CompletionParams{
			Model:       model,
			APIKey:      apiKey,
			Messages:    history,
			Rules:       AttachRules(history, gc.Rules),
			Temperature: g.temperature,
		},
	})
	if streamErr != nil {
		return fail(streamErr)
	}

	finalized = g.reconcile(opCtx, topic, session, conversationID, messageID, apiKey, out)
	return nil
}

// reconcile fetches the vendor's usage accounting and finalizes the
// streamed message. Stats failures degrade, the message survives with
// content but without token and cost figures. It reports whether the
// conversation's generating flag was reset.
func (g *Generator) reconcile(ctx context.Context, topic broker.Topic, session, conversationID, messageID, apiKey string, out streamOutcome) bool {
	stats, statsErr := retryx.Do(ctx, g.reconcileAttempts, g.reconcileDelay,
		func(ctx context.Context) (provider.GenerationStats, error) {
			return g.provider.GenerationStats(ctx, out.generationID, apiKey)
		})
	degraded := statsErr != nil
	if degraded {
		slog.Warn("generation stats unavailable, finalizing without usage",
			slogx.Conversation(conversationID), slog.String("generation_id", out.generationID), slogx.Error(statsErr))
	}

	html, err := renderHTML(out.content)
	if err != nil {
		slog.Warn("failed to render message html", slogx.Message(messageID), slogx.Error(err))
		html = ""
	}

	args := store.FinalizeMessageArgs{
		MessageID:    messageID,
		GenerationID: out.generationID,
		ContentHTML:  html,
	}
	var cost float64
	if !degraded {
		args.TokenCount = swag.Int64(stats.TokensCompletion)
		args.CostUSD = swag.Float64(stats.TotalCost)
		cost = stats.TotalCost
	}

	var (
		wg    sync.WaitGroup
		reset bool
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := g.store.FinalizeMessage(ctx, session, args); err != nil {
			slog.Error("failed to finalize message", slogx.Message(messageID), slogx.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := g.store.SetGenerating(ctx, session, conversationID, false); err != nil {
			slog.Error("failed to reset generating flag", slogx.Conversation(conversationID), slogx.Error(err))
			return
		}
		reset = true
	}()
	go func() {
		defer wg.Done()
		if err := g.store.AddCost(ctx, session, conversationID, cost); err != nil {
			slog.Error("failed to record conversation cost", slogx.Conversation(conversationID), slogx.Error(err))
		}
	}()
	wg.Wait()

	if err := topic.Publish(ctx, events.Completed{
		ConversationID: conversationID,
		MessageID:      messageID,
		GenerationID:   out.generationID,
		TokenCount:     stats.TokensCompletion,
		CostUSD:        cost,
		Timestamp:      strfmt.DateTime(time.Now()),
	}); err != nil {
		slog.Warn("failed to publish completion event", slogx.Conversation(conversationID), slogx.Error(err))
	}

	slog.Info("generation completed",
		slogx.Conversation(conversationID),
		slogx.Message(messageID),
		slog.Int("chunks", out.chunks),
		slog.Bool("usage_degraded", degraded))
	return reset
}

func asGenError(err error) *chat.GenError {
	var ge *chat.GenError
	if errors.As(err, &ge) {
		return ge
	}
	return chat.WrapError(chat.ErrInternal, "Internal error", err)
}

func classifyStore(err error, detail string) *chat.GenError {
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return chat.WrapError(chat.ErrUnauthorized, "Unauthorized", err)
	case errors.Is(err, store.ErrNotFound):
		return chat.WrapError(chat.ErrNotFound, detail, err)
	default:
		return chat.WrapError(chat.ErrInternal, detail, err)
	}
}
