package gen

import (
	"context"
	"errors"
	"sync"

	"github.com/loomchat/loom/chat"
	"github.com/loomchat/loom/store"
)

// Context is the resolved bundle a generation runs with. It is
// assembled once per request and owned by that orchestrator
// invocation; nothing here is persisted.
type Context struct {
	Model    chat.EnabledModel
	UserKey  string
	Rules    []chat.Rule
	Settings chat.Settings
}

// Resolver aggregates the read-side lookups a generation needs. Pure
// reads, no mutations.
type Resolver struct {
	store    store.Client
	provider string
}

func NewResolver(st store.Client, provider string) *Resolver {
	return &Resolver{store: st, provider: provider}
}

// Resolve issues the four independent lookups concurrently and merges
// the results once all complete. Any lookup failure aborts resolution;
// the returned error identifies the lookup that failed.
func (r *Resolver) Resolve(ctx context.Context, session, modelID string) (*Context, error) {
	var (
		wg sync.WaitGroup

		model    chat.EnabledModel
		modelErr error

		key    string
		keyErr error

		rules    []chat.Rule
		rulesErr error

		settings    chat.Settings
		settingsErr error
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		model, modelErr = r.store.EnabledModel(ctx, session, r.provider, modelID)
	}()
	go func() {
		defer wg.Done()
		key, keyErr = r.store.ProviderKey(ctx, session, r.provider)
	}()
	go func() {
		defer wg.Done()
		rules, rulesErr = r.store.Rules(ctx, session)
	}()
	go func() {
		defer wg.Done()
		settings, settingsErr = r.store.Settings(ctx, session)
	}()
	wg.Wait()

	if modelErr != nil {
		if errors.Is(modelErr, store.ErrNotFound) {
			return nil, chat.WrapError(chat.ErrModelNotFound, "Model not found or not enabled", modelErr)
		}
		return nil, classifyLookup("model", modelErr)
	}
	if keyErr != nil {
		return nil, classifyLookup("API key", keyErr)
	}
	if rulesErr != nil {
		return nil, classifyLookup("rules", rulesErr)
	}
	if settingsErr != nil {
		return nil, classifyLookup("user settings", settingsErr)
	}

	return &Context{
		Model:    model,
		UserKey:  key,
		Rules:    rules,
		Settings: settings,
	}, nil
}

func classifyLookup(lookup string, err error) *chat.GenError {
	if errors.Is(err, store.ErrUnauthorized) {
		return chat.WrapError(chat.ErrUnauthorized, "Unauthorized", err)
	}
	return chat.WrapError(chat.ErrInternal, lookup+" query failed", err)
}
