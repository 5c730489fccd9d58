package gen

import (
	"context"
	"sync"
	"time"

	"github.com/loomchat/loom/internal/registry"
)

// Handle is the cancellation handle for one in-flight generation. Its
// context is detached from the HTTP request that started the
// generation and carries the overall wall-clock budget.
type Handle struct {
	conversationID string
	ctx            context.Context
	cancel         context.CancelFunc
	once           sync.Once
}

// Context returns the context the generation runs under. It is
// cancelled by Registry.Cancel, by a replacing Register, or by the
// wall-clock budget expiring.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) signal() { h.once.Do(h.cancel) }

// Registry maps conversation ids to in-flight cancellation handles.
// It is in-memory and non-durable: a process restart forgets in-flight
// generations. mu serializes the check-then-act sequences in Register,
// Cancel and Release so a Release of a stale handle cannot evict a
// handle a concurrent Register just stored.
type Registry struct {
	mu      sync.Mutex
	handles registry.Registry[*Handle]
	budget  time.Duration
}

// NewRegistry builds a registry. budget bounds each generation's total
// wall-clock time; zero means unbounded.
func NewRegistry(budget time.Duration) *Registry {
	return &Registry{
		handles: registry.New[*Handle](),
		budget:  budget,
	}
}

// Register creates and stores a handle for the conversation. Any prior
// handle for the same conversation is signalled before being replaced,
// so a superseded generation observes cancellation instead of running
// orphaned.
func (r *Registry) Register(conversationID string) *Handle {
	var ctx context.Context
	var cancel context.CancelFunc
	if r.budget > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), r.budget)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	h := &Handle{
		conversationID: conversationID,
		ctx:            ctx,
		cancel:         cancel,
	}

	r.mu.Lock()
	prior, hadPrior := r.handles.Get(conversationID)
	r.handles.Set(conversationID, h)
	r.mu.Unlock()
	if hadPrior {
		prior.signal()
	}
	return h
}

// Cancel signals the handle for the conversation if one is present and
// removes it. It reports whether a handle was found.
func (r *Registry) Cancel(conversationID string) bool {
	r.mu.Lock()
	h, ok := r.handles.Get(conversationID)
	if ok {
		r.handles.Del(conversationID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.signal()
	return true
}

// Release removes the handle without signalling, used on normal
// completion. A handle that was already replaced by a newer Register
// is left alone.
func (r *Registry) Release(h *Handle) {
	r.mu.Lock()
	cur, ok := r.handles.Get(h.conversationID)
	if ok && cur == h {
		r.handles.Del(h.conversationID)
	}
	r.mu.Unlock()
	// Always stop the budget timer for this handle.
	h.signal()
}

// Active reports whether a generation is registered for the
// conversation.
func (r *Registry) Active(conversationID string) bool {
	_, ok := r.handles.Get(conversationID)
	return ok
}
