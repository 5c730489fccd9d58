package gen

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomchat/loom/chat"
	"github.com/loomchat/loom/provider"
	"github.com/loomchat/loom/store"
)

// fakeStore is an in-memory store.Client with call recording. Every
// method locks, tests read the recorded state after Generator.Wait.
type fakeStore struct {
	mu sync.Mutex

	conversations map[string]*chat.Conversation
	messages      map[string]*chat.Message
	messageOrder  []string
	seq           int

	model    chat.EnabledModel
	modelErr error

	userKey string
	keyErr  error

	rules    []chat.Rule
	rulesErr error

	settings    chat.Settings
	settingsErr error

	generatingCalls []bool
	contentWrites   []string
	costs           []float64
	titles          []string
	finalized       []store.FinalizeMessageArgs
	errorsSet       []string
	increments      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]*chat.Conversation{},
		messages:      map[string]*chat.Message{},
		model:         chat.EnabledModel{ModelID: "openai/gpt-4o", Provider: "openrouter"},
	}
}

func (s *fakeStore) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *fakeStore) addMessage(msg store.CreateMessageArgs) string {
	id := s.nextID("msg")
	s.messages[id] = &chat.Message{
		ID:             id,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		ModelID:        msg.ModelID,
		Provider:       msg.Provider,
		WebSearch:      msg.WebSearch,
		Images:         msg.Images,
	}
	s.messageOrder = append(s.messageOrder, id)
	return id
}

func (s *fakeStore) CreateConversation(_ context.Context, _ string, msg store.CreateMessageArgs) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convID := s.nextID("conv")
	s.conversations[convID] = &chat.Conversation{ID: convID, Generating: true}
	msg.ConversationID = convID
	return convID, s.addMessage(msg), nil
}

func (s *fakeStore) GetConversation(_ context.Context, _ string, conversationID string) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.Conversation{}, store.ErrNotFound
	}
	return *conv, nil
}

func (s *fakeStore) SetGenerating(_ context.Context, _ string, conversationID string, generating bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.Generating = generating
	}
	s.generatingCalls = append(s.generatingCalls, generating)
	return nil
}

func (s *fakeStore) UpdateTitle(_ context.Context, _ string, _, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return nil
}

func (s *fakeStore) AddCost(_ context.Context, _ string, conversationID string, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.CostUSD += costUSD
	}
	s.costs = append(s.costs, costUSD)
	return nil
}

func (s *fakeStore) SetPublic(_ context.Context, _ string, conversationID string, public bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.Public = public
	}
	return nil
}

func (s *fakeStore) CreateMessage(_ context.Context, _ string, msg store.CreateMessageArgs) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ConversationID != "" {
		if _, ok := s.conversations[msg.ConversationID]; !ok {
			s.conversations[msg.ConversationID] = &chat.Conversation{ID: msg.ConversationID}
		}
	}
	return s.addMessage(msg), nil
}

func (s *fakeStore) ListMessages(_ context.Context, _ string, conversationID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, id := range s.messageOrder {
		if s.messages[id].ConversationID == conversationID {
			out = append(out, *s.messages[id])
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateContent(_ context.Context, _ string, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[messageID]; ok {
		msg.Content = content
	}
	s.contentWrites = append(s.contentWrites, content)
	return nil
}

func (s *fakeStore) FinalizeMessage(_ context.Context, _ string, args store.FinalizeMessageArgs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.messages[args.MessageID]; ok {
		msg.TokenCount = args.TokenCount
		msg.CostUSD = args.CostUSD
		msg.GenerationID = args.GenerationID
		msg.ContentHTML = args.ContentHTML
	}
	s.finalized = append(s.finalized, args)
	return nil
}

func (s *fakeStore) SetError(_ context.Context, _ string, conversationID, messageID, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID == "" {
		messageID = s.addMessage(store.CreateMessageArgs{ConversationID: conversationID, Role: chat.RoleAssistant})
	}
	if msg, ok := s.messages[messageID]; ok {
		msg.Error = errText
	}
	s.errorsSet = append(s.errorsSet, errText)
	return nil
}

func (s *fakeStore) EnabledModel(_ context.Context, _, _, _ string) (chat.EnabledModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.modelErr
}

func (s *fakeStore) ProviderKey(_ context.Context, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userKey, s.keyErr
}

func (s *fakeStore) Rules(_ context.Context, _ string) ([]chat.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, s.rulesErr
}

func (s *fakeStore) Settings(_ context.Context, _ string) (chat.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, s.settingsErr
}

func (s *fakeStore) IncrementFreeMessages(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.increments++
	s.settings.FreeMessagesUsed++
	return nil
}

func (s *fakeStore) snapshotErrors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.errorsSet...)
}

func (s *fakeStore) snapshotContent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.contentWrites...)
}

func (s *fakeStore) messageByRole(role chat.Role) *chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.messageOrder {
		if s.messages[id].Role == role {
			m := *s.messages[id]
			return &m
		}
	}
	return nil
}

var _ store.Client = (*fakeStore)(nil)

// fakeProvider scripts the completion stream. When stream is set the
// test owns the channel; when produce is set it runs as the producing
// goroutine over a small buffered channel, mirroring the real
// provider; otherwise scripted events are replayed and the channel
// closed.
type fakeProvider struct {
	mu sync.Mutex

	events  []provider.StreamEvent
	stream  chan provider.StreamEvent
	produce func(ctx context.Context, ch chan<- provider.StreamEvent)
	chatErr error

	chatCalls  int
	lastParams provider.CompletionParams

	completeText   string
	completeErr    error
	completeParams []provider.CompletionParams

	stats      provider.GenerationStats
	statsErrs  []error
	statsCalls int
}

func (p *fakeProvider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatCalls++
	p.lastParams = params
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	if p.stream != nil {
		return p.stream, nil
	}
	if p.produce != nil {
		ch := make(chan provider.StreamEvent, 10)
		producer := p.produce
		go func() {
			defer close(ch)
			producer(ctx, ch)
		}()
		return ch, nil
	}
	ch := make(chan provider.StreamEvent, len(p.events))
	for _, ev := range p.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (p *fakeProvider) Complete(_ context.Context, params provider.CompletionParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completeParams = append(p.completeParams, params)
	return p.completeText, p.completeErr
}

func (p *fakeProvider) GenerationStats(_ context.Context, _, _ string) (provider.GenerationStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := p.statsCalls
	p.statsCalls++
	if call < len(p.statsErrs) {
		return provider.GenerationStats{}, p.statsErrs[call]
	}
	return p.stats, nil
}

func (p *fakeProvider) completionCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chatCalls
}

func (p *fakeProvider) params() provider.CompletionParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastParams
}

var _ provider.Provider = (*fakeProvider)(nil)
