package gen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/internal/broker"
)

func TestStripQuotes(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Quoted Title"`, "Quoted Title"},
		{`'Single Quoted'`, "Single Quoted"},
		{`Plain Title`, "Plain Title"},
		{`"Leading only`, "Leading only"},
		{`Trailing only"`, "Trailing only"},
		{`""Double Wrapped""`, `"Double Wrapped"`},
		{`"`, ""},
		{``, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripQuotes(tt.in), "input %q", tt.in)
	}
}

func TestGenerateTitleUsesTitleModel(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{completeText: `"Weather Question"`}
	g := New(st, prov, broker.Local(), WithSharedKey("sk-shared"))

	g.generateTitle("sess-1", "conv-1", "what's the weather like?")

	prov.mu.Lock()
	require.Len(t, prov.completeParams, 1)
	params := prov.completeParams[0]
	prov.mu.Unlock()

	assert.Equal(t, defaultTitleModel, params.Model)
	assert.Equal(t, "sk-shared", params.APIKey)
	assert.EqualValues(t, 20, params.MaxTokens)
	assert.InDelta(t, 0.5, params.Temperature, 1e-9)
	require.Len(t, params.Messages, 1)
	assert.Contains(t, params.Messages[0].Content, "what's the weather like?")

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []string{"Weather Question"}, st.titles)
}

func TestGenerateTitlePrefersUserKey(t *testing.T) {
	st := newFakeStore()
	st.userKey = "sk-user"
	prov := &fakeProvider{completeText: "Greeting"}
	g := New(st, prov, broker.Local(), WithSharedKey("sk-shared"))

	g.generateTitle("sess-1", "conv-1", "hi")

	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Len(t, prov.completeParams, 1)
	assert.Equal(t, "sk-user", prov.completeParams[0].APIKey)
}

func TestGenerateTitleSkipsWithoutKey(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{completeText: "Greeting"}
	g := New(st, prov, broker.Local())

	g.generateTitle("sess-1", "conv-1", "hi")

	prov.mu.Lock()
	assert.Empty(t, prov.completeParams)
	prov.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.titles)
}

func TestGenerateTitleSwallowsEmptyResult(t *testing.T) {
	st := newFakeStore()
	prov := &fakeProvider{completeText: `""`}
	g := New(st, prov, broker.Local(), WithSharedKey("sk-shared"))

	g.generateTitle("sess-1", "conv-1", "hi")

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Empty(t, st.titles)
}
