package gen

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCancelSignalsHandle(t *testing.T) {
	r := NewRegistry(0)
	h := r.Register("conv-1")
	require.True(t, r.Active("conv-1"))

	require.True(t, r.Cancel("conv-1"))
	assert.False(t, r.Active("conv-1"))

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("handle context not cancelled")
	}
}

func TestRegistryCancelUnknown(t *testing.T) {
	r := NewRegistry(0)
	assert.False(t, r.Cancel("missing"))
}

func TestRegistryRegisterReplacesPrior(t *testing.T) {
	r := NewRegistry(0)
	first := r.Register("conv-1")
	second := r.Register("conv-1")

	select {
	case <-first.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("superseded handle not cancelled")
	}
	select {
	case <-second.Context().Done():
		t.Fatal("replacement handle must stay live")
	default:
	}
}

func TestRegistryReleaseIgnoresReplacedHandle(t *testing.T) {
	r := NewRegistry(0)
	first := r.Register("conv-1")
	second := r.Register("conv-1")

	// The superseded generation releasing its own handle must not
	// evict the replacement.
	r.Release(first)
	assert.True(t, r.Active("conv-1"))

	r.Release(second)
	assert.False(t, r.Active("conv-1"))
}

func TestRegistryStaleReleaseNeverEvictsFresh(t *testing.T) {
	r := NewRegistry(0)

	// A stale Release racing a replacing Register must leave the fresh
	// handle registered every time.
	for i := 0; i < 200; i++ {
		stale := r.Register("conv-1")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Release(stale)
		}()
		go func() {
			defer wg.Done()
			r.Register("conv-1")
		}()
		wg.Wait()

		require.True(t, r.Active("conv-1"))
		r.Cancel("conv-1")
	}
}

func TestRegistryBudgetExpires(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	h := r.Register("conv-1")

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("budget did not expire")
	}
}

func TestRegistryConcurrentRegisterCancel(t *testing.T) {
	r := NewRegistry(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := r.Register("conv-1")
			r.Release(h)
		}()
		go func() {
			defer wg.Done()
			r.Cancel("conv-1")
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, a fresh registration works.
	h := r.Register("conv-1")
	require.True(t, r.Active("conv-1"))
	select {
	case <-h.Context().Done():
		t.Fatal("fresh handle must not be cancelled")
	default:
	}
}
