package cancel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateAndCancel(t *testing.T) {
	r := NewRegistry(nil)

	token := r.Create("exec-1")
	assert.False(t, token.Cancelled())
	assert.False(t, r.IsCancelled("exec-1"))

	assert.True(t, r.Cancel("exec-1"))
	assert.True(t, token.Cancelled())
	assert.True(t, r.IsCancelled("exec-1"))

	select {
	case <-token.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
}

func TestRegistryCancelIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	var calls int
	r.OnCancel = func(string) { calls++ }

	r.Create("exec-1")
	assert.True(t, r.Cancel("exec-1"))
	assert.False(t, r.Cancel("exec-1"))
	assert.False(t, r.Cancel("exec-1"))
	assert.Equal(t, 1, calls, "OnCancel fires once per effective cancellation")
}

func TestRegistryCancelUnknownID(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Cancel("missing"))
	assert.False(t, r.IsCancelled("missing"))
}

func TestRegistryCreateEvictsPriorToken(t *testing.T) {
	r := NewRegistry(nil)

	first := r.Create("exec-1")
	second := r.Create("exec-1")

	assert.True(t, first.Cancelled(), "replaced token is cancelled")
	assert.False(t, second.Cancelled())

	current, ok := r.Get("exec-1")
	require.True(t, ok)
	assert.Same(t, second, current)
}

func TestRegistryGetSharesState(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("exec-1")

	observer, ok := r.Get("exec-1")
	require.True(t, ok)

	r.Cancel("exec-1")
	assert.True(t, observer.Cancelled(), "all references observe cancellation")
}

func TestGuardReleasesOnPanic(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("exec-1")

	func() {
		defer func() { _ = recover() }()
		guard := r.Guard("exec-1")
		defer guard.Release()
		panic("worker exploded")
	}()

	assert.Equal(t, 0, r.Len(), "guard removed the token on panic")
}

func TestGuardReleaseIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	r.Create("exec-1")

	guard := r.Guard("exec-1")
	guard.Release()
	guard.Release()
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "exec"
			r.Create(id)
			r.IsCancelled(id)
			r.Cancel(id)
			r.Remove(id)
		}(i)
	}
	wg.Wait()
}
