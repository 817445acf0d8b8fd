package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	hub string

	mu      sync.Mutex
	reasons []string
}

func (f *fakeSession) HubID() string { return f.hub }

func (f *fakeSession) Close(reason string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
}

func (f *fakeSession) closedWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func TestRegisterAndGet(t *testing.T) {
	r := New[*fakeSession]()
	s := &fakeSession{hub: "hub-1"}

	assert.Nil(t, r.Register(s))
	assert.Same(t, s, r.Get("hub-1"))
	assert.Nil(t, r.Get("hub-2"))
	assert.Equal(t, 1, r.Len())
}

func TestRegisterReturnsDisplaced(t *testing.T) {
	r := New[*fakeSession]()
	old := &fakeSession{hub: "hub-1"}
	replacement := &fakeSession{hub: "hub-1"}

	require.Nil(t, r.Register(old))
	assert.Same(t, old, r.Register(replacement))
	assert.Same(t, replacement, r.Get("hub-1"))
	assert.Equal(t, 1, r.Len())
}

func TestRegisterSameSessionTwice(t *testing.T) {
	r := New[*fakeSession]()
	s := &fakeSession{hub: "hub-1"}

	require.Nil(t, r.Register(s))
	assert.Nil(t, r.Register(s))
}

func TestUnregisterComparesSession(t *testing.T) {
	r := New[*fakeSession]()
	old := &fakeSession{hub: "hub-1"}
	replacement := &fakeSession{hub: "hub-1"}

	r.Register(old)
	r.Register(replacement)

	// The displaced session's deferred teardown must not evict its
	// replacement.
	assert.False(t, r.Unregister("hub-1", old))
	assert.Same(t, replacement, r.Get("hub-1"))

	assert.True(t, r.Unregister("hub-1", replacement))
	assert.Nil(t, r.Get("hub-1"))
	assert.False(t, r.Unregister("hub-1", replacement))
}

func TestCloseAll(t *testing.T) {
	r := New[*fakeSession]()
	sessions := make([]*fakeSession, 10)
	for i := range sessions {
		sessions[i] = &fakeSession{hub: fmt.Sprintf("hub-%d", i)}
		r.Register(sessions[i])
	}

	r.CloseAll("shutting down")

	for _, s := range sessions {
		assert.Equal(t, []string{"shutting down"}, s.closedWith())
	}
}

func TestLenAcrossShards(t *testing.T) {
	r := New[*fakeSession]()
	for i := 0; i < 500; i++ {
		r.Register(&fakeSession{hub: fmt.Sprintf("hub-%d", i)})
	}
	assert.Equal(t, 500, r.Len())
}
