// Package registry is the node-local map from hub id to live session.
// At most one session per hub id exists on a node at any instant;
// registering a replacement returns the displaced session so the
// caller can tear it down.
package registry

import "sync"

// Session is what the registry needs from its entries. Satisfied by
// *session.Session.
type Session interface {
	comparable
	HubID() string
	Close(reason string)
}

const shardCount = 64

type shard[S Session] struct {
	mu       sync.RWMutex
	sessions map[string]S
}

// Registry tracks the sessions hosted by this node. Sharded to keep
// lock contention flat with tens of thousands of concurrent hubs.
type Registry[S Session] struct {
	shards [shardCount]shard[S]
}

// New creates an empty Registry.
func New[S Session]() *Registry[S] {
	r := &Registry[S]{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]S)
	}
	return r
}

func (r *Registry[S]) shardFor(hubID string) *shard[S] {
	return &r.shards[fnv32(hubID)%shardCount]
}

// Register installs s as the session for its hub id, returning any
// displaced previous session (the zero value when there was none).
func (r *Registry[S]) Register(s S) S {
	sh := r.shardFor(s.HubID())
	sh.mu.Lock()
	prev := sh.sessions[s.HubID()]
	sh.sessions[s.HubID()] = s
	sh.mu.Unlock()
	if prev == s {
		var zero S
		return zero
	}
	return prev
}

// Unregister removes s only if it is still the registered session for
// hubID. This keeps a stale session's deferred teardown from removing
// its replacement. Returns true when the session was removed.
func (r *Registry[S]) Unregister(hubID string, s S) bool {
	sh := r.shardFor(hubID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sessions[hubID] == s {
		delete(sh.sessions, hubID)
		return true
	}
	return false
}

// Get returns the live session for hubID, or the zero value.
func (r *Registry[S]) Get(hubID string) S {
	sh := r.shardFor(hubID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[hubID]
}

// Len reports how many sessions are registered.
func (r *Registry[S]) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// CloseAll requests teardown of every registered session. Used during
// graceful shutdown.
func (r *Registry[S]) CloseAll(reason string) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		sessions := make([]S, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			sessions = append(sessions, s)
		}
		sh.mu.RUnlock()
		for _, s := range sessions {
			s.Close(reason)
		}
	}
}

// fnv32 hashes a hub id for shard selection.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
