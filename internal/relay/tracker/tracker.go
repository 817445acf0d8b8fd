// Package tracker maps in-flight request ids to their pending client
// responses. Request ids are allocated from a single process-wide
// atomic counter and are never reused within the relay's lifetime.
package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/habrelay/habrelay/internal/metrics"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

// Cause records which of the termination paths finalized a pending
// request first. Finalization is idempotent; later causes are no-ops.
type Cause int

const (
	CauseNone Cause = iota
	CauseCompleted
	CauseClientDisconnect
	CauseHubDisconnect
	CauseTimeout
)

func (c Cause) String() string {
	switch c {
	case CauseCompleted:
		return "completed"
	case CauseClientDisconnect:
		return "client-disconnect"
	case CauseHubDisconnect:
		return "hub-disconnect"
	case CauseTimeout:
		return "timeout"
	}
	return "none"
}

// Pending is one client request currently multiplexed to a hub. The
// handler goroutine that created it owns the client response writer
// and consumes Frames; the session read loop delivers into it.
type Pending struct {
	ID         int64
	HubID      string
	AcquiredAt time.Time

	lastActivity atomic.Int64 // unix nanos, refreshed on each relayed frame

	frames chan wire.Frame
	done   chan struct{}

	once  sync.Once
	cause Cause
}

// Touch refreshes the activity deadline. Called for every frame
// relayed in either direction.
func (p *Pending) Touch() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the request last saw a frame.
func (p *Pending) LastActivity() time.Time {
	return time.Unix(0, p.lastActivity.Load())
}

// Frames is the stream of response frames delivered by the hub
// session's read loop, in arrival order.
func (p *Pending) Frames() <-chan wire.Frame { return p.frames }

// Done is closed when the request is finalized by any path.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Cause returns the finalization cause. Valid only after Done is
// closed.
func (p *Pending) Cause() Cause { return p.cause }

// Deliver hands a frame to the waiting handler. It blocks until the
// handler consumes it, the request is finalized, or ctx ends; the
// block is the per-hub backpressure signal (a slow client stalls the
// session's read loop and with it every response from that hub).
func (p *Pending) Deliver(ctx context.Context, f wire.Frame) bool {
	select {
	case p.frames <- f:
		return true
	case <-p.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Finalize marks the request terminated with the given cause. Only
// the first call has any effect. Returns true when this call won.
func (p *Pending) Finalize(cause Cause) bool {
	won := false
	p.once.Do(func() {
		p.cause = cause
		close(p.done)
		won = true
	})
	return won
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	pending map[int64]*Pending
}

// Tracker is the node-local pending-request map.
type Tracker struct {
	nextID atomic.Int64
	shards [shardCount]shard
}

// New creates an empty Tracker.
func New() *Tracker {
	t := &Tracker{}
	for i := range t.shards {
		t.shards[i].pending = make(map[int64]*Pending)
	}
	return t
}

func (t *Tracker) shardFor(id int64) *shard {
	return &t.shards[uint64(id)%shardCount]
}

// Add allocates a request id and registers a Pending for it.
func (t *Tracker) Add(hubID string) *Pending {
	p := &Pending{
		ID:         t.nextID.Add(1),
		HubID:      hubID,
		AcquiredAt: time.Now(),
		frames:     make(chan wire.Frame),
		done:       make(chan struct{}),
	}
	p.Touch()
	s := t.shardFor(p.ID)
	s.mu.Lock()
	s.pending[p.ID] = p
	s.mu.Unlock()
	metrics.PendingRequests.Inc()
	return p
}

// Get returns the Pending for id, or nil.
func (t *Tracker) Get(id int64) *Pending {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[id]
}

// Remove deletes and returns the Pending for id. Idempotent: the
// second call returns nil and has no side effects.
func (t *Tracker) Remove(id int64) *Pending {
	s := t.shardFor(id)
	s.mu.Lock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.PendingRequests.Dec()
	return p
}

// CancelForHub finalizes every pending request for hubID with an
// upstream-closed cause and removes it. Idempotent under repeated
// invocation.
func (t *Tracker) CancelForHub(hubID string) int {
	var victims []*Pending
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, p := range s.pending {
			if p.HubID == hubID {
				delete(s.pending, id)
				victims = append(victims, p)
			}
		}
		s.mu.Unlock()
	}
	for _, p := range victims {
		p.Finalize(CauseHubDisconnect)
		metrics.PendingRequests.Dec()
	}
	return len(victims)
}

// Expire finalizes every pending request idle for longer than maxAge
// with a timeout cause and removes it. Returns the expired entries so
// the caller can emit cancel frames to their hubs.
func (t *Tracker) Expire(maxAge time.Duration) []*Pending {
	cutoff := time.Now().Add(-maxAge)
	var victims []*Pending
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, p := range s.pending {
			if p.LastActivity().Before(cutoff) {
				delete(s.pending, id)
				victims = append(victims, p)
			}
		}
		s.mu.Unlock()
	}
	for _, p := range victims {
		p.Finalize(CauseTimeout)
		metrics.PendingRequests.Dec()
	}
	return victims
}

// Len reports the number of requests currently in flight.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}
