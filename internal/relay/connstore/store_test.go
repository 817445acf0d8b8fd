package connstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, 5*time.Minute), mr
}

func TestAcquireAndLookup(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{
		ConnectionID: "conn-a",
		NodeAddr:     "10.0.0.1:8080",
		Version:      "4.1.0",
	}))

	own, err := store.Lookup(ctx, "hub-1")
	require.NoError(t, err)
	require.NotNil(t, own)
	assert.Equal(t, "conn-a", own.ConnectionID)
	assert.Equal(t, "10.0.0.1:8080", own.NodeAddr)
	assert.Equal(t, "4.1.0", own.Version)
	assert.False(t, own.Since.IsZero())
}

func TestAcquireWhileHeld(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-a", NodeAddr: "n1"}))
	err := store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-b", NodeAddr: "n2"})
	require.ErrorIs(t, err, ErrLockHeld)

	// The original owner is untouched.
	own, err := store.Lookup(ctx, "hub-1")
	require.NoError(t, err)
	assert.Equal(t, "conn-a", own.ConnectionID)
}

func TestLookupOffline(t *testing.T) {
	store, _ := newTestStore(t)

	own, err := store.Lookup(context.Background(), "hub-unknown")
	require.NoError(t, err)
	assert.Nil(t, own)
}

func TestRenewExtendsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-a", NodeAddr: "n1"}))

	// Walk the clock to just short of expiry, renew, walk again: the
	// record must survive past the original deadline.
	mr.FastForward(4 * time.Minute)
	require.NoError(t, store.Renew(ctx, "hub-1", "conn-a"))
	mr.FastForward(4 * time.Minute)

	own, err := store.Lookup(ctx, "hub-1")
	require.NoError(t, err)
	require.NotNil(t, own)
}

func TestRenewLostAfterExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-a", NodeAddr: "n1"}))
	mr.FastForward(6 * time.Minute)

	require.ErrorIs(t, store.Renew(ctx, "hub-1", "conn-a"), ErrLockLost)
}

func TestRenewWrongConnection(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-a", NodeAddr: "n1"}))
	mr.FastForward(6 * time.Minute)
	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-b", NodeAddr: "n2"}))

	// The stale session's renewal must not extend the new owner's lock.
	require.ErrorIs(t, store.Renew(ctx, "hub-1", "conn-a"), ErrLockLost)
	require.NoError(t, store.Renew(ctx, "hub-1", "conn-b"))
}

func TestReleaseThenReacquire(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-a", NodeAddr: "n1"}))
	require.NoError(t, store.Release(ctx, "hub-1", "conn-a"))

	own, err := store.Lookup(ctx, "hub-1")
	require.NoError(t, err)
	assert.Nil(t, own)

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-b", NodeAddr: "n1"}))
}

func TestReleaseWrongConnectionIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Acquire(ctx, "hub-1", Ownership{ConnectionID: "conn-a", NodeAddr: "n1"}))

	// A displaced session releasing after its replacement acquired must
	// not delete the replacement's record.
	require.NoError(t, store.Release(ctx, "hub-1", "conn-stale"))

	own, err := store.Lookup(ctx, "hub-1")
	require.NoError(t, err)
	require.NotNil(t, own)
	assert.Equal(t, "conn-a", own.ConnectionID)
}

func TestBlockAndExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	blocked, _, _, err := store.IsBlocked(ctx, "uuid-1")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, store.Block(ctx, "uuid-1", "credential stuffing", time.Hour))

	blocked, reason, ttl, err := store.IsBlocked(ctx, "uuid-1")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, "credential stuffing", reason)
	assert.Greater(t, ttl, 30*time.Minute)

	mr.FastForward(2 * time.Hour)

	blocked, _, _, err = store.IsBlocked(ctx, "uuid-1")
	require.NoError(t, err)
	assert.False(t, blocked)
}
