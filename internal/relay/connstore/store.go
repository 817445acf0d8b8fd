// Package connstore records which cluster node owns each hub's
// persistent channel. Ownership lives in Redis under a TTL so that a
// crashed node never leaves an orphan lock: the owning node must keep
// renewing, and everyone else observes expiry.
package connstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld is returned by Acquire when another connection
	// already owns the hub.
	ErrLockHeld = errors.New("connection lock already held")

	// ErrLockLost is returned by Renew when the stored connection id
	// no longer matches, meaning ownership moved or expired.
	ErrLockLost = errors.New("connection lock lost")
)

// Ownership is the distributed record for one live hub channel.
type Ownership struct {
	ConnectionID string    `json:"connection_id"`
	NodeAddr     string    `json:"node_addr"`
	Version      string    `json:"version,omitempty"`
	Since        time.Time `json:"since"`
}

// renewScript extends the TTL only while the stored connection id
// still matches; otherwise the lock belongs to someone else.
var renewScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local rec = cjson.decode(v)
if rec['connection_id'] ~= ARGV[1] then return 0 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// releaseScript deletes the record only while the stored connection
// id still matches. Mismatch is a silent no-op: a replacement session
// already owns the key.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local rec = cjson.decode(v)
if rec['connection_id'] ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1])
return 1
`)

// Store is the Redis-backed ConnectionStore.
type Store struct {
	client  redis.UniversalClient
	lockTTL time.Duration
}

// New creates a Store. lockTTL bounds how long a crashed node's
// ownership record survives.
func New(client redis.UniversalClient, lockTTL time.Duration) *Store {
	return &Store{client: client, lockTTL: lockTTL}
}

// LockTTL returns the configured ownership expiry.
func (s *Store) LockTTL() time.Duration { return s.lockTTL }

func keyConn(hubID string) string { return "habrelay:conn:" + hubID }
func keyBlock(uuid string) string { return "habrelay:block:" + uuid }

// Acquire atomically inserts ownership for hubID if absent. Returns
// ErrLockHeld when another connection already owns it.
func (s *Store) Acquire(ctx context.Context, hubID string, own Ownership) error {
	if own.Since.IsZero() {
		own.Since = time.Now().UTC()
	}
	data, err := json.Marshal(own)
	if err != nil {
		return fmt.Errorf("marshal ownership: %w", err)
	}
	ok, err := s.client.SetNX(ctx, keyConn(hubID), data, s.lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire %s: %w", hubID, err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Renew extends the ownership TTL, compare-and-extend on the
// connection id. Returns ErrLockLost when the id no longer matches.
func (s *Store) Renew(ctx context.Context, hubID, connectionID string) error {
	n, err := renewScript.Run(ctx, s.client, []string{keyConn(hubID)},
		connectionID, s.lockTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew %s: %w", hubID, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Release deletes the ownership record, compare-and-delete on the
// connection id. A mismatch is a silent no-op.
func (s *Store) Release(ctx context.Context, hubID, connectionID string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{keyConn(hubID)},
		connectionID).Int(); err != nil {
		return fmt.Errorf("release %s: %w", hubID, err)
	}
	return nil
}

// Lookup reads the current ownership for hubID, or nil when the hub
// is offline.
func (s *Store) Lookup(ctx context.Context, hubID string) (*Ownership, error) {
	val, err := s.client.Get(ctx, keyConn(hubID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", hubID, err)
	}
	var own Ownership
	if err := json.Unmarshal([]byte(val), &own); err != nil {
		return nil, fmt.Errorf("decode ownership for %s: %w", hubID, err)
	}
	return &own, nil
}

// Block quarantines a hub uuid for ttl: its channel handshakes are
// rejected until the record expires.
func (s *Store) Block(ctx context.Context, uuid, reason string, ttl time.Duration) error {
	if err := s.client.Set(ctx, keyBlock(uuid), reason, ttl).Err(); err != nil {
		return fmt.Errorf("block %s: %w", uuid, err)
	}
	return nil
}

// IsBlocked reports whether uuid is quarantined, with the stored
// reason and remaining TTL.
func (s *Store) IsBlocked(ctx context.Context, uuid string) (bool, string, time.Duration, error) {
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, keyBlock(uuid))
	ttlCmd := pipe.TTL(ctx, keyBlock(uuid))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, "", 0, fmt.Errorf("check block %s: %w", uuid, err)
	}
	reason, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return false, "", 0, nil
	}
	if err != nil {
		return false, "", 0, fmt.Errorf("check block %s: %w", uuid, err)
	}
	ttl, _ := ttlCmd.Result()
	return true, reason, ttl, nil
}
