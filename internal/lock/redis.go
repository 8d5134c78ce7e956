package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisManager keeps each lock in a Redis hash with a key TTL, so
// expiration is handled by Redis itself and a crashed node never
// leaves a permanent lock behind.
type RedisManager struct {
	client *redis.Client
	prefix string
}

func NewRedisManager(redisURL string) (*RedisManager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisManager{client: client, prefix: "lock:doc:"}, nil
}

// NewRedisManagerWithClient creates a manager from an existing client.
func NewRedisManagerWithClient(client *redis.Client) *RedisManager {
	return &RedisManager{client: client, prefix: "lock:doc:"}
}

func (m *RedisManager) key(documentID string) string {
	return m.prefix + documentID
}

// acquireScript grants or refreshes the lock atomically. Returns the
// holder's user id, which equals ARGV[1] on success.
var acquireScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "locked_by")
if owner and owner ~= ARGV[1] then
	return owner
end
redis.call("HSET", KEYS[1], "locked_by", ARGV[1])
if not owner then
	redis.call("HSET", KEYS[1], "locked_at", ARGV[3])
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return ARGV[1]
`)

// releaseScript: 1 released, 0 not owner, -1 no lock.
var releaseScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "locked_by")
if not owner then
	return -1
end
if owner ~= ARGV[1] then
	return 0
end
redis.call("DEL", KEYS[1])
return 1
`)

func (m *RedisManager) Acquire(ctx context.Context, documentID, userID string, ttl time.Duration) (Lock, error) {
	now := time.Now()
	holder, err := acquireScript.Run(ctx, m.client, []string{m.key(documentID)},
		userID, ttl.Milliseconds(), now.UnixMilli()).Text()
	if err != nil {
		return Lock{}, fmt.Errorf("acquire lock: %w", err)
	}
	if holder != userID {
		held, statusErr := m.Status(ctx, documentID)
		if statusErr == nil && held != nil {
			return Lock{}, &ConflictError{Held: *held}
		}
		return Lock{}, ErrConflict
	}

	held, err := m.Status(ctx, documentID)
	if err != nil {
		return Lock{}, err
	}
	if held == nil {
		// Expired between write and read; treat like a conflict retry.
		return Lock{}, ErrConflict
	}
	return *held, nil
}

func (m *RedisManager) Release(ctx context.Context, documentID, userID string) error {
	result, err := releaseScript.Run(ctx, m.client, []string{m.key(documentID)}, userID).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	switch result {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("document %s: %w", documentID, ErrNotOwner)
	default:
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
}

func (m *RedisManager) Status(ctx context.Context, documentID string) (*Lock, error) {
	key := m.key(documentID)
	pipe := m.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("lock status: %w", err)
	}

	fields := fieldsCmd.Val()
	owner := fields["locked_by"]
	ttl := ttlCmd.Val()
	if owner == "" || ttl <= 0 {
		return nil, nil
	}

	lockedAt := time.Now()
	if millis, err := strconv.ParseInt(fields["locked_at"], 10, 64); err == nil {
		lockedAt = time.UnixMilli(millis)
	}
	return &Lock{
		DocumentID: documentID,
		LockedBy:   owner,
		LockedAt:   lockedAt,
		ExpiresAt:  time.Now().Add(ttl),
		IsActive:   true,
	}, nil
}

func (m *RedisManager) AdminBreak(ctx context.Context, documentID string) error {
	if err := m.client.Del(ctx, m.key(documentID)).Err(); err != nil {
		return fmt.Errorf("break lock: %w", err)
	}
	return nil
}

func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
