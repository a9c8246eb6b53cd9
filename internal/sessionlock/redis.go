package sessionlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// BackendRedis names the distributed backend.
const BackendRedis = "redis"

// redisAcquireScript grants KEYS[1] to ARGV[1] for ARGV[2] ms when it is free or ARGV[3] is "1".
// KEYS[2] holds the fencing counter, raised to at least ARGV[4] before use.
var redisAcquireScript = redis.NewScript(`
local holder = redis.call("GET", KEYS[1])
if holder and ARGV[3] ~= "1" then
  return {"", ""}
end
local current = tonumber(redis.call("GET", KEYS[2]) or "0")
local token
if current < tonumber(ARGV[4]) then
  redis.call("SET", KEYS[2], ARGV[4])
  token = ARGV[4]
else
  token = redis.call("INCR", KEYS[2])
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return {token, holder or ""}
`)

var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker keeps leases in Redis so several processes share one lock per user.
// Redis has no blocking wait on a key, so waiters poll.
type RedisLocker struct {
	client       *redis.Client
	prefix       string
	waitTimeout  time.Duration
	maxHold      time.Duration
	pollInterval time.Duration
	nowFn        func() time.Time
}

// NewRedisLocker constructs a RedisLocker.
func NewRedisLocker(client *redis.Client, prefix string, waitTimeout, maxHold, pollInterval time.Duration, nowFn func() time.Time) *RedisLocker {
	if nowFn == nil {
		nowFn = time.Now
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if maxHold <= 0 {
		maxHold = 30 * time.Second
	}
	return &RedisLocker{
		client:       client,
		prefix:       strings.TrimSpace(prefix),
		waitTimeout:  waitTimeout,
		maxHold:      maxHold,
		pollInterval: pollInterval,
		nowFn:        nowFn,
	}
}

// Name implements Locker.
func (l *RedisLocker) Name() string { return BackendRedis }

// Acquire polls for key until the wait timeout, then takes it over.
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string) (Lease, error) {
	if l == nil || l.client == nil {
		return Lease{}, ErrBackendUnavailable
	}
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.NewTimer(l.waitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		lease, ok, errTry := l.try(ctx, key, owner, false)
		if errTry != nil {
			return Lease{}, errTry
		}
		if ok {
			return lease, nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			lease, _, errForce := l.try(ctx, key, owner, true)
			if errForce != nil {
				return Lease{}, errForce
			}
			return lease, nil
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		}
	}
}

// Release deletes the lock only if owner still holds it.
func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	if l == nil || l.client == nil {
		return ErrBackendUnavailable
	}
	deleted, errRun := redisReleaseScript.Run(ctx, l.client, []string{l.lockKey(lease.Key)}, lease.Owner).Int64()
	if errRun != nil {
		return fmt.Errorf("%w: release: %v", ErrBackendUnavailable, errRun)
	}
	if deleted == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLocker) try(ctx context.Context, key, owner string, force bool) (Lease, bool, error) {
	now := l.nowFn().UTC()
	forceArg := "0"
	if force {
		forceArg = "1"
	}
	floor := strconv.FormatUint(nextToken(0, now), 10)
	res, errRun := redisAcquireScript.Run(
		ctx,
		l.client,
		[]string{l.lockKey(key), l.fenceKey(key)},
		owner,
		l.maxHold.Milliseconds(),
		forceArg,
		floor,
	).Slice()
	if errRun != nil {
		return Lease{}, false, fmt.Errorf("%w: acquire: %v", ErrBackendUnavailable, errRun)
	}
	if len(res) != 2 {
		return Lease{}, false, fmt.Errorf("%w: unexpected acquire reply", ErrBackendUnavailable)
	}
	token, errToken := parseToken(res[0])
	if errToken != nil {
		return Lease{}, false, errToken
	}
	if token == 0 {
		return Lease{}, false, nil
	}
	previous, _ := res[1].(string)
	return Lease{
		Key:           key,
		Token:         token,
		Owner:         owner,
		Backend:       BackendRedis,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(l.maxHold),
		Forced:        previous != "",
		PreviousOwner: previous,
	}, true, nil
}

func parseToken(raw any) (uint64, error) {
	switch v := raw.(type) {
	case int64:
		if v < 0 {
			return 0, errors.New("sessionlock: negative fencing token")
		}
		return uint64(v), nil
	case string:
		if v == "" {
			return 0, nil
		}
		parsed, errParse := strconv.ParseUint(v, 10, 64)
		if errParse != nil {
			return 0, fmt.Errorf("sessionlock: parse fencing token: %w", errParse)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("sessionlock: unexpected fencing token type %T", raw)
	}
}

func (l *RedisLocker) lockKey(key string) string {
	if l.prefix == "" {
		return "lock:" + key
	}
	return l.prefix + ":lock:" + key
}

func (l *RedisLocker) fenceKey(key string) string {
	if l.prefix == "" {
		return "fence:" + key
	}
	return l.prefix + ":fence:" + key
}
