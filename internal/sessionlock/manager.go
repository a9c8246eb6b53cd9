package sessionlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/metrics"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisBreakerDuration = 30 * time.Second

// RedisClientFactory constructs a Redis client for the given options.
type RedisClientFactory func(options *redis.Options) *redis.Client

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for leases and the breaker.
func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// WithMetrics records acquisitions and releases.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithRedisClientFactory overrides how the Redis client is built.
func WithRedisClientFactory(factory RedisClientFactory) Option {
	return func(m *Manager) {
		if factory != nil {
			m.newRedisClient = factory
		}
	}
}

// Manager runs functions under a per-user lease using the best available backend.
// The Redis backend is preferred when configured; on failure the in-memory backend
// takes over until the breaker resets.
type Manager struct {
	cfg            config.SessionLockConfig
	nowFn          func() time.Time
	metrics        *metrics.Metrics
	memory         *MemoryLocker
	newRedisClient RedisClientFactory

	mu           sync.Mutex
	redisLocker  *RedisLocker
	breakerUntil time.Time
}

// NewManager constructs a Manager from the session-lock config.
func NewManager(cfg config.SessionLockConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:            cfg,
		nowFn:          time.Now,
		newRedisClient: redis.NewClient,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.memory = NewMemoryLocker(cfg.WaitTimeout, cfg.MaxHold, m.nowFn, m.onAutoRelease)
	return m
}

// WithLock runs fn while holding the lease for userID. Nested calls for the same
// user on a context that already carries the lease run fn directly.
// The lease is released when fn returns or panics.
func (m *Manager) WithLock(ctx context.Context, userID uint64, op string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	key := KeyForUser(userID)
	if lease, ok := LeaseFromContext(ctx, key); ok {
		m.metrics.RecordLockAcquired(lease.Backend, metrics.LockReentry)
		return fn(ctx)
	}

	lease, locker, errAcquire := m.acquire(ctx, key)
	if errAcquire != nil {
		return errAcquire
	}
	defer m.release(locker, lease, op)

	if lease.Forced {
		m.metrics.RecordLockAcquired(locker.Name(), metrics.LockForced)
		log.WithFields(log.Fields{
			"key":            key,
			"op":             op,
			"backend":        locker.Name(),
			"previous_owner": lease.PreviousOwner,
			"token":          lease.Token,
		}).Warn("session lock: wait timed out, forcing takeover")
	} else {
		m.metrics.RecordLockAcquired(locker.Name(), metrics.LockAcquired)
	}

	return fn(ContextWithLease(ctx, lease))
}

func (m *Manager) acquire(ctx context.Context, key string) (Lease, Locker, error) {
	owner := uuid.NewString()
	if m.cfg.Backend == config.LockBackendRedis {
		now := m.nowFn()
		if !m.isBreakerActive(now) {
			locker, errEnsure := m.ensureRedis(ctx)
			if errEnsure == nil {
				lease, errAcquire := locker.Acquire(ctx, key, owner)
				if errAcquire == nil {
					return lease, locker, nil
				}
				if ctx.Err() != nil {
					return Lease{}, nil, errAcquire
				}
				m.tripBreaker(errAcquire, now)
			} else {
				m.tripBreaker(errEnsure, now)
			}
		}
	}
	lease, errAcquire := m.memory.Acquire(ctx, key, owner)
	if errAcquire != nil {
		return Lease{}, nil, errAcquire
	}
	return lease, m.memory, nil
}

func (m *Manager) release(locker Locker, lease Lease, op string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if errRelease := locker.Release(ctx, lease); errRelease != nil {
		entry := log.WithError(errRelease).WithFields(log.Fields{"key": lease.Key, "op": op, "token": lease.Token})
		if errors.Is(errRelease, ErrLeaseLost) {
			entry.Warn("session lock: lease was lost before release")
			return
		}
		entry.Warn("session lock: release failed")
	}
}

func (m *Manager) onAutoRelease(lease Lease) {
	m.metrics.RecordLockAutoRelease(lease.Backend)
	log.WithFields(log.Fields{
		"key":   lease.Key,
		"owner": lease.Owner,
		"token": lease.Token,
	}).Warn("session lock: max hold exceeded, lease released")
}

func (m *Manager) isBreakerActive(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakerUntil.IsZero() {
		return false
	}
	if now.Before(m.breakerUntil) {
		return true
	}
	m.breakerUntil = time.Time{}
	return false
}

func (m *Manager) tripBreaker(err error, now time.Time) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.RecordLockBackendFailure()
	if !m.breakerUntil.IsZero() && now.Before(m.breakerUntil) {
		return
	}
	m.breakerUntil = now.Add(redisBreakerDuration)
	log.WithError(err).Warn("session lock: redis unavailable, falling back to memory")
}

func (m *Manager) ensureRedis(ctx context.Context) (*RedisLocker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redisLocker != nil {
		return m.redisLocker, nil
	}
	redisCfg := m.cfg.Redis
	addr := strings.TrimSpace(redisCfg.Addr)
	if addr == "" {
		return nil, errors.New("session lock redis: missing address")
	}
	db := redisCfg.DB
	if db < 0 {
		db = 0
	}

	client := m.newRedisClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(redisCfg.Password),
		DB:       db,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if errPing := client.Ping(ctxPing).Err(); errPing != nil {
		_ = client.Close()
		return nil, errPing
	}
	m.redisLocker = NewRedisLocker(
		client,
		redisCfg.Prefix,
		m.cfg.WaitTimeout,
		m.cfg.MaxHold,
		m.cfg.PollInterval,
		m.nowFn,
	)
	return m.redisLocker, nil
}

// Close releases the Redis client, if one was opened.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redisLocker == nil || m.redisLocker.client == nil {
		return nil
	}
	errClose := m.redisLocker.client.Close()
	m.redisLocker = nil
	return errClose
}
