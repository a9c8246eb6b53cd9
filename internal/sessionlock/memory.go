package sessionlock

import (
	"context"
	"sync"
	"time"
)

// BackendMemory names the in-process backend.
const BackendMemory = "memory"

type memoryEntry struct {
	lease    Lease
	released chan struct{}
	timer    *time.Timer
}

// MemoryLocker keeps leases in process. Waiters block on the holder's release
// channel instead of polling.
type MemoryLocker struct {
	waitTimeout   time.Duration
	maxHold       time.Duration
	nowFn         func() time.Time
	onAutoRelease func(Lease)

	mu        sync.Mutex
	entries   map[string]*memoryEntry
	lastToken uint64
}

// NewMemoryLocker constructs a MemoryLocker. onAutoRelease may be nil.
func NewMemoryLocker(waitTimeout, maxHold time.Duration, nowFn func() time.Time, onAutoRelease func(Lease)) *MemoryLocker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryLocker{
		waitTimeout:   waitTimeout,
		maxHold:       maxHold,
		nowFn:         nowFn,
		onAutoRelease: onAutoRelease,
		entries:       make(map[string]*memoryEntry),
	}
}

// Name implements Locker.
func (l *MemoryLocker) Name() string { return BackendMemory }

// Acquire waits up to the wait timeout for key, then takes it over from the current holder.
func (l *MemoryLocker) Acquire(ctx context.Context, key, owner string) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.NewTimer(l.waitTimeout)
	defer deadline.Stop()

	timedOut := false
	for {
		l.mu.Lock()
		entry := l.entries[key]
		if entry == nil {
			lease := l.grantLocked(key, owner, "")
			l.mu.Unlock()
			return lease, nil
		}
		if timedOut {
			previous := entry.lease.Owner
			l.dropLocked(key, entry)
			lease := l.grantLocked(key, owner, previous)
			l.mu.Unlock()
			return lease, nil
		}
		released := entry.released
		l.mu.Unlock()

		select {
		case <-released:
		case <-deadline.C:
			timedOut = true
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		}
	}
}

// Release drops the lease if it is still the current holder of its key.
func (l *MemoryLocker) Release(_ context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entries[lease.Key]
	if entry == nil || entry.lease.Token != lease.Token {
		return ErrLeaseLost
	}
	l.dropLocked(lease.Key, entry)
	return nil
}

// Held reports whether key currently has a holder.
func (l *MemoryLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[key] != nil
}

func (l *MemoryLocker) grantLocked(key, owner, previousOwner string) Lease {
	now := l.nowFn().UTC()
	l.lastToken = nextToken(l.lastToken, now)
	lease := Lease{
		Key:           key,
		Token:         l.lastToken,
		Owner:         owner,
		Backend:       BackendMemory,
		AcquiredAt:    now,
		ExpiresAt:     now.Add(l.maxHold),
		Forced:        previousOwner != "",
		PreviousOwner: previousOwner,
	}
	entry := &memoryEntry{lease: lease, released: make(chan struct{})}
	if l.maxHold > 0 {
		token := lease.Token
		entry.timer = time.AfterFunc(l.maxHold, func() { l.expire(key, token) })
	}
	l.entries[key] = entry
	return lease
}

func (l *MemoryLocker) dropLocked(key string, entry *memoryEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	close(entry.released)
	delete(l.entries, key)
}

// expire releases a lease whose holder exceeded the max hold duration.
func (l *MemoryLocker) expire(key string, token uint64) {
	l.mu.Lock()
	entry := l.entries[key]
	if entry == nil || entry.lease.Token != token {
		l.mu.Unlock()
		return
	}
	lease := entry.lease
	l.dropLocked(key, entry)
	l.mu.Unlock()

	if l.onAutoRelease != nil {
		l.onAutoRelease(lease)
	}
}
