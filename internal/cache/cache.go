package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"kasirinaja/retailpos/internal/domain"
)

// Key identifies one cached analytics snapshot.
type Key struct {
	Kind       string
	PeriodDays int
	Scope      string
}

func (k Key) String() string {
	return k.Kind + ":" + strconv.Itoa(k.PeriodDays) + ":" + k.Scope
}

type Entry struct {
	Data       domain.AnalyticsSnapshot `json:"data"`
	ComputedAt time.Time                `json:"computed_at"`
	ExpiresAt  time.Time                `json:"expires_at"`
}

func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// SnapshotCache stores computed analytics. Get reports false for missing and
// expired entries alike.
type SnapshotCache interface {
	Get(ctx context.Context, key Key) (*Entry, bool, error)
	Set(ctx context.Context, key Key, entry Entry) error
	Expire(ctx context.Context, key Key) error
	Clear(ctx context.Context) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) Get(_ context.Context, _ Key) (*Entry, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) Set(_ context.Context, _ Key, _ Entry) error {
	return nil
}

func (NoopSnapshotCache) Expire(_ context.Context, _ Key) error {
	return nil
}

func (NoopSnapshotCache) Clear(_ context.Context) error {
	return nil
}

// MemoryCache is a process-local SnapshotCache. A non-zero sweep interval
// starts a goroutine that drops expired entries until Close.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	now     func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func NewMemoryCache(sweepEvery time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[Key]Entry),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if sweepEvery <= 0 {
		close(c.done)
		return c
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key Key) (*Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || entry.Expired(c.now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key Key, entry Entry) error {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Expire(_ context.Context, key Key) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[Key]Entry)
	c.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (c *MemoryCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}
