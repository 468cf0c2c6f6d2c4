package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := c.Get(ctx, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(10 * time.Millisecond)

		val, _ = c.Get(ctx, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("RequiresKey", func(t *testing.T) {
		if err := cache.Set(ctx, "", []byte("value"), time.Minute); err == nil {
			t.Error("expected error for empty key")
		}
		if _, err := cache.Get(ctx, ""); err == nil {
			t.Error("expected error for empty key")
		}
		if _, err := cache.Observe(ctx, "", time.Now(), time.Minute); err == nil {
			t.Error("expected error for empty key")
		}
	})

	t.Run("Observe", func(t *testing.T) {
		window := time.Hour
		start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		count1, err := cache.Observe(ctx, "velocity:m1:c1", start, window)
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if count1 != 1 {
			t.Errorf("expected count 1, got %d", count1)
		}

		count2, _ := cache.Observe(ctx, "velocity:m1:c1", start.Add(time.Minute), window)
		if count2 != 2 {
			t.Errorf("expected count 2, got %d", count2)
		}

		// Still inside the window one nanosecond before it closes
		count3, _ := cache.Observe(ctx, "velocity:m1:c1", start.Add(window-time.Nanosecond), window)
		if count3 != 3 {
			t.Errorf("expected count 3 inside window, got %d", count3)
		}

		// Exactly at expiresAt a new window opens
		count4, _ := cache.Observe(ctx, "velocity:m1:c1", start.Add(window), window)
		if count4 != 1 {
			t.Errorf("expected count 1 after window reset, got %d", count4)
		}
	})

	t.Run("ObserveKeysIndependent", func(t *testing.T) {
		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		_, _ = cache.Observe(ctx, "velocity:m2:a", at, time.Hour)
		_, _ = cache.Observe(ctx, "velocity:m2:a", at, time.Hour)

		count, _ := cache.Observe(ctx, "velocity:m2:b", at, time.Hour)
		if count != 1 {
			t.Errorf("expected independent counter, got %d", count)
		}
	})

	t.Run("ObserveConcurrent", func(t *testing.T) {
		c := NewLRUCache(10)
		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = c.Observe(ctx, "velocity:m:c", at, time.Hour)
			}()
		}
		wg.Wait()

		count, _ := c.Observe(ctx, "velocity:m:c", at, time.Hour)
		if count != 51 {
			t.Errorf("expected 51 observations, got %d", count)
		}
	})

	t.Run("ObservePrunesClosedWindows", func(t *testing.T) {
		c := NewLRUCache(2)
		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

		_, _ = c.Observe(ctx, "a", at, time.Minute)
		_, _ = c.Observe(ctx, "b", at, time.Minute)
		_, _ = c.Observe(ctx, "c", at.Add(time.Hour), time.Minute)

		c.mu.Lock()
		n := len(c.counters)
		c.mu.Unlock()
		if n != 1 {
			t.Errorf("expected closed windows to be pruned, have %d counters", n)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
