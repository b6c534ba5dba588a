package runlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupLocker(t *testing.T, ttl time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client, "", ttl, zerolog.Nop()), mr
}

func TestAcquire_SetsTokenAndTTL(t *testing.T) {
	locker, mr := setupLocker(t, 0)

	guard, err := locker.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	value, err := mr.Get(DefaultKey)
	if err != nil {
		t.Fatalf("lock key missing: %v", err)
	}
	if value != guard.Token() {
		t.Errorf("stored token = %q, want %q", value, guard.Token())
	}
	if ttl := mr.TTL(DefaultKey); ttl != DefaultTTL {
		t.Errorf("TTL = %v, want %v", ttl, DefaultTTL)
	}
}

func TestAcquire_MutualExclusion(t *testing.T) {
	locker, _ := setupLocker(t, time.Minute)
	ctx := context.Background()

	const contenders = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    int
		denied int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := locker.Acquire(ctx)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrAlreadyHeld):
				denied++
			default:
				t.Errorf("Acquire() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if won != 1 || denied != contenders-1 {
		t.Errorf("won = %d, denied = %d; want exactly one winner", won, denied)
	}
}

func TestAcquire_ReclaimedAfterTTL(t *testing.T) {
	locker, mr := setupLocker(t, time.Minute)
	ctx := context.Background()

	if _, err := locker.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := locker.Acquire(ctx); !errors.Is(err, ErrAlreadyHeld) {
		t.Fatalf("second Acquire() = %v, want ErrAlreadyHeld", err)
	}

	mr.FastForward(time.Minute + time.Second)

	if _, err := locker.Acquire(ctx); err != nil {
		t.Errorf("Acquire() after TTL = %v, want success", err)
	}
}

func TestRelease(t *testing.T) {
	locker, mr := setupLocker(t, time.Minute)
	ctx := context.Background()

	guard, err := locker.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	released, err := guard.Release(ctx)
	if err != nil || !released {
		t.Fatalf("Release() = %v, %v; want true, nil", released, err)
	}
	if mr.Exists(DefaultKey) {
		t.Error("lock key should be deleted")
	}

	// Idempotent.
	released, err = guard.Release(ctx)
	if err != nil || !released {
		t.Errorf("second Release() = %v, %v; want first result", released, err)
	}

	if _, err := locker.Acquire(ctx); err != nil {
		t.Errorf("Acquire() after release = %v", err)
	}
}

func TestRelease_DoesNotDeleteNewerHolder(t *testing.T) {
	locker, mr := setupLocker(t, time.Minute)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	current, err := locker.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after expiry = %v", err)
	}

	released, err := stale.Release(ctx)
	if err != nil {
		t.Fatalf("stale Release() error = %v", err)
	}
	if released {
		t.Error("stale guard must not release the newer lock")
	}

	holder, err := locker.Holder(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if holder != current.Token() {
		t.Errorf("Holder() = %q, want current token %q", holder, current.Token())
	}
}

func TestHolder_Free(t *testing.T) {
	locker, _ := setupLocker(t, time.Minute)

	holder, err := locker.Holder(context.Background())
	if err != nil || holder != "" {
		t.Errorf("Holder() = %q, %v; want empty", holder, err)
	}
}

func TestAcquire_RedisDown(t *testing.T) {
	locker, mr := setupLocker(t, time.Minute)
	mr.Close()

	_, err := locker.Acquire(context.Background())
	if err == nil || errors.Is(err, ErrAlreadyHeld) {
		t.Errorf("Acquire() = %v, want a connection error", err)
	}
}
