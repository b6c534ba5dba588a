package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// setupTestRedis starts an in-process Redis for unit tests.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, zerolog.Nop())
}

func TestManager_PutAndGet(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client, zerolog.Nop())
	ctx := context.Background()

	key := Key("/v1/contracts/public/10000002/", 1)
	manager.Put(ctx, key, `"abc123"`, []byte(`[{"contract_id":1}]`), 5*time.Minute)

	entry, ok := manager.Get(ctx, key)
	if !ok {
		t.Fatal("Get after Put should hit")
	}
	if string(entry.Data) != `[{"contract_id":1}]` {
		t.Errorf("Data mismatch: got %s", entry.Data)
	}
	if entry.ETag != `"abc123"` {
		t.Errorf("ETag mismatch: got %s", entry.ETag)
	}

	if ttl := mr.TTL(key); ttl != 5*time.Minute {
		t.Errorf("Redis TTL = %v, want 5m", ttl)
	}
}

func TestManager_Get_Miss(t *testing.T) {
	_, client := setupTestRedis(t)
	manager := NewManager(client, zerolog.Nop())

	if _, ok := manager.Get(context.Background(), Key("/v1/nonexistent/", 1)); ok {
		t.Error("Expected miss for unknown key")
	}
}

func TestManager_Get_ExpiresWithTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client, zerolog.Nop())
	ctx := context.Background()

	key := Key("/v1/test/", 1)
	manager.Put(ctx, key, `"e"`, []byte(`[1]`), 10*time.Second)

	mr.FastForward(11 * time.Second)

	if _, ok := manager.Get(ctx, key); ok {
		t.Error("Expected miss after TTL elapsed")
	}
}

func TestManager_Put_SkipsWithoutValidatorOrTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client, zerolog.Nop())
	ctx := context.Background()

	manager.Put(ctx, "k1", "", []byte(`[1]`), time.Minute)
	manager.Put(ctx, "k2", `"e"`, []byte(`[1]`), 0)

	if mr.Exists("k1") || mr.Exists("k2") {
		t.Error("Put should not store entries without validator or with non-positive TTL")
	}
}

func TestManager_Get_CorruptEntryIsMiss(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client, zerolog.Nop())

	if err := mr.Set("esi:broken:page=1", "{not json"); err != nil {
		t.Fatal(err)
	}

	if _, ok := manager.Get(context.Background(), "esi:broken:page=1"); ok {
		t.Error("Corrupt entry should be reported as a miss")
	}
}

func TestManager_RedisDown_DegradesToMiss(t *testing.T) {
	mr, client := setupTestRedis(t)
	manager := NewManager(client, zerolog.Nop())
	ctx := context.Background()

	mr.Close()

	// Neither call may panic or block; both degrade silently.
	manager.Put(ctx, "k", `"e"`, []byte(`[1]`), time.Minute)
	if _, ok := manager.Get(ctx, "k"); ok {
		t.Error("Expected miss when Redis is unavailable")
	}
}
