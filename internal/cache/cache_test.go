package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rameshkrishnan/finflow/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- List operations ---

func TestListAppendRange(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.ConversationKey("sess-" + uuid.NewString()[:8])

	require.NoError(t, rc.ListAppend(ctx, key, []byte("a"), []byte("b")))
	require.NoError(t, rc.ListAppend(ctx, key, []byte("c")))

	vals, err := rc.ListRange(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, vals)
}

func TestListRange_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	vals, err := rc.ListRange(context.Background(), "convo:empty")
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestListSet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.ConversationKey("sess-" + uuid.NewString()[:8])

	require.NoError(t, rc.ListAppend(ctx, key, []byte("a"), []byte("b"), []byte("c")))
	require.NoError(t, rc.ListSet(ctx, key, 1, []byte("B")))

	vals, err := rc.ListRange(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("B"), []byte("c")}, vals)
}

func TestListTrim_KeepsLastN(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.ConversationKey("sess-" + uuid.NewString()[:8])

	for _, v := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, rc.ListAppend(ctx, key, []byte(v)))
	}
	require.NoError(t, rc.ListTrim(ctx, key, 3))

	vals, err := rc.ListRange(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("3"), []byte("4"), []byte("5")}, vals)
}

func TestListReplace_Atomic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.ConversationKey("sess-" + uuid.NewString()[:8])

	require.NoError(t, rc.ListAppend(ctx, key, []byte("old1"), []byte("old2")))
	require.NoError(t, rc.ListReplace(ctx, key, [][]byte{[]byte("new1"), []byte("new2"), []byte("new3")}))

	vals, err := rc.ListRange(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("new1"), []byte("new2"), []byte("new3")}, vals)
}

func TestListReplace_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.ConversationKey("sess-" + uuid.NewString()[:8])

	require.NoError(t, rc.ListAppend(ctx, key, []byte("x")))
	require.NoError(t, rc.ListReplace(ctx, key, nil))

	vals, err := rc.ListRange(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, vals)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestConversationKey(t *testing.T) {
	key := cache.ConversationKey("sess-42")
	assert.Equal(t, "convo:sess-42", key)
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("ff_abcd1234")
	assert.Equal(t, "ratelimit:ff_abcd1234", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.ConversationKey("s1"):  true,
		cache.RateLimitKey("s1"):     true,
	}
	assert.Len(t, keys, 2, "all keys should be unique")
}
