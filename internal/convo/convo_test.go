package convo_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rameshkrishnan/finflow/internal/cache"
	"github.com/rameshkrishnan/finflow/internal/convo"
	"github.com/rameshkrishnan/finflow/internal/store"
	"github.com/rameshkrishnan/finflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("finflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, pgContainer.Terminate(ctx)) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

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

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	return rc
}

// flakyCache wraps a real cache and fails every call while tripped. It
// simulates the fast tier dropping out mid-flight.
type flakyCache struct {
	cache.Cache
	failing bool
}

var errFastTierDown = errors.New("fast tier down")

func (f *flakyCache) ListAppend(ctx context.Context, key string, values ...[]byte) error {
	if f.failing {
		return errFastTierDown
	}
	return f.Cache.ListAppend(ctx, key, values...)
}

func (f *flakyCache) ListRange(ctx context.Context, key string) ([][]byte, error) {
	if f.failing {
		return nil, errFastTierDown
	}
	return f.Cache.ListRange(ctx, key)
}

func (f *flakyCache) ListSet(ctx context.Context, key string, index int64, value []byte) error {
	if f.failing {
		return errFastTierDown
	}
	return f.Cache.ListSet(ctx, key, index, value)
}

func (f *flakyCache) ListTrim(ctx context.Context, key string, keepLast int64) error {
	if f.failing {
		return errFastTierDown
	}
	return f.Cache.ListTrim(ctx, key, keepLast)
}

func (f *flakyCache) ListReplace(ctx context.Context, key string, values [][]byte) error {
	if f.failing {
		return errFastTierDown
	}
	return f.Cache.ListReplace(ctx, key, values)
}

func userMsg(sessionID, content string) *models.Message {
	return &models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   content,
	}
}

func contents(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

// --- Append / History ---

func TestAppendHistory_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := convo.NewDualTier(setupTestDB(t), setupRedis(t), 50)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, userMsg("sess-1", "first")))
	require.NoError(t, s.Append(ctx, userMsg("sess-1", "second")))

	msgs, err := s.History(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, contents(msgs))
	assert.True(t, s.Healthy("sess-1"))
}

func TestHistory_EmptySession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := convo.NewDualTier(setupTestDB(t), setupRedis(t), 50)

	msgs, err := s.History(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestHistory_LimitReturnsLatest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := convo.NewDualTier(setupTestDB(t), setupRedis(t), 50)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Append(ctx, userMsg("sess-1", c)))
	}

	msgs, err := s.History(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, contents(msgs))
}

func TestHistory_WindowBoundsFastTier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	s := convo.NewDualTier(setupTestDB(t), rc, 3)
	ctx := context.Background()

	for _, c := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, s.Append(ctx, userMsg("sess-1", c)))
	}

	// the cached window never exceeds its bound
	raws, err := rc.ListRange(ctx, cache.ConversationKey("sess-1"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raws), 3)

	msgs, err := s.History(ctx, "sess-1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, contents(msgs))
}

func TestHistory_BeyondWindowReadsDurable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := convo.NewDualTier(setupTestDB(t), setupRedis(t), 3)
	ctx := context.Background()

	for _, c := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, s.Append(ctx, userMsg("sess-1", c)))
	}

	// the fast tier only keeps the trailing window; older turns must
	// still be readable
	msgs, err := s.History(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, contents(msgs))

	msgs, err = s.History(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "5"}, contents(msgs))
}

// --- Fast-tier failure and recovery ---

func TestHistory_FastTierFailureFallsBackToDurable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	fc := &flakyCache{Cache: setupRedis(t)}
	s := convo.NewDualTier(setupTestDB(t), fc, 50)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, userMsg("sess-1", "hello")))
	require.NoError(t, s.Append(ctx, userMsg("sess-1", "world")))
	require.True(t, s.Healthy("sess-1"))

	healthyView, err := s.History(ctx, "sess-1", 10)
	require.NoError(t, err)

	fc.failing = true

	// identical answer from the durable tier, no error surfaced
	fallbackView, err := s.History(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, contents(healthyView), contents(fallbackView))
	assert.False(t, s.Healthy("sess-1"))
}

func TestAppend_SucceedsWhileFastTierDown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	fc := &flakyCache{Cache: setupRedis(t)}
	s := convo.NewDualTier(setupTestDB(t), fc, 50)
	ctx := context.Background()

	fc.failing = true

	// the durable write is what matters; the fast tier being down is absorbed
	require.NoError(t, s.Append(ctx, userMsg("sess-1", "while down")))
	assert.False(t, s.Healthy("sess-1"))

	msgs, err := s.History(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"while down"}, contents(msgs))
}

func TestAppend_RecoveryRestoresHealthy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	fc := &flakyCache{Cache: setupRedis(t)}
	s := convo.NewDualTier(setupTestDB(t), fc, 50)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, userMsg("sess-1", "one")))
	fc.failing = true
	require.NoError(t, s.Append(ctx, userMsg("sess-1", "two")))
	require.False(t, s.Healthy("sess-1"))

	fc.failing = false

	// the next successful write rebuilds the window and re-trusts the tier
	require.NoError(t, s.Append(ctx, userMsg("sess-1", "three")))
	assert.True(t, s.Healthy("sess-1"))

	msgs, err := s.History(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, contents(msgs))
}

// --- Amend ---

func TestAmend_RewritesBothTiers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	s := convo.NewDualTier(setupTestDB(t), rc, 50)
	ctx := context.Background()

	placeholder := &models.Message{
		SessionID: "sess-1",
		Role:      models.RoleAssistant,
		Content:   "Analyzing...",
		Metadata:  json.RawMessage(`{"pending": true}`),
	}
	require.NoError(t, s.Append(ctx, userMsg("sess-1", "question")))
	require.NoError(t, s.Append(ctx, placeholder))

	final := "AAPL looks fairly valued."
	require.NoError(t, s.Amend(ctx, "sess-1", placeholder.ID, convo.Amendment{
		Content:  &final,
		Metadata: json.RawMessage(`{"pending": false}`),
	}))

	msgs, err := s.History(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, final, msgs[1].Content)
	assert.JSONEq(t, `{"pending": false}`, string(msgs[1].Metadata))
	assert.True(t, s.Healthy("sess-1"))

	// the cached copy was rewritten in place, not just the durable row
	raws, err := rc.ListRange(ctx, cache.ConversationKey("sess-1"))
	require.NoError(t, err)
	require.Len(t, raws, 2)
	var cached models.Message
	require.NoError(t, json.Unmarshal(raws[1], &cached))
	assert.Equal(t, final, cached.Content)
}

func TestAmend_UnknownMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := convo.NewDualTier(setupTestDB(t), setupRedis(t), 50)

	content := "nope"
	err := s.Amend(context.Background(), "sess-1", uuid.New(), convo.Amendment{Content: &content})
	assert.ErrorIs(t, err, convo.ErrMessageNotFound)
}

func TestAmend_WrongSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := convo.NewDualTier(setupTestDB(t), setupRedis(t), 50)
	ctx := context.Background()

	msg := userMsg("sess-a", "original")
	require.NoError(t, s.Append(ctx, msg))

	content := "hijacked"
	err := s.Amend(ctx, "sess-b", msg.ID, convo.Amendment{Content: &content})
	assert.ErrorIs(t, err, convo.ErrMessageNotFound)

	msgs, err := s.History(ctx, "sess-a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "original", msgs[0].Content)
}
