package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return m, client
}

func TestRedisStoreOnMiniredis(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) attendance.Store {
		_, client := newMiniRedis(t)
		return NewRedis(client, "test", 0)
	})
}

func TestRedisTerminalCredentialsExpireAfterRetention(t *testing.T) {
	ctx := context.Background()
	m, client := newMiniRedis(t)
	s := NewRedis(client, "qa", time.Hour)

	now := time.Now().UTC()
	m.SetTime(now)
	require.NoError(t, s.CreateSession(ctx, testSession("s1")))
	used := testCredential("used", "s1", "alice", now.Add(30*time.Minute))
	valid := testCredential("valid", "s1", "bob", now.Add(30*time.Minute))
	require.NoError(t, s.InsertCredential(ctx, used))
	require.NoError(t, s.InsertCredential(ctx, valid))

	ok, err := s.Consume(ctx, "used", testRecord("used", "s1", "alice", now))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Greater(t, m.TTL(s.credKey("used")), time.Duration(0))
	assert.Equal(t, time.Duration(0), m.TTL(s.credKey("valid")), "valid credentials never expire on their own")

	m.FastForward(2 * time.Hour)
	_, err = s.GetCredential(ctx, "used")
	assert.ErrorIs(t, err, attendance.ErrNoCredential)

	recs, err := s.ListRecords(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "records outlive their credential")

	_, err = s.GetCredential(ctx, "valid")
	assert.NoError(t, err)
}

func TestRedisListExpirableDropsDanglingIndex(t *testing.T) {
	ctx := context.Background()
	m, client := newMiniRedis(t)
	s := NewRedis(client, "qa", 0)

	require.NoError(t, s.InsertCredential(ctx, testCredential("gone", "s1", "alice", t0)))
	m.Del(s.credKey("gone"))

	due, err := s.ListExpirable(ctx, t0.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	members, err := m.ZMembers(s.expiryKey())
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestRedisHealthy(t *testing.T) {
	_, client := newMiniRedis(t)
	assert.True(t, Healthy(context.Background(), client))

	bad := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { _ = bad.Close() })
	assert.False(t, Healthy(context.Background(), bad))
	assert.False(t, Healthy(context.Background(), nil))
}

func TestRedisListExpirableFillsPagePastDanglingEntries(t *testing.T) {
	ctx := context.Background()
	m, client := newMiniRedis(t)
	s := NewRedis(client, "qa", 0)

	require.NoError(t, s.InsertCredential(ctx, testCredential("gone-1", "s1", "alice", t0.Add(-3*time.Minute))))
	require.NoError(t, s.InsertCredential(ctx, testCredential("gone-2", "s1", "bob", t0.Add(-3*time.Minute))))
	require.NoError(t, s.InsertCredential(ctx, testCredential("due-1", "s1", "carol", t0.Add(-2*time.Minute))))
	require.NoError(t, s.InsertCredential(ctx, testCredential("due-2", "s1", "dave", t0.Add(-time.Minute))))
	m.Del(s.credKey("gone-1"))
	m.Del(s.credKey("gone-2"))

	due, err := s.ListExpirable(ctx, t0, 2)
	require.NoError(t, err)
	tokens := make([]string, 0, len(due))
	for _, c := range due {
		tokens = append(tokens, c.Token)
	}
	assert.ElementsMatch(t, []string{"due-1", "due-2"}, tokens)
}

func TestRedisListExpirableSameMillisecondBoundary(t *testing.T) {
	ctx := context.Background()
	_, client := newMiniRedis(t)
	s := NewRedis(client, "qa", 0)

	require.NoError(t, s.InsertCredential(ctx, testCredential("due", "s1", "alice", t0.Add(-time.Minute))))
	require.NoError(t, s.InsertCredential(ctx, testCredential("later", "s1", "bob", t0.Add(700*time.Microsecond))))

	due, err := s.ListExpirable(ctx, t0.Add(500*time.Microsecond), 2)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].Token)
}
