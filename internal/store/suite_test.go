package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func testSession(id string) attendance.Session {
	return attendance.Session{
		ID:          id,
		CourseID:    "CS101",
		CreatedBy:   "teacher-1",
		WindowStart: t0,
		WindowEnd:   t0.Add(90 * time.Minute),
		Active:      true,
		CreatedAt:   t0,
	}
}

func testCredential(token, sessionID, studentID string, expires time.Time) attendance.Credential {
	return attendance.Credential{
		Token:     token,
		SessionID: sessionID,
		CourseID:  "CS101",
		StudentID: studentID,
		IssuedAt:  t0,
		ExpiresAt: expires,
		LateAfter: t0.Add(10 * time.Minute),
		State:     attendance.StateValid,
	}
}

func testRecord(token, sessionID, studentID string, at time.Time) attendance.Record {
	return attendance.Record{
		ID:              "rec-" + token,
		SessionID:       sessionID,
		CourseID:        "CS101",
		StudentID:       studentID,
		Status:          attendance.StatusPresent,
		Timestamp:       at,
		CredentialToken: token,
	}
}

// runStoreSuite checks the behaviour every attendance.Store backend must
// share. newStore returns an empty store.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) attendance.Store) {
	ctx := context.Background()

	t.Run("sessions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateSession(ctx, testSession("s1")))

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "CS101", got.CourseID)
		assert.True(t, got.Active)
		assert.True(t, got.WindowStart.Equal(t0))
		assert.True(t, got.WindowEnd.Equal(t0.Add(90*time.Minute)))

		require.NoError(t, s.SetSessionActive(ctx, "s1", false))
		got, err = s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, got.Active)

		_, err = s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, attendance.ErrNoSession)
		assert.ErrorIs(t, s.SetSessionActive(ctx, "missing", true), attendance.ErrNoSession)
	})

	t.Run("insert and get credential", func(t *testing.T) {
		s := newStore(t)
		c := testCredential("tok-1", "s1", "alice", t0.Add(time.Hour))
		require.NoError(t, s.InsertCredential(ctx, c))

		got, err := s.GetCredential(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.StudentID)
		assert.Equal(t, attendance.StateValid, got.State)
		assert.True(t, got.ExpiresAt.Equal(c.ExpiresAt))
		assert.True(t, got.LateAfter.Equal(c.LateAfter))
		assert.Nil(t, got.UsedAt)

		_, err = s.GetCredential(ctx, "nope")
		assert.ErrorIs(t, err, attendance.ErrNoCredential)
	})

	t.Run("insert never overwrites", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCredential(ctx, testCredential("tok-1", "s1", "alice", t0.Add(time.Hour))))

		err := s.InsertCredential(ctx, testCredential("tok-1", "s1", "bob", t0.Add(time.Hour)))
		assert.ErrorIs(t, err, attendance.ErrDuplicateToken)

		err = s.InsertCredential(ctx, testCredential("tok-2", "s1", "alice", t0.Add(time.Hour)))
		assert.ErrorIs(t, err, attendance.ErrHolderExists)

		got, err := s.GetCredential(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.StudentID)
	})

	t.Run("held credential follows valid state", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCredential(ctx, testCredential("tok-1", "s1", "alice", t0.Add(time.Hour))))

		held, err := s.HeldCredential(ctx, "s1", "alice")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", held.Token)

		_, err = s.HeldCredential(ctx, "s1", "bob")
		assert.ErrorIs(t, err, attendance.ErrNoCredential)

		ok, err := s.CompareAndSwapState(ctx, "tok-1", attendance.StateValid, attendance.StateExpired, t0)
		require.NoError(t, err)
		require.True(t, ok)

		_, err = s.HeldCredential(ctx, "s1", "alice")
		assert.ErrorIs(t, err, attendance.ErrNoCredential)

		// a fresh credential can be issued once the old one left valid
		require.NoError(t, s.InsertCredential(ctx, testCredential("tok-2", "s1", "alice", t0.Add(2*time.Hour))))
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCredential(ctx, testCredential("tok-1", "s1", "alice", t0.Add(time.Hour))))

		ok, err := s.CompareAndSwapState(ctx, "tok-1", attendance.StateExpired, attendance.StateUsed, t0)
		require.NoError(t, err)
		assert.False(t, ok, "wrong from state")

		usedAt := t0.Add(5 * time.Minute)
		ok, err = s.CompareAndSwapState(ctx, "tok-1", attendance.StateValid, attendance.StateUsed, usedAt)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompareAndSwapState(ctx, "tok-1", attendance.StateValid, attendance.StateExpired, t0)
		require.NoError(t, err)
		assert.False(t, ok, "used is terminal")

		got, err := s.GetCredential(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, attendance.StateUsed, got.State)
		require.NotNil(t, got.UsedAt)
		assert.True(t, got.UsedAt.Equal(usedAt))

		ok, err = s.CompareAndSwapState(ctx, "missing", attendance.StateValid, attendance.StateUsed, t0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("consume writes state and record together", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCredential(ctx, testCredential("tok-1", "s1", "alice", t0.Add(time.Hour))))

		at := t0.Add(3 * time.Minute)
		ok, err := s.Consume(ctx, "tok-1", testRecord("tok-1", "s1", "alice", at))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Consume(ctx, "tok-1", testRecord("tok-1", "s1", "alice", at.Add(time.Second)))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetCredential(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, attendance.StateUsed, got.State)
		require.NotNil(t, got.UsedAt)
		assert.True(t, got.UsedAt.Equal(at))

		recs, err := s.ListRecords(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "alice", recs[0].StudentID)
		assert.Equal(t, "tok-1", recs[0].CredentialToken)
		assert.True(t, recs[0].Timestamp.Equal(at))

		ok, err = s.Consume(ctx, "missing", testRecord("missing", "s1", "bob", at))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("consume is single use under contention", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCredential(ctx, testCredential("tok-1", "s1", "alice", t0.Add(time.Hour))))

		const n = 16
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				rec := testRecord("tok-1", "s1", "alice", t0.Add(time.Duration(i)*time.Second))
				rec.ID = fmt.Sprintf("rec-%d", i)
				ok, err := s.Consume(ctx, "tok-1", rec)
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		recs, err := s.ListRecords(ctx, "s1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("list expirable", func(t *testing.T) {
		s := newStore(t)
		now := t0.Add(2 * time.Hour)
		require.NoError(t, s.InsertCredential(ctx, testCredential("old-1", "s1", "a", now.Add(-time.Hour))))
		require.NoError(t, s.InsertCredential(ctx, testCredential("old-2", "s1", "b", now.Add(-time.Minute))))
		require.NoError(t, s.InsertCredential(ctx, testCredential("fresh", "s1", "c", now.Add(time.Minute))))
		require.NoError(t, s.InsertCredential(ctx, testCredential("used", "s1", "d", now.Add(-time.Hour))))
		ok, err := s.Consume(ctx, "used", testRecord("used", "s1", "d", t0))
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.ListExpirable(ctx, now, 10)
		require.NoError(t, err)
		tokens := make([]string, 0, len(got))
		for _, c := range got {
			tokens = append(tokens, c.Token)
		}
		assert.ElementsMatch(t, []string{"old-1", "old-2"}, tokens)

		got, err = s.ListExpirable(ctx, now, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("records are per session", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.InsertCredential(ctx, testCredential("a1", "s1", "alice", t0.Add(time.Hour))))
		require.NoError(t, s.InsertCredential(ctx, testCredential("b1", "s2", "bob", t0.Add(time.Hour))))
		_, err := s.Consume(ctx, "a1", testRecord("a1", "s1", "alice", t0.Add(time.Minute)))
		require.NoError(t, err)
		_, err = s.Consume(ctx, "b1", testRecord("b1", "s2", "bob", t0.Add(time.Minute)))
		require.NoError(t, err)

		recs, err := s.ListRecords(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "alice", recs[0].StudentID)

		recs, err = s.ListRecords(ctx, "none")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

// runPurgeSuite covers backends that delete terminal credentials on demand.
func runPurgeSuite(t *testing.T, newStore func(t *testing.T) attendance.Store) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.InsertCredential(ctx, testCredential("used", "s1", "a", t0.Add(time.Hour))))
	require.NoError(t, s.InsertCredential(ctx, testCredential("expired", "s1", "b", t0.Add(time.Hour))))
	require.NoError(t, s.InsertCredential(ctx, testCredential("valid", "s1", "c", t0.Add(time.Hour))))
	require.NoError(t, s.InsertCredential(ctx, testCredential("recent", "s1", "d", t0.Add(48*time.Hour))))

	_, err := s.Consume(ctx, "used", testRecord("used", "s1", "a", t0.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.CompareAndSwapState(ctx, "expired", attendance.StateValid, attendance.StateExpired, t0)
	require.NoError(t, err)
	_, err = s.CompareAndSwapState(ctx, "recent", attendance.StateValid, attendance.StateExpired, t0)
	require.NoError(t, err)

	n, err := s.PurgeTerminal(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetCredential(ctx, "used")
	assert.ErrorIs(t, err, attendance.ErrNoCredential)
	_, err = s.GetCredential(ctx, "valid")
	assert.NoError(t, err)
	_, err = s.GetCredential(ctx, "recent")
	assert.NoError(t, err)

	recs, err := s.ListRecords(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "records survive credential purge")
}
