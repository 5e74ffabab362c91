package attendance_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/phuslu/log"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
	"qrattend/internal/store"
)

var (
	errStoreDown = errors.New("store unavailable")
	quietLogger  = &log.Logger{Level: log.PanicLevel}
)

// at returns 2024-03-04 hh:mm UTC.
func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 4, hh, mm, 0, 0, time.UTC)
}

type fakeRoster struct {
	teachers map[string][]string // course -> teachers
	students map[string][]string // course -> students
	err      error
}

func (r *fakeRoster) IsTeacherOfCourse(_ context.Context, userID, courseID string) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	for _, t := range r.teachers[courseID] {
		if t == userID {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRoster) ListEnrolledStudents(_ context.Context, courseID string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.students[courseID], nil
}

func newRoster() *fakeRoster {
	return &fakeRoster{
		teachers: map[string][]string{"CS101": {"prof"}, "MA201": {"other"}},
		students: map[string][]string{"CS101": {"alice", "bob", "carol"}},
	}
}

// faultyStore injects failures into an otherwise working store.
type faultyStore struct {
	attendance.Store

	getErr     error
	consumeErr error
	listErr    error
	purgeErr   error
	insertErr  map[string]error // keyed by student
	casFail    map[string]bool  // keyed by token
	block      bool             // GetCredential waits for ctx

	beforeConsume func(token string)
	consumeCalls  atomic.Int32
}

func (f *faultyStore) GetCredential(ctx context.Context, token string) (attendance.Credential, error) {
	if f.block {
		<-ctx.Done()
		return attendance.Credential{}, ctx.Err()
	}
	if f.getErr != nil {
		return attendance.Credential{}, f.getErr
	}
	return f.Store.GetCredential(ctx, token)
}

func (f *faultyStore) InsertCredential(ctx context.Context, c attendance.Credential) error {
	if err := f.insertErr[c.StudentID]; err != nil {
		return err
	}
	return f.Store.InsertCredential(ctx, c)
}

func (f *faultyStore) CompareAndSwapState(ctx context.Context, token string, from, to attendance.State, t time.Time) (bool, error) {
	if f.casFail[token] {
		return false, errStoreDown
	}
	return f.Store.CompareAndSwapState(ctx, token, from, to, t)
}

func (f *faultyStore) Consume(ctx context.Context, token string, rec attendance.Record) (bool, error) {
	f.consumeCalls.Add(1)
	if f.beforeConsume != nil {
		f.beforeConsume(token)
	}
	if f.consumeErr != nil {
		return false, f.consumeErr
	}
	return f.Store.Consume(ctx, token, rec)
}

func (f *faultyStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]attendance.Credential, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Store.ListExpirable(ctx, now, limit)
}

func (f *faultyStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	return f.Store.PurgeTerminal(ctx, before)
}

type recordedAlert struct {
	msg    string
	err    error
	extras map[string]interface{}
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (c *captureAlerter) Alert(_ context.Context, msg string, err error, extras map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, recordedAlert{msg, err, extras})
}

// fixture wires the services over one store with a controllable clock.
type fixture struct {
	store     attendance.Store
	issuer    *attendance.Issuer
	validator *attendance.Validator
	sweeper   *attendance.Sweeper
	auth      *attendance.Authorizer
	sessions  *attendance.Sessions

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func newFixture(t *testing.T, s attendance.Store, cfg attendance.IssuerConfig) *fixture {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	f := &fixture{store: s, now: at(8, 0)}
	f.auth = attendance.NewAuthorizer(newRoster(), s, time.Second)
	f.auth.SetClock(f.clock)
	f.issuer = attendance.NewIssuer(s, nil, quietLogger, cfg)
	f.issuer.SetClock(f.clock)
	f.validator = attendance.NewValidator(s, quietLogger, time.Second)
	f.sweeper = attendance.NewSweeper(s, nil, quietLogger, attendance.SweeperConfig{BatchSize: 100})
	f.sessions = attendance.NewSessions(s, f.auth, time.Second)
	f.sessions.SetClock(f.clock)
	return f
}

// openSession stores an active CS101 session for 08:00 to 09:30.
func (f *fixture) openSession(t *testing.T, id string) attendance.Session {
	t.Helper()
	sess := attendance.Session{
		ID:          id,
		CourseID:    "CS101",
		CreatedBy:   "prof",
		WindowStart: at(8, 0),
		WindowEnd:   at(9, 30),
		Active:      true,
		CreatedAt:   at(7, 55),
	}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))
	return sess
}

// issue gives each student a credential valid for validFor and returns them
// keyed by student.
func (f *fixture) issue(t *testing.T, sessionID string, validFor time.Duration, students ...string) map[string]attendance.Credential {
	t.Helper()
	res, err := f.issuer.Issue(context.Background(), attendance.IssueRequest{
		SessionID:  sessionID,
		CourseID:   "CS101",
		StudentIDs: students,
		ValidFor:   validFor,
	})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	out := make(map[string]attendance.Credential)
	for _, c := range append(res.Issued, res.Reused...) {
		out[c.StudentID] = c
	}
	return out
}
