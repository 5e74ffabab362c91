package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sessions manages class sessions on behalf of their teachers.
type Sessions struct {
	store   Store
	auth    *Authorizer
	timeout time.Duration
	now     func() time.Time
}

// NewSessions creates the session service.
func NewSessions(store Store, auth *Authorizer, timeout time.Duration) *Sessions {
	return &Sessions{store: store, auth: auth, timeout: timeout, now: time.Now}
}

// Open creates an active session for courseID. A zero start means now.
func (s *Sessions) Open(ctx context.Context, callerID, courseID string, start, end time.Time) (Session, error) {
	if err := s.auth.AuthorizeCourse(ctx, callerID, courseID); err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	if start.IsZero() {
		start = now
	}
	if !end.After(start) {
		return Session{}, ErrInvalidRequest
	}
	sess := Session{
		ID:          uuid.NewString(),
		CourseID:    courseID,
		CreatedBy:   callerID,
		WindowStart: start.UTC(),
		WindowEnd:   end.UTC(),
		Active:      true,
		CreatedAt:   now,
	}
	err := bounded(ctx, s.timeout, "create_session", func(ctx context.Context) error {
		return s.store.CreateSession(ctx, sess)
	})
	if err != nil {
		return Session{}, transient("create session", err)
	}
	return sess, nil
}

// Get returns a session the caller teaches.
func (s *Sessions) Get(ctx context.Context, callerID, sessionID string) (Session, error) {
	var sess Session
	err := bounded(ctx, s.timeout, "get_session", func(ctx context.Context) (err error) {
		sess, err = s.store.GetSession(ctx, sessionID)
		return err
	})
	switch {
	case errors.Is(err, ErrNoSession):
		return Session{}, &Denied{Reason: DeniedNoSession}
	case err != nil:
		return Session{}, transient("get session", err)
	}
	if err := s.auth.AuthorizeCourse(ctx, callerID, sess.CourseID); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Deactivate closes the session for further issuance. Credentials already
// issued keep their own expiry.
func (s *Sessions) Deactivate(ctx context.Context, callerID, sessionID string) error {
	if _, err := s.Get(ctx, callerID, sessionID); err != nil {
		return err
	}
	err := bounded(ctx, s.timeout, "set_session_active", func(ctx context.Context) error {
		return s.store.SetSessionActive(ctx, sessionID, false)
	})
	return transient("deactivate session", err)
}

// Attendance lists the records of a session the caller teaches.
func (s *Sessions) Attendance(ctx context.Context, callerID, sessionID string) ([]Record, error) {
	if _, err := s.Get(ctx, callerID, sessionID); err != nil {
		return nil, err
	}
	var recs []Record
	err := bounded(ctx, s.timeout, "list_records", func(ctx context.Context) (err error) {
		recs, err = s.store.ListRecords(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, transient("list records", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	return recs, nil
}
