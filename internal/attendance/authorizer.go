package attendance

import (
	"context"
	"errors"
	"time"
)

// Authorizer decides whether a caller may issue credentials for a session.
// It has no side effects.
type Authorizer struct {
	roster  Roster
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewAuthorizer creates an authorizer backed by the roster and session store.
func NewAuthorizer(roster Roster, store Store, timeout time.Duration) *Authorizer {
	return &Authorizer{roster: roster, store: store, timeout: timeout, now: time.Now}
}

// AuthorizeCourse checks that callerID teaches courseID.
func (a *Authorizer) AuthorizeCourse(ctx context.Context, callerID, courseID string) error {
	if callerID == "" {
		return ErrUnauthenticated
	}
	if courseID == "" {
		return ErrInvalidRequest
	}
	var ok bool
	err := bounded(ctx, a.timeout, "roster_is_teacher", func(ctx context.Context) (err error) {
		ok, err = a.roster.IsTeacherOfCourse(ctx, callerID, courseID)
		return err
	})
	if err != nil {
		return transient("roster", err)
	}
	if !ok {
		return &Denied{Reason: DeniedNotTeacher}
	}
	return nil
}

// AuthorizeIssuance returns nil when callerID teaches courseID and sessionID
// belongs to that course and is currently open. Otherwise it returns a
// *Denied, ErrUnauthenticated, or a transient error.
func (a *Authorizer) AuthorizeIssuance(ctx context.Context, callerID, courseID, sessionID string) error {
	if err := a.AuthorizeCourse(ctx, callerID, courseID); err != nil {
		return err
	}
	_, err := a.openSession(ctx, courseID, sessionID)
	return err
}

func (a *Authorizer) openSession(ctx context.Context, courseID, sessionID string) (Session, error) {
	var sess Session
	err := bounded(ctx, a.timeout, "get_session", func(ctx context.Context) (err error) {
		sess, err = a.store.GetSession(ctx, sessionID)
		return err
	})
	switch {
	case errors.Is(err, ErrNoSession):
		return Session{}, &Denied{Reason: DeniedNoSession}
	case err != nil:
		return Session{}, transient("get session", err)
	}
	if sess.CourseID != courseID {
		return Session{}, &Denied{Reason: DeniedCourseMismatch}
	}
	if !sess.OpenAt(a.now()) {
		return Session{}, &Denied{Reason: DeniedSessionInactive}
	}
	return sess, nil
}
