package attendance

import (
	"context"
	"time"
)

// Store is the durable home of sessions, credentials and attendance records.
// It is the only shared mutable resource; implementations must make
// CompareAndSwapState and Consume atomic per token.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns ErrNoSession when id is unknown.
	GetSession(ctx context.Context, id string) (Session, error)
	SetSessionActive(ctx context.Context, id string, active bool) error

	// InsertCredential never overwrites. It fails with ErrDuplicateToken on a
	// token collision and with ErrHolderExists when the student already holds
	// a valid credential for the session.
	InsertCredential(ctx context.Context, c Credential) error
	// GetCredential returns ErrNoCredential when token is unknown.
	GetCredential(ctx context.Context, token string) (Credential, error)
	// HeldCredential returns the valid credential of studentID for sessionID,
	// or ErrNoCredential.
	HeldCredential(ctx context.Context, sessionID, studentID string) (Credential, error)
	// CompareAndSwapState moves token from one state to another only if it is
	// currently in from. UsedAt is set to at when to is StateUsed.
	CompareAndSwapState(ctx context.Context, token string, from, to State, at time.Time) (bool, error)
	// Consume atomically moves token from valid to used with UsedAt set to
	// rec.Timestamp and appends rec. It returns false, and writes nothing,
	// when the credential is missing or no longer valid.
	Consume(ctx context.Context, token string, rec Record) (bool, error)
	// ListExpirable returns up to limit valid credentials with ExpiresAt before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Credential, error)
	// PurgeTerminal deletes used and expired credentials whose ExpiresAt is
	// before the cutoff. Attendance records are kept.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)

	ListRecords(ctx context.Context, sessionID string) ([]Record, error)

	Ping(ctx context.Context) error
	Close() error
}

// Roster is the course membership collaborator.
type Roster interface {
	IsTeacherOfCourse(ctx context.Context, userID, courseID string) (bool, error)
	ListEnrolledStudents(ctx context.Context, courseID string) ([]string, error)
}

// Notifier hands issued credentials to the delivery pipeline. Calls are
// fire-and-forget from the issuer's point of view.
type Notifier interface {
	Notify(ctx context.Context, d Delivery) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, d Delivery) error

func (f NotifierFunc) Notify(ctx context.Context, d Delivery) error { return f(ctx, d) }

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, Delivery) error { return nil }
