package attendance

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrSweepFailed     = errors.New("sweep failed: no credential could be expired")

	// store level
	ErrNoSession      = errors.New("session not found")
	ErrNoCredential   = errors.New("credential not found")
	ErrDuplicateToken = errors.New("credential token already exists")
	ErrHolderExists   = errors.New("student already holds a valid credential for this session")
)

// Reason identifies why a redemption was rejected. The values are part of the
// HTTP contract.
type Reason string

const (
	ReasonNotFound          Reason = "NotFound"
	ReasonOwnershipMismatch Reason = "OwnershipMismatch"
	ReasonAlreadyUsed       Reason = "AlreadyUsed"
	ReasonExpired           Reason = "Expired"
)

// Rejection is a terminal, user-visible redemption failure. Retrying the same
// request will never succeed.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return "credential rejected: " + string(r.Reason)
}

var (
	ErrNotFound          = &Rejection{ReasonNotFound, "This attendance code is not recognised."}
	ErrOwnershipMismatch = &Rejection{ReasonOwnershipMismatch, "This attendance code was issued to a different account."}
	ErrAlreadyUsed       = &Rejection{ReasonAlreadyUsed, "You have already been marked present with this code."}
	ErrExpired           = &Rejection{ReasonExpired, "This attendance code has expired."}
)

// Denied is returned by the authorizer when the caller may not issue
// credentials for a session.
type Denied struct {
	Reason string
}

func (d *Denied) Error() string {
	return "permission denied: " + d.Reason
}

const (
	DeniedNotTeacher      = "not_teacher"
	DeniedNoSession       = "session_not_found"
	DeniedSessionInactive = "session_inactive"
	DeniedCourseMismatch  = "course_mismatch"
)

// TransientError marks an infrastructure failure. The caller may retry the
// same request; redemption stays single-use across retries.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRejection returns the rejection carried by err, if any.
func IsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
