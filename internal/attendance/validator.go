package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
)

// RedeemRequest is one student's attempt to mark attendance.
type RedeemRequest struct {
	Token      string
	CallerID   string
	RedeemedAt time.Time
	Location   string
}

// Validator verifies and consumes credentials.
type Validator struct {
	store   Store
	logger  *log.Logger
	timeout time.Duration
	newID   func() string
}

// NewValidator creates a validator whose store calls are bounded by timeout.
func NewValidator(store Store, logger *log.Logger, timeout time.Duration) *Validator {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	return &Validator{store: store, logger: logger, timeout: timeout, newID: uuid.NewString}
}

// Redeem consumes req.Token on behalf of req.CallerID and returns the new
// attendance record. Terminal failures are *Rejection values (ErrNotFound,
// ErrOwnershipMismatch, ErrAlreadyUsed, ErrExpired); store failures are
// *TransientError and the request may be retried as is.
//
// Among any number of concurrent calls for one token at most one succeeds;
// the others get ErrAlreadyUsed.
func (v *Validator) Redeem(ctx context.Context, req RedeemRequest) (rec Record, err error) {
	defer func() {
		redemptions.WithLabelValues(outcomeLabel(err)).Inc()
	}()

	if req.CallerID == "" {
		return Record{}, ErrUnauthenticated
	}
	if req.Token == "" {
		return Record{}, ErrNotFound
	}
	if req.RedeemedAt.IsZero() {
		req.RedeemedAt = time.Now()
	}
	req.RedeemedAt = req.RedeemedAt.UTC()

	cred, err := v.load(ctx, req.Token)
	if err != nil {
		return Record{}, err
	}
	if cred.StudentID != req.CallerID {
		v.logger.Warn().Str("session_id", cred.SessionID).Str("caller_id", req.CallerID).Msg("credential presented by non-holder")
		return Record{}, ErrOwnershipMismatch
	}
	switch cred.State {
	case StateUsed:
		return Record{}, ErrAlreadyUsed
	case StateExpired:
		return Record{}, ErrExpired
	}
	if cred.ExpiredAt(req.RedeemedAt) {
		if err := v.expire(ctx, cred.Token, req.RedeemedAt); err != nil {
			// the rejection stands; the sweeper will retire it later
			v.logger.Warn().Err(err).Str("session_id", cred.SessionID).Msg("could not mark credential expired")
		}
		return Record{}, ErrExpired
	}

	rec = Record{
		ID:              v.newID(),
		SessionID:       cred.SessionID,
		CourseID:        cred.CourseID,
		StudentID:       cred.StudentID,
		Status:          StatusPresent,
		Timestamp:       req.RedeemedAt,
		CredentialToken: cred.Token,
		Location:        req.Location,
	}
	if !cred.LateAfter.IsZero() && req.RedeemedAt.After(cred.LateAfter) {
		rec.Status = StatusLate
	}

	var consumed bool
	err = bounded(ctx, v.timeout, "consume", func(ctx context.Context) (err error) {
		consumed, err = v.store.Consume(ctx, cred.Token, rec)
		return err
	})
	if err != nil {
		return Record{}, transient("consume credential", err)
	}
	if !consumed {
		return Record{}, v.lostRace(ctx, cred.Token)
	}

	v.logger.Info().
		Str("session_id", rec.SessionID).
		Str("student_id", rec.StudentID).
		Str("status", rec.Status).
		Str("record_id", rec.ID).
		Msg("attendance recorded")
	return rec, nil
}

func (v *Validator) load(ctx context.Context, token string) (Credential, error) {
	var cred Credential
	err := bounded(ctx, v.timeout, "get_credential", func(ctx context.Context) (err error) {
		cred, err = v.store.GetCredential(ctx, token)
		return err
	})
	switch {
	case errors.Is(err, ErrNoCredential):
		return Credential{}, ErrNotFound
	case err != nil:
		return Credential{}, transient("get credential", err)
	}
	return cred, nil
}

func (v *Validator) expire(ctx context.Context, token string, at time.Time) error {
	return bounded(ctx, v.timeout, "cas_state", func(ctx context.Context) error {
		_, err := v.store.CompareAndSwapState(ctx, token, StateValid, StateExpired, at)
		return err
	})
}

// lostRace explains why the conditional write did not apply: another
// redemption got there first, or the sweeper expired the credential.
func (v *Validator) lostRace(ctx context.Context, token string) error {
	cred, err := v.load(ctx, token)
	if err != nil {
		// the credential is no longer valid, so a retry gets the real reason
		v.logger.Warn().Err(err).Msg("re-reading credential after lost race")
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return transient("re-read credential", err)
	}
	if cred.State == StateExpired {
		return ErrExpired
	}
	return ErrAlreadyUsed
}
