package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultIssueConcurrency = 8
	maxIssueAttempts        = 3
)

// IssuerConfig tunes credential issuance.
type IssuerConfig struct {
	// LateGrace marks redemptions later than WindowStart+LateGrace as late.
	// Zero disables late marking.
	LateGrace    time.Duration
	Concurrency  int
	StoreTimeout time.Duration
}

// IssueRequest asks for one credential per student.
type IssueRequest struct {
	SessionID  string
	CourseID   string
	StudentIDs []string
	ValidFor   time.Duration
}

// IssueFailure names a student that did not receive a credential.
type IssueFailure struct {
	StudentID string `json:"student_id"`
	Reason    string `json:"reason"`
	Retriable bool   `json:"retriable"`
}

// IssueResult is a partial-success report: the caller re-issues only to
// Failed students.
type IssueResult struct {
	Issued []Credential   `json:"issued"`
	Reused []Credential   `json:"reused"`
	Failed []IssueFailure `json:"failed"`
}

// Issuer creates credentials.
type Issuer struct {
	store    Store
	notifier Notifier
	logger   *log.Logger
	cfg      IssuerConfig
	now      func() time.Time
	newToken func() (string, error)
}

// NewIssuer creates an issuer. A nil notifier discards deliveries.
func NewIssuer(store Store, notifier Notifier, logger *log.Logger, cfg IssuerConfig) *Issuer {
	if notifier == nil {
		notifier = discardNotifier{}
	}
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultIssueConcurrency
	}
	return &Issuer{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		newToken: NewToken,
	}
}

type issueOutcome struct {
	cred   Credential
	reused bool
	err    error
}

// Issue persists one credential per distinct student. Per-student failures
// are reported in the result, never as the returned error; the returned
// error covers request-level problems only. If ctx is cancelled midway, the
// students not yet attempted are reported as retriable failures and the
// credentials already written stay valid.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (IssueResult, error) {
	if req.SessionID == "" || req.CourseID == "" || req.ValidFor <= 0 {
		return IssueResult{}, ErrInvalidRequest
	}
	students := dedupe(req.StudentIDs)

	var sess Session
	err := bounded(ctx, i.cfg.StoreTimeout, "get_session", func(ctx context.Context) (err error) {
		sess, err = i.store.GetSession(ctx, req.SessionID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return IssueResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return IssueResult{}, transient("get session", err)
	}

	outcomes := make([]issueOutcome, len(students))
	var g errgroup.Group
	g.SetLimit(i.cfg.Concurrency)
	for idx, studentID := range students {
		idx, studentID := idx, studentID
		if ctx.Err() != nil {
			outcomes[idx] = issueOutcome{err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				outcomes[idx] = issueOutcome{err: ctx.Err()}
				return nil
			}
			cred, reused, err := i.issueOne(ctx, sess, studentID, req.ValidFor)
			outcomes[idx] = issueOutcome{cred: cred, reused: reused, err: err}
			if err == nil {
				i.deliver(ctx, cred)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := IssueResult{Issued: []Credential{}, Reused: []Credential{}, Failed: []IssueFailure{}}
	for idx, out := range outcomes {
		switch {
		case out.err != nil:
			credentialsIssued.WithLabelValues("failed").Inc()
			i.logger.Warn().Err(out.err).Str("session_id", req.SessionID).Str("student_id", students[idx]).Msg("credential issuance failed")
			res.Failed = append(res.Failed, IssueFailure{
				StudentID: students[idx],
				Reason:    out.err.Error(),
				Retriable: true,
			})
		case out.reused:
			credentialsIssued.WithLabelValues("reused").Inc()
			res.Reused = append(res.Reused, out.cred)
		default:
			credentialsIssued.WithLabelValues("issued").Inc()
			res.Issued = append(res.Issued, out.cred)
		}
	}
	i.logger.Info().
		Str("session_id", req.SessionID).
		Int("issued", len(res.Issued)).
		Int("reused", len(res.Reused)).
		Int("failed", len(res.Failed)).
		Msg("credentials issued")
	return res, nil
}

// issueOne returns the student's valid credential for the session, creating
// it if needed. An unexpired valid credential is reused so a student never
// holds two.
func (i *Issuer) issueOne(ctx context.Context, sess Session, studentID string, validFor time.Duration) (Credential, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		now := i.now().UTC()

		var held Credential
		err := bounded(ctx, i.cfg.StoreTimeout, "held_credential", func(ctx context.Context) (err error) {
			held, err = i.store.HeldCredential(ctx, sess.ID, studentID)
			return err
		})
		switch {
		case err == nil && !held.ExpiredAt(now):
			return held, true, nil
		case err == nil:
			// retire the stale credential so a fresh one can take its place
			err = bounded(ctx, i.cfg.StoreTimeout, "cas_state", func(ctx context.Context) error {
				_, err := i.store.CompareAndSwapState(ctx, held.Token, StateValid, StateExpired, now)
				return err
			})
			if err != nil {
				return Credential{}, false, transient("expire stale credential", err)
			}
		case !errors.Is(err, ErrNoCredential):
			return Credential{}, false, transient("held credential", err)
		}

		token, err := i.newToken()
		if err != nil {
			return Credential{}, false, err
		}
		cred := Credential{
			Token:     token,
			SessionID: sess.ID,
			CourseID:  sess.CourseID,
			StudentID: studentID,
			IssuedAt:  now,
			ExpiresAt: now.Add(validFor),
			State:     StateValid,
		}
		if i.cfg.LateGrace > 0 && !sess.WindowStart.IsZero() {
			cred.LateAfter = sess.WindowStart.Add(i.cfg.LateGrace).UTC()
		}

		err = bounded(ctx, i.cfg.StoreTimeout, "insert_credential", func(ctx context.Context) error {
			return i.store.InsertCredential(ctx, cred)
		})
		switch {
		case err == nil:
			return cred, false, nil
		case errors.Is(err, ErrDuplicateToken), errors.Is(err, ErrHolderExists):
			// collision or a concurrent issuance won; look again
			lastErr = err
			continue
		default:
			return Credential{}, false, transient("insert credential", err)
		}
	}
	return Credential{}, false, fmt.Errorf("giving up after %d attempts: %w", maxIssueAttempts, lastErr)
}

func (i *Issuer) deliver(ctx context.Context, cred Credential) {
	d := Delivery{
		StudentID: cred.StudentID,
		Token:     cred.Token,
		ExpiresAt: cred.ExpiresAt,
		SessionID: cred.SessionID,
		CourseID:  cred.CourseID,
	}
	if err := i.notifier.Notify(ctx, d); err != nil {
		i.logger.Warn().Err(err).Str("student_id", cred.StudentID).Msg("credential delivery failed")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Failure reasons for students that are skipped before issuance.
const (
	NotEnrolled     = "not enrolled in course"
	AlreadyRecorded = "attendance already recorded"
)

// ResolveStudents narrows requested to the students enrolled in courseID.
// An empty request means the whole roster. Students outside the roster are
// returned as non-retriable failures rather than an error.
func ResolveStudents(ctx context.Context, roster Roster, timeout time.Duration, courseID string, requested []string) ([]string, []IssueFailure, error) {
	var enrolled []string
	err := bounded(ctx, timeout, "roster_students", func(ctx context.Context) (err error) {
		enrolled, err = roster.ListEnrolledStudents(ctx, courseID)
		return err
	})
	if err != nil {
		return nil, nil, transient("roster", err)
	}
	if len(requested) == 0 {
		return dedupe(enrolled), nil, nil
	}

	member := make(map[string]struct{}, len(enrolled))
	for _, id := range enrolled {
		member[id] = struct{}{}
	}
	var ok []string
	var failed []IssueFailure
	for _, id := range dedupe(requested) {
		if _, in := member[id]; in {
			ok = append(ok, id)
			continue
		}
		failed = append(failed, IssueFailure{StudentID: id, Reason: NotEnrolled})
	}
	return ok, failed, nil
}
